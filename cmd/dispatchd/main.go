// Command dispatchd is the task-dispatch middleware process: it exposes the
// HTTP API of spec.md §6, runs the Background Reconciler, and watches its
// config file, swapping reloadable fields into config.Holder.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/transcribeflow/dispatchd/internal/api"
	"github.com/transcribeflow/dispatchd/internal/audio"
	"github.com/transcribeflow/dispatchd/internal/config"
	"github.com/transcribeflow/dispatchd/internal/daemon"
	"github.com/transcribeflow/dispatchd/internal/dispatcher"
	"github.com/transcribeflow/dispatchd/internal/lease"
	"github.com/transcribeflow/dispatchd/internal/persistence/sqlite"
	"github.com/transcribeflow/dispatchd/internal/queue"
	"github.com/transcribeflow/dispatchd/internal/reconciler"
	"github.com/transcribeflow/dispatchd/internal/stats"
	"github.com/transcribeflow/dispatchd/internal/telemetry"
	"github.com/transcribeflow/dispatchd/internal/upstream"
	xglog "github.com/transcribeflow/dispatchd/internal/xlog"
)

var (
	version   = "v0.1.0"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsed.User = nil
	return parsed.String()
}

func main() {
	if len(os.Args) > 1 && os.Args[1] == "verify-db" {
		os.Exit(runVerifyDB(os.Args[2:]))
	}

	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	xglog.Configure(xglog.Config{Level: "info", Service: "dispatchd", Version: version})
	logger := xglog.WithComponent("main")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(strings.TrimSpace(*configPath))
	if err != nil {
		logger.Fatal().Err(err).Str("event", "config.load_failed").Msg("failed to load configuration")
	}

	xglog.Configure(xglog.Config{Level: cfg.LogLevel, Service: "dispatchd", Version: version})
	logger = xglog.WithComponent("main")

	if err := config.ValidateStartup(cfg); err != nil {
		logger.Fatal().Err(err).Str("event", "config.startup_check_failed").Msg("startup validation failed")
	}

	tracerProvider, err := telemetry.NewProvider(ctx, telemetry.Config{
		ServiceName:    "dispatchd",
		ServiceVersion: version,
		Endpoint:       cfg.TracingEndpoint,
		SamplingRate:   cfg.TracingSamplingRate,
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "telemetry.init_failed").Msg("failed to initialize tracer provider")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = tracerProvider.Shutdown(shutdownCtx)
	}()

	logger.Info().
		Str("event", "startup").
		Str("upstream_base_url", maskURL(cfg.UpstreamBaseURL)).
		Int64("project_id", cfg.ProjectID).
		Int("listen_port", cfg.ListenPort).
		Dur("sync_interval", cfg.SyncInterval).
		Msg("starting dispatchd")

	redisOpts, err := redis.ParseURL(cfg.KVUrl)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "redis.config_invalid").Msg("invalid kvUrl")
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, cfg.KVTimeout)
	if err := redisClient.Ping(pingCtx).Err(); err != nil {
		cancel()
		logger.Fatal().Err(err).Str("event", "redis.ping_failed").Msg("cannot reach Redis at startup")
	}
	cancel()

	db, err := sqlite.Open(cfg.SqlURL, sqlite.DefaultConfig())
	if err != nil {
		logger.Fatal().Err(err).Str("event", "sql.open_failed").Msg("failed to open stats database")
	}
	defer func() { _ = db.Close() }()

	leases := lease.New(redisClient)
	q := queue.New(redisClient)

	st, err := stats.Open(db)
	if err != nil {
		logger.Fatal().Err(err).Str("event", "stats.open_failed").Msg("failed to initialize stats store")
	}

	up := upstream.NewHTTPClient(upstream.Config{
		BaseURL:   cfg.UpstreamBaseURL,
		APIKey:    cfg.UpstreamAPIKey,
		ProjectID: cfg.ProjectID,
		Timeout:   cfg.UpstreamTimeout,
	})

	audioURLFor := func(taskID, agentID int64) string {
		return fmt.Sprintf("/api/audio/stream/%d/%d", taskID, agentID)
	}

	dispatch := dispatcher.New(leases, q, st, up, cfg.ProjectID, dispatcher.Config{
		LeaseTTL:      cfg.LeaseTTL,
		CooldownTTL:   cfg.CooldownTTL,
		RatePerSecond: cfg.RatePerSecond,
	}, audioURLFor)

	streamer := audio.New(cfg.MediaRoot, leases)

	// First reconcile runs synchronously in App.Run, before the listener
	// accepts connections (spec.md §4.7), so the queue is never served empty
	// on a cold start.
	rec := reconciler.New(up, q, leases, cfg.SyncInterval)

	cfgHolder := config.NewHolder(strings.TrimSpace(*configPath), cfg)
	server := api.NewServer(cfgHolder, dispatch, streamer)

	mgr, err := daemon.NewManager(config.NewServerConfig(cfg), daemon.Deps{
		Logger:     logger,
		APIHandler: server.Router(),
	})
	if err != nil {
		logger.Fatal().Err(err).Str("event", "manager.creation_failed").Msg("failed to create daemon manager")
	}

	app := daemon.NewApp(logger, mgr, cfgHolder, rec)
	if err := app.Run(ctx); err != nil {
		logger.Fatal().Err(err).Str("event", "daemon.failed").Msg("dispatchd failed")
	}

	logger.Info().Msg("server exiting")
}

// runVerifyDB implements "dispatchd verify-db <path> [--full]", a standalone
// integrity check of the stats database ahead of an operator-triggered
// restart or backup.
func runVerifyDB(args []string) int {
	fs := flag.NewFlagSet("verify-db", flag.ExitOnError)
	full := fs.Bool("full", false, "run PRAGMA integrity_check instead of quick_check")
	_ = fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: dispatchd verify-db <path> [--full]")
		return 2
	}

	mode := "quick"
	if *full {
		mode = "full"
	}

	problems, err := sqlite.VerifyIntegrity(fs.Arg(0), mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "verify-db: %v\n", err)
		return 1
	}
	if len(problems) == 0 {
		fmt.Println("ok")
		return 0
	}
	for _, p := range problems {
		fmt.Println(p)
	}
	return 1
}
