// Package config loads and hot-reloads dispatchd's configuration: a YAML
// file overlaid with DISPATCH_* environment variables, matching the
// teacher's file+env merge approach in internal/config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DispatchConfig is the fully resolved, validated runtime configuration
// (spec.md §6 "Configuration (recognized options)").
type DispatchConfig struct {
	UpstreamBaseURL string
	UpstreamAPIKey  string
	ProjectID       int64

	KVUrl  string
	SqlURL string

	MediaRoot  string
	APIKey     string
	ListenPort int

	LeaseTTL      time.Duration
	CooldownTTL   time.Duration
	SyncInterval  time.Duration
	RatePerSecond float64

	KVTimeout       time.Duration
	SqlTimeout      time.Duration
	UpstreamTimeout time.Duration

	LogLevel string

	TracingEndpoint     string
	TracingSamplingRate float64
}

// fileConfig mirrors DispatchConfig's YAML representation. Durations are
// plain strings ("3600s", "1h") parsed via time.ParseDuration.
type fileConfig struct {
	UpstreamBaseURL string `yaml:"upstreamBaseUrl,omitempty"`
	UpstreamAPIKey  string `yaml:"upstreamApiKey,omitempty"`
	ProjectID       int64  `yaml:"projectId,omitempty"`

	KVUrl  string `yaml:"kvUrl,omitempty"`
	SqlURL string `yaml:"sqlUrl,omitempty"`

	MediaRoot  string `yaml:"mediaRoot,omitempty"`
	APIKey     string `yaml:"apiKey,omitempty"`
	ListenPort int    `yaml:"listenPort,omitempty"`

	LeaseTTL      string   `yaml:"leaseTTL,omitempty"`
	CooldownTTL   string   `yaml:"cooldownTTL,omitempty"`
	SyncInterval  string   `yaml:"syncInterval,omitempty"`
	RatePerSecond *float64 `yaml:"ratePerSecond,omitempty"`

	KVTimeout       string `yaml:"kvTimeout,omitempty"`
	SqlTimeout      string `yaml:"sqlTimeout,omitempty"`
	UpstreamTimeout string `yaml:"upstreamTimeout,omitempty"`

	LogLevel string `yaml:"logLevel,omitempty"`

	TracingEndpoint     string   `yaml:"tracingEndpoint,omitempty"`
	TracingSamplingRate *float64 `yaml:"tracingSamplingRate,omitempty"`
}

// Defaults per spec.md §6.
func defaults() DispatchConfig {
	return DispatchConfig{
		ListenPort:          8010,
		LeaseTTL:            3600 * time.Second,
		CooldownTTL:         1800 * time.Second,
		SyncInterval:        30 * time.Second,
		RatePerSecond:       0.05,
		KVTimeout:           1 * time.Second,
		SqlTimeout:          2 * time.Second,
		UpstreamTimeout:     10 * time.Second,
		LogLevel:            "info",
		TracingSamplingRate: 1.0,
	}
}

// Load reads path (if non-empty and present) and overlays DISPATCH_*
// environment variables, returning a fully resolved DispatchConfig. A
// missing file is not an error: configuration may come from ENV alone.
func Load(path string) (DispatchConfig, error) {
	cfg := defaults()

	if path != "" {
		fc, err := loadFile(path)
		if err != nil {
			return DispatchConfig{}, err
		}
		applyFile(&cfg, fc)
	}

	if err := applyEnv(&cfg); err != nil {
		return DispatchConfig{}, err
	}

	return cfg, Validate(cfg)
}

func loadFile(path string) (fileConfig, error) {
	var fc fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, fmt.Errorf("config: reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fc, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return fc, nil
}

func applyFile(cfg *DispatchConfig, fc fileConfig) {
	if fc.UpstreamBaseURL != "" {
		cfg.UpstreamBaseURL = fc.UpstreamBaseURL
	}
	if fc.UpstreamAPIKey != "" {
		cfg.UpstreamAPIKey = fc.UpstreamAPIKey
	}
	if fc.ProjectID != 0 {
		cfg.ProjectID = fc.ProjectID
	}
	if fc.KVUrl != "" {
		cfg.KVUrl = fc.KVUrl
	}
	if fc.SqlURL != "" {
		cfg.SqlURL = fc.SqlURL
	}
	if fc.MediaRoot != "" {
		cfg.MediaRoot = fc.MediaRoot
	}
	if fc.APIKey != "" {
		cfg.APIKey = fc.APIKey
	}
	if fc.ListenPort != 0 {
		cfg.ListenPort = fc.ListenPort
	}
	if fc.RatePerSecond != nil {
		cfg.RatePerSecond = *fc.RatePerSecond
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if fc.TracingEndpoint != "" {
		cfg.TracingEndpoint = fc.TracingEndpoint
	}
	if fc.TracingSamplingRate != nil {
		cfg.TracingSamplingRate = *fc.TracingSamplingRate
	}
	for _, d := range []struct {
		src string
		dst *time.Duration
	}{
		{fc.LeaseTTL, &cfg.LeaseTTL},
		{fc.CooldownTTL, &cfg.CooldownTTL},
		{fc.SyncInterval, &cfg.SyncInterval},
		{fc.KVTimeout, &cfg.KVTimeout},
		{fc.SqlTimeout, &cfg.SqlTimeout},
		{fc.UpstreamTimeout, &cfg.UpstreamTimeout},
	} {
		if d.src == "" {
			continue
		}
		if parsed, err := time.ParseDuration(d.src); err == nil {
			*d.dst = parsed
		}
	}
}

func applyEnv(cfg *DispatchConfig) error {
	if v := os.Getenv("DISPATCH_UPSTREAM_BASE_URL"); v != "" {
		cfg.UpstreamBaseURL = v
	}
	if v := os.Getenv("DISPATCH_UPSTREAM_API_KEY"); v != "" {
		cfg.UpstreamAPIKey = v
	}
	if v := os.Getenv("DISPATCH_PROJECT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: DISPATCH_PROJECT_ID: %w", err)
		}
		cfg.ProjectID = id
	}
	if v := os.Getenv("DISPATCH_KV_URL"); v != "" {
		cfg.KVUrl = v
	}
	if v := os.Getenv("DISPATCH_SQL_URL"); v != "" {
		cfg.SqlURL = v
	}
	if v := os.Getenv("DISPATCH_MEDIA_ROOT"); v != "" {
		cfg.MediaRoot = v
	}
	if v := os.Getenv("DISPATCH_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("DISPATCH_LISTEN_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: DISPATCH_LISTEN_PORT: %w", err)
		}
		cfg.ListenPort = port
	}
	if v := os.Getenv("DISPATCH_RATE_PER_SECOND"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: DISPATCH_RATE_PER_SECOND: %w", err)
		}
		cfg.RatePerSecond = rate
	}
	if v := os.Getenv("DISPATCH_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("DISPATCH_TRACING_ENDPOINT"); v != "" {
		cfg.TracingEndpoint = v
	}
	if v := os.Getenv("DISPATCH_TRACING_SAMPLING_RATE"); v != "" {
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("config: DISPATCH_TRACING_SAMPLING_RATE: %w", err)
		}
		cfg.TracingSamplingRate = rate
	}
	for _, d := range []struct {
		env string
		dst *time.Duration
	}{
		{"DISPATCH_LEASE_TTL", &cfg.LeaseTTL},
		{"DISPATCH_COOLDOWN_TTL", &cfg.CooldownTTL},
		{"DISPATCH_SYNC_INTERVAL", &cfg.SyncInterval},
		{"DISPATCH_KV_TIMEOUT", &cfg.KVTimeout},
		{"DISPATCH_SQL_TIMEOUT", &cfg.SqlTimeout},
		{"DISPATCH_UPSTREAM_TIMEOUT", &cfg.UpstreamTimeout},
	} {
		v := os.Getenv(d.env)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", d.env, err)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate rejects configurations missing a field required for the process
// to start at all.
func Validate(cfg DispatchConfig) error {
	if cfg.UpstreamBaseURL == "" {
		return fmt.Errorf("config: upstreamBaseUrl (DISPATCH_UPSTREAM_BASE_URL) is required")
	}
	if cfg.ProjectID == 0 {
		return fmt.Errorf("config: projectId (DISPATCH_PROJECT_ID) is required")
	}
	if cfg.KVUrl == "" {
		return fmt.Errorf("config: kvUrl (DISPATCH_KV_URL) is required")
	}
	if cfg.SqlURL == "" {
		return fmt.Errorf("config: sqlUrl (DISPATCH_SQL_URL) is required")
	}
	if cfg.MediaRoot == "" {
		return fmt.Errorf("config: mediaRoot (DISPATCH_MEDIA_ROOT) is required")
	}
	if cfg.APIKey == "" {
		return fmt.Errorf("config: apiKey (DISPATCH_API_KEY) is required")
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("config: listenPort must be in 1-65535, got %d", cfg.ListenPort)
	}
	if cfg.RatePerSecond < 0 {
		return fmt.Errorf("config: ratePerSecond must be >= 0, got %f", cfg.RatePerSecond)
	}
	return nil
}

// ValidateStartup performs filesystem checks that Validate cannot (it runs
// before any file I/O so config errors surface before backend dial-outs).
// This replaces the teacher's PerformStartupChecks (ffmpeg/OpenWebIF/TLS
// probes, none of which have a dispatcher analog) with the one check that
// does: MediaRoot must exist and be a directory, since the Audio Streamer
// opens files under it on every request.
func ValidateStartup(cfg DispatchConfig) error {
	info, err := os.Stat(cfg.MediaRoot)
	if err != nil {
		return fmt.Errorf("config: mediaRoot %q: %w", cfg.MediaRoot, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("config: mediaRoot %q is not a directory", cfg.MediaRoot)
	}
	return nil
}
