package config

import (
	"fmt"
	"time"
)

// ServerConfig holds HTTP server timeouts, split out from DispatchConfig
// because it has no YAML/ENV surface of its own: the listen port is the
// only externally tunable knob (spec.md §6), the rest are fixed operational
// defaults.
type ServerConfig struct {
	ListenAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	MaxHeaderBytes  int
	ShutdownTimeout time.Duration
}

const (
	defaultReadTimeout     = 15 * time.Second
	defaultWriteTimeout    = 0 // 0 = no timeout, required for long audio streams
	defaultIdleTimeout     = 120 * time.Second
	defaultMaxHeaderBytes  = 1 << 20 // 1 MB
	defaultShutdownTimeout = 15 * time.Second
)

// NewServerConfig derives the HTTP server's runtime configuration from the
// resolved DispatchConfig.
func NewServerConfig(cfg DispatchConfig) ServerConfig {
	return ServerConfig{
		ListenAddr:      fmt.Sprintf(":%d", cfg.ListenPort),
		ReadTimeout:     defaultReadTimeout,
		WriteTimeout:    defaultWriteTimeout,
		IdleTimeout:     defaultIdleTimeout,
		MaxHeaderBytes:  defaultMaxHeaderBytes,
		ShutdownTimeout: defaultShutdownTimeout,
	}
}
