package config

import (
	"time"

	"github.com/fluxmedia/warden/internal/server"
	"github.com/fluxmedia/warden/internal/supervisor"
	"github.com/fluxmedia/warden/util/conf"
)

type Config struct {
	// LogLevel is the log level for the application
	LogLevel string `conf:"log_level"`

	// LogFormat is the log format for the application
	LogFormat string `conf:"log_format"`

	// Worker describes how to spawn the worker process.
	Worker supervisor.StartConfig `conf:"worker"`

	// Handler names the worker-side handler to instantiate.
	Handler string `conf:"handler"`

	// Shutdown is the grace period for a clean worker exit.
	Shutdown supervisor.StopConfig `conf:"shutdown"`

	// Server is the status http server configuration.
	Server server.HttpConfig `conf:"server"`
}

// DefaultConfig holds the defaults layered under file, env and cli
// sources.
var DefaultConfig = defaults()

func defaults() conf.DefaultConfig {
	d := conf.DefaultConfig{
		"log_level":  "info",
		"log_format": "production",
		"handler":    "echo",
	}

	for key, val := range conf.MergeDefaults("shutdown", conf.DefaultConfig{
		"timeout": time.Second,
	}) {
		d[key] = val
	}

	for key, val := range conf.MergeDefaults("server", conf.DefaultConfig{
		"host": "localhost",
		"port": 8090,
	}) {
		d[key] = val
	}

	return d
}
