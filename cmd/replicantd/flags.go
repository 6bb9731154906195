package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	// Define flags with environment variable fallback
	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("REPLICANT_CONFIG", ""),
		"Path to configuration file (env: REPLICANT_CONFIG)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("REPLICANT_CONFIG", ""),
		"Path to configuration file (env: REPLICANT_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("REPLICANT_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: REPLICANT_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("REPLICANT_LOG_FORMAT", ""),
		"Log format: json, text (env: REPLICANT_LOG_FORMAT)")

	flag.BoolVar(&cfg.Debug, "debug",
		getEnvBool("REPLICANT_DEBUG", false),
		"Enable debug mode (env: REPLICANT_DEBUG)")

	flag.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("REPLICANT_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: REPLICANT_SHUTDOWN_TIMEOUT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Usage = printHelp

	flag.Parse()

	// Override log level if debug is set
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}

	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	// Skip validation for special flags
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	// Config file is optional (defaults apply), but if given it must exist
	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - Replicant synchronization server

Versioned, schema-validated key-value replication over WebSocket,
backed by NATS JetStream.

Usage:
  %s [flags]

Flags:
  -c, -config string        Path to JSON configuration file
  -log-level string         Log level: debug, info, warn, error
  -log-format string        Log format: json, text
  -debug                    Enable debug mode (forces log level to debug)
  -shutdown-timeout duration  Graceful shutdown timeout (default 30s)
  -validate                 Validate configuration and exit
  -v, -version              Show version information
  -h, -help                 Show this help

Environment:
  REPLICANT_CONFIG, REPLICANT_LOG_LEVEL, REPLICANT_LOG_FORMAT,
  REPLICANT_DEBUG, REPLICANT_SHUTDOWN_TIMEOUT

  Configuration fields can also be overridden individually, e.g.
  REPLICANT_NATS_URLS, REPLICANT_GATEWAY_PORT, REPLICANT_REDIS_ADDR.
`, appName, appName)
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseBool(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
