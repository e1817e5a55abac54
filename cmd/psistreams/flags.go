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

	// Replay replays the configured dataset instead of joining a rendezvous
	Replay        bool
	ReplayMode    string
	ReplaySession string
	ReplayStart   string
	ReplayEnd     string
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("PSISTREAMS_CONFIG", "configs/psistreams.json"),
		"Path to configuration file, .json or .yaml (env: PSISTREAMS_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("PSISTREAMS_CONFIG", "configs/psistreams.json"),
		"Path to configuration file (env: PSISTREAMS_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("PSISTREAMS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: PSISTREAMS_LOG_LEVEL)")
	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("PSISTREAMS_LOG_FORMAT", "json"),
		"Log format: json, text (env: PSISTREAMS_LOG_FORMAT)")
	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("PSISTREAMS_DEBUG", false),
		"Enable debug logging (env: PSISTREAMS_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PSISTREAMS_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: PSISTREAMS_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.Replay, "replay", false, "Replay the configured dataset")
	fs.StringVar(&cfg.ReplayMode, "replay-mode", "FullSpeed",
		"Replay pacing: FullSpeed, RealTime, IntervalFullSpeed, IntervalRealTime")
	fs.StringVar(&cfg.ReplaySession, "replay-session", "", "Replay only this session")
	fs.StringVar(&cfg.ReplayStart, "replay-start", "", "Interval start, RFC 3339")
	fs.StringVar(&cfg.ReplayEnd, "replay-end", "", "Interval end, RFC 3339")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	if cfg.ShowHelp {
		fs.Usage()
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if _, err := os.Stat(cfg.ConfigPath); err != nil {
		return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
	}
	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.Replay && !slices.Contains([]string{"FullSpeed", "RealTime", "IntervalFullSpeed", "IntervalRealTime"}, cfg.ReplayMode) {
		return fmt.Errorf("invalid replay mode: %s", cfg.ReplayMode)
	}
	for _, ts := range []string{cfg.ReplayStart, cfg.ReplayEnd} {
		if ts == "" {
			continue
		}
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			return fmt.Errorf("invalid replay bound %q: %w", ts, err)
		}
	}
	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - rendezvous stream orchestration

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Join a rendezvous and record incoming processes
  %s --config=/etc/psistreams/config.yaml

  # Replay the configured dataset at its recorded pace
  %s --replay --replay-mode=RealTime --log-format=text

  # Validate configuration only
  %s --validate

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
