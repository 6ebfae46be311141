package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	ShowVersion bool
	ShowHelp    bool
	Validate    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("FIELDLINK_CONFIG_DIR", "."),
		"Directory containing fieldlink.yaml (env: FIELDLINK_CONFIG_DIR)")

	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("FIELDLINK_CONFIG_DIR", "."),
		"Directory containing fieldlink.yaml (env: FIELDLINK_CONFIG_DIR)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("FIELDLINK_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: FIELDLINK_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("FIELDLINK_LOG_FORMAT", "json"),
		"Log format: json, text (env: FIELDLINK_LOG_FORMAT)")

	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	flag.Parse()
	return cfg
}

func validateFlags(cfg *CLIConfig) error {
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", cfg.LogLevel)
	}
	switch cfg.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format %q", cfg.LogFormat)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printHelp() {
	fmt.Printf(`fieldlink - industrial equipment data integration platform

Usage:
  fieldlink [flags]

Flags:
`)
	flag.PrintDefaults()
}
