package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"strata/internal/config"
)

const logLevelEnvKey = "STRATA_LOG_LEVEL"

// logSource names where the effective log level came from.
type logSource string

const (
	logFromFlag    logSource = "flag"
	logFromEnv     logSource = "env"
	logFromConfig  logSource = "config"
	logFromDefault logSource = "default"
)

// configureLoggerForCLI installs the default slog logger. An invalid
// --log-level is an error; an invalid env or config value falls back to
// the default level and returns a warning line.
func configureLoggerForCLI(flagLevel, configLevel string) (string, error) {
	envLevel := os.Getenv(logLevelEnvKey)
	raw, source := selectedLogLevel(flagLevel, envLevel, configLevel)
	level, err := parseLogLevel(raw)
	if err == nil {
		slog.SetDefault(newLogger(level))
		return "", nil
	}
	if source == logFromFlag {
		return "", fmt.Errorf("invalid --log-level %q", flagLevel)
	}

	fallback, _ := parseLogLevel(config.DefaultLogLevel)
	slog.SetDefault(newLogger(fallback))
	switch source {
	case logFromEnv:
		return fmt.Sprintf("warning: invalid %s=%q; defaulting to %s", logLevelEnvKey, envLevel, config.DefaultLogLevel), nil
	case logFromConfig:
		return fmt.Sprintf("warning: invalid log_level=%q; defaulting to %s", configLevel, config.DefaultLogLevel), nil
	}
	return "", nil
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, logSource) {
	switch {
	case strings.TrimSpace(flagLevel) != "":
		return flagLevel, logFromFlag
	case strings.TrimSpace(envLevel) != "":
		return envLevel, logFromEnv
	case strings.TrimSpace(configLevel) != "":
		return configLevel, logFromConfig
	}
	return "", logFromDefault
}

func parseLogLevel(raw string) (slog.Level, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		value = config.DefaultLogLevel
	}
	if strings.EqualFold(value, "warning") {
		value = "warn"
	}
	if numeric, err := strconv.Atoi(value); err == nil {
		return slog.Level(numeric), nil
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(value)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func newLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
