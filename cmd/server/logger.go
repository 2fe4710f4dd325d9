package main

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// newLogger builds the process logger. The returned level can be changed
// while the server runs.
func newLogger(level, format string, verbose bool) (*zap.Logger, zap.AtomicLevel, error) {
	lvl := zap.NewAtomicLevel()
	if verbose {
		lvl.SetLevel(zap.DebugLevel)
	} else if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, lvl, fmt.Errorf("log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	switch format {
	case "", "json":
		cfg.Encoding = "json"
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		return nil, lvl, fmt.Errorf("unknown log format %q", format)
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, lvl, err
	}
	return logger, lvl, nil
}

// applyLevel updates lvl from a reloaded config unless verbose pins it.
func applyLevel(lvl zap.AtomicLevel, level string, verbose bool) error {
	if verbose {
		return nil
	}
	var next zapcore.Level
	if err := next.UnmarshalText([]byte(level)); err != nil {
		return err
	}
	lvl.SetLevel(next)
	return nil
}
