// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package logger provides the single zap logger threaded through the
// capture engine, plus a no-op logger for tests that don't care about log
// output.
package logger

import (
	"go.uber.org/zap"
)

// New builds a development-friendly console logger at the given level
// name ("debug", "info", "warn", "error"). An unrecognized level falls
// back to "info".
func New(level string) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.EncoderConfig.TimeKey = "ts"

	var lvl zap.AtomicLevel
	switch level {
	case "debug":
		lvl = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		lvl = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		lvl = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		lvl = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	cfg.Level = lvl

	base, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return base.Sugar(), nil
}

// Nop returns a logger that discards everything, for tests and for
// callers that genuinely don't want capture-engine diagnostics.
func Nop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
