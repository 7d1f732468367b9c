// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package config assembles the coordinator's tunables from defaults, an
// optional YAML file, and environment overrides, in that order of
// increasing precedence.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/DataDog/viper"
)

// Config holds every tunable the capture engine needs.
type Config struct {
	// OutputDir is where .poepack archives are written.
	OutputDir string `mapstructure:"output_dir"`
	// Always forces a pack even on a clean, zero-exit run.
	Always bool `mapstructure:"always"`
	// FullMode records generic events for syscalls with no specialized
	// classification, instead of silently dropping them.
	FullMode bool `mapstructure:"full_mode"`

	// StdioRingBytes is the per-stream tail retention size for stdout and
	// stderr (component A, via H).
	StdioRingBytes int `mapstructure:"stdio_ring_bytes"`

	// EventChannelCapacity bounds the multi-producer single-consumer
	// channel feeding the event store writer (component E).
	EventChannelCapacity int `mapstructure:"event_channel_capacity"`
	// BatchMaxRecords and BatchMaxInterval bound how much the writer
	// accumulates before committing a transaction.
	BatchMaxRecords  int           `mapstructure:"batch_max_records"`
	BatchMaxInterval time.Duration `mapstructure:"batch_max_interval"`

	// MaxPathLength bounds cross-process path reads (component F).
	MaxPathLength int `mapstructure:"max_path_length"`

	// SamplerHz is the stack sampler's sampling frequency (component I).
	SamplerHz int `mapstructure:"sampler_hz"`
	// SamplerDisabled forces the sampler off even when perf events are
	// available, for environments that forbid it.
	SamplerDisabled bool `mapstructure:"sampler_disabled"`
	// SamplerDrainDeadline bounds the post-exit ring drain.
	SamplerDrainDeadline time.Duration `mapstructure:"sampler_drain_deadline"`

	// RedactAllowlist and RedactDenylist override the built-in env-var
	// redaction patterns (component D).
	RedactAllowlist []string `mapstructure:"redact_allowlist"`
	RedactDenylist  []string `mapstructure:"redact_denylist"`

	// NoiseFilterExtra adds glob patterns to the analyzer's noise filter
	// on top of the built-in set.
	NoiseFilterExtra []string `mapstructure:"noise_filter_extra"`

	// LogLevel controls the coordinator's own logger.
	LogLevel string `mapstructure:"log_level"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	return Config{
		OutputDir:            ".",
		Always:               false,
		FullMode:             false,
		StdioRingBytes:       1 << 20, // 1 MiB
		EventChannelCapacity: 4096,
		BatchMaxRecords:      256,
		BatchMaxInterval:     200 * time.Millisecond,
		MaxPathLength:        4096,
		SamplerHz:            99,
		SamplerDisabled:      false,
		SamplerDrainDeadline: 3 * time.Second,
		LogLevel:             "info",
	}
}

// Load resolves configuration from defaults, an optional YAML file at
// path (ignored if empty or missing), and POE_-prefixed environment
// variables, in that order of increasing precedence.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("poe")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	var out Config
	if err := v.Unmarshal(&out); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return out, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("output_dir", cfg.OutputDir)
	v.SetDefault("always", cfg.Always)
	v.SetDefault("full_mode", cfg.FullMode)
	v.SetDefault("stdio_ring_bytes", cfg.StdioRingBytes)
	v.SetDefault("event_channel_capacity", cfg.EventChannelCapacity)
	v.SetDefault("batch_max_records", cfg.BatchMaxRecords)
	v.SetDefault("batch_max_interval", cfg.BatchMaxInterval)
	v.SetDefault("max_path_length", cfg.MaxPathLength)
	v.SetDefault("sampler_hz", cfg.SamplerHz)
	v.SetDefault("sampler_disabled", cfg.SamplerDisabled)
	v.SetDefault("sampler_drain_deadline", cfg.SamplerDrainDeadline)
	v.SetDefault("log_level", cfg.LogLevel)
}
