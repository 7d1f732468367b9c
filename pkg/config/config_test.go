// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadWithNoFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("always: true\nsampler_hz: 200\noutput_dir: /tmp/packs\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Always)
	assert.Equal(t, 200, cfg.SamplerHz)
	assert.Equal(t, "/tmp/packs", cfg.OutputDir)
	assert.Equal(t, Default().BatchMaxInterval, cfg.BatchMaxInterval)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "poe.yaml")
	require.NoError(t, os.WriteFile(path, []byte("sampler_hz: 200\n"), 0o644))

	t.Setenv("POE_SAMPLER_HZ", "50")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.SamplerHz)
}

func TestDefaultMatchesConservativeBudgets(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 1<<20, cfg.StdioRingBytes)
	assert.Equal(t, 3*time.Second, cfg.SamplerDrainDeadline)
	assert.False(t, cfg.SamplerDisabled)
}
