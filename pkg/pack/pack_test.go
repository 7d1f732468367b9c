// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package pack

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaso1024/poe/pkg/metrics"
	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/redact"
	"github.com/Jaso1024/poe/pkg/store"
)

func buildTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.sqlite")
	st, err := store.Open(path, metrics.New(), store.DefaultOptions())
	require.NoError(t, err)
	st.Run()
	st.InsertFile(model.FileEvent{TimestampNS: 1, TaskID: 1, Op: model.FileOpOpen, Path: "/tmp/x"})
	st.Sync()
	require.NoError(t, st.Checkpoint())
	return st, path
}

func TestWriteThenOpenRoundTripsSummary(t *testing.T) {
	st, path := buildTestStore(t)
	defer st.Close()

	run := model.Run{
		ID:        "run-1",
		Command:   []string{"/bin/sh", "-c", "exit 7"},
		StartedAt: time.Unix(0, 0),
		EndedAt:   time.Unix(1, 0),
		ExitCode:  7,
		Trigger:   model.TriggerNonZero,
	}

	outDir := t.TempDir()
	packPath, err := Write(Input{
		OutputDir:  outDir,
		Run:        run,
		Store:      st,
		StorePath:  path,
		StdoutTail: []byte("out"),
		StderrTail: []byte("bearer abc123\n"),
		Env:        []string{"PATH=/bin", "API_KEY=supersecret"},
		Redactor:   redact.New(nil, nil),
	})
	require.NoError(t, err)
	assert.FileExists(t, packPath)

	p, err := Open(packPath)
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, "run-1", p.Summary.RunID)
	assert.Equal(t, 7, p.Summary.ExitCode)
	assert.Equal(t, "NonZero", p.Summary.Trigger)
	assert.EqualValues(t, 1, p.Summary.Stats.Files)
	assert.Equal(t, "out", string(p.StdoutTail))
	assert.Equal(t, redact.Placeholder, p.Environment.Env["API_KEY"])
	assert.Equal(t, "/bin", p.Environment.Env["PATH"])

	reopened, err := p.Store()
	require.NoError(t, err)
	events, err := reopened.FileEvents()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "/tmp/x", events[0].Path)
}

func TestStderrTailRedactsBearerTokens(t *testing.T) {
	st, path := buildTestStore(t)
	defer st.Close()

	run := model.Run{ID: "run-2", StartedAt: time.Unix(0, 0), EndedAt: time.Unix(0, 0), Trigger: model.TriggerCrash, Signal: "SIGSEGV"}
	r := redact.New(nil, nil)

	outDir := t.TempDir()
	packPath, err := Write(Input{
		OutputDir:  outDir,
		Run:        run,
		Store:      st,
		StorePath:  path,
		StderrTail: r.TextBytes([]byte("auth: bearer sk-abc123.def\n")),
		Env:        nil,
		Redactor:   r,
	})
	require.NoError(t, err)

	p, err := Open(packPath)
	require.NoError(t, err)
	defer p.Close()
	assert.Contains(t, string(p.StderrTail), "bearer [REDACTED]")
}
