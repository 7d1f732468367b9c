// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package tracer

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/syscalldecode"
)

type recordingSink struct {
	mu    sync.Mutex
	files []model.FileEvent
	nets  []model.NetEvent
	procs []model.Process
	ends  int
}

func (s *recordingSink) ProcessStart(p model.Process) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
}

func (s *recordingSink) ProcessEnd(int32, int32, string, time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
}

func (s *recordingSink) FileEvent(e model.FileEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = append(s.files, e)
}

func (s *recordingSink) NetEvent(e model.NetEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nets = append(s.nets, e)
}

func (s *recordingSink) GenericEvent(model.Event) {}

func TestRunTrueExitsCleanly(t *testing.T) {
	sink := &recordingSink{}
	tr := New(syscalldecode.NewDecoder(4096, false), sink, nil, nil)

	res, err := tr.Run([]string{"/bin/true"}, "/", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Empty(t, res.Signal)
	assert.GreaterOrEqual(t, sink.ends, 1)
	assert.NotEmpty(t, sink.procs)
}

func TestRunCapturesOpenOfTargetFile(t *testing.T) {
	sink := &recordingSink{}
	tr := New(syscalldecode.NewDecoder(4096, false), sink, nil, nil)

	res, err := tr.Run([]string{"/bin/cat", "/etc/hostname"}, "/", nil, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	found := false
	for _, f := range sink.files {
		if f.Op == model.FileOpOpen && f.Path == "/etc/hostname" {
			found = true
		}
	}
	assert.True(t, found, "expected an open event for /etc/hostname, got %+v", sink.files)
}

func TestRunNonexistentBinaryErrors(t *testing.T) {
	sink := &recordingSink{}
	tr := New(syscalldecode.NewDecoder(4096, false), sink, nil, nil)

	_, err := tr.Run([]string{"/no/such/binary"}, "/", nil, nil, nil)
	assert.Error(t, err)
}
