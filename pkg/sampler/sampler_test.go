// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package sampler

import (
	"encoding/binary"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Jaso1024/poe/pkg/model"
)

type fakeSink struct {
	samples []model.StackSample
}

func (f *fakeSink) StackSample(s model.StackSample) {
	f.samples = append(f.samples, s)
}

func TestHandleSampleParsesCallchainSkippingContextMarkers(t *testing.T) {
	sink := &fakeSink{}
	s := &Sampler{sink: sink}

	var b []byte
	put64 := func(v uint64) {
		var tmp [8]byte
		binary.LittleEndian.PutUint64(tmp[:], v)
		b = append(b, tmp[:]...)
	}
	put32 := func(v uint32) {
		var tmp [4]byte
		binary.LittleEndian.PutUint32(tmp[:], v)
		b = append(b, tmp[:]...)
	}

	put64(0x1000)                  // ip
	put32(1234)                    // pid
	put32(5678)                    // tid
	put64(42)                      // time
	put64(4)                       // nr
	put64(0x1000)                  // dup of ip, should be skipped
	put64(callchainContextMax)     // PERF_CONTEXT_USER-style marker, skipped
	put64(0x2000)
	put64(0x3000)

	s.handleSample(b)

	a := assert.New(t)
	a.Len(sink.samples, 1)
	a.Equal(int32(5678), sink.samples[0].TaskID)
	a.Equal([]uint64{0x1000, 0x2000, 0x3000}, sink.samples[0].Frames)
}

func TestOpenSelfAndDrain(t *testing.T) {
	// perf_event_open commonly requires elevated privileges or a relaxed
	// perf_event_paranoid sysctl; sandboxed/CI environments routinely lack
	// both, so a permission failure here is expected, not fatal — the
	// sampler is specified to degrade gracefully rather than fail the run.
	s, err := Open(int32(os.Getpid()), 99, nil, nil)
	if err != nil {
		t.Skipf("perf events unavailable in this environment: %v", err)
	}
	s.Start()
	time.Sleep(20 * time.Millisecond)
	s.DrainAndClose(100 * time.Millisecond)
	assert.True(t, true)
}
