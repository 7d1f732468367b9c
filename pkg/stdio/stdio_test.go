// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package stdio

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaso1024/poe/pkg/model"
)

type collectSink struct {
	mu     sync.Mutex
	chunks []model.StdioChunk
}

func (c *collectSink) StdioChunk(ch model.StdioChunk) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunks = append(c.chunks, ch)
}

func TestRelayTeesToSinkAndTail(t *testing.T) {
	sink := &collectSink{}
	relay, err := New(1, 0, false, sink)
	require.NoError(t, err)
	relay.Start()

	_, err = relay.Stdout.w.WriteString("hello stdout\n")
	require.NoError(t, err)
	_, err = relay.Stderr.w.WriteString("hello stderr\n")
	require.NoError(t, err)
	relay.CloseWriteEnds()
	relay.Wait()

	stdoutTail, stderrTail := relay.Tail()
	assert.Equal(t, "hello stdout\n", string(stdoutTail))
	assert.Equal(t, "hello stderr\n", string(stderrTail))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.chunks, 2)
}
