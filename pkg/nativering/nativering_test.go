// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package nativering

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeRing(t *testing.T, capacity uint32, writePos uint64, entries []Entry) string {
	t.Helper()

	buf := make([]byte, headerSize+int(capacity)*entrySize)
	binary.LittleEndian.PutUint32(buf[0:4], Magic)
	binary.LittleEndian.PutUint32(buf[4:8], Version)
	binary.LittleEndian.PutUint32(buf[8:12], capacity)
	binary.LittleEndian.PutUint64(buf[16:24], writePos)
	binary.LittleEndian.PutUint64(buf[24:32], 1000)

	// Entries are placed the way the runtime does: entry i at slot
	// i mod capacity, so a writePos past capacity wraps over the oldest.
	first := uint64(0)
	if writePos > uint64(capacity) {
		first = writePos - uint64(capacity)
	}
	for i := first; i < writePos; i++ {
		e := entries[i]
		off := headerSize + int(i%uint64(capacity))*entrySize
		binary.LittleEndian.PutUint64(buf[off:off+8], e.TSNS)
		binary.LittleEndian.PutUint64(buf[off+8:off+16], e.FuncAddr)
		binary.LittleEndian.PutUint64(buf[off+16:off+24], e.CallSite)
		binary.LittleEndian.PutUint32(buf[off+24:off+28], e.TID)
		buf[off+28] = byte(e.Type)
		buf[off+29] = e.Depth
	}

	path := filepath.Join(t.TempDir(), "rt.ring")
	require.NoError(t, os.WriteFile(path, buf, 0o600))
	return path
}

func TestReadDecodesLiveEntriesInOrder(t *testing.T) {
	entries := []Entry{
		{TSNS: 10, FuncAddr: 0x1000, TID: 7, Type: EventEnter, Depth: 0},
		{TSNS: 20, FuncAddr: 0x2000, CallSite: 0x1010, TID: 7, Type: EventEnter, Depth: 1},
		{TSNS: 30, FuncAddr: 0x2000, TID: 7, Type: EventExit, Depth: 1},
	}
	path := writeRing(t, 8, 3, entries)

	hdr, got, err := Read(path)
	require.NoError(t, err)
	assert.EqualValues(t, 8, hdr.Capacity)
	assert.EqualValues(t, 3, hdr.WritePos)
	require.Len(t, got, 3)
	assert.Equal(t, entries, got)
}

func TestReadWrapsAroundWhenWritePosExceedsCapacity(t *testing.T) {
	var entries []Entry
	for i := 0; i < 6; i++ {
		entries = append(entries, Entry{TSNS: uint64(i + 1), FuncAddr: uint64(0x100 * (i + 1)), TID: 1, Type: EventEnter, Depth: uint8(i)})
	}
	path := writeRing(t, 4, 6, entries)

	_, got, err := Read(path)
	require.NoError(t, err)
	// Only the last capacity entries are live.
	require.Len(t, got, 4)
	assert.EqualValues(t, 3, got[0].TSNS)
	assert.EqualValues(t, 6, got[3].TSNS)
}

func TestReadRejectsBadMagic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rt.ring")
	require.NoError(t, os.WriteFile(path, make([]byte, headerSize), 0o600))

	_, _, err := Read(path)
	assert.ErrorContains(t, err, "bad magic")
}

func TestReadEmptyRing(t *testing.T) {
	path := writeRing(t, 8, 0, nil)

	_, got, err := Read(path)
	require.NoError(t, err)
	assert.Empty(t, got)
}
