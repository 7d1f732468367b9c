// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package syscalldecode

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaso1024/poe/pkg/model"
)

type fakeMem struct {
	data map[uint64][]byte
}

func (f *fakeMem) ReadAt(addr uint64, length int) ([]byte, error) {
	b, ok := f.data[addr]
	if !ok {
		return nil, errors.New("unmapped")
	}
	if length > len(b) {
		length = len(b)
	}
	return b[:length], nil
}

type fakeCwd struct {
	cwd string
}

func (f fakeCwd) Cwd(int32) (string, error)             { return f.cwd, nil }
func (f fakeCwd) FDPath(int32, int32) (string, error)    { return "", errors.New("no fds") }

func TestObserveEntryThenExitProducesOpenEvent(t *testing.T) {
	d := NewDecoder(64, false)
	mem := &fakeMem{data: map[uint64][]byte{0x2000: append([]byte("/tmp/x"), 0)}}
	cwd := fakeCwd{cwd: "/home"}

	entry := Regs{Nr: sysOpen, Args: [6]uint64{0x2000}, Ret: entrySentinel}
	_, ok := d.Observe(1, entry, mem, cwd, 100)
	assert.False(t, ok)

	exit := Regs{Nr: sysOpen, Args: [6]uint64{0x2000}, Ret: 5}
	out, ok := d.Observe(1, exit, mem, cwd, 101)
	require.True(t, ok)
	require.NotNil(t, out.File)
	assert.Equal(t, model.FileOpOpen, out.File.Op)
	assert.Equal(t, "/tmp/x", out.File.Path)
	assert.Equal(t, int32(5), out.File.FD)
	assert.False(t, out.File.PathTruncated)
}

func TestRelativePathResolvedAgainstCwd(t *testing.T) {
	d := NewDecoder(64, false)
	mem := &fakeMem{data: map[uint64][]byte{0x3000: append([]byte("rel.txt"), 0)}}
	cwd := fakeCwd{cwd: "/srv/app"}

	_, _ = d.Observe(2, Regs{Nr: sysOpen, Args: [6]uint64{0x3000}, Ret: entrySentinel}, mem, cwd, 1)
	out, ok := d.Observe(2, Regs{Nr: sysOpen, Args: [6]uint64{0x3000}, Ret: 7}, mem, cwd, 2)
	require.True(t, ok)
	assert.Equal(t, "/srv/app/rel.txt", out.File.Path)
}

func TestTruncatedPathIsMarked(t *testing.T) {
	d := NewDecoder(4, false)
	mem := &fakeMem{data: map[uint64][]byte{0x4000: []byte("abcdefgh")}}
	cwd := fakeCwd{cwd: "/"}

	_, _ = d.Observe(3, Regs{Nr: sysOpen, Args: [6]uint64{0x4000}, Ret: entrySentinel}, mem, cwd, 1)
	out, ok := d.Observe(3, Regs{Nr: sysOpen, Args: [6]uint64{0x4000}, Ret: 9}, mem, cwd, 2)
	require.True(t, ok)
	assert.True(t, out.File.PathTruncated)
}

func TestUnreadablePathIsMarked(t *testing.T) {
	d := NewDecoder(64, false)
	mem := &fakeMem{data: map[uint64][]byte{}}
	cwd := fakeCwd{cwd: "/"}

	_, _ = d.Observe(4, Regs{Nr: sysOpen, Args: [6]uint64{0x5000}, Ret: entrySentinel}, mem, cwd, 1)
	out, ok := d.Observe(4, Regs{Nr: sysOpen, Args: [6]uint64{0x5000}, Ret: ^uint64(13 - 1)}, mem, cwd, 2)
	require.True(t, ok)
	assert.True(t, out.File.PathUnreadable)
}

func TestReadWriteCarryByteCounts(t *testing.T) {
	d := NewDecoder(64, false)
	_, _ = d.Observe(5, Regs{Nr: sysWrite, Args: [6]uint64{3, 0, 32}, Ret: entrySentinel}, nil, nil, 1)
	out, ok := d.Observe(5, Regs{Nr: sysWrite, Args: [6]uint64{3, 0, 32}, Ret: 32}, nil, nil, 2)
	require.True(t, ok)
	assert.EqualValues(t, 32, out.File.Bytes)
}

func TestUnpairedExitResynchronizesAsEntry(t *testing.T) {
	d := NewDecoder(64, false)
	// No entry observed first: treated as a fresh entry, nothing emitted.
	_, ok := d.Observe(6, Regs{Nr: sysClose, Args: [6]uint64{3}, Ret: 0}, nil, nil, 1)
	assert.False(t, ok)
}

func TestUnknownSyscallIgnoredUnlessFullMode(t *testing.T) {
	d := NewDecoder(64, false)
	_, _ = d.Observe(7, Regs{Nr: 9999, Ret: entrySentinel}, nil, nil, 1)
	out, ok := d.Observe(7, Regs{Nr: 9999, Ret: 0}, nil, nil, 2)
	require.True(t, ok)
	assert.Nil(t, out.File)
	assert.Nil(t, out.Net)
	assert.Nil(t, out.Generic)

	full := NewDecoder(64, true)
	_, _ = full.Observe(7, Regs{Nr: 9999, Ret: entrySentinel}, nil, nil, 1)
	out2, ok := full.Observe(7, Regs{Nr: 9999, Ret: 0}, nil, nil, 2)
	require.True(t, ok)
	require.NotNil(t, out2.Generic)
}

func TestExecResetClearsPendingState(t *testing.T) {
	d := NewDecoder(64, false)
	_, _ = d.Observe(8, Regs{Nr: sysOpen, Args: [6]uint64{0x1}, Ret: entrySentinel}, nil, nil, 1)
	d.Reset(8)
	_, ok := d.Observe(8, Regs{Nr: sysClose, Ret: 0}, nil, nil, 2)
	assert.False(t, ok) // now treated as a new entry, not paired with the stale open
}
