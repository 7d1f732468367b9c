// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

package tracer

import (
	"fmt"
	"os"
)

// ProcMem implements syscalldecode.MemReader by reading a traced task's
// address space through /proc/<pid>/mem, the same technique gvisor's
// ptrace platform and most userspace tracers use in place of raw
// PTRACE_PEEKDATA word-at-a-time reads.
type ProcMem struct {
	pid int
}

// NewProcMem returns a reader of /proc/<pid>/mem for cross-process reads.
// The file is opened anew on each read to tolerate the target re-execing
// mid-trace, since an exec invalidates the previously opened fd's
// address space.
func NewProcMem(pid int) *ProcMem {
	return &ProcMem{pid: pid}
}

// ReadAt reads length bytes at addr from the task's memory. A failed
// read (unmapped page, race with exec, task gone) is reported as an
// error, never a panic; callers mark the owning event
// path_unreadable/path_truncated and move on.
func (m *ProcMem) ReadAt(addr uint64, length int) ([]byte, error) {
	f, err := os.OpenFile(fmt.Sprintf("/proc/%d/mem", m.pid), os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("tracer: open mem for pid %d: %w", m.pid, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, int64(addr))
	if n == 0 && err != nil {
		return nil, fmt.Errorf("tracer: read mem for pid %d at %#x: %w", m.pid, addr, err)
	}
	return buf[:n], nil
}
