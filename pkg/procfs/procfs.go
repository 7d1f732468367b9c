// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package procfs reads the subset of /proc/<pid>/* that the rest of the
// capture engine needs: memory maps (for symbol resolution), cmdline, cwd,
// environ, exe, and status. It is a thin wrapper over
// github.com/prometheus/procfs rather than a hand-rolled parser.
package procfs

import (
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/procfs"
)

// Reader reads process metadata for pids under one /proc mount.
type Reader struct {
	fs procfs.FS
}

// NewReader opens the default /proc mount.
func NewReader() (*Reader, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("procfs: open /proc: %w", err)
	}
	return &Reader{fs: fs}, nil
}

// MapEntry is one line of /proc/<pid>/maps, the information the symbol
// resolver needs to translate an instruction pointer into (module, offset).
type MapEntry struct {
	StartAddr uint64
	EndAddr   uint64
	Perms     string
	Offset    uint64
	Pathname  string
}

// Maps returns the memory map of pid, ordered by start address as the
// kernel reports it.
func (r *Reader) Maps(pid int) ([]MapEntry, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("procfs: open pid %d: %w", pid, err)
	}
	maps, err := proc.ProcMaps()
	if err != nil {
		return nil, fmt.Errorf("procfs: read maps for pid %d: %w", pid, err)
	}
	out := make([]MapEntry, 0, len(maps))
	for _, m := range maps {
		perms := ""
		if m.Perms != nil {
			perms = permString(m.Perms)
		}
		out = append(out, MapEntry{
			StartAddr: uint64(m.StartAddr),
			EndAddr:   uint64(m.EndAddr),
			Perms:     perms,
			Offset:    uint64(m.Offset),
			Pathname:  m.Pathname,
		})
	}
	return out, nil
}

func permString(p *procfs.ProcMapPermissions) string {
	var b strings.Builder
	writeFlag := func(set bool, c byte) {
		if set {
			b.WriteByte(c)
		} else {
			b.WriteByte('-')
		}
	}
	writeFlag(p.Read, 'r')
	writeFlag(p.Write, 'w')
	writeFlag(p.Execute, 'x')
	writeFlag(p.Shared, 's')
	return b.String()
}

// Cmdline returns the argv of pid, as recorded at the time of the call
// (not necessarily exec time — callers that need the argv-at-exec value
// must capture it from the tracer's exec event instead).
func (r *Reader) Cmdline(pid int) ([]string, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("procfs: open pid %d: %w", pid, err)
	}
	args, err := proc.CmdLine()
	if err != nil {
		return nil, fmt.Errorf("procfs: read cmdline for pid %d: %w", pid, err)
	}
	return args, nil
}

// Cwd returns the working directory of pid by following the /proc/<pid>/cwd
// symlink.
func (r *Reader) Cwd(pid int) (string, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return "", fmt.Errorf("procfs: open pid %d: %w", pid, err)
	}
	cwd, err := proc.Cwd()
	if err != nil {
		return "", fmt.Errorf("procfs: read cwd for pid %d: %w", pid, err)
	}
	return cwd, nil
}

// Environ returns the KEY=VALUE environment of pid at read time.
func (r *Reader) Environ(pid int) ([]string, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return nil, fmt.Errorf("procfs: open pid %d: %w", pid, err)
	}
	env, err := proc.Environ()
	if err != nil {
		return nil, fmt.Errorf("procfs: read environ for pid %d: %w", pid, err)
	}
	return env, nil
}

// Exe returns the resolved target of /proc/<pid>/exe.
func (r *Reader) Exe(pid int) (string, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return "", fmt.Errorf("procfs: open pid %d: %w", pid, err)
	}
	exe, err := proc.Executable()
	if err != nil {
		return "", fmt.Errorf("procfs: read exe for pid %d: %w", pid, err)
	}
	return exe, nil
}

// Status describes the subset of /proc/<pid>/status the coordinator needs
// for process-tree bookkeeping.
type Status struct {
	Name  string
	State string
	PPid  int
	TGid  int
}

// Status reads /proc/<pid>/status.
func (r *Reader) Status(pid int) (Status, error) {
	proc, err := r.fs.Proc(pid)
	if err != nil {
		return Status{}, fmt.Errorf("procfs: open pid %d: %w", pid, err)
	}
	st, err := proc.NewStatus()
	if err != nil {
		return Status{}, fmt.Errorf("procfs: read status for pid %d: %w", pid, err)
	}
	stat, err := proc.NewStat()
	if err != nil {
		return Status{}, fmt.Errorf("procfs: read stat for pid %d: %w", pid, err)
	}
	return Status{
		Name:  st.Name,
		State: stat.State,
		PPid:  stat.PPID,
		TGid:  st.TGID,
	}, nil
}

// FDPath returns the path /proc/<pid>/fd/<n>, used by the syscall decoder
// to resolve *at syscalls against a dirfd other than AT_FDCWD.
func FDPath(pid, fd int) string {
	return fmt.Sprintf("/proc/%d/fd/%d", pid, fd)
}

// Exists reports whether /proc/<pid> is still present.
func Exists(pid int) bool {
	_, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	return err == nil
}
