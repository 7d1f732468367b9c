// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

// Package tracer drives the ptrace(2) syscall-stop loop: it forks and
// execs the target under PTRACE_TRACEME, tracks every task (process or
// thread) the target creates via clone/fork/vfork, pairs syscall
// entry/exit stops through syscalldecode.Decoder, and reports process
// lifecycle and decoded File/Net events to a Sink. All ptrace calls and
// all decoder/cwd-cache state are touched from the single goroutine that
// runs the Wait4 loop; nothing else shares mutable state with it.
package tracer

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"golang.org/x/sys/unix"

	"github.com/Jaso1024/poe/pkg/metrics"
	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/procfs"
	"github.com/Jaso1024/poe/pkg/syscalldecode"
)

// Sink receives process lifecycle and decoded events as the tracer
// observes them. Implementations (the run coordinator) forward these
// onto the event store's writer channel; the tracer never blocks on
// storage itself.
type Sink interface {
	ProcessStart(model.Process)
	ProcessEnd(taskID int32, exitCode int32, signal string, endedAt time.Time)
	FileEvent(model.FileEvent)
	NetEvent(model.NetEvent)
	GenericEvent(model.Event)
}

// ExitResult is what the root task resolved to, for the coordinator's
// trigger decision.
type ExitResult struct {
	ExitCode int
	Signal   string
}

// ptraceOptions enables tracing of every lifecycle transition that must
// be observed directly rather than inferred through syscall pairing:
// new tasks (clone/fork/vfork), re-exec, and the pre-reap exit stop.
const ptraceOptions = unix.PTRACE_O_TRACESYSGOOD |
	unix.PTRACE_O_TRACECLONE |
	unix.PTRACE_O_TRACEFORK |
	unix.PTRACE_O_TRACEVFORK |
	unix.PTRACE_O_TRACEEXEC |
	unix.PTRACE_O_TRACEEXIT

// sigTrapSysGood is the stop signal TRACESYSGOOD makes syscall stops
// report: SIGTRAP with bit 7 set, so they never collide with event traps
// or a SIGTRAP the tracee raised itself.
const sigTrapSysGood = syscall.Signal(int(unix.SIGTRAP) | 0x80)

type task struct {
	parentID int32
	// seenFirstStop is false for a task whose PTRACE_EVENT_{CLONE,FORK,VFORK}
	// was observed on its parent but whose own first wait4 report (the
	// group-stop that confirms it is actually being traced) hasn't
	// arrived yet.
	seenFirstStop bool
}

// Tracer runs one supervised invocation of a child command under ptrace.
type Tracer struct {
	decoder *syscalldecode.Decoder
	sink    Sink
	procs   *procfs.Reader
	metrics *metrics.Registry

	tasks   map[int32]*task
	cwd     map[int32]string
	rootPID int32
}

// New builds a Tracer. procs may be nil; when absent, a task's cwd is
// known only from the tracer's own cache (seeded with the root's dir) and
// no memory-map snapshots are captured.
func New(decoder *syscalldecode.Decoder, sink Sink, procs *procfs.Reader, m *metrics.Registry) *Tracer {
	return &Tracer{
		decoder: decoder,
		sink:    sink,
		procs:   procs,
		metrics: m,
		tasks:   make(map[int32]*task),
		cwd:     make(map[int32]string),
	}
}

// cwdResolver adapts the Tracer's cwd cache and procfs.FDPath to the
// decoder's CwdResolver interface.
type cwdResolver struct{ t *Tracer }

func (c cwdResolver) Cwd(taskID int32) (string, error) {
	if dir, ok := c.t.cwd[taskID]; ok {
		return dir, nil
	}
	if c.t.procs != nil {
		if dir, err := c.t.procs.Cwd(int(taskID)); err == nil {
			c.t.cwd[taskID] = dir
			return dir, nil
		}
	}
	return "", fmt.Errorf("tracer: no cwd known for task %d", taskID)
}

func (c cwdResolver) FDPath(taskID int32, fd int32) (string, error) {
	return procfs.FDPath(int(taskID), int(fd)), nil
}

// Run forks argv[0] under ptrace, drives the tracer loop to completion,
// and returns the root task's resolved exit status. stdout/stderr are
// the write ends of pipes the stdio relay owns; os/exec dup2's them onto
// fds 1 and 2 in the child and clears close-on-exec on the duplicates,
// giving the usual "pipes created close-on-exec, write ends dup'd
// post-fork" sequence via the standard library instead of a hand-rolled
// fork/exec.
func (t *Tracer) Run(argv []string, dir string, env []string, stdout, stderr *os.File) (ExitResult, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Ptrace: true, Setpgid: true}

	if err := cmd.Start(); err != nil {
		return ExitResult{}, fmt.Errorf("tracer: start %q: %w", argv[0], err)
	}
	pid := int32(cmd.Process.Pid)

	var ws unix.WaitStatus
	if _, err := unix.Wait4(int(pid), &ws, 0, nil); err != nil {
		return ExitResult{}, fmt.Errorf("tracer: wait for initial stop of pid %d: %w", pid, err)
	}
	if err := unix.PtraceSetOptions(int(pid), ptraceOptions); err != nil {
		return ExitResult{}, fmt.Errorf("tracer: set ptrace options on pid %d: %w", pid, err)
	}

	t.rootPID = pid
	t.tasks[pid] = &task{parentID: 0, seenFirstStop: true}
	t.cwd[pid] = dir
	t.sink.ProcessStart(model.Process{
		TaskID:    pid,
		ParentID:  0,
		Argv:      argv,
		Cwd:       dir,
		StartedAt: time.Now(),
	})
	// The initial stop happens after execve, so the map already describes
	// the target image rather than poe's own.
	t.captureMaps(pid)

	if err := unix.PtraceSyscall(int(pid), 0); err != nil {
		return ExitResult{}, fmt.Errorf("tracer: resume pid %d: %w", pid, err)
	}

	var result ExitResult
	for len(t.tasks) > 0 {
		var status unix.WaitStatus
		wpid, err := unix.Wait4(-1, &status, 0, nil)
		if err != nil {
			if err == unix.ECHILD {
				break
			}
			return result, fmt.Errorf("tracer: wait4: %w", err)
		}
		taskID := int32(wpid)

		switch {
		case status.Exited():
			code := int32(status.ExitStatus())
			t.sink.ProcessEnd(taskID, code, "", time.Now())
			if taskID == t.rootPID {
				result.ExitCode = int(code)
			}
			delete(t.tasks, taskID)
			delete(t.cwd, taskID)
			t.decoder.Reset(taskID)

		case status.Signaled():
			sig := unix.SignalName(status.Signal())
			t.sink.ProcessEnd(taskID, -1, sig, time.Now())
			if taskID == t.rootPID {
				result.Signal = sig
			}
			delete(t.tasks, taskID)
			delete(t.cwd, taskID)
			t.decoder.Reset(taskID)

		case status.Stopped():
			t.handleStop(taskID, status)

		default:
			// Continued or other transient state; nothing to act on.
			_ = unix.PtraceSyscall(int(taskID), 0)
		}
	}

	return result, nil
}

func (t *Tracer) handleStop(taskID int32, status unix.WaitStatus) {
	sig := status.StopSignal()

	if sig == sigTrapSysGood {
		t.handleSyscallStop(taskID)
		return
	}

	if sig == unix.SIGTRAP {
		switch status.TrapCause() {
		case unix.PTRACE_EVENT_CLONE, unix.PTRACE_EVENT_FORK, unix.PTRACE_EVENT_VFORK:
			newPID, err := unix.PtraceGetEventMsg(int(taskID))
			if err == nil {
				child := int32(newPID)
				if _, known := t.tasks[child]; !known {
					t.tasks[child] = &task{parentID: taskID}
				}
			}
			_ = unix.PtraceSyscall(int(taskID), 0)
			return

		case unix.PTRACE_EVENT_EXEC:
			t.decoder.Reset(taskID)
			delete(t.cwd, taskID)
			if t.procs != nil {
				if dir, err := t.procs.Cwd(int(taskID)); err == nil {
					t.cwd[taskID] = dir
				}
			}
			t.captureMaps(taskID)
			_ = unix.PtraceSyscall(int(taskID), 0)
			return

		case unix.PTRACE_EVENT_EXIT:
			// The task is about to exit; its final status (Exited or
			// Signaled) arrives on the next wait4 for this pid.
			_ = unix.PtraceSyscall(int(taskID), 0)
			return
		}

		// A plain SIGTRAP the tracee raised itself (breakpoint, raise):
		// deliver it like any other signal.
		_ = unix.PtraceSyscall(int(taskID), int(unix.SIGTRAP))
		return
	}

	// A non-SIGTRAP stop: either a genuine signal-delivery-stop or a
	// group-stop. Forward the signal on resume so the tracee's own
	// handlers still see it (the tracer never swallows signals it
	// didn't originate), except stop signals which the group-stop
	// protocol itself consumes.
	deliver := int(sig)
	switch sig {
	case unix.SIGSTOP, unix.SIGTSTP, unix.SIGTTIN, unix.SIGTTOU:
		deliver = 0
	}
	if tk, known := t.tasks[taskID]; known && !tk.seenFirstStop {
		tk.seenFirstStop = true
		t.sink.ProcessStart(model.Process{TaskID: taskID, ParentID: tk.parentID, StartedAt: time.Now()})
	}
	_ = unix.PtraceSyscall(int(taskID), deliver)
}

// handleSyscallStop pairs one syscall-stop through the decoder and
// resumes the task with syscall-continue.
func (t *Tracer) handleSyscallStop(taskID int32) {
	tk, known := t.tasks[taskID]
	if !known {
		tk = &task{}
		t.tasks[taskID] = tk
	}
	if !tk.seenFirstStop {
		tk.seenFirstStop = true
		t.sink.ProcessStart(model.Process{
			TaskID:    taskID,
			ParentID:  tk.parentID,
			StartedAt: time.Now(),
		})
	}

	var regs unix.PtraceRegs
	if err := unix.PtraceGetRegs(int(taskID), &regs); err == nil {
		r := toRegs(&regs)
		mem := NewProcMem(int(taskID))
		outcome, ok := t.decoder.Observe(taskID, r, mem, cwdResolver{t}, time.Now().UnixNano())
		if ok {
			t.dispatch(outcome)
		}
	}
	_ = unix.PtraceSyscall(int(taskID), 0)
}

// captureMaps snapshots the task's memory map into a generic event so the
// analyzer can translate sampled instruction pointers through it offline.
// Best-effort: a task that raced away or a missing procfs reader just
// means no snapshot.
func (t *Tracer) captureMaps(taskID int32) {
	if t.procs == nil {
		return
	}
	maps, err := t.procs.Maps(int(taskID))
	if err != nil || len(maps) == 0 {
		return
	}
	blob, err := msgpack.Marshal(maps)
	if err != nil {
		return
	}
	t.sink.GenericEvent(model.Event{
		TimestampNS: time.Now().UnixNano(),
		TaskID:      taskID,
		Kind:        model.EventKindMaps,
		DetailBlob:  blob,
	})
}

func (t *Tracer) dispatch(o syscalldecode.Outcome) {
	switch {
	case o.File != nil:
		t.sink.FileEvent(*o.File)
	case o.Net != nil:
		t.sink.NetEvent(*o.Net)
	case o.Generic != nil:
		t.sink.GenericEvent(*o.Generic)
	}
}

// Signal forwards sig to the whole process group of the supervised run
// (the root task is its own group leader, per Setpgid above), used by the
// coordinator to propagate Ctrl-C/SIGTERM from poe itself to the target.
func (t *Tracer) Signal(sig syscall.Signal) error {
	if t.rootPID == 0 {
		return fmt.Errorf("tracer: no active run")
	}
	return unix.Kill(-int(t.rootPID), sig)
}
