// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

// Package coordinator implements the run coordinator: it owns the
// supervised child's whole lifecycle, wiring the tracer, syscall
// decoder, stdio relay and stack sampler into the event store through a
// single Coordinator that itself implements every producer's Sink
// interface, then computes the trigger decision and drives pack emission.
package coordinator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/DataDog/gopsutil/host"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/Jaso1024/poe/pkg/config"
	"github.com/Jaso1024/poe/pkg/metrics"
	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/nativering"
	"github.com/Jaso1024/poe/pkg/pack"
	"github.com/Jaso1024/poe/pkg/poeerr"
	"github.com/Jaso1024/poe/pkg/procfs"
	"github.com/Jaso1024/poe/pkg/redact"
	"github.com/Jaso1024/poe/pkg/sampler"
	"github.com/Jaso1024/poe/pkg/stdio"
	"github.com/Jaso1024/poe/pkg/store"
	"github.com/Jaso1024/poe/pkg/syscalldecode"
	"github.com/Jaso1024/poe/pkg/tracer"
)

// crashSignals are the signals rule 1 of the analyzer and the trigger
// table both treat as a crash rather than a generic signal death. Names
// match the tracer's unix.SignalName output.
var crashSignals = map[string]bool{
	"SIGSEGV": true,
	"SIGBUS":  true,
	"SIGILL":  true,
	"SIGFPE":  true,
	"SIGABRT": true,
}

// Result is what one supervised run resolved to.
type Result struct {
	ExitCode int
	PackPath string
	Trigger  model.Trigger
	RunID    string
}

// Coordinator sequences one supervised invocation end to end.
type Coordinator struct {
	cfg     config.Config
	log     *zap.SugaredLogger
	metrics *metrics.Registry

	store    *store.Store
	redactor *redact.Redactor
	runID    string

	relay   *stdio.Relay
	sampler *sampler.Sampler

	// rootTaskID is unknown until the tracer has forked the child; the
	// stdio relay's pipes are created (and its drainers tagging chunks
	// with a placeholder task id) before that PID exists, so StdioChunk
	// patches the real id in once ProcessStart has observed it.
	rootTaskID int32
}

// New builds a Coordinator from resolved configuration.
func New(cfg config.Config, log *zap.SugaredLogger) *Coordinator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Coordinator{
		cfg:      cfg,
		log:      log,
		metrics:  metrics.New(),
		redactor: redact.New(cfg.RedactAllowlist, cfg.RedactDenylist),
	}
}

// Run supervises argv end to end: fork/exec under tracing, relay stdio,
// sample stacks, capture every File/Net event, and on exit decide whether
// to emit a pack. The returned exit code is what the CLI front end should
// itself exit with.
func (c *Coordinator) Run(ctx context.Context, argv []string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, poeerr.Wrap(poeerr.Setup, fmt.Errorf("coordinator: empty command"))
	}

	c.runID = uuid.NewString()
	dir, err := os.Getwd()
	if err != nil {
		return Result{}, poeerr.Wrap(poeerr.Setup, fmt.Errorf("coordinator: getwd: %w", err))
	}

	if err := os.MkdirAll(c.cfg.OutputDir, 0o755); err != nil {
		return Result{}, poeerr.Wrap(poeerr.Setup, fmt.Errorf("coordinator: create output dir: %w", err))
	}
	stagingPath := filepath.Join(c.cfg.OutputDir, fmt.Sprintf(".poe-%s.sqlite", c.runID))

	st, err := store.Open(stagingPath, c.metrics, store.Options{
		ChannelCapacity:  c.cfg.EventChannelCapacity,
		BatchMaxRecords:  c.cfg.BatchMaxRecords,
		BatchMaxInterval: c.cfg.BatchMaxInterval,
	})
	if err != nil {
		return Result{}, poeerr.Wrap(poeerr.Setup, err)
	}
	c.store = st
	st.Run()
	defer os.Remove(stagingPath)
	defer os.Remove(stagingPath + "-wal")
	defer os.Remove(stagingPath + "-shm")

	relay, err := stdio.New(0, c.cfg.StdioRingBytes, true, c)
	if err != nil {
		st.Close()
		return Result{}, poeerr.Wrap(poeerr.Setup, fmt.Errorf("coordinator: create stdio relay: %w", err))
	}
	c.relay = relay
	relay.Start()

	parentSpanID := uuid.NewString()
	rtPath := filepath.Join(os.TempDir(), "poe-rt-"+c.runID)
	env := traceEnv(os.Environ(), c.runID, parentSpanID, rtPath)

	decoder := syscalldecode.NewDecoder(c.cfg.MaxPathLength, c.cfg.FullMode)
	decoder.OnTruncated = c.metrics.PathTruncated.Inc
	decoder.OnUnreadable = c.metrics.PathUnreadable.Inc

	procs, err := procfs.NewReader()
	if err != nil {
		c.log.Warnw("procfs reader unavailable, cwd resolution degraded", "err", err)
	}

	tr := tracer.New(decoder, c, procs, c.metrics)

	startedAt := time.Now()
	stdoutW, stderrW := relay.WriteEnds()

	// ctx is cancelled when poe itself receives SIGINT/SIGTERM (the CLI
	// front end owns process-level signal registration); forward that to
	// the child's process group and let the tracer observe the death
	// through its ordinary wait4 loop.
	stopForward := context.AfterFunc(ctx, func() { _ = tr.Signal(syscall.SIGTERM) })
	defer stopForward()

	result, runErr := tr.Run(argv, dir, env, stdoutW, stderrW)
	relay.CloseWriteEnds()
	relay.Wait()
	if runErr != nil {
		st.Close()
		return Result{}, poeerr.Wrap(poeerr.Setup, runErr)
	}

	if c.sampler != nil {
		c.sampler.DrainAndClose(c.cfg.SamplerDrainDeadline)
	}

	c.ingestNativeRing(rtPath, parentSpanID)

	endedAt := time.Now()
	trigger := computeTrigger(result, c.cfg.Always)

	run := model.Run{
		ID:        c.runID,
		Command:   argv,
		WorkDir:   dir,
		EnvFP:     envFingerprint(env),
		StartedAt: startedAt,
		EndedAt:   endedAt,
		ExitCode:  result.ExitCode,
		Signal:    result.Signal,
		Trigger:   trigger,
	}
	if info, err := host.Info(); err == nil {
		run.Kernel = info.KernelVersion
		run.Hostname = info.Hostname
	}
	run.Arch = runtime.GOARCH

	st.Sync()
	if err := st.Checkpoint(); err != nil {
		st.Close()
		return Result{}, poeerr.Wrap(poeerr.PackWrite, err)
	}
	if err := st.FinalizeRun(ctx, run); err != nil {
		st.Close()
		return Result{}, poeerr.Wrap(poeerr.PackWrite, err)
	}
	st.Sync()
	if err := st.Checkpoint(); err != nil {
		st.Close()
		return Result{}, poeerr.Wrap(poeerr.PackWrite, err)
	}

	res := Result{ExitCode: exitCodeFor(result), Trigger: trigger, RunID: c.runID}

	if trigger == model.TriggerCleanSkip {
		st.Close()
		return res, nil
	}

	stdoutTail, stderrTail := relay.Tail()
	packPath, packErr := pack.Write(pack.Input{
		OutputDir:  c.cfg.OutputDir,
		Run:        run,
		Store:      st,
		StorePath:  stagingPath,
		StdoutTail: c.redactor.TextBytes(stdoutTail),
		StderrTail: c.redactor.TextBytes(stderrTail),
		Env:        env,
		Redactor:   c.redactor,
	})
	if closeErr := st.Close(); closeErr != nil && packErr == nil {
		packErr = closeErr
	}
	if packErr != nil {
		return res, poeerr.Wrap(poeerr.PackWrite, packErr)
	}
	res.PackPath = packPath
	return res, nil
}

// exitCodeFor mirrors the conventional shell exit contract: the child's
// exit code, or 128+signal if it died by signal.
func exitCodeFor(r tracer.ExitResult) int {
	if r.Signal != "" {
		if n := syscall.Signal(signalNumber(r.Signal)); n != 0 {
			return 128 + int(n)
		}
		return 128
	}
	return r.ExitCode
}

func signalNumber(name string) int {
	return int(unix.SignalNum(name))
}

// computeTrigger decides whether a pack is emitted for this exit status.
func computeTrigger(r tracer.ExitResult, always bool) model.Trigger {
	if r.Signal != "" {
		if crashSignals[r.Signal] {
			return model.TriggerCrash
		}
		return model.TriggerSignal
	}
	if r.ExitCode != 0 {
		return model.TriggerNonZero
	}
	if always {
		return model.TriggerAlways
	}
	return model.TriggerCleanSkip
}

func envFingerprint(env []string) string {
	sorted := append([]string(nil), env...)
	sort.Strings(sorted)
	h := sha256.Sum256([]byte(strings.Join(sorted, "\x00")))
	return hex.EncodeToString(h[:])
}

// nativeRingCapacity is the entry count the native runtime is told to
// size its ring to.
const nativeRingCapacity = 65536

// traceEnv injects the trace/span ids and the native-runtime ring env
// vars the external collaborators read; the POE_* pair is preserved
// unredacted in meta/environment.json per the contract.
func traceEnv(base []string, runID, parentSpanID, rtPath string) []string {
	out := append([]string(nil), base...)
	out = append(out, "POE_TRACE_ID="+runID)
	out = append(out, "POE_PARENT_SPAN_ID="+parentSpanID)
	out = append(out, "_POE_RT_PATH="+rtPath)
	out = append(out, fmt.Sprintf("_POE_RT_CAPACITY=%d", nativeRingCapacity))
	return out
}

// ingestNativeRing reads the runtime's ring file, if the target loaded
// the native instrumentation library and produced one, and pairs its
// enter/exit records into spans. Absence of the file is the normal case
// for uninstrumented targets.
func (c *Coordinator) ingestNativeRing(rtPath, parentSpanID string) {
	_, entries, err := nativering.Read(rtPath)
	if err != nil {
		if !os.IsNotExist(err) {
			c.log.Warnw("native instrumentation ring unreadable", "path", rtPath, "err", err)
		}
		return
	}
	for _, sp := range nativeSpans(entries, parentSpanID) {
		c.store.InsertSpan(sp)
	}
	os.Remove(rtPath)
}

// nativeSpans pairs enter/exit ring entries per tid into spans, threading
// parent ids through the per-tid call stack. Frames still open when the
// ring was read become spans with a zero end timestamp.
func nativeSpans(entries []nativering.Entry, rootParent string) []model.Span {
	type frame struct {
		e      nativering.Entry
		id     string
		parent string
	}
	stacks := map[uint32][]frame{}
	var out []model.Span

	for _, e := range entries {
		switch e.Type {
		case nativering.EventEnter:
			st := stacks[e.TID]
			parent := rootParent
			if len(st) > 0 {
				parent = st[len(st)-1].id
			}
			id := fmt.Sprintf("%d-%x-%d", e.TID, e.FuncAddr, e.TSNS)
			stacks[e.TID] = append(st, frame{e: e, id: id, parent: parent})

		case nativering.EventExit:
			st := stacks[e.TID]
			if len(st) == 0 {
				// The matching enter was overwritten by the ring's wrap.
				continue
			}
			top := st[len(st)-1]
			stacks[e.TID] = st[:len(st)-1]
			out = append(out, model.Span{
				SpanID:       top.id,
				ParentSpanID: top.parent,
				TaskID:       int32(e.TID),
				Name:         fmt.Sprintf("0x%x", top.e.FuncAddr),
				StartedAtNS:  int64(top.e.TSNS),
				EndedAtNS:    int64(e.TSNS),
			})
		}
	}

	for _, st := range stacks {
		for _, f := range st {
			out = append(out, model.Span{
				SpanID:       f.id,
				ParentSpanID: f.parent,
				TaskID:       int32(f.e.TID),
				Name:         fmt.Sprintf("0x%x", f.e.FuncAddr),
				StartedAtNS:  int64(f.e.TSNS),
			})
		}
	}
	return out
}

// --- tracer.Sink ---

func (c *Coordinator) ProcessStart(p model.Process) {
	p.RunID = c.runID
	if p.ParentID == 0 && atomic.CompareAndSwapInt32(&c.rootTaskID, 0, p.TaskID) {
		c.startSampler(p.TaskID)
	}
	c.store.InsertProcessStart(p)
}

// startSampler opens the stack sampler for the root task as soon as its
// pid is known. Absence of perf events degrades to "sampler off" with a
// logged warning, never fatal.
func (c *Coordinator) startSampler(pid int32) {
	if c.cfg.SamplerDisabled {
		return
	}
	s, err := sampler.Open(pid, uint64(c.cfg.SamplerHz), c, samplerDroppedCounter{c.metrics})
	if err != nil {
		c.log.Warnw("stack sampler unavailable", "err", poeerr.Wrap(poeerr.SamplerUnavailable, err))
		return
	}
	c.sampler = s
	s.Start()
}

type samplerDroppedCounter struct{ m *metrics.Registry }

func (d samplerDroppedCounter) Inc() { d.m.SamplesDropped.Inc() }

func (c *Coordinator) ProcessEnd(taskID int32, exitCode int32, signal string, endedAt time.Time) {
	c.store.InsertProcessEnd(taskID, exitCode, signal, endedAt)
}

func (c *Coordinator) FileEvent(e model.FileEvent) { c.store.InsertFile(e) }
func (c *Coordinator) NetEvent(e model.NetEvent)    { c.store.InsertNet(e) }
func (c *Coordinator) GenericEvent(e model.Event)   { c.store.InsertEvent(e) }

// --- stdio.Sink ---

func (c *Coordinator) StdioChunk(ch model.StdioChunk) {
	if id := atomic.LoadInt32(&c.rootTaskID); id != 0 {
		ch.TaskID = id
	}
	c.store.InsertStdio(ch)
}

// --- sampler.Sink ---

func (c *Coordinator) StackSample(s model.StackSample) { c.store.InsertStack(s) }
