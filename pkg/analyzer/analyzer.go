// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package analyzer implements the post-hoc explanation engine: given a
// captured run, it produces a structured Explanation with a diagnosis,
// process tree, stack hotspots, file/network activity summaries, a merged
// timeline, and the stdio tails.
package analyzer

import (
	"fmt"
	"path"
	"regexp"
	"sort"
	"strings"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/procfs"
	"github.com/Jaso1024/poe/pkg/store"
	"github.com/Jaso1024/poe/pkg/symbols"
)

// Severity classifies a diagnosis finding.
type Severity string

// Severity levels a diagnosis rule can emit.
const (
	SeverityCritical Severity = "critical"
	SeverityError    Severity = "error"
	SeverityWarning  Severity = "warning"
)

// errno values the diagnosis rules match on.
const (
	errnoEACCES = -13
	errnoENOENT = -2
)

var crashSignalNames = map[string]bool{
	"SIGSEGV": true, "SIGBUS": true, "SIGILL": true, "SIGFPE": true, "SIGABRT": true,
}

// Finding is one diagnosis-rule output.
type Finding struct {
	Severity Severity `json:"severity"`
	Kind     string   `json:"kind"`
	Message  string   `json:"message"`
}

// ProcessTreeNode is one process and its direct children, as observed.
// AmbiguousPID is set when this task id was reused by an unrelated
// process within the run: a reused pid is detected and flagged, never
// reconciled into separate lineages.
type ProcessTreeNode struct {
	Process      model.Process      `json:"process"`
	Children     []*ProcessTreeNode `json:"children,omitempty"`
	AmbiguousPID bool                `json:"ambiguous_pid,omitempty"`
}

// StackHotspot is one distinct leaf address and how often it was
// sampled. Module/Symbol/Offset are filled in when the run captured a
// memory-map snapshot and the module files are still readable on the
// analyzing machine; otherwise only the raw address is reported.
type StackHotspot struct {
	Addr   uint64 `json:"addr"`
	Count  int    `json:"count"`
	Module string `json:"module,omitempty"`
	Symbol string `json:"symbol,omitempty"`
	Offset uint64 `json:"offset,omitempty"`
}

// PathCount is one path and its operation count, for top-N activity
// views.
type PathCount struct {
	Path string `json:"path"`
	Ops  int    `json:"ops"`
}

// ErrorCount groups file errors by (op, errno).
type ErrorCount struct {
	Op    model.FileOp `json:"op"`
	Errno int64        `json:"errno"`
	Count int          `json:"count"`
}

// PathStat aggregates one path's op count and transferred bytes; the
// differ consumes these for its per-path byte deltas.
type PathStat struct {
	Ops   int   `json:"ops"`
	Bytes int64 `json:"bytes"`
}

// FileActivity summarizes file-family events, post-noise-filter.
type FileActivity struct {
	TotalOps     int                 `json:"total_ops"`
	UniquePaths  int                 `json:"unique_paths"`
	BytesRead    int64               `json:"bytes_read"`
	BytesWritten int64               `json:"bytes_written"`
	TopPaths     []PathCount         `json:"top_paths"`
	PathStats    map[string]PathStat `json:"path_stats,omitempty"`
	Errors       []ErrorCount        `json:"errors"`
}

// ConnCount is one network connection and its total bytes transferred.
type ConnCount struct {
	Dst   string `json:"dst"`
	Proto string `json:"proto"`
	Bytes int64  `json:"bytes"`
}

// NetActivity summarizes net-family events.
type NetActivity struct {
	TotalOps          int             `json:"total_ops"`
	TopConnections    []ConnCount     `json:"top_connections"`
	FailedConnections []model.NetEvent `json:"failed_connections"`
}

// TimelineEntry is one merged, noise-filtered, run-collapsed row.
type TimelineEntry struct {
	TimestampNS int64  `json:"timestamp_ns"`
	TaskID      int32  `json:"task_id"`
	Kind        string `json:"kind"`
	Op          string `json:"op"`
	Path        string `json:"path,omitempty"`
	Repeat      int    `json:"repeat"`
}

// Explanation is the analyzer's full output for one run.
type Explanation struct {
	Run           model.Run        `json:"run"`
	Diagnosis     []Finding        `json:"diagnosis"`
	ProcessTree   []*ProcessTreeNode `json:"process_tree"`
	StackHotspots []StackHotspot   `json:"stack_hotspots"`
	FileActivity  FileActivity     `json:"file_activity"`
	NetActivity   NetActivity      `json:"net_activity"`
	Timeline      []TimelineEntry  `json:"timeline"`
	StdoutTail    string           `json:"stdout_tail"`
	StderrTail    string           `json:"stderr_tail"`
}

// stderrPatterns are the case-insensitive regex families diagnosis rule 6
// scans stderr for.
var stderrPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"oom", regexp.MustCompile(`(?i)\boom\b|out of memory`)},
	{"killed", regexp.MustCompile(`(?i)\bkilled\b`)},
	{"timeout", regexp.MustCompile(`(?i)\btimeout\b|timed out`)},
	{"panic", regexp.MustCompile(`(?i)\bpanic\b`)},
	{"traceback", regexp.MustCompile(`(?i)Traceback`)},
	{"exception", regexp.MustCompile(`(?i)Exception`)},
}

// Analyze builds the Explanation for one run's captured data. extraNoise
// augments the built-in noise filter with caller-supplied patterns.
func Analyze(run model.Run, st *store.Store, stdoutTail, stderrTail []byte, extraNoise []string) (*Explanation, error) {
	files, err := st.FileEvents()
	if err != nil {
		return nil, fmt.Errorf("analyzer: read files: %w", err)
	}
	nets, err := st.NetEvents()
	if err != nil {
		return nil, fmt.Errorf("analyzer: read net: %w", err)
	}
	procs, err := st.ProcessTree()
	if err != nil {
		return nil, fmt.Errorf("analyzer: read processes: %w", err)
	}
	stacks, err := st.StackSamples()
	if err != nil {
		return nil, fmt.Errorf("analyzer: read stacks: %w", err)
	}

	noise := NewNoiseFilter(extraNoise)

	exp := &Explanation{
		Run:           run,
		ProcessTree:   buildProcessTree(procs),
		StackHotspots: stackHotspots(stacks),
		FileActivity:  fileActivity(files, noise),
		NetActivity:   netActivity(nets, noise),
		Timeline:      timeline(files, nets, procs, noise),
		StdoutTail:    string(stdoutTail),
		StderrTail:    string(stderrTail),
	}
	exp.Diagnosis = diagnose(run, files, nets, procs, string(stderrTail), noise)
	symbolizeHotspots(st, exp.StackHotspots)
	return exp, nil
}

// symbolizeHotspots translates hotspot addresses through the run's last
// captured memory-map snapshot. Best-effort on every level: no snapshot,
// an undecodable blob, or module files missing on this machine all leave
// the raw addresses as-is.
func symbolizeHotspots(st *store.Store, hotspots []StackHotspot) {
	if len(hotspots) == 0 {
		return
	}
	mapsEvents, err := st.EventsOfKind(model.EventKindMaps)
	if err != nil || len(mapsEvents) == 0 {
		return
	}
	var maps []procfs.MapEntry
	if err := msgpack.Unmarshal(mapsEvents[len(mapsEvents)-1].DetailBlob, &maps); err != nil || len(maps) == 0 {
		return
	}

	res, err := symbols.NewResolver("")
	if err != nil {
		return
	}
	defer res.Close()

	for i := range hotspots {
		if r, ok := res.Resolve(maps, hotspots[i].Addr); ok {
			hotspots[i].Module = r.Module
			hotspots[i].Symbol = r.Symbol
			hotspots[i].Offset = r.Offset
		}
	}
}

func diagnose(run model.Run, files []model.FileEvent, nets []model.NetEvent, procs []model.Process, stderrTail string, noise *NoiseFilter) []Finding {
	var findings []Finding

	// Rule 1: crash signal.
	if run.Signal != "" && crashSignalNames[run.Signal] {
		findings = append(findings, Finding{SeverityCritical, "crash_signal", "terminated by " + run.Signal})
	}

	// Rule 2: permission denied, aggregated per path.
	denied := map[string]int{}
	for _, f := range files {
		if f.Result == errnoEACCES {
			denied[f.Path]++
		}
	}
	for _, path := range sortedKeys(denied) {
		findings = append(findings, Finding{SeverityWarning, "permission_denied", fmt.Sprintf("%s denied %d time(s) on %s", "access", denied[path], path)})
	}

	// Rule 3: missing file, noise-filtered. A basename probed for under
	// more than one directory looks like a PATH search (the shell/libc
	// trying each PATH entry in turn) rather than a genuine missing
	// dependency, so those are suppressed too.
	pathDirsByBase := map[string][]string{}
	for _, f := range files {
		if f.Result != errnoENOENT || (f.Op != model.FileOpOpen && f.Op != model.FileOpStat) {
			continue
		}
		base := path.Base(f.Path)
		dir := path.Dir(f.Path)
		dirs := pathDirsByBase[base]
		found := false
		for _, d := range dirs {
			if d == dir {
				found = true
				break
			}
		}
		if !found {
			pathDirsByBase[base] = append(dirs, dir)
		}
	}

	missing := map[string]int{}
	for _, f := range files {
		if f.Result != errnoENOENT {
			continue
		}
		if f.Op != model.FileOpOpen && f.Op != model.FileOpStat {
			continue
		}
		if noise.Match(f.Path) {
			continue
		}
		base := path.Base(f.Path)
		if dirs := pathDirsByBase[base]; len(dirs) > 1 && IsPathSearchProbe(f.Path, dirs) {
			continue
		}
		missing[f.Path]++
	}
	for _, path := range sortedKeys(missing) {
		findings = append(findings, Finding{SeverityWarning, "missing_file", fmt.Sprintf("missing file %s (%d attempt(s))", path, missing[path])})
	}

	// Rule 4: failed connection.
	for _, n := range nets {
		if noise.MatchNet(n.Proto, n.DstAddr) {
			continue
		}
		if n.Op == model.NetOpConnect && n.Result != 0 {
			findings = append(findings, Finding{SeverityError, "failed_connection", fmt.Sprintf("connect to %s failed (errno %d)", n.DstAddr, n.Result)})
		}
	}

	// Rule 5: multi-signal death.
	signalDeaths := 0
	for _, p := range procs {
		if p.Signal != "" {
			signalDeaths++
		}
	}
	if signalDeaths >= 2 {
		findings = append(findings, Finding{SeverityError, "multi_signal_death", fmt.Sprintf("%d processes terminated by signal", signalDeaths)})
	}

	// Rule 6: stderr pattern scan, first matching line per family.
	seenFamily := map[string]bool{}
	for _, line := range strings.Split(stderrTail, "\n") {
		for _, pat := range stderrPatterns {
			if pat.re.MatchString(line) {
				if !seenFamily[pat.name] {
					seenFamily[pat.name] = true
					findings = append(findings, Finding{SeverityError, "stderr_" + pat.name, strings.TrimSpace(line)})
				}
				break
			}
		}
	}

	return findings
}

func sortedKeys(m map[string]int) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// buildProcessTree links processes by parent id. A task id observed more
// than once (pid reuse within the same run) is flagged rather than
// merged or reconciled.
func buildProcessTree(procs []model.Process) []*ProcessTreeNode {
	seenCount := map[int32]int{}
	for _, p := range procs {
		seenCount[p.TaskID]++
	}

	nodes := make(map[int32][]*ProcessTreeNode) // keyed by instance index via slice order
	byID := make(map[int32]*ProcessTreeNode)
	var order []int32
	var roots []*ProcessTreeNode

	for _, p := range procs {
		n := &ProcessTreeNode{Process: p, AmbiguousPID: seenCount[p.TaskID] > 1}
		nodes[p.TaskID] = append(nodes[p.TaskID], n)
		byID[p.TaskID] = n // last-write-wins pointer for child attachment; ambiguous cases are flagged above
		if len(nodes[p.TaskID]) == 1 {
			order = append(order, p.TaskID)
		}
	}

	for _, id := range order {
		for _, n := range nodes[id] {
			if parent, ok := byID[n.Process.ParentID]; ok && n.Process.ParentID != 0 && parent != n {
				parent.Children = append(parent.Children, n)
			} else {
				roots = append(roots, n)
			}
		}
	}
	return roots
}

func stackHotspots(samples []model.StackSample) []StackHotspot {
	counts := map[uint64]int{}
	for _, s := range samples {
		if len(s.Frames) == 0 {
			continue
		}
		counts[s.Frames[0]] += int(s.Weight)
	}
	out := make([]StackHotspot, 0, len(counts))
	for addr, n := range counts {
		out = append(out, StackHotspot{Addr: addr, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Addr < out[j].Addr
	})
	return out
}

func fileActivity(files []model.FileEvent, noise *NoiseFilter) FileActivity {
	var act FileActivity
	pathOps := map[string]int{}
	stats := map[string]PathStat{}
	errCounts := map[string]int{}

	for _, f := range files {
		if noise.Match(f.Path) {
			continue
		}
		act.TotalOps++
		if f.Path != "" {
			pathOps[f.Path]++
			ps := stats[f.Path]
			ps.Ops++
			if f.Op == model.FileOpRead || f.Op == model.FileOpWrite {
				ps.Bytes += f.Bytes
			}
			stats[f.Path] = ps
		}
		if f.Op == model.FileOpRead {
			act.BytesRead += f.Bytes
		}
		if f.Op == model.FileOpWrite {
			act.BytesWritten += f.Bytes
		}
		if f.Result < 0 {
			errCounts[fmt.Sprintf("%s:%d", f.Op, f.Result)]++
		}
	}
	act.UniquePaths = len(pathOps)
	act.TopPaths = topPaths(pathOps, 10)
	if len(stats) > 0 {
		act.PathStats = stats
	}
	act.Errors = errorCounts(errCounts)
	return act
}

func topPaths(m map[string]int, n int) []PathCount {
	out := make([]PathCount, 0, len(m))
	for p, c := range m {
		out = append(out, PathCount{Path: p, Ops: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Ops != out[j].Ops {
			return out[i].Ops > out[j].Ops
		}
		return out[i].Path < out[j].Path
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func errorCounts(m map[string]int) []ErrorCount {
	out := make([]ErrorCount, 0, len(m))
	for key, c := range m {
		parts := strings.SplitN(key, ":", 2)
		var errno int64
		fmt.Sscanf(parts[1], "%d", &errno)
		out = append(out, ErrorCount{Op: model.FileOp(parts[0]), Errno: errno, Count: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}

func netActivity(nets []model.NetEvent, noise *NoiseFilter) NetActivity {
	var act NetActivity
	byDst := map[string]*ConnCount{}

	for _, n := range nets {
		if noise.MatchNet(n.Proto, n.DstAddr) {
			continue
		}
		act.TotalOps++
		if n.Op == model.NetOpConnect && n.Result != 0 {
			act.FailedConnections = append(act.FailedConnections, n)
			continue
		}
		if n.DstAddr == "" {
			continue
		}
		c, ok := byDst[n.DstAddr]
		if !ok {
			c = &ConnCount{Dst: n.DstAddr, Proto: n.Proto}
			byDst[n.DstAddr] = c
		}
		c.Bytes += n.Bytes
	}

	out := make([]ConnCount, 0, len(byDst))
	for _, c := range byDst {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Bytes > out[j].Bytes })
	if len(out) > 10 {
		out = out[:10]
	}
	act.TopConnections = out
	return act
}

// timeline merges File, Net, and Process lifecycle events by timestamp,
// drops noise, and collapses runs of the same (task, op, path) within a
// 1ms window into one row with a repeat count.
func timeline(files []model.FileEvent, nets []model.NetEvent, procs []model.Process, noise *NoiseFilter) []TimelineEntry {
	type raw struct {
		ts   int64
		task int32
		kind string
		op   string
		path string
	}
	var all []raw
	for _, f := range files {
		if noise.Match(f.Path) {
			continue
		}
		all = append(all, raw{f.TimestampNS, f.TaskID, "file", string(f.Op), f.Path})
	}
	for _, n := range nets {
		if noise.MatchNet(n.Proto, n.DstAddr) {
			continue
		}
		all = append(all, raw{n.TimestampNS, n.TaskID, "net", string(n.Op), n.DstAddr})
	}
	for _, p := range procs {
		argv := strings.Join(p.Argv, " ")
		if !p.StartedAt.IsZero() {
			all = append(all, raw{p.StartedAt.UnixNano(), p.TaskID, "process", "start", argv})
		}
		if !p.EndedAt.IsZero() {
			op := "exit"
			if p.Signal != "" {
				op = "signal"
			}
			all = append(all, raw{p.EndedAt.UnixNano(), p.TaskID, "process", op, argv})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ts < all[j].ts })

	const windowNS = int64(1_000_000) // 1ms
	var out []TimelineEntry
	for _, r := range all {
		if n := len(out); n > 0 {
			last := &out[n-1]
			if last.TaskID == r.task && last.Kind == r.kind && last.Op == r.op && last.Path == r.path && r.ts-last.TimestampNS <= windowNS {
				last.Repeat++
				continue
			}
		}
		out = append(out, TimelineEntry{TimestampNS: r.ts, TaskID: r.task, Kind: r.kind, Op: r.op, Path: r.path, Repeat: 1})
	}
	return out
}
