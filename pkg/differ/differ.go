// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package differ implements set-algebra comparison between two captured
// runs: exit/signal/duration deltas, symmetric differences of observed
// processes, file paths, and network connections, and a stderr-tail
// line diff.
package differ

import (
	"sort"
	"strings"

	"github.com/Jaso1024/poe/pkg/analyzer"
	"github.com/Jaso1024/poe/pkg/model"
)

// ExitDelta reports how the two runs' termination differs.
type ExitDelta struct {
	BaseExitCode    int    `json:"base_exit_code"`
	OtherExitCode   int    `json:"other_exit_code"`
	BaseSignal      string `json:"base_signal,omitempty"`
	OtherSignal     string `json:"other_signal,omitempty"`
	Changed         bool   `json:"exit_code_changed"`
	DurationDeltaMS int64  `json:"duration_delta_ms"`
}

// ArgvKey identifies one observed task by its parent-relative position in
// the process tree, used as the comparison key across runs since raw task
// ids are not stable between invocations.
type ArgvKey struct {
	ParentArgv string `json:"parent_argv"`
	Argv       string `json:"argv"`
}

// ProcessDiff is the symmetric difference of (parent-argv, argv) pairs
// seen across both runs.
type ProcessDiff struct {
	OnlyInBase  []ArgvKey `json:"only_in_base"`
	OnlyInOther []ArgvKey `json:"only_in_other"`
}

// PathDiff is the symmetric difference of touched file paths, plus a
// byte-count delta for paths present in both. Paths only the base run
// touched are "missing" from the candidate; paths only the candidate
// touched are "new".
type PathDiff struct {
	OnlyInBase  []string         `json:"missing_paths"`
	OnlyInOther []string         `json:"new_paths"`
	BytesDelta  map[string]int64 `json:"bytes_delta,omitempty"`
}

// ConnectionKey is a 5-tuple-ish identity for a network connection.
type ConnectionKey struct {
	Proto string `json:"proto"`
	Dst   string `json:"dst"`
}

// MarshalText renders the key as "proto dst" so it can serve as a JSON
// map key in ConnectionDiff.BytesDelta.
func (k ConnectionKey) MarshalText() ([]byte, error) {
	return []byte(k.Proto + " " + k.Dst), nil
}

// UnmarshalText parses the "proto dst" form MarshalText produces.
func (k *ConnectionKey) UnmarshalText(b []byte) error {
	s := string(b)
	if i := strings.IndexByte(s, ' '); i >= 0 {
		k.Proto, k.Dst = s[:i], s[i+1:]
	} else {
		k.Dst = s
	}
	return nil
}

// ConnectionDiff is the symmetric difference of connections, plus a
// byte-count delta for connections present in both.
type ConnectionDiff struct {
	OnlyInBase  []ConnectionKey          `json:"only_in_base"`
	OnlyInOther []ConnectionKey          `json:"only_in_other"`
	BytesDelta  map[ConnectionKey]int64  `json:"bytes_delta,omitempty"`
}

// StderrDiff is the line-set difference between the two runs' stderr
// tails.
type StderrDiff struct {
	OnlyInBase  []string `json:"only_in_base"`
	OnlyInOther []string `json:"only_in_other"`
}

// Diff is the complete comparison of two Explanations.
type Diff struct {
	Exit       ExitDelta       `json:"exit"`
	Processes  ProcessDiff     `json:"processes"`
	Files      PathDiff        `json:"files"`
	Net        ConnectionDiff  `json:"net"`
	Stderr     StderrDiff      `json:"stderr"`
}

// Compare diffs a base Explanation against another one.
func Compare(base, other *analyzer.Explanation) Diff {
	return Diff{
		Exit:      diffExit(base.Run, other.Run),
		Processes: diffProcesses(base.ProcessTree, other.ProcessTree),
		Files:     diffFiles(base, other),
		Net:       diffNet(base, other),
		Stderr:    diffStderr(base.StderrTail, other.StderrTail),
	}
}

func diffExit(base, other model.Run) ExitDelta {
	return ExitDelta{
		BaseExitCode:    base.ExitCode,
		OtherExitCode:   other.ExitCode,
		BaseSignal:      base.Signal,
		OtherSignal:     other.Signal,
		Changed:         base.ExitCode != other.ExitCode || base.Signal != other.Signal,
		DurationDeltaMS: other.Duration().Milliseconds() - base.Duration().Milliseconds(),
	}
}

func diffProcesses(base, other []*analyzer.ProcessTreeNode) ProcessDiff {
	baseSet := argvSet(base, "")
	otherSet := argvSet(other, "")

	var d ProcessDiff
	for k := range baseSet {
		if _, ok := otherSet[k]; !ok {
			d.OnlyInBase = append(d.OnlyInBase, k)
		}
	}
	for k := range otherSet {
		if _, ok := baseSet[k]; !ok {
			d.OnlyInOther = append(d.OnlyInOther, k)
		}
	}
	sortArgvKeys(d.OnlyInBase)
	sortArgvKeys(d.OnlyInOther)
	return d
}

func argvSet(nodes []*analyzer.ProcessTreeNode, parentArgv string) map[ArgvKey]struct{} {
	out := map[ArgvKey]struct{}{}
	var walk func([]*analyzer.ProcessTreeNode, string)
	walk = func(ns []*analyzer.ProcessTreeNode, parent string) {
		for _, n := range ns {
			key := ArgvKey{ParentArgv: parent, Argv: strings.Join(n.Process.Argv, " ")}
			out[key] = struct{}{}
			walk(n.Children, key.Argv)
		}
	}
	walk(nodes, parentArgv)
	return out
}

func sortArgvKeys(ks []ArgvKey) {
	sort.Slice(ks, func(i, j int) bool {
		if ks[i].ParentArgv != ks[j].ParentArgv {
			return ks[i].ParentArgv < ks[j].ParentArgv
		}
		return ks[i].Argv < ks[j].Argv
	})
}

func diffFiles(base, other *analyzer.Explanation) PathDiff {
	baseBytes := pathBytes(base)
	otherBytes := pathBytes(other)

	var d PathDiff
	d.BytesDelta = map[string]int64{}
	for p, b := range baseBytes {
		o, ok := otherBytes[p]
		if !ok {
			d.OnlyInBase = append(d.OnlyInBase, p)
			continue
		}
		if o != b {
			d.BytesDelta[p] = o - b
		}
	}
	for p := range otherBytes {
		if _, ok := baseBytes[p]; !ok {
			d.OnlyInOther = append(d.OnlyInOther, p)
		}
	}
	sort.Strings(d.OnlyInBase)
	sort.Strings(d.OnlyInOther)
	if len(d.BytesDelta) == 0 {
		d.BytesDelta = nil
	}
	return d
}

func pathBytes(exp *analyzer.Explanation) map[string]int64 {
	out := map[string]int64{}
	for p, st := range exp.FileActivity.PathStats {
		out[p] = st.Bytes
	}
	return out
}

func diffNet(base, other *analyzer.Explanation) ConnectionDiff {
	baseConn := connBytes(base)
	otherConn := connBytes(other)

	var d ConnectionDiff
	d.BytesDelta = map[ConnectionKey]int64{}
	for k, b := range baseConn {
		o, ok := otherConn[k]
		if !ok {
			d.OnlyInBase = append(d.OnlyInBase, k)
			continue
		}
		if o != b {
			d.BytesDelta[k] = o - b
		}
	}
	for k := range otherConn {
		if _, ok := baseConn[k]; !ok {
			d.OnlyInOther = append(d.OnlyInOther, k)
		}
	}
	if len(d.BytesDelta) == 0 {
		d.BytesDelta = nil
	}
	return d
}

func connBytes(exp *analyzer.Explanation) map[ConnectionKey]int64 {
	out := map[ConnectionKey]int64{}
	for _, c := range exp.NetActivity.TopConnections {
		out[ConnectionKey{Proto: c.Proto, Dst: c.Dst}] = c.Bytes
	}
	return out
}

func diffStderr(base, other string) StderrDiff {
	baseLines := lineSet(base)
	otherLines := lineSet(other)

	var d StderrDiff
	for l := range baseLines {
		if _, ok := otherLines[l]; !ok {
			d.OnlyInBase = append(d.OnlyInBase, l)
		}
	}
	for l := range otherLines {
		if _, ok := baseLines[l]; !ok {
			d.OnlyInOther = append(d.OnlyInOther, l)
		}
	}
	sort.Strings(d.OnlyInBase)
	sort.Strings(d.OnlyInOther)
	return d
}

func lineSet(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, l := range strings.Split(s, "\n") {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		out[l] = struct{}{}
	}
	return out
}
