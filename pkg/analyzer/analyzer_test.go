// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package analyzer

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Jaso1024/poe/pkg/metrics"
	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trace.sqlite")
	s, err := store.Open(path, metrics.New(), store.DefaultOptions())
	require.NoError(t, err)
	s.Run()
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDiagnoseCrashSignal(t *testing.T) {
	s := openTestStore(t)
	s.Sync()
	require.NoError(t, s.Checkpoint())

	run := model.Run{ID: "r1", Trigger: model.TriggerCrash, Signal: "SIGSEGV"}
	exp, err := Analyze(run, s, nil, nil, nil)
	require.NoError(t, err)

	require.NotEmpty(t, exp.Diagnosis)
	assert.Equal(t, "crash_signal", exp.Diagnosis[0].Kind)
	assert.Equal(t, SeverityCritical, exp.Diagnosis[0].Severity)
}

func TestDiagnosePermissionDeniedAggregatesPerPath(t *testing.T) {
	s := openTestStore(t)
	s.InsertFile(model.FileEvent{TimestampNS: 1, TaskID: 1, Op: model.FileOpOpen, Path: "/etc/shadow", Result: -13})
	s.InsertFile(model.FileEvent{TimestampNS: 2, TaskID: 1, Op: model.FileOpOpen, Path: "/etc/shadow", Result: -13})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	var found bool
	for _, f := range exp.Diagnosis {
		if f.Kind == "permission_denied" {
			found = true
			assert.Contains(t, f.Message, "/etc/shadow")
			assert.Contains(t, f.Message, "2 time")
		}
	}
	assert.True(t, found)
}

func TestDiagnoseMissingFileSkipsNoise(t *testing.T) {
	s := openTestStore(t)
	s.InsertFile(model.FileEvent{TimestampNS: 1, TaskID: 1, Op: model.FileOpOpen, Path: "/app/config.yaml", Result: -2})
	s.InsertFile(model.FileEvent{TimestampNS: 2, TaskID: 1, Op: model.FileOpOpen, Path: "/usr/lib/libfoo.so", Result: -2})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	var messages []string
	for _, f := range exp.Diagnosis {
		if f.Kind == "missing_file" {
			messages = append(messages, f.Message)
		}
	}
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "/app/config.yaml")
}

func TestDiagnoseFailedConnection(t *testing.T) {
	s := openTestStore(t)
	s.InsertNet(model.NetEvent{TimestampNS: 1, TaskID: 1, Op: model.NetOpConnect, DstAddr: "10.0.0.5:5432", Result: -111})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	require.NotEmpty(t, exp.Diagnosis)
	assert.Equal(t, "failed_connection", exp.Diagnosis[0].Kind)
	assert.Contains(t, exp.Diagnosis[0].Message, "10.0.0.5:5432")
}

func TestDiagnoseMissingFileSkipsPathSearchProbes(t *testing.T) {
	s := openTestStore(t)
	s.InsertFile(model.FileEvent{TimestampNS: 1, TaskID: 1, Op: model.FileOpStat, Path: "/usr/local/bin/tool", Result: -2})
	s.InsertFile(model.FileEvent{TimestampNS: 2, TaskID: 1, Op: model.FileOpStat, Path: "/usr/bin/tool", Result: -2})
	s.InsertFile(model.FileEvent{TimestampNS: 3, TaskID: 1, Op: model.FileOpStat, Path: "/bin/tool", Result: -2})
	s.InsertFile(model.FileEvent{TimestampNS: 4, TaskID: 1, Op: model.FileOpOpen, Path: "/app/secrets.env", Result: -2})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	var messages []string
	for _, f := range exp.Diagnosis {
		if f.Kind == "missing_file" {
			messages = append(messages, f.Message)
		}
	}
	require.Len(t, messages, 1)
	assert.Contains(t, messages[0], "/app/secrets.env")
}

func TestNetActivityAndFailedConnectionSkipNetlinkAndNscdNoise(t *testing.T) {
	s := openTestStore(t)
	s.InsertNet(model.NetEvent{TimestampNS: 1, TaskID: 1, Op: model.NetOpConnect, Proto: "family:16", DstAddr: "", Result: -111})
	s.InsertNet(model.NetEvent{TimestampNS: 2, TaskID: 1, Op: model.NetOpConnect, Proto: "unix", DstAddr: "/var/run/nscd/socket", Result: -111})
	s.InsertNet(model.NetEvent{TimestampNS: 3, TaskID: 1, Op: model.NetOpConnect, Proto: "tcp", DstAddr: "10.0.0.5:5432", Result: -111})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, exp.Diagnosis, 1)
	assert.Equal(t, "failed_connection", exp.Diagnosis[0].Kind)
	assert.Contains(t, exp.Diagnosis[0].Message, "10.0.0.5:5432")
	assert.Equal(t, 1, exp.NetActivity.TotalOps)

	var netPaths []string
	for _, e := range exp.Timeline {
		if e.Kind == "net" {
			netPaths = append(netPaths, e.Path)
		}
	}
	assert.Equal(t, []string{"10.0.0.5:5432"}, netPaths)
}

func TestDiagnoseStderrPatternScan(t *testing.T) {
	s := openTestStore(t)
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, []byte("Traceback (most recent call last):\nKeyError: 'x'\n"), nil)
	require.NoError(t, err)

	var found bool
	for _, f := range exp.Diagnosis {
		if f.Kind == "stderr_traceback" {
			found = true
		}
	}
	assert.True(t, found)
}

func TestProcessTreeFlagsReusedTaskID(t *testing.T) {
	s := openTestStore(t)
	s.InsertProcessStart(model.Process{RunID: "r1", TaskID: 1, ParentID: 0, StartedAt: time.Unix(0, 0)})
	s.InsertProcessStart(model.Process{RunID: "r1", TaskID: 2, ParentID: 1, StartedAt: time.Unix(0, 10)})
	s.InsertProcessEnd(2, 0, "", time.Unix(0, 20))
	s.InsertProcessStart(model.Process{RunID: "r1", TaskID: 2, ParentID: 1, StartedAt: time.Unix(0, 30)})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	var ambiguous int
	var walk func([]*ProcessTreeNode)
	walk = func(nodes []*ProcessTreeNode) {
		for _, n := range nodes {
			if n.AmbiguousPID {
				ambiguous++
			}
			walk(n.Children)
		}
	}
	walk(exp.ProcessTree)
	assert.Equal(t, 2, ambiguous)
}

func TestFileActivitySummarizesTopPathsAndBytes(t *testing.T) {
	s := openTestStore(t)
	s.InsertFile(model.FileEvent{TimestampNS: 1, TaskID: 1, Op: model.FileOpRead, Path: "/data/a", Bytes: 100})
	s.InsertFile(model.FileEvent{TimestampNS: 2, TaskID: 1, Op: model.FileOpWrite, Path: "/data/a", Bytes: 50})
	s.InsertFile(model.FileEvent{TimestampNS: 3, TaskID: 1, Op: model.FileOpRead, Path: "/lib/x.so", Bytes: 999})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	assert.EqualValues(t, 100, exp.FileActivity.BytesRead)
	assert.EqualValues(t, 50, exp.FileActivity.BytesWritten)
	require.Len(t, exp.FileActivity.TopPaths, 1)
	assert.Equal(t, "/data/a", exp.FileActivity.TopPaths[0].Path)
}

func TestTimelineCollapsesRepeatsWithinWindow(t *testing.T) {
	s := openTestStore(t)
	s.InsertFile(model.FileEvent{TimestampNS: 1000, TaskID: 1, Op: model.FileOpRead, Path: "/data/a"})
	s.InsertFile(model.FileEvent{TimestampNS: 1500, TaskID: 1, Op: model.FileOpRead, Path: "/data/a"})
	s.InsertFile(model.FileEvent{TimestampNS: 5_000_000, TaskID: 1, Op: model.FileOpRead, Path: "/data/a"})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	require.Len(t, exp.Timeline, 2)
	assert.Equal(t, 2, exp.Timeline[0].Repeat)
	assert.Equal(t, 1, exp.Timeline[1].Repeat)
}

func TestTimelineIncludesProcessLifecycleEvents(t *testing.T) {
	s := openTestStore(t)
	s.InsertProcessStart(model.Process{RunID: "r1", TaskID: 1, ParentID: 0, Argv: []string{"/bin/sh", "-c", "x"}, StartedAt: time.Unix(0, 1000)})
	s.InsertProcessEnd(1, 1, "SIGKILL", time.Unix(0, 9000))
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	var kinds []string
	for _, e := range exp.Timeline {
		kinds = append(kinds, e.Kind+":"+e.Op)
	}
	assert.Contains(t, kinds, "process:start")
	assert.Contains(t, kinds, "process:signal")
}

func TestStackHotspotsRankByLeafFrequency(t *testing.T) {
	s := openTestStore(t)
	s.InsertStack(model.StackSample{TimestampNS: 1, TaskID: 1, Frames: []uint64{0x1000, 0x2000}, Weight: 1})
	s.InsertStack(model.StackSample{TimestampNS: 2, TaskID: 1, Frames: []uint64{0x1000, 0x3000}, Weight: 1})
	s.InsertStack(model.StackSample{TimestampNS: 3, TaskID: 1, Frames: []uint64{0x9000}, Weight: 1})
	s.Sync()
	require.NoError(t, s.Checkpoint())

	exp, err := Analyze(model.Run{ID: "r1"}, s, nil, nil, nil)
	require.NoError(t, err)

	require.NotEmpty(t, exp.StackHotspots)
	assert.EqualValues(t, 0x1000, exp.StackHotspots[0].Addr)
	assert.Equal(t, 2, exp.StackHotspots[0].Count)
}
