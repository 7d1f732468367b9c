// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package differ

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Jaso1024/poe/pkg/analyzer"
	"github.com/Jaso1024/poe/pkg/model"
)

func TestCompareExitDelta(t *testing.T) {
	base := &analyzer.Explanation{Run: model.Run{ExitCode: 0, StartedAt: time.Unix(0, 0), EndedAt: time.Unix(1, 0)}}
	other := &analyzer.Explanation{Run: model.Run{ExitCode: 1, Signal: "", StartedAt: time.Unix(0, 0), EndedAt: time.Unix(3, 0)}}

	d := Compare(base, other)
	assert.True(t, d.Exit.Changed)
	assert.Equal(t, 0, d.Exit.BaseExitCode)
	assert.Equal(t, 1, d.Exit.OtherExitCode)
	assert.EqualValues(t, 2000, d.Exit.DurationDeltaMS)
}

func TestCompareProcessesSymmetricDifference(t *testing.T) {
	base := &analyzer.Explanation{
		ProcessTree: []*analyzer.ProcessTreeNode{
			{Process: model.Process{Argv: []string{"/bin/sh", "-c", "run.sh"}}},
		},
	}
	other := &analyzer.Explanation{
		ProcessTree: []*analyzer.ProcessTreeNode{
			{Process: model.Process{Argv: []string{"/bin/sh", "-c", "run.sh"}}},
			{Process: model.Process{Argv: []string{"/usr/bin/curl", "example.com"}}},
		},
	}

	d := Compare(base, other)
	assert.Empty(t, d.Processes.OnlyInBase)
	assert.Equal(t, []ArgvKey{{ParentArgv: "", Argv: "/usr/bin/curl example.com"}}, d.Processes.OnlyInOther)
}

func TestCompareFilesByteDelta(t *testing.T) {
	base := &analyzer.Explanation{FileActivity: analyzer.FileActivity{PathStats: map[string]analyzer.PathStat{
		"/data/a": {Ops: 3, Bytes: 100},
	}}}
	other := &analyzer.Explanation{FileActivity: analyzer.FileActivity{PathStats: map[string]analyzer.PathStat{
		"/data/a": {Ops: 5, Bytes: 130},
		"/data/b": {Ops: 1, Bytes: 10},
	}}}

	d := Compare(base, other)
	assert.Equal(t, []string{"/data/b"}, d.Files.OnlyInOther)
	assert.Empty(t, d.Files.OnlyInBase)
	assert.Equal(t, int64(30), d.Files.BytesDelta["/data/a"])
}

func TestCompareNetConnections(t *testing.T) {
	base := &analyzer.Explanation{NetActivity: analyzer.NetActivity{TopConnections: []analyzer.ConnCount{{Proto: "tcp", Dst: "10.0.0.1:80", Bytes: 100}}}}
	other := &analyzer.Explanation{NetActivity: analyzer.NetActivity{TopConnections: []analyzer.ConnCount{{Proto: "tcp", Dst: "10.0.0.1:80", Bytes: 300}}}}

	d := Compare(base, other)
	key := ConnectionKey{Proto: "tcp", Dst: "10.0.0.1:80"}
	assert.Equal(t, int64(200), d.Net.BytesDelta[key])
}

func TestCompareStderrLineDiff(t *testing.T) {
	base := &analyzer.Explanation{StderrTail: "starting up\nconnected\n"}
	other := &analyzer.Explanation{StderrTail: "starting up\nconnection refused\n"}

	d := Compare(base, other)
	assert.Equal(t, []string{"connected"}, d.Stderr.OnlyInBase)
	assert.Equal(t, []string{"connection refused"}, d.Stderr.OnlyInOther)
}
