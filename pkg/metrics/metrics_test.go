// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSnapshotStartsAtZero(t *testing.T) {
	r := New()
	snap := r.Snapshot()
	assert.Equal(t, float64(0), snap["events_spilled"])
}

func TestSnapshotReflectsIncrements(t *testing.T) {
	r := New()
	r.EventsSpilled.Add(3)
	r.SamplesDropped.Inc()
	snap := r.Snapshot()
	assert.Equal(t, float64(3), snap["events_spilled"])
	assert.Equal(t, float64(1), snap["samples_dropped"])
}
