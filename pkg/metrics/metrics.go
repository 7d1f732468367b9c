// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package metrics exposes the capture engine's stats counters: the
// event store's spill counter, the sampler's dropped-sample counter, and
// the tracer's truncated/unreadable argument counters. One Registry is
// created per run so tests never collide on the global prometheus
// registry.
package metrics

import (
	dto "github.com/prometheus/client_model/go"

	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds one run's capture-engine counters, registered against a
// private prometheus.Registry rather than the global default one.
type Registry struct {
	reg *prometheus.Registry

	EventsSpilled     prometheus.Counter
	SamplesDropped    prometheus.Counter
	PathTruncated     prometheus.Counter
	PathUnreadable    prometheus.Counter
	StdioBytesDropped prometheus.Counter
}

// New builds a Registry with all counters registered and zeroed.
func New() *Registry {
	reg := prometheus.NewRegistry()
	r := &Registry{
		reg: reg,
		EventsSpilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "store",
			Name:      "events_spilled_total",
			Help:      "Events dropped because the writer channel was full.",
		}),
		SamplesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "sampler",
			Name:      "samples_dropped_total",
			Help:      "Stack samples dropped because the post-exit drain deadline elapsed.",
		}),
		PathTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "decoder",
			Name:      "path_truncated_total",
			Help:      "Path arguments truncated at the maximum read length.",
		}),
		PathUnreadable: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "decoder",
			Name:      "path_unreadable_total",
			Help:      "Path arguments that failed a cross-process memory read.",
		}),
		StdioBytesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "poe",
			Subsystem: "stdio",
			Name:      "bytes_dropped_total",
			Help:      "Stdio bytes dropped when the event store channel was full.",
		}),
	}
	reg.MustRegister(r.EventsSpilled, r.SamplesDropped, r.PathTruncated, r.PathUnreadable, r.StdioBytesDropped)
	return r
}

// Registerer exposes the underlying registry for an optional /metrics
// HTTP handler wired up by an external front end; the core never serves
// HTTP itself.
func (r *Registry) Registerer() prometheus.Registerer {
	return r.reg
}

// Snapshot returns point-in-time counter values keyed by name.
// summary.json's stats block is filled from the event store's own counts,
// not from this snapshot.
func (r *Registry) Snapshot() map[string]float64 {
	return map[string]float64{
		"events_spilled":      readCounter(r.EventsSpilled),
		"samples_dropped":     readCounter(r.SamplesDropped),
		"path_truncated":      readCounter(r.PathTruncated),
		"path_unreadable":     readCounter(r.PathUnreadable),
		"stdio_bytes_dropped": readCounter(r.StdioBytesDropped),
	}
}

func readCounter(c prometheus.Counter) float64 {
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		return 0
	}
	return m.GetCounter().GetValue()
}
