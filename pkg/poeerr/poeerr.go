// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package poeerr defines the capture engine's error kinds: sentinel
// values attached to an error by Wrap so callers can classify a failure
// with errors.Is instead of string-matching a message.
package poeerr

import "errors"

// Kind classifies a capture-engine failure by its propagation policy.
type Kind error

var (
	// Setup failures (tracer attach, store open, pipe create) are fatal:
	// surfaced to the caller, no pack is produced.
	Setup Kind = errors.New("setup")
	// TransientCapture marks a single memory read or event decode that
	// failed; capture continues, the owning event is annotated instead.
	TransientCapture Kind = errors.New("transient capture")
	// Spill marks a channel-full or ring-drop condition; counted in
	// stats, never surfaced as a per-event error.
	Spill Kind = errors.New("spill")
	// SamplerUnavailable is recorded once in diagnostics when perf events
	// can't be opened; the sampler is disabled, capture proceeds.
	SamplerUnavailable Kind = errors.New("sampler unavailable")
	// PackWrite is fatal after a successful capture: surfaced to the
	// caller, but the partial event store is left on disk for recovery.
	PackWrite Kind = errors.New("pack write")
)

// Wrap attaches kind to err so errors.Is(wrapped, kind) holds, while
// Unwrap still exposes err to errors.Is/errors.As. A nil err returns nil.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &wrapped{kind: kind, err: err}
}

type wrapped struct {
	kind Kind
	err  error
}

func (w *wrapped) Error() string { return w.kind.Error() + ": " + w.err.Error() }
func (w *wrapped) Unwrap() error { return w.err }
func (w *wrapped) Is(target error) bool {
	return target == w.kind
}
