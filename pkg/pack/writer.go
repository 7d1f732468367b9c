// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package pack implements the .poepack archive format: a deflate-
// compressed archive with a fixed interior layout (summary.json,
// trace.sqlite, artifacts/, meta/environment.json), written atomically via
// write-to-temp-then-rename, and the reader side that opens one back up
// for the analyzer and differ.
package pack

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DataDog/zstd"

	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/redact"
	"github.com/Jaso1024/poe/pkg/store"
	"github.com/Jaso1024/poe/pkg/version"
)

// stdioEntryName is the zip entry captured stdio tails are stored under.
// The .zst suffix marks zstd-compressed content to Open, which decodes it
// transparently; the reader never needs to know the tail's original size.
const stdioEntryName = "artifacts/%s.log.zst"

// Extension is the on-disk suffix for a pack archive.
const Extension = ".poepack"

// Summary mirrors the top-level fields of summary.json.
type Summary struct {
	RunID      string    `json:"run_id"`
	Command    []string  `json:"command"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Trigger    string    `json:"trigger"`
	Failure    Failure   `json:"failure"`
	Stats      StatsJSON `json:"stats"`
}

// Failure is a short, human-facing characterization of why a pack was
// emitted; the analyzer's diagnosis rules fill in a fuller Explanation.
type Failure struct {
	Kind        string `json:"kind"`
	Description string `json:"description"`
}

// StatsJSON is the summary's stats block.
type StatsJSON struct {
	Events      int64 `json:"events"`
	Files       int64 `json:"files"`
	Net         int64 `json:"net"`
	Stacks      int64 `json:"stacks"`
	StdoutBytes int64 `json:"stdout_bytes"`
	StderrBytes int64 `json:"stderr_bytes"`
}

// Environment mirrors meta/environment.json.
type Environment struct {
	Env         map[string]string `json:"env"`
	Hostname    string            `json:"hostname"`
	Kernel      string            `json:"kernel"`
	Arch        string            `json:"arch"`
	ToolVersion string            `json:"tool_version"`
	RunID       string            `json:"run_id"`
	TraceID     string            `json:"trace_id"`
	ParentSpanID string           `json:"parent_span_id,omitempty"`
}

// Input is everything the pack writer needs to produce one archive.
type Input struct {
	OutputDir  string
	Run        model.Run
	Store      *store.Store
	StorePath  string // the checkpointed sqlite file to embed as trace.sqlite
	StdoutTail []byte
	StderrTail []byte
	Env        []string // raw KEY=VALUE environment captured at launch
	Redactor   *redact.Redactor
}

// Write builds a .poepack archive for one run and returns its path.
// Construction order is deterministic: summary, then the sealed event
// store, then captured artifacts, then redacted metadata. The file is
// written to a sibling temp path and renamed into place so no partial
// archive is ever observable.
func Write(in Input) (string, error) {
	stats, err := in.Store.Stats()
	if err != nil {
		return "", fmt.Errorf("pack: compute stats: %w", err)
	}

	summary := Summary{
		RunID:      in.Run.ID,
		Command:    in.Run.Command,
		ExitCode:   in.Run.ExitCode,
		Signal:     in.Run.Signal,
		DurationMS: in.Run.Duration().Milliseconds(),
		Trigger:    string(in.Run.Trigger),
		Failure:    failureFor(in.Run),
		Stats: StatsJSON{
			Events:      stats.Events,
			Files:       stats.Files,
			Net:         stats.Net,
			Stacks:      stats.Stacks,
			StdoutBytes: stats.StdoutBytes,
			StderrBytes: stats.StderrBytes,
		},
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pack: marshal summary: %w", err)
	}

	env := in.Redactor.Environment(envToMap(in.Env))
	meta := Environment{
		Env:         env,
		Hostname:    in.Run.Hostname,
		Kernel:      in.Run.Kernel,
		Arch:        in.Run.Arch,
		ToolVersion: version.Version,
		RunID:        in.Run.ID,
		TraceID:      lookupEnv(in.Env, "POE_TRACE_ID"),
		ParentSpanID: lookupEnv(in.Env, "POE_PARENT_SPAN_ID"),
	}
	metaJSON, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("pack: marshal environment metadata: %w", err)
	}

	finalPath := filepath.Join(in.OutputDir, in.Run.ID+Extension)
	tmpPath := finalPath + ".tmp"

	stdoutZst, err := zstd.Compress(nil, in.StdoutTail)
	if err != nil {
		return "", fmt.Errorf("pack: compress stdout tail: %w", err)
	}
	stderrZst, err := zstd.Compress(nil, in.StderrTail)
	if err != nil {
		return "", fmt.Errorf("pack: compress stderr tail: %w", err)
	}

	if err := writeZip(tmpPath, summaryJSON, in.StorePath, stdoutZst, stderrZst, metaJSON); err != nil {
		os.Remove(tmpPath)
		return "", err
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", fmt.Errorf("pack: rename into place: %w", err)
	}
	return finalPath, nil
}

func writeZip(path string, summaryJSON []byte, storePath string, stdoutZst, stderrZst, metaJSON []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("pack: create archive: %w", err)
	}
	defer f.Close()

	zw := zip.NewWriter(f)

	if err := writeDeflated(zw, "summary.json", summaryJSON); err != nil {
		return err
	}
	if err := writeFileDeflated(zw, "trace.sqlite", storePath); err != nil {
		return err
	}
	if err := writeStored(zw, fmt.Sprintf(stdioEntryName, "stdout"), stdoutZst); err != nil {
		return err
	}
	if err := writeStored(zw, fmt.Sprintf(stdioEntryName, "stderr"), stderrZst); err != nil {
		return err
	}
	if err := writeDeflated(zw, "meta/environment.json", metaJSON); err != nil {
		return err
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("pack: finalize archive: %w", err)
	}
	return f.Sync()
}

func writeDeflated(zw *zip.Writer, name string, data []byte) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Unix(0, 0).UTC()}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("pack: create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("pack: write entry %s: %w", name, err)
	}
	return nil
}

// writeStored adds an already-compressed entry with method Store, so the
// zip layer doesn't waste a second compression pass over zstd output.
func writeStored(zw *zip.Writer, name string, data []byte) error {
	hdr := &zip.FileHeader{Name: name, Method: zip.Store, Modified: time.Unix(0, 0).UTC()}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("pack: create entry %s: %w", name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("pack: write entry %s: %w", name, err)
	}
	return nil
}

func writeFileDeflated(zw *zip.Writer, name, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("pack: open %s: %w", srcPath, err)
	}
	defer src.Close()

	hdr := &zip.FileHeader{Name: name, Method: zip.Deflate, Modified: time.Unix(0, 0).UTC()}
	w, err := zw.CreateHeader(hdr)
	if err != nil {
		return fmt.Errorf("pack: create entry %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("pack: write entry %s: %w", name, err)
	}
	return nil
}

// failureFor gives the summary's failure block a short characterization
// matching the analyzer's diagnosis rule 1 without requiring a full
// Explanation pass just to populate summary.json.
func failureFor(r model.Run) Failure {
	switch r.Trigger {
	case model.TriggerCrash:
		return Failure{Kind: "crash_signal", Description: "terminated by " + r.Signal}
	case model.TriggerSignal:
		return Failure{Kind: "signal_death", Description: "terminated by " + r.Signal}
	case model.TriggerNonZero:
		return Failure{Kind: "nonzero_exit", Description: fmt.Sprintf("exited with code %d", r.ExitCode)}
	default:
		return Failure{}
	}
}

func envToMap(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}

func lookupEnv(env []string, key string) string {
	prefix := key + "="
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			return kv[len(prefix):]
		}
	}
	return ""
}
