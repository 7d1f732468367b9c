// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/DataDog/zstd"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/Jaso1024/poe/pkg/model"
)

// OpenReadOnly opens an already-checkpointed store file for analysis.
// Readers are concurrent-safe with each other but require the store to
// have been checkpointed first (WAL contents are not guaranteed visible
// to a fresh connection otherwise).
func OpenReadOnly(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s for read: %w", path, err)
	}
	return &Store{db: db, path: path}, nil
}

// RunRow returns the run row, if finalized.
func (s *Store) RunRow() (model.Run, error) {
	row := s.db.QueryRow(`SELECT id, command, workdir, env_fp, started_at, ended_at, kernel, arch, hostname, source_commit, exit_code, signal, trigger FROM run LIMIT 1`)

	var r model.Run
	var command string
	var started, ended int64
	var trigger string
	if err := row.Scan(&r.ID, &command, &r.WorkDir, &r.EnvFP, &started, &ended, &r.Kernel, &r.Arch, &r.Hostname, &r.SourceCommit, &r.ExitCode, &r.Signal, &trigger); err != nil {
		return model.Run{}, fmt.Errorf("store: read run row: %w", err)
	}
	_ = msgpack.Unmarshal([]byte(command), &r.Command)
	r.StartedAt = time.Unix(0, started)
	r.EndedAt = time.Unix(0, ended)
	r.Trigger = model.Trigger(trigger)
	return r, nil
}

// ProcessTree returns every observed process, ordered by start time, for
// the analyzer's process-tree section.
func (s *Store) ProcessTree() ([]model.Process, error) {
	rows, err := s.db.Query(`SELECT run_id, task_id, parent_id, argv, cwd, started_at, ended_at, exit_code, signal FROM processes ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query processes: %w", err)
	}
	defer rows.Close()

	var out []model.Process
	for rows.Next() {
		var p model.Process
		var argv string
		var started, ended int64
		if err := rows.Scan(&p.RunID, &p.TaskID, &p.ParentID, &argv, &p.Cwd, &started, &ended, &p.ExitCode, &p.Signal); err != nil {
			return nil, fmt.Errorf("store: scan process row: %w", err)
		}
		_ = msgpack.Unmarshal([]byte(argv), &p.Argv)
		p.StartedAt = time.Unix(0, started)
		if ended != 0 {
			p.EndedAt = time.Unix(0, ended)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FileEvents returns every file event, ordered by timestamp.
func (s *Store) FileEvents() ([]model.FileEvent, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, op, path, fd, bytes, flags, result, path_truncated, path_unreadable FROM files ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query files: %w", err)
	}
	defer rows.Close()

	var out []model.FileEvent
	for rows.Next() {
		var e model.FileEvent
		var op string
		var truncated, unreadable int
		if err := rows.Scan(&e.TimestampNS, &e.TaskID, &op, &e.Path, &e.FD, &e.Bytes, &e.Flags, &e.Result, &truncated, &unreadable); err != nil {
			return nil, fmt.Errorf("store: scan file row: %w", err)
		}
		e.Op = model.FileOp(op)
		e.PathTruncated = truncated != 0
		e.PathUnreadable = unreadable != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// FileEventsMatching returns file events whose path matches a SQL LIKE
// glob (e.g. "/tmp/%"), served by the path index.
func (s *Store) FileEventsMatching(likePattern string) ([]model.FileEvent, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, op, path, fd, bytes, flags, result, path_truncated, path_unreadable FROM files WHERE path LIKE ? ORDER BY ts ASC`, likePattern)
	if err != nil {
		return nil, fmt.Errorf("store: query files matching %q: %w", likePattern, err)
	}
	defer rows.Close()

	var out []model.FileEvent
	for rows.Next() {
		var e model.FileEvent
		var op string
		var truncated, unreadable int
		if err := rows.Scan(&e.TimestampNS, &e.TaskID, &op, &e.Path, &e.FD, &e.Bytes, &e.Flags, &e.Result, &truncated, &unreadable); err != nil {
			return nil, fmt.Errorf("store: scan file row: %w", err)
		}
		e.Op = model.FileOp(op)
		e.PathTruncated = truncated != 0
		e.PathUnreadable = unreadable != 0
		out = append(out, e)
	}
	return out, rows.Err()
}

// NetEvents returns every net event, ordered by timestamp.
func (s *Store) NetEvents() ([]model.NetEvent, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, op, proto, src_addr, dst_addr, bytes, fd, result FROM net ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query net: %w", err)
	}
	defer rows.Close()

	var out []model.NetEvent
	for rows.Next() {
		var e model.NetEvent
		var op string
		if err := rows.Scan(&e.TimestampNS, &e.TaskID, &op, &e.Proto, &e.SrcAddr, &e.DstAddr, &e.Bytes, &e.FD, &e.Result); err != nil {
			return nil, fmt.Errorf("store: scan net row: %w", err)
		}
		e.Op = model.NetOp(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

// StackSamples returns every recorded stack sample.
func (s *Store) StackSamples() ([]model.StackSample, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, frames, weight FROM stacks ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query stacks: %w", err)
	}
	defer rows.Close()

	var out []model.StackSample
	for rows.Next() {
		var e model.StackSample
		var frames []byte
		if err := rows.Scan(&e.TimestampNS, &e.TaskID, &frames, &e.Weight); err != nil {
			return nil, fmt.Errorf("store: scan stack row: %w", err)
		}
		_ = msgpack.Unmarshal(frames, &e.Frames)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Events returns every generic event row, decompressing any detail_blob
// that was zstd-compressed on write. Used by full-mode consumers that
// need the raw decoded payload for a kind with no specialized table.
func (s *Store) Events() ([]model.Event, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, kind, detail_blob, compressed FROM events ORDER BY ts ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsOfKind returns every generic event row of one kind, in timestamp
// order, served by the (kind) index. The analyzer uses it to pull the
// captured memory-map snapshots without scanning every event.
func (s *Store) EventsOfKind(kind model.EventKind) ([]model.Event, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, kind, detail_blob, compressed FROM events WHERE kind = ? ORDER BY ts ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("store: query events of kind %s: %w", kind, err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventsInRange returns the generic events with ts in [fromNS, toNS),
// served by the (ts) index.
func (s *Store) EventsInRange(fromNS, toNS int64) ([]model.Event, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, kind, detail_blob, compressed FROM events WHERE ts >= ? AND ts < ? ORDER BY ts ASC`, fromNS, toNS)
	if err != nil {
		return nil, fmt.Errorf("store: query events in range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]model.Event, error) {
	var out []model.Event
	for rows.Next() {
		var e model.Event
		var kind string
		var blob []byte
		var compressed int
		if err := rows.Scan(&e.TimestampNS, &e.TaskID, &kind, &blob, &compressed); err != nil {
			return nil, fmt.Errorf("store: scan event row: %w", err)
		}
		e.Kind = model.EventKind(kind)
		if compressed != 0 {
			decoded, err := zstd.Decompress(nil, blob)
			if err != nil {
				return nil, fmt.Errorf("store: decompress detail blob: %w", err)
			}
			blob = decoded
		}
		e.DetailBlob = blob
		out = append(out, e)
	}
	return out, rows.Err()
}

// NetEventsMatching returns net events whose destination matches a SQL
// LIKE glob (e.g. "127.0.0.1:%").
func (s *Store) NetEventsMatching(likePattern string) ([]model.NetEvent, error) {
	rows, err := s.db.Query(`SELECT ts, task_id, op, proto, src_addr, dst_addr, bytes, fd, result FROM net WHERE dst_addr LIKE ? ORDER BY ts ASC`, likePattern)
	if err != nil {
		return nil, fmt.Errorf("store: query net matching %q: %w", likePattern, err)
	}
	defer rows.Close()

	var out []model.NetEvent
	for rows.Next() {
		var e model.NetEvent
		var op string
		if err := rows.Scan(&e.TimestampNS, &e.TaskID, &op, &e.Proto, &e.SrcAddr, &e.DstAddr, &e.Bytes, &e.FD, &e.Result); err != nil {
			return nil, fmt.Errorf("store: scan net row: %w", err)
		}
		e.Op = model.NetOp(op)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Spans returns every ingested native-instrumentation span, ordered by
// start time.
func (s *Store) Spans() ([]model.Span, error) {
	rows, err := s.db.Query(`SELECT span_id, parent_span_id, task_id, name, started_at, ended_at FROM spans ORDER BY started_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("store: query spans: %w", err)
	}
	defer rows.Close()

	var out []model.Span
	for rows.Next() {
		var sp model.Span
		if err := rows.Scan(&sp.SpanID, &sp.ParentSpanID, &sp.TaskID, &sp.Name, &sp.StartedAtNS, &sp.EndedAtNS); err != nil {
			return nil, fmt.Errorf("store: scan span row: %w", err)
		}
		out = append(out, sp)
	}
	return out, rows.Err()
}

// StdioReassembled concatenates every chunk of stream, in timestamp
// order, into the full captured byte sequence.
func (s *Store) StdioReassembled(stream model.StdioStream) ([]byte, error) {
	rows, err := s.db.Query(`SELECT bytes FROM stdio WHERE stream = ? ORDER BY ts ASC`, string(stream))
	if err != nil {
		return nil, fmt.Errorf("store: query stdio %s: %w", stream, err)
	}
	defer rows.Close()

	var out []byte
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, fmt.Errorf("store: scan stdio row: %w", err)
		}
		out = append(out, b...)
	}
	return out, rows.Err()
}

// Stats computes the summary.json stats block directly from the tables,
// so it can never drift from what was actually persisted.
type Stats struct {
	Events      int64
	Files       int64
	Net         int64
	Stacks      int64
	StdoutBytes int64
	StderrBytes int64
}

// Stats computes table row counts and stdio byte totals.
func (s *Store) Stats() (Stats, error) {
	var st Stats
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&st.Events); err != nil {
		return Stats{}, fmt.Errorf("store: count events: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM files`).Scan(&st.Files); err != nil {
		return Stats{}, fmt.Errorf("store: count files: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM net`).Scan(&st.Net); err != nil {
		return Stats{}, fmt.Errorf("store: count net: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM stacks`).Scan(&st.Stacks); err != nil {
		return Stats{}, fmt.Errorf("store: count stacks: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(bytes)), 0) FROM stdio WHERE stream = ?`, string(model.StdioStdout)).Scan(&st.StdoutBytes); err != nil {
		return Stats{}, fmt.Errorf("store: sum stdout bytes: %w", err)
	}
	if err := s.db.QueryRow(`SELECT COALESCE(SUM(LENGTH(bytes)), 0) FROM stdio WHERE stream = ?`, string(model.StdioStderr)).Scan(&st.StderrBytes); err != nil {
		return Stats{}, fmt.Errorf("store: sum stderr bytes: %w", err)
	}
	return st, nil
}
