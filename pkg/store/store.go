// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package store implements the durable, indexed event database embedded in
// every pack: a single sqlite file (via the pure-Go modernc.org/sqlite
// driver, WAL-mode) with one background writer goroutine batching inserts
// out of a bounded multi-producer/single-consumer channel. Producers
// (tracer, stdio relay, sampler) never block on storage: a full channel
// increments a spilled counter and the record is dropped.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/DataDog/zstd"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"

	"github.com/Jaso1024/poe/pkg/metrics"
	"github.com/Jaso1024/poe/pkg/model"
)

// detailBlobCompressThreshold is the size above which a generic event's
// detail_blob is zstd-compressed before it hits the WAL; large full-mode
// payloads otherwise bloat the sqlite file disproportionately to their
// information content.
const detailBlobCompressThreshold = 4096

// schema creates the pack's event-store tables.
const schema = `
CREATE TABLE IF NOT EXISTS run (
	id TEXT PRIMARY KEY,
	command TEXT,
	workdir TEXT,
	env_fp TEXT,
	started_at INTEGER,
	ended_at INTEGER,
	kernel TEXT,
	arch TEXT,
	hostname TEXT,
	source_commit TEXT,
	exit_code INTEGER,
	signal TEXT,
	trigger TEXT
);
CREATE TABLE IF NOT EXISTS processes (
	run_id TEXT,
	task_id INTEGER,
	parent_id INTEGER,
	argv TEXT,
	cwd TEXT,
	started_at INTEGER,
	ended_at INTEGER,
	exit_code INTEGER,
	signal TEXT
);
CREATE TABLE IF NOT EXISTS events (
	ts INTEGER,
	task_id INTEGER,
	kind TEXT,
	detail_blob BLOB,
	compressed INTEGER DEFAULT 0
);
CREATE TABLE IF NOT EXISTS files (
	ts INTEGER,
	task_id INTEGER,
	op TEXT,
	path TEXT,
	fd INTEGER,
	bytes INTEGER,
	flags INTEGER,
	result INTEGER,
	path_truncated INTEGER,
	path_unreadable INTEGER
);
CREATE TABLE IF NOT EXISTS net (
	ts INTEGER,
	task_id INTEGER,
	op TEXT,
	proto TEXT,
	src_addr TEXT,
	dst_addr TEXT,
	bytes INTEGER,
	fd INTEGER,
	result INTEGER
);
CREATE TABLE IF NOT EXISTS stacks (
	ts INTEGER,
	task_id INTEGER,
	frames BLOB,
	weight INTEGER
);
CREATE TABLE IF NOT EXISTS stdio (
	ts INTEGER,
	task_id INTEGER,
	stream TEXT,
	bytes BLOB
);
CREATE TABLE IF NOT EXISTS artifacts (
	name TEXT PRIMARY KEY,
	bytes BLOB
);
-- spans holds function spans ingested from the native instrumentation
-- ring at run end; effects is reserved for a future language-level
-- adapter (interpreter hooks) and nothing in the core writes to it.
CREATE TABLE IF NOT EXISTS spans (
	span_id TEXT PRIMARY KEY,
	parent_span_id TEXT,
	task_id INTEGER,
	name TEXT,
	started_at INTEGER,
	ended_at INTEGER
);
CREATE TABLE IF NOT EXISTS effects (
	ts INTEGER,
	span_id TEXT,
	kind TEXT,
	detail_blob BLOB
);
CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts);
CREATE INDEX IF NOT EXISTS idx_events_task ON events(task_id);
CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
CREATE INDEX IF NOT EXISTS idx_files_path ON files(path);
CREATE INDEX IF NOT EXISTS idx_files_ts ON files(ts);
CREATE INDEX IF NOT EXISTS idx_net_ts ON net(ts);
CREATE INDEX IF NOT EXISTS idx_processes_task ON processes(task_id);
`

// record is the tagged union pushed through the writer channel. Exactly
// one field is non-nil.
type record struct {
	processStart *model.Process
	processEnd   *processEnd
	file         *model.FileEvent
	net          *model.NetEvent
	stack        *model.StackSample
	stdio        *model.StdioChunk
	generic      *model.Event
	span         *model.Span

	// barrier, when set, asks the writer to flush everything enqueued
	// before it and then close the channel, used by Sync to give callers
	// (tests, the checkpoint step) a read-your-writes guarantee without
	// making every Insert* call block on a transaction.
	barrier chan struct{}
}

type processEnd struct {
	taskID   int32
	exitCode int32
	signal   string
	endedAt  time.Time
}

// Store owns the sqlite-backed event database for one run. A single
// background writer goroutine is the only thing that ever writes to db;
// Insert* methods are callable from any goroutine and only ever enqueue.
type Store struct {
	db   *sql.DB
	path string

	ch      chan record
	done    chan struct{}
	metrics *metrics.Registry

	batchMaxRecords int
	batchMaxInterval time.Duration
}

// Options configure the writer's batching policy and channel capacity.
type Options struct {
	ChannelCapacity  int
	BatchMaxRecords  int
	BatchMaxInterval time.Duration
}

// DefaultOptions match the conservative defaults in pkg/config.
func DefaultOptions() Options {
	return Options{ChannelCapacity: 4096, BatchMaxRecords: 256, BatchMaxInterval: 200 * time.Millisecond}
}

// Open creates the sqlite file at path if it does not exist (an existing
// file is opened with its rows kept), puts it in WAL
// mode, and applies the schema. The caller must call Run to start the
// background writer before any Insert* call can make progress (the
// channel is bounded and will otherwise fill and spill).
func Open(path string, m *metrics.Registry, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // a single writer; sqlite serializes anyway

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: enable WAL on %s: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA synchronous=NORMAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: set synchronous on %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: apply schema on %s: %w", path, err)
	}

	if opts.ChannelCapacity <= 0 {
		opts = DefaultOptions()
	}

	return &Store{
		db:               db,
		path:             path,
		ch:               make(chan record, opts.ChannelCapacity),
		done:             make(chan struct{}),
		metrics:          m,
		batchMaxRecords:  opts.BatchMaxRecords,
		batchMaxInterval: opts.BatchMaxInterval,
	}, nil
}

// Run starts the background writer goroutine and returns at once. The
// writer exits once the channel is closed (via Close) and every pending
// record has been committed.
func (s *Store) Run() {
	go s.writeLoop()
}

// enqueue attempts a non-blocking send; a full channel counts as a spill
// and the record is dropped, never blocking the caller.
func (s *Store) enqueue(r record) {
	select {
	case s.ch <- r:
	default:
		if s.metrics != nil {
			s.metrics.EventsSpilled.Inc()
			if r.stdio != nil {
				s.metrics.StdioBytesDropped.Add(float64(len(r.stdio.Bytes)))
			}
		}
	}
}

// InsertProcessStart records a new task entering the process table.
func (s *Store) InsertProcessStart(p model.Process) { s.enqueue(record{processStart: &p}) }

// InsertProcessEnd records a task's terminal status.
func (s *Store) InsertProcessEnd(taskID int32, exitCode int32, signal string, endedAt time.Time) {
	s.enqueue(record{processEnd: &processEnd{taskID: taskID, exitCode: exitCode, signal: signal, endedAt: endedAt}})
}

// InsertFile records a decoded file-family event.
func (s *Store) InsertFile(e model.FileEvent) { s.enqueue(record{file: &e}) }

// InsertNet records a decoded net-family event.
func (s *Store) InsertNet(e model.NetEvent) { s.enqueue(record{net: &e}) }

// InsertStack records one perf-style stack sample.
func (s *Store) InsertStack(e model.StackSample) { s.enqueue(record{stack: &e}) }

// InsertStdio records one stdout/stderr chunk.
func (s *Store) InsertStdio(e model.StdioChunk) { s.enqueue(record{stdio: &e}) }

// InsertEvent records one generic, kind-tagged event (used by the decoder
// in full mode for syscalls with no specialized materialized view).
func (s *Store) InsertEvent(e model.Event) { s.enqueue(record{generic: &e}) }

// InsertSpan records one function span ingested from the native
// instrumentation ring.
func (s *Store) InsertSpan(sp model.Span) { s.enqueue(record{span: &sp}) }

// Sync blocks until every record enqueued before this call has been
// committed. The run coordinator calls it before Checkpoint so the
// archived database reflects everything captured so far.
func (s *Store) Sync() {
	b := make(chan struct{})
	s.ch <- record{barrier: b}
	<-b
}

// Close stops accepting new records, drains and commits whatever remains
// in the channel, and returns once the writer goroutine has exited. On a
// read-only store (OpenReadOnly) there is no writer to stop and only the
// database handle is released.
func (s *Store) Close() error {
	if s.ch != nil {
		close(s.ch)
		<-s.done
	}
	return s.db.Close()
}

// Checkpoint forces the write-ahead log into the main database file so a
// later archive of the raw file is self-contained.
func (s *Store) Checkpoint() error {
	_, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`)
	if err != nil {
		return fmt.Errorf("store: checkpoint: %w", err)
	}
	return nil
}

// FinalizeRun inserts the run row. This is always the last write of a
// healthy run: a partial database implies a still-ongoing or crashed
// coordinator.
func (s *Store) FinalizeRun(ctx context.Context, r model.Run) error {
	command, err := msgpack.Marshal(r.Command)
	if err != nil {
		return fmt.Errorf("store: marshal command: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO run (id, command, workdir, env_fp, started_at, ended_at, kernel, arch, hostname, source_commit, exit_code, signal, trigger)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(command), r.WorkDir, r.EnvFP,
		r.StartedAt.UnixNano(), r.EndedAt.UnixNano(),
		r.Kernel, r.Arch, r.Hostname, r.SourceCommit,
		r.ExitCode, r.Signal, string(r.Trigger))
	if err != nil {
		return fmt.Errorf("store: insert run row: %w", err)
	}
	return nil
}

// writeLoop is the single background writer: it batches records out of
// the channel by count or elapsed time, whichever comes first, and
// commits each batch as one transaction.
func (s *Store) writeLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.batchMaxInterval)
	defer ticker.Stop()

	batch := make([]record, 0, s.batchMaxRecords)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.commitBatch(batch); err == nil {
			batch = batch[:0]
		} else {
			// A failed batch is retried on the next flush rather than
			// dropped; sqlite write failures under a single writer are
			// rare enough (disk full, permissions) that losing a whole
			// batch would be worse than a brief backlog.
		}
	}

	for {
		select {
		case r, ok := <-s.ch:
			if !ok {
				flush()
				return
			}
			if r.barrier != nil {
				flush()
				close(r.barrier)
				continue
			}
			batch = append(batch, r)
			if len(batch) >= s.batchMaxRecords {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (s *Store) commitBatch(batch []record) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin batch: %w", err)
	}

	for _, r := range batch {
		if err := insertOne(tx, r); err != nil {
			tx.Rollback()
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit batch: %w", err)
	}
	return nil
}

func insertOne(tx *sql.Tx, r record) error {
	switch {
	case r.processStart != nil:
		p := r.processStart
		argv, _ := msgpack.Marshal(p.Argv)
		_, err := tx.Exec(`INSERT INTO processes (run_id, task_id, parent_id, argv, cwd, started_at, ended_at, exit_code, signal) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.RunID, p.TaskID, p.ParentID, string(argv), p.Cwd, p.StartedAt.UnixNano(), int64(0), 0, "")
		return err

	case r.processEnd != nil:
		e := r.processEnd
		_, err := tx.Exec(`UPDATE processes SET ended_at = ?, exit_code = ?, signal = ? WHERE task_id = ? AND ended_at = 0`,
			e.endedAt.UnixNano(), e.exitCode, e.signal, e.taskID)
		return err

	case r.file != nil:
		f := r.file
		_, err := tx.Exec(`INSERT INTO files (ts, task_id, op, path, fd, bytes, flags, result, path_truncated, path_unreadable) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			f.TimestampNS, f.TaskID, string(f.Op), f.Path, f.FD, f.Bytes, f.Flags, f.Result, boolInt(f.PathTruncated), boolInt(f.PathUnreadable))
		if err != nil {
			return err
		}
		return insertGeneric(tx, f.TimestampNS, f.TaskID, model.EventKindFile, f)

	case r.net != nil:
		n := r.net
		_, err := tx.Exec(`INSERT INTO net (ts, task_id, op, proto, src_addr, dst_addr, bytes, fd, result) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			n.TimestampNS, n.TaskID, string(n.Op), n.Proto, n.SrcAddr, n.DstAddr, n.Bytes, n.FD, n.Result)
		if err != nil {
			return err
		}
		return insertGeneric(tx, n.TimestampNS, n.TaskID, model.EventKindNet, n)

	case r.stack != nil:
		st := r.stack
		frames, _ := msgpack.Marshal(st.Frames)
		_, err := tx.Exec(`INSERT INTO stacks (ts, task_id, frames, weight) VALUES (?, ?, ?, ?)`,
			st.TimestampNS, st.TaskID, frames, st.Weight)
		return err

	case r.stdio != nil:
		sd := r.stdio
		_, err := tx.Exec(`INSERT INTO stdio (ts, task_id, stream, bytes) VALUES (?, ?, ?, ?)`,
			sd.TimestampNS, sd.TaskID, string(sd.Stream), sd.Bytes)
		return err

	case r.generic != nil:
		g := r.generic
		data, compressed := compressBlob(g.DetailBlob)
		_, err := tx.Exec(`INSERT INTO events (ts, task_id, kind, detail_blob, compressed) VALUES (?, ?, ?, ?, ?)`,
			g.TimestampNS, g.TaskID, string(g.Kind), data, compressed)
		return err

	case r.span != nil:
		sp := r.span
		_, err := tx.Exec(`INSERT INTO spans (span_id, parent_span_id, task_id, name, started_at, ended_at) VALUES (?, ?, ?, ?, ?, ?)`,
			sp.SpanID, sp.ParentSpanID, sp.TaskID, sp.Name, sp.StartedAtNS, sp.EndedAtNS)
		return err
	}
	return nil
}

// insertGeneric materializes a File/Net event into the generic events
// table too — the specialized tables are views over the open kind
// enumeration, and the generic table stays queryable across kinds without
// re-joining three tables.
func insertGeneric(tx *sql.Tx, ts int64, taskID int32, kind model.EventKind, payload interface{}) error {
	blob, err := msgpack.Marshal(payload)
	if err != nil {
		return fmt.Errorf("store: marshal detail blob: %w", err)
	}
	data, compressed := compressBlob(blob)
	_, err = tx.Exec(`INSERT INTO events (ts, task_id, kind, detail_blob, compressed) VALUES (?, ?, ?, ?, ?)`, ts, taskID, string(kind), data, compressed)
	return err
}

// compressBlob zstd-compresses blob when it exceeds
// detailBlobCompressThreshold. A compression failure is not fatal to the
// insert: the uncompressed blob is stored instead and the caller's
// metrics/logging layer is left to notice via size, not a dropped event.
func compressBlob(blob []byte) ([]byte, int) {
	if len(blob) <= detailBlobCompressThreshold {
		return blob, 0
	}
	compressed, err := zstd.Compress(nil, blob)
	if err != nil {
		return blob, 0
	}
	return compressed, 1
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Path returns the on-disk sqlite file path this Store was opened with,
// used by the pack writer to locate trace.sqlite for archiving.
func (s *Store) Path() string { return s.path }
