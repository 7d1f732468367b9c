// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package stdio relays a traced child's stdout and stderr: each stream is
// teed to the invoking terminal (so poe run behaves like running the
// command directly), to a bounded ring.Ring tail for the pack summary,
// and to the event store as StdioChunk events.
package stdio

import (
	"io"
	"os"
	"time"

	"github.com/Jaso1024/poe/pkg/model"
	"github.com/Jaso1024/poe/pkg/ring"
)

// Sink receives decoded stdio chunks. The run coordinator implements it
// over the event store's writer channel, which itself owns the
// spill-on-full / dropped-bytes counter bookkeeping; the relay just
// calls it and moves on.
type Sink interface {
	StdioChunk(model.StdioChunk)
}

// Stream owns one direction (stdout or stderr) of the relay: the pipe the
// child writes to, the terminal it passes through to, and the tail ring.
type Stream struct {
	name   model.StdioStream
	r, w   *os.File
	pass   io.Writer
	tail   *ring.Ring
	sink   Sink
	taskID int32

	done chan struct{}
}

// Relay owns the child's stdout and stderr streams end to end.
type Relay struct {
	Stdout *Stream
	Stderr *Stream
}

const defaultTailCapacity = 1 << 20 // 1 MiB per stream

// New creates the stdout/stderr pipes. tailCapacity bounds each stream's
// retained tail (0 selects the default). Stdout.w/Stderr.w are handed to
// the tracer as cmd.Stdout/cmd.Stderr; os/exec dup2's them onto the
// child's fds 1 and 2 and clears close-on-exec on the duplicate, which is
// the standard-library equivalent of creating close-on-exec pipes before
// fork and dup'ing the write ends into place after it.
func New(taskID int32, tailCapacity int, pass bool, sink Sink) (*Relay, error) {
	if tailCapacity <= 0 {
		tailCapacity = defaultTailCapacity
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	errR, errW, err := os.Pipe()
	if err != nil {
		outR.Close()
		outW.Close()
		return nil, err
	}

	var outPass, errPass io.Writer
	if pass {
		outPass, errPass = os.Stdout, os.Stderr
	}

	return &Relay{
		Stdout: &Stream{name: model.StdioStdout, r: outR, w: outW, pass: outPass, tail: ring.New(tailCapacity), sink: sink, taskID: taskID, done: make(chan struct{})},
		Stderr: &Stream{name: model.StdioStderr, r: errR, w: errW, pass: errPass, tail: ring.New(tailCapacity), sink: sink, taskID: taskID, done: make(chan struct{})},
	}, nil
}

// WriteEnds returns the two write-end files to install as cmd.Stdout and
// cmd.Stderr before starting the child.
func (r *Relay) WriteEnds() (stdout, stderr *os.File) {
	return r.Stdout.w, r.Stderr.w
}

// Start begins draining both streams in background goroutines. The
// parent must close its copies of the write ends after the child has
// started, or EOF will never arrive.
func (r *Relay) Start() {
	go r.Stdout.drain()
	go r.Stderr.drain()
}

// CloseWriteEnds closes poe's copy of the pipe write ends, required so
// the read side observes EOF once the child (and any descendants that
// inherited the fds) have exited.
func (r *Relay) CloseWriteEnds() {
	r.Stdout.w.Close()
	r.Stderr.w.Close()
}

// Wait blocks until both streams have drained to EOF.
func (r *Relay) Wait() {
	<-r.Stdout.done
	<-r.Stderr.done
}

// Tail returns the retained trailing bytes of each stream, for the pack
// summary's stdout_tail/stderr_tail fields.
func (r *Relay) Tail() (stdout, stderr []byte) {
	return r.Stdout.tail.Bytes(), r.Stderr.tail.Bytes()
}

func (s *Stream) drain() {
	defer close(s.done)
	defer s.r.Close()

	buf := make([]byte, 32*1024)
	for {
		n, err := s.r.Read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			s.tail.Write(chunk)
			if s.pass != nil {
				s.pass.Write(chunk)
			}
			if s.sink != nil {
				s.sink.StdioChunk(model.StdioChunk{
					TimestampNS: time.Now().UnixNano(),
					TaskID:      s.taskID,
					Stream:      s.name,
					Bytes:       chunk,
				})
			}
		}
		if err != nil {
			return
		}
	}
}
