// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

// Package sampler periodically captures a traced task's instruction
// pointer and call stack via the kernel's CPU-clock perf event, at a
// fixed frequency, by reading the event's mmap'd ring buffer directly
// (the same lock-free single-producer/single-consumer ring perf-based
// tooling universally relies on). When perf events are unavailable (no
// CAP_PERFMON, a restrictive perf_event_paranoid, or a kernel built
// without CONFIG_PERF_EVENTS) the sampler reports itself unavailable and
// the rest of the capture engine runs with stack sampling simply absent,
// per the "graceful degradation" requirement.
package sampler

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync/atomic"
	"syscall"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/Jaso1024/poe/pkg/model"
)

const (
	defaultFreqHz = 99
	ringPages     = 8 // 1 metadata page + 2^n data pages
)

// Sink receives decoded stack samples.
type Sink interface {
	StackSample(model.StackSample)
}

// DroppedCounter is incremented when the post-exit drain deadline elapses
// with unread samples still in the ring.
type DroppedCounter interface {
	Inc()
}

// Sampler owns one CPU-clock perf event and its mmap'd ring for one task.
type Sampler struct {
	taskID int32
	fd     int
	ring   []byte
	meta   *unix.PerfEventMmapPage

	sink    Sink
	dropped DroppedCounter

	stop    chan struct{}
	done    chan struct{}
	closed  int32
}

// Open opens a sampling CPU-clock perf event for taskID at freqHz (0
// selects defaultFreqHz) and mmaps its ring buffer. A non-nil error here
// means the caller should proceed without sampling rather than fail the
// run.
func Open(taskID int32, freqHz uint64, sink Sink, dropped DroppedCounter) (*Sampler, error) {
	if freqHz == 0 {
		freqHz = defaultFreqHz
	}

	attr := unix.PerfEventAttr{
		Type:        unix.PERF_TYPE_SOFTWARE,
		Config:      unix.PERF_COUNT_SW_CPU_CLOCK,
		Sample:      freqHz,
		Sample_type: unix.PERF_SAMPLE_IP | unix.PERF_SAMPLE_TID | unix.PERF_SAMPLE_TIME | unix.PERF_SAMPLE_CALLCHAIN,
		Bits:        unix.PerfBitFreq | unix.PerfBitDisabled,
	}
	attr.Size = uint32(unsafe.Sizeof(attr))

	fd, err := unix.PerfEventOpen(&attr, int(taskID), -1, -1, unix.PERF_FLAG_FD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sampler: perf_event_open for task %d: %w", taskID, err)
	}

	pageSize := os.Getpagesize()
	size := pageSize * (1 + ringPages)
	ring, err := syscall.Mmap(fd, 0, size, syscall.PROT_READ|syscall.PROT_WRITE, syscall.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("sampler: mmap ring for task %d: %w", taskID, err)
	}

	if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
		syscall.Munmap(ring)
		unix.Close(fd)
		return nil, fmt.Errorf("sampler: enable perf event for task %d: %w", taskID, err)
	}

	s := &Sampler{
		taskID:  taskID,
		fd:      fd,
		ring:    ring,
		meta:    (*unix.PerfEventMmapPage)(unsafe.Pointer(&ring[0])),
		sink:    sink,
		dropped: dropped,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	return s, nil
}

// Start begins the background drain loop, polling the ring every 50ms
// rather than busy-spinning.
func (s *Sampler) Start() {
	go s.loop()
}

// Stop signals the drain loop to exit after one final drain pass.
func (s *Sampler) Stop() {
	if atomic.CompareAndSwapInt32(&s.closed, 0, 1) {
		close(s.stop)
	}
}

// DrainAndClose performs a bounded final drain (for the post-exit
// "drain to completion with a hard deadline" requirement) and releases
// the perf event and its mapping. Samples still unread when the deadline
// elapses count against dropped.
func (s *Sampler) DrainAndClose(deadline time.Duration) {
	s.Stop()
	<-s.done

	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		n := s.drain()
		if n == 0 {
			break
		}
	}
	if s.dropped != nil {
		if remaining := s.pendingBytes(); remaining > 0 {
			s.dropped.Inc()
		}
	}

	syscall.Munmap(s.ring)
	unix.Close(s.fd)
}

func (s *Sampler) loop() {
	defer close(s.done)
	ticker := time.NewTicker(time.Second / 20)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.drain()
		}
	}
}

// pendingBytes reports how many unread bytes remain in the ring.
func (s *Sampler) pendingBytes() uint64 {
	head := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.meta.Data_head)))
	tail := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.meta.Data_tail)))
	return head - tail
}

// drain consumes every complete record currently available in the ring
// and returns how many it processed. The ring layout and record headers
// follow the kernel ABI in include/uapi/linux/perf_event.h: a
// perf_event_mmap_page metadata page followed by the data pages, each
// record prefixed by a {type, misc, size} header.
func (s *Sampler) drain() int {
	data := s.ring[s.meta.Data_offset : s.meta.Data_offset+s.meta.Data_size]
	size := uint64(len(data))

	head := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.meta.Data_head)))
	tail := atomic.LoadUint64((*uint64)(unsafe.Pointer(&s.meta.Data_tail)))

	n := 0
	for tail < head {
		if head-tail < 8 {
			break
		}
		off := tail % size
		hdr := readRecordHeader(data, off, size)
		if hdr.size == 0 || uint64(hdr.size) > head-tail {
			break
		}

		if hdr.recType == unix.PERF_RECORD_SAMPLE {
			s.handleSample(readRingBytes(data, off+8, uint64(hdr.size)-8, size))
		}

		tail += uint64(hdr.size)
		n++
	}

	atomic.StoreUint64((*uint64)(unsafe.Pointer(&s.meta.Data_tail)), tail)
	return n
}

type recordHeader struct {
	recType uint32
	misc    uint16
	size    uint16
}

func readRecordHeader(data []byte, off, size uint64) recordHeader {
	b := readRingBytes(data, off, 8, size)
	return recordHeader{
		recType: binary.LittleEndian.Uint32(b[0:4]),
		misc:    binary.LittleEndian.Uint16(b[4:6]),
		size:    binary.LittleEndian.Uint16(b[6:8]),
	}
}

// readRingBytes copies length bytes starting at off out of the circular
// ring, handling the wraparound the kernel's writer performs.
func readRingBytes(data []byte, off, length, size uint64) []byte {
	off %= size
	out := make([]byte, length)
	if off+length <= size {
		copy(out, data[off:off+length])
		return out
	}
	first := size - off
	copy(out, data[off:])
	copy(out[first:], data[:length-first])
	return out
}

// callchainContextMax marks the boundary below which a callchain entry is
// a real instruction pointer; entries at or above it are PERF_CONTEXT_*
// separators (include/uapi/linux/perf_event.h) the kernel inserts between
// hypervisor/kernel/user/guest stack segments rather than frame addresses.
const callchainContextMax = 0xfffffffffffff000

// handleSample decodes a PERF_RECORD_SAMPLE payload matching the
// PERF_SAMPLE_IP|PERF_SAMPLE_TID|PERF_SAMPLE_TIME|PERF_SAMPLE_CALLCHAIN
// layout requested at open time: ip (u64), pid/tid (u32 each), time
// (u64), nr (u64), then nr callchain entries (u64 each, leaf to root,
// interspersed with PERF_CONTEXT_* separators).
func (s *Sampler) handleSample(b []byte) {
	if len(b) < 24 {
		return
	}
	ip := binary.LittleEndian.Uint64(b[0:8])
	tid := int32(binary.LittleEndian.Uint32(b[12:16]))
	tsNS := int64(binary.LittleEndian.Uint64(b[16:24]))

	frames := []uint64{ip}
	if len(b) >= 32 {
		nr := binary.LittleEndian.Uint64(b[24:32])
		off := uint64(32)
		for i := uint64(0); i < nr && off+8 <= uint64(len(b)); i++ {
			entry := binary.LittleEndian.Uint64(b[off : off+8])
			off += 8
			if entry >= callchainContextMax {
				continue
			}
			if len(frames) > 0 && frames[len(frames)-1] == entry {
				continue
			}
			frames = append(frames, entry)
		}
	}

	if s.sink != nil {
		s.sink.StackSample(model.StackSample{
			TimestampNS: tsNS,
			TaskID:      tid,
			Frames:      frames,
			Weight:      1,
		})
	}
}
