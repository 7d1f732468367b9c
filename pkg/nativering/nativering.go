// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package nativering reads the memory-mapped ring file the native
// instrumentation runtime (an external shared object loaded into target
// binaries) writes function enter/exit records into. The core treats the
// file purely as input: a fixed header followed by capacity fixed-width
// entries, indexed modularly by the runtime's monotonically increasing
// write position.
package nativering

import (
	"encoding/binary"
	"fmt"
	"os"
)

// Magic identifies a native instrumentation ring file ("POER" little-endian).
const Magic = 0x504F4552

// Version is the only header version this reader understands.
const Version = 1

const (
	headerSize = 64
	entrySize  = 32
)

// EventType distinguishes function entry from exit records.
type EventType uint8

// The event types the runtime emits.
const (
	EventEnter EventType = 0
	EventExit  EventType = 1
)

// Header is the decoded ring file header.
type Header struct {
	Capacity uint32
	WritePos uint64
	StartNS  uint64
}

// Entry is one decoded ring record.
type Entry struct {
	TSNS     uint64
	FuncAddr uint64
	CallSite uint64
	TID      uint32
	Type     EventType
	Depth    uint8
}

// Read decodes the ring file at path and returns its live entries in
// write order (oldest first). The live window is
// [max(0, write_pos-capacity), write_pos), each index taken modulo
// capacity; anything older has been overwritten by the runtime.
func Read(path string) (Header, []Entry, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Header{}, nil, err
	}
	if len(raw) < headerSize {
		return Header{}, nil, fmt.Errorf("nativering: %s: short header (%d bytes)", path, len(raw))
	}

	if magic := binary.LittleEndian.Uint32(raw[0:4]); magic != Magic {
		return Header{}, nil, fmt.Errorf("nativering: %s: bad magic %#x", path, magic)
	}
	if v := binary.LittleEndian.Uint32(raw[4:8]); v != Version {
		return Header{}, nil, fmt.Errorf("nativering: %s: unsupported version %d", path, v)
	}

	hdr := Header{
		Capacity: binary.LittleEndian.Uint32(raw[8:12]),
		WritePos: binary.LittleEndian.Uint64(raw[16:24]),
		StartNS:  binary.LittleEndian.Uint64(raw[24:32]),
	}
	if hdr.Capacity == 0 || hdr.WritePos == 0 {
		return hdr, nil, nil
	}

	first := uint64(0)
	if hdr.WritePos > uint64(hdr.Capacity) {
		first = hdr.WritePos - uint64(hdr.Capacity)
	}

	entries := make([]Entry, 0, hdr.WritePos-first)
	for i := first; i < hdr.WritePos; i++ {
		off := headerSize + int(i%uint64(hdr.Capacity))*entrySize
		if off+entrySize > len(raw) {
			// The runtime died mid-write or the file was truncated; keep
			// what decoded cleanly.
			break
		}
		b := raw[off : off+entrySize]
		entries = append(entries, Entry{
			TSNS:     binary.LittleEndian.Uint64(b[0:8]),
			FuncAddr: binary.LittleEndian.Uint64(b[8:16]),
			CallSite: binary.LittleEndian.Uint64(b[16:24]),
			TID:      binary.LittleEndian.Uint32(b[24:28]),
			Type:     EventType(b[28]),
			Depth:    b[29],
		})
	}
	return hdr, entries, nil
}
