// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux

// Package syscalldecode classifies stopped-task syscalls into typed
// File/Net events (and, in full mode, generic events). It pairs syscall-entry and syscall-exit stops
// using the return-register sentinel (-ENOSYS at entry), reads path and
// structured arguments from the target's address space, and resolves
// relative paths through dirfd for the *at family.
package syscalldecode

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/Jaso1024/poe/pkg/model"
)

// sysENOSYS is the errno the kernel sets the return register to at
// syscall entry (x86_64 ptrace convention). A syscall that genuinely
// returns -ENOSYS is misread as an entry; accepted as extremely rare in
// exchange for surviving exec resets cleanly.
const sysENOSYS = 38

// entrySentinel is -ENOSYS reinterpreted as the unsigned return register
// value the kernel presents at syscall-entry-stop.
var entrySentinel = ^uint64(sysENOSYS - 1)

// Regs is the architecture-neutral view of a stopped task's registers
// that the decoder needs: the syscall number, up to six arguments, and
// the return value slot (meaningful only once IsEntry is false).
type Regs struct {
	Nr   int64
	Args [6]uint64
	Ret  uint64
}

// IsEntry reports whether Ret still holds the syscall-entry sentinel.
func (r Regs) IsEntry() bool { return r.Ret == entrySentinel }

// MemReader reads length bytes at addr from a traced task's address
// space. Implementations (tracer.ProcMem) read via /proc/<pid>/mem.
type MemReader interface {
	ReadAt(addr uint64, length int) ([]byte, error)
}

// CwdResolver resolves the task's current working directory and, for
// *at syscalls using a dirfd other than AT_FDCWD, the directory path
// behind a given file descriptor.
type CwdResolver interface {
	Cwd(taskID int32) (string, error)
	FDPath(taskID int32, fd int32) (string, error)
}

const maxPathDefault = 4096

// atFDCWD is the dirfd sentinel meaning "resolve against cwd".
const atFDCWD = -100

// pending is the decoder's per-task phase state: the entry-phase
// registers captured while waiting for the matching exit.
type pending struct {
	nr   int64
	args [6]uint64
}

// Decoder holds per-task entry/exit pairing state. It is owned
// exclusively by the tracer goroutine; no other goroutine may touch it.
type Decoder struct {
	maxPathLen int
	fullMode   bool
	pendingByTask map[int32]pending

	// OnTruncated/OnUnreadable count best-effort decode failures;
	// both may be nil.
	OnTruncated  func()
	OnUnreadable func()
}

// NewDecoder builds a Decoder. maxPathLen bounds path reads; fullMode, if
// true, causes unknown syscall numbers to be recorded as generic events
// instead of silently ignored.
func NewDecoder(maxPathLen int, fullMode bool) *Decoder {
	if maxPathLen <= 0 {
		maxPathLen = maxPathDefault
	}
	return &Decoder{
		maxPathLen:    maxPathLen,
		fullMode:      fullMode,
		pendingByTask: make(map[int32]pending),
	}
}

// Outcome is whatever the decoder produced from pairing one syscall's
// entry and exit stops.
type Outcome struct {
	File    *model.FileEvent
	Net     *model.NetEvent
	Generic *model.Event // only populated in full mode for unclassified syscalls
}

// Observe processes one syscall-stop for task at tsNS. On an entry stop it
// records phase state and returns ok=false (nothing to emit yet). On an
// exit stop it pairs with the previously recorded entry, classifies, and
// returns the decoded Outcome.
//
// Because exec resets a task's phase state in the kernel, an entry that
// looks like a rogue exit (no pending state) is treated as a fresh entry
// rather than an error — this is what lets the decoder survive exec
// cleanly.
func (d *Decoder) Observe(taskID int32, regs Regs, mem MemReader, cwd CwdResolver, tsNS int64) (Outcome, bool) {
	if regs.IsEntry() {
		d.pendingByTask[taskID] = pending{nr: regs.Nr, args: regs.Args}
		return Outcome{}, false
	}

	p, ok := d.pendingByTask[taskID]
	if !ok {
		// No matching entry (e.g. the very first stop we observed was
		// already mid-syscall, or a genuine -ENOSYS return was
		// misread as an entry on the prior stop). Re-synchronize by
		// treating this stop as the new entry.
		d.pendingByTask[taskID] = pending{nr: regs.Nr, args: regs.Args}
		return Outcome{}, false
	}
	delete(d.pendingByTask, taskID)

	ret := int64(regs.Ret)
	return d.classify(taskID, p.nr, p.args, ret, mem, cwd, tsNS), true
}

// Reset clears phase state for a task, called by the tracer on exec
// stops so a half-paired entry from before exec never leaks into the new
// image's syscalls.
func (d *Decoder) Reset(taskID int32) {
	delete(d.pendingByTask, taskID)
}

func (d *Decoder) classify(taskID int32, nr int64, args [6]uint64, ret int64, mem MemReader, cwd CwdResolver, tsNS int64) Outcome {
	switch nr {
	case sysOpen, sysOpenat, sysOpenat2:
		ev := d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpOpen, fdFromRet(ret))
		switch nr {
		case sysOpen:
			ev.Flags = int64(args[1])
		case sysOpenat:
			ev.Flags = int64(args[2])
		}
		return Outcome{File: ev}
	case sysClose:
		return Outcome{File: &model.FileEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.FileOpClose, FD: int32(args[0]), Result: ret}}
	case sysRead:
		return Outcome{File: &model.FileEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.FileOpRead, FD: int32(args[0]), Bytes: retBytes(ret), Result: ret}}
	case sysWrite:
		return Outcome{File: &model.FileEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.FileOpWrite, FD: int32(args[0]), Bytes: retBytes(ret), Result: ret}}
	case sysStat, sysLstat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpStat, -1)}
	case sysFstat:
		return Outcome{File: &model.FileEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.FileOpStat, FD: int32(args[0]), Result: ret}}
	case sysUnlink, sysUnlinkat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpUnlink, -1)}
	case sysRename, sysRenameat, sysRenameat2:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpRename, -1)}
	case sysChmod, sysFchmodat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpChmod, -1)}
	case sysChown, sysLchown, sysFchownat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpChown, -1)}
	case sysLink, sysLinkat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpLink, -1)}
	case sysSymlink, sysSymlinkat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpSymlink, -1)}
	case sysReadlink, sysReadlinkat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpReadlink, -1)}
	case sysTruncate:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpTruncate, -1)}
	case sysFtruncate:
		return Outcome{File: &model.FileEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.FileOpTruncate, FD: int32(args[0]), Result: ret}}
	case sysAccess, sysFaccessat, sysFaccessat2:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpAccess, -1)}
	case sysMkdir, sysMkdirat:
		return Outcome{File: d.fileEventWithPath(taskID, nr, args, ret, mem, cwd, tsNS, model.FileOpMkdir, -1)}

	case sysSocket:
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.NetOpSocket, Proto: protoName(int(args[0]), int(args[1])), FD: int32(ret), Result: ret}}
	case sysConnect:
		return Outcome{Net: d.netEventWithAddr(taskID, args, ret, mem, tsNS, model.NetOpConnect, true)}
	case sysBind:
		return Outcome{Net: d.netEventWithAddr(taskID, args, ret, mem, tsNS, model.NetOpBind, false)}
	case sysListen:
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.NetOpListen, FD: int32(args[0]), Result: ret}}
	case sysAccept, sysAccept4:
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.NetOpAccept, FD: int32(args[0]), Result: ret}}
	case sysSendto, sysSendmsg:
		op := model.NetOpSend
		if nr == sysSendmsg {
			op = model.NetOpSendmsg
		}
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: op, FD: int32(args[0]), Bytes: retBytes(ret), Result: ret}}
	case sysRecvfrom, sysRecvmsg:
		op := model.NetOpRecv
		if nr == sysRecvmsg {
			op = model.NetOpRecvmsg
		}
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: op, FD: int32(args[0]), Bytes: retBytes(ret), Result: ret}}
	case sysShutdown:
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.NetOpShutdown, FD: int32(args[0]), Result: ret}}
	case sysGetsockname:
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.NetOpGetsockname, FD: int32(args[0]), Result: ret}}
	case sysGetpeername:
		return Outcome{Net: &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: model.NetOpGetpeername, FD: int32(args[0]), Result: ret}}

	case sysFork, sysVfork, sysClone, sysClone3, sysExecve, sysExitGroup, sysExit:
		// Process lifecycle is driven by ptrace events (PTRACE_EVENT_*),
		// not by pairing these syscalls; the tracer handles them from
		// those events, so classify emits nothing for them.
		return Outcome{}
	}

	if d.fullMode {
		return Outcome{Generic: &model.Event{TimestampNS: tsNS, TaskID: taskID, Kind: model.EventKindGeneric}}
	}
	return Outcome{}
}

func fdFromRet(ret int64) int32 {
	if ret < 0 {
		return -1
	}
	return int32(ret)
}

func retBytes(ret int64) int64 {
	if ret < 0 {
		return 0
	}
	return ret
}

func protoName(family, sockType int) string {
	switch family {
	case syscall.AF_INET, syscall.AF_INET6:
		switch sockType &^ syscall.SOCK_NONBLOCK &^ syscall.SOCK_CLOEXEC {
		case syscall.SOCK_STREAM:
			return "tcp"
		case syscall.SOCK_DGRAM:
			return "udp"
		}
		return "ip"
	case syscall.AF_UNIX:
		return "unix"
	default:
		return fmt.Sprintf("family:%d", family)
	}
}

// fileEventWithPath resolves the first path argument of nr and builds the
// corresponding FileEvent, marking truncation/unreadability rather than
// failing the whole event.
func (d *Decoder) fileEventWithPath(taskID int32, nr int64, args [6]uint64, ret int64, mem MemReader, cwd CwdResolver, tsNS int64, op model.FileOp, fd int32) *model.FileEvent {
	spec := pathArgTable[nr]
	ev := &model.FileEvent{TimestampNS: tsNS, TaskID: taskID, Op: op, Result: ret, FD: fd}

	if len(spec.pathArgs) == 0 {
		return ev
	}

	idx := spec.pathArgs[0]
	raw, truncated, err := readCString(mem, args[idx], d.maxPathLen)
	if err != nil {
		ev.PathUnreadable = true
		if d.OnUnreadable != nil {
			d.OnUnreadable()
		}
		return ev
	}
	if truncated {
		ev.PathTruncated = true
		if d.OnTruncated != nil {
			d.OnTruncated()
		}
	}

	ev.Path = d.resolvePath(taskID, raw, spec, args, cwd)
	return ev
}

// resolvePath turns a possibly-relative path argument into an absolute
// one, following *at semantics: AT_FDCWD resolves against the task's
// cwd, any other dirfd resolves via /proc/<pid>/fd/<n>.
func (d *Decoder) resolvePath(taskID int32, raw string, spec pathArgs, args [6]uint64, cwd CwdResolver) string {
	if strings.HasPrefix(raw, "/") || cwd == nil {
		return raw
	}

	if !spec.hasDirfd {
		base, err := cwd.Cwd(taskID)
		if err != nil {
			return raw
		}
		return joinPath(base, raw)
	}

	dirfd := int32(args[spec.dirfdArg])
	if int32(dirfd) == atFDCWD {
		base, err := cwd.Cwd(taskID)
		if err != nil {
			return raw
		}
		return joinPath(base, raw)
	}

	link, err := cwd.FDPath(taskID, dirfd)
	if err != nil {
		return raw
	}
	target, err := os.Readlink(link)
	if err != nil {
		return raw
	}
	return joinPath(target, raw)
}

func joinPath(base, rel string) string {
	if base == "" {
		return rel
	}
	if strings.HasSuffix(base, "/") {
		return base + rel
	}
	return base + "/" + rel
}

// readCString reads a NUL-terminated string at addr, bounded by maxLen.
// It returns truncated=true if the NUL wasn't found within maxLen bytes.
func readCString(mem MemReader, addr uint64, maxLen int) (string, bool, error) {
	if mem == nil {
		return "", false, io.EOF
	}
	const chunk = 256
	var out []byte
	for len(out) < maxLen {
		want := chunk
		if remaining := maxLen - len(out); remaining < want {
			want = remaining
		}
		b, err := mem.ReadAt(addr+uint64(len(out)), want)
		if err != nil {
			if len(out) == 0 {
				return "", false, err
			}
			break
		}
		if i := indexZero(b); i >= 0 {
			out = append(out, b[:i]...)
			return string(out), false, nil
		}
		out = append(out, b...)
	}
	return string(out), true, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

// sockAddrFamily reads the sa_family field (the first two bytes,
// little-endian) of a sockaddr at addr.
func sockAddrFamily(mem MemReader, addr uint64) (uint16, error) {
	b, err := mem.ReadAt(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

// netEventWithAddr decodes a sockaddr argument (connect/bind) into a
// textual destination/source address.
func (d *Decoder) netEventWithAddr(taskID int32, args [6]uint64, ret int64, mem MemReader, tsNS int64, op model.NetOp, isDst bool) *model.NetEvent {
	ev := &model.NetEvent{TimestampNS: tsNS, TaskID: taskID, Op: op, FD: int32(args[0]), Result: ret}

	addrPtr := args[1]
	addrLen := args[2]
	if mem == nil || addrLen == 0 {
		return ev
	}

	family, err := sockAddrFamily(mem, addrPtr)
	if err != nil {
		return ev
	}

	text, proto := decodeSockAddr(mem, addrPtr, family, addrLen)
	ev.Proto = proto
	if isDst {
		ev.DstAddr = text
	} else {
		ev.SrcAddr = text
	}
	return ev
}

func decodeSockAddr(mem MemReader, addr uint64, family uint16, length uint64) (string, string) {
	switch family {
	case syscall.AF_INET:
		b, err := mem.ReadAt(addr, 16)
		if err != nil || len(b) < 8 {
			return "", "tcp"
		}
		port := binary.BigEndian.Uint16(b[2:4])
		ip := net.IPv4(b[4], b[5], b[6], b[7])
		return fmt.Sprintf("%s:%d", ip.String(), port), "tcp"
	case syscall.AF_INET6:
		b, err := mem.ReadAt(addr, 28)
		if err != nil || len(b) < 24 {
			return "", "tcp"
		}
		port := binary.BigEndian.Uint16(b[2:4])
		ip := net.IP(b[8:24])
		return fmt.Sprintf("[%s]:%d", ip.String(), port), "tcp"
	case syscall.AF_UNIX:
		n := int(length) - 2
		if n <= 0 || n > 108 {
			n = 108
		}
		b, err := mem.ReadAt(addr+2, n)
		if err != nil {
			return "", "unix"
		}
		if i := indexZero(b); i >= 0 {
			b = b[:i]
		}
		return string(b), "unix"
	default:
		return "", fmt.Sprintf("family:%d", family)
	}
}
