// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package syscalldecode

// x86_64 syscall numbers, from arch/x86/entry/syscalls/syscall_64.tbl.
// Only the subset classify (decoder.go) handles is
// named; everything else falls through to "ignore" or, in full mode, a
// generic event.
const (
	sysRead          = 0
	sysWrite         = 1
	sysClose         = 3
	sysStat          = 4
	sysFstat         = 5
	sysLstat         = 6
	sysAccess        = 21
	sysRename        = 82
	sysMkdir         = 83
	sysUnlink        = 87
	sysSymlink       = 88
	sysReadlink      = 89
	sysChmod         = 90
	sysFchmod        = 91
	sysChown         = 92
	sysFchown        = 93
	sysLchown        = 94
	sysTruncate      = 76
	sysFtruncate     = 77
	sysFork          = 57
	sysVfork         = 58
	sysClone         = 56
	sysExecve        = 59
	sysExitGroup     = 231
	sysExit          = 60
	sysSocket        = 41
	sysConnect       = 42
	sysAccept        = 43
	sysSendto        = 44
	sysRecvfrom      = 45
	sysSendmsg       = 46
	sysRecvmsg       = 47
	sysShutdown      = 48
	sysBind          = 49
	sysListen        = 50
	sysGetsockname   = 51
	sysGetpeername   = 52
	sysOpen          = 2
	sysOpenat        = 257
	sysMkdirat       = 258
	sysUnlinkat      = 263
	sysRenameat      = 264
	sysLinkat        = 265
	sysSymlinkat     = 266
	sysReadlinkat    = 267
	sysFchmodat      = 268
	sysFaccessat     = 269
	sysLink          = 86
	sysAccept4       = 288
	sysRenameat2     = 316
	sysClone3        = 435
	sysFaccessat2    = 439
	sysOpenat2       = 437
	sysFchownat      = 260
)

// pathArgs identifies which argument slots of a syscall, if any, carry
// path strings, and whether the syscall resolves against a dirfd (the
// *at family) and in which argument slot.
type pathArgs struct {
	hasDirfd  bool
	dirfdArg  int
	pathArgs  []int // indexes into Args that are path strings
}

var pathArgTable = map[int64]pathArgs{
	sysOpen:       {pathArgs: []int{0}},
	sysStat:       {pathArgs: []int{0}},
	sysLstat:      {pathArgs: []int{0}},
	sysAccess:     {pathArgs: []int{0}},
	sysRename:     {pathArgs: []int{0, 1}},
	sysMkdir:      {pathArgs: []int{0}},
	sysUnlink:     {pathArgs: []int{0}},
	sysSymlink:    {pathArgs: []int{1}},
	sysReadlink:   {pathArgs: []int{0}},
	sysChmod:      {pathArgs: []int{0}},
	sysChown:      {pathArgs: []int{0}},
	sysLchown:     {pathArgs: []int{0}},
	sysTruncate:   {pathArgs: []int{0}},
	sysLink:       {pathArgs: []int{0, 1}},
	sysExecve:     {pathArgs: []int{0}},
	sysOpenat:     {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysOpenat2:    {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysMkdirat:    {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysUnlinkat:   {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysRenameat:   {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1, 3}},
	sysRenameat2:  {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1, 3}},
	sysLinkat:     {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1, 3}},
	sysSymlinkat:  {hasDirfd: true, dirfdArg: 1, pathArgs: []int{2}},
	sysReadlinkat: {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysFchmodat:   {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysFaccessat:  {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysFaccessat2: {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
	sysFchownat:   {hasDirfd: true, dirfdArg: 0, pathArgs: []int{1}},
}
