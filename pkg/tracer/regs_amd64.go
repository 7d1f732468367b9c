// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

//go:build linux && amd64

package tracer

import (
	"golang.org/x/sys/unix"

	"github.com/Jaso1024/poe/pkg/syscalldecode"
)

// toRegs converts the x86_64 ptrace register set into the
// architecture-neutral view the decoder consumes, per the x86_64 syscall
// calling convention (arg1=rdi, arg2=rsi, arg3=rdx, arg4=r10, arg5=r8,
// arg6=r9; syscall number in orig_rax; return value in rax).
func toRegs(r *unix.PtraceRegs) syscalldecode.Regs {
	return syscalldecode.Regs{
		Nr:   int64(r.Orig_rax),
		Args: [6]uint64{r.Rdi, r.Rsi, r.Rdx, r.R10, r.R8, r.R9},
		Ret:  r.Rax,
	}
}
