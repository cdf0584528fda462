// Package syscall implements the numbered system-call dispatch
// table: up to SysMax entries, each an arity-5 handler, gated by a
// per-number classification allow-list and audited for every caller
// at or above SECRET. The numbering is part of the kernel ABI;
// user-space stubs bind against these values directly.
package syscall

import (
	"time"

	"sentinalos/internal/access"
	"sentinalos/internal/defs"
	"sentinalos/internal/proc"
	"sentinalos/internal/stats"
)

// Num identifies a system call.
type Num int

const (
	SYS_READ    Num = 0
	SYS_WRITE   Num = 1
	SYS_OPEN    Num = 2
	SYS_CLOSE   Num = 3
	SYS_MMAP    Num = 9
	SYS_BRK     Num = 12
	SYS_GETPID  Num = 39
	SYS_FORK    Num = 57
	SYS_EXECVE  Num = 59
	SYS_EXIT    Num = 60
	SYS_WAITPID Num = 61
	SYS_KILL    Num = 62
)

// SysMax bounds the dispatch table.
const SysMax = 128

// Args are the five integer arguments every handler receives;
// unused ones are ignored.
type Args [5]uintptr

// Handler is a syscall implementation.
type Handler func(caller *proc.PCB, args Args) (uintptr, defs.Err_t)

// Table is the numbered dispatch table plus its per-call security
// allow-list.
type Table struct {
	handlers [SysMax]Handler
	minClass [SysMax]defs.Level // minimum classification allowed to invoke, default Unclassified
	auditor  *access.Auditor
	ticks    func() int64
}

// NewTable builds an empty dispatch table. ticks supplies the
// monotonic tick source audit records stamp themselves with (the
// scheduler's context-switch counter is a natural choice).
func NewTable(auditor *access.Auditor, ticks func() int64) *Table {
	return &Table{auditor: auditor, ticks: ticks}
}

// Register installs handler at num, requiring callers to hold at
// least minClass to invoke it.
func (t *Table) Register(num Num, minClass defs.Level, h Handler) {
	t.handlers[num] = h
	t.minClass[num] = minClass
}

// Dispatch validates the call number, the caller's clearance against
// the per-number allow-list, emits an audit record for
// classification ≥ SECRET callers, and invokes the handler.
func (t *Table) Dispatch(num Num, caller *proc.PCB, args Args) (uintptr, defs.Err_t) {
	start := time.Now()
	defer stats.Global.SyscallTime.Since(start)
	stats.Global.Syscalls.Inc()

	if num < 0 || int(num) >= SysMax || t.handlers[num] == nil {
		return 0, defs.EUNKNOWNSYSCALL
	}
	if caller.Classification < t.minClass[num] {
		stats.Global.AccessDenials.Inc()
		t.audit(num, caller, false)
		return 0, defs.EPERMISSION
	}
	if caller.Classification >= defs.Secret {
		t.audit(num, caller, true)
	}
	return t.handlers[num](caller, args)
}

func (t *Table) audit(num Num, caller *proc.PCB, allowed bool) {
	stats.Global.AuditEvents.Inc()
	if t.auditor == nil {
		return
	}
	var tick int64
	if t.ticks != nil {
		tick = t.ticks()
	}
	actor := access.Actor{Pid: int(caller.Pid), Classification: caller.Classification}
	t.auditor.Log(tick, actor, "syscall", numTag(num), allowed)
}

func numTag(num Num) string {
	switch num {
	case SYS_READ:
		return "READ"
	case SYS_WRITE:
		return "WRITE"
	case SYS_OPEN:
		return "OPEN"
	case SYS_CLOSE:
		return "CLOSE"
	case SYS_MMAP:
		return "MMAP"
	case SYS_BRK:
		return "BRK"
	case SYS_GETPID:
		return "GETPID"
	case SYS_FORK:
		return "FORK"
	case SYS_EXECVE:
		return "EXECVE"
	case SYS_EXIT:
		return "EXIT"
	case SYS_WAITPID:
		return "WAITPID"
	case SYS_KILL:
		return "KILL"
	default:
		return "UNKNOWN"
	}
}
