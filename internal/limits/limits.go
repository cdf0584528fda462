// Package limits tracks system-wide resource budgets: the PCB table,
// the inode cache, the filesystem driver registry, per-process open
// handles, and the audit ring.
package limits

import "sync/atomic"

// Atomic_t is a numeric budget that can be taken from and given back
// atomically.
type Atomic_t struct {
	n int64
}

// Taken tries to decrement the budget by n, returning false (and
// leaving the budget unchanged) if that would make it negative.
func (a *Atomic_t) Taken(n uint) bool {
	d := int64(n)
	g := atomic.AddInt64(&a.n, -d)
	if g >= 0 {
		return true
	}
	atomic.AddInt64(&a.n, d)
	return false
}

// Given increases the budget by n.
func (a *Atomic_t) Given(n uint) {
	atomic.AddInt64(&a.n, int64(n))
}

// Take decrements the budget by one.
func (a *Atomic_t) Take() bool { return a.Taken(1) }

// Give increments the budget by one.
func (a *Atomic_t) Give() { a.Given(1) }

// Remaining reports the current budget.
func (a *Atomic_t) Remaining() int64 {
	return atomic.LoadInt64(&a.n)
}

// Set initializes the budget to n. Only safe before concurrent use
// begins (boot time).
func (a *Atomic_t) Set(n int64) {
	atomic.StoreInt64(&a.n, n)
}

// System collects the system-wide resource limits the kernel sizes
// its fixed tables from.
type System struct {
	PcbSlots      int
	InodeCacheCap int
	MaxFilesystems int
	OpenHandles   int
	AuditRingCap  int
}

// Default returns the stock limits: a 256-slot PCB table, a
// 1024-entry inode cache, 32 filesystem drivers, 128 open handles per
// process, and a 4096-record audit ring.
func Default() System {
	return System{
		PcbSlots:       256,
		InodeCacheCap:  1024,
		MaxFilesystems: 32,
		OpenHandles:    128,
		AuditRingCap:   4096,
	}
}
