// Package proc implements the process model: a fixed-size PCB table,
// a priority round-robin scheduler, the Bell-LaPadula access gate for
// cross-process operations, and per-process accounting. The kernel is
// single-CPU and non-preemptive except at scheduling points, so the
// kill note is a plain PCB field rather than a per-thread slot. Table
// capacity is gated by a golang.org/x/sync/semaphore.Weighted rather
// than a bare scan-and-fail, so AllocWait can block a caller until a
// slot frees instead of busy-retrying.
package proc

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"sentinalos/internal/defs"
)

// State is a PCB's position in the process lifecycle.
type State int

const (
	Ready State = iota
	Running
	Blocked
	Zombie
	Dead
)

func (s State) String() string {
	switch s {
	case Ready:
		return "READY"
	case Running:
		return "RUNNING"
	case Blocked:
		return "BLOCKED"
	case Zombie:
		return "ZOMBIE"
	case Dead:
		return "DEAD"
	default:
		return "?"
	}
}

// Accnt_t accumulates per-process CPU-time usage: nanosecond
// counters under a mutex so snapshots stay consistent.
type Accnt_t struct {
	Userns int64
	Sysns  int64
	sync.Mutex
}

func (a *Accnt_t) Systadd(delta int64) {
	a.Lock()
	a.Sysns += delta
	a.Unlock()
}

func (a *Accnt_t) Utadd(delta int64) {
	a.Lock()
	a.Userns += delta
	a.Unlock()
}

// Snapshot returns a consistent copy of the usage counters.
func (a *Accnt_t) Snapshot() (userns, sysns int64) {
	a.Lock()
	defer a.Unlock()
	return a.Userns, a.Sysns
}

// KillNote carries the doomed/killed signal a PCB's owner (or an
// authorized actor) can raise against it. The dispatch loop checks it
// before running a process and turns a set note into teardown.
type KillNote struct {
	mu     sync.Mutex
	killed bool
	err    defs.Err_t
}

func (k *KillNote) Kill(err defs.Err_t) {
	k.mu.Lock()
	k.killed = true
	k.err = err
	k.mu.Unlock()
}

func (k *KillNote) Killed() (bool, defs.Err_t) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.killed, k.err
}

// Pid_t names a process id. PID 0 is reserved for the idle process.
type Pid_t int

// PCB is a process control block.
type PCB struct {
	Pid           Pid_t
	Ppid          Pid_t
	State         State
	Classification defs.Level
	Priority      int
	Uid           int
	Name          string
	Accnt         Accnt_t
	Kill          KillNote
	CreatedAt     time.Time

	children []Pid_t
	waitCh   chan struct{}
	exitCode int

	// saved context, stand-ins for the callee-preserved registers,
	// instruction pointer, stack pointer, and flags a context switch
	// pushes and pops.
	savedSP, savedIP, savedFlags uint64
}

// Table is the fixed-size PCB table: allocation scans for a DEAD
// slot and reinitializes it. seats is a
// weighted semaphore bounding live (non-idle, non-dead) processes to
// len(slots)-1, so Alloc fails fast with EOUTOFMEM under contention
// instead of scanning a full table of busy slots.
type Table struct {
	mu      sync.Mutex
	slots   []PCB
	nextPid Pid_t
	seats   *semaphore.Weighted
}

// NewTable builds a PCB table with the given slot count and seeds
// slot 0 as the idle process.
func NewTable(slots int) *Table {
	t := &Table{
		slots:   make([]PCB, slots),
		nextPid: 1,
		seats:   semaphore.NewWeighted(int64(slots - 1)),
	}
	t.slots[0] = PCB{Pid: 0, State: Ready, Name: "idle", Priority: -1}
	return t
}

// Alloc scans for a DEAD slot (or an unused one on a freshly built
// table) and reinitializes it into a new process owned by ppid.
func (t *Table) Alloc(ppid Pid_t, name string, cls defs.Level, priority int) (*PCB, defs.Err_t) {
	if !t.seats.TryAcquire(1) {
		return nil, defs.EOUTOFMEM
	}
	return t.allocSeated(ppid, name, cls, priority)
}

// AllocWait behaves like Alloc but blocks until a table slot frees up
// instead of failing immediately, for callers (such as a shell
// spawning a pipeline) that would rather wait than retry.
func (t *Table) AllocWait(ctx context.Context, ppid Pid_t, name string, cls defs.Level, priority int) (*PCB, defs.Err_t) {
	if err := t.seats.Acquire(ctx, 1); err != nil {
		return nil, defs.EINVALID
	}
	return t.allocSeated(ppid, name, cls, priority)
}

// allocSeated performs the slot scan once a table seat has already
// been acquired from t.seats, releasing it back if no slot is found
// (which cannot happen unless slots and seats have drifted out of
// sync).
func (t *Table) allocSeated(ppid Pid_t, name string, cls defs.Level, priority int) (*PCB, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		if i == 0 {
			continue // idle slot is never reallocated
		}
		if t.slots[i].State == Dead || t.slots[i].Pid == 0 {
			pid := t.nextPid
			t.nextPid++
			t.slots[i] = PCB{
				Pid:            pid,
				Ppid:           ppid,
				State:          Ready,
				Classification: cls,
				Priority:       priority,
				Name:           name,
				CreatedAt:      time.Now(),
				waitCh:         make(chan struct{}),
			}
			if ppid != 0 {
				if parent := t.find(ppid); parent != nil {
					parent.children = append(parent.children, pid)
				}
			}
			return &t.slots[i], 0
		}
	}
	t.seats.Release(1)
	return nil, defs.EOUTOFMEM
}

func (t *Table) find(pid Pid_t) *PCB {
	for i := range t.slots {
		if t.slots[i].Pid == pid && t.slots[i].State != Dead {
			return &t.slots[i]
		}
	}
	return nil
}

// Find looks up a live PCB by pid.
func (t *Table) Find(pid Pid_t) (*PCB, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.find(pid)
	if p == nil {
		return nil, defs.ENOSUCHPROC
	}
	return p, 0
}

// Exit transitions a PCB RUNNING → ZOMBIE and wakes any waiter.
func (t *Table) Exit(pid Pid_t, code int) defs.Err_t {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.find(pid)
	if p == nil {
		return defs.ENOSUCHPROC
	}
	p.State = Zombie
	p.exitCode = code
	close(p.waitCh)
	return 0
}

// Reap transitions a ZOMBIE child to DEAD once its parent has
// collected its exit status, freeing the table slot for reuse.
func (t *Table) Reap(parent, child Pid_t) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.find(child)
	if p == nil || p.Ppid != parent {
		return 0, defs.ENOCHILD
	}
	if p.State != Zombie {
		return 0, defs.EINVALID
	}
	code := p.exitCode
	*p = PCB{State: Dead}
	t.seats.Release(1)
	return code, 0
}

// WaitChild blocks the calling goroutine until the named child of
// parent becomes a zombie, then reaps it and returns its exit
// status. A pid that is not a live child of the caller reports
// NoChild; a child already in the zombie state is reaped without
// blocking, since its wait channel is closed at exit.
func (t *Table) WaitChild(parent, child Pid_t) (int, defs.Err_t) {
	if child == 0 {
		// the idle PCB is nobody's child
		return 0, defs.ENOCHILD
	}
	t.mu.Lock()
	p := t.find(parent)
	if p == nil {
		t.mu.Unlock()
		return 0, defs.ENOSUCHPROC
	}
	cp := t.find(child)
	if cp == nil || cp.Ppid != parent {
		t.mu.Unlock()
		return 0, defs.ENOCHILD
	}
	done := cp.waitCh
	t.mu.Unlock()

	<-done
	return t.Reap(parent, child)
}

// CheckAccess implements the Bell-LaPadula gate: "no read up" for
// reads, "no write down" for writes.
func CheckAccess(actor, subject defs.Level, write bool) defs.Err_t {
	if write {
		if actor > subject {
			return defs.EPERMISSION
		}
		return 0
	}
	if actor < subject {
		return defs.EPERMISSION
	}
	return 0
}

// Scheduler implements priority round-robin over a PCB table: the
// ready queue is sorted by descending priority, FIFO within a
// priority, kept ordered on insert.
type Scheduler struct {
	mu       sync.Mutex
	table    *Table
	ready    []Pid_t
	current  Pid_t
	seq      map[Pid_t]int64 // insertion sequence, breaks priority ties FIFO
	seqNext  int64
	switches stats64
}

type stats64 struct{ n int64 }

func (s *stats64) inc() { s.n++ }

// NewScheduler wires a Scheduler to table.
func NewScheduler(table *Table) *Scheduler {
	return &Scheduler{table: table, seq: make(map[Pid_t]int64)}
}

// Enqueue places pid on the ready queue and marks it READY.
func (s *Scheduler) Enqueue(pid Pid_t) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, err := s.table.Find(pid); err == 0 {
		p.State = Ready
	}
	s.seq[pid] = s.seqNext
	s.seqNext++
	s.ready = append(s.ready, pid)
	s.sortReady()
}

func (s *Scheduler) sortReady() {
	sort.SliceStable(s.ready, func(i, j int) bool {
		pi, _ := s.table.Find(s.ready[i])
		pj, _ := s.table.Find(s.ready[j])
		if pi == nil || pj == nil {
			return false
		}
		if pi.Priority != pj.Priority {
			return pi.Priority > pj.Priority
		}
		return s.seq[s.ready[i]] < s.seq[s.ready[j]]
	})
}

// Schedule picks the next PCB to run, enforcing the Bell-LaPadula
// gate's note that CPU dispatch itself is never denied by the
// lattice (only explicit cross-process access is): it runs the idle
// PCB (pid 0) when the ready queue is empty.
func (s *Scheduler) Schedule() Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ready) > 0 {
		next := s.ready[0]
		s.ready = s.ready[1:]
		// entries that exited, blocked or were reaped after being
		// queued are dropped rather than dispatched
		p, err := s.table.Find(next)
		if err != 0 || p.State != Ready {
			continue
		}
		p.State = Running
		if s.current != next {
			s.switches.inc()
		}
		s.current = next
		return next
	}
	s.current = 0
	return 0
}

// Yield returns the currently running process to the ready queue in
// READY state (time-slice expiry or explicit yield).
func (s *Scheduler) Yield(pid Pid_t) {
	s.Enqueue(pid)
}

// ContextSwitches reports the monotonic context-switch counter
// exposed through the statistics interface.
func (s *Scheduler) ContextSwitches() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.switches.n
}

// Block transitions pid RUNNING → BLOCKED (awaiting resource).
func (s *Scheduler) Block(pid Pid_t) defs.Err_t {
	p, err := s.table.Find(pid)
	if err != 0 {
		return err
	}
	p.State = Blocked
	return 0
}

// Unblock transitions pid BLOCKED → READY and re-enqueues it.
func (s *Scheduler) Unblock(pid Pid_t) defs.Err_t {
	p, err := s.table.Find(pid)
	if err != 0 {
		return err
	}
	if p.State != Blocked {
		return defs.EINVALID
	}
	s.Enqueue(pid)
	return 0
}

// Current returns the pid currently dispatched.
func (s *Scheduler) Current() Pid_t {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Kill marks target doomed. Terminating across the process boundary
// is a "write" on the target, so the no-write-down rule applies.
func (s *Scheduler) Kill(actor, target *PCB, err defs.Err_t) defs.Err_t {
	if rc := CheckAccess(actor.Classification, target.Classification, true); rc != 0 {
		return rc
	}
	target.Kill.Kill(err)
	return 0
}

// Stats reports the scheduler's table occupancy and switch count for
// the statistics surface.
type Stats struct {
	Total           int
	Ready           int
	Running         int
	Blocked         int
	Zombie          int
	Dead            int
	ContextSwitches int64
}

func (s *Scheduler) StatsSnapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{ContextSwitches: s.switches.n}
	s.table.mu.Lock()
	defer s.table.mu.Unlock()
	for i := range s.table.slots {
		p := &s.table.slots[i]
		st.Total++
		switch p.State {
		case Ready:
			st.Ready++
		case Running:
			st.Running++
		case Blocked:
			st.Blocked++
		case Zombie:
			st.Zombie++
		case Dead:
			st.Dead++
		}
	}
	return st
}

// Info is a read-only snapshot of a PCB, safe to copy and hold after
// the table lock is released.
type Info struct {
	Pid            Pid_t
	Ppid           Pid_t
	State          State
	Classification defs.Level
	Priority       int
	Name           string
	CreatedAt      time.Time
}

// DebugList returns a snapshot of every live PCB for diagnostic
// tooling.
func (t *Table) DebugList() []Info {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Info, 0, len(t.slots))
	for i := range t.slots {
		p := &t.slots[i]
		// slot 0 is idle; any other slot with pid 0 was never allocated
		if p.State != Dead && (i == 0 || p.Pid != 0) {
			out = append(out, Info{
				Pid: p.Pid, Ppid: p.Ppid, State: p.State,
				Classification: p.Classification, Priority: p.Priority,
				Name: p.Name, CreatedAt: p.CreatedAt,
			})
		}
	}
	return out
}
