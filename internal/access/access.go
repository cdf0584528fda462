// Package access implements the Bell-LaPadula verification entry
// point and the audit subsystem: an append-only, fixed-size ring that
// overwrites its oldest entry on overflow and optionally mirrors
// records to a sink file. Overwrite-oldest, not block-until-space:
// audit records must never be allowed to stall a caller. Sink
// mirroring deduplicates repeated identical events with
// util.DistinctCaller so a noisy denial path cannot flood the file.
package access

import (
	"io"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"sentinalos/internal/defs"
	"sentinalos/internal/util"
)

// Subject is anything `verify_access` can be asked about: a process
// or a filesystem object, identified by owning pid and classification.
type Subject struct {
	OwnerPid       int
	Classification defs.Level
}

// Actor is the caller requesting access.
type Actor struct {
	Pid            int
	Classification defs.Level
}

// Operation names the lattice rule to apply when actor and subject
// are not the same process.
type Operation int

const (
	OpRead Operation = iota
	OpWrite
)

// VerifyAccess decides a cross-process request: same-owner access is
// always allowed; otherwise the Bell-LaPadula rule for the operation
// is applied between actor and subject classifications.
func VerifyAccess(actor Actor, subject Subject, op Operation) bool {
	if actor.Pid == subject.OwnerPid {
		return true
	}
	switch op {
	case OpWrite:
		return actor.Classification <= subject.Classification
	default:
		return actor.Classification >= subject.Classification
	}
}

// Record is one audit entry.
type Record struct {
	TimestampTicks  int64
	SessionID       uuid.UUID
	ActorPid        int
	ActorClearance  defs.Level
	EventTag        string
	SubjectPathOrPid string
	Result          bool
}

// Ring is the fixed-size, producer-consumer audit ring: one lock
// over the head pointer, overwrite the oldest entry on overflow, and
// a drop counter surfaced through statistics.
type Ring struct {
	mu      sync.Mutex
	buf     []Record
	head    int // next write position
	count   int // number of valid entries
	dropped int64
}

// NewRing allocates a ring with the given capacity.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		panic("access: ring capacity must be positive")
	}
	return &Ring{buf: make([]Record, capacity)}
}

// Push appends r, overwriting the oldest entry and incrementing the
// drop counter if the ring is full.
func (r *Ring) Push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == len(r.buf) {
		r.dropped++
	} else {
		r.count++
	}
	r.buf[r.head] = rec
	r.head = (r.head + 1) % len(r.buf)
}

// Snapshot returns the ring's current entries in insertion order,
// oldest first.
func (r *Ring) Snapshot() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Record, 0, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}

// Dropped reports how many records were discarded due to overflow.
func (r *Ring) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Auditor wraps a Ring with an optional mirror sink; every
// security-relevant decision in the kernel funnels through Log.
type Auditor struct {
	ring    *Ring
	sink    io.Writer
	sinkMu  sync.Mutex
	session uuid.UUID
	seen    util.DistinctCaller
}

// NewAuditor builds an Auditor over ring. sink may be nil, meaning no
// file mirror is configured.
func NewAuditor(ring *Ring, sink io.Writer) *Auditor {
	return &Auditor{ring: ring, sink: sink, session: uuid.New()}
}

// Log appends an audit record for the given tag/pid/subject/result,
// mirroring it to the configured sink if any. tsTicks is the caller's
// monotonic tick source (the scheduler's context-switch counter
// makes a convenient one; tests may pass any increasing value). The
// ring always receives every record; the sink mirror is deduplicated
// per (tag, subject, result) so a repeatedly denied caller doesn't
// flood the sink with identical lines.
func (a *Auditor) Log(tsTicks int64, actor Actor, tag, subject string, result bool) {
	rec := Record{
		TimestampTicks:   tsTicks,
		SessionID:        a.session,
		ActorPid:         actor.Pid,
		ActorClearance:   actor.Classification,
		EventTag:         tag,
		SubjectPathOrPid: subject,
		Result:           result,
	}
	a.ring.Push(rec)
	if a.sink == nil {
		return
	}
	if !a.seen.Distinct(dedupKey(tag, subject, result)) {
		return
	}
	a.sinkMu.Lock()
	defer a.sinkMu.Unlock()
	line := formatRecord(rec)
	_, _ = io.WriteString(a.sink, line)
}

func dedupKey(tag, subject string, result bool) string {
	status := "0"
	if result {
		status = "1"
	}
	return tag + "|" + subject + "|" + status
}

// formatRecord renders the line-oriented sink format:
//
//	[<tick>] session=<id> pid=<pid> clearance=<0..4> event=<TAG> subject=<str>
func formatRecord(r Record) string {
	return "[" + strconv.FormatInt(r.TimestampTicks, 10) + "]" +
		" session=" + r.SessionID.String() +
		" pid=" + strconv.Itoa(r.ActorPid) +
		" clearance=" + strconv.Itoa(int(r.ActorClearance)) +
		" event=" + r.EventTag +
		" subject=" + r.SubjectPathOrPid + "\n"
}
