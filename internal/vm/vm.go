// Package vm implements the one-shot virtual-memory protection init:
// enabling hardware page-protection bits in a fixed order, each
// logged. This is a hosted simulation rather than a bare-metal paging
// subsystem, so the PTE flags back a bit-tracking Entry type instead
// of a live page table.
package vm

import (
	"fmt"

	"go.uber.org/zap"

	"sentinalos/internal/defs"
)

// Pa_t is the physical-address type the PTE-flag constants apply to.
type Pa_t = uintptr

// Page-table-entry flag bits. They back Entry.Flags rather than a
// live x86 page table.
const (
	PTE_P Pa_t = 1 << 0 // present
	PTE_W Pa_t = 1 << 1 // writable
	PTE_U Pa_t = 1 << 2 // user-accessible
	PTE_X Pa_t = 1 << 3 // executable (inverse of NX)
	PTE_G Pa_t = 1 << 8 // global
)

// Entry is a minimal page-table-entry stand-in used to express the
// "writable-but-executable mappings are rejected" invariant without a
// real MMU beneath it.
type Entry struct {
	Flags Pa_t
	Addr  Pa_t
}

// WritableExecutable reports whether an entry is both writable and
// executable, the condition boot handoff must have already cleared.
func (e Entry) WritableExecutable() bool {
	return e.Flags&PTE_W != 0 && e.Flags&PTE_X != 0
}

// CPUFeatures carries the cpuid-derived feature bits that gate the
// conditional UMIP/CET enables. A hosted simulation cannot execute
// cpuid, so this is a plain value struct rather than inline assembly.
type CPUFeatures struct {
	HasUMIP bool
	HasCET  bool
}

// ProtectionState tracks which hardware page-protection bits have
// been enabled.
type ProtectionState struct {
	NXGlobal     bool
	ExecPrevent  bool // SMEP-equivalent: prevent supervisor fetch from user pages
	AccessPrevent bool // SMAP-equivalent: prevent supervisor load from user pages
	WriteProtect bool
	CETEnabled   bool
	UMIPEnabled  bool
}

// Init runs the one-shot protection sequence. entries is the set of
// kernel page-table entries boot handoff produced; Init verifies none
// of them are writable-and-executable before any protection bit is
// enabled, so a stale mapping refuses the whole sequence instead of
// being discovered after the bits are live.
func (ps *ProtectionState) Init(entries []Entry, feat CPUFeatures, log *zap.SugaredLogger) defs.Err_t {
	for _, e := range entries {
		if e.WritableExecutable() {
			log.Errorw("rejecting writable+executable kernel mapping", "addr", fmt.Sprintf("%#x", e.Addr))
			return defs.EINVALID
		}
	}

	ps.NXGlobal = true
	log.Info("no-execute enabled globally")

	ps.ExecPrevent = true
	log.Info("execution-prevention enabled for supervisor fetches from user pages")

	ps.AccessPrevent = true
	log.Info("access-prevention enabled for supervisor loads from user pages")

	ps.WriteProtect = true
	log.Info("write-protect enabled for supervisor writes to read-only pages")

	if feat.HasCET {
		ps.CETEnabled = true
		log.Info("instruction-pointer protection (CET) enabled")
	}
	if feat.HasUMIP {
		ps.UMIPEnabled = true
		log.Info("user-mode instruction prevention (UMIP) enabled")
	}
	return 0
}

// String renders the enabled-bit summary security.Report embeds in
// the boot status line.
func (ps ProtectionState) String() string {
	return fmt.Sprintf("NX=%v ExecPrevent=%v AccessPrevent=%v WriteProtect=%v CET=%v UMIP=%v",
		ps.NXGlobal, ps.ExecPrevent, ps.AccessPrevent, ps.WriteProtect, ps.CETEnabled, ps.UMIPEnabled)
}

// EncryptionMask computes the page-table encryption bit to OR into
// every newly created kernel PTE: a constant once set, queried
// without synchronization. cbit
// is the bit position reported by the SME-equivalent state machine in
// internal/security; enabled gates whether the mask applies at all.
func EncryptionMask(enabled bool, cbit uint) Pa_t {
	if !enabled {
		return 0
	}
	return Pa_t(1) << cbit
}
