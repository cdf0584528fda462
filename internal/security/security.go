// Package security implements the boot-time security subsystem:
// KASLR offset selection, the SME-style memory-encryption state
// machine, and a human-readable status report. A hosted simulation
// cannot execute rdrand/rdseed/rdtsc/cpuid, so entropy collection
// goes through an injectable EntropySource and CPU feature detection
// through a plain CPUFeatures value rather than inline assembly.
package security

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"
)

// KASLR bounds: the offset lands 2MB-aligned between 16MB and 1GB.
const (
	kaslrMinOffset uint64 = 0x1000000  // 16MB
	kaslrMaxOffset uint64 = 0x40000000 // 1GB
	kaslrAlign     uint64 = 0x200000   // 2MB
)

// EntropySource supplies random 64-bit values for KASLR offset
// selection. Production callers use CryptoEntropySource; tests can
// substitute a deterministic fake so the chosen offset is
// reproducible.
type EntropySource interface {
	Uint64() (uint64, error)
}

// CryptoEntropySource draws from crypto/rand, the hosted stand-in
// for RDSEED/RDRAND.
type CryptoEntropySource struct{}

func (CryptoEntropySource) Uint64() (uint64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// KASLRState holds a kernel base, a chosen randomization offset, and
// whether randomization is active.
type KASLRState struct {
	KernelBase  uint64
	Offset      uint64
	Enabled     bool
	Initialized bool
}

// InitKASLR collects entropy from src, mixes it down, and derives a
// 2MB-aligned offset within [kaslrMinOffset, kaslrMaxOffset).
func InitKASLR(kernelBase uint64, src EntropySource, log *zap.SugaredLogger) (*KASLRState, error) {
	log.Info("initializing KASLR")
	var pool [8]uint64
	for i := range pool {
		v, err := src.Uint64()
		if err != nil {
			return nil, err
		}
		pool[i] = v
	}
	var mixed uint64
	for _, v := range pool {
		mixed ^= v
	}
	rng := mixed
	rng = rng*1103515245 + 12345

	rangeSpan := kaslrMaxOffset - kaslrMinOffset
	offset := kaslrMinOffset + (rng % rangeSpan)
	offset &^= kaslrAlign - 1

	st := &KASLRState{
		KernelBase:  kernelBase,
		Offset:      offset,
		Enabled:     true,
		Initialized: true,
	}
	log.Infow("KASLR initialized", "base", fmt.Sprintf("%#x", kernelBase), "offset", fmt.Sprintf("%#x", offset))
	return st, nil
}

// Randomize and Derandomize apply/remove the KASLR offset on a
// kernel pointer.
func (s *KASLRState) Randomize(ptr uint64) uint64 {
	if !s.Enabled {
		return ptr
	}
	return ptr + s.Offset
}

func (s *KASLRState) Derandomize(ptr uint64) uint64 {
	if !s.Enabled {
		return ptr
	}
	return ptr - s.Offset
}

// CPUFeatures is the subset of cpuid-derived facts the security
// subsystem branches on. A hosted kernel cannot execute cpuid; boot
// supplies this value directly.
type CPUFeatures struct {
	VendorAMD      bool
	SMESupported   bool
	CBitPosition   uint
	AddrReduction  uint
	HasUMIP        bool
	HasCET         bool
}

// SmeState tracks memory-encryption state: supported/enabled/locked
// plus the C-bit position used to compute the encryption mask.
type SmeState struct {
	Supported bool
	Enabled   bool
	Locked    bool
	CBit      uint
}

// InitSME runs the supported, enabled, locked sequence. SME requires
// an AMD CPU; on any other vendor it reports unsupported.
func InitSME(feat CPUFeatures, log *zap.SugaredLogger) *SmeState {
	log.Info("initializing Secure Memory Encryption (SME)")
	if !feat.VendorAMD || !feat.SMESupported {
		log.Info("SME not available on this system")
		return &SmeState{Supported: false}
	}
	log.Infow("SME supported", "cbit", feat.CBitPosition, "addr_reduction", feat.AddrReduction)
	st := &SmeState{Supported: true, CBit: feat.CBitPosition}
	st.Enabled = true
	st.Locked = true
	log.Info("SME enabled and locked")
	return st
}

// EncryptionMask returns the bit to OR into a physical address to
// mark it encrypted, 0 when SME is not enabled.
func (s *SmeState) EncryptionMask() uint64 {
	if !s.Enabled {
		return 0
	}
	return uint64(1) << s.CBit
}

// IsEncrypted reports whether addr already carries the encryption
// bit.
func (s *SmeState) IsEncrypted(addr uint64) bool {
	return s.Enabled && addr&s.EncryptionMask() != 0
}

// Encrypt and Decrypt set/clear the encryption bit on a physical
// address.
func (s *SmeState) Encrypt(addr uint64) uint64 {
	if !s.Enabled {
		return addr
	}
	return addr | s.EncryptionMask()
}

func (s *SmeState) Decrypt(addr uint64) uint64 {
	if !s.Enabled {
		return addr
	}
	return addr &^ s.EncryptionMask()
}

// Report renders a boot-time summary of every protection bit the
// security subsystem toggled.
func Report(kaslr *KASLRState, sme *SmeState, vmState interface {
	String() string
}) string {
	s := "security status:\n"
	s += fmt.Sprintf("  KASLR: enabled=%v offset=%#x\n", kaslr.Enabled, kaslr.Offset)
	s += fmt.Sprintf("  SME: supported=%v enabled=%v locked=%v\n", sme.Supported, sme.Enabled, sme.Locked)
	if vmState != nil {
		s += "  " + vmState.String() + "\n"
	}
	return s
}
