// Package config loads the boot-time configuration file: memory
// sizing, resource limits, the scheduler quantum, security feature
// toggles, and the audit sink path, all overridable from a TOML
// file.
package config

import (
	"fmt"

	"github.com/BurntSushi/toml"

	"sentinalos/internal/defs"
	"sentinalos/internal/limits"
)

// Boot holds the parameters the kernel composition root needs before
// any subsystem initializes: memory sizing, resource limits, and the
// audit sink path.
type Boot struct {
	Memory struct {
		TotalBytes uint64 `toml:"total_bytes"`
		HeapBytes  int    `toml:"heap_bytes"`
	} `toml:"memory"`

	Limits struct {
		PcbSlots       int `toml:"pcb_slots"`
		InodeCacheCap  int `toml:"inode_cache_capacity"`
		MaxFilesystems int `toml:"max_filesystems"`
		OpenHandles    int `toml:"open_handles"`
		AuditRingCap   int `toml:"audit_ring_capacity"`
	} `toml:"limits"`

	Scheduler struct {
		QuantumMs int `toml:"quantum_ms"`
	} `toml:"scheduler"`

	Security struct {
		VendorAMD    bool `toml:"vendor_amd"`
		SMESupported bool `toml:"sme_supported"`
		HasUMIP      bool `toml:"has_umip"`
		HasCET       bool `toml:"has_cet"`
	} `toml:"security"`

	Audit struct {
		SinkPath string `toml:"sink_path"`
	} `toml:"audit"`

	Filesystem struct {
		ImagePath string `toml:"image_path"`
		MountPath string `toml:"mount_path"`
	} `toml:"filesystem"`
}

// Default returns the stock boot configuration, used when no config
// file is supplied. Resource limits come from internal/limits.Default
// rather than being duplicated here.
func Default() Boot {
	var b Boot
	b.Memory.TotalBytes = 512 << 20
	b.Memory.HeapBytes = 256 << 20
	sys := limits.Default()
	b.Limits.PcbSlots = sys.PcbSlots
	b.Limits.InodeCacheCap = sys.InodeCacheCap
	b.Limits.MaxFilesystems = sys.MaxFilesystems
	b.Limits.OpenHandles = sys.OpenHandles
	b.Limits.AuditRingCap = sys.AuditRingCap
	b.Scheduler.QuantumMs = 10
	b.Security.HasUMIP = true
	b.Security.HasCET = true
	b.Filesystem.MountPath = "/"
	return b
}

// Load reads and decodes a TOML boot-config file from path, starting
// from Default() so a partial file only overrides the fields it sets.
func Load(path string) (Boot, error) {
	b := Default()
	if path == "" {
		return b, nil
	}
	if _, err := toml.DecodeFile(path, &b); err != nil {
		return b, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return b, nil
}

// Validate checks the decoded configuration against the invariants
// the rest of the kernel assumes.
func (b Boot) Validate() defs.Err_t {
	if b.Limits.PcbSlots <= 0 || b.Limits.InodeCacheCap <= 0 || b.Limits.MaxFilesystems <= 0 {
		return defs.EINVALID
	}
	// the three reserved console handles must fit below the table cap
	if b.Limits.OpenHandles <= 3 || b.Scheduler.QuantumMs <= 0 {
		return defs.EINVALID
	}
	if b.Memory.TotalBytes == 0 || b.Memory.HeapBytes <= 0 {
		return defs.EINVALID
	}
	return 0
}
