package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultMatchesLimitsPackage(t *testing.T) {
	b := Default()
	assert.Equal(t, 256, b.Limits.PcbSlots)
	assert.Equal(t, 1024, b.Limits.InodeCacheCap)
	assert.Equal(t, "/", b.Filesystem.MountPath)
	require.Equal(t, 0, int(b.Validate()))
}

func TestLoadOverridesOnlySpecifiedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "boot.toml")
	content := "[memory]\ntotal_bytes = 1048576\nheap_bytes = 65536\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	b, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(1048576), b.Memory.TotalBytes)
	assert.Equal(t, 256, b.Limits.PcbSlots, "unspecified sections must keep their defaults")
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	b, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), b)
}

func TestValidateRejectsZeroLimits(t *testing.T) {
	b := Default()
	b.Limits.PcbSlots = 0
	assert.NotEqual(t, 0, int(b.Validate()))
}

func TestValidateRejectsZeroMemory(t *testing.T) {
	b := Default()
	b.Memory.TotalBytes = 0
	assert.NotEqual(t, 0, int(b.Validate()))
}
