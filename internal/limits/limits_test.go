package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultBudgets(t *testing.T) {
	d := Default()
	assert.Equal(t, 256, d.PcbSlots)
	assert.Equal(t, 1024, d.InodeCacheCap)
	assert.Equal(t, 32, d.MaxFilesystems)
	assert.Equal(t, 4096, d.AuditRingCap)
}

func TestAtomicTakenGiven(t *testing.T) {
	var a Atomic_t
	a.Set(2)
	assert.True(t, a.Taken(2))
	assert.Equal(t, int64(0), a.Remaining())
	assert.False(t, a.Taken(1))
	assert.Equal(t, int64(0), a.Remaining(), "failed Taken must not change the budget")
	a.Given(3)
	assert.Equal(t, int64(3), a.Remaining())
}

func TestAtomicTakeGiveSingular(t *testing.T) {
	var a Atomic_t
	a.Set(1)
	assert.True(t, a.Take())
	assert.False(t, a.Take())
	a.Give()
	assert.True(t, a.Take())
}
