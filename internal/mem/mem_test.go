package mem

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinalos/internal/defs"
)

func newTestAllocator() *Allocator {
	return NewAllocator(64<<20, 1<<20)
}

func TestAllocPagesWithinZoneBounds(t *testing.T) {
	a := newTestAllocator()
	pa, err := a.AllocPages(ZoneNormal, 0)
	require.Equal(t, defs.Err_t(0), err)
	assert.NotZero(t, pa)
}

func TestAllocPagesRejectsBadZoneOrOrder(t *testing.T) {
	a := newTestAllocator()
	_, err := a.AllocPages(Zone(99), 0)
	assert.Equal(t, defs.EINVALID, err)
	_, err = a.AllocPages(ZoneNormal, MaxOrder)
	assert.Equal(t, defs.EINVALID, err)
}

func TestAllocAndFreeCoalesces(t *testing.T) {
	a := newTestAllocator()
	total, used0, _ := a.Stats()
	assert.NotZero(t, total)

	pa, err := a.AllocPages(ZoneNormal, 3)
	require.Equal(t, defs.Err_t(0), err)
	_, usedAfterAlloc, _ := a.Stats()
	assert.Greater(t, usedAfterAlloc, used0)

	a.FreePages(pa)
	_, usedAfterFree, _ := a.Stats()
	assert.Equal(t, used0, usedAfterFree, "freeing must coalesce back to the original free byte count")
}

// countFree tallies blocks on one order's free list.
func countFree(zs *zoneState, order int) (blocks int, head int32) {
	zs.Lock()
	defer zs.Unlock()
	for cur := zs.freeList[order]; cur != -1; cur = zs.frames[cur].next {
		blocks++
	}
	return blocks, zs.freeList[order]
}

func TestBuddyCoalescingStopsAtAllocatedNeighbor(t *testing.T) {
	a := newTestAllocator()

	var pages [4]Pa_t
	for i := range pages {
		pa, err := a.AllocPages(ZoneNormal, 0)
		require.Equal(t, defs.Err_t(0), err)
		pages[i] = pa
	}
	for i := 1; i < 4; i++ {
		require.Equal(t, pages[i-1]+Pa_t(PGSIZE), pages[i], "order-0 allocations must come out contiguous")
	}
	// pin the adjacent order-2 block so coalescing cannot run past order 2
	neighbor, err := a.AllocPages(ZoneNormal, 2)
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, pages[3]+Pa_t(PGSIZE), neighbor)

	a.FreePages(pages[1])
	a.FreePages(pages[0])
	a.FreePages(pages[3])
	a.FreePages(pages[2])

	z, idx := a.locate(pages[0])
	blocks, head := countFree(&a.zones[z], 2)
	assert.Equal(t, 1, blocks, "the four frees must coalesce into exactly one order-2 block")
	assert.Equal(t, idx, head, "the coalesced block must start at the lowest frame")
}

func TestZoneOfExactOrderElevenCapacity(t *testing.T) {
	// 8 MiB of physical memory makes a DMA zone of exactly 2^11 pages
	a := NewAllocator(8<<20, 4096)

	pa, err := a.AllocPages(ZoneDMA, MaxOrder-1)
	require.Equal(t, defs.Err_t(0), err)
	_, err = a.AllocPages(ZoneDMA, MaxOrder-1)
	assert.Equal(t, defs.EOUTOFMEM, err)

	a.FreePages(pa)
	_, err = a.AllocPages(ZoneDMA, MaxOrder-1)
	assert.Equal(t, defs.Err_t(0), err)
}

func TestFreeCountMatchesFreeListSum(t *testing.T) {
	a := newTestAllocator()
	p0, err := a.AllocPages(ZoneNormal, 4)
	require.Equal(t, defs.Err_t(0), err)
	p1, err := a.AllocPages(ZoneNormal, 0)
	require.Equal(t, defs.Err_t(0), err)
	a.FreePages(p0)

	zs := &a.zones[ZoneNormal]
	var sum uint64
	for k := 0; k < MaxOrder; k++ {
		blocks, _ := countFree(zs, k)
		sum += uint64(blocks) << uint(k)
	}
	zs.Lock()
	assert.Equal(t, zs.freeCount, sum)
	zs.Unlock()
	a.FreePages(p1)
}

func TestFreeingAlreadyFreePanics(t *testing.T) {
	a := newTestAllocator()
	pa, err := a.AllocPages(ZoneNormal, 0)
	require.Equal(t, defs.Err_t(0), err)
	a.FreePages(pa)
	assert.PanicsWithValue(t, defs.ErrHeapCorruption, func() { a.FreePages(pa) })
}

func TestRefupRefdown(t *testing.T) {
	a := newTestAllocator()
	pa, err := a.AllocPages(ZoneNormal, 0)
	require.Equal(t, defs.Err_t(0), err)

	a.Refup(pa)
	assert.False(t, a.Refdown(pa), "first Refdown only removes the extra ref")
	assert.True(t, a.Refdown(pa), "second Refdown drops refcount to zero and frees")
}

func TestKmallocAlignmentAndExhaustion(t *testing.T) {
	a := NewAllocator(1<<20, 64)
	buf, err := a.Kmalloc(10, 16)
	require.Equal(t, defs.Err_t(0), err)
	assert.Len(t, buf, 16) // rounded up to 8-byte multiple of 10 -> 16

	_, err = a.Kmalloc(1000, 0)
	assert.Equal(t, defs.EOUTOFMEM, err)
}

func TestKmallocRejectsNonPow2Align(t *testing.T) {
	a := newTestAllocator()
	_, err := a.Kmalloc(8, 3)
	assert.Equal(t, defs.EINVALID, err)
}

func TestDescribeMentionsEveryZone(t *testing.T) {
	a := newTestAllocator()
	out := a.Describe()
	assert.Contains(t, out, "DMA")
	assert.Contains(t, out, "Normal")
	assert.Contains(t, out, "HighMem")
}
