package vfs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinalos/internal/defs"
)

// memDriver backs handles with a single growable byte buffer so the
// offset arithmetic can be exercised without a full filesystem.
type memDriver struct {
	stubDriver
	data     []byte
	released int
}

func (d *memDriver) Read(sb *SuperBlock, in *Inode, buf []byte, off int64) (int, defs.Err_t) {
	if off >= int64(len(d.data)) {
		return 0, 0
	}
	return copy(buf, d.data[off:]), 0
}

func (d *memDriver) Write(sb *SuperBlock, in *Inode, buf []byte, off int64) (int, defs.Err_t) {
	end := off + int64(len(buf))
	if end > int64(len(d.data)) {
		grown := make([]byte, end)
		copy(grown, d.data)
		d.data = grown
	}
	copy(d.data[off:end], buf)
	return len(buf), 0
}

func (d *memDriver) Release(sb *SuperBlock, in *Inode) defs.Err_t {
	d.released++
	return 0
}

func memHandle(d *memDriver, flags int) *FileHandle {
	var drv Driver = d
	sb := &SuperBlock{MountPath: "/m", Driver: &drv}
	return NewFileHandle(nil, sb, &Inode{Number: 1, Kind: "file"}, flags)
}

func TestHandleWriteThenReadAdvancesOffset(t *testing.T) {
	d := &memDriver{}
	w := memHandle(d, O_WRONLY)
	n, err := w.Write([]byte("hello, world!"))
	require.Equal(t, defs.Err_t(0), err)
	require.Equal(t, 13, n)
	assert.Equal(t, int64(13), w.Offset())

	r := memHandle(d, O_RDONLY)
	buf := make([]byte, 32)
	n, err = r.Read(buf)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 13, n)
	assert.Equal(t, "hello, world!", string(buf[:n]))
	assert.Equal(t, int64(13), r.Offset())
}

func TestHandleEnforcesAccessMode(t *testing.T) {
	d := &memDriver{data: []byte("x")}
	r := memHandle(d, O_RDONLY)
	_, err := r.Write([]byte("y"))
	assert.Equal(t, defs.EBADHANDLE, err)

	w := memHandle(d, O_WRONLY)
	_, err = w.Read(make([]byte, 1))
	assert.Equal(t, defs.EBADHANDLE, err)
}

func TestHandleZeroByteTransfersAreNoOps(t *testing.T) {
	d := &memDriver{}
	h := memHandle(d, O_RDWR)
	n, err := h.Read(nil)
	require.Equal(t, defs.Err_t(0), err)
	assert.Zero(t, n)
	n, err = h.Write(nil)
	require.Equal(t, defs.Err_t(0), err)
	assert.Zero(t, n)
	assert.Zero(t, h.Offset())
	assert.Empty(t, d.data)
}

func TestHandleTableInstallStartsAboveConsoleFds(t *testing.T) {
	tbl := NewHandleTable(8)
	d := &memDriver{}
	fd, err := tbl.Install(memHandle(d, O_RDONLY))
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, FirstUserFd, fd)

	_, err = tbl.Get(0)
	assert.Equal(t, defs.EBADHANDLE, err)
}

func TestHandleTableOverflowReportsTooManyOpen(t *testing.T) {
	tbl := NewHandleTable(5)
	d := &memDriver{}
	_, err := tbl.Install(memHandle(d, O_RDONLY))
	require.Equal(t, defs.Err_t(0), err)
	_, err = tbl.Install(memHandle(d, O_RDONLY))
	require.Equal(t, defs.Err_t(0), err)
	_, err = tbl.Install(memHandle(d, O_RDONLY))
	assert.Equal(t, defs.ETOOMANYOPEN, err)
}

func TestDupSharesOffsetAndRefcount(t *testing.T) {
	d := &memDriver{data: []byte("abcdef")}
	tbl := NewHandleTable(8)
	h := memHandle(d, O_RDONLY)
	fd, err := tbl.Install(h)
	require.Equal(t, defs.Err_t(0), err)

	dup, err := tbl.Dup(fd)
	require.Equal(t, defs.Err_t(0), err)
	assert.Equal(t, 2, h.Refcount())

	buf := make([]byte, 3)
	tblH, _ := tbl.Get(fd)
	tblH.Read(buf)
	dupH, _ := tbl.Get(dup)
	n, _ := dupH.Read(buf)
	assert.Equal(t, 3, n)
	assert.Equal(t, "def", string(buf[:n]))

	require.Equal(t, defs.Err_t(0), tbl.Close(fd))
	assert.Zero(t, d.released, "shared handle must not release while a dup holds it")
	require.Equal(t, defs.Err_t(0), tbl.Close(dup))
	assert.Equal(t, 1, d.released)
}

func TestCloneBumpsEveryHandle(t *testing.T) {
	d := &memDriver{}
	tbl := NewHandleTable(8)
	h := memHandle(d, O_RDWR)
	_, err := tbl.Install(h)
	require.Equal(t, defs.Err_t(0), err)

	child := tbl.Clone()
	assert.Equal(t, 2, h.Refcount())
	assert.Equal(t, 1, child.Count())

	child.CloseAll()
	assert.Equal(t, 1, h.Refcount())
	assert.Zero(t, d.released)
	tbl.CloseAll()
	assert.Equal(t, 1, d.released)
}

func TestCloseUnknownFdIsBadHandle(t *testing.T) {
	tbl := NewHandleTable(8)
	assert.Equal(t, defs.EBADHANDLE, tbl.Close(5))
}
