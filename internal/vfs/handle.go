// File handles and the per-process handle table. A handle pairs a
// pinned inode with a stored offset; dup and fork share the same
// handle by reference count, while the slot indices stay owned by
// one process.
package vfs

import (
	"sync"

	"sentinalos/internal/defs"
)

// Open flags, the fcntl subset the syscall stubs bind against.
const (
	O_RDONLY = 0x0
	O_WRONLY = 0x1
	O_RDWR   = 0x2
	O_CREAT  = 0x40
)

const accessModeMask = 0x3

// FirstUserFd is the lowest handle number the table hands out; 0/1/2
// carry the reserved console semantics and are never backed by a
// FileHandle.
const FirstUserFd = 3

// FileHandle is one open-handle entry: inode reference, stored
// offset, open flags, and a reference count shared across dup/fork.
type FileHandle struct {
	mu     sync.Mutex
	super  *SuperBlock
	ino    *Inode
	flags  int
	offset int64
	refcnt int
	cache  *InodeCache
}

// NewFileHandle wraps an inode already pinned in cache. The handle
// owns one pin; the final Close releases it.
func NewFileHandle(cache *InodeCache, sb *SuperBlock, in *Inode, flags int) *FileHandle {
	return &FileHandle{cache: cache, super: sb, ino: in, flags: flags, refcnt: 1}
}

// Readable reports whether the handle's access mode permits reads.
func (h *FileHandle) Readable() bool {
	m := h.flags & accessModeMask
	return m == O_RDONLY || m == O_RDWR
}

// Writable reports whether the handle's access mode permits writes.
func (h *FileHandle) Writable() bool {
	m := h.flags & accessModeMask
	return m == O_WRONLY || m == O_RDWR
}

// Inode returns the referenced inode.
func (h *FileHandle) Inode() *Inode { return h.ino }

// Super returns the owning filesystem's super block.
func (h *FileHandle) Super() *SuperBlock { return h.super }

// Offset returns the stored file offset.
func (h *FileHandle) Offset() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.offset
}

// Read fills buf from the stored offset and advances it by however
// many bytes the driver reports. Partial reads are legal; a
// zero-length buf returns 0 immediately.
func (h *FileHandle) Read(buf []byte) (int, defs.Err_t) {
	if !h.Readable() {
		return 0, defs.EBADHANDLE
	}
	if len(buf) == 0 {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	drv := *h.super.Driver
	n, err := drv.Read(h.super, h.ino, buf, h.offset)
	if err != 0 {
		return n, err
	}
	h.offset += int64(n)
	return n, 0
}

// Write stores buf at the current offset and advances it by the
// count the driver accepted. A zero-length buf returns 0 with no
// side effects.
func (h *FileHandle) Write(buf []byte) (int, defs.Err_t) {
	if !h.Writable() {
		return 0, defs.EBADHANDLE
	}
	if len(buf) == 0 {
		return 0, 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	drv := *h.super.Driver
	n, err := drv.Write(h.super, h.ino, buf, h.offset)
	if err != 0 {
		return n, err
	}
	h.offset += int64(n)
	return n, 0
}

func (h *FileHandle) incref() {
	h.mu.Lock()
	h.refcnt++
	h.mu.Unlock()
}

// decref drops one reference; the last one releases the driver's open
// state and unpins the inode, making it evictable again.
func (h *FileHandle) decref() {
	h.mu.Lock()
	h.refcnt--
	last := h.refcnt == 0
	h.mu.Unlock()
	if !last {
		return
	}
	drv := *h.super.Driver
	drv.Release(h.super, h.ino)
	if h.cache != nil {
		h.cache.Unpin(h.ino)
	}
}

// Drop releases one reference outside any table, for callers that
// built a handle but failed to install it.
func (h *FileHandle) Drop() { h.decref() }

// Refcount reports the handle's current share count.
func (h *FileHandle) Refcount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.refcnt
}

// HandleTable is one process's open-handle slots. The process owns
// the slot indices exclusively; the handles behind them are shared
// by reference count with dup and fork.
type HandleTable struct {
	mu    sync.Mutex
	slots []*FileHandle
}

// NewHandleTable builds a table with capacity slots (including the
// three reserved console numbers, which stay nil).
func NewHandleTable(capacity int) *HandleTable {
	return &HandleTable{slots: make([]*FileHandle, capacity)}
}

// Install claims the lowest free slot at or above FirstUserFd for h.
func (t *HandleTable) Install(h *FileHandle) (int, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for fd := FirstUserFd; fd < len(t.slots); fd++ {
		if t.slots[fd] == nil {
			t.slots[fd] = h
			return fd, 0
		}
	}
	return 0, defs.ETOOMANYOPEN
}

// Get returns the handle at fd.
func (t *HandleTable) Get(fd int) (*FileHandle, defs.Err_t) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		return nil, defs.EBADHANDLE
	}
	return t.slots[fd], 0
}

// Close vacates fd and drops its reference on the handle.
func (t *HandleTable) Close(fd int) defs.Err_t {
	t.mu.Lock()
	if fd < 0 || fd >= len(t.slots) || t.slots[fd] == nil {
		t.mu.Unlock()
		return defs.EBADHANDLE
	}
	h := t.slots[fd]
	t.slots[fd] = nil
	t.mu.Unlock()
	h.decref()
	return 0
}

// Dup points a fresh slot at the same handle, sharing offset and
// flags by reference.
func (t *HandleTable) Dup(fd int) (int, defs.Err_t) {
	h, err := t.Get(fd)
	if err != 0 {
		return 0, err
	}
	h.incref()
	newFd, err := t.Install(h)
	if err != 0 {
		h.decref()
		return 0, err
	}
	return newFd, 0
}

// Clone copies the table for a forked child: every slot points at
// the parent's handle with its reference count bumped.
func (t *HandleTable) Clone() *HandleTable {
	t.mu.Lock()
	defer t.mu.Unlock()
	child := &HandleTable{slots: make([]*FileHandle, len(t.slots))}
	for fd, h := range t.slots {
		if h != nil {
			h.incref()
			child.slots[fd] = h
		}
	}
	return child
}

// CloseAll vacates every slot, the exit path's teardown.
func (t *HandleTable) CloseAll() {
	t.mu.Lock()
	handles := make([]*FileHandle, 0, len(t.slots))
	for fd, h := range t.slots {
		if h != nil {
			handles = append(handles, h)
			t.slots[fd] = nil
		}
	}
	t.mu.Unlock()
	for _, h := range handles {
		h.decref()
	}
}

// Count reports how many slots are occupied.
func (t *HandleTable) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, h := range t.slots {
		if h != nil {
			n++
		}
	}
	return n
}
