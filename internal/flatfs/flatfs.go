// Package flatfs is a concrete vfs.Driver: a flat, in-memory
// directory tree (it holds an internal/drivers.Disk_i but never
// reads or writes it), persisted to a host file with encoding/gob so cmd/mkfs can build an
// image and cmd/kernel can mount it back. A single serialized
// snapshot rather than a journaled on-disk layout: the VFS contract
// requires correct inode semantics, not a specific disk format.
package flatfs

import (
	"encoding/gob"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"sentinalos/internal/defs"
	"sentinalos/internal/drivers"
	"sentinalos/internal/vfs"
)

// entry is the on-disk record for one file or directory.
type entry struct {
	Number    vfs.InodeNumber
	Kind      string
	Owner     int
	Data      []byte
	Children  map[string]vfs.InodeNumber
	Class     defs.Level
	LinkCount int
}

// Image is the serializable snapshot cmd/mkfs writes and cmd/kernel
// loads: a root inode number plus every entry keyed by inode number.
type Image struct {
	Root    vfs.InodeNumber
	Entries map[vfs.InodeNumber]*entry
	NextIno vfs.InodeNumber
}

// Driver implements vfs.Driver over an Image held entirely in
// memory. It keeps the drivers.Disk_i it was built with, but reads
// and writes go only to the entry map; the disk sees no traffic and
// its block-level statistics do not reflect file I/O.
type Driver struct {
	mu    sync.Mutex
	img   *Image
	disk  drivers.Disk_i
	super *vfs.SuperBlock
}

// New builds an empty flatfs image with a root directory.
func New(disk drivers.Disk_i) *Driver {
	root := &entry{Number: 1, Kind: "dir", Children: map[string]vfs.InodeNumber{}}
	return &Driver{
		disk: disk,
		img: &Image{
			Root:    1,
			Entries: map[vfs.InodeNumber]*entry{1: root},
			NextIno: 2,
		},
	}
}

// Load reads a previously saved image from path.
func Load(path string, disk drivers.Disk_i) (*Driver, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img := &Image{}
	if err := gob.NewDecoder(f).Decode(img); err != nil {
		return nil, err
	}
	return &Driver{disk: disk, img: img}, nil
}

// Save writes the current image to path, the step cmd/mkfs performs
// after populating a tree from a host skeleton directory.
func (d *Driver) Save(dest string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	return gob.NewEncoder(f).Encode(d.img)
}

func (d *Driver) Name() string { return "flatfs" }

func (d *Driver) Mount(device string, flags int) (*vfs.SuperBlock, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	sb := &vfs.SuperBlock{
		Magic:          0x464c4154, // "FLAT"
		FilesystemKind: d.Name(),
		BlockSize:      drivers.BlockSize,
		TotalInodes:    uint64(len(d.img.Entries)),
		MountFlags:     flags,
		DeviceName:     device,
	}
	var asDriver vfs.Driver = d
	sb.Driver = &asDriver
	d.super = sb
	return sb, 0
}

func (d *Driver) Unmount(sb *vfs.SuperBlock) defs.Err_t {
	return 0
}

func (d *Driver) AllocInode(sb *vfs.SuperBlock, kind string) (*vfs.Inode, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	num := d.img.NextIno
	d.img.NextIno++
	e := &entry{Number: num, Kind: kind, LinkCount: 1}
	if kind == "dir" {
		e.Children = map[string]vfs.InodeNumber{}
	}
	d.img.Entries[num] = e
	return d.toInode(e), 0
}

func (d *Driver) DestroyInode(sb *vfs.SuperBlock, ino vfs.InodeNumber) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.img.Entries[ino]; !ok {
		return defs.EBADHANDLE
	}
	delete(d.img.Entries, ino)
	return 0
}

func (d *Driver) ReadInode(sb *vfs.SuperBlock, ino vfs.InodeNumber) (*vfs.Inode, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.img.Entries[ino]
	if !ok {
		return nil, defs.EBADHANDLE
	}
	return d.toInode(e), 0
}

func (d *Driver) WriteInode(sb *vfs.SuperBlock, in *vfs.Inode) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.img.Entries[in.Number]
	if !ok {
		return defs.EBADHANDLE
	}
	e.Class = in.Classification
	e.Owner = in.Owner
	e.LinkCount = in.LinkCount
	return 0
}

func (d *Driver) Open(sb *vfs.SuperBlock, in *vfs.Inode, flags int) defs.Err_t { return 0 }
func (d *Driver) Release(sb *vfs.SuperBlock, in *vfs.Inode) defs.Err_t        { return 0 }

func (d *Driver) Read(sb *vfs.SuperBlock, in *vfs.Inode, buf []byte, off int64) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.img.Entries[in.Number]
	if !ok || e.Kind != "file" {
		return 0, defs.EBADHANDLE
	}
	if off >= int64(len(e.Data)) {
		return 0, 0
	}
	n := copy(buf, e.Data[off:])
	return n, 0
}

func (d *Driver) Write(sb *vfs.SuperBlock, in *vfs.Inode, buf []byte, off int64) (int, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.img.Entries[in.Number]
	if !ok || e.Kind != "file" {
		return 0, defs.EBADHANDLE
	}
	end := off + int64(len(buf))
	if end > int64(len(e.Data)) {
		grown := make([]byte, end)
		copy(grown, e.Data)
		e.Data = grown
	}
	copy(e.Data[off:end], buf)
	in.Size = int64(len(e.Data))
	return len(buf), 0
}

func (d *Driver) Readdir(sb *vfs.SuperBlock, in *vfs.Inode) ([]string, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.img.Entries[in.Number]
	if !ok || e.Kind != "dir" {
		return nil, defs.EBADHANDLE
	}
	names := make([]string, 0, len(e.Children))
	for name := range e.Children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, 0
}

func (d *Driver) Mkdir(sb *vfs.SuperBlock, parent *vfs.Inode, name string) (*vfs.Inode, defs.Err_t) {
	return d.create(parent, name, "dir")
}

// Create makes an empty regular file named name inside parent, the
// open-with-create path's driver hook.
func (d *Driver) Create(sb *vfs.SuperBlock, parent *vfs.Inode, name string) (*vfs.Inode, defs.Err_t) {
	return d.create(parent, name, "file")
}

// MkFile creates a regular file named name inside parent, holding
// data as its initial contents. Exposed beyond vfs.Driver because
// cmd/mkfs needs to seed file contents in one call.
func (d *Driver) MkFile(parent *vfs.Inode, name string, data []byte) (*vfs.Inode, defs.Err_t) {
	in, err := d.create(parent, name, "file")
	if err != 0 {
		return nil, err
	}
	d.mu.Lock()
	d.img.Entries[in.Number].Data = append([]byte(nil), data...)
	in.Size = int64(len(data))
	d.mu.Unlock()
	return in, 0
}

func (d *Driver) create(parent *vfs.Inode, name, kind string) (*vfs.Inode, defs.Err_t) {
	d.mu.Lock()
	pe, ok := d.img.Entries[parent.Number]
	if !ok || pe.Kind != "dir" {
		d.mu.Unlock()
		return nil, defs.EBADHANDLE
	}
	if _, exists := pe.Children[name]; exists {
		d.mu.Unlock()
		return nil, defs.EINVALID
	}
	num := d.img.NextIno
	d.img.NextIno++
	e := &entry{Number: num, Kind: kind, LinkCount: 1}
	if kind == "dir" {
		e.Children = map[string]vfs.InodeNumber{}
	}
	d.img.Entries[num] = e
	pe.Children[name] = num
	d.mu.Unlock()
	return d.toInode(e), 0
}

func (d *Driver) Rmdir(sb *vfs.SuperBlock, parent *vfs.Inode, name string) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	pe, ok := d.img.Entries[parent.Number]
	if !ok || pe.Kind != "dir" {
		return defs.EBADHANDLE
	}
	num, exists := pe.Children[name]
	if !exists {
		return defs.EBADPATH
	}
	child := d.img.Entries[num]
	if child.Kind == "dir" && len(child.Children) > 0 {
		return defs.EINVALID
	}
	delete(pe.Children, name)
	delete(d.img.Entries, num)
	return 0
}

func (d *Driver) CheckPermission(in *vfs.Inode, op string) defs.Err_t {
	return 0 // path-level policy lives in vfs.CheckPathSecurity; this driver imposes none of its own
}

func (d *Driver) SetSecurityLabel(in *vfs.Inode, lvl defs.Level) defs.Err_t {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.img.Entries[in.Number]
	if !ok {
		return defs.EBADHANDLE
	}
	e.Class = lvl
	in.Classification = lvl
	return 0
}

func (d *Driver) GetSecurityLabel(in *vfs.Inode) defs.Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.img.Entries[in.Number]; ok {
		return e.Class
	}
	return defs.Unclassified
}

func (d *Driver) toInode(e *entry) *vfs.Inode {
	now := time.Now()
	return &vfs.Inode{
		Number:         e.Number,
		Kind:           e.Kind,
		Size:           int64(len(e.Data)),
		Owner:          e.Owner,
		AccessTime:     now,
		ModifyTime:     now,
		ChangeTime:     now,
		LinkCount:      e.LinkCount,
		Classification: e.Class,
	}
}

// Root returns the driver's root inode.
func (d *Driver) Root() *vfs.Inode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.toInode(d.img.Entries[d.img.Root])
}

// Lookup resolves a single path component inside dir, the callback
// vfs.Resolve needs to walk a path through this driver.
func (d *Driver) Lookup(sb *vfs.SuperBlock, dir *vfs.Inode, name string) (*vfs.Inode, defs.Err_t) {
	d.mu.Lock()
	defer d.mu.Unlock()
	de, ok := d.img.Entries[dir.Number]
	if !ok || de.Kind != "dir" {
		return nil, defs.EBADHANDLE
	}
	num, exists := de.Children[name]
	if !exists {
		return nil, defs.EBADPATH
	}
	return d.toInode(d.img.Entries[num]), 0
}

// ValidatePath is a convenience wrapper joining fmt/path for callers
// that build destination paths from host skeleton directory walks.
func ValidatePath(base, rel string) string {
	return fmt.Sprintf("/%s", path.Clean(rel))
}
