// Package vfs implements the virtual file system layer: a pluggable
// driver registry, a longest-prefix mount table, a sharded inode
// cache with pin-gated LRU eviction, per-process file handles, and
// the path-based security gate.
package vfs

import (
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"sentinalos/internal/defs"
	"sentinalos/internal/ustr"
)

// InodeNumber identifies an inode within a filesystem.
type InodeNumber uint64

// Inode is the in-memory inode record.
type Inode struct {
	Number        InodeNumber
	Kind          string // "file", "dir", "device"
	Size          int64
	Owner         int
	AccessTime    time.Time
	ModifyTime    time.Time
	ChangeTime    time.Time
	LinkCount     int
	DataBlockRefs []uint64
	Classification defs.Level

	mu      sync.Mutex
	refcnt  int
	lastUse int64
}

// SuperBlock describes a mounted filesystem instance.
type SuperBlock struct {
	Magic          uint32
	FilesystemKind string
	BlockSize      int
	TotalBlocks    uint64
	FreeBlocks     uint64
	TotalInodes    uint64
	FreeInodes     uint64
	MountFlags     int
	DeviceName     string
	MountPath      string
	Driver         *Driver
	Private        interface{}
	Classification defs.Level
}

// Driver is the operation table every filesystem back-end
// implements. Up to 32 drivers register by name; mounts reference a
// driver by name and produce a super block linked into the mount
// list.
type Driver interface {
	Name() string
	Mount(device string, flags int) (*SuperBlock, defs.Err_t)
	Unmount(sb *SuperBlock) defs.Err_t
	AllocInode(sb *SuperBlock, kind string) (*Inode, defs.Err_t)
	DestroyInode(sb *SuperBlock, ino InodeNumber) defs.Err_t
	ReadInode(sb *SuperBlock, ino InodeNumber) (*Inode, defs.Err_t)
	WriteInode(sb *SuperBlock, in *Inode) defs.Err_t
	Open(sb *SuperBlock, in *Inode, flags int) defs.Err_t
	Release(sb *SuperBlock, in *Inode) defs.Err_t
	Read(sb *SuperBlock, in *Inode, buf []byte, off int64) (int, defs.Err_t)
	Write(sb *SuperBlock, in *Inode, buf []byte, off int64) (int, defs.Err_t)
	Readdir(sb *SuperBlock, in *Inode) ([]string, defs.Err_t)
	Mkdir(sb *SuperBlock, parent *Inode, name string) (*Inode, defs.Err_t)
	Rmdir(sb *SuperBlock, parent *Inode, name string) defs.Err_t
	Root() *Inode
	Lookup(sb *SuperBlock, dir *Inode, name string) (*Inode, defs.Err_t)
	Create(sb *SuperBlock, parent *Inode, name string) (*Inode, defs.Err_t)
	CheckPermission(in *Inode, op string) defs.Err_t
	SetSecurityLabel(in *Inode, lvl defs.Level) defs.Err_t
	GetSecurityLabel(in *Inode) defs.Level
}

// Registry holds up to maxDrivers named filesystem drivers.
type Registry struct {
	mu      sync.Mutex
	drivers map[string]Driver
	max     int
}

func NewRegistry(maxDrivers int) *Registry {
	return &Registry{drivers: make(map[string]Driver), max: maxDrivers}
}

func (r *Registry) Register(d Driver) defs.Err_t {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.drivers[d.Name()]; ok {
		return defs.EINVALID
	}
	if len(r.drivers) >= r.max {
		return defs.ETOOMANYOPEN
	}
	r.drivers[d.Name()] = d
	return 0
}

func (r *Registry) Lookup(name string) (Driver, defs.Err_t) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.drivers[name]
	if !ok {
		return nil, defs.EINVALID
	}
	return d, 0
}

// MountPoint is one entry in the mount list, represented as a slice
// under a single mutex rather than an intrusive linked list; nothing
// here needs pointer-stable links.
type MountPoint struct {
	Path           string
	Super          *SuperBlock
	Flags          int
	Classification defs.Level
}

// MountTable resolves paths to mounts by longest-prefix match.
type MountTable struct {
	mu     sync.Mutex
	mounts []MountPoint
}

// Count reports how many filesystems are currently mounted, for the
// statistics surface.
func (mt *MountTable) Count() int {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	return len(mt.mounts)
}

func NewMountTable() *MountTable {
	return &MountTable{}
}

// Mount appends a new mount point. Later registrations with an
// equally long prefix win ties.
func (mt *MountTable) Mount(mp MountPoint) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.mounts = append(mt.mounts, mp)
}

// Unmount removes the mount whose path equals path.
func (mt *MountTable) Unmount(path string) defs.Err_t {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	for i, mp := range mt.mounts {
		if mp.Path == path {
			mt.mounts = append(mt.mounts[:i], mt.mounts[i+1:]...)
			return 0
		}
	}
	return defs.EINVALID
}

// FindMountPoint selects the mount whose path is the longest prefix
// of path; ties go to the later registration (later entries are
// scanned last and overwrite the running best).
func (mt *MountTable) FindMountPoint(path string) (*MountPoint, defs.Err_t) {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	var best *MountPoint
	bestLen := -1
	for i := range mt.mounts {
		mp := &mt.mounts[i]
		if strings.HasPrefix(path, mp.Path) && len(mp.Path) >= bestLen {
			best = mp
			bestLen = len(mp.Path)
		}
	}
	if best == nil {
		return nil, defs.EBADPATH
	}
	return best, 0
}

// cacheKey identifies an inode cache slot by (superblock identity,
// inode number).
type cacheKey struct {
	sb  *SuperBlock
	ino InodeNumber
}

func (k cacheKey) hash() uint64 {
	h := xxhash.New()
	var buf [8]byte
	p := uintptrToBytes(k.sb)
	h.Write(p[:])
	buf[0] = byte(k.ino)
	buf[1] = byte(k.ino >> 8)
	buf[2] = byte(k.ino >> 16)
	buf[3] = byte(k.ino >> 24)
	buf[4] = byte(k.ino >> 32)
	buf[5] = byte(k.ino >> 40)
	buf[6] = byte(k.ino >> 48)
	buf[7] = byte(k.ino >> 56)
	h.Write(buf[:])
	return h.Sum64()
}

// uintptrToBytes turns a pointer's identity into stable hash input
// without unsafe: the SuperBlock's MountPath is unique per mounted
// filesystem and serves as its identity for hashing purposes.
func uintptrToBytes(sb *SuperBlock) [8]byte {
	var out [8]byte
	if sb == nil {
		return out
	}
	copy(out[:], sb.MountPath)
	return out
}

type cacheBucket struct {
	sync.Mutex
	entries map[cacheKey]*Inode
}

// InodeCache caches inodes keyed by (superblock, number), bounded at
// capacity entries with LRU eviction over unpinned entries, sharded
// into buckets so lookups on different inodes rarely contend.
type InodeCache struct {
	buckets  []*cacheBucket
	capacity int

	mu     sync.Mutex
	size   int
	clock  int64
	hits   int64
	misses int64
}

// NewInodeCache builds a cache bounded at capacity entries using
// nbuckets shards.
func NewInodeCache(capacity, nbuckets int) *InodeCache {
	c := &InodeCache{capacity: capacity, buckets: make([]*cacheBucket, nbuckets)}
	for i := range c.buckets {
		c.buckets[i] = &cacheBucket{entries: make(map[cacheKey]*Inode)}
	}
	return c
}

func (c *InodeCache) bucketFor(k cacheKey) *cacheBucket {
	return c.buckets[k.hash()%uint64(len(c.buckets))]
}

// Get looks up a cached inode, bumping its last-access tick and
// pinning it (incrementing its reference count) on a hit. Hits and
// misses are counted for the statistics surface.
func (c *InodeCache) Get(sb *SuperBlock, ino InodeNumber) (*Inode, bool) {
	k := cacheKey{sb, ino}
	b := c.bucketFor(k)
	b.Lock()
	defer b.Unlock()
	in, ok := b.entries[k]
	if !ok {
		c.mu.Lock()
		c.misses++
		c.mu.Unlock()
		return nil, false
	}
	in.mu.Lock()
	in.refcnt++
	c.mu.Lock()
	c.hits++
	c.clock++
	in.lastUse = c.clock
	c.mu.Unlock()
	in.mu.Unlock()
	return in, true
}

// Stats reports the cache's cumulative hit and miss counts.
func (c *InodeCache) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Put inserts in into the cache, evicting the least recently used
// unpinned entry across all buckets if the cache is full. Returns
// CacheFull if every entry is pinned; callers surface that as
// TooManyOpen.
func (c *InodeCache) Put(sb *SuperBlock, in *Inode) defs.Err_t {
	k := cacheKey{sb, in.Number}
	c.mu.Lock()
	full := c.size >= c.capacity
	c.mu.Unlock()
	if full {
		if !c.evictOne() {
			return defs.ECACHEFULL
		}
	}
	b := c.bucketFor(k)
	b.Lock()
	if _, exists := b.entries[k]; !exists {
		c.mu.Lock()
		c.size++
		c.clock++
		in.lastUse = c.clock
		c.mu.Unlock()
	}
	b.entries[k] = in
	b.Unlock()
	return 0
}

// evictOne removes the least recently used unpinned (refcnt == 0)
// entry across all buckets, returning whether one was found.
func (c *InodeCache) evictOne() bool {
	var victimBucket *cacheBucket
	var victimKey cacheKey
	var victimUse int64 = 1<<63 - 1
	found := false
	for _, b := range c.buckets {
		b.Lock()
		for k, in := range b.entries {
			in.mu.Lock()
			pinned := in.refcnt > 0
			use := in.lastUse
			in.mu.Unlock()
			if !pinned && use < victimUse {
				victimUse = use
				victimKey = k
				victimBucket = b
				found = true
			}
		}
		b.Unlock()
	}
	if !found {
		return false
	}
	victimBucket.Lock()
	delete(victimBucket.entries, victimKey)
	victimBucket.Unlock()
	c.mu.Lock()
	c.size--
	c.mu.Unlock()
	return true
}

// Unpin decrements an inode's reference count, making it eligible
// for eviction once it reaches zero.
func (c *InodeCache) Unpin(in *Inode) {
	in.mu.Lock()
	if in.refcnt > 0 {
		in.refcnt--
	}
	in.mu.Unlock()
}

// classified path prefixes and the /system/ write-restriction
// prefix of the default path security policy.
var classifiedPrefixes = []string{"/classified/", "/secret/", "/pentagon/"}

// CheckPathSecurity implements the default path security policy,
// consulted before every mount/unmount/open/mkdir/rmdir: classified
// path components require clearance at or above SECRET, and writes
// under /system/ require uid 0.
func CheckPathSecurity(path string, write bool, actorClass defs.Level, uid int) defs.Err_t {
	for _, pfx := range classifiedPrefixes {
		if strings.Contains(path, pfx) && actorClass < defs.Secret {
			return defs.EPERMISSION
		}
	}
	if write && strings.HasPrefix(path, "/system/") && uid != 0 {
		return defs.EPERMISSION
	}
	return 0
}

// Resolve splits path on '/' and walks it component by component
// starting at root, pinning each intermediate inode it passes and
// returning them so the caller can unpin them after the walk. lookup
// fetches (or faults in) the child inode of dir named name; the walk
// does not look inodes up in the inode cache.
func Resolve(cache *InodeCache, sb *SuperBlock, root *Inode, path ustr.Ustr,
	lookup func(sb *SuperBlock, dir *Inode, name string) (*Inode, defs.Err_t)) (*Inode, []*Inode, defs.Err_t) {

	cur := root
	var pinned []*Inode
	for _, comp := range path.Split() {
		name := comp.String()
		if name == "." {
			continue
		}
		var next *Inode
		var err defs.Err_t
		next, err = lookup(sb, cur, name)
		if err != 0 {
			for _, p := range pinned {
				cache.Unpin(p)
			}
			return nil, nil, err
		}
		cur.mu.Lock()
		cur.refcnt++
		cur.mu.Unlock()
		pinned = append(pinned, cur)
		cur = next
	}
	return cur, pinned, 0
}
