// Per-process open-handle tables and the kernel-level file
// operations behind the OPEN/CLOSE/READ/WRITE syscalls: path security
// gating, mount resolution, inode pinning, and the ACCESS_DENIED
// audit trail for every denial.
package kernel

import (
	"strconv"

	"sentinalos/internal/access"
	"sentinalos/internal/defs"
	"sentinalos/internal/proc"
	"sentinalos/internal/stats"
	"sentinalos/internal/ustr"
	"sentinalos/internal/vfs"
)

// handleTable returns pid's open-handle table, creating it on first use.
func (k *Kernel) handleTable(pid proc.Pid_t) *vfs.HandleTable {
	k.hmu.Lock()
	defer k.hmu.Unlock()
	t, ok := k.handles[pid]
	if !ok {
		t = vfs.NewHandleTable(k.Config.Limits.OpenHandles)
		k.handles[pid] = t
	}
	return t
}

// adoptHandles installs a forked child's cloned table.
func (k *Kernel) adoptHandles(pid proc.Pid_t, t *vfs.HandleTable) {
	k.hmu.Lock()
	k.handles[pid] = t
	k.hmu.Unlock()
}

// releaseHandles tears down pid's table on exit, dropping every
// handle reference it held.
func (k *Kernel) releaseHandles(pid proc.Pid_t) {
	k.hmu.Lock()
	t := k.handles[pid]
	delete(k.handles, pid)
	k.hmu.Unlock()
	if t != nil {
		t.CloseAll()
	}
}

// auditDenied records a failed security-policy evaluation with the
// ACCESS_DENIED event tag and bumps the denial counter.
func (k *Kernel) auditDenied(actor *proc.PCB, subject string) {
	stats.Global.AccessDenials.Inc()
	stats.Global.AuditEvents.Inc()
	k.Auditor.Log(k.Scheduler.ContextSwitches(),
		access.Actor{Pid: int(actor.Pid), Classification: actor.Classification},
		"ACCESS_DENIED", subject, false)
}

// CheckProcessAccess applies verify_access between two PCBs for an
// explicit cross-process operation (signal, state read, resource
// destruction, never CPU dispatch), auditing denials.
func (k *Kernel) CheckProcessAccess(actor, target *proc.PCB, op access.Operation) defs.Err_t {
	a := access.Actor{Pid: int(actor.Pid), Classification: actor.Classification}
	s := access.Subject{OwnerPid: int(target.Pid), Classification: target.Classification}
	if access.VerifyAccess(a, s, op) {
		return 0
	}
	k.auditDenied(actor, "pid:"+strconv.Itoa(int(target.Pid)))
	return defs.EPERMISSION
}

// ProcessInfo reads another process's state through the lattice
// gate: a "read" operation, so no read up.
func (k *Kernel) ProcessInfo(actor *proc.PCB, pid proc.Pid_t) (proc.Info, defs.Err_t) {
	target, rc := k.Procs.Find(pid)
	if rc != 0 {
		return proc.Info{}, rc
	}
	if rc := k.CheckProcessAccess(actor, target, access.OpRead); rc != 0 {
		return proc.Info{}, rc
	}
	return proc.Info{
		Pid: target.Pid, Ppid: target.Ppid, State: target.State,
		Classification: target.Classification, Priority: target.Priority,
		Name: target.Name, CreatedAt: target.CreatedAt,
	}, 0
}

// Mount resolves driverName in the registry, mounts device, and
// links the super block into the mount list.
func (k *Kernel) Mount(caller *proc.PCB, driverName, device, path string, flags int) defs.Err_t {
	if rc := vfs.CheckPathSecurity(path, true, caller.Classification, caller.Uid); rc != 0 {
		k.auditDenied(caller, path)
		return rc
	}
	drv, rc := k.FsRegistry.Lookup(driverName)
	if rc != 0 {
		return defs.EBADPATH
	}
	sb, rc := drv.Mount(device, flags)
	if rc != 0 {
		return rc
	}
	sb.MountPath = path
	k.Mounts.Mount(vfs.MountPoint{Path: path, Super: sb, Flags: flags})
	return 0
}

// Unmount removes the mount whose path exactly matches path.
func (k *Kernel) Unmount(caller *proc.PCB, path string) defs.Err_t {
	if rc := vfs.CheckPathSecurity(path, true, caller.Classification, caller.Uid); rc != 0 {
		k.auditDenied(caller, path)
		return rc
	}
	mp, rc := k.Mounts.FindMountPoint(path)
	if rc != 0 || mp.Path != path {
		return defs.EBADPATH
	}
	drv := *mp.Super.Driver
	if rc := drv.Unmount(mp.Super); rc != 0 {
		return rc
	}
	return k.Mounts.Unmount(path)
}

// lookupPath resolves path to its mount, driver, and inode, unpinning
// the intermediates the walk held.
func (k *Kernel) lookupPath(path string) (*vfs.MountPoint, vfs.Driver, *vfs.Inode, defs.Err_t) {
	mp, rc := k.Mounts.FindMountPoint(path)
	if rc != 0 {
		return nil, nil, nil, defs.EBADPATH
	}
	drv := *mp.Super.Driver
	rel := relPath(path, mp.Path)
	in, pinned, rc := vfs.Resolve(k.InodeCache, mp.Super, drv.Root(), ustr.Ustr(rel), drv.Lookup)
	for _, p := range pinned {
		k.InodeCache.Unpin(p)
	}
	if rc != 0 {
		return mp, drv, nil, rc
	}
	return mp, drv, in, 0
}

func relPath(path, mountPath string) string {
	if mountPath == "/" {
		return path
	}
	return path[len(mountPath):]
}

// Open implements the OPEN syscall's kernel half: path security
// gate, mount resolution, create-on-miss, lattice check against the
// inode's classification, driver open, inode pin, and handle-table
// installation.
func (k *Kernel) Open(caller *proc.PCB, path string, flags int) (int, defs.Err_t) {
	mode := flags & 0x3
	wantRead := mode == vfs.O_RDONLY || mode == vfs.O_RDWR
	wantWrite := mode == vfs.O_WRONLY || mode == vfs.O_RDWR || flags&vfs.O_CREAT != 0

	if rc := vfs.CheckPathSecurity(path, wantWrite, caller.Classification, caller.Uid); rc != 0 {
		k.auditDenied(caller, path)
		return 0, rc
	}

	mp, drv, in, rc := k.lookupPath(path)
	if rc == defs.EBADPATH && mp != nil && flags&vfs.O_CREAT != 0 {
		in, rc = k.createAt(caller, mp, drv, path)
	}
	if rc != 0 {
		return 0, rc
	}

	if wantRead {
		if rc := proc.CheckAccess(caller.Classification, in.Classification, false); rc != 0 {
			k.auditDenied(caller, path)
			return 0, rc
		}
	}
	if wantWrite {
		if rc := proc.CheckAccess(caller.Classification, in.Classification, true); rc != 0 {
			k.auditDenied(caller, path)
			return 0, rc
		}
	}
	if rc := drv.CheckPermission(in, "open"); rc != 0 {
		k.auditDenied(caller, path)
		return 0, rc
	}
	if rc := drv.Open(mp.Super, in, flags); rc != 0 {
		return 0, rc
	}

	// pin the inode for the handle's lifetime; a full, all-pinned
	// cache surfaces as TooManyOpen at the syscall boundary
	if cached, ok := k.InodeCache.Get(mp.Super, in.Number); ok {
		in = cached
	} else {
		if rc := k.InodeCache.Put(mp.Super, in); rc != 0 {
			return 0, defs.ETOOMANYOPEN
		}
		if cached, ok := k.InodeCache.Get(mp.Super, in.Number); ok {
			in = cached
		}
	}

	h := vfs.NewFileHandle(k.InodeCache, mp.Super, in, flags)
	fd, rc := k.handleTable(caller.Pid).Install(h)
	if rc != 0 {
		h.Drop()
		return 0, rc
	}
	return fd, 0
}

// createAt makes an empty file at path's final component inside its
// parent directory. The new file inherits its creator's
// classification, so the caller's own no-write-down check against it
// holds trivially.
func (k *Kernel) createAt(caller *proc.PCB, mp *vfs.MountPoint, drv vfs.Driver, path string) (*vfs.Inode, defs.Err_t) {
	rel := ustr.Ustr(relPath(path, mp.Path))
	parent, pinned, rc := vfs.Resolve(k.InodeCache, mp.Super, drv.Root(), rel.Dir(), drv.Lookup)
	for _, p := range pinned {
		k.InodeCache.Unpin(p)
	}
	if rc != 0 {
		return nil, defs.EBADPATH
	}
	in, rc := drv.Create(mp.Super, parent, rel.Base().String())
	if rc != 0 {
		return nil, rc
	}
	if rc := drv.SetSecurityLabel(in, caller.Classification); rc != 0 {
		return nil, rc
	}
	return in, 0
}

// CloseFd vacates fd. The reserved console numbers close as no-ops.
func (k *Kernel) CloseFd(caller *proc.PCB, fd int) defs.Err_t {
	if fd >= 0 && fd < vfs.FirstUserFd {
		return 0
	}
	return k.handleTable(caller.Pid).Close(fd)
}

// DupFd shares fd's handle under a new number, bumping its
// reference count.
func (k *Kernel) DupFd(caller *proc.PCB, fd int) (int, defs.Err_t) {
	return k.handleTable(caller.Pid).Dup(fd)
}

// ReadFd fills buf from fd: handle 0 drains the console input
// queue, 1/2 are write-only, anything else goes through the
// handle table.
func (k *Kernel) ReadFd(caller *proc.PCB, fd int, buf []byte) (int, defs.Err_t) {
	switch fd {
	case 0:
		return k.Console.In.Read(buf), 0
	case 1, 2:
		return 0, defs.EBADHANDLE
	}
	h, rc := k.handleTable(caller.Pid).Get(fd)
	if rc != 0 {
		return 0, rc
	}
	return h.Read(buf)
}

// WriteFd stores buf at fd: handles 1/2 emit to the console,
// 0 is read-only, anything else goes through the handle table.
func (k *Kernel) WriteFd(caller *proc.PCB, fd int, buf []byte) (int, defs.Err_t) {
	switch fd {
	case 1, 2:
		return k.Console.Out(buf)
	case 0:
		return 0, defs.EBADHANDLE
	}
	h, rc := k.handleTable(caller.Pid).Get(fd)
	if rc != 0 {
		return 0, rc
	}
	return h.Write(buf)
}

// Mkdir creates a directory at path, gated the same way open is.
func (k *Kernel) Mkdir(caller *proc.PCB, path string) defs.Err_t {
	if rc := vfs.CheckPathSecurity(path, true, caller.Classification, caller.Uid); rc != 0 {
		k.auditDenied(caller, path)
		return rc
	}
	mp, drv, _, rc := k.lookupPath(path)
	if rc != defs.EBADPATH || mp == nil {
		if rc == 0 {
			return defs.EINVALID // already exists
		}
		return rc
	}
	rel := ustr.Ustr(relPath(path, mp.Path))
	parent, pinned, prc := vfs.Resolve(k.InodeCache, mp.Super, drv.Root(), rel.Dir(), drv.Lookup)
	for _, p := range pinned {
		k.InodeCache.Unpin(p)
	}
	if prc != 0 {
		return defs.EBADPATH
	}
	_, rc = drv.Mkdir(mp.Super, parent, rel.Base().String())
	return rc
}

// Rmdir removes the directory at path.
func (k *Kernel) Rmdir(caller *proc.PCB, path string) defs.Err_t {
	if rc := vfs.CheckPathSecurity(path, true, caller.Classification, caller.Uid); rc != 0 {
		k.auditDenied(caller, path)
		return rc
	}
	mp, drv, _, rc := k.lookupPath(path)
	if rc != 0 {
		return rc
	}
	rel := ustr.Ustr(relPath(path, mp.Path))
	parent, pinned, prc := vfs.Resolve(k.InodeCache, mp.Super, drv.Root(), rel.Dir(), drv.Lookup)
	for _, p := range pinned {
		k.InodeCache.Unpin(p)
	}
	if prc != 0 {
		return defs.EBADPATH
	}
	return drv.Rmdir(mp.Super, parent, rel.Base().String())
}

// userSlice bounds-checks an (addr, length) pair against the
// simulated user window. A null address is a fault, matching the
// syscall table's "Fault (null buf)" failure row.
func (k *Kernel) userSlice(addr, length uintptr) ([]byte, defs.Err_t) {
	if addr == 0 {
		return nil, defs.EFAULT
	}
	end := addr + length
	if end < addr || end > uintptr(len(k.UserMem)) {
		return nil, defs.EFAULT
	}
	return k.UserMem[addr:end], 0
}

// userPath reads a path argument out of the user window, trimming at
// the first NUL the way the C boundary would.
func (k *Kernel) userPath(addr, length uintptr) (string, defs.Err_t) {
	buf, rc := k.userSlice(addr, length)
	if rc != 0 {
		return "", rc
	}
	return ustr.FromSlice(buf).String(), 0
}
