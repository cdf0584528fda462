// Package kernel is the composition root: it wires memory, virtual
// memory protection, security init, the process table and scheduler,
// the VFS, access control/audit, and the syscall dispatch table into
// one boot sequence. Security init runs before the scheduler starts,
// and the scheduler before any syscall can be served.
package kernel

import (
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"sentinalos/internal/access"
	"sentinalos/internal/config"
	"sentinalos/internal/container"
	"sentinalos/internal/defs"
	"sentinalos/internal/drivers"
	"sentinalos/internal/flatfs"
	"sentinalos/internal/mem"
	"sentinalos/internal/proc"
	"sentinalos/internal/security"
	"sentinalos/internal/stats"
	ksyscall "sentinalos/internal/syscall"
	"sentinalos/internal/ustr"
	"sentinalos/internal/vfs"
	"sentinalos/internal/vm"
)

// Kernel owns every subsystem instance. Collecting them in one
// composition-root struct rather than package-level globals lets
// tests instantiate independent kernels side by side.
type Kernel struct {
	Log *zap.SugaredLogger

	Config config.Boot

	Mem *mem.Allocator

	KASLR      *security.KASLRState
	SME        *security.SmeState
	Protection vm.ProtectionState

	Procs     *proc.Table
	Scheduler *proc.Scheduler

	FsRegistry *vfs.Registry
	Mounts     *vfs.MountTable
	InodeCache *vfs.InodeCache

	AuditRing *access.Ring
	Auditor   *access.Auditor

	Syscalls *ksyscall.Table

	Console *drivers.Console

	// UserMem is the simulated user-space window syscall buffer
	// arguments index into, carved from the kernel heap at boot.
	UserMem []byte

	hmu     sync.Mutex
	handles map[proc.Pid_t]*vfs.HandleTable
}

// userWindowBytes sizes the simulated user window syscall READ/WRITE
// buffers live in.
const userWindowBytes = 4 << 20

// Boot runs the full init sequence and returns a ready-to-serve
// Kernel. feat supplies the CPU-feature facts a hosted simulation
// cannot read via cpuid.
func Boot(cfg config.Boot, feat security.CPUFeatures, log *zap.SugaredLogger) (*Kernel, error) {
	if err := cfg.Validate(); err != 0 {
		return nil, fmt.Errorf("kernel: invalid configuration: %s", err)
	}

	k := &Kernel{Log: log, Config: cfg}

	log.Info("booting kernel")

	kaslr, err := security.InitKASLR(0xffffffff80000000, security.CryptoEntropySource{}, log)
	if err != nil {
		return nil, fmt.Errorf("kernel: KASLR init: %w", err)
	}
	k.KASLR = kaslr
	k.SME = security.InitSME(feat, log)

	bootEntries := []vm.Entry{} // boot handoff reports no writable+executable mappings
	if rc := k.Protection.Init(bootEntries, vm.CPUFeatures{HasUMIP: feat.HasUMIP, HasCET: feat.HasCET}, log); rc != 0 {
		return nil, fmt.Errorf("kernel: protection init failed: %s", rc)
	}

	k.Mem = mem.NewAllocator(cfg.Memory.TotalBytes, cfg.Memory.HeapBytes)
	log.Info(k.Mem.Describe())

	win, rc := k.Mem.Kmalloc(userWindowBytes, mem.PGSIZE)
	if rc != 0 {
		return nil, fmt.Errorf("kernel: carving user window: %s", rc)
	}
	k.UserMem = win
	k.handles = make(map[proc.Pid_t]*vfs.HandleTable)

	k.Procs = proc.NewTable(cfg.Limits.PcbSlots)
	k.Scheduler = proc.NewScheduler(k.Procs)

	k.FsRegistry = vfs.NewRegistry(cfg.Limits.MaxFilesystems)
	k.Mounts = vfs.NewMountTable()
	k.InodeCache = vfs.NewInodeCache(cfg.Limits.InodeCacheCap, 64)

	if cfg.Filesystem.ImagePath != "" {
		if err := k.mountRootImage(cfg.Filesystem.ImagePath, cfg.Filesystem.MountPath, log); err != nil {
			return nil, fmt.Errorf("kernel: mounting %s: %w", cfg.Filesystem.ImagePath, err)
		}
	}

	k.AuditRing = access.NewRing(cfg.Limits.AuditRingCap)
	var sink *os.File
	if cfg.Audit.SinkPath != "" {
		sink, err = os.OpenFile(cfg.Audit.SinkPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("kernel: opening audit sink: %w", err)
		}
	}
	if sink != nil {
		k.Auditor = access.NewAuditor(k.AuditRing, sink)
	} else {
		k.Auditor = access.NewAuditor(k.AuditRing, nil)
	}

	k.Syscalls = ksyscall.NewTable(k.Auditor, k.Scheduler.ContextSwitches)
	k.registerSyscalls()

	k.Console = &drivers.Console{
		In: drivers.NewByteQueue(4096),
		Out: func(b []byte) (int, defs.Err_t) {
			n, err := os.Stdout.Write(b)
			if err != nil {
				return n, defs.EIO
			}
			return n, 0
		},
	}

	log.Info(security.Report(k.KASLR, k.SME, k.Protection))
	log.Info("kernel boot complete")
	return k, nil
}

// registerSyscalls wires the mandatory call set. Buffer and path
// arguments index into k.UserMem, the simulated user
// window; EXECVE validates its path through the VFS and the lattice
// but loads nothing, since ELF loading is out of scope.
func (k *Kernel) registerSyscalls() {
	t := k.Syscalls

	t.Register(ksyscall.SYS_GETPID, defs.Unclassified, func(caller *proc.PCB, _ ksyscall.Args) (uintptr, defs.Err_t) {
		return uintptr(caller.Pid), 0
	})

	t.Register(ksyscall.SYS_EXIT, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		code := int(args[0])
		k.releaseHandles(caller.Pid)
		k.Procs.Exit(caller.Pid, code)
		k.Scheduler.Schedule()
		return 0, 0
	})

	t.Register(ksyscall.SYS_FORK, defs.Unclassified, func(caller *proc.PCB, _ ksyscall.Args) (uintptr, defs.Err_t) {
		child, err := k.Procs.Alloc(caller.Pid, caller.Name+"-child", caller.Classification, caller.Priority)
		if err != 0 {
			return 0, err
		}
		child.Uid = caller.Uid
		k.adoptHandles(child.Pid, k.handleTable(caller.Pid).Clone())
		k.Scheduler.Enqueue(child.Pid)
		return uintptr(child.Pid), 0
	})

	t.Register(ksyscall.SYS_WAITPID, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		status, err := k.Procs.WaitChild(caller.Pid, proc.Pid_t(args[0]))
		return uintptr(status), err
	})

	t.Register(ksyscall.SYS_KILL, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		target, err := k.Procs.Find(proc.Pid_t(args[0]))
		if err != 0 {
			return 0, defs.ENOSUCHPROC
		}
		if rc := k.CheckProcessAccess(caller, target, access.OpWrite); rc != 0 {
			return 0, rc
		}
		return 0, k.Scheduler.Kill(caller, target, defs.Err_t(-int(args[1])))
	})

	t.Register(ksyscall.SYS_WRITE, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		buf, rc := k.userSlice(args[1], args[2])
		if rc != 0 {
			return 0, rc
		}
		n, rc := k.WriteFd(caller, int(args[0]), buf)
		return uintptr(n), rc
	})

	t.Register(ksyscall.SYS_READ, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		buf, rc := k.userSlice(args[1], args[2])
		if rc != 0 {
			return 0, rc
		}
		n, rc := k.ReadFd(caller, int(args[0]), buf)
		return uintptr(n), rc
	})

	t.Register(ksyscall.SYS_BRK, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		size := int(args[0])
		if size <= 0 {
			return 0, defs.EINVALID
		}
		buf, err := k.Mem.Kmalloc(size, 0)
		if err != 0 {
			return 0, err
		}
		return uintptr(len(buf)), 0
	})

	t.Register(ksyscall.SYS_MMAP, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		length := int(args[1])
		if length <= 0 {
			return 0, defs.EINVALID
		}
		order := 0
		for (1 << order) < (length+mem.PGSIZE-1)/mem.PGSIZE {
			order++
		}
		pa, err := k.Mem.AllocPages(mem.ZoneNormal, order)
		if err != 0 {
			return 0, err
		}
		return uintptr(pa), 0
	})

	t.Register(ksyscall.SYS_OPEN, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		path, rc := k.userPath(args[0], args[1])
		if rc != 0 {
			return 0, rc
		}
		fd, rc := k.Open(caller, path, int(args[2]))
		return uintptr(fd), rc
	})

	t.Register(ksyscall.SYS_CLOSE, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		return 0, k.CloseFd(caller, int(args[0]))
	})

	t.Register(ksyscall.SYS_EXECVE, defs.Unclassified, func(caller *proc.PCB, args ksyscall.Args) (uintptr, defs.Err_t) {
		path, rc := k.userPath(args[0], args[1])
		if rc != 0 {
			return 0, defs.EBADPATH
		}
		if rc := vfs.CheckPathSecurity(path, false, caller.Classification, caller.Uid); rc != 0 {
			k.auditDenied(caller, path)
			return 0, rc
		}
		_, _, in, rc := k.lookupPath(path)
		if rc != 0 {
			return 0, defs.EBADPATH
		}
		if rc := proc.CheckAccess(caller.Classification, in.Classification, false); rc != 0 {
			k.auditDenied(caller, path)
			return 0, rc
		}
		caller.Name = ustr.Ustr(path).Base().String()
		return 0, 0
	})
}

// mountRootImage loads a flatfs image built by cmd/mkfs, registers
// its driver, and mounts it at mountPath, priming the inode cache
// with its root inode the way an early boot mount does.
func (k *Kernel) mountRootImage(imagePath, mountPath string, log *zap.SugaredLogger) error {
	disk := drivers.NewMemDisk()
	driver, err := flatfs.Load(imagePath, disk)
	if err != nil {
		return err
	}
	if rc := k.FsRegistry.Register(driver); rc != 0 {
		return fmt.Errorf("registering flatfs driver: %s", rc)
	}
	sb, rc := driver.Mount(imagePath, 0)
	if rc != 0 {
		return fmt.Errorf("mounting flatfs: %s", rc)
	}
	sb.MountPath = mountPath
	k.Mounts.Mount(vfs.MountPoint{Path: mountPath, Super: sb})
	if rc := k.InodeCache.Put(sb, driver.Root()); rc != 0 {
		log.Warnw("root inode cache seed failed", "error", rc)
	}
	log.Infow("mounted filesystem image", "path", imagePath, "mount", mountPath)
	return nil
}

// StatisticsSurface is the single read-only mapping exposed to user
// space: memory, scheduler, VFS, and audit counters gathered from
// every subsystem.
type StatisticsSurface struct {
	MemTotal, MemUsed, MemFree uint64
	Scheduler                  proc.Stats
	VfsMounts                  int
	CacheHits, CacheMisses     int64
	AuditEmitted, AuditDropped int64
	SyscallsServed             int64
	AccessDenials              int64
	SyscallTime                time.Duration
}

// Stats assembles the statistics surface on demand, combining the
// per-subsystem snapshots with the process-wide counters in
// internal/stats.Global.
func (k *Kernel) Stats() StatisticsSurface {
	total, used, free := k.Mem.Stats()
	hits, misses := k.InodeCache.Stats()
	return StatisticsSurface{
		MemTotal:       total,
		MemUsed:        used,
		MemFree:        free,
		Scheduler:      k.Scheduler.StatsSnapshot(),
		VfsMounts:      k.Mounts.Count(),
		CacheHits:      hits,
		CacheMisses:    misses,
		AuditEmitted:   stats.Global.AuditEvents.Get(),
		AuditDropped:   k.AuditRing.Dropped(),
		SyscallsServed: stats.Global.Syscalls.Get(),
		AccessDenials:  stats.Global.AccessDenials.Get(),
		SyscallTime:    stats.Global.SyscallTime.Duration(),
	}
}

// EncryptFile and DecryptFile expose the container package through
// the kernel so cmd/sentinelsend can share one code path with any
// future in-kernel use of the container format.
func (k *Kernel) EncryptFile(plaintext []byte, password string, cls defs.Level) ([]byte, defs.Err_t) {
	return container.Encrypt(plaintext, password, cls)
}

func (k *Kernel) DecryptFile(data []byte, password string) ([]byte, *container.Header, defs.Err_t) {
	return container.Decrypt(data, password)
}
