package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinalos/internal/config"
	"sentinalos/internal/defs"
	"sentinalos/internal/drivers"
	"sentinalos/internal/flatfs"
	"sentinalos/internal/proc"
	"sentinalos/internal/security"
	ksyscall "sentinalos/internal/syscall"
	"sentinalos/internal/vfs"
)

func bootWithFlatfs(t *testing.T, cfg config.Boot) (*Kernel, *proc.PCB) {
	t.Helper()
	k, err := Boot(cfg, security.CPUFeatures{}, testLogger())
	require.NoError(t, err)
	require.Equal(t, defs.Err_t(0), k.FsRegistry.Register(flatfs.New(drivers.NewMemDisk())))

	p, rc := k.Procs.Alloc(0, "shell", defs.Unclassified, 0)
	require.Equal(t, defs.Err_t(0), rc)
	require.Equal(t, defs.Err_t(0), k.Mount(p, "flatfs", "mem0", "/t", 0))
	return k, p
}

func TestMountOpenWriteCloseReopenRead(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())

	fd, rc := k.Open(p, "/t/x", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)
	assert.GreaterOrEqual(t, fd, vfs.FirstUserFd)

	n, rc := k.WriteFd(p, fd, []byte("hello, world!"))
	require.Equal(t, defs.Err_t(0), rc)
	require.Equal(t, 13, n)
	require.Equal(t, defs.Err_t(0), k.CloseFd(p, fd))

	fd2, rc := k.Open(p, "/t/x", vfs.O_RDONLY)
	require.Equal(t, defs.Err_t(0), rc)
	buf := make([]byte, 32)
	n, rc = k.ReadFd(p, fd2, buf)
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, 13, n)
	assert.Equal(t, "hello, world!", string(buf[:n]))

	h, rc := k.handleTable(p.Pid).Get(fd2)
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, int64(13), h.Offset())
}

func TestOpenMissingFileWithoutCreateIsBadPath(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	_, rc := k.Open(p, "/t/missing", vfs.O_RDONLY)
	assert.Equal(t, defs.EBADPATH, rc)
}

func TestOpenClassifiedPathRequiresClearance(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	require.Equal(t, defs.Err_t(0), k.Mkdir(p, "/t/secret"))

	_, rc := k.Open(p, "/t/secret/plans", vfs.O_CREAT|vfs.O_RDWR)
	assert.Equal(t, defs.EPERMISSION, rc)

	cleared, perr := k.Procs.Alloc(0, "analyst", defs.Secret, 0)
	require.Equal(t, defs.Err_t(0), perr)
	_, rc = k.Open(cleared, "/t/secret/plans", vfs.O_CREAT|vfs.O_RDWR)
	assert.Equal(t, defs.Err_t(0), rc)

	recs := k.AuditRing.Snapshot()
	require.NotEmpty(t, recs)
	denied := recs[len(recs)-1]
	for _, r := range recs {
		if r.EventTag == "ACCESS_DENIED" && r.SubjectPathOrPid == "/t/secret/plans" {
			denied = r
		}
	}
	assert.Equal(t, "ACCESS_DENIED", denied.EventTag)
	assert.False(t, denied.Result)
}

func TestMountUnmountRoundTrip(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	_, rc := k.Mounts.FindMountPoint("/t/anything")
	require.Equal(t, defs.Err_t(0), rc)

	require.Equal(t, defs.Err_t(0), k.Unmount(p, "/t"))
	_, rc = k.Mounts.FindMountPoint("/t/anything")
	assert.Equal(t, defs.EBADPATH, rc)
}

func TestSyscallOpenWriteReadThroughUserWindow(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())

	path := []byte("/t/f\x00")
	copy(k.UserMem[64:], path)
	fd, rc := k.Syscalls.Dispatch(ksyscall.SYS_OPEN, p,
		ksyscall.Args{64, uintptr(len(path)), vfs.O_CREAT | vfs.O_RDWR})
	require.Equal(t, defs.Err_t(0), rc)

	payload := []byte("data!")
	copy(k.UserMem[256:], payload)
	n, rc := k.Syscalls.Dispatch(ksyscall.SYS_WRITE, p,
		ksyscall.Args{fd, 256, uintptr(len(payload))})
	require.Equal(t, defs.Err_t(0), rc)
	require.Equal(t, uintptr(len(payload)), n)

	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_CLOSE, p, ksyscall.Args{fd})
	require.Equal(t, defs.Err_t(0), rc)

	fd, rc = k.Syscalls.Dispatch(ksyscall.SYS_OPEN, p,
		ksyscall.Args{64, uintptr(len(path)), vfs.O_RDONLY})
	require.Equal(t, defs.Err_t(0), rc)
	n, rc = k.Syscalls.Dispatch(ksyscall.SYS_READ, p, ksyscall.Args{fd, 512, 64})
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, uintptr(len(payload)), n)
	assert.Equal(t, payload, k.UserMem[512:512+len(payload)])
}

func TestSyscallNullBufferFaults(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	_, rc := k.Syscalls.Dispatch(ksyscall.SYS_WRITE, p, ksyscall.Args{1, 0, 5})
	assert.Equal(t, defs.EFAULT, rc)
	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_READ, p, ksyscall.Args{0, 0, 5})
	assert.Equal(t, defs.EFAULT, rc)
}

func TestForkSharesOpenHandles(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	fd, rc := k.Open(p, "/t/shared", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)

	childPid, rc := k.Syscalls.Dispatch(ksyscall.SYS_FORK, p, ksyscall.Args{})
	require.Equal(t, defs.Err_t(0), rc)

	h, rc := k.handleTable(proc.Pid_t(childPid)).Get(fd)
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, 2, h.Refcount())
}

func TestExitReleasesHandles(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	fd, rc := k.Open(p, "/t/tmp", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)
	h, rc := k.handleTable(p.Pid).Get(fd)
	require.Equal(t, defs.Err_t(0), rc)
	require.Equal(t, 1, h.Refcount())

	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_EXIT, p, ksyscall.Args{0})
	require.Equal(t, defs.Err_t(0), rc)
	assert.Zero(t, h.Refcount())
}

func TestOpenHandleTableCapIsTooManyOpen(t *testing.T) {
	cfg := config.Default()
	cfg.Limits.OpenHandles = 5
	k, p := bootWithFlatfs(t, cfg)

	_, rc := k.Open(p, "/t/a", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)
	_, rc = k.Open(p, "/t/b", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)
	_, rc = k.Open(p, "/t/c", vfs.O_CREAT|vfs.O_RDWR)
	assert.Equal(t, defs.ETOOMANYOPEN, rc)
}

func TestCrossProcessReadDenialIsAudited(t *testing.T) {
	k, err := Boot(config.Default(), security.CPUFeatures{}, testLogger())
	require.NoError(t, err)

	actor, rc := k.Procs.Alloc(0, "actor", defs.Secret, 0)
	require.Equal(t, defs.Err_t(0), rc)
	target, rc := k.Procs.Alloc(0, "target", defs.TopSecret, 0)
	require.Equal(t, defs.Err_t(0), rc)

	_, rc = k.ProcessInfo(actor, target.Pid)
	assert.Equal(t, defs.EPERMISSION, rc)
	assert.Equal(t, proc.Ready, target.State, "denied access must leave the subject untouched")

	var found bool
	for _, r := range k.AuditRing.Snapshot() {
		if r.EventTag == "ACCESS_DENIED" && r.ActorPid == int(actor.Pid) {
			found = true
			assert.Equal(t, defs.Secret, r.ActorClearance)
			assert.False(t, r.Result)
		}
	}
	assert.True(t, found)
}

func TestKillAcrossLatticeIsDenied(t *testing.T) {
	k, err := Boot(config.Default(), security.CPUFeatures{}, testLogger())
	require.NoError(t, err)

	actor, rc := k.Procs.Alloc(0, "actor", defs.Confidential, 0)
	require.Equal(t, defs.Err_t(0), rc)
	target, rc := k.Procs.Alloc(0, "target", defs.Unclassified, 0)
	require.Equal(t, defs.Err_t(0), rc)

	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_KILL, actor, ksyscall.Args{uintptr(target.Pid), 9})
	assert.Equal(t, defs.EPERMISSION, rc)
	killed, _ := target.Kill.Killed()
	assert.False(t, killed)
}

func TestStatsSurfaceReportsVfsCounters(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())
	require.Equal(t, 1, k.Stats().VfsMounts)

	fd, rc := k.Open(p, "/t/f", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)
	require.Equal(t, defs.Err_t(0), k.CloseFd(p, fd))
	_, rc = k.Open(p, "/t/f", vfs.O_RDONLY)
	require.Equal(t, defs.Err_t(0), rc)

	st := k.Stats()
	assert.Positive(t, st.CacheHits, "reopening a cached inode must count a hit")
	assert.Positive(t, st.CacheMisses, "the first lookup of a fresh inode must count a miss")
}

func TestWaitpidReturnsNamedChildStatus(t *testing.T) {
	k, err := Boot(config.Default(), security.CPUFeatures{}, testLogger())
	require.NoError(t, err)

	parent, rc := k.Procs.Alloc(0, "parent", defs.Unclassified, 0)
	require.Equal(t, defs.Err_t(0), rc)
	childPid, rc := k.Syscalls.Dispatch(ksyscall.SYS_FORK, parent, ksyscall.Args{})
	require.Equal(t, defs.Err_t(0), rc)

	child, rc := k.Procs.Find(proc.Pid_t(childPid))
	require.Equal(t, defs.Err_t(0), rc)
	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_EXIT, child, ksyscall.Args{5})
	require.Equal(t, defs.Err_t(0), rc)

	status, rc := k.Syscalls.Dispatch(ksyscall.SYS_WAITPID, parent, ksyscall.Args{childPid})
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, uintptr(5), status)

	_, rc = k.Procs.Find(proc.Pid_t(childPid))
	assert.Equal(t, defs.ENOSUCHPROC, rc, "reaped child slot must be DEAD")

	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_WAITPID, parent, ksyscall.Args{9999})
	assert.Equal(t, defs.ENOCHILD, rc)
}

func TestExecveValidatesPath(t *testing.T) {
	k, p := bootWithFlatfs(t, config.Default())

	path := []byte("/t/bin/tool\x00")
	copy(k.UserMem[64:], path)
	_, rc := k.Syscalls.Dispatch(ksyscall.SYS_EXECVE, p, ksyscall.Args{64, uintptr(len(path))})
	assert.Equal(t, defs.EBADPATH, rc)

	require.Equal(t, defs.Err_t(0), k.Mkdir(p, "/t/bin"))
	fd, rc := k.Open(p, "/t/bin/tool", vfs.O_CREAT|vfs.O_RDWR)
	require.Equal(t, defs.Err_t(0), rc)
	require.Equal(t, defs.Err_t(0), k.CloseFd(p, fd))

	_, rc = k.Syscalls.Dispatch(ksyscall.SYS_EXECVE, p, ksyscall.Args{64, uintptr(len(path))})
	require.Equal(t, defs.Err_t(0), rc)
	assert.Equal(t, "tool", p.Name)
}
