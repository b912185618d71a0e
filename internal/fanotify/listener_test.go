package fanotify

import (
	"encoding/binary"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/roach88/dlpd/internal/fileid"
)

type recordingDelegate struct {
	mu      sync.Mutex
	opened  []OpenRequest
	deleted []uint64
}

func (d *recordingDelegate) OnFileOpened(req OpenRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opened = append(d.opened, req)
}

func (d *recordingDelegate) OnFileDeleted(inode uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, inode)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// pipeListener returns a permission listener whose group fd is the write end
// of a pipe, and the read end for inspecting verdicts.
func pipeListener(t *testing.T, d Delegate, abort AbortFunc) (*PermissionListener, *os.File) {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe2(p[:], unix.O_CLOEXEC))
	r := os.NewFile(uintptr(p[0]), "verdicts")
	t.Cleanup(func() {
		r.Close()
		unix.Close(p[1])
	})
	return &PermissionListener{
		fd:       p[1],
		delegate: d,
		abort:    abort,
		timeout:  DefaultWatchdogTimeout,
		log:      quietLogger(),
	}, r
}

func openEventFd(t *testing.T) (int, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o600))
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)
	return fd, path
}

func readVerdict(t *testing.T, r *os.File) (int32, uint32) {
	t.Helper()
	b := make([]byte, responseSize)
	_, err := io.ReadFull(r, b)
	require.NoError(t, err)
	return int32(binary.NativeEndian.Uint32(b[0:4])), binary.NativeEndian.Uint32(b[4:8])
}

func TestPermissionListener_InactiveAllowsWithoutDelegate(t *testing.T) {
	d := &recordingDelegate{}
	l, verdicts := pipeListener(t, d, nil)
	fd, _ := openEventFd(t)

	l.handle(metadata(unix.FAN_OPEN_PERM, int32(fd), 100, nil))

	gotFd, verdict := readVerdict(t, verdicts)
	assert.Equal(t, int32(fd), gotFd)
	assert.Equal(t, uint32(unix.FAN_ALLOW), verdict)
	assert.Empty(t, d.opened)
}

func TestPermissionListener_ActiveDeliversResolvedRequest(t *testing.T) {
	d := &recordingDelegate{}
	l, verdicts := pipeListener(t, d, func(string) { t.Error("watchdog fired") })
	l.SetActive(true)
	fd, path := openEventFd(t)

	l.handle(metadata(unix.FAN_OPEN_PERM, int32(fd), 100, nil))

	require.Len(t, d.opened, 1)
	req := d.opened[0]
	want, err := fileid.FromPath(path)
	require.NoError(t, err)
	assert.Equal(t, want, req.ID)
	assert.Equal(t, int32(100), req.PID)

	require.NoError(t, l.Reply(req, false))
	gotFd, verdict := readVerdict(t, verdicts)
	assert.Equal(t, int32(fd), gotFd)
	assert.Equal(t, uint32(unix.FAN_DENY), verdict)
}

func TestPermissionListener_UnresolvableFailsOpen(t *testing.T) {
	d := &recordingDelegate{}
	l, verdicts := pipeListener(t, d, nil)
	l.SetActive(true)

	// statx fails on a descriptor that is not open.
	l.handle(metadata(unix.FAN_OPEN_PERM, 1<<20, 100, nil))

	_, verdict := readVerdict(t, verdicts)
	assert.Equal(t, uint32(unix.FAN_ALLOW), verdict)
	assert.Empty(t, d.opened)
}

func TestDeleteListener_DeliversInode(t *testing.T) {
	d := &recordingDelegate{}
	l := &DeleteListener{fd: -1, delegate: d, log: quietLogger()}

	buf := append(
		metadata(unix.FAN_DELETE_SELF, unix.FAN_NOFD, 1, fidInfo(fileidIno32Gen, ino32Handle(42, 3))),
		metadata(unix.FAN_DELETE_SELF, unix.FAN_NOFD, 1, fidInfo(0x4d, make([]byte, 20)))...,
	)
	l.handle(buf)

	assert.Equal(t, []uint64{42}, d.deleted, "unsupported handle types are dropped")
}

func TestWatchdog_FiresWithoutStop(t *testing.T) {
	fired := make(chan string, 1)
	StartWatchdog(10*time.Millisecond, func(reason string) { fired <- reason }, "late")

	select {
	case reason := <-fired:
		assert.Equal(t, "late", reason)
	case <-time.After(2 * time.Second):
		t.Fatal("watchdog did not fire")
	}
}

func TestWatchdog_StopPreventsAbort(t *testing.T) {
	fired := make(chan string, 1)
	w := StartWatchdog(50*time.Millisecond, func(reason string) { fired <- reason }, "late")
	assert.True(t, w.Stop())

	select {
	case <-fired:
		t.Fatal("stopped watchdog fired")
	case <-time.After(150 * time.Millisecond):
	}
	assert.False(t, w.Stop(), "second stop reports already stopped")
}

func TestWatchdog_NilStop(t *testing.T) {
	var w *Watchdog
	assert.False(t, w.Stop())
}
