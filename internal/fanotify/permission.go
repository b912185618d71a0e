package fanotify

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/roach88/dlpd/internal/fileid"
)

// PermissionListener answers FAN_OPEN_PERM events for a mount.
type PermissionListener struct {
	fd       int
	active   atomic.Bool
	delegate Delegate
	abort    AbortFunc
	timeout  time.Duration
	log      *slog.Logger
}

func newPermissionListener(delegate Delegate, o options) (*PermissionListener, error) {
	fd, err := unix.FanotifyInit(
		unix.FAN_CLASS_CONTENT|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		uint(unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC),
	)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init permission group: %w", err)
	}
	return &PermissionListener{
		fd:       fd,
		delegate: delegate,
		abort:    o.abort,
		timeout:  o.watchdogTimeout,
		log:      o.log,
	}, nil
}

// AddWatch marks the mount containing root for open-permission events.
func (l *PermissionListener) AddWatch(root string) error {
	err := unix.FanotifyMark(l.fd, unix.FAN_MARK_ADD|unix.FAN_MARK_MOUNT, unix.FAN_OPEN_PERM, unix.AT_FDCWD, root)
	if err != nil {
		return fmt.Errorf("fanotify_mark %s: %w", root, err)
	}
	return nil
}

// SetActive switches between pass-through (every open allowed without
// consulting the delegate) and mediation.
func (l *PermissionListener) SetActive(active bool) {
	l.active.Store(active)
}

// Active reports whether opens are being mediated.
func (l *PermissionListener) Active() bool {
	return l.active.Load()
}

// Run serves the group until ctx is done.
func (l *PermissionListener) Run(ctx context.Context) error {
	return serve(ctx, l.fd, "permission", l.log, l.handle)
}

func (l *PermissionListener) handle(buf []byte) {
	records, err := parseRecords(buf)
	if err != nil {
		l.log.Error("bad permission event buffer", "error", err)
	}
	for _, r := range records {
		l.handleRecord(r)
	}
}

func (l *PermissionListener) handleRecord(r record) {
	if r.Mask&unix.FAN_Q_OVERFLOW != 0 {
		l.log.Warn("permission queue overflow")
	}
	if r.Fd < 0 {
		return
	}
	fd := int(r.Fd)

	if r.Mask&unix.FAN_OPEN_PERM == 0 {
		unix.Close(fd)
		return
	}

	if !l.active.Load() {
		l.respond(fd, true)
		return
	}

	id, err := fileid.FromFd(fd)
	if err != nil {
		// Fail open: a file we cannot identify cannot be tracked either.
		l.log.Warn("resolve opened file", "pid", r.Pid, "error", err)
		l.respond(fd, true)
		return
	}

	req := OpenRequest{ID: id, PID: r.Pid, Fd: fd}
	req.watchdog = StartWatchdog(l.timeout, l.abort,
		fmt.Sprintf("no verdict for open of %s by pid %d", id, r.Pid))

	l.log.Debug("open held", "file", id, "pid", r.Pid)
	l.delegate.OnFileOpened(req)
}

// Reply writes the verdict for req, disarms its watchdog and closes the
// event descriptor.
func (l *PermissionListener) Reply(req OpenRequest, allowed bool) error {
	req.watchdog.Stop()
	return l.respond(req.Fd, allowed)
}

func (l *PermissionListener) respond(fd int, allowed bool) error {
	defer unix.Close(fd)
	if _, err := unix.Write(l.fd, encodeResponse(int32(fd), allowed)); err != nil {
		l.log.Error("write verdict", "fd", fd, "allowed", allowed, "error", err)
		return fmt.Errorf("write verdict: %w", err)
	}
	return nil
}

// Close closes the group descriptor. The kernel allows any still-pending
// events.
func (l *PermissionListener) Close() error {
	return unix.Close(l.fd)
}
