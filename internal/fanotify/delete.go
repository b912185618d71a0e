package fanotify

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"
)

// DeleteListener reports FAN_DELETE_SELF on individually marked files.
type DeleteListener struct {
	fd       int
	delegate Delegate
	log      *slog.Logger
}

// newDeleteListener fails on kernels without FAN_REPORT_FID.
func newDeleteListener(delegate Delegate, o options) (*DeleteListener, error) {
	fd, err := unix.FanotifyInit(
		unix.FAN_CLASS_NOTIF|unix.FAN_REPORT_FID|unix.FAN_CLOEXEC|unix.FAN_NONBLOCK,
		uint(unix.O_RDONLY|unix.O_LARGEFILE|unix.O_CLOEXEC),
	)
	if err != nil {
		return nil, fmt.Errorf("fanotify_init delete group: %w", err)
	}
	return &DeleteListener{fd: fd, delegate: delegate, log: o.log}, nil
}

// AddWatch marks path for deletion events.
func (l *DeleteListener) AddWatch(path string) error {
	if err := unix.FanotifyMark(l.fd, unix.FAN_MARK_ADD, unix.FAN_DELETE_SELF, unix.AT_FDCWD, path); err != nil {
		return fmt.Errorf("fanotify_mark %s: %w", path, err)
	}
	return nil
}

// Run serves the group until ctx is done.
func (l *DeleteListener) Run(ctx context.Context) error {
	return serve(ctx, l.fd, "delete", l.log, l.handle)
}

func (l *DeleteListener) handle(buf []byte) {
	records, err := parseRecords(buf)
	if err != nil {
		l.log.Error("bad delete event buffer", "error", err)
	}
	for _, r := range records {
		if r.Fd >= 0 {
			unix.Close(int(r.Fd))
		}
		if r.Mask&unix.FAN_Q_OVERFLOW != 0 {
			l.log.Warn("delete queue overflow")
			continue
		}
		if r.Mask&unix.FAN_DELETE_SELF == 0 {
			continue
		}
		inode, err := fidInode(r.Info)
		if err != nil {
			l.log.Warn("drop delete event", "error", err)
			continue
		}
		l.log.Debug("file deleted", "inode", inode)
		l.delegate.OnFileDeleted(inode)
	}
}

// Close closes the group descriptor.
func (l *DeleteListener) Close() error {
	return unix.Close(l.fd)
}
