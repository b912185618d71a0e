// Package fanotify is the kernel interception layer.
//
// Two fanotify groups are used: a permission group marked on the root's
// mount that holds every open until a verdict is written, and a
// notification group reporting deletion of individually watched files by
// file handle. Each group is served by one goroutine that polls with a
// one-second timeout, so cancellation is noticed without closing the fd
// under a blocked read.
package fanotify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/roach88/dlpd/internal/fileid"
)

const (
	pollTimeoutMillis = 1000
	readBufferSize    = 4096
)

// OpenRequest is an open held by the kernel awaiting a verdict. Fd is the
// event descriptor; it stays open until the verdict is written.
type OpenRequest struct {
	ID  fileid.ID
	PID int32
	Fd  int

	watchdog *Watchdog
}

// Delegate receives interception events. Calls arrive on listener
// goroutines and must not block.
type Delegate interface {
	OnFileOpened(req OpenRequest)
	OnFileDeleted(inode uint64)
}

// serve polls fd and hands each successful read to handle until ctx is done
// or a read fails with anything but EAGAIN/EINTR.
func serve(ctx context.Context, fd int, name string, log *slog.Logger, handle func([]byte)) error {
	buf := make([]byte, readBufferSize)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}

	log.Info("listener started", "group", name)
	defer log.Info("listener stopped", "group", name)

	for {
		if ctx.Err() != nil {
			return nil
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, pollTimeoutMillis)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%s: poll: %w", name, err)
		}
		if n == 0 {
			continue
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLNVAL) != 0 {
			return fmt.Errorf("%s: poll: descriptor error (revents %#x)", name, fds[0].Revents)
		}

		nr, err := unix.Read(fd, buf)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("%s: read: %w", name, err)
		}
		if nr > 0 {
			handle(buf[:nr])
		}
	}
}
