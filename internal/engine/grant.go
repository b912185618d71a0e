package engine

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/roach88/dlpd/internal/fileid"
)

// Grant records that PID was allowed to use FileIDs for as long as the
// peer of its lifeline stays open.
type Grant struct {
	ID      uuid.UUID
	PID     int32
	FileIDs []fileid.ID

	// Closed by revokeGrant; the watcher goroutine then closes lifeline.
	done chan struct{}
}

// createGrant duplicates lifeline and starts watching the duplicate.
func (e *Engine) createGrant(pid int32, ids []fileid.ID, lifeline *os.File) (uuid.UUID, error) {
	raw, err := lifeline.SyscallConn()
	if err != nil {
		return uuid.Nil, fmt.Errorf("lifeline: %w", err)
	}
	dup := -1
	var dupErr error
	if err := raw.Control(func(fd uintptr) {
		dup, dupErr = unix.FcntlInt(fd, unix.F_DUPFD_CLOEXEC, 0)
	}); err != nil {
		return uuid.Nil, fmt.Errorf("lifeline: %w", err)
	}
	if dupErr != nil {
		return uuid.Nil, fmt.Errorf("dup lifeline: %w", dupErr)
	}

	id, err := uuid.NewV7()
	if err != nil {
		unix.Close(dup)
		return uuid.Nil, fmt.Errorf("grant id: %w", err)
	}

	g := &Grant{
		ID:      id,
		PID:     pid,
		FileIDs: slices.Clone(ids),
		done:    make(chan struct{}),
	}
	e.grants[id] = g
	go e.watchLifeline(g.ID, dup, g.done)

	e.log.Info("grant created", "grant", id, "pid", pid, "files", len(ids))
	return id, nil
}

// watchLifeline owns fd. It posts EventLifelineClosed when the peer goes
// away and closes fd when either that happens or done is closed.
func (e *Engine) watchLifeline(id uuid.UUID, fd int, done <-chan struct{}) {
	defer func() {
		if err := unix.Close(fd); err != nil {
			e.record(KindDescriptor, "close lifeline", err)
		}
	}()

	timeout := int(e.lifelinePoll / time.Millisecond)
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN | unix.POLLRDHUP}}
	for {
		select {
		case <-done:
			return
		default:
		}

		fds[0].Revents = 0
		n, err := unix.Poll(fds, timeout)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			e.record(KindDescriptor, "poll lifeline", err)
			e.post(Event{Type: EventLifelineClosed, GrantID: id})
			return
		}
		if n == 0 {
			continue
		}
		// Readable means EOF or data nobody should be sending; either way
		// the caller is done with the grant.
		e.post(Event{Type: EventLifelineClosed, GrantID: id})
		return
	}
}

// revokeGrant drops a grant and stops its watcher. Unknown ids are ignored:
// a lifeline can close after the grant was already revoked.
func (e *Engine) revokeGrant(id uuid.UUID, reason string) {
	g, ok := e.grants[id]
	if !ok {
		return
	}
	delete(e.grants, id)
	close(g.done)
	e.log.Info("grant revoked", "grant", id, "pid", g.PID, "reason", reason)
}

// revokeAllGrants drops every grant.
func (e *Engine) revokeAllGrants(reason string) {
	for id := range e.grants {
		e.revokeGrant(id, reason)
	}
}

// grantCovers reports whether a live grant lets pid open id.
func (e *Engine) grantCovers(id fileid.ID, pid int32) bool {
	for _, g := range e.grants {
		if g.PID == pid && slices.Contains(g.FileIDs, id) {
			return true
		}
	}
	return false
}
