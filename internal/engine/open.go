package engine

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/policy"
	"github.com/roach88/dlpd/internal/store"
)

// handleFileOpened starts the verdict for a held kernel open.
func (e *Engine) handleFileOpened(ctx context.Context, oc *openContext) {
	req := oc.req

	if req.PID == e.selfPID {
		e.reply(oc, true)
		return
	}

	if !e.storeReady {
		// A cold-start race, not a policy breach.
		e.record(KindStoreNotReady, "open", errStoreNotReady)
		e.reply(oc, true)
		return
	}

	e.db.GetEntriesByIDs(ctx, []fileid.ID{req.ID}, false, func(entries map[fileid.ID]store.FileEntry, err error) {
		e.post(Event{Type: EventOpenEntry, Open: oc, Result: result{entries: entries, err: err}})
	})
}

func (e *Engine) handleOpenEntry(ctx context.Context, oc *openContext, res result) {
	if res.err != nil {
		e.record(KindStoreIO, "open lookup", res.err)
		e.reply(oc, true)
		return
	}

	entry, ok := res.entries[oc.req.ID]
	if !ok {
		e.reply(oc, true)
		return
	}
	oc.entry = entry

	if e.grantCovers(oc.req.ID, oc.req.PID) {
		e.log.Debug("open allowed by grant", "file", oc.req.ID, "pid", oc.req.PID)
		e.reply(oc, true)
		return
	}

	oc.path = descriptorPath(oc.req.Fd)
	meta := policy.FileMetadata{
		Inode:       entry.ID.Inode,
		Crtime:      entry.ID.Crtime,
		Path:        oc.path,
		SourceURL:   entry.SourceURL,
		ReferrerURL: entry.ReferrerURL,
	}

	go func() {
		callCtx, cancel := context.WithTimeout(ctx, e.openTimeout)
		defer cancel()
		restricted, err := e.remote.IsFileRestricted(callCtx, meta)
		e.post(Event{Type: EventOpenVerdict, Open: oc, Result: result{restricted: restricted, err: err}})
	}()
}

func (e *Engine) handleOpenVerdict(oc *openContext, res result) {
	if res.err != nil {
		// A failed check cannot prove the file is safe.
		e.recordRemote("is file restricted", res.err)
		e.reply(oc, false)
		return
	}
	if res.restricted {
		e.log.Info("open denied",
			"file", oc.req.ID,
			"pid", oc.req.PID,
			"path", oc.path,
			"source_url", oc.entry.SourceURL,
		)
	}
	e.reply(oc, !res.restricted)
}

// reply writes the verdict for a held open.
func (e *Engine) reply(oc *openContext, allowed bool) {
	if e.watcher == nil {
		return
	}
	if err := e.watcher.Reply(oc.req, allowed); err != nil {
		e.record(KindDescriptor, "reply", err)
	}
}

// recordRemote counts a policy service failure under the matching kind.
func (e *Engine) recordRemote(op string, err error) *Error {
	if errors.Is(err, policy.ErrMalformedResponse) {
		return e.record(KindInvalidProto, op, err)
	}
	return e.record(KindRemoteCall, op, err)
}

// descriptorPath returns the path an event descriptor refers to, or "" if
// it cannot be read.
func descriptorPath(fd int) string {
	path, err := os.Readlink(fmt.Sprintf("/proc/self/fd/%d", fd))
	if err != nil {
		return ""
	}
	return path
}
