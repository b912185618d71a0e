package engine

import (
	"context"
	"os"

	"github.com/google/uuid"

	"github.com/roach88/dlpd/internal/cache"
	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/policy"
	"github.com/roach88/dlpd/internal/store"
)

// AccessRequest asks whether pid may move the files at Paths to a
// destination. Lifeline, when set, is the caller's descriptor: the engine
// keeps a duplicate and the grant lasts until the peer end closes. The
// caller keeps ownership of Lifeline itself.
type AccessRequest struct {
	Paths          []string
	PID            int32
	DestinationURL string
	Component      policy.Component
	Lifeline       *os.File
}

// AccessResult is the verdict of RequestAccess. GrantID is zero when no
// grant was created.
type AccessResult struct {
	Allowed bool
	GrantID uuid.UUID
}

// TransferCheck asks which of Paths may not move to a destination.
type TransferCheck struct {
	Paths          []string
	DestinationURL string
	Component      policy.Component
	Action         policy.FileAction
	PID            int32
}

// RequestAccess decides an explicit access request.
//
// While the store is starting the result is allowed together with an error
// for which IsStoreNotReady holds.
func (e *Engine) RequestAccess(ctx context.Context, req AccessRequest) (AccessResult, error) {
	ac := &accessContext{
		paths:       req.Paths,
		pid:         req.PID,
		destination: req.DestinationURL,
		component:   req.Component,
		lifeline:    req.Lifeline,
		reply:       make(chan accessReply, 1),
	}
	r, err := e.submitAccess(ctx, ac)
	if err != nil {
		return AccessResult{}, err
	}
	return AccessResult{Allowed: r.allowed, GrantID: r.grantID}, r.err
}

// CheckTransfer returns the paths that may not move to the destination.
// On a failed remote check every path still awaiting a verdict is reported
// restricted, alongside the error.
func (e *Engine) CheckTransfer(ctx context.Context, req TransferCheck) ([]string, error) {
	ac := &accessContext{
		transfer:    true,
		paths:       req.Paths,
		pid:         req.PID,
		destination: req.DestinationURL,
		component:   req.Component,
		action:      req.Action,
		reply:       make(chan accessReply, 1),
	}
	r, err := e.submitAccess(ctx, ac)
	if err != nil {
		return nil, err
	}
	return r.restricted, r.err
}

func (e *Engine) submitAccess(ctx context.Context, ac *accessContext) (accessReply, error) {
	if !e.post(Event{Type: EventAccess, Access: ac}) {
		return accessReply{}, ErrStopped
	}
	return await(ctx, e.done, ac.reply)
}

func (e *Engine) handleAccess(ctx context.Context, ac *accessContext) {
	if !e.storeReady {
		err := e.record(KindStoreNotReady, ac.op(), errStoreNotReady)
		ac.reply <- accessReply{allowed: !ac.transfer, err: err}
		return
	}

	// Without rules nothing is mediated and nothing needs checking.
	if len(e.rules) == 0 {
		e.allow(ac, nil)
		return
	}

	var ids []fileid.ID
	for _, p := range ac.paths {
		id, err := fileid.FromPath(p)
		if err != nil {
			e.record(KindResolveFileID, ac.op(), err)
			continue
		}
		ac.files = append(ac.files, trackedFile{path: p, id: id})
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		e.allow(ac, nil)
		return
	}

	e.db.GetEntriesByIDs(ctx, ids, false, func(entries map[fileid.ID]store.FileEntry, err error) {
		e.post(Event{Type: EventAccessEntries, Access: ac, Result: result{entries: entries, err: err}})
	})
}

func (e *Engine) handleAccessEntries(ctx context.Context, ac *accessContext, res result) {
	if res.err != nil {
		err := e.record(KindStoreIO, ac.op(), res.err)
		ac.reply <- accessReply{restricted: ac.allPaths(), err: err}
		return
	}

	// Files the store does not know are not DLP-relevant.
	tracked := ac.files[:0]
	for _, f := range ac.files {
		if entry, ok := res.entries[f.id]; ok {
			f.entry = entry
			tracked = append(tracked, f)
		}
	}
	ac.files = tracked
	if len(ac.files) == 0 {
		e.allow(ac, nil)
		return
	}

	if ac.component == policy.ComponentSystem {
		e.allow(ac, ac.files)
		return
	}

	var blocked, pending []trackedFile
	for _, f := range ac.files {
		switch level := e.cache.Get(f.id, f.path, ac.destination, ac.component); {
		case level == policy.LevelBlock:
			blocked = append(blocked, f)
		case level.Final():
			// Cached and final: no need to ask again.
		default:
			pending = append(pending, f)
		}
	}

	for _, f := range blocked {
		ac.restricted = append(ac.restricted, f.path)
	}
	// One block denies the whole request, but a transfer check must list
	// every restricted path, so it still asks about the rest.
	if len(blocked) > 0 && (!ac.transfer || len(pending) == 0) {
		e.log.Info("access blocked by cached verdict", "op", ac.op(), "pid", ac.pid, "paths", ac.restricted)
		ac.reply <- accessReply{restricted: ac.restricted}
		return
	}

	if len(pending) == 0 {
		e.allow(ac, ac.files)
		return
	}

	req := policy.TransferRequest{
		DestinationURL:       ac.destination,
		DestinationComponent: ac.component,
		Action:               ac.action,
		PID:                  ac.pid,
	}
	for _, f := range pending {
		req.Files = append(req.Files, policy.FileMetadata{
			Inode:       f.id.Inode,
			Crtime:      f.id.Crtime,
			Path:        f.path,
			SourceURL:   f.entry.SourceURL,
			ReferrerURL: f.entry.ReferrerURL,
		})
	}
	ac.checked = req

	go func() {
		callCtx, cancel := context.WithTimeout(ctx, e.transferTimeout)
		defer cancel()
		resp, err := e.remote.IsTransferRestricted(callCtx, req)
		e.post(Event{Type: EventTransferVerdict, Access: ac, Result: result{response: resp, err: err}})
	}()
}

func (e *Engine) handleTransferVerdict(ac *accessContext, res result) {
	if res.err != nil {
		err := e.recordRemote("is transfer restricted", res.err)
		for _, f := range ac.checked.Files {
			ac.restricted = append(ac.restricted, f.Path)
		}
		ac.reply <- accessReply{restricted: ac.restricted, err: err}
		return
	}

	e.cache.CacheResult(ac.checked, res.response)

	// Report the paths that were asked about, not the ones echoed back.
	paths := cache.RequestedPaths(ac.checked)
	for _, r := range res.response.Restrictions {
		if !r.Level.Denies() {
			continue
		}
		id := fileid.ID{Inode: r.File.Inode, Crtime: r.File.Crtime}
		ac.restricted = append(ac.restricted, paths[id]...)
		delete(paths, id)
	}
	if len(ac.restricted) > 0 {
		e.log.Info("access restricted by policy service", "op", ac.op(), "pid", ac.pid, "paths", ac.restricted)
		ac.reply <- accessReply{restricted: ac.restricted}
		return
	}
	e.allow(ac, ac.files)
}

// allow answers an access request positively. For RequestAccess with a
// lifeline and at least one tracked file, it also creates a grant.
func (e *Engine) allow(ac *accessContext, files []trackedFile) {
	r := accessReply{allowed: true}
	if !ac.transfer && ac.lifeline != nil && len(files) > 0 {
		ids := make([]fileid.ID, 0, len(files))
		for _, f := range files {
			ids = append(ids, f.id)
		}
		id, err := e.createGrant(ac.pid, ids, ac.lifeline)
		if err != nil {
			// Still allowed; later opens fall back to remote checks.
			e.record(KindDescriptor, "create grant", err)
		} else {
			r.grantID = id
		}
	}
	ac.reply <- r
}

func (ac *accessContext) op() string {
	if ac.transfer {
		return "check transfer"
	}
	return "request access"
}

func (ac *accessContext) allPaths() []string {
	out := make([]string, len(ac.paths))
	copy(out, ac.paths)
	return out
}
