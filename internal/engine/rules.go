package engine

import (
	"bytes"
	"context"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/store"
)

// SetPolicy replaces the active rule set. The rules are opaque here beyond
// being empty or not: a non-empty set turns mediation on.
func (e *Engine) SetPolicy(ctx context.Context, rules []byte) error {
	pc := &policyContext{rules: bytes.Clone(rules), reply: make(chan error, 1)}
	if !e.post(Event{Type: EventSetPolicy, Policy: pc}) {
		return ErrStopped
	}
	err, waitErr := await(ctx, e.done, pc.reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (e *Engine) handleSetPolicy(pc *policyContext) {
	defer func() { pc.reply <- nil }()

	if bytes.Equal(e.rules, pc.rules) {
		e.log.Debug("policy unchanged")
		return
	}

	wasActive := len(e.rules) > 0
	e.rules = pc.rules
	active := len(e.rules) > 0

	// Cached verdicts and grants came from rules that no longer hold.
	dropped := e.cache.Len()
	e.cache.Reset()
	e.revokeAllGrants("policy changed")
	e.log.Info("policy replaced", "rules_bytes", len(e.rules), "dropped_verdicts", dropped)

	switch {
	case active && !wasActive:
		e.setActive(true)
		e.startWalk(walkActivation)
	case !active && wasActive:
		e.setActive(false)
	}
}

func (e *Engine) setActive(active bool) {
	if e.watcher != nil {
		e.watcher.SetActive(active)
	}
}

// startWalk lists the DLP root off the engine goroutine.
func (e *Engine) startWalk(purpose walkPurpose) {
	root := e.root
	go func() {
		listing, err := fileid.Walk(root)
		e.post(Event{Type: EventWalked, Walk: purpose, Result: result{listing: listing, err: err}})
	}()
}

func (e *Engine) handleWalked(ctx context.Context, purpose walkPurpose, res result) {
	switch purpose {
	case walkStartup:
		e.handleStartupWalk(ctx, res)
	case walkActivation:
		e.handleActivationWalk(ctx, res)
	}
}

// handleActivationWalk looks up which files under the root are tracked so
// they can get delete watches.
func (e *Engine) handleActivationWalk(ctx context.Context, res result) {
	if res.err != nil {
		e.record(KindResolveFileID, "walk root", res.err)
		return
	}
	if len(e.rules) == 0 || !e.storeReady {
		// Deactivated meanwhile, or the ready transition will walk again.
		return
	}
	listing := res.listing
	e.db.GetEntriesByIDs(ctx, listing.IDs, false, func(entries map[fileid.ID]store.FileEntry, err error) {
		e.post(Event{Type: EventTrackedFiles, Result: result{entries: entries, listing: listing, err: err}})
	})
}

func (e *Engine) handleTrackedFiles(res result) {
	if res.err != nil {
		e.record(KindStoreIO, "list tracked files", res.err)
		return
	}
	if len(e.rules) == 0 {
		return
	}
	watched := 0
	for id := range res.entries {
		path, ok := res.listing.Paths[id]
		if !ok {
			continue
		}
		if e.addDeleteWatch(path) {
			watched++
		}
	}
	e.log.Info("delete watches installed", "files", watched)
}

func (e *Engine) addDeleteWatch(path string) bool {
	if e.watcher == nil {
		return false
	}
	if err := e.watcher.AddDeleteWatch(path); err != nil {
		e.log.Debug("add delete watch", "path", path, "error", err)
		return false
	}
	return true
}
