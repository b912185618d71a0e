package engine

import (
	"context"
	"errors"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/store"
)

// startupState tracks the store bring-up: open, then migrate the legacy
// table if present, then clean up against the filesystem if configured.
// Migration and cleanup share one walk of the root.
type startupState struct {
	migrationNeeded bool
	listing         fileid.Listing
}

func (e *Engine) startStore(ctx context.Context) {
	e.db.Init(ctx, func(migrationNeeded bool, err error) {
		e.post(Event{Type: EventStoreInit, Result: result{migrationNeeded: migrationNeeded, err: err}})
	})
}

func (e *Engine) handleStoreInit(ctx context.Context, res result) {
	if res.err != nil {
		// Not retried; opens keep failing open and RPCs report not-ready.
		e.record(KindStoreIO, "open store", res.err)
		return
	}
	e.startup.migrationNeeded = res.migrationNeeded

	if !res.migrationNeeded && !e.cleanupOnStart {
		e.becomeReady(ctx)
		return
	}
	e.log.Info("scanning root",
		"root", e.root,
		"migrate", res.migrationNeeded,
		"cleanup", e.cleanupOnStart,
	)
	e.startWalk(walkStartup)
}

func (e *Engine) handleStartupWalk(ctx context.Context, res result) {
	if res.err != nil {
		// Without a listing neither step can tell live files from stale
		// ones, so both are skipped.
		e.record(KindStoreIO, "walk root", res.err)
		e.becomeReady(ctx)
		return
	}
	e.startup.listing = res.listing

	if e.startup.migrationNeeded {
		e.db.Migrate(ctx, res.listing.IDs, func(report store.MigrationReport, err error) {
			e.post(Event{Type: EventMigrated, Result: result{deleted: int64(report.Dropped), err: err}})
		})
		return
	}
	e.cleanup(ctx)
}

func (e *Engine) handleMigrated(ctx context.Context, res result) {
	if res.err != nil {
		e.record(KindStoreIO, "migrate", res.err)
	} else {
		e.log.Info("migration finished", "dropped", res.deleted)
	}
	e.cleanup(ctx)
}

func (e *Engine) cleanup(ctx context.Context) {
	if !e.cleanupOnStart {
		e.becomeReady(ctx)
		return
	}
	e.db.DeleteEntriesNotIn(ctx, e.startup.listing.IDs, func(n int64, err error) {
		e.post(Event{Type: EventCleanedUp, Result: result{deleted: n, err: err}})
	})
}

func (e *Engine) handleCleanedUp(ctx context.Context, res result) {
	if res.err != nil {
		op := "cleanup"
		if errors.Is(res.err, store.ErrDeleteCountMismatch) {
			op = "cleanup consistency check"
		}
		e.record(KindStoreIO, op, res.err)
	} else {
		e.log.Info("stale entries removed", "deleted", res.deleted)
	}
	e.becomeReady(ctx)
}

// becomeReady is the single transition out of the not-ready state. Work
// queued while the store was starting is flushed here.
func (e *Engine) becomeReady(ctx context.Context) {
	e.storeReady = true
	e.startup = startupState{}
	e.log.Info("provenance store ready",
		"pending_files", len(e.pendingFiles),
		"pending_deletes", len(e.pendingDeletes),
	)

	for _, inode := range e.pendingDeletes {
		e.deleteEntry(ctx, inode)
	}
	e.pendingDeletes = nil

	if len(e.pendingFiles) > 0 {
		pending := e.pendingFiles
		e.pendingFiles = nil
		e.db.UpsertEntries(ctx, pending, func(err error) {
			if err != nil {
				e.record(KindStoreIO, "flush pending files", err)
			}
		})
	}

	if len(e.rules) > 0 {
		e.startWalk(walkActivation)
	}
}
