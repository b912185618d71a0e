package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/dlpd/internal/fileid"
)

var (
	// ErrNotOpen is returned for operations issued before Init succeeded.
	ErrNotOpen = errors.New("store: database not open")

	// ErrClosed is returned for operations issued after Close.
	ErrClosed = errors.New("store: database closed")
)

// Database is the asynchronous face of Store. Every method queues work on
// the store goroutine and reports through its callback, which also runs on
// the store goroutine; callers hop back to their own goroutine from there.
// Callbacks may be nil.
type Database struct {
	path string
	exec *Executor

	// Only touched on the executor goroutine.
	store *Store
}

// NewDatabase prepares a database at path. Nothing is opened until Init.
func NewDatabase(path string) *Database {
	return &Database{
		path: path,
		exec: NewExecutor(),
	}
}

// Init opens (creating if absent) the database and reports whether a legacy
// table is present and Migrate must run.
func (d *Database) Init(ctx context.Context, cb func(migrationNeeded bool, err error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			s, err := Open(d.path)
			if err != nil {
				callback2(cb, false, fmt.Errorf("init %s: %w", d.path, err))
				return
			}
			d.store = s
		}
		legacy, err := d.store.LegacyTablePresent(ctx)
		callback2(cb, legacy, err)
	}, func(err error) { callback2(cb, false, err) })
}

// UpsertEntries runs Store.UpsertEntries on the store goroutine.
func (d *Database) UpsertEntries(ctx context.Context, entries []FileEntry, cb func(error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			callback1(cb, ErrNotOpen)
			return
		}
		callback1(cb, d.store.UpsertEntries(ctx, entries))
	}, func(err error) { callback1(cb, err) })
}

// GetEntriesByIDs runs Store.GetEntriesByIDs on the store goroutine.
func (d *Database) GetEntriesByIDs(ctx context.Context, ids []fileid.ID, ignoreCrtime bool, cb func(map[fileid.ID]FileEntry, error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			callback2(cb, nil, ErrNotOpen)
			return
		}
		entries, err := d.store.GetEntriesByIDs(ctx, ids, ignoreCrtime)
		callback2(cb, entries, err)
	}, func(err error) { callback2[map[fileid.ID]FileEntry](cb, nil, err) })
}

// DeleteEntryByInode runs Store.DeleteEntryByInode on the store goroutine.
func (d *Database) DeleteEntryByInode(ctx context.Context, inode uint64, cb func(error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			callback1(cb, ErrNotOpen)
			return
		}
		_, err := d.store.DeleteEntryByInode(ctx, inode)
		callback1(cb, err)
	}, func(err error) { callback1(cb, err) })
}

// DeleteEntriesNotIn runs Store.DeleteEntriesNotIn on the store goroutine.
func (d *Database) DeleteEntriesNotIn(ctx context.Context, keep []fileid.ID, cb func(int64, error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			callback2(cb, 0, ErrNotOpen)
			return
		}
		n, err := d.store.DeleteEntriesNotIn(ctx, keep)
		callback2(cb, n, err)
	}, func(err error) { callback2[int64](cb, 0, err) })
}

// Migrate runs Store.Migrate on the store goroutine.
func (d *Database) Migrate(ctx context.Context, existing []fileid.ID, cb func(MigrationReport, error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			callback2(cb, MigrationReport{}, ErrNotOpen)
			return
		}
		report, err := d.store.Migrate(ctx, existing)
		callback2(cb, report, err)
	}, func(err error) { callback2(cb, MigrationReport{}, err) })
}

// ListEntries runs Store.ListEntries on the store goroutine.
func (d *Database) ListEntries(ctx context.Context, cb func([]FileEntry, error)) {
	d.post(ctx, func(ctx context.Context) {
		if d.store == nil {
			callback2[[]FileEntry](cb, nil, ErrNotOpen)
			return
		}
		entries, err := d.store.ListEntries(ctx)
		callback2(cb, entries, err)
	}, func(err error) { callback2[[]FileEntry](cb, nil, err) })
}

// Close drains queued work, closes the store and stops the goroutine.
func (d *Database) Close() error {
	var closeErr error
	d.exec.Post(context.Background(), func(context.Context) {
		if d.store != nil {
			closeErr = d.store.Close()
			d.store = nil
		}
	})
	d.exec.Shutdown()
	return closeErr
}

func (d *Database) post(ctx context.Context, task Task, onClosed func(error)) {
	if !d.exec.Post(ctx, task) {
		onClosed(ErrClosed)
	}
}

func callback1(cb func(error), err error) {
	if cb != nil {
		cb(err)
	}
}

func callback2[T any](cb func(T, error), v T, err error) {
	if cb != nil {
		cb(v, err)
	}
}
