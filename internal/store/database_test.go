package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/roach88/dlpd/internal/fileid"
)

const waitTimeout = 5 * time.Second

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	d := NewDatabase(filepath.Join(t.TempDir(), "dlp.db"))
	done := make(chan error, 1)
	d.Init(context.Background(), func(migrationNeeded bool, err error) {
		if migrationNeeded {
			t.Error("fresh database should not need migration")
		}
		done <- err
	})
	if err := wait(t, done); err != nil {
		t.Fatalf("Init() failed: %v", err)
	}
	t.Cleanup(func() { d.Close() })
	return d
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for store callback")
		var zero T
		return zero
	}
}

func TestDatabase_UpsertThenGet(t *testing.T) {
	d := openTestDatabase(t)
	ctx := context.Background()

	upserted := make(chan error, 1)
	d.UpsertEntries(ctx, []FileEntry{entry(10, 5, "a.com")}, func(err error) { upserted <- err })
	if err := wait(t, upserted); err != nil {
		t.Fatalf("UpsertEntries() failed: %v", err)
	}

	type result struct {
		entries map[fileid.ID]FileEntry
		err     error
	}
	got := make(chan result, 1)
	d.GetEntriesByIDs(ctx, []fileid.ID{{Inode: 10, Crtime: 5}}, false, func(m map[fileid.ID]FileEntry, err error) {
		got <- result{m, err}
	})
	r := wait(t, got)
	if r.err != nil {
		t.Fatalf("GetEntriesByIDs() failed: %v", r.err)
	}
	if r.entries[fileid.ID{Inode: 10, Crtime: 5}].SourceURL != "a.com" {
		t.Errorf("entries = %+v, want a.com", r.entries)
	}
}

func TestDatabase_NotOpen(t *testing.T) {
	d := NewDatabase(filepath.Join(t.TempDir(), "dlp.db"))
	defer d.Close()

	done := make(chan error, 1)
	d.UpsertEntries(context.Background(), []FileEntry{entry(1, 1, "x")}, func(err error) { done <- err })
	if err := wait(t, done); !errors.Is(err, ErrNotOpen) {
		t.Errorf("err = %v, want ErrNotOpen", err)
	}
}

func TestDatabase_InitReportsLegacyTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dlp.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	createLegacyTable(t, s, map[int64]string{10: "a.com"})
	s.Close()

	d := NewDatabase(path)
	defer d.Close()

	needed := make(chan bool, 1)
	d.Init(context.Background(), func(migrationNeeded bool, err error) {
		if err != nil {
			t.Errorf("Init() failed: %v", err)
		}
		needed <- migrationNeeded
	})
	if !wait(t, needed) {
		t.Error("Init() did not report legacy table")
	}

	migrated := make(chan MigrationReport, 1)
	d.Migrate(context.Background(), []fileid.ID{{Inode: 10, Crtime: 5}}, func(r MigrationReport, err error) {
		if err != nil {
			t.Errorf("Migrate() failed: %v", err)
		}
		migrated <- r
	})
	if r := wait(t, migrated); r.Migrated != 1 {
		t.Errorf("report = %+v, want 1 migrated", r)
	}
}

func TestDatabase_FIFOPerCaller(t *testing.T) {
	d := openTestDatabase(t)
	ctx := context.Background()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{})
	for i := 1; i <= 5; i++ {
		i := i // per-iteration copy; go.mod targets go1.21 loop semantics
		d.UpsertEntries(ctx, []FileEntry{entry(uint64(i), 1, "x")}, func(err error) {
			mu.Lock()
			order = append(order, i)
			n := len(order)
			mu.Unlock()
			if n == 5 {
				close(done)
			}
		})
	}
	wait(t, done)

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("callback order = %v, want 1..5", order)
		}
	}
}

func TestDatabase_DeleteAndCleanup(t *testing.T) {
	d := openTestDatabase(t)
	ctx := context.Background()

	upserted := make(chan error, 1)
	d.UpsertEntries(ctx, []FileEntry{entry(10, 5, "a"), entry(11, 6, "b"), entry(12, 7, "c")}, func(err error) { upserted <- err })
	if err := wait(t, upserted); err != nil {
		t.Fatalf("UpsertEntries() failed: %v", err)
	}

	deleted := make(chan error, 1)
	d.DeleteEntryByInode(ctx, 10, func(err error) { deleted <- err })
	if err := wait(t, deleted); err != nil {
		t.Fatalf("DeleteEntryByInode() failed: %v", err)
	}

	cleaned := make(chan int64, 1)
	d.DeleteEntriesNotIn(ctx, []fileid.ID{{Inode: 11, Crtime: 6}}, func(n int64, err error) {
		if err != nil {
			t.Errorf("DeleteEntriesNotIn() failed: %v", err)
		}
		cleaned <- n
	})
	if n := wait(t, cleaned); n != 1 {
		t.Errorf("cleanup deleted %d, want 1", n)
	}

	listed := make(chan []FileEntry, 1)
	d.ListEntries(ctx, func(entries []FileEntry, err error) {
		if err != nil {
			t.Errorf("ListEntries() failed: %v", err)
		}
		listed <- entries
	})
	if entries := wait(t, listed); len(entries) != 1 {
		t.Errorf("remaining = %+v, want 1 entry", entries)
	}
}

func TestDatabase_AfterClose(t *testing.T) {
	d := NewDatabase(filepath.Join(t.TempDir(), "dlp.db"))
	if err := d.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	done := make(chan error, 1)
	d.DeleteEntryByInode(context.Background(), 1, func(err error) { done <- err })
	if err := wait(t, done); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v, want ErrClosed", err)
	}
}

func TestExecutor_PanicsOnReentrantPost(t *testing.T) {
	e := NewExecutor()
	defer e.Shutdown()

	recovered := make(chan any, 1)
	e.Post(context.Background(), func(ctx context.Context) {
		defer func() { recovered <- recover() }()
		e.Post(ctx, func(context.Context) {})
	})
	if r := wait(t, recovered); r == nil {
		t.Error("re-entrant Post did not panic")
	}
}

func TestExecutor_OnExecutor(t *testing.T) {
	e := NewExecutor()
	defer e.Shutdown()

	if e.OnExecutor(context.Background()) {
		t.Error("background context reported as executor context")
	}
	inside := make(chan bool, 1)
	e.Post(context.Background(), func(ctx context.Context) { inside <- e.OnExecutor(ctx) })
	if !wait(t, inside) {
		t.Error("task context not recognised")
	}
}
