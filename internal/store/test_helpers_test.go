package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/dlpd/internal/fileid"
)

// createTestStore creates a new store in a temp dir for testing.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createLegacyTable creates the pre-crtime table with the given rows
// (inode -> source URL).
func createLegacyTable(t *testing.T, s *Store, rows map[int64]string) {
	t.Helper()
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS file_entries (
			inode        INTEGER PRIMARY KEY NOT NULL,
			source_url   TEXT NOT NULL,
			referrer_url TEXT NOT NULL
		)
	`)
	if err != nil {
		t.Fatalf("create legacy table: %v", err)
	}
	for inode, source := range rows {
		_, err := s.db.Exec(
			`INSERT INTO file_entries (inode, source_url, referrer_url) VALUES (?, ?, ?)`,
			inode, source, "ref-"+source,
		)
		if err != nil {
			t.Fatalf("insert legacy row: %v", err)
		}
	}
}

// entry builds a FileEntry with minimal fields.
func entry(inode uint64, crtime int64, source string) FileEntry {
	return FileEntry{
		ID:          fileid.ID{Inode: inode, Crtime: crtime},
		SourceURL:   source,
		ReferrerURL: "",
	}
}

func mustUpsert(t *testing.T, s *Store, entries ...FileEntry) {
	t.Helper()
	if err := s.UpsertEntries(context.Background(), entries); err != nil {
		t.Fatalf("UpsertEntries() failed: %v", err)
	}
}

func countRows(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM files").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}
