package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/dlpd/internal/fileid"
)

// GetEntriesByIDs looks up entries for the given ids. Ids with no entry are
// absent from the result.
//
// The result is keyed by the requested id. With ignoreCrtime set, lookups
// match on inode alone (for callers that only know the inode) and, when
// several rows share the inode, the newest crtime wins; the returned entry
// carries the stored (inode, crtime).
func (s *Store) GetEntriesByIDs(ctx context.Context, ids []fileid.ID, ignoreCrtime bool) (map[fileid.ID]FileEntry, error) {
	result := make(map[fileid.ID]FileEntry, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	query := `
		SELECT inode, crtime, source_url, referrer_url
		FROM files
		WHERE inode = ? AND crtime = ?
	`
	if ignoreCrtime {
		query = `
			SELECT inode, crtime, source_url, referrer_url
			FROM files
			WHERE inode = ?
			ORDER BY crtime DESC
			LIMIT 1
		`
	}

	stmt, err := s.db.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("get entries: prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if !id.Valid() {
			continue
		}
		var row *sql.Row
		if ignoreCrtime {
			row = stmt.QueryRowContext(ctx, int64(id.Inode))
		} else {
			row = stmt.QueryRowContext(ctx, int64(id.Inode), id.Crtime)
		}

		entry, err := scanEntry(row)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("get entries: %s: %w", id, err)
		}
		result[id] = entry
	}

	return result, nil
}

// ListEntries returns every entry ordered by inode, then crtime.
// Returns an empty slice (not nil) for an empty store.
func (s *Store) ListEntries(ctx context.Context) ([]FileEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT inode, crtime, source_url, referrer_url
		FROM files
		ORDER BY inode ASC, crtime ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	entries := []FileEntry{}
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("list entries: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list entries: iterate: %w", err)
	}
	return entries, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(sc scanner) (FileEntry, error) {
	var inode, crtime int64
	var entry FileEntry
	if err := sc.Scan(&inode, &crtime, &entry.SourceURL, &entry.ReferrerURL); err != nil {
		return FileEntry{}, err
	}
	entry.ID = fileid.ID{Inode: uint64(inode), Crtime: crtime}
	return entry, nil
}
