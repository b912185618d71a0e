package store

import (
	"context"
	"fmt"

	"github.com/roach88/dlpd/internal/fileid"
)

// UpsertEntries inserts or replaces the given entries in one transaction.
// Re-registering a file with the same (inode, crtime) overwrites its URLs.
//
// Either every row is written or none is: any failure rolls the whole batch
// back.
func (s *Store) UpsertEntries(ctx context.Context, entries []FileEntry) error {
	for _, e := range entries {
		if !e.ID.Valid() {
			return fmt.Errorf("upsert entries: %w", ErrInvalidEntry)
		}
	}
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("upsert entries: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO files (inode, crtime, source_url, referrer_url)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(inode, crtime) DO UPDATE SET
			source_url = excluded.source_url,
			referrer_url = excluded.referrer_url
	`)
	if err != nil {
		return fmt.Errorf("upsert entries: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, int64(e.ID.Inode), e.ID.Crtime, e.SourceURL, e.ReferrerURL); err != nil {
			return fmt.Errorf("upsert entries: inode %d: %w", e.ID.Inode, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("upsert entries: commit: %w", err)
	}
	return nil
}

// DeleteEntryByInode removes every entry with the given inode and returns how
// many rows went. Deleting an unknown inode is not an error.
func (s *Store) DeleteEntryByInode(ctx context.Context, inode uint64) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM files WHERE inode = ?`, int64(inode))
	if err != nil {
		return 0, fmt.Errorf("delete entry %d: %w", inode, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete entry %d: rows affected: %w", inode, err)
	}
	return n, nil
}

// DeleteEntriesNotIn removes every entry whose id is not in keep. It is the
// startup cleanup against a walk of the live filesystem.
//
// If the number of rows removed differs from the number of stale ids found,
// the transaction is rolled back and ErrDeleteCountMismatch is returned: the
// table changed under us or the keys are inconsistent, and silently
// succeeding would hide it.
func (s *Store) DeleteEntriesNotIn(ctx context.Context, keep []fileid.ID) (int64, error) {
	keepSet := make(map[fileid.ID]struct{}, len(keep))
	for _, id := range keep {
		keepSet[id] = struct{}{}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete entries not in: begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT inode, crtime FROM files`)
	if err != nil {
		return 0, fmt.Errorf("delete entries not in: query: %w", err)
	}
	var stale []fileid.ID
	for rows.Next() {
		var inode, crtime int64
		if err := rows.Scan(&inode, &crtime); err != nil {
			rows.Close()
			return 0, fmt.Errorf("delete entries not in: scan: %w", err)
		}
		id := fileid.ID{Inode: uint64(inode), Crtime: crtime}
		if _, ok := keepSet[id]; !ok {
			stale = append(stale, id)
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("delete entries not in: iterate: %w", err)
	}
	rows.Close()

	if len(stale) == 0 {
		return 0, nil
	}

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM files WHERE inode = ? AND crtime = ?`)
	if err != nil {
		return 0, fmt.Errorf("delete entries not in: prepare: %w", err)
	}
	defer stmt.Close()

	var deleted int64
	for _, id := range stale {
		result, err := stmt.ExecContext(ctx, int64(id.Inode), id.Crtime)
		if err != nil {
			return 0, fmt.Errorf("delete entries not in: delete %s: %w", id, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("delete entries not in: rows affected: %w", err)
		}
		deleted += n
	}

	if deleted != int64(len(stale)) {
		return 0, fmt.Errorf("delete entries not in: %w: deleted %d, expected %d",
			ErrDeleteCountMismatch, deleted, len(stale))
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete entries not in: commit: %w", err)
	}
	return deleted, nil
}
