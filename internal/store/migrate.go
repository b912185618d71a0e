package store

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/dlpd/internal/fileid"
)

// MigrationReport summarises a legacy migration.
type MigrationReport struct {
	Migrated int
	Dropped  int
}

// Migrate moves rows from the legacy inode-only table into files.
//
// existing is the set of ids observed on disk (from a filesystem walk). Each
// legacy row takes the crtime of the existing file with the same inode; rows
// whose inode is no longer on disk are dropped, since their crtime cannot be
// recovered. The legacy table is dropped afterwards, all in one transaction.
//
// Migrate is idempotent: without a legacy table it reports success and does
// nothing.
func (s *Store) Migrate(ctx context.Context, existing []fileid.ID) (MigrationReport, error) {
	var report MigrationReport

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return report, fmt.Errorf("migrate: begin tx: %w", err)
	}
	defer tx.Rollback()

	present, err := tableExists(ctx, tx, legacyTable)
	if err != nil {
		return report, fmt.Errorf("migrate: %w", err)
	}
	if !present {
		return report, nil
	}

	crtimeByInode := make(map[uint64]int64, len(existing))
	for _, id := range existing {
		crtimeByInode[id.Inode] = id.Crtime
	}

	rows, err := tx.QueryContext(ctx, `SELECT inode, source_url, referrer_url FROM `+legacyTable)
	if err != nil {
		return report, fmt.Errorf("migrate: read legacy rows: %w", err)
	}
	var entries []FileEntry
	for rows.Next() {
		var inode int64
		var entry FileEntry
		if err := rows.Scan(&inode, &entry.SourceURL, &entry.ReferrerURL); err != nil {
			rows.Close()
			return report, fmt.Errorf("migrate: scan legacy row: %w", err)
		}
		crtime, ok := crtimeByInode[uint64(inode)]
		if !ok || inode <= 0 {
			slog.Warn("dropping legacy entry for file no longer on disk",
				"inode", inode,
				"source_url", entry.SourceURL,
			)
			report.Dropped++
			continue
		}
		entry.ID = fileid.ID{Inode: uint64(inode), Crtime: crtime}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return report, fmt.Errorf("migrate: iterate legacy rows: %w", err)
	}
	rows.Close()

	// Rows already present in the new table were written after the upgrade
	// and are newer than anything in the legacy table.
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO files (inode, crtime, source_url, referrer_url)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(inode, crtime) DO NOTHING
		`, int64(e.ID.Inode), e.ID.Crtime, e.SourceURL, e.ReferrerURL); err != nil {
			return report, fmt.Errorf("migrate: insert %s: %w", e.ID, err)
		}
		report.Migrated++
	}

	if _, err := tx.ExecContext(ctx, `DROP TABLE `+legacyTable); err != nil {
		return report, fmt.Errorf("migrate: drop legacy table: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return MigrationReport{}, fmt.Errorf("migrate: commit: %w", err)
	}

	slog.Info("legacy provenance migrated", "migrated", report.Migrated, "dropped", report.Dropped)
	return report, nil
}
