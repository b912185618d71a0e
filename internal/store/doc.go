// Package store provides SQLite-backed durable storage for file provenance.
//
// Every DLP-relevant file is recorded once, keyed by (inode, crtime), with
// the URL it was downloaded from and the referrer of that download:
//
//	files(inode, crtime, source_url, referrer_url)  PRIMARY KEY (inode, crtime)
//
// # Legacy schema
//
// Older installations keyed rows by inode alone in the file_entries table.
// Inode numbers are reused after deletion, so those rows can attach one
// file's provenance to another. Migrate rewrites them against a walk of the
// live filesystem and drops the legacy table.
//
// # Threading
//
// Store is synchronous and not meant to be shared across goroutines by
// callers. Database wraps it with an Executor so all store work runs on a
// single dedicated goroutine, and callers get results through callbacks.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
