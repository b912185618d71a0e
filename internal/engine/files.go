package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/store"
)

// Registration marks a file as DLP-relevant.
type Registration struct {
	Path        string
	SourceURL   string
	ReferrerURL string
}

// ProvenanceQuery selects files by inode (any creation time) or by path.
type ProvenanceQuery struct {
	Inodes []uint64
	Paths  []string
}

// Provenance is the recorded origin of one file. Path is set for records
// found by path.
type Provenance struct {
	Inode       uint64 `json:"inode"`
	Crtime      int64  `json:"crtime"`
	Path        string `json:"path,omitempty"`
	SourceURL   string `json:"source_url"`
	ReferrerURL string `json:"referrer_url"`
}

// RegisterFiles records provenance for files under the root. The batch is
// rejected as a whole if any path is outside the root or cannot be
// resolved. Before the store is ready, entries are queued and written once
// it is.
func (e *Engine) RegisterFiles(ctx context.Context, regs []Registration) error {
	rc := &registerContext{reply: make(chan error, 1)}
	for _, r := range regs {
		if !fileid.UnderRoot(e.root, r.Path) {
			return fmt.Errorf("register %s: %w", r.Path, ErrOutsideRoot)
		}
		// A link inside the root may still point out of it.
		resolved, inside, err := fileid.ResolveUnderRoot(e.root, r.Path)
		if err != nil {
			return e.record(KindResolveFileID, "register", err)
		}
		if !inside {
			return fmt.Errorf("register %s: %w", r.Path, ErrOutsideRoot)
		}
		id, err := fileid.FromPath(resolved)
		if err != nil {
			return e.record(KindResolveFileID, "register", err)
		}
		rc.entries = append(rc.entries, store.FileEntry{
			ID:          id,
			SourceURL:   r.SourceURL,
			ReferrerURL: r.ReferrerURL,
		})
		rc.paths = append(rc.paths, resolved)
	}
	if len(rc.entries) == 0 {
		return nil
	}

	if !e.post(Event{Type: EventRegister, Register: rc}) {
		return ErrStopped
	}
	err, waitErr := await(ctx, e.done, rc.reply)
	if waitErr != nil {
		return waitErr
	}
	return err
}

func (e *Engine) handleRegister(ctx context.Context, rc *registerContext) {
	if !e.storeReady {
		e.pendingFiles = append(e.pendingFiles, rc.entries...)
		e.log.Info("registration queued until store is ready", "files", len(rc.entries))
		rc.reply <- nil
		return
	}
	e.db.UpsertEntries(ctx, rc.entries, func(err error) {
		e.post(Event{Type: EventRegistered, Register: rc, Result: result{err: err}})
	})
}

func (e *Engine) handleRegistered(rc *registerContext, res result) {
	if res.err != nil {
		rc.reply <- e.record(KindStoreIO, "register", res.err)
		return
	}
	if len(e.rules) > 0 {
		for _, p := range rc.paths {
			e.addDeleteWatch(p)
		}
	}
	e.log.Debug("files registered", "files", len(rc.entries))
	rc.reply <- nil
}

// GetProvenance returns the recorded origin of the selected files. Files
// without an entry are omitted.
func (e *Engine) GetProvenance(ctx context.Context, q ProvenanceQuery) ([]Provenance, error) {
	pc := &provenanceContext{reply: make(chan provenanceReply, 1)}
	for _, inode := range q.Inodes {
		if inode == 0 {
			continue
		}
		pc.inodes = append(pc.inodes, fileid.ID{Inode: inode})
	}
	for _, p := range q.Paths {
		id, err := fileid.FromPath(p)
		if err != nil {
			e.record(KindResolveFileID, "get provenance", err)
			continue
		}
		pc.files = append(pc.files, trackedFile{path: p, id: id})
	}

	if !e.post(Event{Type: EventProvenance, Query: pc}) {
		return nil, ErrStopped
	}
	r, err := await(ctx, e.done, pc.reply)
	if err != nil {
		return nil, err
	}
	return r.records, r.err
}

func (e *Engine) handleProvenance(ctx context.Context, pc *provenanceContext) {
	if !e.storeReady {
		pc.reply <- provenanceReply{err: e.record(KindStoreNotReady, "get provenance", errStoreNotReady)}
		return
	}
	if len(pc.inodes) == 0 && len(pc.files) == 0 {
		pc.reply <- provenanceReply{records: []Provenance{}}
		return
	}

	// Inode lookups ignore creation time; path lookups match exactly.
	if len(pc.inodes) > 0 {
		pc.outstanding++
		e.db.GetEntriesByIDs(ctx, pc.inodes, true, func(entries map[fileid.ID]store.FileEntry, err error) {
			e.post(Event{Type: EventProvenanceEntries, Query: pc, Result: result{entries: entries, ignoreCrtime: true, err: err}})
		})
	}
	if len(pc.files) > 0 {
		ids := make([]fileid.ID, 0, len(pc.files))
		for _, f := range pc.files {
			ids = append(ids, f.id)
		}
		pc.outstanding++
		e.db.GetEntriesByIDs(ctx, ids, false, func(entries map[fileid.ID]store.FileEntry, err error) {
			e.post(Event{Type: EventProvenanceEntries, Query: pc, Result: result{entries: entries, err: err}})
		})
	}
}

// handleProvenanceEntries collects one lookup and replies once both are in.
func (e *Engine) handleProvenanceEntries(pc *provenanceContext, res result) {
	pc.outstanding--
	if res.err != nil {
		trySend(pc.reply, provenanceReply{err: e.record(KindStoreIO, "get provenance", res.err)})
		return
	}
	if res.ignoreCrtime {
		pc.byInode = res.entries
	} else {
		pc.byPath = res.entries
	}
	if pc.outstanding > 0 {
		return
	}

	records := []Provenance{}
	for _, id := range pc.inodes {
		if entry, ok := pc.byInode[id]; ok {
			records = append(records, provenanceOf(entry, ""))
		}
	}
	for _, f := range pc.files {
		if entry, ok := pc.byPath[f.id]; ok {
			records = append(records, provenanceOf(entry, f.path))
		}
	}
	trySend(pc.reply, provenanceReply{records: records})
}

func provenanceOf(entry store.FileEntry, path string) Provenance {
	return Provenance{
		Inode:       entry.ID.Inode,
		Crtime:      entry.ID.Crtime,
		Path:        path,
		SourceURL:   entry.SourceURL,
		ReferrerURL: entry.ReferrerURL,
	}
}

// handleFileDeleted drops the store entry and cached verdicts for inode.
// Decisions already in flight for the file are not affected.
func (e *Engine) handleFileDeleted(ctx context.Context, inode uint64) {
	pruned := e.cache.DeleteInode(inode)
	e.log.Debug("tracked file deleted", "inode", inode, "pruned_verdicts", pruned)

	if !e.storeReady {
		e.pendingFiles = slices.DeleteFunc(e.pendingFiles, func(f store.FileEntry) bool {
			return f.ID.Inode == inode
		})
		e.pendingDeletes = append(e.pendingDeletes, inode)
		return
	}
	e.deleteEntry(ctx, inode)
}

func (e *Engine) deleteEntry(ctx context.Context, inode uint64) {
	e.db.DeleteEntryByInode(ctx, inode, func(err error) {
		if err != nil {
			e.record(KindStoreIO, "delete entry", err)
		}
	})
}
