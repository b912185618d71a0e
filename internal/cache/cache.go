// Package cache memoizes policy-service verdicts so repeated checks of the
// same file against the same destination skip the remote round trip.
//
// A Cache is confined to the engine goroutine and does no locking. Entries
// have no size or time bound; they live until Reset, which the engine calls
// whenever the active rule set changes.
package cache

import (
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/policy"
)

// Key identifies a cached verdict.
type Key struct {
	ID             fileid.ID
	Path           string
	DestinationURL string
	Component      policy.Component
}

// NewKey builds a key with path and URL in NFC form, so the same name typed
// through different input methods maps to one entry.
func NewKey(id fileid.ID, path, destinationURL string, component policy.Component) Key {
	return Key{
		ID:             id,
		Path:           norm.NFC.String(path),
		DestinationURL: norm.NFC.String(destinationURL),
		Component:      component,
	}
}

// Cache maps keys to the most recent verdict.
type Cache struct {
	entries map[Key]policy.RestrictionLevel
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[Key]policy.RestrictionLevel)}
}

// Get returns the cached level, or LevelUnspecified when absent.
func (c *Cache) Get(id fileid.ID, path, destinationURL string, component policy.Component) policy.RestrictionLevel {
	return c.entries[NewKey(id, path, destinationURL, component)]
}

// CacheResult stores every verdict in resp under the destination of req.
// Verdicts are matched to the requested files by (inode, crtime) and keyed
// on the path that was asked about; the path echoed in resp is ignored.
// Newer verdicts overwrite older ones unconditionally.
func (c *Cache) CacheResult(req policy.TransferRequest, resp policy.TransferResponse) {
	paths := RequestedPaths(req)
	for _, r := range resp.Restrictions {
		id := fileid.ID{Inode: r.File.Inode, Crtime: r.File.Crtime}
		if !id.Valid() {
			continue
		}
		for _, p := range paths[id] {
			c.entries[NewKey(id, p, req.DestinationURL, req.DestinationComponent)] = r.Level
		}
	}
}

// RequestedPaths groups the paths of req.Files by file id. Hard links and
// repeated paths share an id.
func RequestedPaths(req policy.TransferRequest) map[fileid.ID][]string {
	paths := make(map[fileid.ID][]string, len(req.Files))
	for _, f := range req.Files {
		id := fileid.ID{Inode: f.Inode, Crtime: f.Crtime}
		paths[id] = append(paths[id], f.Path)
	}
	return paths
}

// Reset drops every entry.
func (c *Cache) Reset() {
	clear(c.entries)
}

// DeleteInode drops all entries for files with the given inode, whatever
// their creation time. Used when the file is deleted from disk.
func (c *Cache) DeleteInode(inode uint64) int {
	removed := 0
	for k := range c.entries {
		if k.ID.Inode == inode {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of cached verdicts.
func (c *Cache) Len() int {
	return len(c.entries)
}
