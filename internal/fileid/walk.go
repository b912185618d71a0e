package fileid

import (
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"strings"
)

// Listing is the result of walking a directory tree: every regular file
// found, keyed by id, with the path it was seen at.
type Listing struct {
	IDs   []ID
	Paths map[ID]string
}

// Walk collects the ids of all regular files under root. Entries that vanish
// or cannot be stat'ed mid-walk are skipped; only a failure to read root
// itself is returned as an error.
func Walk(root string) (Listing, error) {
	listing := Listing{Paths: make(map[ID]string)}

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			slog.Debug("skipping unreadable entry", "path", path, "error", err)
			if d != nil && d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		id, err := FromPath(path)
		if err != nil {
			slog.Debug("skipping file without id", "path", path, "error", err)
			return nil
		}
		if _, seen := listing.Paths[id]; !seen {
			listing.IDs = append(listing.IDs, id)
			listing.Paths[id] = path
		}
		return nil
	})
	if err != nil {
		return Listing{}, err
	}
	return listing, nil
}

// UnderRoot reports whether path lies inside root (root itself excluded).
// Both paths are cleaned first; no symlinks are resolved. Use ResolveUnderRoot
// before acting on the file the path names.
func UnderRoot(root, path string) bool {
	root = filepath.Clean(root)
	path = filepath.Clean(path)
	if root == "/" {
		return path != "/" && filepath.IsAbs(path)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

// ResolveUnderRoot resolves symlinks in root and path and reports whether
// the file path names lies inside root. The resolved path is returned so
// later lookups cannot be redirected by the same links.
func ResolveUnderRoot(root, path string) (string, bool, error) {
	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return "", false, fmt.Errorf("resolve root %s: %w", root, err)
	}
	realPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", false, fmt.Errorf("resolve %s: %w", path, err)
	}
	return realPath, UnderRoot(realRoot, realPath), nil
}
