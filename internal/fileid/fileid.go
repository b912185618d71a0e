// Package fileid derives stable identities for files on disk.
//
// An ID pairs the inode number with the file's creation (birth) time. Inode
// numbers are reused by the filesystem after deletion, so the inode alone can
// silently match a different file; the creation time disambiguates.
package fileid

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// ErrInvalid is returned when a lookup produces an inode of zero.
var ErrInvalid = errors.New("fileid: invalid inode")

// ID identifies a file by inode and creation time (seconds since epoch).
// The zero value is the invalid sentinel.
type ID struct {
	Inode  uint64 `json:"inode"`
	Crtime int64  `json:"crtime"`
}

// Valid reports whether id refers to a real file.
func (id ID) Valid() bool {
	return id.Inode != 0
}

// String formats the id as "inode:crtime".
func (id ID) String() string {
	return strconv.FormatUint(id.Inode, 10) + ":" + strconv.FormatInt(id.Crtime, 10)
}

// Parse is the inverse of String. A bare inode is accepted and yields a
// zero creation time.
func Parse(s string) (ID, error) {
	inodePart, crtimePart, hasCrtime := strings.Cut(s, ":")
	inode, err := strconv.ParseUint(inodePart, 10, 64)
	if err != nil {
		return ID{}, fmt.Errorf("parse inode %q: %w", inodePart, err)
	}
	id := ID{Inode: inode}
	if hasCrtime {
		id.Crtime, err = strconv.ParseInt(crtimePart, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("parse crtime %q: %w", crtimePart, err)
		}
	}
	if !id.Valid() {
		return ID{}, ErrInvalid
	}
	return id, nil
}

const statxMask = unix.STATX_INO | unix.STATX_BTIME

// FromPath resolves the id of the file at path, following symlinks.
func FromPath(path string) (ID, error) {
	var stx unix.Statx_t
	if err := unix.Statx(unix.AT_FDCWD, path, unix.AT_STATX_SYNC_AS_STAT, statxMask, &stx); err != nil {
		return ID{}, fmt.Errorf("statx %s: %w", path, err)
	}
	return fromStatx(&stx)
}

// FromFd resolves the id of an open descriptor.
func FromFd(fd int) (ID, error) {
	var stx unix.Statx_t
	if err := unix.Statx(fd, "", unix.AT_EMPTY_PATH|unix.AT_STATX_SYNC_AS_STAT, statxMask, &stx); err != nil {
		return ID{}, fmt.Errorf("statx fd %d: %w", fd, err)
	}
	return fromStatx(&stx)
}

func fromStatx(stx *unix.Statx_t) (ID, error) {
	id := ID{Inode: stx.Ino}
	// Filesystems without birth time (tmpfs on older kernels, some network
	// mounts) leave STATX_BTIME unset; those files are keyed with crtime 0.
	if stx.Mask&unix.STATX_BTIME != 0 {
		id.Crtime = stx.Btime.Sec
	}
	if !id.Valid() {
		return ID{}, ErrInvalid
	}
	return id, nil
}
