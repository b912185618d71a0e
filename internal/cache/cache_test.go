package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/policy"
)

var (
	fileA = fileid.ID{Inode: 10, Crtime: 5}
	fileB = fileid.ID{Inode: 11, Crtime: 6}
)

func transfer(dest string, comp policy.Component, files map[fileid.ID]policy.RestrictionLevel) (policy.TransferRequest, policy.TransferResponse) {
	req := policy.TransferRequest{DestinationURL: dest, DestinationComponent: comp}
	var resp policy.TransferResponse
	for id, level := range files {
		meta := policy.FileMetadata{Inode: id.Inode, Crtime: id.Crtime, Path: "/root/" + id.String()}
		req.Files = append(req.Files, meta)
		resp.Restrictions = append(resp.Restrictions, policy.FileRestriction{File: meta, Level: level})
	}
	return req, resp
}

func TestGet_Missing(t *testing.T) {
	c := New()
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileA, "/root/a", "dest", policy.ComponentUnknown))
}

func TestCacheResult_ThenGet(t *testing.T) {
	c := New()
	req, resp := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{
		fileA: policy.LevelBlock,
		fileB: policy.LevelAllow,
	})
	c.CacheResult(req, resp)

	assert.Equal(t, policy.LevelBlock, c.Get(fileA, "/root/"+fileA.String(), "dest", policy.ComponentUnknown))
	assert.Equal(t, policy.LevelAllow, c.Get(fileB, "/root/"+fileB.String(), "dest", policy.ComponentUnknown))
	assert.Equal(t, 2, c.Len())
}

func TestGet_KeyIncludesDestination(t *testing.T) {
	c := New()
	req, resp := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{fileA: policy.LevelBlock})
	c.CacheResult(req, resp)

	path := "/root/" + fileA.String()
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileA, path, "other", policy.ComponentUnknown))
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileA, path, "dest", policy.ComponentUSB))
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileA, "/elsewhere", "dest", policy.ComponentUnknown))
}

func TestCacheResult_NewestWins(t *testing.T) {
	c := New()
	req, resp := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{fileA: policy.LevelBlock})
	c.CacheResult(req, resp)
	req, resp = transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{fileA: policy.LevelWarnProceed})
	c.CacheResult(req, resp)

	assert.Equal(t, policy.LevelWarnProceed, c.Get(fileA, "/root/"+fileA.String(), "dest", policy.ComponentUnknown))
	assert.Equal(t, 1, c.Len())
}

func TestReset(t *testing.T) {
	c := New()
	req, resp := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{
		fileA: policy.LevelBlock,
		fileB: policy.LevelReport,
	})
	c.CacheResult(req, resp)
	c.Reset()

	assert.Equal(t, 0, c.Len())
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileA, "/root/"+fileA.String(), "dest", policy.ComponentUnknown))
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileB, "/root/"+fileB.String(), "dest", policy.ComponentUnknown))
}

func TestDeleteInode(t *testing.T) {
	c := New()
	req, resp := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{
		fileA: policy.LevelBlock,
		fileB: policy.LevelBlock,
	})
	c.CacheResult(req, resp)
	req, resp = transfer("dest2", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{fileA: policy.LevelAllow})
	c.CacheResult(req, resp)

	assert.Equal(t, 2, c.DeleteInode(fileA.Inode))
	assert.Equal(t, 1, c.Len())
	assert.Equal(t, policy.LevelBlock, c.Get(fileB, "/root/"+fileB.String(), "dest", policy.ComponentUnknown))
}

func TestNewKey_NormalizesUnicode(t *testing.T) {
	c := New()
	// "é" precomposed vs. "e" + combining acute accent.
	composed := "/root/caf\u00e9.txt"
	decomposed := "/root/cafe\u0301.txt"

	meta := policy.FileMetadata{Inode: fileA.Inode, Crtime: fileA.Crtime, Path: decomposed}
	req := policy.TransferRequest{DestinationURL: "dest", Files: []policy.FileMetadata{meta}}
	c.CacheResult(req, policy.TransferResponse{Restrictions: []policy.FileRestriction{{File: meta, Level: policy.LevelBlock}}})

	assert.Equal(t, policy.LevelBlock, c.Get(fileA, composed, "dest", policy.ComponentUnknown))
}

func TestCacheResult_SkipsInvalidIDs(t *testing.T) {
	c := New()
	c.CacheResult(policy.TransferRequest{}, policy.TransferResponse{
		Restrictions: []policy.FileRestriction{{File: policy.FileMetadata{Inode: 0}, Level: policy.LevelBlock}},
	})
	assert.Equal(t, 0, c.Len())
}

func TestCacheResult_KeysOnRequestedPath(t *testing.T) {
	c := New()
	req := policy.TransferRequest{
		DestinationURL: "dest",
		Files: []policy.FileMetadata{
			{Inode: fileA.Inode, Crtime: fileA.Crtime, Path: "/root/a.txt"},
			{Inode: fileA.Inode, Crtime: fileA.Crtime, Path: "/root/link-to-a.txt"},
		},
	}
	// The service identifies the file by id only and echoes no path.
	resp := policy.TransferResponse{Restrictions: []policy.FileRestriction{
		{File: policy.FileMetadata{Inode: fileA.Inode, Crtime: fileA.Crtime}, Level: policy.LevelBlock},
	}}
	c.CacheResult(req, resp)

	assert.Equal(t, policy.LevelBlock, c.Get(fileA, "/root/a.txt", "dest", policy.ComponentUnknown))
	assert.Equal(t, policy.LevelBlock, c.Get(fileA, "/root/link-to-a.txt", "dest", policy.ComponentUnknown))
	assert.Equal(t, policy.LevelUnspecified, c.Get(fileA, "", "dest", policy.ComponentUnknown))
	assert.Equal(t, 2, c.Len())
}

func TestCacheResult_IgnoresUnrequestedFiles(t *testing.T) {
	c := New()
	req, _ := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{fileA: policy.LevelBlock})
	_, resp := transfer("dest", policy.ComponentUnknown, map[fileid.ID]policy.RestrictionLevel{fileB: policy.LevelBlock})
	c.CacheResult(req, resp)

	assert.Equal(t, 0, c.Len())
}
