// Package testutil provides fakes for the daemon's external boundaries.
package testutil

import (
	"context"
	"sync"

	"github.com/roach88/dlpd/internal/policy"
)

// FakePolicyClient is a scripted policy service.
//
// By default nothing is restricted. Call counts let tests assert that a
// decision was served from the cache or a grant.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakePolicyClient struct {
	mu sync.Mutex

	fileRestricted bool
	fileErr        error
	levels         map[string]policy.RestrictionLevel // by path
	defaultLevel   policy.RestrictionLevel
	transferErr    error
	idOnly         bool
	block          chan struct{}

	fileCalls     int
	transferCalls int
	lastFile      policy.FileMetadata
	lastTransfer  policy.TransferRequest
}

// NewFakePolicyClient returns a client that allows everything.
func NewFakePolicyClient() *FakePolicyClient {
	return &FakePolicyClient{
		levels:       make(map[string]policy.RestrictionLevel),
		defaultLevel: policy.LevelAllow,
	}
}

// SetFileVerdict scripts IsFileRestricted.
func (c *FakePolicyClient) SetFileVerdict(restricted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fileRestricted = restricted
	c.fileErr = err
}

// SetLevel scripts the IsTransferRestricted verdict for one path.
func (c *FakePolicyClient) SetLevel(path string, level policy.RestrictionLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.levels[path] = level
}

// SetDefaultLevel scripts the verdict for paths without SetLevel.
func (c *FakePolicyClient) SetDefaultLevel(level policy.RestrictionLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaultLevel = level
}

// SetTransferError makes IsTransferRestricted fail.
func (c *FakePolicyClient) SetTransferError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transferErr = err
}

// SetIDOnlyReplies makes IsTransferRestricted identify files by inode and
// crtime alone, leaving every other metadata field empty.
func (c *FakePolicyClient) SetIDOnlyReplies(idOnly bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.idOnly = idOnly
}

// Block makes calls wait until the returned function is called or their
// context ends.
func (c *FakePolicyClient) Block() (release func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan struct{})
	c.block = ch
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (c *FakePolicyClient) wait(ctx context.Context) error {
	c.mu.Lock()
	ch := c.block
	c.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsFileRestricted implements policy.Client.
func (c *FakePolicyClient) IsFileRestricted(ctx context.Context, file policy.FileMetadata) (bool, error) {
	c.mu.Lock()
	c.fileCalls++
	c.lastFile = file
	restricted, err := c.fileRestricted, c.fileErr
	c.mu.Unlock()

	if werr := c.wait(ctx); werr != nil {
		return false, werr
	}
	return restricted, err
}

// IsTransferRestricted implements policy.Client.
func (c *FakePolicyClient) IsTransferRestricted(ctx context.Context, req policy.TransferRequest) (policy.TransferResponse, error) {
	c.mu.Lock()
	c.transferCalls++
	c.lastTransfer = req
	err := c.transferErr
	var resp policy.TransferResponse
	for _, f := range req.Files {
		level, ok := c.levels[f.Path]
		if !ok {
			level = c.defaultLevel
		}
		file := f
		if c.idOnly {
			file = policy.FileMetadata{Inode: f.Inode, Crtime: f.Crtime}
		}
		resp.Restrictions = append(resp.Restrictions, policy.FileRestriction{File: file, Level: level})
	}
	c.mu.Unlock()

	if werr := c.wait(ctx); werr != nil {
		return policy.TransferResponse{}, werr
	}
	if err != nil {
		return policy.TransferResponse{}, err
	}
	return resp, nil
}

// FileCalls returns how many times IsFileRestricted was called.
func (c *FakePolicyClient) FileCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileCalls
}

// TransferCalls returns how many times IsTransferRestricted was called.
func (c *FakePolicyClient) TransferCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transferCalls
}

// Calls returns the total number of remote calls.
func (c *FakePolicyClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fileCalls + c.transferCalls
}

// LastFile returns the metadata of the most recent IsFileRestricted call.
func (c *FakePolicyClient) LastFile() policy.FileMetadata {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFile
}

// LastTransfer returns the most recent IsTransferRestricted request.
func (c *FakePolicyClient) LastTransfer() policy.TransferRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastTransfer
}
