package engine

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/dlpd/internal/fanotify"
	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/store"
	"github.com/roach88/dlpd/internal/testutil"
)

const (
	waitFor = 5 * time.Second
	tick    = 5 * time.Millisecond

	selfPID  = int32(4242)
	otherPID = int32(1234)
)

// gatedDB holds Init until the gate is opened, keeping the engine in its
// not-ready state.
type gatedDB struct {
	*store.Database
	gate chan struct{}
}

func (g *gatedDB) Init(ctx context.Context, cb func(bool, error)) {
	go func() {
		<-g.gate
		g.Database.Init(ctx, cb)
	}()
}

type harness struct {
	t       *testing.T
	root    string
	dbPath  string
	db      *store.Database
	gate    chan struct{}
	remote  *testutil.FakePolicyClient
	watcher *testutil.FakeWatcher
	engine  *Engine
	nextFd  atomic.Int64
}

// newHarness builds an engine over a real store in a temp dir. The store
// opens as soon as start is called unless gated is set.
func newHarness(t *testing.T, gated bool, opts ...Option) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		t:       t,
		root:    filepath.Join(dir, "root"),
		dbPath:  filepath.Join(dir, "dlp.db"),
		remote:  testutil.NewFakePolicyClient(),
		watcher: testutil.NewFakeWatcher(),
	}
	require.NoError(t, os.MkdirAll(h.root, 0o755))
	root, err := filepath.EvalSymlinks(h.root)
	require.NoError(t, err)
	h.root = root
	h.nextFd.Store(100000)
	h.db = store.NewDatabase(h.dbPath)

	var db ProvenanceDB = h.db
	if gated {
		h.gate = make(chan struct{})
		db = &gatedDB{Database: h.db, gate: h.gate}
	}

	base := []Option{
		WithRoot(h.root),
		WithSelfPID(selfPID),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		withLifelinePoll(10 * time.Millisecond),
	}
	h.engine = New(db, h.watcher, h.remote, append(base, opts...)...)
	return h
}

// start runs the engine until the test ends.
func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	go h.engine.Run(ctx)
	h.t.Cleanup(func() {
		cancel()
		<-h.engine.Done()
		if h.gate != nil {
			select {
			case <-h.gate:
			default:
				close(h.gate)
			}
		}
		h.db.Close()
	})
}

func (h *harness) openGate() {
	close(h.gate)
}

func (h *harness) waitReady() {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		s, err := h.engine.Status(context.Background())
		return err == nil && s.StoreReady
	}, waitFor, tick)
}

// startReady starts the engine and waits for the store.
func (h *harness) startReady() {
	h.t.Helper()
	h.start()
	h.waitReady()
}

func (h *harness) file(name string) (string, fileid.ID) {
	h.t.Helper()
	path := filepath.Join(h.root, name)
	require.NoError(h.t, os.WriteFile(path, []byte(name), 0o600))
	id, err := fileid.FromPath(path)
	require.NoError(h.t, err)
	return path, id
}

func (h *harness) register(path, source string) {
	h.t.Helper()
	err := h.engine.RegisterFiles(context.Background(), []Registration{{Path: path, SourceURL: source}})
	require.NoError(h.t, err)
}

func (h *harness) setPolicy(rules string) {
	h.t.Helper()
	require.NoError(h.t, h.engine.SetPolicy(context.Background(), []byte(rules)))
}

// open delivers a held open and waits for its verdict.
func (h *harness) open(id fileid.ID, pid int32) bool {
	h.t.Helper()
	fd := int(h.nextFd.Add(1))
	h.engine.OnFileOpened(fanotify.OpenRequest{ID: id, PID: pid, Fd: fd})

	var allowed bool
	require.Eventually(h.t, func() bool {
		a, ok := h.watcher.Verdict(fd)
		allowed = a
		return ok
	}, waitFor, tick)
	return allowed
}

func (h *harness) status() Status {
	h.t.Helper()
	s, err := h.engine.Status(context.Background())
	require.NoError(h.t, err)
	return s
}

func (h *harness) provenance(q ProvenanceQuery) []Provenance {
	h.t.Helper()
	records, err := h.engine.GetProvenance(context.Background(), q)
	require.NoError(h.t, err)
	return records
}
