package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/roach88/dlpd/internal/cache"
	"github.com/roach88/dlpd/internal/fanotify"
	"github.com/roach88/dlpd/internal/fileid"
	"github.com/roach88/dlpd/internal/policy"
	"github.com/roach88/dlpd/internal/queue"
	"github.com/roach88/dlpd/internal/store"
)

const (
	// DefaultOpenCheckTimeout bounds the remote call made while the kernel
	// holds an open. It must stay below the fanotify watchdog.
	DefaultOpenCheckTimeout = 500 * time.Millisecond

	// DefaultTransferCheckTimeout bounds the remote call for explicit
	// transfer checks, which may wait on a user prompt.
	DefaultTransferCheckTimeout = 5 * time.Minute

	defaultLifelinePoll = time.Second
)

// ProvenanceDB is the asynchronous provenance store. Callbacks run on the
// store goroutine. Implemented by *store.Database.
type ProvenanceDB interface {
	Init(ctx context.Context, cb func(migrationNeeded bool, err error))
	UpsertEntries(ctx context.Context, entries []store.FileEntry, cb func(error))
	GetEntriesByIDs(ctx context.Context, ids []fileid.ID, ignoreCrtime bool, cb func(map[fileid.ID]store.FileEntry, error))
	DeleteEntryByInode(ctx context.Context, inode uint64, cb func(error))
	DeleteEntriesNotIn(ctx context.Context, keep []fileid.ID, cb func(int64, error))
	Migrate(ctx context.Context, existing []fileid.ID, cb func(store.MigrationReport, error))
}

// Watcher is the kernel side. Implemented by *fanotify.Watcher.
type Watcher interface {
	SetActive(active bool)
	AddDeleteWatch(path string) error
	Reply(req fanotify.OpenRequest, allowed bool) error
}

// Engine is the decision orchestrator.
//
// All decision state (cache, rule set, grants, pending work) is owned by the
// goroutine running Run. Every other goroutine talks to it by enqueuing an
// Event: kernel listeners via OnFileOpened/OnFileDeleted, RPC handlers via
// the blocking methods, and store callbacks, remote calls and lifeline
// watchers by posting their results back.
type Engine struct {
	db      ProvenanceDB
	watcher Watcher
	remote  policy.Client
	queue   *queue.Queue[Event]
	done    chan struct{}
	errors  *errorCounters
	log     *slog.Logger

	selfPID         int32
	root            string
	cleanupOnStart  bool
	openTimeout     time.Duration
	transferTimeout time.Duration
	lifelinePoll    time.Duration

	// Run goroutine only.
	cache          *cache.Cache
	rules          []byte
	grants         map[uuid.UUID]*Grant
	storeReady     bool
	pendingFiles   []store.FileEntry
	pendingDeletes []uint64
	startup        startupState
}

// Option configures an Engine.
type Option func(*Engine)

// WithSelfPID sets the pid whose opens are always allowed. Defaults to
// os.Getpid().
func WithSelfPID(pid int32) Option {
	return func(e *Engine) { e.selfPID = pid }
}

// WithRoot sets the subtree eligible for registration.
func WithRoot(root string) Option {
	return func(e *Engine) { e.root = root }
}

// WithCleanupOnStart removes store entries for files no longer on disk
// once the store opens.
func WithCleanupOnStart(enabled bool) Option {
	return func(e *Engine) { e.cleanupOnStart = enabled }
}

// WithOpenCheckTimeout overrides DefaultOpenCheckTimeout.
func WithOpenCheckTimeout(d time.Duration) Option {
	return func(e *Engine) { e.openTimeout = d }
}

// WithTransferCheckTimeout overrides DefaultTransferCheckTimeout.
func WithTransferCheckTimeout(d time.Duration) Option {
	return func(e *Engine) { e.transferTimeout = d }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func withLifelinePoll(d time.Duration) Option {
	return func(e *Engine) { e.lifelinePoll = d }
}

// New creates an Engine. The watcher may be nil until SetWatcher is called,
// since the fanotify watcher needs the engine as its delegate.
func New(db ProvenanceDB, watcher Watcher, remote policy.Client, opts ...Option) *Engine {
	e := &Engine{
		db:              db,
		watcher:         watcher,
		remote:          remote,
		queue:           queue.New[Event](),
		done:            make(chan struct{}),
		errors:          newErrorCounters(),
		log:             slog.Default(),
		selfPID:         int32(os.Getpid()),
		root:            "/",
		openTimeout:     DefaultOpenCheckTimeout,
		transferTimeout: DefaultTransferCheckTimeout,
		lifelinePoll:    defaultLifelinePoll,
		cache:           cache.New(),
		grants:          make(map[uuid.UUID]*Grant),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetWatcher installs the kernel watcher. Must be called before Run.
func (e *Engine) SetWatcher(w Watcher) {
	e.watcher = w
}

// Run opens the store and processes events until ctx is cancelled or Stop
// is called. Must be called from exactly one goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("engine starting", "root", e.root, "cleanup_on_start", e.cleanupOnStart)
	defer close(e.done)
	defer e.shutdown()

	e.startStore(ctx)

	for {
		ev, ok := e.queue.TryPop()
		if ok {
			if err := e.process(ctx, ev); err != nil {
				logEventError(e.log, ev, err)
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.log.Info("engine stopping: context cancelled")
			return ctx.Err()
		case <-e.queue.Wait():
			if e.queue.Closed() && e.queue.Len() == 0 {
				e.log.Info("engine stopping: queue closed")
				return nil
			}
		}
	}
}

// Stop makes Run return once queued events are processed.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Done is closed when Run has returned.
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// shutdown revokes every grant and settles events still queued so no
// caller or held open is left waiting.
func (e *Engine) shutdown() {
	e.queue.Close()
	e.revokeAllGrants("shutdown")
	for {
		ev, ok := e.queue.TryPop()
		if !ok {
			return
		}
		e.abandon(ev)
	}
}

func (e *Engine) abandon(ev Event) {
	switch {
	case ev.Open != nil:
		e.reply(ev.Open, true)
	case ev.Access != nil:
		trySend(ev.Access.reply, accessReply{err: ErrStopped})
	case ev.Query != nil:
		trySend(ev.Query.reply, provenanceReply{err: ErrStopped})
	case ev.Policy != nil:
		trySend(ev.Policy.reply, ErrStopped)
	case ev.Register != nil:
		trySend(ev.Register.reply, ErrStopped)
	}
}

// trySend delivers to a size-1 reply channel unless it already holds an
// answer.
func trySend[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

// post enqueues ev from any goroutine.
func (e *Engine) post(ev Event) bool {
	return e.queue.Push(ev)
}

func (e *Engine) process(ctx context.Context, ev Event) error {
	switch ev.Type {
	case EventFileOpened:
		e.handleFileOpened(ctx, ev.Open)
	case EventOpenEntry:
		e.handleOpenEntry(ctx, ev.Open, ev.Result)
	case EventOpenVerdict:
		e.handleOpenVerdict(ev.Open, ev.Result)
	case EventFileDeleted:
		e.handleFileDeleted(ctx, ev.Inode)
	case EventSetPolicy:
		e.handleSetPolicy(ev.Policy)
	case EventRegister:
		e.handleRegister(ctx, ev.Register)
	case EventRegistered:
		e.handleRegistered(ev.Register, ev.Result)
	case EventAccess:
		e.handleAccess(ctx, ev.Access)
	case EventAccessEntries:
		e.handleAccessEntries(ctx, ev.Access, ev.Result)
	case EventTransferVerdict:
		e.handleTransferVerdict(ev.Access, ev.Result)
	case EventProvenance:
		e.handleProvenance(ctx, ev.Query)
	case EventProvenanceEntries:
		e.handleProvenanceEntries(ev.Query, ev.Result)
	case EventLifelineClosed:
		e.revokeGrant(ev.GrantID, "lifeline closed")
	case EventStoreInit:
		e.handleStoreInit(ctx, ev.Result)
	case EventWalked:
		e.handleWalked(ctx, ev.Walk, ev.Result)
	case EventMigrated:
		e.handleMigrated(ctx, ev.Result)
	case EventCleanedUp:
		e.handleCleanedUp(ctx, ev.Result)
	case EventTrackedFiles:
		e.handleTrackedFiles(ev.Result)
	case EventStatus:
		ev.Status <- e.status()
	default:
		return fmt.Errorf("unknown event type: %d", ev.Type)
	}
	return nil
}

// OnFileOpened implements fanotify.Delegate.
func (e *Engine) OnFileOpened(req fanotify.OpenRequest) {
	oc := &openContext{req: req}
	if !e.post(Event{Type: EventFileOpened, Open: oc}) {
		e.reply(oc, true)
	}
}

// OnFileDeleted implements fanotify.Delegate.
func (e *Engine) OnFileDeleted(inode uint64) {
	e.post(Event{Type: EventFileDeleted, Inode: inode})
}

// Status is a point-in-time view of engine state.
type Status struct {
	StoreReady   bool `json:"store_ready"`
	Active       bool `json:"active"`
	Grants       int  `json:"grants"`
	CacheEntries int  `json:"cache_entries"`
	PendingFiles int  `json:"pending_files"`
}

func (e *Engine) status() Status {
	return Status{
		StoreReady:   e.storeReady,
		Active:       len(e.rules) > 0,
		Grants:       len(e.grants),
		CacheEntries: e.cache.Len(),
		PendingFiles: len(e.pendingFiles),
	}
}

// Status returns the engine's current state.
func (e *Engine) Status(ctx context.Context) (Status, error) {
	ch := make(chan Status, 1)
	if !e.post(Event{Type: EventStatus, Status: ch}) {
		return Status{}, ErrStopped
	}
	return await(ctx, e.done, ch)
}

// await blocks for a reply, the caller giving up, or the engine exiting.
func await[T any](ctx context.Context, done <-chan struct{}, ch <-chan T) (T, error) {
	var zero T
	select {
	case v := <-ch:
		return v, nil
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-done:
		// Run may have answered just before exiting.
		select {
		case v := <-ch:
			return v, nil
		default:
			return zero, ErrStopped
		}
	}
}
