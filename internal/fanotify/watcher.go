package fanotify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// ErrNoDeleteGroup is returned by AddDeleteWatch when the kernel lacks
// FAN_REPORT_FID.
var ErrNoDeleteGroup = errors.New("fanotify: delete notifications unsupported")

type options struct {
	log             *slog.Logger
	abort           AbortFunc
	watchdogTimeout time.Duration
}

// Option configures a Watcher.
type Option func(*options)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithAbort replaces the process abort fired by a missed verdict.
func WithAbort(fn AbortFunc) Option {
	return func(o *options) { o.abort = fn }
}

// WithWatchdogTimeout overrides DefaultWatchdogTimeout.
func WithWatchdogTimeout(d time.Duration) Option {
	return func(o *options) { o.watchdogTimeout = d }
}

// Watcher owns both fanotify groups.
type Watcher struct {
	perm *PermissionListener
	del  *DeleteListener // nil when unsupported
	log  *slog.Logger
}

// NewWatcher creates the permission group and, when supported, the delete
// group. Both start inactive.
func NewWatcher(delegate Delegate, opts ...Option) (*Watcher, error) {
	o := options{
		log:             slog.Default(),
		abort:           Abort,
		watchdogTimeout: DefaultWatchdogTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}

	perm, err := newPermissionListener(delegate, o)
	if err != nil {
		return nil, err
	}

	w := &Watcher{perm: perm, log: o.log}
	if del, err := newDeleteListener(delegate, o); err != nil {
		o.log.Warn("delete notifications disabled", "error", err)
	} else {
		w.del = del
	}
	return w, nil
}

// SetActive toggles mediation of opens.
func (w *Watcher) SetActive(active bool) {
	w.perm.SetActive(active)
	w.log.Info("mediation state changed", "active", active)
}

// AddWatch marks the mount containing root.
func (w *Watcher) AddWatch(root string) error {
	return w.perm.AddWatch(root)
}

// AddDeleteWatch watches path for deletion.
func (w *Watcher) AddDeleteWatch(path string) error {
	if w.del == nil {
		return ErrNoDeleteGroup
	}
	return w.del.AddWatch(path)
}

// Reply delivers the verdict for a held open.
func (w *Watcher) Reply(req OpenRequest, allowed bool) error {
	return w.perm.Reply(req, allowed)
}

// Run serves both groups until ctx is done or one of them fails.
func (w *Watcher) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.perm.Run(ctx) })
	if w.del != nil {
		g.Go(func() error { return w.del.Run(ctx) })
	}
	return g.Wait()
}

// Close releases both groups. Call after Run returns.
func (w *Watcher) Close() error {
	err := w.perm.Close()
	if w.del != nil {
		err = errors.Join(err, w.del.Close())
	}
	return err
}
