package testutil

import (
	"sync"

	"github.com/roach88/dlpd/internal/fanotify"
)

// Verdict is one reply written by the engine for a held open.
type Verdict struct {
	Fd      int
	Allowed bool
}

// FakeWatcher records what the engine asks of the kernel side.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type FakeWatcher struct {
	mu       sync.Mutex
	active   bool
	toggles  []bool
	watches  []string
	verdicts []Verdict
	watchErr error
	replyErr error
}

// NewFakeWatcher returns an inactive watcher.
func NewFakeWatcher() *FakeWatcher {
	return &FakeWatcher{}
}

// SetActive records the mediation state.
func (w *FakeWatcher) SetActive(active bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.active = active
	w.toggles = append(w.toggles, active)
}

// AddDeleteWatch records path.
func (w *FakeWatcher) AddDeleteWatch(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.watchErr != nil {
		return w.watchErr
	}
	w.watches = append(w.watches, path)
	return nil
}

// Reply records the verdict.
func (w *FakeWatcher) Reply(req fanotify.OpenRequest, allowed bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.verdicts = append(w.verdicts, Verdict{Fd: req.Fd, Allowed: allowed})
	return w.replyErr
}

// SetWatchError makes AddDeleteWatch fail.
func (w *FakeWatcher) SetWatchError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchErr = err
}

// SetReplyError makes Reply fail after recording.
func (w *FakeWatcher) SetReplyError(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.replyErr = err
}

// Active reports the last state passed to SetActive.
func (w *FakeWatcher) Active() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Toggles returns every SetActive argument in order.
func (w *FakeWatcher) Toggles() []bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]bool(nil), w.toggles...)
}

// Watches returns every path passed to AddDeleteWatch.
func (w *FakeWatcher) Watches() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.watches...)
}

// Verdict returns the reply for fd, if one was written.
func (w *FakeWatcher) Verdict(fd int) (allowed, ok bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, v := range w.verdicts {
		if v.Fd == fd {
			return v.Allowed, true
		}
	}
	return false, false
}

// Verdicts returns every reply in order.
func (w *FakeWatcher) Verdicts() []Verdict {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]Verdict(nil), w.verdicts...)
}
