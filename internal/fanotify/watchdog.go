package fanotify

import (
	"log/slog"
	"os"
	"time"
)

// DefaultWatchdogTimeout bounds how long an opening process may wait for a
// verdict. Missing it means the engine is wedged and every open under the
// root is hanging; the daemon aborts so the supervisor restarts it.
const DefaultWatchdogTimeout = time.Second

// AbortFunc terminates the process. Tests substitute a recorder.
type AbortFunc func(reason string)

// Abort logs and exits with status 2.
func Abort(reason string) {
	slog.Error("verdict deadline missed, aborting", "reason", reason)
	os.Exit(2)
}

// Watchdog fires its AbortFunc unless stopped within the timeout.
type Watchdog struct {
	timer *time.Timer
}

// StartWatchdog arms a watchdog. A nil abort uses Abort.
func StartWatchdog(timeout time.Duration, abort AbortFunc, reason string) *Watchdog {
	if abort == nil {
		abort = Abort
	}
	return &Watchdog{
		timer: time.AfterFunc(timeout, func() { abort(reason) }),
	}
}

// Stop disarms the watchdog. It reports false if the watchdog already fired
// or was stopped. Safe on a nil receiver.
func (w *Watchdog) Stop() bool {
	if w == nil {
		return false
	}
	return w.timer.Stop()
}
