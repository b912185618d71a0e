package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
)

// ErrorKind categorizes errors for counting. The kernel side never sees
// these; it only ever gets ALLOW or DENY.
type ErrorKind string

const (
	// KindStoreNotReady: the provenance store has not finished starting.
	KindStoreNotReady ErrorKind = "store_not_ready"

	// KindResolveFileID: a path or descriptor could not be stat'ed.
	KindResolveFileID ErrorKind = "resolve_file_id"

	// KindInvalidProto: the policy service answered with an undecodable
	// payload.
	KindInvalidProto ErrorKind = "invalid_proto"

	// KindRemoteCall: the policy service call failed (transport, status,
	// timeout).
	KindRemoteCall ErrorKind = "remote_call"

	// KindStoreIO: open, insert, delete, migrate or cleanup failed.
	KindStoreIO ErrorKind = "store_io"

	// KindDescriptor: duplicating, polling or closing a descriptor failed.
	KindDescriptor ErrorKind = "descriptor"
)

// Kinds lists every ErrorKind in reporting order.
var Kinds = []ErrorKind{
	KindStoreNotReady,
	KindResolveFileID,
	KindInvalidProto,
	KindRemoteCall,
	KindStoreIO,
	KindDescriptor,
}

var (
	// ErrStopped is returned by calls made after Run has returned.
	ErrStopped = errors.New("engine stopped")

	// ErrOutsideRoot is returned when registering a file outside the DLP
	// root.
	ErrOutsideRoot = errors.New("path outside DLP root")

	errStoreNotReady = errors.New("provenance store not ready")
)

// Error is an engine failure tagged with its kind.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var ee *Error
	if errors.As(err, &ee) {
		return ee.Kind == kind
	}
	return false
}

// IsStoreNotReady reports whether err means the store is still starting.
func IsStoreNotReady(err error) bool {
	return IsKind(err, KindStoreNotReady)
}

// errorCounters counts errors per kind. Safe from any goroutine: store
// callbacks and lifeline watchers record directly.
type errorCounters struct {
	counts map[ErrorKind]*atomic.Int64
}

func newErrorCounters() *errorCounters {
	c := &errorCounters{counts: make(map[ErrorKind]*atomic.Int64, len(Kinds))}
	for _, k := range Kinds {
		c.counts[k] = new(atomic.Int64)
	}
	return c
}

func (c *errorCounters) add(kind ErrorKind) {
	if n, ok := c.counts[kind]; ok {
		n.Add(1)
	}
}

func (c *errorCounters) snapshot() map[ErrorKind]int64 {
	out := make(map[ErrorKind]int64, len(c.counts))
	for k, n := range c.counts {
		out[k] = n.Load()
	}
	return out
}

// record counts err under kind, logs it and returns it as an *Error.
func (e *Engine) record(kind ErrorKind, op string, err error) *Error {
	e.errors.add(kind)
	ee := &Error{Kind: kind, Op: op, Err: err}
	e.log.Warn("engine error",
		"kind", string(kind),
		"op", op,
		"error", err,
	)
	return ee
}

// Errors returns a snapshot of the per-kind error counters.
func (e *Engine) Errors() map[ErrorKind]int64 {
	return e.errors.snapshot()
}

// logEventError logs a failed event with enough context to investigate.
func logEventError(log *slog.Logger, ev Event, err error) {
	log.Error("event processing failed",
		"event", ev.Type.String(),
		"error", err,
	)
}
