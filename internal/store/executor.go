package store

import (
	"context"
	"sync"

	"github.com/roach88/dlpd/internal/queue"
)

// Task is a unit of store work. The ctx it receives marks the store
// goroutine; passing it back into Post is a programming error.
type Task func(ctx context.Context)

type executorKey struct{}

// Executor runs tasks one at a time, in FIFO order, on a dedicated
// goroutine. Serializing here is what lets Store skip locking.
type Executor struct {
	tasks *queue.Queue[Task]
	base  context.Context
	done  chan struct{}
	once  sync.Once
}

// NewExecutor starts the executor goroutine.
func NewExecutor() *Executor {
	e := &Executor{
		tasks: queue.New[Task](),
		done:  make(chan struct{}),
	}
	e.base = context.WithValue(context.Background(), executorKey{}, e)
	go e.loop()
	return e
}

// Post schedules task. ctx is the caller's context and only used to detect
// re-entrant posts: calling Post from inside a task of the same executor
// would deadlock any caller waiting on the result, so it panics.
//
// Returns false once the executor is shut down.
func (e *Executor) Post(ctx context.Context, task Task) bool {
	if e.OnExecutor(ctx) {
		panic("store: Post called from the store goroutine")
	}
	return e.tasks.Push(task)
}

// OnExecutor reports whether ctx belongs to a task running on e.
func (e *Executor) OnExecutor(ctx context.Context) bool {
	if ctx == nil {
		return false
	}
	owner, _ := ctx.Value(executorKey{}).(*Executor)
	return owner == e
}

// Shutdown stops accepting tasks, runs those already queued, and waits for
// the goroutine to exit.
func (e *Executor) Shutdown() {
	e.once.Do(e.tasks.Close)
	<-e.done
}

func (e *Executor) loop() {
	defer close(e.done)
	for {
		task, ok := e.tasks.Pop()
		if !ok {
			return
		}
		task(e.base)
	}
}
