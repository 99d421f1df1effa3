package recognition

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-signs/internal/session"
)

type task struct {
	run func(ctx context.Context)
	// abort answers a task that was still queued when the session closed.
	abort func()
}

// worker owns one session. Every frame and control operation for the
// session runs on its goroutine, in arrival order, under a context that is
// cancelled when the session closes.
type worker struct {
	id   string
	sess *session.Session

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	stopped  bool
	inbox    chan task
	quit     chan struct{}
	lastSeen atomic.Int64
}

func newWorker(parent context.Context, id string, sess *session.Session, inboxSize int, now time.Time) *worker {
	ctx, cancel := context.WithCancel(parent)
	w := &worker{
		id:     id,
		sess:   sess,
		ctx:    ctx,
		cancel: cancel,
		inbox:  make(chan task, inboxSize),
		quit:   make(chan struct{}),
	}
	w.touch(now)
	return w
}

// enqueue never blocks. It fails with ErrSessionBusy when the inbox is full
// and ErrUnknownSession once the worker stopped.
func (w *worker) enqueue(t task) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return fmt.Errorf("%w: %s", ErrUnknownSession, w.id)
	}
	select {
	case w.inbox <- t:
		return nil
	default:
		return ErrSessionBusy
	}
}

func (w *worker) run() {
	defer func() {
		w.stop()
		w.drain()
	}()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.quit:
			return
		case t := <-w.inbox:
			if w.ctx.Err() != nil {
				w.abort(t)
				continue
			}
			t.run(w.ctx)
		}
	}
}

// drain aborts whatever is left in the inbox. Nothing is enqueued after
// stop, so one pass after it empties the inbox.
func (w *worker) drain() {
	for {
		select {
		case t := <-w.inbox:
			w.abort(t)
		default:
			return
		}
	}
}

func (w *worker) abort(t task) {
	if t.abort != nil {
		t.abort()
	}
}

// stop cancels the task in flight and ends the worker. It never blocks, so
// a task may close its own session.
func (w *worker) stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	close(w.quit)
	w.cancel()
}

func (w *worker) touch(now time.Time) { w.lastSeen.Store(now.UnixNano()) }

func (w *worker) idleFor(now time.Time) time.Duration {
	return now.Sub(time.Unix(0, w.lastSeen.Load()))
}
