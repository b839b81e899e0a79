package command

import (
	"context"
	"sync"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/store"
)

// job is one queued invocation. done is buffered so the worker never blocks
// on a caller that stopped waiting.
type job struct {
	label string
	sess  *store.Session
	ctx   context.Context
	run   func(ctx context.Context) error
	done  chan error
}

func (j *job) finish(err error) {
	j.done <- err
}

// lane is the per-session handler table and FIFO command queue served by a
// single worker goroutine. handlers and aux are guarded by the session lock.
type lane struct {
	sessionID string
	handlers  map[domain.CommandType]Handler
	aux       map[AuxKind]AuxHandler

	queue    chan *job
	stop     chan struct{}
	stopOnce sync.Once
}

func newLane(sessionID string, capacity int) *lane {
	return &lane{
		sessionID: sessionID,
		handlers:  map[domain.CommandType]Handler{},
		aux:       map[AuxKind]AuxHandler{},
		queue:     make(chan *job, capacity),
		stop:      make(chan struct{}),
	}
}

// submit enqueues j without blocking. It returns false when the queue is
// full or the lane has been stopped.
func (l *lane) submit(j *job) bool {
	select {
	case <-l.stop:
		return false
	default:
	}
	select {
	case l.queue <- j:
		return true
	default:
		return false
	}
}

func (l *lane) close() {
	l.stopOnce.Do(func() {
		close(l.stop)
	})
}

func (l *lane) validLocked() []domain.CommandType {
	out := make([]domain.CommandType, 0, len(l.handlers))
	for _, t := range domain.ControlCommands() {
		if _, ok := l.handlers[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (l *lane) run(exec func(*job)) {
	for {
		select {
		case j := <-l.queue:
			exec(j)
		case <-l.stop:
			for {
				select {
				case j := <-l.queue:
					j.finish(domain.ErrSessionNotExist)
				default:
					return
				}
			}
		}
	}
}
