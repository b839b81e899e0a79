package command

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/metrics"
	"go2tv.app/avsession/internal/store"
)

const DefaultQueueCapacity = 64

// Handler executes a control command on behalf of the session owner.
type Handler func(ctx context.Context, cmd domain.ControlCommand) error

// AuxKind names a session callback that is not part of the control
// vocabulary and never appears in validCommands.
type AuxKind string

const (
	AuxCommonCommand   AuxKind = "commonCommand"
	AuxSkipToQueueItem AuxKind = "skipToQueueItem"
	AuxKeyEvent        AuxKind = "handleKeyEvent"
)

func (k AuxKind) Valid() bool {
	switch k {
	case AuxCommonCommand, AuxSkipToQueueItem, AuxKeyEvent:
		return true
	default:
		return false
	}
}

// AuxRequest carries the argument for an auxiliary callback. Only the field
// matching Kind is set.
type AuxRequest struct {
	Kind     AuxKind
	Command  string
	Args     domain.Extras
	ItemID   int64
	KeyEvent domain.KeyEvent
}

type AuxHandler func(ctx context.Context, req AuxRequest) error

// ValidCommandsListener is told about every handler registration change.
// It runs after the session lock has been released, in registration order.
type ValidCommandsListener func(sessionID string, commands []domain.CommandType)

type Router struct {
	capacity int
	logger   *slog.Logger
	onChange ValidCommandsListener

	wg    sync.WaitGroup
	mu    sync.Mutex
	lanes map[string]*lane
}

type Option func(*Router)

func WithQueueCapacity(n int) Option {
	return func(r *Router) {
		if n > 0 {
			r.capacity = n
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

func WithValidCommandsListener(fn ValidCommandsListener) Option {
	return func(r *Router) { r.onChange = fn }
}

func New(opts ...Option) *Router {
	r := &Router{
		capacity: DefaultQueueCapacity,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		lanes:    map[string]*lane{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs h for typ, replacing any previous handler, and
// broadcasts the new valid command set.
func (r *Router) Register(sess *store.Session, typ domain.CommandType, h Handler) error {
	if !typ.Valid() {
		return domain.Errorf(domain.CodeParameterCheckFailed, "unknown command %q", typ)
	}
	if h == nil {
		return domain.NewError(domain.CodeParameterCheckFailed, "handler is required")
	}
	return r.mutateHandlers(sess, func(l *lane) {
		l.handlers[typ] = h
	})
}

// Unregister removes the handler for typ and broadcasts the new valid
// command set.
func (r *Router) Unregister(sess *store.Session, typ domain.CommandType) error {
	if !typ.Valid() {
		return domain.Errorf(domain.CodeParameterCheckFailed, "unknown command %q", typ)
	}
	return r.mutateHandlers(sess, func(l *lane) {
		delete(l.handlers, typ)
	})
}

func (r *Router) mutateHandlers(sess *store.Session, mutate func(*lane)) error {
	if sess == nil {
		return domain.ErrSessionNotExist
	}
	var valid []domain.CommandType
	return sess.UpdateAndNotify(func(st *store.State) error {
		l := r.laneFor(sess)
		mutate(l)
		valid = l.validLocked()
		st.ValidCommands = append([]domain.CommandType(nil), valid...)
		return nil
	}, func() {
		if r.onChange != nil {
			r.onChange(sess.ID(), valid)
		}
	})
}

// SetAux installs or, with a nil handler, removes an auxiliary callback.
func (r *Router) SetAux(sess *store.Session, kind AuxKind, h AuxHandler) error {
	if !kind.Valid() {
		return domain.Errorf(domain.CodeParameterCheckFailed, "unknown callback %q", kind)
	}
	if sess == nil {
		return domain.ErrSessionNotExist
	}
	return sess.Update(func(*store.State) error {
		l := r.laneFor(sess)
		if h == nil {
			delete(l.aux, kind)
		} else {
			l.aux[kind] = h
		}
		return nil
	})
}

// HasAux reports whether an auxiliary callback of kind is installed.
func (r *Router) HasAux(sess *store.Session, kind AuxKind) bool {
	found := false
	_ = sess.Update(func(*store.State) error {
		if l := r.existingLane(sess.ID()); l != nil {
			_, found = l.aux[kind]
		}
		return nil
	})
	return found
}

// Dispatch validates cmd against the session and queues it for the
// registered handler. Validation failures and a full queue are returned
// immediately; the handler outcome arrives on the returned channel.
func (r *Router) Dispatch(ctx context.Context, sess *store.Session, cmd domain.ControlCommand) (<-chan error, error) {
	if sess == nil {
		return nil, domain.ErrSessionNotExist
	}
	var j *job
	err := sess.Update(func(st *store.State) error {
		if !st.Active {
			return domain.ErrSessionInactive
		}
		l := r.existingLane(sess.ID())
		var h Handler
		if l != nil {
			h = l.handlers[cmd.Command]
		}
		if h == nil {
			return domain.Errorf(domain.CodeInvalidCommand, "command %q is not supported by the session", cmd.Command)
		}
		if err := domain.ValidateControlCommand(cmd); err != nil {
			return err
		}
		j = r.newJob(ctx, sess, string(cmd.Command), func(ctx context.Context) error {
			return h(ctx, cmd)
		})
		if !l.submit(j) {
			return domain.ErrMessageOverload
		}
		return nil
	})
	if err != nil {
		metrics.CommandsDispatched.WithLabelValues(string(cmd.Command), domain.CodeOf(err).String()).Inc()
		if domain.CodeOf(err) == domain.CodeMessageOverload {
			r.logger.Warn("command_queue_full",
				slog.String("session_id", sess.ID()),
				slog.String("command", string(cmd.Command)),
			)
		}
		return nil, err
	}
	return j.done, nil
}

// DispatchAux queues an auxiliary callback. The session must exist but need
// not be active.
func (r *Router) DispatchAux(ctx context.Context, sess *store.Session, req AuxRequest) (<-chan error, error) {
	if sess == nil {
		return nil, domain.ErrSessionNotExist
	}
	var j *job
	err := sess.Update(func(st *store.State) error {
		if req.Kind == AuxSkipToQueueItem && !st.HasQueueItem(req.ItemID) {
			return domain.Errorf(domain.CodeParameterCheckFailed, "queue item %d does not exist", req.ItemID)
		}
		if req.Kind == AuxCommonCommand && req.Command == "" {
			return domain.NewError(domain.CodeParameterCheckFailed, "command name is required")
		}
		l := r.existingLane(sess.ID())
		var h AuxHandler
		if l != nil {
			h = l.aux[req.Kind]
		}
		if h == nil {
			return domain.Errorf(domain.CodeInvalidCommand, "session does not handle %s", req.Kind)
		}
		j = r.newJob(ctx, sess, string(req.Kind), func(ctx context.Context) error {
			return h(ctx, req)
		})
		if !l.submit(j) {
			return domain.ErrMessageOverload
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return j.done, nil
}

// Wait blocks until the dispatched job completes or ctx ends.
func Wait(ctx context.Context, done <-chan error) error {
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drop stops the session's lane. Queued commands that have not started
// resolve with SessionNotExist.
func (r *Router) Drop(sessionID string) {
	r.mu.Lock()
	l, ok := r.lanes[sessionID]
	delete(r.lanes, sessionID)
	r.mu.Unlock()
	if ok {
		l.close()
	}
}

// Close stops every lane and waits for the workers to exit.
func (r *Router) Close(ctx context.Context) error {
	r.mu.Lock()
	lanes := r.lanes
	r.lanes = map[string]*lane{}
	r.mu.Unlock()
	for _, l := range lanes {
		l.close()
	}

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Router) newJob(ctx context.Context, sess *store.Session, label string, run func(context.Context) error) *job {
	if ctx == nil {
		ctx = context.Background()
	}
	return &job{
		label: label,
		sess:  sess,
		ctx:   context.WithoutCancel(ctx),
		run:   run,
		done:  make(chan error, 1),
	}
}

// laneFor must be called with the session lock held so that a lane is never
// created for a destroyed session.
func (r *Router) laneFor(sess *store.Session) *lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.lanes[sess.ID()]; ok {
		return l
	}
	l := newLane(sess.ID(), r.capacity)
	r.lanes[sess.ID()] = l
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		l.run(r.execute)
	}()
	return l
}

func (r *Router) existingLane(sessionID string) *lane {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lanes[sessionID]
}

func (r *Router) execute(j *job) {
	if !j.sess.Alive() {
		j.finish(domain.ErrSessionNotExist)
		return
	}
	start := time.Now()
	err := r.runJob(j)
	metrics.CommandDuration.WithLabelValues(j.label).Observe(time.Since(start).Seconds())
	result := "ok"
	if err != nil {
		result = domain.CodeOf(err).String()
	}
	metrics.CommandsDispatched.WithLabelValues(j.label, result).Inc()
	j.finish(err)
}

func (r *Router) runJob(j *job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("command_handler_panic",
				slog.String("session_id", j.sess.ID()),
				slog.String("command", j.label),
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("stack", string(debug.Stack())),
			)
			err = domain.Errorf(domain.CodeServiceException, "handler for %s panicked", j.label)
		}
	}()

	if runErr := j.run(j.ctx); runErr != nil {
		r.logger.Error("command_handler_failed",
			slog.String("session_id", j.sess.ID()),
			slog.String("command", j.label),
			slog.String("error", runErr.Error()),
		)
		return domain.Wrap(domain.CodeServiceException, "handler for "+j.label+" failed", runErr)
	}
	return nil
}
