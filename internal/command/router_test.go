package command

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/store"
)

type changeLog struct {
	mu      sync.Mutex
	changes [][]domain.CommandType
}

func (c *changeLog) listener(_ string, cmds []domain.CommandType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changes = append(c.changes, cmds)
}

func (c *changeLog) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.changes)
}

func (c *changeLog) last() []domain.CommandType {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changes[len(c.changes)-1]
}

func newActiveSession(t *testing.T, st *store.Store, owner string) *store.Session {
	t.Helper()
	sess, err := st.Create(owner, "tag", domain.SessionTypeAudio)
	require.NoError(t, err)
	require.NoError(t, sess.Update(func(s *store.State) error {
		s.Active = true
		return nil
	}))
	return sess
}

func newRouter(t *testing.T, opts ...Option) *Router {
	t.Helper()
	r := New(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func noopHandler(context.Context, domain.ControlCommand) error { return nil }

func TestValidCommandsTrackRegistrations(t *testing.T) {
	var log changeLog
	r := newRouter(t, WithValidCommandsListener(log.listener))
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")

	require.NoError(t, r.Register(sess, domain.CommandPlay, noopHandler))
	require.NoError(t, r.Register(sess, domain.CommandSeek, noopHandler))
	require.NoError(t, r.Register(sess, domain.CommandPlay, noopHandler))
	require.NoError(t, r.Unregister(sess, domain.CommandSeek))

	assert.Equal(t, 4, log.len())
	assert.Equal(t, []domain.CommandType{domain.CommandPlay}, log.last())

	snap, err := sess.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, []domain.CommandType{domain.CommandPlay}, snap.ValidCommands)

	assert.ErrorIs(t, r.Register(sess, "warp", noopHandler), domain.ErrParameterCheckFailed)
	assert.Equal(t, 4, log.len())
}

func TestDispatchRejections(t *testing.T) {
	r := newRouter(t)
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")
	ctx := context.Background()

	_, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandSeek, Parameter: domain.NumberValue(10)})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	require.NoError(t, r.Register(sess, domain.CommandSeek, noopHandler))
	_, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandSeek, Parameter: domain.StringValue("ten")})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	require.NoError(t, sess.Update(func(s *store.State) error {
		s.Active = false
		return nil
	}))
	_, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandSeek, Parameter: domain.NumberValue(10)})
	assert.ErrorIs(t, err, domain.ErrSessionInactive)
	_, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
	assert.ErrorIs(t, err, domain.ErrSessionInactive)

	_, err = st.Destroy(ctx, sess.ID())
	require.NoError(t, err)
	_, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandSeek, Parameter: domain.NumberValue(10)})
	assert.ErrorIs(t, err, domain.ErrSessionNotExist)
}

func TestDispatchRunsHandlersInOrder(t *testing.T) {
	r := newRouter(t)
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")
	ctx := context.Background()

	var mu sync.Mutex
	var seen []float64
	require.NoError(t, r.Register(sess, domain.CommandSeek, func(_ context.Context, cmd domain.ControlCommand) error {
		n, _ := cmd.Parameter.AsNumber()
		mu.Lock()
		seen = append(seen, n)
		mu.Unlock()
		return nil
	}))

	var pending []<-chan error
	for i := 0; i < 10; i++ {
		done, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandSeek, Parameter: domain.NumberValue(float64(i))})
		require.NoError(t, err)
		pending = append(pending, done)
	}
	for _, done := range pending {
		require.NoError(t, Wait(ctx, done))
	}
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, seen)
}

func TestDispatchOverload(t *testing.T) {
	r := newRouter(t, WithQueueCapacity(2))
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")
	ctx := context.Background()

	started := make(chan struct{}, 8)
	release := make(chan struct{})
	require.NoError(t, r.Register(sess, domain.CommandPlay, func(context.Context, domain.ControlCommand) error {
		started <- struct{}{}
		<-release
		return nil
	}))

	first, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
	require.NoError(t, err)
	<-started

	var queued []<-chan error
	for i := 0; i < 2; i++ {
		done, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
		require.NoError(t, err)
		queued = append(queued, done)
	}

	_, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
	assert.ErrorIs(t, err, domain.ErrMessageOverload)
	assert.True(t, domain.IsRetryable(err))

	close(release)
	require.NoError(t, Wait(ctx, first))
	for _, done := range queued {
		require.NoError(t, Wait(ctx, done))
	}
}

func TestHandlerFailuresBecomeServiceException(t *testing.T) {
	r := newRouter(t)
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")
	ctx := context.Background()

	require.NoError(t, r.Register(sess, domain.CommandPlay, func(context.Context, domain.ControlCommand) error {
		panic("owner bug")
	}))
	require.NoError(t, r.Register(sess, domain.CommandPause, func(context.Context, domain.ControlCommand) error {
		return errors.New("decoder stalled")
	}))
	require.NoError(t, r.Register(sess, domain.CommandStop, noopHandler))

	done, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
	require.NoError(t, err)
	assert.ErrorIs(t, Wait(ctx, done), domain.ErrServiceException)

	done, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPause})
	require.NoError(t, err)
	assert.ErrorIs(t, Wait(ctx, done), domain.ErrServiceException)

	done, err = r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandStop})
	require.NoError(t, err)
	assert.NoError(t, Wait(ctx, done))
}

func TestDestroyDrainsQueuedCommands(t *testing.T) {
	r := newRouter(t)
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	calls := 0
	require.NoError(t, r.Register(sess, domain.CommandPlay, func(context.Context, domain.ControlCommand) error {
		calls++
		if calls == 1 {
			close(started)
			<-release
		}
		return nil
	}))

	first, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
	require.NoError(t, err)
	<-started
	second, err := r.Dispatch(ctx, sess, domain.ControlCommand{Command: domain.CommandPlay})
	require.NoError(t, err)

	_, err = st.Destroy(ctx, sess.ID())
	require.NoError(t, err)
	r.Drop(sess.ID())
	close(release)

	assert.NoError(t, Wait(ctx, first))
	assert.ErrorIs(t, Wait(ctx, second), domain.ErrSessionNotExist)
	assert.Equal(t, 1, calls)
}

func TestAuxCallbacks(t *testing.T) {
	r := newRouter(t)
	st := store.New(nil)
	sess := newActiveSession(t, st, "owner")
	ctx := context.Background()
	require.NoError(t, sess.Update(func(s *store.State) error {
		s.QueueItems = []domain.AVQueueItem{{ItemID: 7}}
		return nil
	}))

	_, err := r.DispatchAux(ctx, sess, AuxRequest{Kind: AuxSkipToQueueItem, ItemID: 7})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	got := make(chan AuxRequest, 1)
	require.NoError(t, r.SetAux(sess, AuxSkipToQueueItem, func(_ context.Context, req AuxRequest) error {
		got <- req
		return nil
	}))
	assert.True(t, r.HasAux(sess, AuxSkipToQueueItem))

	_, err = r.DispatchAux(ctx, sess, AuxRequest{Kind: AuxSkipToQueueItem, ItemID: 8})
	assert.ErrorIs(t, err, domain.ErrParameterCheckFailed)

	done, err := r.DispatchAux(ctx, sess, AuxRequest{Kind: AuxSkipToQueueItem, ItemID: 7})
	require.NoError(t, err)
	require.NoError(t, Wait(ctx, done))
	assert.EqualValues(t, 7, (<-got).ItemID)

	snap, err := sess.Snapshot()
	require.NoError(t, err)
	assert.Empty(t, snap.ValidCommands)

	require.NoError(t, r.SetAux(sess, AuxSkipToQueueItem, nil))
	assert.False(t, r.HasAux(sess, AuxSkipToQueueItem))
}
