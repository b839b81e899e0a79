package controller

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/command"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
	"go2tv.app/avsession/internal/store"
)

type env struct {
	store   *store.Store
	router  *command.Router
	bus     *eventbus.Bus
	factory *Factory
	clock   *clockwork.FakeClock
}

func newEnv(t *testing.T, castSource CastSource) *env {
	t.Helper()
	clock := clockwork.NewFakeClock()
	e := &env{
		store:  store.New(store.NewMemoryHistory(10), store.WithClock(clock)),
		router: command.New(),
		bus:    eventbus.New(nil),
		clock:  clock,
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = e.router.Close(ctx)
	})
	e.factory = NewFactory(Deps{Store: e.store, Router: e.router, Bus: e.bus, Cast: castSource, Clock: clock})
	return e
}

func (e *env) session(t *testing.T, owner string) *store.Session {
	t.Helper()
	sess, err := e.store.Create(owner, "player", domain.SessionTypeAudio)
	require.NoError(t, err)
	require.NoError(t, sess.Update(func(st *store.State) error {
		st.Active = true
		return nil
	}))
	return sess
}

func (e *env) destroy(t *testing.T, sess *store.Session) {
	t.Helper()
	rec, err := e.store.Destroy(context.Background(), sess.ID())
	require.NoError(t, err)
	e.router.Drop(sess.ID())
	e.factory.Invalidate(rec.Descriptor)
}

type events struct {
	mu  sync.Mutex
	got []domain.Event
}

func (r *events) cb(ev domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, ev)
}

func (r *events) all() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event{}, r.got...)
}

func TestCreateRequiresLiveSession(t *testing.T) {
	e := newEnv(t, nil)

	_, err := e.factory.Create("")
	assert.ErrorIs(t, err, domain.ErrParameterCheckFailed)
	_, err = e.factory.Create("missing")
	assert.ErrorIs(t, err, domain.ErrSessionNotExist)

	sess := e.session(t, "owner")
	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)
	assert.Equal(t, sess.ID(), c.SessionID())
	assert.Equal(t, []string{c.ID()}, e.factory.Bound(sess.ID()))

	got, err := e.factory.Get(c.ID())
	require.NoError(t, err)
	assert.Same(t, c, got)
}

func TestBoundKeepsCreationOrder(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")

	var want []string
	for i := 0; i < 8; i++ {
		c, err := e.factory.Create(sess.ID())
		require.NoError(t, err)
		want = append(want, c.ID())
	}
	def := e.factory.CreateDefault()
	e.factory.Rebind(&domain.SessionDescriptor{SessionID: sess.ID()})
	want = append(want, def.ID())

	for i := 0; i < 3; i++ {
		assert.Equal(t, want, e.factory.Bound(sess.ID()))
	}

	require.NoError(t, e.factory.Destroy(mustGet(t, e.factory, want[2])))
	want = append(want[:2:2], want[3:]...)
	assert.Equal(t, want, e.factory.Bound(sess.ID()))
}

func mustGet(t *testing.T, f *Factory, id string) *Controller {
	t.Helper()
	c, err := f.Get(id)
	require.NoError(t, err)
	return c
}

func TestGettersReadSessionState(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")
	require.NoError(t, sess.Update(func(st *store.State) error {
		st.Metadata = domain.AVMetadata{AssetID: "a1", Title: "Song"}
		st.QueueTitle = "Mix"
		return nil
	}))

	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	md, err := c.GetAVMetadata()
	require.NoError(t, err)
	assert.Equal(t, "Song", md.Title)
	title, err := c.GetAVQueueTitle()
	require.NoError(t, err)
	assert.Equal(t, "Mix", title)
	active, err := c.IsActive()
	require.NoError(t, err)
	assert.True(t, active)
	out, err := c.GetOutputDevice()
	require.NoError(t, err)
	assert.Equal(t, domain.LocalOutputDevice(), out)
}

func TestRealPlaybackPositionExtrapolates(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")
	now := e.clock.Now().UnixMilli()
	require.NoError(t, sess.Update(func(st *store.State) error {
		st.Metadata.Duration = 60_000
		st.PlaybackState = domain.AVPlaybackState{
			State:    domain.PlaybackPlay,
			Speed:    2,
			Position: domain.PlaybackPosition{ElapsedTime: 10_000, UpdateTime: now},
		}
		return nil
	}))
	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	e.clock.Advance(3 * time.Second)
	pos, err := c.GetRealPlaybackPosition()
	require.NoError(t, err)
	assert.Equal(t, int64(16_000), pos)

	e.clock.Advance(time.Minute)
	pos, err = c.GetRealPlaybackPosition()
	require.NoError(t, err)
	assert.Equal(t, int64(60_000), pos)
}

func TestGetSessionStateReadsOneSnapshot(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")
	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	stop := make(chan struct{})
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			title := fmt.Sprintf("t%d", i)
			_ = sess.Update(func(st *store.State) error {
				st.Metadata = domain.AVMetadata{AssetID: title, Title: title}
				st.QueueTitle = title
				st.PlaybackState.Position.ElapsedTime = int64(i)
				return nil
			})
		}
	}()

	for i := 0; i < 500; i++ {
		st, pos, err := c.GetSessionState()
		require.NoError(t, err)
		if st.Metadata.Title != st.QueueTitle {
			close(stop)
			t.Fatalf("mixed snapshot: metadata %q, queue title %q", st.Metadata.Title, st.QueueTitle)
		}
		if pos != st.PlaybackState.Position.ElapsedTime {
			close(stop)
			t.Fatalf("position %d does not match snapshot %d", pos, st.PlaybackState.Position.ElapsedTime)
		}
	}
	close(stop)
	<-writerDone

	e.destroy(t, sess)
	_, _, err = c.GetSessionState()
	assert.ErrorIs(t, err, domain.ErrControllerNotExist)
}

func TestSendControlCommandRunsHandler(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")

	var got []domain.ControlCommand
	require.NoError(t, e.router.Register(sess, domain.CommandSeek, func(_ context.Context, cmd domain.ControlCommand) error {
		got = append(got, cmd)
		return nil
	}))

	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	cmd := domain.ControlCommand{Command: domain.CommandSeek, Parameter: domain.NumberValue(1500)}
	require.NoError(t, c.SendControlCommand(context.Background(), cmd))
	require.Len(t, got, 1)
	assert.True(t, got[0].Parameter.Equal(domain.NumberValue(1500)))

	err = c.SendControlCommand(context.Background(), domain.ControlCommand{Command: domain.CommandPlay})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	require.NoError(t, sess.Update(func(st *store.State) error {
		st.Active = false
		return nil
	}))
	err = c.SendControlCommand(context.Background(), cmd)
	assert.ErrorIs(t, err, domain.ErrSessionInactive)
}

func TestInvalidateDeliversOneDestroyPerController(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")

	first, err := e.factory.Create(sess.ID())
	require.NoError(t, err)
	second, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	r1, r2 := &events{}, &events{}
	_, err = first.On(domain.EventSessionDestroy, r1.cb)
	require.NoError(t, err)
	_, err = second.On(domain.EventSessionDestroy, r2.cb)
	require.NoError(t, err)

	e.destroy(t, sess)

	for _, r := range []*events{r1, r2} {
		got := r.all()
		require.Len(t, got, 1)
		desc, ok := got[0].Payload.(domain.SessionDescriptor)
		require.True(t, ok)
		assert.Equal(t, sess.ID(), desc.SessionID)
	}

	_, err = first.GetAVMetadata()
	assert.ErrorIs(t, err, domain.ErrControllerNotExist)
	err = first.SendControlCommand(context.Background(), domain.ControlCommand{Command: domain.CommandPlay})
	assert.ErrorIs(t, err, domain.ErrControllerNotExist)
	_, err = e.factory.Get(first.ID())
	assert.ErrorIs(t, err, domain.ErrControllerNotExist)
	assert.Empty(t, e.factory.Bound(sess.ID()))
	assert.Zero(t, e.factory.Len())
	assert.Zero(t, e.bus.Count(first.ID(), domain.EventSessionDestroy))
}

func TestDefaultControllerFollowsTopSession(t *testing.T) {
	e := newEnv(t, nil)

	def := e.factory.CreateDefault()
	_, err := def.GetAVMetadata()
	assert.ErrorIs(t, err, domain.ErrSessionNotExist)

	top := &events{}
	_, err = def.On(domain.EventTopSessionChange, top.cb)
	require.NoError(t, err)

	a := e.session(t, "a")
	desc := a.Descriptor()
	e.factory.Rebind(&desc)
	assert.Equal(t, a.ID(), def.SessionID())
	require.Len(t, top.all(), 1)
	assert.Equal(t, a.ID(), top.all()[0].SessionID)

	destroyed := &events{}
	_, err = def.On(domain.EventSessionDestroy, destroyed.cb)
	require.NoError(t, err)
	e.destroy(t, a)
	assert.Len(t, destroyed.all(), 1)
	assert.Empty(t, def.SessionID())

	// Unbound default controllers stay usable.
	_, err = e.factory.Get(def.ID())
	require.NoError(t, err)

	b := e.session(t, "b")
	desc = b.Descriptor()
	e.factory.Rebind(&desc)
	assert.Equal(t, b.ID(), def.SessionID())
	assert.Len(t, top.all(), 2)
}

func TestControllerEventsAreValidated(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")
	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	_, err = c.On(domain.EventDeviceAvailable, func(domain.Event) {})
	assert.ErrorIs(t, err, domain.ErrParameterCheckFailed)

	_, err = c.On(domain.EventMetadataChange, func(domain.Event) {}, eventbus.WithFilter("title"))
	require.NoError(t, err)
	assert.Equal(t, 1, e.bus.Count(c.ID(), domain.EventMetadataChange))

	require.NoError(t, c.Destroy())
	assert.Zero(t, e.bus.Count(c.ID(), domain.EventMetadataChange))
	assert.ErrorIs(t, c.Off(domain.EventMetadataChange, nil), domain.ErrControllerNotExist)
	assert.ErrorIs(t, c.Destroy(), domain.ErrControllerNotExist)

	// The session survives its controllers.
	_, err = e.store.Get(sess.ID())
	require.NoError(t, err)
}

func TestSendAVKeyEventFallsBackToCommands(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")
	require.NoError(t, sess.Update(func(st *store.State) error {
		st.PlaybackState.State = domain.PlaybackPlay
		return nil
	}))

	var got []domain.CommandType
	record := func(_ context.Context, cmd domain.ControlCommand) error {
		got = append(got, cmd.Command)
		return nil
	}
	require.NoError(t, e.router.Register(sess, domain.CommandPause, record))
	require.NoError(t, e.router.Register(sess, domain.CommandPlayNext, record))

	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, c.SendAVKeyEvent(ctx, domain.KeyEvent{Action: domain.KeyActionDown, Code: domain.KeyCodeMediaPlayPause}))
	require.NoError(t, c.SendAVKeyEvent(ctx, domain.KeyEvent{Action: domain.KeyActionUp, Code: domain.KeyCodeMediaNext}))
	require.NoError(t, c.SendAVKeyEvent(ctx, domain.KeyEvent{Action: domain.KeyActionDown, Code: domain.KeyCodeMediaNext}))
	assert.Equal(t, []domain.CommandType{domain.CommandPause, domain.CommandPlayNext}, got)

	err = c.SendAVKeyEvent(ctx, domain.KeyEvent{Action: domain.KeyActionDown, Code: 9999})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)
	err = c.SendAVKeyEvent(ctx, domain.KeyEvent{Action: "hold", Code: domain.KeyCodeMediaNext})
	assert.ErrorIs(t, err, domain.ErrParameterCheckFailed)

	var keys []domain.KeyEvent
	require.NoError(t, e.router.SetAux(sess, command.AuxKeyEvent, func(_ context.Context, req command.AuxRequest) error {
		keys = append(keys, req.KeyEvent)
		return nil
	}))
	up := domain.KeyEvent{Action: domain.KeyActionUp, Code: domain.KeyCodeMediaStop}
	require.NoError(t, c.SendAVKeyEvent(ctx, up))
	assert.Equal(t, []domain.KeyEvent{up}, keys)
	assert.Len(t, got, 2)
}

func TestCommandForKey(t *testing.T) {
	cases := []struct {
		code  int
		state domain.PlaybackStateKind
		want  domain.CommandType
	}{
		{domain.KeyCodeMediaPlayPause, domain.PlaybackPlay, domain.CommandPause},
		{domain.KeyCodeMediaPlayPause, domain.PlaybackPause, domain.CommandPlay},
		{domain.KeyCodeMediaPlay, domain.PlaybackPlay, domain.CommandPlay},
		{domain.KeyCodeMediaStop, domain.PlaybackPlay, domain.CommandStop},
		{domain.KeyCodeMediaPrevious, domain.PlaybackIdle, domain.CommandPlayPrevious},
		{domain.KeyCodeMediaFastForward, domain.PlaybackIdle, domain.CommandFastForward},
	}
	for _, tc := range cases {
		got, ok := CommandForKey(tc.code, tc.state)
		require.True(t, ok)
		assert.Equal(t, tc.want, got, "key %d in %s", tc.code, tc.state)
	}
}

func TestAuxCommandsThroughController(t *testing.T) {
	e := newEnv(t, nil)
	sess := e.session(t, "owner")
	require.NoError(t, sess.Update(func(st *store.State) error {
		st.QueueItems = []domain.AVQueueItem{{ItemID: 4}}
		return nil
	}))
	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	ctx := context.Background()
	assert.ErrorIs(t, c.SkipToQueueItem(ctx, 4), domain.ErrInvalidCommand)

	var skipped []int64
	require.NoError(t, e.router.SetAux(sess, command.AuxSkipToQueueItem, func(_ context.Context, req command.AuxRequest) error {
		skipped = append(skipped, req.ItemID)
		return nil
	}))
	require.NoError(t, c.SkipToQueueItem(ctx, 4))
	assert.ErrorIs(t, c.SkipToQueueItem(ctx, 5), domain.ErrParameterCheckFailed)
	assert.Equal(t, []int64{4}, skipped)

	var names []string
	require.NoError(t, e.router.SetAux(sess, command.AuxCommonCommand, func(_ context.Context, req command.AuxRequest) error {
		names = append(names, req.Command)
		return nil
	}))
	require.NoError(t, c.SendCommonCommand(ctx, "shuffle-all", domain.NewExtras("seed", domain.NumberValue(3))))
	assert.Equal(t, []string{"shuffle-all"}, names)
}

type stubPlayer struct {
	mu       sync.Mutex
	controls []domain.CastCommandType
}

func (p *stubPlayer) Connect(context.Context) error                  { return nil }
func (p *stubPlayer) Load(context.Context, domain.AVQueueItem) error { return nil }
func (p *stubPlayer) Close(bool) error                               { return nil }

func (p *stubPlayer) Status(context.Context) (cast.RemoteStatus, error) {
	return cast.RemoteStatus{}, nil
}

func (p *stubPlayer) Commands() []domain.CastCommandType {
	return cast.CommandsFor(domain.ProtocolDLNA)
}

func (p *stubPlayer) Control(_ context.Context, cmd domain.CastControlCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.controls = append(p.controls, cmd.Command)
	return nil
}

type stubPlayers struct{ player *stubPlayer }

func (s stubPlayers) NewPlayer(domain.Device) (cast.Player, error) { return s.player, nil }

func TestCommandsGoToCastControllerWhileCasting(t *testing.T) {
	player := &stubPlayer{}
	bus := eventbus.New(nil)
	coord := cast.New(stubPlayers{player: player}, nil, bus)
	t.Cleanup(func() { _ = coord.Close(context.Background()) })

	e := newEnv(t, coord)
	sess := e.session(t, "owner")
	local := 0
	require.NoError(t, e.router.Register(sess, domain.CommandPause, func(context.Context, domain.ControlCommand) error {
		local++
		return nil
	}))
	c, err := e.factory.Create(sess.ID())
	require.NoError(t, err)

	_, err = c.GetAVCastController()
	assert.ErrorIs(t, err, domain.ErrRemoteConnectionNotExist)

	device := domain.Device{ID: "tv", Name: "TV", Address: "http://tv/desc.xml", Protocol: domain.ProtocolDLNA}
	cc, err := coord.StartCasting(context.Background(), sess, device)
	require.NoError(t, err)

	got, err := c.GetAVCastController()
	require.NoError(t, err)
	assert.Same(t, cc, got)

	require.NoError(t, c.SendControlCommand(context.Background(), domain.ControlCommand{Command: domain.CommandPause}))
	assert.Equal(t, []domain.CastCommandType{domain.CastCommandPause}, player.controls)
	assert.Zero(t, local)

	err = c.SendControlCommand(context.Background(), domain.ControlCommand{Command: domain.CommandAnswer})
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	require.NoError(t, coord.StopCasting(context.Background(), sess))
	require.NoError(t, c.SendControlCommand(context.Background(), domain.ControlCommand{Command: domain.CommandPause}))
	assert.Equal(t, 1, local)
}
