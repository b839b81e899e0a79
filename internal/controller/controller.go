package controller

import (
	"context"
	"sync"

	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/command"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
	"go2tv.app/avsession/internal/store"
)

// Controller observes and commands one session. It holds only the session
// id, so it never keeps a destroyed session alive.
type Controller struct {
	id        string
	factory   *Factory
	isDefault bool
	// seq orders controllers by creation.
	seq       uint64

	mu        sync.Mutex
	sessionID string
	closed    bool
}

func (c *Controller) ID() string      { return c.id }
func (c *Controller) IsDefault() bool { return c.isDefault }

func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Controller) resolve() (*store.Session, error) {
	c.mu.Lock()
	closed, sessionID := c.closed, c.sessionID
	c.mu.Unlock()
	if closed {
		return nil, domain.ErrControllerNotExist
	}
	if sessionID == "" {
		return nil, domain.NewError(domain.CodeSessionNotExist, "no top session is available")
	}
	sess, err := c.factory.store.Get(sessionID)
	if err != nil {
		if c.isDefault {
			return nil, err
		}
		return nil, domain.ErrControllerNotExist
	}
	return sess, nil
}

func (c *Controller) snapshot() (store.State, error) {
	sess, err := c.resolve()
	if err != nil {
		return store.State{}, err
	}
	st, err := sess.Snapshot()
	if err != nil && !c.isDefault {
		return store.State{}, domain.ErrControllerNotExist
	}
	return st, err
}

func (c *Controller) GetAVMetadata() (domain.AVMetadata, error) {
	st, err := c.snapshot()
	return st.Metadata, err
}

func (c *Controller) GetAVPlaybackState() (domain.AVPlaybackState, error) {
	st, err := c.snapshot()
	return st.PlaybackState, err
}

func (c *Controller) GetAVCallMetadata() (domain.AVCallMetadata, error) {
	st, err := c.snapshot()
	return st.CallMetadata, err
}

func (c *Controller) GetAVCallState() (domain.AVCallState, error) {
	st, err := c.snapshot()
	return st.CallState, err
}

func (c *Controller) GetAVQueueItems() ([]domain.AVQueueItem, error) {
	st, err := c.snapshot()
	return st.QueueItems, err
}

func (c *Controller) GetAVQueueTitle() (string, error) {
	st, err := c.snapshot()
	return st.QueueTitle, err
}

func (c *Controller) GetExtras() (domain.Extras, error) {
	st, err := c.snapshot()
	return st.Extras, err
}

func (c *Controller) GetOutputDevice() (domain.OutputDeviceInfo, error) {
	st, err := c.snapshot()
	return st.OutputDevice, err
}

func (c *Controller) GetLaunchAbility() (domain.LaunchIntent, error) {
	st, err := c.snapshot()
	return st.LaunchAbility, err
}

func (c *Controller) GetValidCommands() ([]domain.CommandType, error) {
	st, err := c.snapshot()
	return st.ValidCommands, err
}

func (c *Controller) IsActive() (bool, error) {
	st, err := c.snapshot()
	return st.Active, err
}

// GetSessionState returns the whole session state and the extrapolated
// playback position, both taken from a single snapshot.
func (c *Controller) GetSessionState() (store.State, int64, error) {
	st, err := c.snapshot()
	if err != nil {
		return store.State{}, 0, err
	}
	return st, c.realPosition(st), nil
}

// GetRealPlaybackPosition extrapolates the position reported by the owner
// using the playback speed while the session is playing.
func (c *Controller) GetRealPlaybackPosition() (int64, error) {
	st, err := c.snapshot()
	if err != nil {
		return 0, err
	}
	return c.realPosition(st), nil
}

func (c *Controller) realPosition(st store.State) int64 {
	ps := st.PlaybackState
	pos := ps.Position.ElapsedTime
	if ps.State == domain.PlaybackPlay && ps.Position.UpdateTime > 0 {
		elapsed := c.factory.clock.Now().UnixMilli() - ps.Position.UpdateTime
		if elapsed > 0 {
			pos += int64(float64(elapsed) * ps.Speed)
		}
	}
	if d := st.Metadata.Duration; d > 0 && pos > d {
		pos = d
	}
	if pos < 0 {
		pos = 0
	}
	return pos
}

// SendControlCommand runs cmd against the session and waits for the
// handler. While the session is cast, the command goes to the cast
// controller instead.
func (c *Controller) SendControlCommand(ctx context.Context, cmd domain.ControlCommand) error {
	sess, err := c.resolve()
	if err != nil {
		return err
	}
	if cc, ok := c.castController(sess.ID()); ok {
		castCmd, ok := cmd.ToCast()
		if !ok {
			return domain.Errorf(domain.CodeInvalidCommand, "command %q is not available while casting", cmd.Command)
		}
		return cc.SendControlCommand(ctx, castCmd)
	}
	done, err := c.factory.router.Dispatch(ctx, sess, cmd)
	if err != nil {
		return c.mapSessionErr(err)
	}
	return c.mapSessionErr(command.Wait(ctx, done))
}

// SendCommonCommand delivers a custom command with arguments to the owner.
func (c *Controller) SendCommonCommand(ctx context.Context, name string, args domain.Extras) error {
	return c.dispatchAux(ctx, command.AuxRequest{Kind: command.AuxCommonCommand, Command: name, Args: args})
}

// SkipToQueueItem asks the owner to play the queue item with itemID.
func (c *Controller) SkipToQueueItem(ctx context.Context, itemID int64) error {
	return c.dispatchAux(ctx, command.AuxRequest{Kind: command.AuxSkipToQueueItem, ItemID: itemID})
}

// SendAVKeyEvent forwards a key event. Without a key handler on the
// session, media keys are mapped onto control commands.
func (c *Controller) SendAVKeyEvent(ctx context.Context, ev domain.KeyEvent) error {
	if ev.Action != domain.KeyActionDown && ev.Action != domain.KeyActionUp {
		return domain.Errorf(domain.CodeParameterCheckFailed, "unknown key action %q", ev.Action)
	}
	sess, err := c.resolve()
	if err != nil {
		return err
	}
	if c.factory.router.HasAux(sess, command.AuxKeyEvent) {
		return c.dispatchAux(ctx, command.AuxRequest{Kind: command.AuxKeyEvent, KeyEvent: ev})
	}
	if ev.Action != domain.KeyActionDown {
		return nil
	}
	st, err := sess.Snapshot()
	if err != nil {
		return c.mapSessionErr(err)
	}
	cmd, ok := CommandForKey(ev.Code, st.PlaybackState.State)
	if !ok {
		return domain.Errorf(domain.CodeInvalidCommand, "key code %d has no default command", ev.Code)
	}
	return c.SendControlCommand(ctx, domain.ControlCommand{Command: cmd})
}

// CommandForKey maps a media key onto a control command given the current
// playback state.
func CommandForKey(code int, state domain.PlaybackStateKind) (domain.CommandType, bool) {
	switch code {
	case domain.KeyCodeMediaPlayPause:
		if state == domain.PlaybackPlay {
			return domain.CommandPause, true
		}
		return domain.CommandPlay, true
	case domain.KeyCodeMediaPlay:
		return domain.CommandPlay, true
	case domain.KeyCodeMediaPause:
		return domain.CommandPause, true
	case domain.KeyCodeMediaStop:
		return domain.CommandStop, true
	case domain.KeyCodeMediaNext:
		return domain.CommandPlayNext, true
	case domain.KeyCodeMediaPrevious:
		return domain.CommandPlayPrevious, true
	case domain.KeyCodeMediaRewind:
		return domain.CommandRewind, true
	case domain.KeyCodeMediaFastForward:
		return domain.CommandFastForward, true
	default:
		return "", false
	}
}

func (c *Controller) dispatchAux(ctx context.Context, req command.AuxRequest) error {
	sess, err := c.resolve()
	if err != nil {
		return err
	}
	done, err := c.factory.router.DispatchAux(ctx, sess, req)
	if err != nil {
		return c.mapSessionErr(err)
	}
	return c.mapSessionErr(command.Wait(ctx, done))
}

// GetAVCastController returns the cast controller while the session is
// remoted.
func (c *Controller) GetAVCastController() (*cast.Controller, error) {
	sess, err := c.resolve()
	if err != nil {
		return nil, err
	}
	if c.factory.cast == nil {
		return nil, domain.ErrRemoteConnectionNotExist
	}
	return c.factory.cast.Controller(sess.ID())
}

func (c *Controller) castController(sessionID string) (*cast.Controller, bool) {
	if c.factory.cast == nil {
		return nil, false
	}
	cc, err := c.factory.cast.Controller(sessionID)
	return cc, err == nil && cc != nil
}

// On subscribes cb to kind on this controller.
func (c *Controller) On(kind domain.EventKind, cb eventbus.Callback, opts ...eventbus.Option) (*eventbus.Subscription, error) {
	if !domain.KindIn(kind, domain.ControllerEvents) {
		return nil, domain.Errorf(domain.CodeParameterCheckFailed, "controllers do not emit %q", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, domain.ErrControllerNotExist
	}
	return c.factory.bus.Subscribe(c.id, kind, cb, opts...)
}

// Off removes sub, or every subscription of kind when sub is nil.
func (c *Controller) Off(kind domain.EventKind, sub *eventbus.Subscription) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return domain.ErrControllerNotExist
	}
	return c.factory.bus.Unsubscribe(c.id, kind, sub)
}

// Destroy releases the controller. The session is not affected.
func (c *Controller) Destroy() error {
	return c.factory.Destroy(c)
}

// mapSessionErr turns a lookup failure on a vanished session into the
// controller-level error for fixed controllers.
func (c *Controller) mapSessionErr(err error) error {
	if !c.isDefault && domain.CodeOf(err) == domain.CodeSessionNotExist {
		return domain.ErrControllerNotExist
	}
	return err
}
