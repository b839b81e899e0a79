package cast

import (
	"context"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
)

// Controller is the handle applications use to drive a session while it
// renders on a remote device.
type Controller struct {
	id        string
	sessionID string
	device    domain.Device
	player    Player
	bus       *eventbus.Bus
	clock     clockwork.Clock
	logger    *slog.Logger

	mu       sync.Mutex
	state    domain.AVPlaybackState
	item     *domain.AVQueueItem
	pending  *domain.AVQueueItem
	released bool
}

func newController(sessionID string, device domain.Device, player Player, bus *eventbus.Bus, clock clockwork.Clock, logger *slog.Logger) *Controller {
	return &Controller{
		id:        newCastID(),
		sessionID: sessionID,
		device:    device,
		player:    player,
		bus:       bus,
		clock:     clock,
		logger:    logger,
		state: domain.AVPlaybackState{
			State: domain.PlaybackPrepare,
			Speed: 1,
		},
	}
}

func (c *Controller) ID() string            { return c.id }
func (c *Controller) SessionID() string     { return c.sessionID }
func (c *Controller) Device() domain.Device { return c.device }

// SendControlCommand validates cmd, hands it to the device and applies
// its effect to the remote playback state.
func (c *Controller) SendControlCommand(ctx context.Context, cmd domain.CastControlCommand) error {
	if err := domain.ValidateCastCommand(cmd); err != nil {
		return err
	}
	c.mu.Lock()
	released := c.released
	c.mu.Unlock()
	if released {
		return domain.ErrRemoteConnectionNotExist
	}
	if !slices.Contains(c.player.Commands(), cmd.Command) {
		return domain.Errorf(domain.CodeInvalidCommand, "%s devices do not support %s", c.device.Protocol, cmd.Command)
	}
	if err := c.player.Control(ctx, cmd); err != nil {
		return domain.Wrap(domain.CodeRemoteConnectionFailed, "cast command failed", err)
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return domain.ErrRemoteConnectionNotExist
	}
	old := clonePlaybackState(c.state)
	applyCastCommand(&c.state, cmd, c.clock.Now().UnixMilli())
	next := clonePlaybackState(c.state)
	c.mu.Unlock()

	c.bus.PublishChange(c.id, domain.EventPlaybackStateChange, eventbus.Diff(c.sessionID, old, next))
	return nil
}

func applyCastCommand(st *domain.AVPlaybackState, cmd domain.CastControlCommand, now int64) {
	switch cmd.Command {
	case domain.CastCommandPlay:
		st.State = domain.PlaybackPlay
	case domain.CastCommandPause:
		st.State = domain.PlaybackPause
	case domain.CastCommandStop:
		st.State = domain.PlaybackStop
	case domain.CastCommandFastForward:
		st.State = domain.PlaybackFastForward
	case domain.CastCommandRewind:
		st.State = domain.PlaybackRewind
	case domain.CastCommandSeek:
		n, _ := cmd.Parameter.AsNumber()
		st.Position = domain.PlaybackPosition{ElapsedTime: int64(n), UpdateTime: now}
	case domain.CastCommandSetSpeed:
		st.Speed, _ = cmd.Parameter.AsNumber()
	case domain.CastCommandSetLoopMode:
		st.LoopMode, _ = domain.LoopModeOf(cmd.Parameter)
	case domain.CastCommandToggleFavorite:
		st.IsFavorite = !st.IsFavorite
	case domain.CastCommandSetVolume:
		n, _ := cmd.Parameter.AsInt()
		st.Volume = int(n)
	case domain.CastCommandToggleMute:
		st.Muted = !st.Muted
	case domain.CastCommandPlayNext, domain.CastCommandPlayPrevious, domain.CastCommandPlayFromAssetID:
		st.State = domain.PlaybackPrepare
	}
}

// Prepare records item as the next media without sending it to the
// device.
func (c *Controller) Prepare(item domain.AVQueueItem) error {
	if err := checkItem(item); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return domain.ErrRemoteConnectionNotExist
	}
	c.pending = &item
	return nil
}

// Start loads item on the device and makes it the current item.
func (c *Controller) Start(ctx context.Context, item domain.AVQueueItem) error {
	if err := checkItem(item); err != nil {
		return err
	}
	if c.Released() {
		return domain.ErrRemoteConnectionNotExist
	}
	if err := c.player.Load(ctx, item); err != nil {
		return domain.Wrap(domain.CodeRemoteConnectionFailed, "failed to load media on "+c.device.Name, err)
	}
	c.mu.Lock()
	if c.pending != nil && c.pending.ItemID == item.ItemID {
		c.pending = nil
	}
	c.mu.Unlock()
	c.start(item)
	return nil
}

func checkItem(item domain.AVQueueItem) error {
	if item.Description.MediaURI == "" {
		return domain.Errorf(domain.CodeParameterCheckFailed, "queue item %d has no media uri", item.ItemID)
	}
	return nil
}

// start records the item now loaded on the device.
func (c *Controller) start(item domain.AVQueueItem) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.item = &item
	id := item.ItemID
	c.state.ActiveItemID = &id
	c.mu.Unlock()

	c.bus.Publish(c.id, domain.Event{
		Kind:      domain.EventMediaItemChange,
		SessionID: c.sessionID,
		Payload:   item,
	})
}

// observe folds a device status report into the playback state.
func (c *Controller) observe(status RemoteStatus) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	old := clonePlaybackState(c.state)
	if status.State != "" {
		c.state.State = status.State
	}
	if status.PositionMS > 0 || status.State == domain.PlaybackPlay {
		c.state.Position = domain.PlaybackPosition{
			ElapsedTime: status.PositionMS,
			UpdateTime:  c.clock.Now().UnixMilli(),
		}
	}
	next := clonePlaybackState(c.state)
	c.mu.Unlock()

	// Position ticks alone do not warrant an event.
	change := eventbus.Diff(c.sessionID, old, next)
	if len(change.Changed) == 1 && change.Changed[0] == "position" && old.State == next.State {
		return
	}
	c.bus.PublishChange(c.id, domain.EventPlaybackStateChange, change)
}

func (c *Controller) fail(err error) {
	c.bus.Publish(c.id, domain.Event{
		Kind:      domain.EventCastError,
		SessionID: c.sessionID,
		Payload:   domain.AsError(err),
	})
}

// release detaches the controller. Later calls fail with
// ErrRemoteConnectionNotExist and subscriptions are dropped.
func (c *Controller) release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	c.state.State = domain.PlaybackReleased
	c.mu.Unlock()
	c.bus.RemoveHandle(c.id)
}

func (c *Controller) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.released
}

func (c *Controller) GetAVPlaybackState() (domain.AVPlaybackState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return domain.AVPlaybackState{}, domain.ErrRemoteConnectionNotExist
	}
	return clonePlaybackState(c.state), nil
}

func (c *Controller) GetCurrentItem() (domain.AVQueueItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return domain.AVQueueItem{}, domain.ErrRemoteConnectionNotExist
	}
	if c.item == nil {
		return domain.AVQueueItem{}, nil
	}
	item := *c.item
	item.Description.Extras = item.Description.Extras.Clone()
	return item, nil
}

func (c *Controller) GetValidCommands() ([]domain.CastCommandType, error) {
	if c.Released() {
		return nil, domain.ErrRemoteConnectionNotExist
	}
	return slices.Clone(c.player.Commands()), nil
}

func (c *Controller) On(kind domain.EventKind, cb eventbus.Callback, opts ...eventbus.Option) (*eventbus.Subscription, error) {
	if !domain.KindIn(kind, domain.CastControllerEvents) {
		return nil, domain.Errorf(domain.CodeParameterCheckFailed, "cast controllers do not emit %q", kind)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return nil, domain.ErrRemoteConnectionNotExist
	}
	return c.bus.Subscribe(c.id, kind, cb, opts...)
}

func (c *Controller) Off(kind domain.EventKind, sub *eventbus.Subscription) error {
	if c.Released() {
		return domain.ErrRemoteConnectionNotExist
	}
	return c.bus.Unsubscribe(c.id, kind, sub)
}

func clonePlaybackState(st domain.AVPlaybackState) domain.AVPlaybackState {
	out := st
	if st.ActiveItemID != nil {
		id := *st.ActiveItemID
		out.ActiveItemID = &id
	}
	out.Extras = st.Extras.Clone()
	return out
}

func newCastID() string {
	return "cast_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
