package cast

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
	"go2tv.app/avsession/internal/metrics"
	"go2tv.app/avsession/internal/store"
)

const (
	defaultDiscoveryTimeoutMS  = 2500
	fallbackDiscoveryTimeoutMS = 12000

	defaultPollInterval      = 4 * time.Second
	defaultMaxStatusFailures = 3
)

// DeviceLister finds cast devices on the local network.
type DeviceLister interface {
	ListLocalHardware(ctx context.Context, timeoutMS int, includeUnreachable bool) ([]domain.Device, error)
}

// OutputListener is told about every output device transition of a
// session.
type OutputListener func(sessionID string, change domain.OutputDeviceChange)

type Option func(*Coordinator)

func WithClock(clock clockwork.Clock) Option {
	return func(c *Coordinator) { c.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithRetryPolicy(policy RetryPolicy) Option {
	return func(c *Coordinator) { c.retry = policy }
}

// WithPollInterval sets how often a connected device is asked for its
// status.
func WithPollInterval(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.pollEvery = d
		}
	}
}

// WithMaxStatusFailures sets how many consecutive failed status polls
// drop the connection.
func WithMaxStatusFailures(n int) Option {
	return func(c *Coordinator) {
		if n > 0 {
			c.maxStatusFailures = n
		}
	}
}

func WithDiscoveryTimeout(ms int) Option {
	return func(c *Coordinator) {
		if ms > 0 {
			c.discoveryTimeoutMS = ms
		}
	}
}

func WithOutputListener(fn OutputListener) Option {
	return func(c *Coordinator) { c.onOutputChange = fn }
}

// Coordinator moves sessions between local playback and remote devices.
// At most one remote connection exists per session.
type Coordinator struct {
	players            PlayerFactory
	devices            DeviceLister
	bus                *eventbus.Bus
	clock              clockwork.Clock
	logger             *slog.Logger
	retry              RetryPolicy
	pollEvery          time.Duration
	maxStatusFailures  int
	discoveryTimeoutMS int
	onOutputChange     OutputListener

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

type entry struct {
	sessionID string
	sess      *store.Session
	device    domain.Device
	cancel    context.CancelFunc

	player     Player
	controller *Controller
	pollDone   chan struct{}

	closeOnce sync.Once
}

func New(players PlayerFactory, devices DeviceLister, bus *eventbus.Bus, opts ...Option) *Coordinator {
	c := &Coordinator{
		players:            players,
		devices:            devices,
		bus:                bus,
		clock:              clockwork.NewRealClock(),
		logger:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		retry:              DefaultRetryPolicy(),
		pollEvery:          defaultPollInterval,
		maxStatusFailures:  defaultMaxStatusFailures,
		discoveryTimeoutMS: defaultDiscoveryTimeoutMS,
		entries:            make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StartCasting connects sess to device and, when the session has an
// active queue item, starts it there. The session must be rendering
// locally.
func (c *Coordinator) StartCasting(ctx context.Context, sess *store.Session, device domain.Device) (*Controller, error) {
	var item *domain.AVQueueItem
	err := sess.Update(func(st *store.State) error {
		if st.CastState != domain.CastLocal {
			return domain.Errorf(domain.CodeInvalidCommand, "session is already %s", st.CastState)
		}
		st.CastState = domain.CastConnecting
		item = activeItem(st)
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The connection outlives the request that opened it. Connecting still
	// honours the caller's cancellation.
	lifeCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	connectCtx, stopConnect := context.WithCancel(ctx)
	defer stopConnect()
	context.AfterFunc(lifeCtx, stopConnect)
	e := &entry{sessionID: sess.ID(), sess: sess, device: device, cancel: cancel}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		c.revert(sess)
		return nil, domain.Errorf(domain.CodeServiceException, "cast coordinator is shutting down")
	}
	c.entries[sess.ID()] = e
	c.mu.Unlock()

	c.transition(sess.ID(), domain.CastConnecting, device.Protocol)
	c.notify(sess.ID(), domain.ConnectionConnecting, domain.RemoteOutputDevice(device))

	player, err := c.connect(connectCtx, &device, item)
	if err != nil {
		cancel()
		if c.take(sess.ID(), e) == nil {
			// StopCasting or Teardown already took over.
			return nil, domain.Wrap(domain.CodeDeviceConnectionFailed, "casting to "+device.Name+" was cancelled", err)
		}
		c.revert(sess)
		c.transition(sess.ID(), domain.CastLocal, device.Protocol)
		c.notify(sess.ID(), domain.ConnectionDisconnected, domain.LocalOutputDevice())
		c.logger.Warn("cast_connect_failed",
			slog.String("session_id", sess.ID()),
			slog.String("device_id", device.ID),
			slog.String("error", err.Error()),
		)
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, err
		}
		return nil, domain.Wrap(domain.CodeDeviceConnectionFailed, "failed to connect to "+device.Name, err)
	}

	controller := newController(sess.ID(), device, player, c.bus, c.clock, c.logger)
	c.mu.Lock()
	if c.entries[sess.ID()] != e {
		c.mu.Unlock()
		cancel()
		_ = player.Close(true)
		return nil, domain.Errorf(domain.CodeDeviceConnectionFailed, "casting to %s was cancelled", device.Name)
	}
	e.device = device
	e.player = player
	e.controller = controller
	e.pollDone = make(chan struct{})
	c.mu.Unlock()

	err = sess.Update(func(st *store.State) error {
		if st.CastState != domain.CastConnecting {
			return domain.Errorf(domain.CodeDeviceConnectionFailed, "casting to %s was cancelled", device.Name)
		}
		st.CastState = domain.CastConnected
		st.OutputDevice = domain.RemoteOutputDevice(device)
		return nil
	})
	if err != nil {
		close(e.pollDone)
		if taken := c.take(sess.ID(), e); taken != nil {
			c.shutdown(taken, true)
		}
		return nil, err
	}

	reports := make(chan pollReport)
	go c.poll(lifeCtx, e, reports)
	go c.deliver(lifeCtx, e, reports)
	if item != nil {
		controller.start(*item)
	}
	c.transition(sess.ID(), domain.CastConnected, device.Protocol)
	c.notify(sess.ID(), domain.ConnectionConnected, domain.RemoteOutputDevice(device))
	c.logger.Info("cast_connected",
		slog.String("session_id", sess.ID()),
		slog.String("device_id", device.ID),
		slog.String("protocol", device.Protocol),
	)
	return controller, nil
}

func (c *Coordinator) connect(ctx context.Context, device *domain.Device, item *domain.AVQueueItem) (Player, error) {
	if strings.TrimSpace(device.Address) == "" {
		target := device.ID
		if target == "" {
			target = device.Name
		}
		resolved, err := c.ResolveDevice(ctx, target)
		if err != nil {
			return nil, err
		}
		*device = resolved
	}
	if c.players == nil {
		return nil, errors.New("no player factory configured")
	}
	player, err := c.players.NewPlayer(*device)
	if err != nil {
		return nil, err
	}
	if err := withRetry(ctx, c.clock, c.retry, c.logger, device.Protocol+"_connect", func() error {
		return player.Connect(ctx)
	}); err != nil {
		_ = player.Close(true)
		return nil, err
	}
	if item != nil && item.Description.MediaURI != "" {
		if err := withRetry(ctx, c.clock, c.retry, c.logger, device.Protocol+"_load", func() error {
			return player.Load(ctx, *item)
		}); err != nil {
			_ = player.Close(true)
			return nil, err
		}
	}
	return player, nil
}

// StopCasting ends the remote connection of sess and returns playback to
// the local device.
func (c *Coordinator) StopCasting(_ context.Context, sess *store.Session) error {
	var protocol string
	err := sess.Update(func(st *store.State) error {
		if st.CastState != domain.CastConnected && st.CastState != domain.CastConnecting {
			return domain.ErrRemoteConnectionNotExist
		}
		if len(st.OutputDevice.Devices) > 0 {
			protocol = st.OutputDevice.Devices[0].Protocol
		}
		st.CastState = domain.CastDisconnected
		return nil
	})
	if err != nil {
		return err
	}

	if e := c.take(sess.ID(), nil); e != nil {
		c.shutdown(e, true)
		protocol = e.device.Protocol
	}
	c.revert(sess)
	c.transition(sess.ID(), domain.CastLocal, protocol)
	c.notify(sess.ID(), domain.ConnectionDisconnected, domain.LocalOutputDevice())
	c.logger.Info("cast_stopped", slog.String("session_id", sess.ID()))
	return nil
}

// Teardown drops any connection of a destroyed session without touching
// its state.
func (c *Coordinator) Teardown(sessionID string) {
	if e := c.take(sessionID, nil); e != nil {
		c.shutdown(e, true)
		c.transition(sessionID, domain.CastLocal, e.device.Protocol)
	}
}

// Controller returns the cast controller of a connected session.
func (c *Coordinator) Controller(sessionID string) (*Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[sessionID]
	if e == nil || e.controller == nil {
		return nil, domain.ErrRemoteConnectionNotExist
	}
	return e.controller, nil
}

// Connected lists the ids of sessions with a live remote connection.
func (c *Coordinator) Connected() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for id, e := range c.entries {
		if e.controller != nil {
			out = append(out, id)
		}
	}
	return out
}

// ResolveDevice finds a device by id or name, retrying discovery with a
// longer window before giving up.
func (c *Coordinator) ResolveDevice(ctx context.Context, target string) (domain.Device, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.Device{}, domain.Errorf(domain.CodeParameterCheckFailed, "target device is empty")
	}
	if c.devices == nil {
		return domain.Device{}, domain.Errorf(domain.CodeDeviceConnectionFailed, "device discovery is not configured")
	}

	timeouts := []int{c.discoveryTimeoutMS, fallbackDiscoveryTimeoutMS}
	for i, timeoutMS := range timeouts {
		if i > 0 && timeoutMS <= timeouts[i-1] {
			continue
		}

		devs, err := c.devices.ListLocalHardware(ctx, timeoutMS, true)
		if err != nil {
			return domain.Device{}, domain.Wrap(domain.CodeDeviceConnectionFailed, "device discovery failed", err)
		}
		if matched := matchTargetDevice(devs, target); matched != nil {
			return *matched, nil
		}
	}

	return domain.Device{}, domain.Errorf(domain.CodeDeviceConnectionFailed, "device not found: %s", target)
}

// Close disconnects every session.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	entries := make([]*entry, 0, len(c.entries))
	for id, e := range c.entries {
		entries = append(entries, e)
		delete(c.entries, id)
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for _, e := range entries {
			c.shutdown(e, true)
		}
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pollReport is one poll outcome. A non-nil lost ends the connection.
type pollReport struct {
	status RemoteStatus
	lost   error
}

// poll asks the device for its status and hands the results to deliver.
// It never runs subscriber callbacks itself, so shutdown can always join
// it.
func (c *Coordinator) poll(ctx context.Context, e *entry, reports chan<- pollReport) {
	defer close(e.pollDone)

	ticker := c.clock.NewTicker(c.pollEvery)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
		}

		status, err := e.player.Status(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			failures = 0
			select {
			case reports <- pollReport{status: status}:
			case <-ctx.Done():
				return
			}
			continue
		}

		failures++
		c.logger.Debug("cast_status_failed",
			slog.String("session_id", e.sessionID),
			slog.Int("failures", failures),
			slog.String("error", err.Error()),
		)
		if failures >= c.maxStatusFailures {
			select {
			case reports <- pollReport{lost: err}:
			case <-ctx.Done():
			}
			return
		}
	}
}

// deliver publishes poll results on its own goroutine. Nothing waits for
// it, so its callbacks may stop casting or destroy the session.
func (c *Coordinator) deliver(ctx context.Context, e *entry, reports <-chan pollReport) {
	for {
		select {
		case <-ctx.Done():
			return
		case r := <-reports:
			if r.lost != nil {
				c.lost(e, r.lost)
				return
			}
			e.controller.observe(r.status)
		}
	}
}

// lost handles a device that stopped answering.
func (c *Coordinator) lost(e *entry, cause error) {
	e.controller.fail(domain.Wrap(domain.CodeRemoteConnectionFailed, "lost connection to "+e.device.Name, cause))
	if c.take(e.sessionID, e) == nil {
		return
	}
	c.shutdown(e, false)
	c.revert(e.sess)
	c.logger.Warn("cast_connection_lost",
		slog.String("session_id", e.sessionID),
		slog.String("device_id", e.device.ID),
		slog.String("error", cause.Error()),
	)
	c.transition(e.sessionID, domain.CastLocal, e.device.Protocol)
	if c.onOutputChange != nil {
		c.onOutputChange(e.sessionID, domain.OutputDeviceChange{
			ConnectionState: domain.ConnectionDisconnected,
			Device:          domain.LocalOutputDevice(),
		})
	}
}

func (c *Coordinator) revert(sess *store.Session) {
	_ = sess.Update(func(st *store.State) error {
		st.CastState = domain.CastLocal
		st.OutputDevice = domain.LocalOutputDevice()
		return nil
	})
}

// take removes the entry of sessionID. When want is set the entry is only
// removed if it is still want.
func (c *Coordinator) take(sessionID string, want *entry) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entries[sessionID]
	if e == nil || (want != nil && e != want) {
		return nil
	}
	delete(c.entries, sessionID)
	return e
}

func (c *Coordinator) shutdown(e *entry, stopMedia bool) {
	e.closeOnce.Do(func() {
		e.cancel()
		if e.pollDone != nil {
			<-e.pollDone
		}
		if e.controller != nil {
			e.controller.release()
		}
		if e.player != nil {
			if err := e.player.Close(stopMedia); err != nil {
				c.logger.Debug("cast_player_close_failed",
					slog.String("session_id", e.sessionID),
					slog.String("error", err.Error()),
				)
			}
		}
	})
}

func (c *Coordinator) notify(sessionID string, state domain.ConnectionState, device domain.OutputDeviceInfo) {
	if c.onOutputChange == nil {
		return
	}
	c.onOutputChange(sessionID, domain.OutputDeviceChange{ConnectionState: state, Device: device})
}

func (c *Coordinator) transition(sessionID string, state domain.CastState, protocol string) {
	if protocol == "" {
		protocol = "unknown"
	}
	metrics.CastTransitions.WithLabelValues(string(state), protocol).Inc()
	c.logger.Debug("cast_state_changed",
		slog.String("session_id", sessionID),
		slog.String("state", string(state)),
		slog.String("protocol", protocol),
	)
}

func activeItem(st *store.State) *domain.AVQueueItem {
	if st.PlaybackState.ActiveItemID != nil {
		for _, item := range st.QueueItems {
			if item.ItemID == *st.PlaybackState.ActiveItemID {
				it := item
				it.Description.Extras = item.Description.Extras.Clone()
				return &it
			}
		}
	}
	return nil
}

func matchTargetDevice(devices []domain.Device, target string) *domain.Device {
	target = strings.TrimSpace(target)
	normalizedTarget := normalizeDeviceTarget(target)

	for i := range devices {
		if strings.TrimSpace(devices[i].ID) == target {
			return &devices[i]
		}
	}
	for i := range devices {
		if strings.TrimSpace(devices[i].Name) == target {
			return &devices[i]
		}
	}
	for i := range devices {
		if strings.EqualFold(strings.TrimSpace(devices[i].ID), target) ||
			strings.EqualFold(strings.TrimSpace(devices[i].Name), target) ||
			normalizeDeviceTarget(devices[i].Name) == normalizedTarget {
			return &devices[i]
		}
	}
	return nil
}

// normalizeDeviceTarget strips the " (Chromecast)" style suffix discovery
// appends to names.
func normalizeDeviceTarget(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	if idx := strings.LastIndex(normalized, " ("); idx > 0 && strings.HasSuffix(normalized, ")") {
		normalized = strings.TrimSpace(normalized[:idx])
	}
	return normalized
}
