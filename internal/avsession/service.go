// Package avsession is the entry point of the broker. It wires the session
// store, command router, event bus, controller factory and cast coordinator
// together and tracks the top session.
package avsession

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/command"
	"go2tv.app/avsession/internal/controller"
	"go2tv.app/avsession/internal/discovery"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
	"go2tv.app/avsession/internal/metrics"
	"go2tv.app/avsession/internal/store"
)

// managerHandle is the bus handle manager listeners subscribe on.
const managerHandle = "avsession.manager"

const defaultHistoryCapacity = 100

type Config struct {
	Clock  clockwork.Clock
	Logger *slog.Logger

	// History keeps destroyed sessions. Nil means an in-memory ring.
	History       store.HistoryStore
	MaxSessions   int
	QueueCapacity int

	// Players and Devices back the cast path. Without Players casting
	// fails; without Devices discovery is unavailable.
	Players cast.PlayerFactory
	Devices cast.DeviceLister

	Authorizer Authorizer

	CastOptions  []cast.Option
	WatchOptions []discovery.WatcherOption
}

// Service is the broker. All methods are safe for concurrent use.
type Service struct {
	clock  clockwork.Clock
	logger *slog.Logger
	auth   Authorizer

	store   *store.Store
	router  *command.Router
	bus     *eventbus.Bus
	factory *controller.Factory
	cast    *cast.Coordinator
	watcher *discovery.Watcher
	players bool

	// system is a default controller used for system-wide commands.
	system *controller.Controller

	mu      sync.Mutex
	handles map[string]*Session
	closed  bool

	topMu sync.Mutex
	top   string
}

func New(cfg Config) *Service {
	s := &Service{
		clock:   cfg.Clock,
		logger:  cfg.Logger,
		auth:    cfg.Authorizer,
		players: cfg.Players != nil,
		handles: map[string]*Session{},
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	history := cfg.History
	if history == nil {
		history = store.NewMemoryHistory(defaultHistoryCapacity)
	}

	s.store = store.New(history,
		store.WithClock(s.clock),
		store.WithLogger(s.logger),
		store.WithMaxSessions(cfg.MaxSessions),
	)
	s.bus = eventbus.New(s.logger)
	s.router = command.New(
		command.WithQueueCapacity(cfg.QueueCapacity),
		command.WithLogger(s.logger),
		command.WithValidCommandsListener(s.onValidCommands),
	)

	castOpts := []cast.Option{
		cast.WithClock(s.clock),
		cast.WithLogger(s.logger),
		cast.WithOutputListener(s.onOutputChange),
	}
	s.cast = cast.New(cfg.Players, cfg.Devices, s.bus, append(castOpts, cfg.CastOptions...)...)

	s.factory = controller.NewFactory(controller.Deps{
		Store:  s.store,
		Router: s.router,
		Bus:    s.bus,
		Cast:   s.cast,
		Clock:  s.clock,
		Logger: s.logger,
	})
	s.system = s.factory.CreateDefault()

	if cfg.Devices != nil {
		watchOpts := []discovery.WatcherOption{
			discovery.WithWatchClock(s.clock),
			discovery.WithWatchLogger(s.logger),
		}
		s.watcher = discovery.NewWatcher(cfg.Devices, s.onDeviceAvailable, s.onDeviceOffline,
			append(watchOpts, cfg.WatchOptions...)...)
	}
	return s
}

// CreateAVSession creates a session for ownerID. An owner may hold one live
// session at a time.
func (s *Service) CreateAVSession(ctx context.Context, ownerID, tag string, typ domain.SessionType) (*Session, error) {
	if err := s.authorize(ctx, OpCreateSession); err != nil {
		return nil, err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, domain.NewError(domain.CodeServiceException, "service is closed")
	}

	sess, err := s.store.Create(ownerID, tag, typ)
	if err != nil {
		return nil, err
	}
	h := &Session{svc: s, sess: sess}
	s.mu.Lock()
	s.handles[sess.ID()] = h
	s.mu.Unlock()

	s.bus.Publish(managerHandle, domain.Event{
		Kind:      domain.EventSessionCreate,
		SessionID: sess.ID(),
		Payload:   sess.Descriptor(),
	})
	return h, nil
}

// GetSession returns the owner handle of ownerID's live session.
func (s *Service) GetSession(ownerID string) (*Session, error) {
	sess, err := s.store.ByOwner(ownerID)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[sess.ID()]
	if !ok {
		return nil, domain.ErrSessionNotExist
	}
	return h, nil
}

// GetAllSessionDescriptors describes every live session, oldest first.
func (s *Service) GetAllSessionDescriptors(ctx context.Context) ([]domain.SessionDescriptor, error) {
	if err := s.authorize(ctx, OpListSessions); err != nil {
		return nil, err
	}
	top := s.TopSessionID()
	live := s.store.ListActive()
	out := make([]domain.SessionDescriptor, 0, len(live))
	for _, sess := range live {
		if !sess.Alive() {
			continue
		}
		desc := sess.Descriptor()
		desc.IsTopSession = desc.SessionID == top
		out = append(out, desc)
	}
	return out, nil
}

func (s *Service) GetHistoricalSessionDescriptors(ctx context.Context, q store.HistoryQuery) ([]domain.HistoricalRecord, error) {
	if err := s.authorize(ctx, OpListHistory); err != nil {
		return nil, err
	}
	return s.store.ListHistorical(ctx, q)
}

func (s *Service) CreateController(ctx context.Context, sessionID string) (*controller.Controller, error) {
	if err := s.authorize(ctx, OpCreateController); err != nil {
		return nil, err
	}
	return s.factory.Create(sessionID)
}

// CreateDefaultController returns a controller that follows the top
// session.
func (s *Service) CreateDefaultController(ctx context.Context) (*controller.Controller, error) {
	if err := s.authorize(ctx, OpCreateController); err != nil {
		return nil, err
	}
	return s.factory.CreateDefault(), nil
}

func (s *Service) GetController(id string) (*controller.Controller, error) {
	return s.factory.Get(id)
}

// DestroySession destroys a session on behalf of a manager.
func (s *Service) DestroySession(ctx context.Context, sessionID string) error {
	if err := s.authorize(ctx, OpDestroySession); err != nil {
		return err
	}
	return s.destroy(ctx, sessionID)
}

// OwnerExited destroys the session held by an owner that went away. It is a
// no-op when the owner has no live session.
func (s *Service) OwnerExited(ctx context.Context, ownerID string) error {
	rec, err := s.store.DestroyOwner(ctx, ownerID)
	if errors.Is(err, domain.ErrSessionNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	s.logger.Info("session_owner_exited",
		slog.String("owner_id", ownerID),
		slog.String("session_id", rec.Descriptor.SessionID),
	)
	s.afterDestroy(rec)
	return nil
}

func (s *Service) destroy(ctx context.Context, sessionID string) error {
	rec, err := s.store.Destroy(ctx, sessionID)
	if err != nil {
		return err
	}
	s.afterDestroy(rec)
	return nil
}

// afterDestroy releases everything that referenced a session whose
// destruction has committed.
func (s *Service) afterDestroy(rec domain.HistoricalRecord) {
	id := rec.Descriptor.SessionID
	s.router.Drop(id)
	s.cast.Teardown(id)

	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()

	s.factory.Invalidate(rec.Descriptor)
	s.bus.Publish(managerHandle, domain.Event{
		Kind:      domain.EventSessionDestroy,
		SessionID: id,
		Payload:   rec.Descriptor,
	})
	s.recomputeTop()
}

// On subscribes cb to a manager event.
func (s *Service) On(ctx context.Context, kind domain.EventKind, cb eventbus.Callback) (*eventbus.Subscription, error) {
	if err := s.authorize(ctx, OpSubscribe); err != nil {
		return nil, err
	}
	if !domain.KindIn(kind, domain.ManagerEvents) {
		return nil, domain.Errorf(domain.CodeParameterCheckFailed, "the manager does not emit %q", kind)
	}
	return s.bus.Subscribe(managerHandle, kind, cb)
}

// Off removes sub, or every manager subscription of kind when sub is nil.
func (s *Service) Off(kind domain.EventKind, sub *eventbus.Subscription) error {
	if !domain.KindIn(kind, domain.ManagerEvents) {
		return domain.Errorf(domain.CodeParameterCheckFailed, "the manager does not emit %q", kind)
	}
	return s.bus.Unsubscribe(managerHandle, kind, sub)
}

// StartCastDeviceDiscovery begins periodic scanning. Starting twice keeps
// the running scan.
func (s *Service) StartCastDeviceDiscovery(ctx context.Context) error {
	if err := s.authorize(ctx, OpCastDiscovery); err != nil {
		return err
	}
	if s.watcher == nil {
		return domain.NewError(domain.CodeServiceException, "device discovery is not configured")
	}
	s.watcher.Start(ctx)
	return nil
}

func (s *Service) StopCastDeviceDiscovery(ctx context.Context) error {
	if err := s.authorize(ctx, OpCastDiscovery); err != nil {
		return err
	}
	if s.watcher == nil {
		return domain.NewError(domain.CodeServiceException, "device discovery is not configured")
	}
	s.watcher.Stop()
	return nil
}

// GetCastDevices returns the devices seen by the latest scan. When
// discovery has never run, it scans once first.
func (s *Service) GetCastDevices(ctx context.Context) ([]domain.Device, error) {
	if err := s.authorize(ctx, OpCastDiscovery); err != nil {
		return nil, err
	}
	if s.watcher == nil {
		return nil, domain.NewError(domain.CodeServiceException, "device discovery is not configured")
	}
	devs := s.watcher.Devices()
	if len(devs) > 0 || s.watcher.Running() {
		return devs, nil
	}
	if err := s.watcher.ScanNow(ctx); err != nil {
		return nil, domain.Wrap(domain.CodeDeviceConnectionFailed, "device discovery failed", err)
	}
	return s.watcher.Devices(), nil
}

// StartCasting hands sessionID off to device. A device with only an id or
// name is resolved through discovery.
func (s *Service) StartCasting(ctx context.Context, sessionID string, device domain.Device) (*cast.Controller, error) {
	if err := s.authorize(ctx, OpStartCasting); err != nil {
		return nil, err
	}
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !s.players {
		return nil, domain.NewError(domain.CodeDeviceConnectionFailed, "casting is not configured")
	}
	return s.cast.StartCasting(ctx, sess, device)
}

func (s *Service) StopCasting(ctx context.Context, sessionID string) error {
	if err := s.authorize(ctx, OpStopCasting); err != nil {
		return err
	}
	sess, err := s.store.Get(sessionID)
	if err != nil {
		return err
	}
	return s.cast.StopCasting(ctx, sess)
}

// SendSystemControlCommand sends cmd to the top session.
func (s *Service) SendSystemControlCommand(ctx context.Context, cmd domain.ControlCommand) error {
	if err := s.authorize(ctx, OpSystemControl); err != nil {
		return err
	}
	return s.system.SendControlCommand(ctx, cmd)
}

// SendSystemAVKeyEvent sends a media key to the top session.
func (s *Service) SendSystemAVKeyEvent(ctx context.Context, ev domain.KeyEvent) error {
	if err := s.authorize(ctx, OpSystemControl); err != nil {
		return err
	}
	return s.system.SendAVKeyEvent(ctx, ev)
}

// TopSessionID returns the current top session, or "" when no session is
// active.
func (s *Service) TopSessionID() string {
	s.topMu.Lock()
	defer s.topMu.Unlock()
	return s.top
}

// Close stops discovery, destroys every live session and releases the
// cast connections and command workers.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.watcher != nil {
		s.watcher.Stop()
	}
	var errs []error
	for _, sess := range s.store.ListActive() {
		if err := s.destroy(ctx, sess.ID()); err != nil && !errors.Is(err, domain.ErrSessionNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.cast.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := s.router.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// recomputeTop picks the top session and, when it changed, re-binds the
// default controllers and notifies manager listeners. It must not be
// called with a session lock held.
func (s *Service) recomputeTop() {
	s.topMu.Lock()
	next := s.pickTop()
	nextID := ""
	if next != nil {
		nextID = next.SessionID
	}
	if nextID == s.top {
		s.topMu.Unlock()
		return
	}
	s.top = nextID
	defaults := s.factory.Retarget(next)
	s.topMu.Unlock()

	metrics.TopSessionChanges.Inc()
	s.logger.Info("top_session_changed", slog.String("session_id", nextID))
	s.factory.AnnounceTop(defaults, next)

	ev := domain.Event{Kind: domain.EventTopSessionChange, SessionID: nextID}
	if next != nil {
		ev.Payload = *next
	}
	s.bus.Publish(managerHandle, ev)
}

// pickTop ranks active sessions: voice calls first, then the most recently
// activated.
func (s *Service) pickTop() *domain.SessionDescriptor {
	var (
		best     *store.Session
		bestCall bool
		bestAt   time.Time
	)
	for _, sess := range s.store.ListActive() {
		st, err := sess.Snapshot()
		if err != nil || !st.Active {
			continue
		}
		call := sess.Type() == domain.SessionTypeVoiceCall
		switch {
		case best == nil:
		case call != bestCall:
			if !call {
				continue
			}
		case !st.ActivatedAt.After(bestAt):
			continue
		}
		best, bestCall, bestAt = sess, call, st.ActivatedAt
	}
	if best == nil {
		return nil
	}
	desc := best.Descriptor()
	desc.IsTopSession = true
	return &desc
}

func (s *Service) isTop(sessionID string) bool {
	return sessionID != "" && s.TopSessionID() == sessionID
}

// fanOut delivers ev to every controller bound to sessionID.
func (s *Service) fanOut(sessionID string, ev domain.Event) {
	for _, id := range s.factory.Bound(sessionID) {
		s.bus.Publish(id, ev)
	}
}

func (s *Service) fanOutChange(sessionID string, kind domain.EventKind, change eventbus.Change) {
	if len(change.Changed) == 0 {
		return
	}
	for _, id := range s.factory.Bound(sessionID) {
		s.bus.PublishChange(id, kind, change)
	}
}

func (s *Service) onValidCommands(sessionID string, cmds []domain.CommandType) {
	if _, err := s.store.Get(sessionID); err != nil {
		return
	}
	s.fanOut(sessionID, domain.Event{
		Kind:      domain.EventValidCommandChange,
		SessionID: sessionID,
		Payload:   cmds,
	})
}

func (s *Service) onOutputChange(sessionID string, change domain.OutputDeviceChange) {
	if _, err := s.store.Get(sessionID); err != nil {
		return
	}
	s.fanOut(sessionID, domain.Event{
		Kind:      domain.EventOutputDeviceChange,
		SessionID: sessionID,
		Payload:   change,
	})
}

func (s *Service) onDeviceAvailable(d domain.Device) {
	s.bus.Publish(managerHandle, domain.Event{Kind: domain.EventDeviceAvailable, Payload: d})
}

func (s *Service) onDeviceOffline(d domain.Device) {
	s.bus.Publish(managerHandle, domain.Event{Kind: domain.EventDeviceOffline, Payload: d})
}
