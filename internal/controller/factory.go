package controller

import (
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/command"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
	"go2tv.app/avsession/internal/metrics"
	"go2tv.app/avsession/internal/store"
)

// CastSource exposes the cast controller of a session that is currently
// remoted.
type CastSource interface {
	Controller(sessionID string) (*cast.Controller, error)
}

type Deps struct {
	Store  *store.Store
	Router *command.Router
	Bus    *eventbus.Bus
	Cast   CastSource
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Factory creates controllers and tracks which session each one observes.
type Factory struct {
	store  *store.Store
	router *command.Router
	bus    *eventbus.Bus
	cast   CastSource
	clock  clockwork.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	controllers map[string]*Controller
	bySession   map[string]map[string]*Controller
	top         string
	nextSeq     uint64
}

func NewFactory(deps Deps) *Factory {
	f := &Factory{
		store:       deps.Store,
		router:      deps.Router,
		bus:         deps.Bus,
		cast:        deps.Cast,
		clock:       deps.Clock,
		logger:      deps.Logger,
		controllers: map[string]*Controller{},
		bySession:   map[string]map[string]*Controller{},
	}
	if f.clock == nil {
		f.clock = clockwork.NewRealClock()
	}
	if f.logger == nil {
		f.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return f
}

// Create returns a new controller bound to sessionID.
func (f *Factory) Create(sessionID string) (*Controller, error) {
	if strings.TrimSpace(sessionID) == "" {
		return nil, domain.NewError(domain.CodeParameterCheckFailed, "session id is required")
	}
	if _, err := f.store.Get(sessionID); err != nil {
		return nil, err
	}

	c := &Controller{id: newControllerID(), factory: f, sessionID: sessionID}
	f.mu.Lock()
	// The session may have been destroyed between the lookup and here.
	if _, err := f.store.Get(sessionID); err != nil {
		f.mu.Unlock()
		return nil, err
	}
	f.attachLocked(c, sessionID)
	count := len(f.controllers)
	f.mu.Unlock()

	metrics.ActiveControllers.Set(float64(count))
	f.logger.Debug("controller_created",
		slog.String("controller_id", c.id),
		slog.String("session_id", sessionID),
	)
	return c, nil
}

// CreateDefault returns a controller that follows the top session. It is
// unbound while there is no top session.
func (f *Factory) CreateDefault() *Controller {
	c := &Controller{id: newControllerID(), factory: f, isDefault: true}
	f.mu.Lock()
	c.sessionID = f.top
	f.attachLocked(c, f.top)
	count := len(f.controllers)
	f.mu.Unlock()
	metrics.ActiveControllers.Set(float64(count))
	return c
}

func (f *Factory) attachLocked(c *Controller, sessionID string) {
	f.nextSeq++
	c.seq = f.nextSeq
	f.controllers[c.id] = c
	if sessionID == "" {
		return
	}
	set, ok := f.bySession[sessionID]
	if !ok {
		set = map[string]*Controller{}
		f.bySession[sessionID] = set
	}
	set[c.id] = c
}

func (f *Factory) Get(id string) (*Controller, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	c, ok := f.controllers[id]
	if !ok {
		return nil, domain.ErrControllerNotExist
	}
	return c, nil
}

// Destroy releases c and its subscriptions. The session is not affected.
func (f *Factory) Destroy(c *Controller) error {
	if c == nil {
		return domain.ErrControllerNotExist
	}
	f.mu.Lock()
	if _, ok := f.controllers[c.id]; !ok {
		f.mu.Unlock()
		return domain.ErrControllerNotExist
	}
	delete(f.controllers, c.id)
	c.mu.Lock()
	if set := f.bySession[c.sessionID]; set != nil {
		delete(set, c.id)
		if len(set) == 0 {
			delete(f.bySession, c.sessionID)
		}
	}
	c.closed = true
	c.mu.Unlock()
	count := len(f.controllers)
	f.mu.Unlock()

	f.bus.RemoveHandle(c.id)
	metrics.ActiveControllers.Set(float64(count))
	return nil
}

// Bound returns the ids of controllers currently observing sessionID in
// the order they were created.
func (f *Factory) Bound(sessionID string) []string {
	f.mu.RLock()
	set := f.bySession[sessionID]
	bound := make([]*Controller, 0, len(set))
	for _, c := range set {
		bound = append(bound, c)
	}
	f.mu.RUnlock()
	sortByCreation(bound)
	out := make([]string, len(bound))
	for i, c := range bound {
		out[i] = c.id
	}
	return out
}

// Invalidate detaches every controller of a destroyed session. Each one
// receives a single sessionDestroy event. Fixed controllers are closed;
// default controllers become unbound until the next top session.
func (f *Factory) Invalidate(desc domain.SessionDescriptor) {
	f.mu.Lock()
	set := f.bySession[desc.SessionID]
	delete(f.bySession, desc.SessionID)
	if f.top == desc.SessionID {
		f.top = ""
	}
	affected := make([]*Controller, 0, len(set))
	for _, c := range set {
		c.mu.Lock()
		if c.isDefault {
			c.sessionID = ""
		} else {
			c.closed = true
			delete(f.controllers, c.id)
		}
		c.mu.Unlock()
		affected = append(affected, c)
	}
	count := len(f.controllers)
	f.mu.Unlock()

	sortByCreation(affected)
	for _, c := range affected {
		f.bus.Publish(c.id, domain.Event{
			Kind:      domain.EventSessionDestroy,
			SessionID: desc.SessionID,
			Payload:   desc,
		})
		if !c.isDefault {
			f.bus.RemoveHandle(c.id)
		}
	}
	metrics.ActiveControllers.Set(float64(count))
}

// Rebind points every default controller at the new top session and
// notifies them with topSessionChange. A nil desc leaves them unbound.
func (f *Factory) Rebind(desc *domain.SessionDescriptor) {
	f.AnnounceTop(f.Retarget(desc), desc)
}

// Retarget moves the default controllers to desc without notifying them.
// Callers that serialize top-session changes hold their own lock around
// Retarget and call AnnounceTop after releasing it.
func (f *Factory) Retarget(desc *domain.SessionDescriptor) []*Controller {
	topID := ""
	if desc != nil {
		topID = desc.SessionID
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.top = topID
	var defaults []*Controller
	for _, c := range f.controllers {
		if !c.isDefault {
			continue
		}
		c.mu.Lock()
		if set := f.bySession[c.sessionID]; set != nil {
			delete(set, c.id)
			if len(set) == 0 {
				delete(f.bySession, c.sessionID)
			}
		}
		c.sessionID = topID
		c.mu.Unlock()
		if topID != "" {
			set, ok := f.bySession[topID]
			if !ok {
				set = map[string]*Controller{}
				f.bySession[topID] = set
			}
			set[c.id] = c
		}
		defaults = append(defaults, c)
	}
	sortByCreation(defaults)
	return defaults
}

// AnnounceTop delivers topSessionChange to the given default controllers.
func (f *Factory) AnnounceTop(defaults []*Controller, desc *domain.SessionDescriptor) {
	ev := domain.Event{Kind: domain.EventTopSessionChange}
	if desc != nil {
		ev.SessionID = desc.SessionID
		ev.Payload = *desc
	}
	for _, c := range defaults {
		f.bus.Publish(c.id, ev)
	}
}

func (f *Factory) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.controllers)
}

func sortByCreation(cs []*Controller) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].seq < cs[j].seq })
}

func newControllerID() string {
	return "ctl_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}
