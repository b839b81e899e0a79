package eventbus

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/metrics"
)

// Callback receives one event. Callbacks run on the publishing goroutine
// after every bus lock has been released, so they may call back into the
// broker.
type Callback func(domain.Event)

// Subscription identifies one registered callback. It is the handle passed
// to Unsubscribe to remove exactly that callback.
type Subscription struct {
	id     uint64
	handle string
	kind   domain.EventKind
	filter filter
	cb     Callback
}

func (s *Subscription) Handle() string         { return s.handle }
func (s *Subscription) Kind() domain.EventKind { return s.kind }

type filter struct {
	all    bool
	fields map[string]struct{}
}

type Option func(*subscribeOptions)

type subscribeOptions struct {
	all    bool
	fields []string
	set    bool
}

// AllFields delivers the whole object on every change.
func AllFields() Option {
	return func(o *subscribeOptions) {
		o.all = true
		o.set = true
	}
}

// WithFilter restricts delivery to changes touching the named fields and
// projects the payload onto them.
func WithFilter(fields ...string) Option {
	return func(o *subscribeOptions) {
		o.fields = append(o.fields, fields...)
		o.set = true
	}
}

// Change describes a mutation of a filterable object.
type Change struct {
	SessionID string
	// Changed holds the JSON names of the modified fields.
	Changed []string
	// Full is the complete new value.
	Full any
	// Project returns Full reduced to the given fields.
	Project func(fields []string) any
}

// Bus fans events out to subscribers keyed by (handle, kind). A handle is a
// session, controller, cast controller or manager id.
type Bus struct {
	logger *slog.Logger
	nextID atomic.Uint64

	mu     sync.RWMutex
	tables map[string]*table
}

type table struct {
	mu   sync.Mutex
	subs map[domain.EventKind][]*Subscription
}

func New(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Bus{logger: logger, tables: map[string]*table{}}
}

// Subscribe registers cb for kind on handle. Filters are only accepted on
// metadataChange, playbackStateChange, callMetadataChange and
// callStateChange; a subscription of those kinds without a filter receives
// every change.
func (b *Bus) Subscribe(handle string, kind domain.EventKind, cb Callback, opts ...Option) (*Subscription, error) {
	if handle == "" {
		return nil, domain.NewError(domain.CodeParameterCheckFailed, "subscription handle is required")
	}
	if !kind.Valid() {
		return nil, domain.Errorf(domain.CodeParameterCheckFailed, "unknown event kind %q", kind)
	}
	if cb == nil {
		return nil, domain.NewError(domain.CodeParameterCheckFailed, "callback is required")
	}

	var o subscribeOptions
	for _, opt := range opts {
		opt(&o)
	}
	f, err := buildFilter(kind, o)
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		id:     b.nextID.Add(1),
		handle: handle,
		kind:   kind,
		filter: f,
		cb:     cb,
	}

	t := b.tableFor(handle, true)
	t.mu.Lock()
	t.subs[kind] = append(t.subs[kind], sub)
	t.mu.Unlock()
	return sub, nil
}

func buildFilter(kind domain.EventKind, o subscribeOptions) (filter, error) {
	if !o.set {
		return filter{all: true}, nil
	}
	if !kind.Filterable() {
		return filter{}, domain.Errorf(domain.CodeParameterCheckFailed, "event %s does not accept a filter", kind)
	}
	if o.all {
		return filter{all: true}, nil
	}
	if len(o.fields) == 0 {
		return filter{}, domain.NewError(domain.CodeParameterCheckFailed, "filter must name at least one field")
	}
	known := map[string]struct{}{}
	for _, name := range kind.FilterFields() {
		known[name] = struct{}{}
	}
	f := filter{fields: make(map[string]struct{}, len(o.fields))}
	for _, name := range o.fields {
		if _, ok := known[name]; !ok {
			return filter{}, domain.Errorf(domain.CodeParameterCheckFailed, "unknown %s field %q", kind, name)
		}
		f.fields[name] = struct{}{}
	}
	return f, nil
}

// Unsubscribe removes sub from (handle, kind). A nil sub removes every
// subscription of that kind on the handle.
func (b *Bus) Unsubscribe(handle string, kind domain.EventKind, sub *Subscription) error {
	if !kind.Valid() {
		return domain.Errorf(domain.CodeParameterCheckFailed, "unknown event kind %q", kind)
	}
	t := b.tableFor(handle, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if sub == nil {
		delete(t.subs, kind)
		return nil
	}
	list := t.subs[kind]
	for i, s := range list {
		if s.id == sub.id {
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			t.subs[kind] = next
			break
		}
	}
	return nil
}

// RemoveHandle drops every subscription held by handle.
func (b *Bus) RemoveHandle(handle string) {
	b.mu.Lock()
	delete(b.tables, handle)
	b.mu.Unlock()
}

// Count returns the number of subscriptions for (handle, kind).
func (b *Bus) Count(handle string, kind domain.EventKind) int {
	t := b.tableFor(handle, false)
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs[kind])
}

// Publish delivers ev to every subscriber of (handle, ev.Kind) in
// registration order and returns the number of callbacks invoked.
func (b *Bus) Publish(handle string, ev domain.Event) int {
	subs := b.snapshot(handle, ev.Kind)
	for _, sub := range subs {
		b.deliver(sub, ev)
	}
	return len(subs)
}

// PublishChange delivers a filterable change. Each subscriber receives the
// intersection of its filter with the changed fields; subscribers whose
// intersection is empty are skipped.
func (b *Bus) PublishChange(handle string, kind domain.EventKind, change Change) int {
	if len(change.Changed) == 0 {
		return 0
	}
	subs := b.snapshot(handle, kind)
	delivered := 0
	for _, sub := range subs {
		ev := domain.Event{Kind: kind, SessionID: change.SessionID}
		if sub.filter.all {
			ev.Fields = append([]string(nil), change.Changed...)
			ev.Payload = change.Full
		} else {
			fields := intersect(change.Changed, sub.filter.fields)
			if len(fields) == 0 {
				continue
			}
			ev.Fields = fields
			if change.Project != nil {
				ev.Payload = change.Project(fields)
			} else {
				ev.Payload = change.Full
			}
		}
		b.deliver(sub, ev)
		delivered++
	}
	return delivered
}

func intersect(changed []string, want map[string]struct{}) []string {
	var out []string
	for _, f := range changed {
		if _, ok := want[f]; ok {
			out = append(out, f)
		}
	}
	return out
}

func (b *Bus) snapshot(handle string, kind domain.EventKind) []*Subscription {
	t := b.tableFor(handle, false)
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*Subscription(nil), t.subs[kind]...)
}

func (b *Bus) deliver(sub *Subscription, ev domain.Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackPanics.Inc()
			b.logger.Error("event_callback_panic",
				slog.String("handle", sub.handle),
				slog.String("kind", string(ev.Kind)),
				slog.String("panic", fmt.Sprint(r)),
			)
		}
	}()
	metrics.EventsDelivered.WithLabelValues(string(ev.Kind)).Inc()
	sub.cb(ev)
}

func (b *Bus) tableFor(handle string, create bool) *table {
	b.mu.RLock()
	t, ok := b.tables[handle]
	b.mu.RUnlock()
	if ok || !create {
		return t
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if t, ok = b.tables[handle]; ok {
		return t
	}
	t = &table{subs: map[domain.EventKind][]*Subscription{}}
	b.tables[handle] = t
	return t
}

// Handles lists handles that currently hold subscriptions.
func (b *Bus) Handles() []string {
	b.mu.RLock()
	out := make([]string, 0, len(b.tables))
	for h := range b.tables {
		out = append(out, h)
	}
	b.mu.RUnlock()
	sort.Strings(out)
	return out
}
