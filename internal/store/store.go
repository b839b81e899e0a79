package store

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/metrics"
)

// Store owns the session registry. Its lock only guards the maps; work on a
// single session happens under that session's own lock.
type Store struct {
	history     HistoryStore
	clock       clockwork.Clock
	logger      *slog.Logger
	maxSessions int

	mu       sync.RWMutex
	sessions map[string]*Session
	owners   map[string]string
}

type Option func(*Store)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithMaxSessions caps the number of live sessions. Zero means unlimited.
func WithMaxSessions(n int) Option {
	return func(s *Store) { s.maxSessions = n }
}

func New(history HistoryStore, opts ...Option) *Store {
	s := &Store{
		history:  history,
		clock:    clockwork.NewRealClock(),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		sessions: map[string]*Session{},
		owners:   map[string]string{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.history == nil {
		s.history = NewMemoryHistory(DefaultHistoryCapacity)
	}
	return s
}

// Create registers a new session for ownerID. An owner may hold only one
// live session at a time.
func (s *Store) Create(ownerID, tag string, typ domain.SessionType) (*Session, error) {
	ownerID = strings.TrimSpace(ownerID)
	tag = strings.TrimSpace(tag)
	if ownerID == "" {
		return nil, domain.NewError(domain.CodeParameterCheckFailed, "owner id is required")
	}
	if tag == "" {
		return nil, domain.NewError(domain.CodeParameterCheckFailed, "session tag is required")
	}
	if !typ.Valid() {
		return nil, domain.Errorf(domain.CodeParameterCheckFailed, "unsupported session type %q", typ)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.owners[ownerID]; ok {
		return nil, domain.Errorf(domain.CodeServiceException, "owner %s already has a live session", ownerID).
			WithDetail("session_id", existing)
	}
	if s.maxSessions > 0 && len(s.sessions) >= s.maxSessions {
		return nil, domain.Errorf(domain.CodeServiceException, "session limit of %d reached", s.maxSessions)
	}

	sess := newSession(newSessionID(), ownerID, tag, typ, s.clock.Now())
	s.sessions[sess.id] = sess
	s.owners[ownerID] = sess.id
	metrics.SessionsCreated.WithLabelValues(string(typ)).Inc()
	metrics.ActiveSessions.Set(float64(len(s.sessions)))

	s.logger.Info("session_created",
		slog.String("session_id", sess.id),
		slog.String("owner_id", ownerID),
		slog.String("type", string(typ)),
		slog.String("tag", tag),
	)
	return sess, nil
}

func (s *Store) Get(id string) (*Session, error) {
	s.mu.RLock()
	sess, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok || !sess.Alive() {
		return nil, domain.ErrSessionNotExist
	}
	return sess, nil
}

// ByOwner returns the live session owned by ownerID.
func (s *Store) ByOwner(ownerID string) (*Session, error) {
	s.mu.RLock()
	id, ok := s.owners[ownerID]
	s.mu.RUnlock()
	if !ok {
		return nil, domain.ErrSessionNotExist
	}
	return s.Get(id)
}

// Destroy commits the terminal transition of a session and records it in
// history. Callers fan out sessionDestroy after it returns.
func (s *Store) Destroy(ctx context.Context, id string) (domain.HistoricalRecord, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	if ok {
		delete(s.sessions, id)
		if s.owners[sess.ownerID] == id {
			delete(s.owners, sess.ownerID)
		}
	}
	active := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return domain.HistoricalRecord{}, domain.ErrSessionNotExist
	}

	desc, final, committed := sess.terminate()
	if !committed {
		return domain.HistoricalRecord{}, domain.ErrSessionNotExist
	}
	metrics.SessionsDestroyed.WithLabelValues(string(sess.typ)).Inc()
	metrics.ActiveSessions.Set(float64(active))

	record := domain.HistoricalRecord{
		Descriptor:  desc,
		Metadata:    final.Metadata,
		QueueTitle:  final.QueueTitle,
		DestroyedAt: s.clock.Now(),
	}
	if err := s.history.Append(ctx, record); err != nil {
		s.logger.Warn("session_history_append_failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	s.logger.Info("session_destroyed",
		slog.String("session_id", id),
		slog.String("owner_id", sess.ownerID),
	)
	return record, nil
}

// DestroyOwner destroys the live session of ownerID, if any. It is used
// when the owning process goes away.
func (s *Store) DestroyOwner(ctx context.Context, ownerID string) (domain.HistoricalRecord, error) {
	sess, err := s.ByOwner(ownerID)
	if err != nil {
		return domain.HistoricalRecord{}, err
	}
	return s.Destroy(ctx, sess.id)
}

// ListActive returns live sessions, oldest first.
func (s *Store) ListActive() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].createdAt.Equal(out[j].createdAt) {
			return out[i].createdAt.Before(out[j].createdAt)
		}
		return out[i].id < out[j].id
	})
	return out
}

// ListHistorical returns destroyed sessions, most recently destroyed first,
// capped by q.MaxSize overall and by q.MaxAppSize per owner.
func (s *Store) ListHistorical(ctx context.Context, q HistoryQuery) ([]domain.HistoricalRecord, error) {
	q, err := q.normalize()
	if err != nil {
		return nil, err
	}
	all, err := s.history.Recent(ctx, 0)
	if err != nil {
		return nil, domain.Wrap(domain.CodeServiceException, "read session history", err)
	}

	perOwner := map[string]int{}
	out := make([]domain.HistoricalRecord, 0, q.MaxSize)
	for _, rec := range all {
		if len(out) >= q.MaxSize {
			break
		}
		owner := rec.Descriptor.OwnerID
		if q.MaxAppSize > 0 && perOwner[owner] >= q.MaxAppSize {
			continue
		}
		perOwner[owner]++
		out = append(out, rec)
	}
	return out, nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func newSessionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
