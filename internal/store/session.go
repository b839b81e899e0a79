package store

import (
	"sync"
	"sync/atomic"
	"time"

	"go2tv.app/avsession/internal/domain"
)

// State is the mutable part of a session. It is only touched inside
// Session.Update.
type State struct {
	Active        bool
	Metadata      domain.AVMetadata
	CallMetadata  domain.AVCallMetadata
	PlaybackState domain.AVPlaybackState
	CallState     domain.AVCallState
	QueueItems    []domain.AVQueueItem
	QueueTitle    string
	Extras        domain.Extras
	OutputDevice  domain.OutputDeviceInfo
	LaunchAbility domain.LaunchIntent
	ValidCommands []domain.CommandType
	CastState     domain.CastState
	ActivatedAt   time.Time
}

// Clone returns a deep copy that shares nothing with s.
func (s State) Clone() State {
	out := s
	out.Metadata.DisplayTags = append([]string(nil), s.Metadata.DisplayTags...)
	if s.PlaybackState.ActiveItemID != nil {
		id := *s.PlaybackState.ActiveItemID
		out.PlaybackState.ActiveItemID = &id
	}
	out.PlaybackState.Extras = s.PlaybackState.Extras.Clone()
	out.QueueItems = make([]domain.AVQueueItem, len(s.QueueItems))
	for i, item := range s.QueueItems {
		item.Description.Extras = item.Description.Extras.Clone()
		out.QueueItems[i] = item
	}
	out.Extras = s.Extras.Clone()
	out.OutputDevice.Devices = append([]domain.OutputDevice(nil), s.OutputDevice.Devices...)
	out.LaunchAbility.Extras = s.LaunchAbility.Extras.Clone()
	out.ValidCommands = append([]domain.CommandType(nil), s.ValidCommands...)
	return out
}

// HasQueueItem reports whether itemID is present in the current queue.
func (s State) HasQueueItem(itemID int64) bool {
	for _, item := range s.QueueItems {
		if item.ItemID == itemID {
			return true
		}
	}
	return false
}

// Session is one owner-published playback stream. Its lock is the
// per-session critical section shared by every component that mutates it.
type Session struct {
	id        string
	ownerID   string
	tag       string
	typ       domain.SessionType
	createdAt time.Time

	alive atomic.Bool

	mu    sync.Mutex
	state State

	// pending holds notifications of committed updates not yet run.
	pending   []func()
	notifying bool
}

func newSession(id, ownerID, tag string, typ domain.SessionType, createdAt time.Time) *Session {
	s := &Session{
		id:        id,
		ownerID:   ownerID,
		tag:       tag,
		typ:       typ,
		createdAt: createdAt,
		state: State{
			PlaybackState: domain.AVPlaybackState{State: domain.PlaybackInitial, Speed: 1},
			OutputDevice:  domain.LocalOutputDevice(),
			CastState:     domain.CastLocal,
		},
	}
	s.alive.Store(true)
	return s
}

func (s *Session) ID() string               { return s.id }
func (s *Session) OwnerID() string          { return s.ownerID }
func (s *Session) Tag() string              { return s.tag }
func (s *Session) Type() domain.SessionType { return s.typ }
func (s *Session) CreatedAt() time.Time     { return s.createdAt }

// Alive is false once destruction has committed.
func (s *Session) Alive() bool { return s.alive.Load() }

// Update runs fn inside the session's critical section. fn must validate
// before it writes so that a returned error leaves the state untouched.
func (s *Session) Update(fn func(*State) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.Load() {
		return domain.ErrSessionNotExist
	}
	return fn(&s.state)
}

// UpdateAndNotify runs fn like Update and, when fn succeeds, runs notify
// after the lock is released. Notifications of one session run one at a
// time in the order their updates committed. A notify that updates the
// same session again has its own notification queued behind it.
func (s *Session) UpdateAndNotify(fn func(*State) error, notify func()) error {
	s.mu.Lock()
	if !s.alive.Load() {
		s.mu.Unlock()
		return domain.ErrSessionNotExist
	}
	if err := fn(&s.state); err != nil {
		s.mu.Unlock()
		return err
	}
	if notify == nil {
		s.mu.Unlock()
		return nil
	}
	s.pending = append(s.pending, notify)
	if s.notifying {
		s.mu.Unlock()
		return nil
	}
	s.notifying = true
	s.mu.Unlock()
	s.drain()
	return nil
}

func (s *Session) drain() {
	done := false
	defer func() {
		if !done {
			s.mu.Lock()
			s.notifying = false
			s.pending = nil
			s.mu.Unlock()
		}
	}()
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.notifying = false
			s.mu.Unlock()
			done = true
			return
		}
		next := s.pending[0]
		s.pending[0] = nil
		s.pending = s.pending[1:]
		s.mu.Unlock()
		next()
	}
}

// Snapshot returns a consistent deep copy of the state.
func (s *Session) Snapshot() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.Load() {
		return State{}, domain.ErrSessionNotExist
	}
	return s.state.Clone(), nil
}

// Descriptor describes the session. It stays readable after destruction.
func (s *Session) Descriptor() domain.SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.descriptorLocked()
}

func (s *Session) descriptorLocked() domain.SessionDescriptor {
	st := s.state.Clone()
	return domain.SessionDescriptor{
		SessionID:     s.id,
		Type:          s.typ,
		Tag:           s.tag,
		OwnerID:       s.ownerID,
		IsActive:      st.Active,
		OutputDevice:  st.OutputDevice,
		CastState:     st.CastState,
		LaunchAbility: st.LaunchAbility,
		CreatedAt:     s.createdAt,
	}
}

// terminate commits destruction and returns the final state.
func (s *Session) terminate() (domain.SessionDescriptor, State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive.CompareAndSwap(true, false) {
		return domain.SessionDescriptor{}, State{}, false
	}
	return s.descriptorLocked(), s.state.Clone(), true
}
