package avsession

import (
	"context"
	"strings"

	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/command"
	"go2tv.app/avsession/internal/controller"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/eventbus"
	"go2tv.app/avsession/internal/store"
)

type (
	CommonCommandHandler   func(ctx context.Context, name string, args domain.Extras) error
	SkipToQueueItemHandler func(ctx context.Context, itemID int64) error
	KeyEventHandler        func(ctx context.Context, ev domain.KeyEvent) error
)

// Session is the owner's handle on its session. Every setter replaces the
// stored value and notifies the controllers bound to the session.
type Session struct {
	svc  *Service
	sess *store.Session
}

func (h *Session) ID() string               { return h.sess.ID() }
func (h *Session) OwnerID() string          { return h.sess.OwnerID() }
func (h *Session) Tag() string              { return h.sess.Tag() }
func (h *Session) Type() domain.SessionType { return h.sess.Type() }

func (h *Session) Descriptor() domain.SessionDescriptor {
	desc := h.sess.Descriptor()
	desc.IsTopSession = h.sess.Alive() && h.svc.isTop(desc.SessionID)
	return desc
}

func (h *Session) SetAVMetadata(md domain.AVMetadata) error {
	if strings.TrimSpace(md.AssetID) == "" {
		return domain.NewError(domain.CodeParameterCheckFailed, "metadata assetId is required")
	}
	if md.Duration < 0 {
		return domain.NewError(domain.CodeParameterCheckFailed, "metadata duration must not be negative")
	}
	md = cloneMetadata(md)

	var change eventbus.Change
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		change = eventbus.Diff(h.ID(), st.Metadata, cloneMetadata(md))
		st.Metadata = md
		return nil
	}, func() {
		h.svc.fanOutChange(h.ID(), domain.EventMetadataChange, change)
	})
}

// SetAVPlaybackState replaces the playback state. activeItemId must name
// an item of the current queue. A zero position update time is stamped
// with the current time.
func (h *Session) SetAVPlaybackState(ps domain.AVPlaybackState) error {
	if err := validatePlayback(ps); err != nil {
		return err
	}
	ps = clonePlayback(ps)
	if ps.Position.UpdateTime == 0 {
		ps.Position.UpdateTime = h.svc.clock.Now().UnixMilli()
	}
	return h.updatePlayback(func(st *store.State) error {
		if ps.ActiveItemID != nil && !st.HasQueueItem(*ps.ActiveItemID) {
			return domain.Errorf(domain.CodeParameterCheckFailed, "activeItemId %d is not in the queue", *ps.ActiveItemID)
		}
		st.PlaybackState = ps
		return nil
	})
}

func validatePlayback(ps domain.AVPlaybackState) error {
	switch {
	case ps.State == "":
		return domain.NewError(domain.CodeParameterCheckFailed, "playback state is required")
	case ps.Speed < 0:
		return domain.NewError(domain.CodeParameterCheckFailed, "playback speed must not be negative")
	case ps.LoopMode != "" && !ps.LoopMode.Valid():
		return domain.Errorf(domain.CodeParameterCheckFailed, "unknown loop mode %q", ps.LoopMode)
	case ps.Position.ElapsedTime < 0 || ps.BufferedTime < 0:
		return domain.NewError(domain.CodeParameterCheckFailed, "playback position must not be negative")
	case ps.Volume < 0 || (ps.MaxVolume > 0 && ps.Volume > ps.MaxVolume):
		return domain.Errorf(domain.CodeParameterCheckFailed, "volume %d is out of range", ps.Volume)
	}
	return nil
}

// updatePlayback runs fn in the session's critical section and notifies
// playbackStateChange subscribers of the fields it changed. fn must not
// write before it has validated.
func (h *Session) updatePlayback(fn func(st *store.State) error) error {
	var change eventbus.Change
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		old := clonePlayback(st.PlaybackState)
		if err := fn(st); err != nil {
			return err
		}
		change = eventbus.Diff(h.ID(), old, clonePlayback(st.PlaybackState))
		return nil
	}, func() {
		h.svc.fanOutChange(h.ID(), domain.EventPlaybackStateChange, change)
	})
}

func (h *Session) SetAVCallMetadata(md domain.AVCallMetadata) error {
	var change eventbus.Change
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		change = eventbus.Diff(h.ID(), st.CallMetadata, md)
		st.CallMetadata = md
		return nil
	}, func() {
		h.svc.fanOutChange(h.ID(), domain.EventCallMetadataChange, change)
	})
}

func (h *Session) SetAVCallState(cs domain.AVCallState) error {
	if cs.State == "" {
		return domain.NewError(domain.CodeParameterCheckFailed, "call state is required")
	}
	return h.updateCall(func(st *domain.AVCallState) error {
		*st = cs
		return nil
	})
}

func (h *Session) updateCall(fn func(*domain.AVCallState) error) error {
	var change eventbus.Change
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		next := st.CallState
		if err := fn(&next); err != nil {
			return err
		}
		change = eventbus.Diff(h.ID(), st.CallState, next)
		st.CallState = next
		return nil
	}, func() {
		h.svc.fanOutChange(h.ID(), domain.EventCallStateChange, change)
	})
}

// SetAVQueueItems replaces the whole queue. Item ids must be unique. When
// the active item is no longer queued it is cleared and
// playbackStateChange subscribers are told.
func (h *Session) SetAVQueueItems(items []domain.AVQueueItem) error {
	seen := make(map[int64]struct{}, len(items))
	for _, item := range items {
		if item.ItemID < 0 {
			return domain.Errorf(domain.CodeParameterCheckFailed, "queue item id %d is negative", item.ItemID)
		}
		if _, dup := seen[item.ItemID]; dup {
			return domain.Errorf(domain.CodeParameterCheckFailed, "duplicate queue item id %d", item.ItemID)
		}
		seen[item.ItemID] = struct{}{}
	}
	queue := cloneQueue(items)

	var playback eventbus.Change
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		st.QueueItems = queue
		if id := st.PlaybackState.ActiveItemID; id != nil && !st.HasQueueItem(*id) {
			old := clonePlayback(st.PlaybackState)
			st.PlaybackState.ActiveItemID = nil
			playback = eventbus.Diff(h.ID(), old, clonePlayback(st.PlaybackState))
		}
		return nil
	}, func() {
		h.svc.fanOut(h.ID(), domain.Event{
			Kind:      domain.EventQueueItemsChange,
			SessionID: h.ID(),
			Payload:   cloneQueue(queue),
		})
		h.svc.fanOutChange(h.ID(), domain.EventPlaybackStateChange, playback)
	})
}

func (h *Session) SetAVQueueTitle(title string) error {
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		st.QueueTitle = title
		return nil
	}, func() {
		h.svc.fanOut(h.ID(), domain.Event{Kind: domain.EventQueueTitleChange, SessionID: h.ID(), Payload: title})
	})
}

func (h *Session) SetExtras(extras domain.Extras) error {
	return h.sess.UpdateAndNotify(func(st *store.State) error {
		st.Extras = extras.Clone()
		return nil
	}, func() {
		h.svc.fanOut(h.ID(), domain.Event{Kind: domain.EventExtrasChange, SessionID: h.ID(), Payload: extras.Clone()})
	})
}

func (h *Session) SetLaunchAbility(intent domain.LaunchIntent) error {
	intent.Extras = intent.Extras.Clone()
	return h.sess.Update(func(st *store.State) error {
		st.LaunchAbility = intent
		return nil
	})
}

// Activate marks the session as ready to receive commands.
func (h *Session) Activate() error { return h.setActive(true) }

func (h *Session) Deactivate() error { return h.setActive(false) }

func (h *Session) setActive(active bool) error {
	changed := false
	err := h.sess.UpdateAndNotify(func(st *store.State) error {
		if st.Active == active {
			return nil
		}
		st.Active = active
		if active {
			st.ActivatedAt = h.svc.clock.Now()
		}
		changed = true
		return nil
	}, func() {
		if changed {
			h.svc.fanOut(h.ID(), domain.Event{Kind: domain.EventActiveStateChange, SessionID: h.ID(), Payload: active})
		}
	})
	if err != nil || !changed {
		return err
	}
	h.svc.recomputeTop()
	return nil
}

func (h *Session) IsActive() (bool, error) {
	st, err := h.sess.Snapshot()
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

func (h *Session) GetOutputDevice() (domain.OutputDeviceInfo, error) {
	st, err := h.sess.Snapshot()
	if err != nil {
		return domain.OutputDeviceInfo{}, err
	}
	return st.OutputDevice, nil
}

// OnCommand installs fn as the handler for typ, replacing any previous
// one.
func (h *Session) OnCommand(typ domain.CommandType, fn command.Handler) error {
	return h.svc.router.Register(h.sess, typ, fn)
}

func (h *Session) OffCommand(typ domain.CommandType) error {
	return h.svc.router.Unregister(h.sess, typ)
}

func (h *Session) OnCommonCommand(fn CommonCommandHandler) error {
	if fn == nil {
		return domain.NewError(domain.CodeParameterCheckFailed, "handler is required")
	}
	return h.svc.router.SetAux(h.sess, command.AuxCommonCommand, func(ctx context.Context, req command.AuxRequest) error {
		return fn(ctx, req.Command, req.Args)
	})
}

func (h *Session) OffCommonCommand() error {
	return h.svc.router.SetAux(h.sess, command.AuxCommonCommand, nil)
}

func (h *Session) OnSkipToQueueItem(fn SkipToQueueItemHandler) error {
	if fn == nil {
		return domain.NewError(domain.CodeParameterCheckFailed, "handler is required")
	}
	return h.svc.router.SetAux(h.sess, command.AuxSkipToQueueItem, func(ctx context.Context, req command.AuxRequest) error {
		return fn(ctx, req.ItemID)
	})
}

func (h *Session) OffSkipToQueueItem() error {
	return h.svc.router.SetAux(h.sess, command.AuxSkipToQueueItem, nil)
}

// OnKeyEvent takes over key handling. Without it, media keys are mapped
// onto the registered control commands.
func (h *Session) OnKeyEvent(fn KeyEventHandler) error {
	if fn == nil {
		return domain.NewError(domain.CodeParameterCheckFailed, "handler is required")
	}
	return h.svc.router.SetAux(h.sess, command.AuxKeyEvent, func(ctx context.Context, req command.AuxRequest) error {
		return fn(ctx, req.KeyEvent)
	})
}

func (h *Session) OffKeyEvent() error {
	return h.svc.router.SetAux(h.sess, command.AuxKeyEvent, nil)
}

// DispatchSessionEvent sends a custom event to every bound controller.
func (h *Session) DispatchSessionEvent(name string, args domain.Extras) error {
	if strings.TrimSpace(name) == "" {
		return domain.NewError(domain.CodeParameterCheckFailed, "event name is required")
	}
	if !h.sess.Alive() {
		return domain.ErrSessionNotExist
	}
	h.svc.fanOut(h.ID(), domain.Event{
		Kind:      domain.EventSessionEvent,
		SessionID: h.ID(),
		Payload:   domain.SessionEvent{Name: name, Args: args.Clone()},
	})
	return nil
}

// GetController returns a new controller bound to this session.
func (h *Session) GetController() (*controller.Controller, error) {
	return h.svc.factory.Create(h.ID())
}

func (h *Session) GetAVCastController() (*cast.Controller, error) {
	if !h.sess.Alive() {
		return nil, domain.ErrSessionNotExist
	}
	return h.svc.cast.Controller(h.ID())
}

func (h *Session) StopCasting(ctx context.Context) error {
	return h.svc.cast.StopCasting(ctx, h.sess)
}

// Destroy ends the session for good.
func (h *Session) Destroy(ctx context.Context) error {
	return h.svc.destroy(ctx, h.ID())
}

func cloneMetadata(md domain.AVMetadata) domain.AVMetadata {
	md.DisplayTags = append([]string(nil), md.DisplayTags...)
	return md
}

func clonePlayback(ps domain.AVPlaybackState) domain.AVPlaybackState {
	if ps.ActiveItemID != nil {
		id := *ps.ActiveItemID
		ps.ActiveItemID = &id
	}
	ps.Extras = ps.Extras.Clone()
	return ps
}

func cloneQueue(items []domain.AVQueueItem) []domain.AVQueueItem {
	out := make([]domain.AVQueueItem, len(items))
	for i, item := range items {
		item.Description.Extras = item.Description.Extras.Clone()
		out[i] = item
	}
	return out
}
