package avsession

import (
	"context"

	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/store"
)

var mirroredPlayback = []domain.CommandType{
	domain.CommandPlay, domain.CommandPause, domain.CommandStop,
	domain.CommandPlayNext, domain.CommandPlayPrevious,
	domain.CommandFastForward, domain.CommandRewind,
	domain.CommandSeek, domain.CommandSetSpeed, domain.CommandSetLoopMode,
	domain.CommandToggleFavorite, domain.CommandPlayFromAssetID,
}

var mirroredCall = []domain.CommandType{
	domain.CommandAnswer, domain.CommandHangUp, domain.CommandToggleCallMute,
}

// MirrorHandlers registers a handler for every command that applies it to
// the session's own state. It suits owners with no player of their own,
// such as sessions created over RPC. Voice call sessions also get the
// call commands.
func MirrorHandlers(h *Session) error {
	cmds := append([]domain.CommandType(nil), mirroredPlayback...)
	if h.Type() == domain.SessionTypeVoiceCall {
		cmds = append(cmds, mirroredCall...)
	}
	handler := func(_ context.Context, cmd domain.ControlCommand) error {
		return h.apply(cmd)
	}
	for _, typ := range cmds {
		if err := h.OnCommand(typ, handler); err != nil {
			return err
		}
	}
	return nil
}

func (h *Session) apply(cmd domain.ControlCommand) error {
	switch cmd.Command {
	case domain.CommandAnswer:
		return h.updateCall(func(cs *domain.AVCallState) error {
			cs.State = domain.CallActive
			return nil
		})
	case domain.CommandHangUp:
		return h.updateCall(func(cs *domain.AVCallState) error {
			cs.State = domain.CallIdle
			return nil
		})
	case domain.CommandToggleCallMute:
		return h.updateCall(func(cs *domain.AVCallState) error {
			cs.Muted = !cs.Muted
			return nil
		})
	}

	now := h.svc.clock.Now().UnixMilli()
	return h.updatePlayback(func(st *store.State) error {
		ps := clonePlayback(st.PlaybackState)
		settle(&ps, now)
		if err := applyPlayback(&ps, cmd, st); err != nil {
			return err
		}
		st.PlaybackState = ps
		return nil
	})
}

// settle folds the time played since the last update into the elapsed
// position.
func settle(ps *domain.AVPlaybackState, now int64) {
	if ps.State == domain.PlaybackPlay && ps.Position.UpdateTime > 0 && now > ps.Position.UpdateTime {
		speed := ps.Speed
		if speed <= 0 {
			speed = 1
		}
		ps.Position.ElapsedTime += int64(speed * float64(now-ps.Position.UpdateTime))
	}
	ps.Position.UpdateTime = now
}

func applyPlayback(ps *domain.AVPlaybackState, cmd domain.ControlCommand, st *store.State) error {
	switch cmd.Command {
	case domain.CommandPlay:
		ps.State = domain.PlaybackPlay
	case domain.CommandPause:
		ps.State = domain.PlaybackPause
	case domain.CommandStop:
		ps.State = domain.PlaybackStop
		ps.Position.ElapsedTime = 0
	case domain.CommandFastForward:
		ps.State = domain.PlaybackFastForward
	case domain.CommandRewind:
		ps.State = domain.PlaybackRewind
	case domain.CommandSeek:
		ms, _ := cmd.Parameter.AsNumber()
		ps.Position.ElapsedTime = int64(ms)
	case domain.CommandSetSpeed:
		ps.Speed, _ = cmd.Parameter.AsNumber()
	case domain.CommandSetLoopMode:
		ps.LoopMode, _ = domain.LoopModeOf(cmd.Parameter)
	case domain.CommandToggleFavorite:
		ps.IsFavorite = !ps.IsFavorite
	case domain.CommandPlayFromAssetID:
		id, _ := cmd.Parameter.AsInt()
		if !st.HasQueueItem(id) {
			return domain.Errorf(domain.CodeInvalidCommand, "queue item %d does not exist", id)
		}
		startItem(ps, id)
	case domain.CommandPlayNext, domain.CommandPlayPrevious:
		step := 1
		if cmd.Command == domain.CommandPlayPrevious {
			step = -1
		}
		id, ok := neighbour(st.QueueItems, ps.ActiveItemID, step, ps.LoopMode == domain.LoopList)
		if !ok {
			return domain.Errorf(domain.CodeInvalidCommand, "no item for %s", cmd.Command)
		}
		startItem(ps, id)
	default:
		return domain.Errorf(domain.CodeInvalidCommand, "command %q is not mirrored", cmd.Command)
	}
	return nil
}

func startItem(ps *domain.AVPlaybackState, itemID int64) {
	ps.ActiveItemID = &itemID
	ps.State = domain.PlaybackPlay
	ps.Position.ElapsedTime = 0
}

// neighbour returns the queue item step positions away from the active
// one. Without an active item, playNext starts at the head of the queue.
func neighbour(queue []domain.AVQueueItem, active *int64, step int, wrap bool) (int64, bool) {
	if len(queue) == 0 {
		return 0, false
	}
	idx := -1
	if active != nil {
		for i, item := range queue {
			if item.ItemID == *active {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		if step < 0 {
			return 0, false
		}
		return queue[0].ItemID, true
	}
	next := idx + step
	if next < 0 || next >= len(queue) {
		if !wrap {
			return 0, false
		}
		next = (next + len(queue)) % len(queue)
	}
	return queue[next].ItemID, true
}
