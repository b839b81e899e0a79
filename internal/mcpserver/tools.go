package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go2tv.app/avsession/internal/avsession"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/store"
)

type sessionState struct {
	SessionID     string                  `json:"session_id"`
	Active        bool                    `json:"active"`
	Metadata      domain.AVMetadata       `json:"metadata"`
	Playback      domain.AVPlaybackState  `json:"playback"`
	PositionMS    int64                   `json:"position_ms"`
	Queue         []domain.AVQueueItem    `json:"queue"`
	QueueTitle    string                  `json:"queue_title"`
	CallMetadata  domain.AVCallMetadata   `json:"call_metadata"`
	CallState     domain.AVCallState      `json:"call_state"`
	OutputDevice  domain.OutputDeviceInfo `json:"output_device"`
	ValidCommands []domain.CommandType    `json:"valid_commands"`
	Extras        domain.Extras           `json:"extras"`
}

func (s *Server) listSessions(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return callOutcome{}, errInvalidParams
	}

	sessions, err := s.broker.GetAllSessionDescriptors(ctx)
	if err != nil {
		return callOutcome{}, err
	}
	top := s.broker.TopSessionID()

	text := fmt.Sprintf("%d live session(s).", len(sessions))
	if len(sessions) > 0 {
		text += "\n" + formatSessions(sessions)
	}
	return callOutcome{
		Text:      text,
		SessionID: top,
		Structured: map[string]any{
			"count":          len(sessions),
			"top_session_id": top,
			"sessions":       sessions,
		},
	}, nil
}

func (s *Server) sessionHistory(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	var args struct {
		MaxSize    *int `json:"max_size,omitempty"`
		MaxAppSize *int `json:"max_app_size,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return callOutcome{}, errInvalidParams
	}

	var q store.HistoryQuery
	if args.MaxSize != nil {
		q.MaxSize = *args.MaxSize
	}
	if args.MaxAppSize != nil {
		q.MaxAppSize = *args.MaxAppSize
	}
	records, err := s.broker.GetHistoricalSessionDescriptors(ctx, q)
	if err != nil {
		return callOutcome{}, err
	}

	return callOutcome{
		Text: fmt.Sprintf("%d historical session(s).", len(records)),
		Structured: map[string]any{
			"count":    len(records),
			"sessions": records,
		},
	}, nil
}

func (s *Server) createSession(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	var args struct {
		OwnerID  string `json:"owner_id"`
		Tag      string `json:"tag"`
		Type     string `json:"type"`
		Mirror   *bool  `json:"mirror,omitempty"`
		Activate *bool  `json:"activate,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return callOutcome{}, errInvalidParams
	}
	args.OwnerID = strings.TrimSpace(args.OwnerID)
	args.Tag = strings.TrimSpace(args.Tag)
	args.Type = strings.TrimSpace(args.Type)
	if args.OwnerID == "" || args.Tag == "" || args.Type == "" {
		return callOutcome{}, errInvalidParams
	}

	h, err := s.broker.CreateAVSession(ctx, args.OwnerID, args.Tag, domain.SessionType(args.Type))
	if err != nil {
		return callOutcome{}, err
	}
	out := callOutcome{SessionID: h.ID()}

	if args.Mirror == nil || *args.Mirror {
		if err := avsession.MirrorHandlers(h); err != nil {
			_ = h.Destroy(ctx)
			return out, err
		}
	}
	if args.Activate == nil || *args.Activate {
		if err := h.Activate(); err != nil {
			_ = h.Destroy(ctx)
			return out, err
		}
	}

	desc := h.Descriptor()
	desc.IsTopSession = s.broker.TopSessionID() == desc.SessionID
	out.Text = fmt.Sprintf("Created %s session %s for %s.", desc.Type, desc.SessionID, desc.OwnerID)
	out.Structured = desc
	return out, nil
}

func (s *Server) updateSession(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	var args struct {
		OwnerID    string                  `json:"owner_id"`
		Metadata   *domain.AVMetadata      `json:"metadata,omitempty"`
		Playback   *domain.AVPlaybackState `json:"playback,omitempty"`
		QueueItems *[]domain.AVQueueItem   `json:"queue_items,omitempty"`
		QueueTitle *string                 `json:"queue_title,omitempty"`
		CallState  *domain.AVCallState     `json:"call_state,omitempty"`
		Active     *bool                   `json:"active,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return callOutcome{}, errInvalidParams
	}
	args.OwnerID = strings.TrimSpace(args.OwnerID)
	if args.OwnerID == "" {
		return callOutcome{}, errInvalidParams
	}

	h, err := s.broker.GetSession(args.OwnerID)
	if err != nil {
		return callOutcome{}, err
	}
	out := callOutcome{SessionID: h.ID()}

	// Queue first so that an active item in the playback state can refer
	// to it.
	if args.QueueItems != nil {
		if err := h.SetAVQueueItems(*args.QueueItems); err != nil {
			return out, err
		}
	}
	if args.QueueTitle != nil {
		if err := h.SetAVQueueTitle(*args.QueueTitle); err != nil {
			return out, err
		}
	}
	if args.Metadata != nil {
		if err := h.SetAVMetadata(*args.Metadata); err != nil {
			return out, err
		}
	}
	if args.Playback != nil {
		if err := h.SetAVPlaybackState(*args.Playback); err != nil {
			return out, err
		}
	}
	if args.CallState != nil {
		if err := h.SetAVCallState(*args.CallState); err != nil {
			return out, err
		}
	}
	if args.Active != nil {
		toggle := h.Deactivate
		if *args.Active {
			toggle = h.Activate
		}
		if err := toggle(); err != nil {
			return out, err
		}
	}

	desc := h.Descriptor()
	desc.IsTopSession = s.broker.TopSessionID() == desc.SessionID
	out.Text = fmt.Sprintf("Updated session %s.", desc.SessionID)
	out.Structured = desc
	return out, nil
}

func (s *Server) destroySession(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	sessionID, err := decodeSessionID(raw)
	if err != nil {
		return callOutcome{}, err
	}
	out := callOutcome{SessionID: sessionID}
	if err := s.broker.DestroySession(ctx, sessionID); err != nil {
		return out, err
	}
	out.Text = fmt.Sprintf("Destroyed session %s.", sessionID)
	out.Structured = map[string]any{"destroyed_session_id": sessionID}
	return out, nil
}

func (s *Server) getSessionState(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	sessionID, err := decodeSessionID(raw)
	if err != nil {
		return callOutcome{}, err
	}
	out := callOutcome{SessionID: sessionID}

	ctl, err := s.broker.CreateController(ctx, sessionID)
	if err != nil {
		return out, err
	}
	defer func() { _ = ctl.Destroy() }()

	st, position, err := ctl.GetSessionState()
	if err != nil {
		return out, err
	}
	state := sessionState{
		SessionID:     sessionID,
		Active:        st.Active,
		Metadata:      st.Metadata,
		Playback:      st.PlaybackState,
		PositionMS:    position,
		Queue:         st.QueueItems,
		QueueTitle:    st.QueueTitle,
		CallMetadata:  st.CallMetadata,
		CallState:     st.CallState,
		OutputDevice:  st.OutputDevice,
		ValidCommands: st.ValidCommands,
		Extras:        st.Extras,
	}

	out.Text = fmt.Sprintf("Session %s is %s at %dms (%s).",
		sessionID, playbackLabel(state.Playback.State), state.PositionMS, activeLabel(state.Active))
	out.Structured = &state
	return out, nil
}

func (s *Server) sendControlCommand(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	var args struct {
		SessionID string          `json:"session_id,omitempty"`
		Command   string          `json:"command"`
		Parameter json.RawMessage `json:"parameter,omitempty"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return callOutcome{}, errInvalidParams
	}
	args.SessionID = strings.TrimSpace(args.SessionID)
	args.Command = strings.TrimSpace(args.Command)
	if args.Command == "" {
		return callOutcome{}, errInvalidParams
	}

	cmd := domain.ControlCommand{Command: domain.CommandType(args.Command)}
	if len(args.Parameter) > 0 {
		if err := json.Unmarshal(args.Parameter, &cmd.Parameter); err != nil {
			return callOutcome{}, errInvalidParams
		}
	}

	out := callOutcome{SessionID: args.SessionID}
	if args.SessionID == "" {
		out.SessionID = s.broker.TopSessionID()
		if err := s.broker.SendSystemControlCommand(ctx, cmd); err != nil {
			return out, err
		}
	} else {
		ctl, err := s.broker.CreateController(ctx, args.SessionID)
		if err != nil {
			return out, err
		}
		err = ctl.SendControlCommand(ctx, cmd)
		_ = ctl.Destroy()
		if err != nil {
			return out, err
		}
	}

	out.Text = fmt.Sprintf("Sent %s to session %s.", cmd.Command, out.SessionID)
	out.Structured = map[string]any{
		"session_id": out.SessionID,
		"command":    cmd.Command,
		"parameter":  cmd.Parameter,
	}
	return out, nil
}

func (s *Server) listCastDevices(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	if err := decodeStrict(raw, &struct{}{}); err != nil {
		return callOutcome{}, errInvalidParams
	}

	devices, err := s.broker.GetCastDevices(ctx)
	if err != nil {
		return callOutcome{}, err
	}
	text := fmt.Sprintf("Discovered %d device(s).", len(devices))
	if len(devices) > 0 {
		text += "\n" + formatDiscoveredDevices(devices)
	}
	return callOutcome{
		Text: text,
		Structured: map[string]any{
			"count":   len(devices),
			"devices": devices,
		},
	}, nil
}

func (s *Server) startCasting(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	var args struct {
		SessionID    string `json:"session_id"`
		TargetDevice string `json:"target_device"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return callOutcome{}, errInvalidParams
	}
	args.SessionID = strings.TrimSpace(args.SessionID)
	args.TargetDevice = strings.TrimSpace(args.TargetDevice)
	out := callOutcome{SessionID: args.SessionID, DeviceID: args.TargetDevice}
	if args.SessionID == "" || args.TargetDevice == "" {
		return out, errInvalidParams
	}

	// An id-only device is resolved by id or name through discovery.
	cc, err := s.broker.StartCasting(ctx, args.SessionID, domain.Device{ID: args.TargetDevice})
	if err != nil {
		return out, err
	}
	device := cc.Device()
	out.DeviceID = device.ID
	commands, err := cc.GetValidCommands()
	if err != nil {
		return out, err
	}

	out.Text = fmt.Sprintf("Session %s is casting to %s (%s).", args.SessionID, device.Name, device.Protocol)
	out.Structured = map[string]any{
		"session_id":         args.SessionID,
		"cast_controller_id": cc.ID(),
		"device":             device,
		"valid_commands":     commands,
	}
	return out, nil
}

func (s *Server) stopCasting(ctx context.Context, raw json.RawMessage) (callOutcome, error) {
	sessionID, err := decodeSessionID(raw)
	if err != nil {
		return callOutcome{}, err
	}
	out := callOutcome{SessionID: sessionID}
	if err := s.broker.StopCasting(ctx, sessionID); err != nil {
		return out, err
	}
	out.Text = fmt.Sprintf("Session %s is back on the local device.", sessionID)
	out.Structured = map[string]any{"stopped_session_id": sessionID}
	return out, nil
}

func decodeSessionID(raw json.RawMessage) (string, error) {
	var args struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeStrict(raw, &args); err != nil {
		return "", errInvalidParams
	}
	id := strings.TrimSpace(args.SessionID)
	if id == "" {
		return "", errInvalidParams
	}
	return id, nil
}

func playbackLabel(state domain.PlaybackStateKind) string {
	if state == "" {
		return string(domain.PlaybackInitial)
	}
	return string(state)
}

func activeLabel(active bool) string {
	if active {
		return "active"
	}
	return "inactive"
}

func formatSessions(sessions []domain.SessionDescriptor) string {
	var out strings.Builder
	for i, desc := range sessions {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(
			&out,
			"%d. id=%s owner=%s tag=%s type=%s active=%t top=%t cast=%s",
			i+1,
			desc.SessionID,
			desc.OwnerID,
			desc.Tag,
			desc.Type,
			desc.IsActive,
			desc.IsTopSession,
			desc.CastState,
		)
	}
	return out.String()
}

func formatDiscoveredDevices(devices []domain.Device) string {
	var out strings.Builder
	for i, dev := range devices {
		if i > 0 {
			out.WriteByte('\n')
		}
		fmt.Fprintf(
			&out,
			"%d. id=%s name=%s protocol=%s address=%s",
			i+1,
			strings.TrimSpace(dev.ID),
			strings.TrimSpace(dev.Name),
			strings.TrimSpace(dev.Protocol),
			strings.TrimSpace(dev.Address),
		)
	}
	return out.String()
}
