// Package mcpserver exposes the session broker as MCP tools over stdio.
package mcpserver

import (
	"bytes"
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"go2tv.app/avsession/internal/avsession"
	"go2tv.app/avsession/internal/cast"
	"go2tv.app/avsession/internal/controller"
	"go2tv.app/avsession/internal/domain"
	"go2tv.app/avsession/internal/metrics"
	"go2tv.app/avsession/internal/store"
)

// Broker is the part of the session service the tools drive.
type Broker interface {
	CreateAVSession(ctx context.Context, ownerID, tag string, typ domain.SessionType) (*avsession.Session, error)
	GetSession(ownerID string) (*avsession.Session, error)
	DestroySession(ctx context.Context, sessionID string) error
	GetAllSessionDescriptors(ctx context.Context) ([]domain.SessionDescriptor, error)
	GetHistoricalSessionDescriptors(ctx context.Context, q store.HistoryQuery) ([]domain.HistoricalRecord, error)
	CreateController(ctx context.Context, sessionID string) (*controller.Controller, error)
	SendSystemControlCommand(ctx context.Context, cmd domain.ControlCommand) error
	GetCastDevices(ctx context.Context) ([]domain.Device, error)
	StartCasting(ctx context.Context, sessionID string, device domain.Device) (*cast.Controller, error)
	StopCasting(ctx context.Context, sessionID string) error
	TopSessionID() string
}

// errInvalidParams makes a tool call fail with a JSON-RPC invalid params
// error instead of a tool error.
var errInvalidParams = errors.New("invalid params")

// callOutcome is what a tool handler produced. DeviceID and SessionID feed
// the call log and are kept on failure too.
type callOutcome struct {
	Text       string
	Structured any
	DeviceID   string
	SessionID  string
}

type toolHandler func(ctx context.Context, args json.RawMessage) (callOutcome, error)

type Server struct {
	conn          *transport
	serverName    string
	serverVersion string
	logger        *slog.Logger
	tools         []tool
	handlers      map[string]toolHandler
	broker        Broker
}

type Config struct {
	ServerName    string
	ServerVersion string
	Logger        *slog.Logger
	Broker        Broker
}

func New(in io.Reader, out io.Writer, cfg Config) *Server {
	if cfg.ServerName == "" {
		cfg.ServerName = "avsession"
	}
	if cfg.ServerVersion == "" {
		cfg.ServerVersion = "dev"
	}

	s := &Server{
		conn:          newTransport(in, out),
		serverName:    cfg.ServerName,
		serverVersion: cfg.ServerVersion,
		logger:        cfg.Logger,
		tools:         staticTools(),
		broker:        cfg.Broker,
	}
	s.handlers = map[string]toolHandler{
		"list_sessions":        s.listSessions,
		"session_history":      s.sessionHistory,
		"create_session":       s.createSession,
		"update_session":       s.updateSession,
		"destroy_session":      s.destroySession,
		"get_session_state":    s.getSessionState,
		"send_control_command": s.sendControlCommand,
		"list_cast_devices":    s.listCastDevices,
		"start_casting":        s.startCasting,
		"stop_casting":         s.stopCasting,
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logLifecycle(slog.LevelInfo, "mcp_context_done", slog.String("reason", ctx.Err().Error()))
			return ctx.Err()
		default:
		}

		s.logLifecycle(slog.LevelDebug, "mcp_read_wait")
		payload, kind, err := s.conn.read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				s.logLifecycle(slog.LevelInfo, "mcp_stream_eof")
				return nil
			}
			s.logLifecycle(slog.LevelError, "mcp_read_error", slog.String("error", err.Error()))
			return err
		}
		s.logLifecycle(slog.LevelDebug, "mcp_message_received",
			slog.Int("bytes", len(payload)),
			slog.String("framing", kind.String()),
			slog.String("reply_framing", s.conn.mode.String()),
		)

		if err := s.handle(ctx, payload); err != nil {
			s.logLifecycle(slog.LevelError, "mcp_handle_error", slog.String("error", err.Error()))
			return err
		}
	}
}

func (s *Server) handle(ctx context.Context, payload []byte) error {
	startedAt := time.Now()

	var req request
	if err := json.Unmarshal(payload, &req); err != nil {
		s.logCall(callLog{method: "parse", code: strconv.Itoa(codeParseError)}, startedAt)
		return s.sendError(nil, codeParseError, "parse error")
	}

	// Notifications carry no id and get no response.
	if len(req.ID) == 0 {
		return nil
	}

	if req.JSONRPC != "" && req.JSONRPC != jsonrpcVersion {
		s.logCall(callLog{method: req.Method, code: strconv.Itoa(codeInvalidRequest)}, startedAt)
		return s.sendError(req.ID, codeInvalidRequest, "invalid request")
	}

	switch req.Method {
	case "initialize":
		s.logCall(callLog{method: "initialize"}, startedAt)
		return s.send(response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities: map[string]any{
				"tools": map[string]any{
					"listChanged": false,
				},
			},
			ServerInfo: map[string]string{
				"name":    s.serverName,
				"version": s.serverVersion,
			},
			Instructions: "Use list_sessions to see what is playing and send_control_command to drive it.",
		}})
	case "ping":
		return s.send(response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: map[string]any{}})
	case "tools/list":
		s.logCall(callLog{method: "tools/list"}, startedAt)
		return s.send(response{JSONRPC: jsonrpcVersion, ID: req.ID, Result: toolsListResult{Tools: s.tools}})
	case "tools/call":
		return s.handleToolCall(ctx, req.ID, req.Params)
	default:
		s.logCall(callLog{method: req.Method, code: strconv.Itoa(codeMethodNotFound)}, startedAt)
		return s.sendError(req.ID, codeMethodNotFound, "method not found")
	}
}

func (s *Server) handleToolCall(ctx context.Context, id json.RawMessage, rawParams json.RawMessage) error {
	startedAt := time.Now()

	params, err := decodeToolCallParams(rawParams)
	if err != nil {
		return s.sendInvalidParams(callLog{method: "tools/call"}, startedAt, id)
	}

	entry := callLog{method: params.Name}
	handler, ok := s.handlers[params.Name]
	if !ok {
		entry.code = "TOOL_NOT_FOUND"
		s.logCall(entry, startedAt)
		return s.sendResult(id, toolErrorResult(0, entry.code, "unknown tool: "+params.Name, nil))
	}
	if s.broker == nil {
		entry.code = "INTERNAL_ERROR"
		metrics.ToolCalls.WithLabelValues(params.Name, entry.code).Inc()
		s.logCall(entry, startedAt)
		return s.sendResult(id, toolErrorResult(0, entry.code, "session broker is not configured", nil))
	}

	out, err := handler(ctx, params.Arguments)
	entry.deviceID, entry.sessionID = out.DeviceID, out.SessionID

	var result toolCallResult
	switch {
	case errors.Is(err, errInvalidParams):
		metrics.ToolCalls.WithLabelValues(params.Name, "invalid_params").Inc()
		return s.sendInvalidParams(entry, startedAt, id)
	case err != nil:
		entry.code = domain.CodeOf(err).String()
		result = toolErrorResultFromError(err)
	default:
		result = textResult(out.Text, out.Structured)
	}

	metrics.ToolCalls.WithLabelValues(params.Name, cmp.Or(entry.code, "ok")).Inc()
	s.logCall(entry, startedAt)
	return s.sendResult(id, result)
}

func decodeToolCallParams(raw json.RawMessage) (toolsCallParams, error) {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(raw, &payload); err != nil {
		return toolsCallParams{}, err
	}

	nameRaw, ok := payload["name"]
	if !ok {
		return toolsCallParams{}, errors.New("missing tool name")
	}

	var name string
	if err := json.Unmarshal(nameRaw, &name); err != nil {
		return toolsCallParams{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return toolsCallParams{}, errors.New("missing tool name")
	}

	// Some clients put the arguments next to the name.
	arguments, ok := payload["arguments"]
	if !ok {
		flattened := map[string]json.RawMessage{}
		for key, value := range payload {
			if key == "name" || key == "_meta" {
				continue
			}
			flattened[key] = value
		}
		if len(flattened) > 0 {
			normalized, err := json.Marshal(flattened)
			if err != nil {
				return toolsCallParams{}, err
			}
			arguments = normalized
		}
	}

	if len(bytes.TrimSpace(arguments)) == 0 || bytes.Equal(bytes.TrimSpace(arguments), []byte("null")) {
		arguments = json.RawMessage("{}")
	}

	return toolsCallParams{
		Name:      name,
		Arguments: arguments,
	}, nil
}

// decodeStrict rejects unknown fields and anything after the first value.
func decodeStrict(raw json.RawMessage, out any) error {
	decoder := json.NewDecoder(bytes.NewReader(raw))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(out); err != nil {
		return err
	}
	if _, err := decoder.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after JSON value")
	}
	return nil
}

func (s *Server) sendInvalidParams(entry callLog, startedAt time.Time, id json.RawMessage) error {
	entry.code = strconv.Itoa(codeInvalidParams)
	s.logCall(entry, startedAt)
	return s.sendError(id, codeInvalidParams, "invalid params")
}

func (s *Server) sendResult(id json.RawMessage, result toolCallResult) error {
	return s.send(response{JSONRPC: jsonrpcVersion, ID: id, Result: result})
}

func (s *Server) sendError(id json.RawMessage, code int, message string) error {
	return s.send(response{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Error: &responseError{
			Code:    code,
			Message: message,
		},
	})
}

func toolErrorResult(code int, name, message string, details map[string]any) toolCallResult {
	text := fmt.Sprintf("%s: %s", name, message)
	if code != 0 {
		text = fmt.Sprintf("%s (%d): %s", name, code, message)
	}
	return toolCallResult{
		Content: []toolContent{
			{
				Type: "text",
				Text: text,
			},
		},
		StructuredContent: map[string]any{
			"error": toolError{
				Code:    code,
				Name:    name,
				Message: message,
				Details: details,
			},
		},
		IsError: true,
	}
}

// toolErrorResultFromError reports err with its broker code. Errors from
// outside the broker surface as SERVICE_EXCEPTION with the cause attached.
func toolErrorResultFromError(err error) toolCallResult {
	de := domain.AsError(err)
	if cause := errors.Unwrap(de); cause != nil {
		de = de.WithDetail("cause", cause.Error())
	}
	return toolErrorResult(int(de.Code), de.Code.String(), de.Message, de.Details)
}

// callLog is one mcp_call log line. An empty code means success.
type callLog struct {
	method    string
	deviceID  string
	sessionID string
	code      string
}

func (s *Server) logCall(entry callLog, startedAt time.Time) {
	if s == nil || s.logger == nil {
		return
	}
	level := slog.LevelInfo
	if entry.code != "" {
		level = slog.LevelError
	}

	s.logger.LogAttrs(
		context.Background(),
		level,
		"mcp_call",
		slog.String("method", entry.method),
		slog.String("device_id", entry.deviceID),
		slog.String("session_id", entry.sessionID),
		slog.Int64("duration_ms", time.Since(startedAt).Milliseconds()),
		slog.String("error_code", entry.code),
	)
}

func (s *Server) send(resp response) error {
	encoded, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	s.logLifecycle(slog.LevelDebug, "mcp_send", slog.Int("bytes", len(encoded)))
	return s.conn.write(encoded)
}

func (s *Server) logLifecycle(level slog.Level, msg string, attrs ...any) {
	if s == nil || s.logger == nil {
		return
	}
	s.logger.Log(context.Background(), level, msg, attrs...)
}
