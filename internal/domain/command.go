package domain

import "math"

// CommandType names a control command a session may handle. Unknown names
// are rejected at registration rather than at decode time so that new
// vocabulary can be added without breaking older callers.
type CommandType string

const (
	CommandPlay            CommandType = "play"
	CommandPause           CommandType = "pause"
	CommandStop            CommandType = "stop"
	CommandPlayNext        CommandType = "playNext"
	CommandPlayPrevious    CommandType = "playPrevious"
	CommandFastForward     CommandType = "fastForward"
	CommandRewind          CommandType = "rewind"
	CommandSeek            CommandType = "seek"
	CommandSetSpeed        CommandType = "setSpeed"
	CommandSetLoopMode     CommandType = "setLoopMode"
	CommandToggleFavorite  CommandType = "toggleFavorite"
	CommandPlayFromAssetID CommandType = "playFromAssetId"
	CommandAnswer          CommandType = "answer"
	CommandHangUp          CommandType = "hangUp"
	CommandToggleCallMute  CommandType = "toggleCallMute"
)

var controlCommands = []CommandType{
	CommandPlay, CommandPause, CommandStop, CommandPlayNext, CommandPlayPrevious,
	CommandFastForward, CommandRewind, CommandSeek, CommandSetSpeed, CommandSetLoopMode,
	CommandToggleFavorite, CommandPlayFromAssetID, CommandAnswer, CommandHangUp, CommandToggleCallMute,
}

// ControlCommands lists the full control vocabulary in declaration order.
func ControlCommands() []CommandType {
	return append([]CommandType(nil), controlCommands...)
}

func (c CommandType) Valid() bool {
	for _, known := range controlCommands {
		if c == known {
			return true
		}
	}
	return false
}

// CastCommandType is the vocabulary accepted by a cast controller.
type CastCommandType string

const (
	CastCommandPlay            CastCommandType = "play"
	CastCommandPause           CastCommandType = "pause"
	CastCommandStop            CastCommandType = "stop"
	CastCommandPlayNext        CastCommandType = "playNext"
	CastCommandPlayPrevious    CastCommandType = "playPrevious"
	CastCommandFastForward     CastCommandType = "fastForward"
	CastCommandRewind          CastCommandType = "rewind"
	CastCommandSeek            CastCommandType = "seek"
	CastCommandSetVolume       CastCommandType = "setVolume"
	CastCommandSetSpeed        CastCommandType = "setSpeed"
	CastCommandSetLoopMode     CastCommandType = "setLoopMode"
	CastCommandToggleFavorite  CastCommandType = "toggleFavorite"
	CastCommandPlayFromAssetID CastCommandType = "playFromAssetId"
	CastCommandToggleMute      CastCommandType = "toggleMute"
)

var castCommands = []CastCommandType{
	CastCommandPlay, CastCommandPause, CastCommandStop, CastCommandPlayNext, CastCommandPlayPrevious,
	CastCommandFastForward, CastCommandRewind, CastCommandSeek, CastCommandSetVolume, CastCommandSetSpeed,
	CastCommandSetLoopMode, CastCommandToggleFavorite, CastCommandPlayFromAssetID, CastCommandToggleMute,
}

func CastCommands() []CastCommandType {
	return append([]CastCommandType(nil), castCommands...)
}

func (c CastCommandType) Valid() bool {
	for _, known := range castCommands {
		if c == known {
			return true
		}
	}
	return false
}

// ControlCommand is a command sent from a controller to a session.
type ControlCommand struct {
	Command   CommandType `json:"command"`
	Parameter Value       `json:"parameter"`
}

// CastControlCommand is a command sent to a cast controller.
type CastControlCommand struct {
	Command   CastCommandType `json:"command"`
	Parameter Value           `json:"parameter"`
}

// ToCast maps a local command onto the cast vocabulary. Call-only commands
// have no cast equivalent.
func (c ControlCommand) ToCast() (CastControlCommand, bool) {
	cast := CastCommandType(c.Command)
	if !cast.Valid() {
		return CastControlCommand{}, false
	}
	return CastControlCommand{Command: cast, Parameter: c.Parameter}, true
}

// ValidateControlCommand checks the command name and the type and range of
// its parameter. Commands without a typed parameter ignore it.
func ValidateControlCommand(cmd ControlCommand) error {
	if !cmd.Command.Valid() {
		return Errorf(CodeInvalidCommand, "unknown command %q", cmd.Command)
	}
	return validateParameter(string(cmd.Command), cmd.Parameter)
}

func ValidateCastCommand(cmd CastControlCommand) error {
	if !cmd.Command.Valid() {
		return Errorf(CodeInvalidCommand, "unknown cast command %q", cmd.Command)
	}
	if cmd.Command == CastCommandSetVolume {
		n, ok := cmd.Parameter.AsInt()
		if !ok || n < 0 {
			return Errorf(CodeInvalidCommand, "setVolume expects a non-negative integer")
		}
		return nil
	}
	return validateParameter(string(cmd.Command), cmd.Parameter)
}

func validateParameter(command string, p Value) error {
	switch CommandType(command) {
	case CommandSeek:
		n, ok := p.AsNumber()
		if !ok || n < 0 || math.IsNaN(n) || n >= -math.MinInt64 {
			return Errorf(CodeInvalidCommand, "seek expects a non-negative position in milliseconds")
		}
	case CommandSetSpeed:
		n, ok := p.AsNumber()
		if !ok || n <= 0 || math.IsNaN(n) || math.IsInf(n, 0) {
			return Errorf(CodeInvalidCommand, "setSpeed expects a positive number")
		}
	case CommandSetLoopMode:
		if _, ok := LoopModeOf(p); !ok {
			return Errorf(CodeInvalidCommand, "setLoopMode expects one of sequence, single, list, shuffle, custom")
		}
	case CommandToggleFavorite:
		id, ok := p.AsString()
		if !ok || id == "" {
			return Errorf(CodeInvalidCommand, "toggleFavorite expects a non-empty asset id")
		}
	case CommandPlayFromAssetID:
		n, ok := p.AsInt()
		if !ok || n < 0 {
			return Errorf(CodeInvalidCommand, "playFromAssetId expects a non-negative integer asset id")
		}
	}
	return nil
}

// LoopModeOf accepts a loop mode by name or by its index in declaration
// order.
func LoopModeOf(p Value) (LoopMode, bool) {
	if s, ok := p.AsString(); ok {
		mode := LoopMode(s)
		return mode, mode.Valid()
	}
	if n, ok := p.AsInt(); ok && n >= 0 && int(n) < len(loopModes) {
		return loopModes[n], true
	}
	return "", false
}
