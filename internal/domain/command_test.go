package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateControlCommandParameters(t *testing.T) {
	tests := []struct {
		name string
		cmd  ControlCommand
		ok   bool
	}{
		{"seek number", ControlCommand{Command: CommandSeek, Parameter: NumberValue(1500)}, true},
		{"seek string", ControlCommand{Command: CommandSeek, Parameter: StringValue("10")}, false},
		{"seek negative", ControlCommand{Command: CommandSeek, Parameter: NumberValue(-1)}, false},
		{"seek overflow", ControlCommand{Command: CommandSeek, Parameter: NumberValue(1e300)}, false},
		{"asset id overflow", ControlCommand{Command: CommandPlayFromAssetID, Parameter: NumberValue(1e19)}, false},
		{"speed zero", ControlCommand{Command: CommandSetSpeed, Parameter: NumberValue(0)}, false},
		{"speed", ControlCommand{Command: CommandSetSpeed, Parameter: NumberValue(1.5)}, true},
		{"loop by name", ControlCommand{Command: CommandSetLoopMode, Parameter: StringValue("shuffle")}, true},
		{"loop by index", ControlCommand{Command: CommandSetLoopMode, Parameter: NumberValue(1)}, true},
		{"loop unknown", ControlCommand{Command: CommandSetLoopMode, Parameter: StringValue("random")}, false},
		{"favorite", ControlCommand{Command: CommandToggleFavorite, Parameter: StringValue("asset-1")}, true},
		{"favorite missing", ControlCommand{Command: CommandToggleFavorite}, false},
		{"play ignores parameter", ControlCommand{Command: CommandPlay, Parameter: BoolValue(true)}, true},
		{"unknown", ControlCommand{Command: "teleport"}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateControlCommand(tc.cmd)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidCommand)
		})
	}
}

func TestCastVocabularyDropsCallCommands(t *testing.T) {
	_, ok := ControlCommand{Command: CommandAnswer}.ToCast()
	assert.False(t, ok)

	cast, ok := ControlCommand{Command: CommandSeek, Parameter: NumberValue(3)}.ToCast()
	assert.True(t, ok)
	assert.Equal(t, CastCommandSeek, cast.Command)

	assert.True(t, CastCommandSetVolume.Valid())
	assert.False(t, CommandType("setVolume").Valid())
	assert.ErrorIs(t, ValidateCastCommand(CastControlCommand{Command: CastCommandSetVolume, Parameter: NumberValue(-2)}), ErrInvalidCommand)
}
