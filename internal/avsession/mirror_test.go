package avsession

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2tv.app/avsession/internal/domain"
)

func TestMirrorHandlersApplyCommands(t *testing.T) {
	svc, clock := newService(t)
	ctx := context.Background()
	h := activeSession(t, svc, "owner", domain.SessionTypeVideo)
	require.NoError(t, h.SetAVQueueItems([]domain.AVQueueItem{{ItemID: 1}, {ItemID: 2}, {ItemID: 3}}))
	require.NoError(t, MirrorHandlers(h))

	ctl, err := h.GetController()
	require.NoError(t, err)
	valid, err := ctl.GetValidCommands()
	require.NoError(t, err)
	assert.Len(t, valid, len(mirroredPlayback))
	assert.NotContains(t, valid, domain.CommandAnswer)

	send := func(cmd domain.CommandType, p domain.Value) error {
		return ctl.SendControlCommand(ctx, domain.ControlCommand{Command: cmd, Parameter: p})
	}

	require.NoError(t, send(domain.CommandPlayNext, domain.Value{}))
	ps, err := ctl.GetAVPlaybackState()
	require.NoError(t, err)
	require.NotNil(t, ps.ActiveItemID)
	assert.Equal(t, int64(1), *ps.ActiveItemID)
	assert.Equal(t, domain.PlaybackPlay, ps.State)

	clock.Advance(3 * time.Second)
	require.NoError(t, send(domain.CommandPause, domain.Value{}))
	ps, err = ctl.GetAVPlaybackState()
	require.NoError(t, err)
	assert.Equal(t, domain.PlaybackPause, ps.State)
	assert.Equal(t, int64(3000), ps.Position.ElapsedTime)

	require.NoError(t, send(domain.CommandSeek, domain.NumberValue(12500)))
	require.NoError(t, send(domain.CommandSetSpeed, domain.NumberValue(1.5)))
	require.NoError(t, send(domain.CommandSetLoopMode, domain.StringValue("list")))
	require.NoError(t, send(domain.CommandToggleFavorite, domain.StringValue("asset-1")))
	ps, err = ctl.GetAVPlaybackState()
	require.NoError(t, err)
	assert.Equal(t, int64(12500), ps.Position.ElapsedTime)
	assert.Equal(t, 1.5, ps.Speed)
	assert.Equal(t, domain.LoopList, ps.LoopMode)
	assert.True(t, ps.IsFavorite)

	require.NoError(t, send(domain.CommandPlayPrevious, domain.Value{}))
	ps, err = ctl.GetAVPlaybackState()
	require.NoError(t, err)
	assert.Equal(t, int64(3), *ps.ActiveItemID)

	require.NoError(t, send(domain.CommandPlayFromAssetID, domain.NumberValue(2)))
	err = send(domain.CommandPlayFromAssetID, domain.NumberValue(9))
	assert.ErrorIs(t, err, domain.ErrInvalidCommand)

	require.NoError(t, send(domain.CommandStop, domain.Value{}))
	ps, err = ctl.GetAVPlaybackState()
	require.NoError(t, err)
	assert.Equal(t, domain.PlaybackStop, ps.State)
	assert.Equal(t, int64(2), *ps.ActiveItemID)
	assert.Zero(t, ps.Position.ElapsedTime)
}

func TestMirrorHandlersForCalls(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	h := activeSession(t, svc, "dialer", domain.SessionTypeVoiceCall)
	require.NoError(t, MirrorHandlers(h))
	ctl, err := h.GetController()
	require.NoError(t, err)

	require.NoError(t, ctl.SendControlCommand(ctx, domain.ControlCommand{Command: domain.CommandAnswer}))
	require.NoError(t, ctl.SendControlCommand(ctx, domain.ControlCommand{Command: domain.CommandToggleCallMute}))
	cs, err := ctl.GetAVCallState()
	require.NoError(t, err)
	assert.Equal(t, domain.AVCallState{State: domain.CallActive, Muted: true}, cs)

	require.NoError(t, ctl.SendControlCommand(ctx, domain.ControlCommand{Command: domain.CommandHangUp}))
	cs, err = ctl.GetAVCallState()
	require.NoError(t, err)
	assert.Equal(t, domain.CallIdle, cs.State)
}

func TestNeighbour(t *testing.T) {
	queue := []domain.AVQueueItem{{ItemID: 10}, {ItemID: 20}}
	id := func(v int64) *int64 { return &v }

	tests := []struct {
		name   string
		active *int64
		step   int
		wrap   bool
		want   int64
		ok     bool
	}{
		{"start at head", nil, 1, false, 10, true},
		{"no previous without active", nil, -1, false, 0, false},
		{"next", id(10), 1, false, 20, true},
		{"end of queue", id(20), 1, false, 0, false},
		{"wrap forward", id(20), 1, true, 10, true},
		{"wrap backward", id(10), -1, true, 20, true},
		{"unknown active", id(99), 1, false, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := neighbour(queue, tt.active, tt.step, tt.wrap)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}

	_, ok := neighbour(nil, nil, 1, true)
	assert.False(t, ok)
}
