package shot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

func TestMoveCommand(t *testing.T) {
	assert.Equal(t, "M:W+P1000-P250", moveCommand(1000, -250))
	assert.Equal(t, "M:W-P1+P0", moveCommand(-1, 0))
}

func TestJogCommand(t *testing.T) {
	assert.Equal(t, "J:1+", jogCommand(stage.Direction{Axis: stage.Axis1, Positive: true}))
	assert.Equal(t, "J:2-", jogCommand(stage.Direction{Axis: stage.Axis2, Positive: false}))
}

func TestSpeedProfile_Clamps(t *testing.T) {
	slow, fast, ramp := speedProfile(0, -5)
	assert.Equal(t, int64(1), slow)
	assert.Equal(t, int64(1), fast)
	assert.Equal(t, 0, ramp)

	slow, fast, ramp = speedProfile(10_000_000, 5000)
	assert.Equal(t, int64(maxPulseRate/10), slow)
	assert.Equal(t, int64(maxPulseRate), fast)
	assert.Equal(t, maxRampMs, ramp)

	assert.Equal(t, "D:WS50F500R100S50F500R100", speedCommand(50, 500, 100))
}

func TestParseReady(t *testing.T) {
	busy, err := parseReady("B")
	require.NoError(t, err)
	assert.True(t, busy)

	busy, err = parseReady(" R ")
	require.NoError(t, err)
	assert.False(t, busy)

	_, err = parseReady("OK")
	assert.ErrorIs(t, err, fault.ErrProtocol)
}

func TestParseStatus(t *testing.T) {
	cases := []struct {
		name  string
		reply string
		want  Status
	}{
		{
			name:  "ready",
			reply: "      1000,     -2500,K,K,R",
			want:  Status{Pulses1: 1000, Pulses2: -2500},
		},
		{
			name:  "sign_separated_from_digits",
			reply: "-      1000,+       20,K,K,B",
			want:  Status{Pulses1: -1000, Pulses2: 20, Busy: true},
		},
		{
			name:  "command_error",
			reply: "0,0,X,K,R",
			want:  Status{CommandError: true},
		},
		{
			name:  "limit_axis1",
			reply: "0,0,K,L,R",
			want:  Status{Limit: stage.LimitAxis1},
		},
		{
			name:  "limit_axis2",
			reply: "0,0,K,M,R",
			want:  Status{Limit: stage.LimitAxis2},
		},
		{
			name:  "limit_both",
			reply: "0,0,K,W,R",
			want:  Status{Limit: stage.LimitBoth},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseStatus(tc.reply)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestParseStatus_Malformed(t *testing.T) {
	for _, reply := range []string{
		"",
		"1,2,K,K",
		"a,2,K,K,R",
		"1,2,Z,K,R",
		"1,2,K,Q,R",
		"1,2,K,K,?",
	} {
		_, err := parseStatus(reply)
		assert.ErrorIs(t, err, fault.ErrProtocol, "reply %q", reply)
	}
}

func TestCheckAck(t *testing.T) {
	assert.NoError(t, checkAck("move", "G:", "OK"))
	assert.ErrorIs(t, checkAck("move", "G:", "NG"), fault.ErrProtocol)
	assert.ErrorIs(t, checkAck("move", "G:", "??"), fault.ErrProtocol)
}
