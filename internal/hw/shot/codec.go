package shot

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Command words of the SHOT two-axis controller language.
const (
	lineEnd = "\r\n"

	cmdReady   = "!:"  // R ready / B busy
	cmdStatus  = "Q:"  // pulses + acknowledgements
	cmdGo      = "G:"  // execute the pending M or J command
	cmdStopAll = "L:W" // decelerate and stop both axes
	cmdHomeAll = "H:W" // mechanical origin on both axes

	replyOK = "OK"
	replyNG = "NG"
)

// Controller limits for the D: speed command.
const (
	maxPulseRate = 500000
	maxRampMs    = 1000
)

// Status is the decoded reply to Q:.
type Status struct {
	Pulses1      int64
	Pulses2      int64
	CommandError bool
	Limit        stage.Limit
	Busy         bool
}

func signOf(v int64) (string, int64) {
	if v < 0 {
		return "-", -v
	}
	return "+", v
}

// moveCommand encodes a relative move of both axes, e.g. M:W+P1000-P250.
func moveCommand(dx, dy int64) string {
	sx, ax := signOf(dx)
	sy, ay := signOf(dy)
	return fmt.Sprintf("M:W%sP%d%sP%d", sx, ax, sy, ay)
}

// jogCommand encodes continuous motion of one axis, e.g. J:1+.
func jogCommand(d stage.Direction) string {
	sign := "+"
	if !d.Positive {
		sign = "-"
	}
	return fmt.Sprintf("J:%d%s", d.Axis, sign)
}

// speedCommand sets the same slow/fast/ramp profile on both axes.
func speedCommand(slow, fast int64, rampMs int) string {
	return fmt.Sprintf("D:WS%dF%dR%dS%dF%dR%d", slow, fast, rampMs, slow, fast, rampMs)
}

// speedProfile derives controller speed parameters from a jog speed in pulses/s.
func speedProfile(fast int64, rampMs int) (int64, int64, int) {
	if fast < 1 {
		fast = 1
	}
	if fast > maxPulseRate {
		fast = maxPulseRate
	}
	slow := fast / 10
	if slow < 1 {
		slow = 1
	}
	if rampMs < 0 {
		rampMs = 0
	}
	if rampMs > maxRampMs {
		rampMs = maxRampMs
	}
	return slow, fast, rampMs
}

// checkAck validates the OK/NG reply every non-query command produces.
func checkAck(op, cmd, reply string) error {
	switch strings.TrimSpace(reply) {
	case replyOK:
		return nil
	case replyNG:
		return fault.Protocol(op, "controller rejected %q", cmd)
	default:
		return fault.Protocol(op, "unexpected reply %q to %q", reply, cmd)
	}
}

// parseReady decodes the reply to !:.
func parseReady(reply string) (busy bool, err error) {
	switch strings.TrimSpace(reply) {
	case "R":
		return false, nil
	case "B":
		return true, nil
	default:
		return false, fault.Protocol("status", "unexpected ready reply %q", reply)
	}
}

// parseStatus decodes "p1,p2,ack1,ack2,ack3". Pulse fields may be padded
// with spaces, including between the sign and the digits.
func parseStatus(reply string) (Status, error) {
	fields := strings.Split(strings.TrimSpace(reply), ",")
	if len(fields) != 5 {
		return Status{}, fault.Protocol("status", "expected 5 fields, got %d in %q", len(fields), reply)
	}
	var st Status
	var err error
	if st.Pulses1, err = parsePulses(fields[0]); err != nil {
		return Status{}, fault.Protocol("status", "axis 1 position %q: %v", fields[0], err)
	}
	if st.Pulses2, err = parsePulses(fields[1]); err != nil {
		return Status{}, fault.Protocol("status", "axis 2 position %q: %v", fields[1], err)
	}

	switch strings.TrimSpace(fields[2]) {
	case "K":
	case "X":
		st.CommandError = true
	default:
		return Status{}, fault.Protocol("status", "unknown command ack %q", fields[2])
	}

	switch strings.TrimSpace(fields[3]) {
	case "K":
		st.Limit = stage.LimitNone
	case "L":
		st.Limit = stage.LimitAxis1
	case "M":
		st.Limit = stage.LimitAxis2
	case "W":
		st.Limit = stage.LimitBoth
	default:
		return Status{}, fault.Protocol("status", "unknown limit ack %q", fields[3])
	}

	switch strings.TrimSpace(fields[4]) {
	case "R":
	case "B":
		st.Busy = true
	default:
		return Status{}, fault.Protocol("status", "unknown busy ack %q", fields[4])
	}
	return st, nil
}

func parsePulses(s string) (int64, error) {
	return strconv.ParseInt(strings.ReplaceAll(s, " ", ""), 10, 64)
}
