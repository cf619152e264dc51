package shot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// fakeController emulates the controller on the other end of the serial line.
// Each written command line immediately queues its reply.
type fakeController struct {
	mu sync.Mutex

	out      bytes.Buffer
	in       bytes.Buffer
	commands []string

	pos        [2]int64
	pending    [2]int64
	busyPolls  int // number of !: polls answered B after each G:
	busyLeft   int
	limitAck   string
	commandErr bool
	reject     string // command prefix answered with NG
	silent     bool   // never answer
	closed     bool
}

var movePattern = regexp.MustCompile(`^M:W([+-])P(\d+)([+-])P(\d+)$`)

func newFakeController() *fakeController {
	return &fakeController{limitAck: "K"}
}

func (f *fakeController) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.out.Len() > 0 {
		defer f.mu.Unlock()
		return f.out.Read(p)
	}
	f.mu.Unlock()
	time.Sleep(time.Millisecond) // behave like a read timeout
	return 0, nil
}

func (f *fakeController) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.in.Write(p)
	for {
		line, err := f.in.ReadString('\n')
		if err != nil {
			// incomplete line, keep it for the next write
			f.in.Reset()
			f.in.WriteString(line)
			break
		}
		f.handle(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (f *fakeController) handle(cmd string) {
	f.commands = append(f.commands, cmd)
	if f.silent {
		return
	}
	reply := "OK"
	switch {
	case f.reject != "" && strings.HasPrefix(cmd, f.reject):
		reply = "NG"
	case cmd == "!:":
		reply = "R"
		if f.busyLeft > 0 {
			f.busyLeft--
			reply = "B"
		}
	case cmd == "Q:":
		ack1 := "K"
		if f.commandErr {
			ack1 = "X"
		}
		ack3 := "R"
		if f.busyLeft > 0 {
			ack3 = "B"
		}
		reply = fmt.Sprintf("%10d,%10d,%s,%s,%s", f.pos[0], f.pos[1], ack1, f.limitAck, ack3)
	case strings.HasPrefix(cmd, "M:W"):
		m := movePattern.FindStringSubmatch(cmd)
		if m == nil {
			reply = "NG"
			break
		}
		f.pending[0] = signed(m[1], m[2])
		f.pending[1] = signed(m[3], m[4])
	case cmd == "G:":
		f.pos[0] += f.pending[0]
		f.pos[1] += f.pending[1]
		f.pending = [2]int64{}
		f.busyLeft = f.busyPolls
	case cmd == "H:W":
		f.pos = [2]int64{}
		f.busyLeft = f.busyPolls
	case cmd == "L:W":
		f.busyLeft = 0
	}
	f.out.WriteString(reply + "\r\n")
}

func signed(sign, digits string) int64 {
	v, _ := strconv.ParseInt(digits, 10, 64)
	if sign == "-" {
		return -v
	}
	return v
}

func (f *fakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeController) SetReadTimeout(time.Duration) error { return nil }

func (f *fakeController) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeController) count(cmd string) int {
	n := 0
	for _, c := range f.sent() {
		if c == cmd {
			n++
		}
	}
	return n
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) handle(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *errorLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func newTestDriver(t *testing.T, ctrl *fakeController) (*Driver, *errorLog) {
	t.Helper()
	errs := &errorLog{}
	d := New(Config{
		PortName:     "/dev/fake",
		BaudRate:     38400,
		Timeout:      200 * time.Millisecond,
		PollInterval: time.Millisecond,
		Acceleration: 100 * time.Millisecond,
		PulsesPerMM:  500,
		Bounds:       stage.Bounds{MinX: 0, MaxX: 100, MinY: -100, MaxY: 0},
		OnError:      errs.handle,
		Open: func(name string, baud int) (Port, error) {
			return ctrl, nil
		},
	})
	return d, errs
}

func connected(t *testing.T, ctrl *fakeController) (*Driver, *errorLog) {
	t.Helper()
	d, errs := newTestDriver(t, ctrl)
	require.NoError(t, d.Connect(context.Background()))
	t.Cleanup(func() { _ = d.Close() })
	return d, errs
}

func TestConnect_Ready(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)
	assert.Equal(t, stage.Ready, d.State())
	assert.Equal(t, []string{"!:"}, ctrl.sent())
}

func TestConnect_OpenFailure(t *testing.T) {
	d := New(Config{
		PulsesPerMM: 500,
		Open: func(string, int) (Port, error) {
			return nil, errors.New("no such device")
		},
	})
	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, fault.ErrHardwareComm)
	assert.Equal(t, stage.Disconnected, d.State())
}

func TestConnect_SilentControllerTimesOut(t *testing.T) {
	ctrl := newFakeController()
	ctrl.silent = true
	d, _ := newTestDriver(t, ctrl)
	err := d.Connect(context.Background())
	assert.ErrorIs(t, err, fault.ErrHardwareComm)
	assert.Equal(t, stage.Disconnected, d.State())
	assert.True(t, ctrl.closed)
}

func TestMoveTo_AbsoluteConvertsAndPolls(t *testing.T) {
	ctrl := newFakeController()
	ctrl.busyPolls = 3
	d, _ := connected(t, ctrl)

	require.NoError(t, d.MoveTo(context.Background(), 1.5, -2, false))

	sent := ctrl.sent()
	assert.Contains(t, sent, "M:W+P750-P1000")
	assert.Contains(t, sent, "G:")
	// readiness is polled until the controller stops answering B
	assert.GreaterOrEqual(t, ctrl.count("!:"), 1+1+3+1)
	assert.Equal(t, stage.Ready, d.State())
	assert.Equal(t, stage.Position{X: 1.5, Y: -2}, d.CurrentPosition(context.Background()))
}

func TestMoveTo_RelativeUsesOffset(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pos = [2]int64{5000, -5000}
	d, _ := connected(t, ctrl)

	require.NoError(t, d.MoveTo(context.Background(), -1, 0.5, true))
	assert.Contains(t, ctrl.sent(), "M:W-P500+P250")
	assert.Equal(t, stage.Position{X: 9, Y: -9.5}, d.CurrentPosition(context.Background()))
}

func TestMoveTo_NoopWhenAlreadyThere(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)
	require.NoError(t, d.MoveTo(context.Background(), 0, 0, false))
	assert.Zero(t, ctrl.count("G:"))
}

func TestMoveTo_OutOfBoundsRejectedBeforeCommand(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)
	err := d.MoveTo(context.Background(), 150, -1, false)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Zero(t, ctrl.count("G:"))
}

func TestMoveTo_LimitSensorFaults(t *testing.T) {
	ctrl := newFakeController()
	ctrl.limitAck = "M"
	d, _ := connected(t, ctrl)

	err := d.MoveTo(context.Background(), 1, -1, false)
	require.ErrorIs(t, err, fault.ErrProtocol)
	assert.Contains(t, err.Error(), "axis 2")
	assert.Equal(t, stage.Faulted, d.State())

	// faulted controller fails fast without issuing a move
	moves := ctrl.count("G:")
	err = d.MoveTo(context.Background(), 2, -2, false)
	assert.ErrorIs(t, err, fault.ErrProtocol)
	assert.Equal(t, moves, ctrl.count("G:"))

	ctrl.mu.Lock()
	ctrl.limitAck = "K"
	ctrl.mu.Unlock()
	require.NoError(t, d.ClearFault(context.Background()))
	assert.Equal(t, stage.Ready, d.State())
	require.NoError(t, d.MoveTo(context.Background(), 2, -2, false))
}

func TestMoveTo_CommandErrorFaults(t *testing.T) {
	ctrl := newFakeController()
	ctrl.commandErr = true
	d, _ := connected(t, ctrl)
	err := d.MoveTo(context.Background(), 1, -1, false)
	assert.ErrorIs(t, err, fault.ErrProtocol)
	assert.Equal(t, stage.Faulted, d.State())
}

func TestMoveTo_RejectedCommand(t *testing.T) {
	ctrl := newFakeController()
	ctrl.reject = "M:"
	d, _ := connected(t, ctrl)
	err := d.MoveTo(context.Background(), 1, -1, false)
	assert.ErrorIs(t, err, fault.ErrProtocol)
	assert.Zero(t, ctrl.count("G:"))
}

func TestMoveTo_CancelStopsStage(t *testing.T) {
	ctrl := newFakeController()
	ctrl.busyPolls = 1 << 30
	d, _ := connected(t, ctrl)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := d.MoveTo(ctx, 10, -10, false)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, "L:W", ctrl.sent()[len(ctrl.sent())-1])
}

func TestStartJog(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)

	require.NoError(t, d.StartJog(context.Background(), 1, 90))
	sent := ctrl.sent()
	require.Len(t, sent, 5)
	assert.Equal(t, "!:", sent[1])
	assert.Equal(t, "D:WS50F500R100S50F500R100", sent[2])
	assert.Equal(t, "J:2+", sent[3])
	assert.Equal(t, "G:", sent[4])
	assert.Equal(t, stage.Busy, d.State())

	require.NoError(t, d.StopJog(context.Background()))
	require.NoError(t, d.StopJog(context.Background()))
	assert.Equal(t, 2, ctrl.count("L:W"))
}

func TestStartJog_InvalidDegree(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)
	before := len(ctrl.sent())
	err := d.StartJog(context.Background(), 1, 45)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.Len(t, ctrl.sent(), before)
}

func TestStartJog_BusyController(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)
	ctrl.mu.Lock()
	ctrl.busyLeft = 5
	ctrl.mu.Unlock()

	err := d.StartJog(context.Background(), 1, 0)
	require.ErrorIs(t, err, fault.ErrProtocol)
	assert.Contains(t, err.Error(), "busy")
	assert.Zero(t, ctrl.count("G:"))
}

func TestStartJog_Disconnected(t *testing.T) {
	d, _ := newTestDriver(t, newFakeController())
	assert.ErrorIs(t, d.StartJog(context.Background(), 1, 0), fault.ErrProtocol)
}

func TestCurrentPosition_FailureReportsAndReturnsZero(t *testing.T) {
	d, errs := newTestDriver(t, newFakeController())
	pos := d.CurrentPosition(context.Background())
	assert.Equal(t, stage.Position{}, pos)
	assert.Equal(t, 1, errs.len())
}

func TestIsValidMovement(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pos = [2]int64{50 * 500, -50 * 500}
	d, _ := connected(t, ctrl)
	ctx := context.Background()

	assert.True(t, d.IsValidMovement(ctx, 100, -100, false))
	assert.True(t, d.IsValidMovement(ctx, 0, 0, false))
	assert.False(t, d.IsValidMovement(ctx, 100.01, -1, false))
	assert.True(t, d.IsValidMovement(ctx, 50, -50, true))
	assert.False(t, d.IsValidMovement(ctx, 51, 0, true))
	assert.False(t, d.IsValidMovement(ctx, 0, 51, true))
}

func TestHome(t *testing.T) {
	ctrl := newFakeController()
	ctrl.pos = [2]int64{1234, -99}
	ctrl.busyPolls = 2
	d, _ := connected(t, ctrl)
	require.NoError(t, d.Home(context.Background()))
	assert.Equal(t, stage.Position{}, d.CurrentPosition(context.Background()))
}

func TestIsMoving(t *testing.T) {
	ctrl := newFakeController()
	d, _ := connected(t, ctrl)
	ctrl.mu.Lock()
	ctrl.busyLeft = 1
	ctrl.mu.Unlock()

	moving, err := d.IsMoving(context.Background())
	require.NoError(t, err)
	assert.True(t, moving)
	moving, err = d.IsMoving(context.Background())
	require.NoError(t, err)
	assert.False(t, moving)
}

func TestClose_ReturnsToDisconnected(t *testing.T) {
	ctrl := newFakeController()
	d, _ := newTestDriver(t, ctrl)
	require.NoError(t, d.Connect(context.Background()))
	require.NoError(t, d.Close())
	assert.Equal(t, stage.Disconnected, d.State())
	assert.True(t, ctrl.closed)
}
