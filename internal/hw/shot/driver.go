// Package shot drives a SIGMA-KOKI style two-axis stage controller over a
// serial line. Commands are ASCII lines terminated by CR/LF; every command
// is answered by exactly one line.
package shot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// readSlice bounds a single blocking Read so deadlines and cancellation are honored.
const readSlice = 50 * time.Millisecond

// Config holds the controller connection and unit settings.
type Config struct {
	PortName     string
	BaudRate     int
	Timeout      time.Duration // per-reply read timeout
	PollInterval time.Duration // readiness polling period during moves
	Acceleration time.Duration // ramp time sent with speed commands
	PulsesPerMM  float64
	Bounds       stage.Bounds

	// OnError receives errors CurrentPosition cannot return. Defaults to debug.Error.
	OnError stage.ErrorHandler
	// Open opens the port. Defaults to OpenSerial.
	Open Opener
}

// Driver implements stage.Driver for the serial controller.
type Driver struct {
	cfg  Config
	conv stage.Converter
	sm   stage.StateMachine

	ioMu    sync.Mutex // serializes command/reply exchanges
	port    Port
	pending []byte
}

var _ stage.Driver = (*Driver)(nil)

// New creates a disconnected driver.
func New(cfg Config) *Driver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Open == nil {
		cfg.Open = OpenSerial
	}
	if cfg.OnError == nil {
		cfg.OnError = debug.Error
	}
	return &Driver{
		cfg:  cfg,
		conv: stage.Converter{PulsesPerMM: cfg.PulsesPerMM},
	}
}

// Connect opens the serial line and confirms the controller answers.
func (d *Driver) Connect(ctx context.Context) error {
	d.ioMu.Lock()
	if d.port != nil {
		d.ioMu.Unlock()
		return nil
	}
	d.sm.Reset()
	d.sm.Set(stage.Connecting)
	debug.Info("Connecting to stage controller on %s (%d baud)", d.cfg.PortName, d.cfg.BaudRate)

	port, err := d.cfg.Open(d.cfg.PortName, d.cfg.BaudRate)
	if err != nil {
		d.sm.Reset()
		d.ioMu.Unlock()
		return fault.HardwareComm("connect", err)
	}
	if err := port.SetReadTimeout(min(readSlice, d.cfg.Timeout)); err != nil {
		_ = port.Close()
		d.sm.Reset()
		d.ioMu.Unlock()
		return fault.HardwareComm("connect", fmt.Errorf("set read timeout: %w", err))
	}
	d.port = port
	d.pending = nil
	d.ioMu.Unlock()

	busy, err := d.queryReady(ctx)
	if err != nil {
		_ = d.Close()
		return err
	}
	d.setBusy(busy)
	debug.Info("Stage controller connected (%s)", d.sm.Get())
	return nil
}

// Close releases the serial line.
func (d *Driver) Close() error {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	d.sm.Reset()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	d.pending = nil
	return err
}

// State returns the current controller state.
func (d *Driver) State() stage.State {
	return d.sm.Get()
}

// StartJog sets the jog speed and starts continuous motion along one axis.
func (d *Driver) StartJog(ctx context.Context, speed float64, degree int) error {
	const op = "start jog"
	dir, err := stage.DirectionForDegree(degree)
	if err != nil {
		return err
	}
	if speed <= 0 {
		return fault.Validation(op, "speed must be > 0, got %g", speed)
	}
	if err := d.confirmReady(ctx, op); err != nil {
		return err
	}

	slow, fast, ramp := speedProfile(d.conv.ToPulses(speed), int(d.cfg.Acceleration/time.Millisecond))
	if err := d.send(ctx, op, speedCommand(slow, fast, ramp)); err != nil {
		return err
	}
	if err := d.send(ctx, op, jogCommand(dir)); err != nil {
		return err
	}
	if err := d.send(ctx, op, cmdGo); err != nil {
		return err
	}
	d.sm.Set(stage.Busy)
	debug.Live("Jog %s at %.3f mm/s", dir, speed)
	return nil
}

// StopJog stops both axes. It is a no-op when disconnected.
func (d *Driver) StopJog(ctx context.Context) error {
	if !d.connected() {
		return nil
	}
	if err := d.send(ctx, "stop", cmdStopAll); err != nil {
		return err
	}
	debug.Live("Stop all axes")
	return nil
}

// IsMoving polls the controller's ready flag.
func (d *Driver) IsMoving(ctx context.Context) (bool, error) {
	if !d.connected() {
		return false, fault.Protocol("is moving", "controller not connected")
	}
	busy, err := d.queryReady(ctx)
	if err != nil {
		return false, err
	}
	d.setBusy(busy)
	return busy, nil
}

// MoveTo issues one relative pulse move covering both axes and blocks until
// the controller is ready, then checks the acknowledgement flags.
// Cancelling ctx while waiting stops the stage.
func (d *Driver) MoveTo(ctx context.Context, x, y float64, relative bool) error {
	const op = "move to"
	if err := d.confirmReady(ctx, op); err != nil {
		return err
	}
	if !d.IsValidMovement(ctx, x, y, relative) {
		return fault.Validation(op, "target (%.4f, %.4f) relative=%v is outside the travel bounds", x, y, relative)
	}

	var dx, dy int64
	if relative {
		dx, dy = d.conv.ToPulses(x), d.conv.ToPulses(y)
	} else {
		st, err := d.queryStatus(ctx)
		if err != nil {
			return err
		}
		dx = d.conv.ToPulses(x) - st.Pulses1
		dy = d.conv.ToPulses(y) - st.Pulses2
	}
	if dx == 0 && dy == 0 {
		return nil
	}

	debug.Move(x, y, relative)
	if err := d.send(ctx, op, moveCommand(dx, dy)); err != nil {
		return err
	}
	if err := d.send(ctx, op, cmdGo); err != nil {
		return err
	}
	d.sm.Set(stage.Busy)
	return d.waitReady(ctx, op)
}

// CurrentPosition queries absolute pulses and converts them to mm.
func (d *Driver) CurrentPosition(ctx context.Context) stage.Position {
	if !d.connected() {
		d.cfg.OnError(fault.Protocol("current position", "controller not connected"))
		return stage.Position{}
	}
	st, err := d.queryStatus(ctx)
	if err != nil {
		d.cfg.OnError(fmt.Errorf("current position: %w", err))
		return stage.Position{}
	}
	return stage.Position{X: d.conv.ToMM(st.Pulses1), Y: d.conv.ToMM(st.Pulses2)}
}

// IsValidMovement checks the target against the configured bounds.
func (d *Driver) IsValidMovement(ctx context.Context, x, y float64, relative bool) bool {
	return stage.ValidTarget(ctx, d, d.cfg.Bounds, x, y, relative)
}

// Home sends both axes to their mechanical origin and waits for completion.
func (d *Driver) Home(ctx context.Context) error {
	const op = "home"
	if err := d.confirmReady(ctx, op); err != nil {
		return err
	}
	debug.Live("Homing both axes")
	if err := d.send(ctx, op, cmdHomeAll); err != nil {
		return err
	}
	d.sm.Set(stage.Busy)
	return d.waitReady(ctx, op)
}

// ClearFault stops both axes and leaves Faulted once a status query succeeds.
// A limit sensor that is still engaged must be driven off with a jog.
func (d *Driver) ClearFault(ctx context.Context) error {
	const op = "clear fault"
	if !d.connected() {
		return fault.Protocol(op, "controller not connected")
	}
	if d.sm.Get() != stage.Faulted {
		return nil
	}
	if err := d.send(ctx, op, cmdStopAll); err != nil {
		return err
	}
	st, err := d.queryStatus(ctx)
	if err != nil {
		return err
	}
	d.sm.Clear()
	d.setBusy(st.Busy)
	debug.Info("Stage fault cleared (limit=%s)", st.Limit)
	return nil
}

func (d *Driver) connected() bool {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	return d.port != nil
}

func (d *Driver) setBusy(busy bool) {
	if busy {
		d.sm.Set(stage.Busy)
	} else {
		d.sm.Set(stage.Ready)
	}
}

// confirmReady fails fast on a faulted or disconnected controller, then asks
// the controller itself whether it is ready.
func (d *Driver) confirmReady(ctx context.Context, op string) error {
	if err := d.sm.Connected(op); err != nil {
		return err
	}
	busy, err := d.queryReady(ctx)
	if err != nil {
		return err
	}
	d.setBusy(busy)
	if busy {
		return fault.Protocol(op, "busy")
	}
	return nil
}

// waitReady polls !: until the controller is ready, then checks Q: for a
// command error or a tripped limit sensor.
func (d *Driver) waitReady(ctx context.Context, op string) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return d.abort(ctx, op)
		case <-ticker.C:
		}

		busy, err := d.queryReady(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return d.abort(ctx, op)
			}
			return err
		}
		if !busy {
			break
		}
	}

	st, err := d.queryStatus(ctx)
	if err != nil {
		return err
	}
	if st.CommandError {
		ferr := fault.Protocol(op, "controller reported a command error")
		d.sm.Fault(ferr)
		return ferr
	}
	if st.Limit != stage.LimitNone {
		ferr := fault.Protocol(op, "limit sensor tripped on %s", st.Limit)
		d.sm.Fault(ferr)
		return ferr
	}
	d.setBusy(st.Busy)
	return nil
}

// abort stops the stage after ctx was cancelled mid-move.
func (d *Driver) abort(ctx context.Context, op string) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()
	if err := d.send(stopCtx, op, cmdStopAll); err != nil {
		debug.Error(fmt.Errorf("stop after cancel: %w", err))
	}
	return ctx.Err()
}

func (d *Driver) queryReady(ctx context.Context) (bool, error) {
	reply, err := d.exchange(ctx, cmdReady)
	if err != nil {
		return false, err
	}
	return parseReady(reply)
}

func (d *Driver) queryStatus(ctx context.Context) (Status, error) {
	reply, err := d.exchange(ctx, cmdStatus)
	if err != nil {
		return Status{}, err
	}
	return parseStatus(reply)
}

// send issues a command and checks its OK/NG acknowledgement.
func (d *Driver) send(ctx context.Context, op, cmd string) error {
	reply, err := d.exchange(ctx, cmd)
	if err != nil {
		return err
	}
	return checkAck(op, cmd, reply)
}

// exchange writes one command line and reads one reply line.
func (d *Driver) exchange(ctx context.Context, cmd string) (string, error) {
	d.ioMu.Lock()
	defer d.ioMu.Unlock()
	if d.port == nil {
		return "", fault.Protocol(cmd, "controller not connected")
	}

	debug.Serial(">", cmd)
	if _, err := d.port.Write([]byte(cmd + lineEnd)); err != nil {
		return "", fault.HardwareComm("write "+cmd, err)
	}
	reply, err := d.readLine(ctx)
	if err != nil {
		return "", fault.HardwareComm("read reply to "+cmd, err)
	}
	debug.Serial("<", reply)
	return reply, nil
}

var errReadTimeout = errors.New("timed out waiting for reply")

// readLine returns the next non-empty line. Caller holds ioMu.
func (d *Driver) readLine(ctx context.Context) (string, error) {
	deadline := time.Now().Add(d.cfg.Timeout)
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(d.pending, '\n'); i >= 0 {
			line := string(bytes.TrimRight(d.pending[:i], "\r"))
			d.pending = d.pending[i+1:]
			if line == "" {
				continue
			}
			return line, nil
		}
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if time.Now().After(deadline) {
			return "", errReadTimeout
		}
		n, err := d.port.Read(buf)
		if n > 0 {
			d.pending = append(d.pending, buf[:n]...)
		}
		if err != nil {
			return "", err
		}
	}
}
