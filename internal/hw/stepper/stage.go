package stepper

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/gpio"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// AxisConfig is one motor plus its optional limit switch.
// The switch sits at the home corner: MinX for axis 1, MaxY for axis 2.
type AxisConfig struct {
	Motor    Config
	LimitPin int // HIGH = tripped. 0 = no switch.
}

// StageConfig describes a two-motor XY stage.
type StageConfig struct {
	X, Y        AxisConfig
	PulsesPerMM float64
	Bounds      stage.Bounds
	Start       stage.Position // assumed position at Connect; the motors have no encoder
	OnError     stage.ErrorHandler
}

// Stage is a stage.Driver over two STEP/DIR drivers. Moves run axis 1 then
// axis 2; position is dead-reckoned from the pulses actually emitted.
type Stage struct {
	cfg  StageConfig
	conv stage.Converter
	gpio gpio.Driver
	x, y *Stepper
	sm   stage.StateMachine

	motion sync.Mutex // one physical motion at a time

	mu      sync.Mutex
	pulses  [2]int64
	jogStop context.CancelFunc
	jogDone chan struct{}
}

var _ stage.Driver = (*Stage)(nil)

// NewStage wires two steppers on g. Nothing moves until Connect.
func NewStage(g gpio.Driver, cfg StageConfig) *Stage {
	if cfg.PulsesPerMM <= 0 {
		cfg.PulsesPerMM = 500
	}
	if cfg.OnError == nil {
		cfg.OnError = func(err error) { debug.Error(err) }
	}
	return &Stage{
		cfg:  cfg,
		conv: stage.Converter{PulsesPerMM: cfg.PulsesPerMM},
		gpio: g,
		x:    NewStepper(g, cfg.X.Motor),
		y:    NewStepper(g, cfg.Y.Motor),
	}
}

// Connect configures the limit inputs and refuses to start on a pressed switch.
func (s *Stage) Connect(ctx context.Context) error {
	const op = "connect"
	s.sm.Reset()
	s.sm.Set(stage.Connecting)
	for _, pin := range []int{s.cfg.X.LimitPin, s.cfg.Y.LimitPin} {
		if pin <= 0 {
			continue
		}
		if err := s.gpio.SetupPin(pin, gpio.Input); err != nil {
			s.sm.Reset()
			return fault.HardwareComm(op, err)
		}
	}
	start := s.cfg.Bounds.Clamp(s.cfg.Start)
	s.mu.Lock()
	s.pulses = [2]int64{s.conv.ToPulses(start.X), s.conv.ToPulses(start.Y)}
	s.mu.Unlock()

	_ = s.x.Enable()
	_ = s.y.Enable()
	s.sm.Set(stage.Ready)
	if l := s.limits(); l != stage.LimitNone {
		err := fault.Protocol(op, "limit sensor tripped on %s", l)
		s.sm.Fault(err)
		return err
	}
	debug.Info("Stepper stage ready at (%.3f, %.3f) mm", start.X, start.Y)
	return nil
}

// Close stops any jog and releases the motors. The GPIO driver stays open.
func (s *Stage) Close() error {
	_ = s.StopJog(context.Background())
	_ = s.x.Disable()
	_ = s.y.Disable()
	s.sm.Reset()
	return nil
}

// State returns the current state.
func (s *Stage) State() stage.State {
	return s.sm.Get()
}

func (s *Stage) tripped(pin int) bool {
	if pin <= 0 {
		return false
	}
	level, err := s.gpio.ReadPin(pin)
	if err != nil {
		s.cfg.OnError(fault.HardwareComm("read limit", err))
		return true
	}
	return level == gpio.High
}

func (s *Stage) limits() stage.Limit {
	x, y := s.tripped(s.cfg.X.LimitPin), s.tripped(s.cfg.Y.LimitPin)
	switch {
	case x && y:
		return stage.LimitBoth
	case x:
		return stage.LimitAxis1
	case y:
		return stage.LimitAxis2
	}
	return stage.LimitNone
}

// towardSwitch reports whether stepping in sign's direction on axis approaches its limit switch.
func towardSwitch(axis stage.Axis, sign int) bool {
	if axis == stage.Axis1 {
		return sign < 0
	}
	return sign > 0
}

// step runs n signed steps on axis and books them. It returns limit=true when
// the switch stopped the run early.
func (s *Stage) step(ctx context.Context, axis stage.Axis, n int, delay time.Duration) (limit bool, err error) {
	if n == 0 {
		return false, nil
	}
	m, pin := s.x, s.cfg.X.LimitPin
	if axis == stage.Axis2 {
		m, pin = s.y, s.cfg.Y.LimitPin
	}
	sign := 1
	if n < 0 {
		sign = -1
	}
	var hit bool
	var halt func() bool
	if towardSwitch(axis, sign) && pin > 0 {
		halt = func() bool {
			hit = s.tripped(pin)
			return hit
		}
	}
	done, err := m.Run(ctx, n, delay, halt)
	s.mu.Lock()
	s.pulses[axis-1] += int64(done)
	s.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		return hit, fault.HardwareComm("step", err)
	}
	return hit, err
}

// StartJog steps continuously toward the bound in the heading's direction
// until StopJog, the bound or a limit switch.
func (s *Stage) StartJog(ctx context.Context, speed float64, degree int) error {
	const op = "start jog"
	dir, err := stage.DirectionForDegree(degree)
	if err != nil {
		return err
	}
	if speed <= 0 {
		return fault.Validation(op, "speed must be > 0, got %g", speed)
	}
	if err := s.sm.RequireReady(op); err != nil {
		return err
	}
	if !s.motion.TryLock() {
		return fault.Protocol(op, "busy")
	}

	ux, uy := dir.Unit()
	pos := s.CurrentPosition(ctx)
	var travel float64
	switch {
	case ux > 0:
		travel = s.cfg.Bounds.MaxX - pos.X
	case ux < 0:
		travel = pos.X - s.cfg.Bounds.MinX
	case uy > 0:
		travel = s.cfg.Bounds.MaxY - pos.Y
	default:
		travel = pos.Y - s.cfg.Bounds.MinY
	}
	n := int(s.conv.ToPulses(math.Max(travel, 0)))
	if !dir.Positive {
		n = -n
	}
	delay := time.Duration(float64(time.Second) / (2 * speed * s.cfg.PulsesPerMM))

	jogCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	s.mu.Lock()
	s.jogStop, s.jogDone = cancel, done
	s.mu.Unlock()
	s.sm.Set(stage.Busy)
	debug.Live("Stepper jog %s at %.3f mm/s", dir, speed)

	go func() {
		defer close(done)
		defer s.motion.Unlock()
		limit, err := s.step(jogCtx, dir.Axis, n, delay)
		switch {
		case limit:
			cause := fault.Protocol(op, "limit sensor tripped on %s", s.limits())
			s.sm.Fault(cause)
			s.cfg.OnError(cause)
		case err != nil && !errors.Is(err, context.Canceled):
			s.sm.Fault(err)
			s.cfg.OnError(err)
		default:
			s.sm.Set(stage.Ready)
		}
	}()
	return nil
}

// StopJog halts a running jog and waits for the motor to stop. Idempotent.
func (s *Stage) StopJog(ctx context.Context) error {
	s.mu.Lock()
	stop, done := s.jogStop, s.jogDone
	s.jogStop, s.jogDone = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	stop()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsMoving reports whether a jog or move is running.
func (s *Stage) IsMoving(ctx context.Context) (bool, error) {
	if st := s.sm.Get(); st == stage.Disconnected || st == stage.Connecting {
		return false, fault.Protocol("is moving", "controller not connected")
	}
	return s.sm.Get() == stage.Busy, nil
}

// MoveTo steps axis 1 then axis 2 to the target and returns once both stop.
func (s *Stage) MoveTo(ctx context.Context, x, y float64, relative bool) error {
	const op = "move to"
	if err := s.sm.RequireReady(op); err != nil {
		return err
	}
	if !s.motion.TryLock() {
		return fault.Protocol(op, "busy")
	}
	defer s.motion.Unlock()

	target := stage.Position{X: x, Y: y}
	if relative {
		cur := s.CurrentPosition(ctx)
		target.X += cur.X
		target.Y += cur.Y
	}
	if !s.cfg.Bounds.Contains(target.X, target.Y) {
		return fault.Validation(op, "target (%.4f, %.4f) is outside the travel bounds", target.X, target.Y)
	}
	debug.Move(x, y, relative)

	s.mu.Lock()
	dx := s.conv.ToPulses(target.X) - s.pulses[0]
	dy := s.conv.ToPulses(target.Y) - s.pulses[1]
	s.mu.Unlock()

	s.sm.Set(stage.Busy)
	for _, leg := range []struct {
		axis stage.Axis
		n    int64
	}{{stage.Axis1, dx}, {stage.Axis2, dy}} {
		limit, err := s.step(ctx, leg.axis, int(leg.n), 0)
		if limit {
			cause := fault.Protocol(op, "limit sensor tripped on %s", s.limits())
			s.sm.Fault(cause)
			return cause
		}
		if err != nil {
			s.sm.Set(stage.Ready)
			return err
		}
	}
	s.sm.Set(stage.Ready)
	return nil
}

// CurrentPosition returns the dead-reckoned position.
func (s *Stage) CurrentPosition(ctx context.Context) stage.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stage.Position{X: s.conv.ToMM(s.pulses[0]), Y: s.conv.ToMM(s.pulses[1])}
}

// IsValidMovement checks the target against the bounds.
func (s *Stage) IsValidMovement(ctx context.Context, x, y float64, relative bool) bool {
	return stage.ValidTarget(ctx, s, s.cfg.Bounds, x, y, relative)
}

// Home seeks each axis that has a switch until it trips and re-zeroes that
// axis at the home corner (MinX, MaxY). Axes without a switch are moved there
// by dead reckoning.
func (s *Stage) Home(ctx context.Context) error {
	const op = "home"
	if err := s.sm.RequireReady(op); err != nil {
		return err
	}
	if !s.motion.TryLock() {
		return fault.Protocol(op, "busy")
	}
	defer s.motion.Unlock()
	s.sm.Set(stage.Busy)

	home := [2]float64{s.cfg.Bounds.MinX, s.cfg.Bounds.MaxY}
	span := [2]float64{s.cfg.Bounds.MaxX - s.cfg.Bounds.MinX, s.cfg.Bounds.MaxY - s.cfg.Bounds.MinY}
	pins := [2]int{s.cfg.X.LimitPin, s.cfg.Y.LimitPin}
	for i, axis := range []stage.Axis{stage.Axis1, stage.Axis2} {
		sign := -1
		if axis == stage.Axis2 {
			sign = 1
		}
		var n int
		if pins[i] > 0 {
			// Over-travel by 10% so a stage that starts past its bound still finds the switch.
			n = sign * int(s.conv.ToPulses(span[i]*1.1))
		} else {
			s.mu.Lock()
			n = int(s.conv.ToPulses(home[i]) - s.pulses[i])
			s.mu.Unlock()
		}
		limit, err := s.step(ctx, axis, n, 0)
		if err != nil {
			s.sm.Set(stage.Ready)
			return err
		}
		if pins[i] > 0 && !limit {
			cause := fault.Protocol(op, "home switch not found on %s", stage.Limit(axis))
			s.sm.Fault(cause)
			return cause
		}
		s.mu.Lock()
		s.pulses[i] = s.conv.ToPulses(home[i])
		s.mu.Unlock()
	}
	debug.Info("Stepper stage homed at (%.3f, %.3f) mm", home[0], home[1])
	s.sm.Set(stage.Ready)
	return nil
}

// ClearFault backs every pressed switch off by up to 1 mm, then leaves Faulted.
func (s *Stage) ClearFault(ctx context.Context) error {
	const op = "clear fault"
	if st := s.sm.Get(); st == stage.Disconnected || st == stage.Connecting {
		return fault.Protocol(op, "controller not connected")
	}
	if !s.motion.TryLock() {
		return fault.Protocol(op, "busy")
	}
	defer s.motion.Unlock()

	backoff := int(s.conv.ToPulses(1))
	for _, a := range []struct {
		axis stage.Axis
		pin  int
		away int
	}{{stage.Axis1, s.cfg.X.LimitPin, backoff}, {stage.Axis2, s.cfg.Y.LimitPin, -backoff}} {
		if !s.tripped(a.pin) {
			continue
		}
		m := s.x
		if a.axis == stage.Axis2 {
			m = s.y
		}
		done, err := m.Run(ctx, a.away, 0, func() bool { return !s.tripped(a.pin) })
		s.mu.Lock()
		s.pulses[a.axis-1] += int64(done)
		s.mu.Unlock()
		if err != nil {
			return fault.HardwareComm(op, err)
		}
	}
	if l := s.limits(); l != stage.LimitNone {
		return fault.Protocol(op, "limit sensor still active on %s", l)
	}
	s.sm.Clear()
	return nil
}
