// Package stage defines the contract shared by every motorized XY stage backend
// (SHOT serial controller, GPIO steppers, simulation) together with the small
// value types they exchange: positions in millimeters, travel bounds, the
// controller state machine and the jog direction mapping.
package stage

import (
	"context"
	"fmt"
	"math"
	"sync"

	"github.com/cjeanneret/StitchGo/internal/fault"
)

// Position is a stage coordinate in millimeters.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Bounds is the allowed travel range, inclusive on both ends.
type Bounds struct {
	MinX, MaxX float64
	MinY, MaxY float64
}

// Contains reports whether (x, y) lies within the bounds.
func (b Bounds) Contains(x, y float64) bool {
	return x >= b.MinX && x <= b.MaxX && y >= b.MinY && y <= b.MaxY
}

// Clamp returns p limited to the bounds.
func (b Bounds) Clamp(p Position) Position {
	return Position{
		X: math.Min(math.Max(p.X, b.MinX), b.MaxX),
		Y: math.Min(math.Max(p.Y, b.MinY), b.MaxY),
	}
}

// Driver is implemented by every stage backend.
// All methods are safe for concurrent use.
type Driver interface {
	// Connect opens the channel and confirms the controller is ready.
	Connect(ctx context.Context) error
	// Close releases the channel. The driver returns to Disconnected.
	Close() error
	// State returns the current controller state.
	State() State

	// StartJog starts continuous motion at speed mm/s. degree must be 0, 90, 180 or 270.
	StartJog(ctx context.Context, speed float64, degree int) error
	// StopJog stops all axes immediately. Idempotent.
	StopJog(ctx context.Context) error
	// IsMoving reports whether the controller is busy.
	IsMoving(ctx context.Context) (bool, error)
	// MoveTo moves to (x, y) mm, absolute or relative to the current position,
	// and blocks until the controller is ready again.
	MoveTo(ctx context.Context, x, y float64, relative bool) error
	// CurrentPosition returns the position in mm. On failure it reports the
	// error to the driver's ErrorHandler and returns the zero Position.
	CurrentPosition(ctx context.Context) Position
	// IsValidMovement reports whether the target lies within the travel bounds.
	IsValidMovement(ctx context.Context, x, y float64, relative bool) bool

	// Home drives both axes to their mechanical origin.
	Home(ctx context.Context) error
	// ClearFault leaves the Faulted state once the controller reports clean status.
	ClearFault(ctx context.Context) error
}

// ErrorHandler receives errors a driver cannot return to its caller.
type ErrorHandler func(error)

// ValidTarget resolves a possibly relative target against d's position and
// checks it against b. Backends use it to implement IsValidMovement.
func ValidTarget(ctx context.Context, d Driver, b Bounds, x, y float64, relative bool) bool {
	if relative {
		cur := d.CurrentPosition(ctx)
		x += cur.X
		y += cur.Y
	}
	return b.Contains(x, y)
}

// Axis identifies a controller axis. Axis1 moves X, Axis2 moves Y.
type Axis int

const (
	Axis1 Axis = 1
	Axis2 Axis = 2
)

// Direction is a signed axis, the unit of a jog.
type Direction struct {
	Axis     Axis
	Positive bool
}

func (d Direction) String() string {
	sign := "+"
	if !d.Positive {
		sign = "-"
	}
	return fmt.Sprintf("axis%d%s", d.Axis, sign)
}

// Unit returns the direction as a unit vector in stage coordinates.
func (d Direction) Unit() (dx, dy float64) {
	v := 1.0
	if !d.Positive {
		v = -1
	}
	if d.Axis == Axis1 {
		return v, 0
	}
	return 0, v
}

// DirectionForDegree maps a jog heading to an axis: 0 → axis1+, 90 → axis2+,
// 180 → axis1−, 270 → axis2−. Any other heading is a validation error.
func DirectionForDegree(degree int) (Direction, error) {
	switch degree {
	case 0:
		return Direction{Axis1, true}, nil
	case 90:
		return Direction{Axis2, true}, nil
	case 180:
		return Direction{Axis1, false}, nil
	case 270:
		return Direction{Axis2, false}, nil
	default:
		return Direction{}, fault.Validation("start jog", "degree must be 0, 90, 180 or 270, got %d", degree)
	}
}

// Limit reports which axes have tripped a limit sensor.
type Limit int

const (
	LimitNone Limit = iota
	LimitAxis1
	LimitAxis2
	LimitBoth
)

func (l Limit) String() string {
	switch l {
	case LimitAxis1:
		return "axis 1"
	case LimitAxis2:
		return "axis 2"
	case LimitBoth:
		return "axis 1 and axis 2"
	default:
		return "none"
	}
}

// Converter translates between millimeters and controller pulses.
type Converter struct {
	PulsesPerMM float64
}

// ToPulses returns round(mm * factor).
func (c Converter) ToPulses(mm float64) int64 {
	return int64(math.Round(mm * c.PulsesPerMM))
}

// ToMM converts a pulse count back to millimeters.
func (c Converter) ToMM(pulses int64) float64 {
	return float64(pulses) / c.PulsesPerMM
}

// State is the controller state machine:
// Disconnected → Connecting → Ready ⇄ Busy → Faulted.
type State int

const (
	Disconnected State = iota
	Connecting
	Ready
	Busy
	Faulted
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// StateMachine is a mutex-guarded State with the transition guards shared by backends.
type StateMachine struct {
	mu    sync.Mutex
	state State
	cause error
}

// Get returns the current state.
func (m *StateMachine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set moves to s unless the machine is Faulted; Faulted is left only through Clear or Reset.
func (m *StateMachine) Set(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Faulted {
		return
	}
	m.state = s
}

// Fault enters Faulted and records the cause.
func (m *StateMachine) Fault(cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Faulted
	m.cause = cause
}

// Cause returns the error that faulted the machine, if any.
func (m *StateMachine) Cause() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cause
}

// Clear leaves Faulted for Ready.
func (m *StateMachine) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Faulted {
		m.state = Ready
		m.cause = nil
	}
}

// Reset forces the machine back to Disconnected.
func (m *StateMachine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Disconnected
	m.cause = nil
}

// Connected fails fast when the channel is not open or the controller is faulted.
func (m *StateMachine) Connected(op string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.state {
	case Disconnected, Connecting:
		return fault.Protocol(op, "controller not connected")
	case Faulted:
		return fault.Protocol(op, "controller faulted (%v); clear the fault first", m.cause)
	}
	return nil
}

// RequireReady fails fast unless the controller is confirmed Ready.
func (m *StateMachine) RequireReady(op string) error {
	if err := m.Connected(op); err != nil {
		return err
	}
	if m.Get() == Busy {
		return fault.Protocol(op, "busy")
	}
	return nil
}
