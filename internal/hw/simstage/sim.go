// Package simstage is a stage.Driver without hardware. A background ticker
// integrates jog and move velocities over wall-clock time; position and the
// moving flag live behind one mutex.
package simstage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Config tunes the simulation.
type Config struct {
	Bounds       stage.Bounds
	Start        stage.Position
	Tick         time.Duration // integration period, 20-50 ms
	MoveSpeed    float64       // mm/s for MoveTo; 0 = instantaneous
	PollInterval time.Duration // MoveTo readiness polling
}

type motion int

const (
	idle motion = iota
	jogging
	moving
)

// Stage is the simulated driver.
type Stage struct {
	cfg Config
	sm  stage.StateMachine

	mu     sync.Mutex
	pos    stage.Position
	mode   motion
	vx, vy float64        // jog velocity, mm/s
	target stage.Position // MoveTo destination
	last   time.Time

	stop chan struct{}
	done chan struct{}
}

var _ stage.Driver = (*Stage)(nil)

// New creates a disconnected simulated stage at cfg.Start.
func New(cfg Config) *Stage {
	if cfg.Tick <= 0 {
		cfg.Tick = 30 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Stage{cfg: cfg, pos: cfg.Bounds.Clamp(cfg.Start)}
}

// Connect starts the integration ticker.
func (s *Stage) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return nil
	}
	s.sm.Reset()
	s.sm.Set(stage.Connecting)
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	s.last = time.Now()
	go s.run(s.stop, s.done)
	s.sm.Set(stage.Ready)
	debug.Info("Simulated stage ready at (%.3f, %.3f) mm", s.pos.X, s.pos.Y)
	return nil
}

// Close stops the ticker.
func (s *Stage) Close() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mode = idle
	s.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
	s.sm.Reset()
	return nil
}

// State returns the current state.
func (s *Stage) State() stage.State {
	return s.sm.Get()
}

func (s *Stage) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case now := <-ticker.C:
			s.advance(now)
		}
	}
}

func (s *Stage) advance(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrate(now)
}

// integrate moves the stage along its current velocity up to now. Caller holds mu.
func (s *Stage) integrate(now time.Time) {
	dt := now.Sub(s.last).Seconds()
	s.last = now
	if dt <= 0 {
		return
	}

	switch s.mode {
	case jogging:
		next := stage.Position{X: s.pos.X + s.vx*dt, Y: s.pos.Y + s.vy*dt}
		clamped := s.cfg.Bounds.Clamp(next)
		s.pos = clamped
		if clamped != next {
			debug.Live("Simulated jog stopped at bounds (%.3f, %.3f)", clamped.X, clamped.Y)
			s.halt()
		}
	case moving:
		dx, dy := s.target.X-s.pos.X, s.target.Y-s.pos.Y
		dist := math.Hypot(dx, dy)
		step := s.cfg.MoveSpeed * dt
		if s.cfg.MoveSpeed <= 0 || step >= dist {
			s.pos = s.target
			s.halt()
			return
		}
		s.pos.X += dx / dist * step
		s.pos.Y += dy / dist * step
	}
}

// halt ends any motion. Caller holds mu.
func (s *Stage) halt() {
	s.mode = idle
	s.vx, s.vy = 0, 0
	s.sm.Set(stage.Ready)
}

// StartJog starts continuous motion; the ticker stops it at the bounds.
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

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode != idle {
		return fault.Protocol(op, "busy")
	}
	ux, uy := dir.Unit()
	s.vx, s.vy = ux*speed, uy*speed
	s.mode = jogging
	s.last = time.Now()
	s.sm.Set(stage.Busy)
	debug.Live("Simulated jog %s at %.3f mm/s", dir, speed)
	return nil
}

// StopJog halts any motion. Idempotent.
func (s *Stage) StopJog(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.integrate(time.Now())
	if s.mode != idle {
		s.halt()
	}
	return nil
}

// IsMoving reports whether a jog or move is in progress.
func (s *Stage) IsMoving(ctx context.Context) (bool, error) {
	if st := s.sm.Get(); st == stage.Disconnected || st == stage.Connecting {
		return false, fault.Protocol("is moving", "controller not connected")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode != idle, nil
}

// MoveTo travels to the target at the configured speed and blocks until it
// arrives. Cancelling ctx halts the stage where it is.
func (s *Stage) MoveTo(ctx context.Context, x, y float64, relative bool) error {
	const op = "move to"
	if err := s.sm.RequireReady(op); err != nil {
		return err
	}
	s.mu.Lock()
	if s.mode != idle {
		s.mu.Unlock()
		return fault.Protocol(op, "busy")
	}
	target := stage.Position{X: x, Y: y}
	if relative {
		target.X += s.pos.X
		target.Y += s.pos.Y
	}
	if !s.cfg.Bounds.Contains(target.X, target.Y) {
		s.mu.Unlock()
		return fault.Validation(op, "target (%.4f, %.4f) is outside the travel bounds", target.X, target.Y)
	}
	debug.Move(x, y, relative)
	if s.cfg.MoveSpeed <= 0 {
		s.pos = target
		s.mu.Unlock()
		return nil
	}
	s.target = target
	s.mode = moving
	s.last = time.Now()
	s.sm.Set(stage.Busy)
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()
	for {
		moving, err := s.IsMoving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			return s.arrived(op, target)
		}
		select {
		case <-ctx.Done():
			_ = s.StopJog(context.Background())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// arrived re-checks a finished move: a limit trip or a stop short of target fails it.
func (s *Stage) arrived(op string, target stage.Position) error {
	if s.sm.Get() == stage.Faulted {
		return fault.Protocol(op, "stage faulted during move: %v", s.sm.Cause())
	}
	s.mu.Lock()
	pos := s.pos
	s.mu.Unlock()
	if pos != target {
		return fault.Protocol(op, "move stopped at (%.4f, %.4f) before reaching (%.4f, %.4f)", pos.X, pos.Y, target.X, target.Y)
	}
	return nil
}

// CurrentPosition returns a copy of the simulated position.
func (s *Stage) CurrentPosition(ctx context.Context) stage.Position {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pos
}

// IsValidMovement checks the target against the bounds.
func (s *Stage) IsValidMovement(ctx context.Context, x, y float64, relative bool) bool {
	return stage.ValidTarget(ctx, s, s.cfg.Bounds, x, y, relative)
}

// Home moves to the top-left corner of the travel range.
func (s *Stage) Home(ctx context.Context) error {
	return s.MoveTo(ctx, s.cfg.Bounds.MinX, s.cfg.Bounds.MaxY, false)
}

// ClearFault leaves Faulted.
func (s *Stage) ClearFault(ctx context.Context) error {
	if s.sm.Get() == stage.Disconnected {
		return fault.Protocol("clear fault", "controller not connected")
	}
	s.sm.Clear()
	return nil
}

// TripLimit simulates a limit sensor: motion stops and the stage faults.
func (s *Stage) TripLimit(l stage.Limit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.halt()
	s.sm.Fault(fault.Protocol("simulation", "limit sensor tripped on %s", l))
}
