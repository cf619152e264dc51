package workflow

import (
	"context"

	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Manual stage control. Every call is refused while a run owns the stage.

func (w *Workflow) idle(op string) (release func(), err error) {
	if !w.running.TryLock() {
		return nil, fault.Validation(op, "run in progress")
	}
	return w.running.Unlock, nil
}

// Jog starts a continuous jog toward degree at a speed level (1-based).
func (w *Workflow) Jog(ctx context.Context, degree, level int) error {
	release, err := w.idle("jog")
	if err != nil {
		return err
	}
	defer release()
	return w.motion.Jog(ctx, degree, level)
}

// JogKey jogs in the direction of a w/a/s/d key.
func (w *Workflow) JogKey(ctx context.Context, key string, level int) error {
	release, err := w.idle("jog")
	if err != nil {
		return err
	}
	defer release()
	return w.motion.JogKey(ctx, key, level)
}

// StopJog halts manual motion and publishes where the stage stopped. It is
// allowed during a run; cancelling the run is the way to stop one.
func (w *Workflow) StopJog(ctx context.Context) error {
	if err := w.motion.Stop(ctx); err != nil {
		return err
	}
	w.bus.Position(w.motion.Position(ctx))
	return nil
}

// MoveTo moves to an absolute position after checking the travel bounds.
func (w *Workflow) MoveTo(ctx context.Context, p stage.Position) error {
	release, err := w.idle("move")
	if err != nil {
		return err
	}
	defer release()
	if !w.motion.Driver().IsValidMovement(ctx, p.X, p.Y, false) {
		return fault.Validation("move", "target (%.4f, %.4f) is outside the travel bounds", p.X, p.Y)
	}
	if err := w.motion.MoveTo(ctx, p); err != nil {
		return err
	}
	w.bus.Position(w.motion.Position(ctx))
	return nil
}

// Position returns the stage position and publishes it.
func (w *Workflow) Position(ctx context.Context) stage.Position {
	p := w.motion.Position(ctx)
	w.bus.Position(p)
	return p
}

// Home drives the stage to its origin.
func (w *Workflow) Home(ctx context.Context) error {
	release, err := w.idle("home")
	if err != nil {
		return err
	}
	defer release()
	if err := w.motion.Home(ctx); err != nil {
		return err
	}
	w.bus.Position(w.motion.Position(ctx))
	return nil
}

// ClearFault leaves the stage's Faulted state.
func (w *Workflow) ClearFault(ctx context.Context) error {
	release, err := w.idle("clear fault")
	if err != nil {
		return err
	}
	defer release()
	return w.motion.ClearFault(ctx)
}

// State returns the stage driver state.
func (w *Workflow) State() stage.State {
	return w.motion.Driver().State()
}
