// Package motion is the layer between business logic (capture sequences,
// manual control) and the stage backends.
package motion

import (
	"context"
	"strings"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Controller drives one stage.Driver. It adds settle polling after moves and
// maps manual keys and speed levels onto jogs.
type Controller struct {
	drv    stage.Driver
	poll   time.Duration
	speeds []float64 // mm/s for speed levels 1..n
}

// NewController wraps drv. poll is the IsMoving period used after moves;
// speeds are the jog speeds of levels 1..len(speeds).
func NewController(drv stage.Driver, poll time.Duration, speeds []float64) *Controller {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &Controller{
		drv:    drv,
		poll:   poll,
		speeds: speeds,
	}
}

// Driver returns the wrapped backend.
func (c *Controller) Driver() stage.Driver {
	return c.drv
}

// MoveTo moves to an absolute position and waits until the stage reports idle.
func (c *Controller) MoveTo(ctx context.Context, p stage.Position) error {
	if err := c.drv.MoveTo(ctx, p.X, p.Y, false); err != nil {
		return err
	}
	return c.WaitIdle(ctx)
}

// MoveBy moves relative to the current position and waits for idle.
func (c *Controller) MoveBy(ctx context.Context, dx, dy float64) error {
	if err := c.drv.MoveTo(ctx, dx, dy, true); err != nil {
		return err
	}
	return c.WaitIdle(ctx)
}

// WaitIdle polls IsMoving until the stage stops. Cancelling ctx stops the stage.
func (c *Controller) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(c.poll)
	defer ticker.Stop()
	for {
		moving, err := c.drv.IsMoving(ctx)
		if err != nil {
			return err
		}
		if !moving {
			return nil
		}
		select {
		case <-ctx.Done():
			_ = c.drv.StopJog(context.Background())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Speed returns the jog speed of a level, 1-based.
func (c *Controller) Speed(level int) (float64, error) {
	if level < 1 || level > len(c.speeds) {
		return 0, fault.Validation("jog", "speed level must be between 1 and %d, got %d", len(c.speeds), level)
	}
	return c.speeds[level-1], nil
}

// Jog starts a continuous jog toward degree at a speed level.
func (c *Controller) Jog(ctx context.Context, degree, level int) error {
	speed, err := c.Speed(level)
	if err != nil {
		return err
	}
	debug.Live("Jog %d° at level %d (%.3f mm/s)", degree, level, speed)
	return c.drv.StartJog(ctx, speed, degree)
}

// JogKey is Jog driven by a w/a/s/d key.
func (c *Controller) JogKey(ctx context.Context, key string, level int) error {
	degree, err := KeyDegree(key)
	if err != nil {
		return err
	}
	return c.Jog(ctx, degree, level)
}

// Stop halts any motion.
func (c *Controller) Stop(ctx context.Context) error {
	return c.drv.StopJog(ctx)
}

// Position returns the current stage position.
func (c *Controller) Position(ctx context.Context) stage.Position {
	return c.drv.CurrentPosition(ctx)
}

// Home drives the stage to its origin and waits for idle.
func (c *Controller) Home(ctx context.Context) error {
	if err := c.drv.Home(ctx); err != nil {
		return err
	}
	return c.WaitIdle(ctx)
}

// ClearFault leaves the Faulted state.
func (c *Controller) ClearFault(ctx context.Context) error {
	return c.drv.ClearFault(ctx)
}

// KeyDegree maps the manual keys to jog headings:
// d → 0 (+X), w → 90 (+Y), a → 180 (−X), s → 270 (−Y).
func KeyDegree(key string) (int, error) {
	switch strings.ToLower(key) {
	case "d":
		return 0, nil
	case "w":
		return 90, nil
	case "a":
		return 180, nil
	case "s":
		return 270, nil
	}
	return 0, fault.Validation("jog", "unknown key %q (want w, a, s or d)", key)
}
