// Package capture walks a planned trajectory, moving the stage and grabbing
// one frame per point.
package capture

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/camera"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
	"github.com/cjeanneret/StitchGo/internal/logic/motion"
)

// Tile is one captured frame.
type Tile struct {
	Image    image.Image
	Index    int            // 0-based capture order along the trajectory
	Position stage.Position // where the frame was taken
}

// Phase is a step of the per-point loop reported to progress callbacks.
type Phase string

const (
	PhaseMove    Phase = "move"
	PhaseCapture Phase = "capture"
)

// ProgressFunc is called before each move and each capture. index is 1-based.
type ProgressFunc func(phase Phase, index, total int, pos stage.Position)

// Sequence contains high-level logic for grid capture.
type Sequence struct {
	motion *motion.Controller
	camera camera.Camera
	settle time.Duration // wait between the end of a move and the capture
}

func NewSequence(m *motion.Controller, c camera.Camera, settle time.Duration) *Sequence {
	return &Sequence{
		motion: m,
		camera: c,
		settle: settle,
	}
}

// CaptureGrid visits every point in order and returns the frames in capture
// order. The first failure aborts the run and no tiles are returned; capture
// failures carry the 1-based index of the failing point. ctx is checked
// before every move.
func (s *Sequence) CaptureGrid(ctx context.Context, points []stage.Position, progress ProgressFunc) ([]Tile, error) {
	if progress == nil {
		progress = func(Phase, int, int, stage.Position) {}
	}
	total := len(points)
	tiles := make([]Tile, 0, total)

	for i, p := range points {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		progress(PhaseMove, i+1, total, p)
		if err := s.motion.MoveTo(ctx, p); err != nil {
			return nil, fmt.Errorf("move to tile %d: %w", i+1, err)
		}
		if err := sleep(ctx, s.settle); err != nil {
			return nil, err
		}

		progress(PhaseCapture, i+1, total, p)
		img, err := s.camera.Capture(ctx, true)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fault.Capture(i+1, err)
		}
		if img == nil {
			return nil, fault.Capture(i+1, errors.New("frame source returned no image"))
		}
		debug.Tile(i+1, total)
		tiles = append(tiles, Tile{Image: img, Index: i, Position: p})
	}
	return tiles, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
