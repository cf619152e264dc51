// Package camera provides the frame sources a capture run reads from.
package camera

import (
	"context"
	"image"

	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Camera is the frame source used by the capture sequence. It represents an
// abstract camera, regardless of how frames are produced (simulation, hot
// folder fed by a tethered DSLR, ...).
type Camera interface {
	// Capture returns one frame. With refresh set, frames already buffered in
	// the pipeline are discarded first so the result reflects the scene now.
	Capture(ctx context.Context, refresh bool) (image.Image, error)
}

// Positioner reports where the stage is. stage.Driver satisfies it.
type Positioner interface {
	CurrentPosition(ctx context.Context) stage.Position
}

// Magnifier is implemented by sources whose field of view follows the
// selected objective.
type Magnifier interface {
	SetFieldOfView(widthMm, heightMm float64)
}
