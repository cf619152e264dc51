package geometry

import (
	"context"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Corner names the corner of the scan area that sits at the current stage position.
type Corner string

const (
	TopLeft     Corner = "top-left"
	TopRight    Corner = "top-right"
	BottomLeft  Corner = "bottom-left"
	BottomRight Corner = "bottom-right"
)

// ParseCorner accepts the long names and their initials (tl, tr, bl, br).
func ParseCorner(s string) (Corner, error) {
	switch s {
	case "top-left", "tl":
		return TopLeft, nil
	case "top-right", "tr":
		return TopRight, nil
	case "bottom-left", "bl":
		return BottomLeft, nil
	case "bottom-right", "br":
		return BottomRight, nil
	}
	return "", fault.Validation("plan", "unknown corner %q", s)
}

// Validator checks a target against the travel bounds. stage.Driver satisfies it.
type Validator interface {
	IsValidMovement(ctx context.Context, x, y float64, relative bool) bool
}

// GenerateTrajectory plans the absolute stage positions of a gridX × gridY
// scan whose corner lies at current. Row 0 is the top row; each later row is
// StepY lower. Rows alternate direction (even rows left to right, odd rows
// right to left) so the stage never travels back across a row.
//
// If the start or the diagonally opposite extreme is out of bounds the result
// is empty with a nil error. Bad parameters are validation errors.
func GenerateTrajectory(ctx context.Context, gridX, gridY int, fov FieldOfView, overlap float64,
	corner Corner, current stage.Position, v Validator) ([]stage.Position, error) {
	plan, err := CalculateGridPlan(gridX, gridY, fov, overlap)
	if err != nil {
		return nil, err
	}

	start := current
	switch corner {
	case TopLeft:
	case TopRight:
		start.X -= plan.SpanX
	case BottomLeft:
		start.Y += plan.SpanY
	case BottomRight:
		start.X -= plan.SpanX
		start.Y += plan.SpanY
	default:
		return nil, fault.Validation("plan", "unknown corner %q", corner)
	}

	endX, endY := start.X+plan.SpanX, start.Y-plan.SpanY
	if !v.IsValidMovement(ctx, start.X, start.Y, false) || !v.IsValidMovement(ctx, endX, endY, false) {
		debug.Info("Scan area (%.3f, %.3f)-(%.3f, %.3f) exceeds the travel bounds", start.X, start.Y, endX, endY)
		return []stage.Position{}, nil
	}

	points := make([]stage.Position, 0, gridX*gridY)
	for row := 0; row < gridY; row++ {
		y := start.Y - float64(row)*plan.StepY
		for i := 0; i < gridX; i++ {
			col := i
			if row%2 == 1 {
				col = gridX - 1 - i
			}
			points = append(points, stage.Position{X: start.X + float64(col)*plan.StepX, Y: y})
		}
	}
	debug.Verbose("Trajectory: %d points from (%.3f, %.3f)", len(points), start.X, start.Y)
	return points, nil
}

func errGrid(gridX, gridY int) error {
	return fault.Validation("plan", "grid must be at least 1x1, got %dx%d", gridX, gridY)
}
