package geometry

import (
	"math"
)

// GridPlan is the frame grid of one scan.
type GridPlan struct {
	Columns int     // frames along X
	Rows    int     // frames along Y
	StepX   float64 // mm between neighboring columns
	StepY   float64 // mm between neighboring rows
	SpanX   float64 // travel from the first to the last column
	SpanY   float64 // travel from the first to the last row
}

// CalculateGridPlan derives strides and spans for a gridX × gridY scan.
func CalculateGridPlan(gridX, gridY int, fov FieldOfView, overlap float64) (*GridPlan, error) {
	if gridX < 1 || gridY < 1 {
		return nil, errGrid(gridX, gridY)
	}
	if err := fov.Validate(overlap); err != nil {
		return nil, err
	}
	stepX, stepY := fov.Stride(overlap)
	return &GridPlan{
		Columns: gridX,
		Rows:    gridY,
		StepX:   stepX,
		StepY:   stepY,
		SpanX:   stepX * float64(gridX-1),
		SpanY:   stepY * float64(gridY-1),
	}, nil
}

// GridForArea returns the smallest grid that covers areaW × areaH mm.
// Round up to ensure we cover the entire area.
func GridForArea(areaW, areaH float64, fov FieldOfView, overlap float64) (gridX, gridY int, err error) {
	if err := fov.Validate(overlap); err != nil {
		return 0, 0, err
	}
	stepX, stepY := fov.Stride(overlap)
	return framesFor(areaW, fov.WidthMm, stepX), framesFor(areaH, fov.HeightMm, stepY), nil
}

// framesFor counts frames of size tile spaced by step needed to cover length.
func framesFor(length, tile, step float64) int {
	if length <= tile {
		return 1
	}
	// Small epsilon so an exact fit does not round up to an extra frame.
	return 1 + int(math.Ceil((length-tile)/step-1e-9))
}
