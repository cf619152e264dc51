package geometry

import (
	"github.com/cjeanneret/StitchGo/internal/fault"
)

// FieldOfView is the area of the specimen one frame covers, in mm.
// It depends on the objective magnitude.
type FieldOfView struct {
	WidthMm  float64
	HeightMm float64
}

// Validate rejects empty fields of view and overlaps outside [0, 1).
func (f FieldOfView) Validate(overlap float64) error {
	if f.WidthMm <= 0 || f.HeightMm <= 0 {
		return fault.Validation("plan", "tile size must be positive, got %gx%g mm", f.WidthMm, f.HeightMm)
	}
	if overlap < 0 || overlap >= 1 {
		return fault.Validation("plan", "overlap must be in [0, 1), got %g", overlap)
	}
	return nil
}

// Stride returns the stage travel between two neighboring frames.
// If overlap = 10%, each frame covers 90% new specimen.
// Stride = FOV × (1 - overlap)
func (f FieldOfView) Stride(overlap float64) (dx, dy float64) {
	return f.WidthMm * (1 - overlap), f.HeightMm * (1 - overlap)
}
