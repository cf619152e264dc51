// Package stitch assembles a grid of overlapping tiles into one composite.
//
// Tiles arrive in capture (zigzag) order. Every mode first converts them to
// NRGBA at a common size and reorders them row-major. The simple mode pastes
// tiles on the nominal grid; the aligning modes estimate each tile's offset
// from its left and top neighbors, then feather-blend.
package stitch

import (
	"context"
	"image"

	"github.com/disintegration/imaging"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
)

// Mode selects a stitching strategy.
type Mode string

const (
	ModeSimple      Mode = "simple"
	ModeCorrelation Mode = "correlation"
	ModeFeature     Mode = "feature"
)

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeSimple, ModeCorrelation, ModeFeature:
		return m, nil
	}
	return "", fault.Validation("stitch", "unknown stitching mode %q", s)
}

// Options tune the engine.
type Options struct {
	Overlap              float64 // nominal overlap ratio between neighbors
	FeatherPx            int     // blend ramp width at tile borders
	CorrelationThreshold float64 // minimum NCC peak to accept an estimate
	FeatureThreshold     float64 // minimum match confidence to accept an estimate
}

// Strategy turns a prepared grid into a composite.
type Strategy interface {
	Stitch(ctx context.Context, g *Grid) (*image.NRGBA, error)
}

// Grid is a row-major set of equally sized tiles with its nominal spacing.
type Grid struct {
	Tiles      []*image.NRGBA
	Cols, Rows int
	TileW      int
	TileH      int
	OverlapX   int // int(TileW × overlap)
	OverlapY   int
	StepX      int // TileW − OverlapX
	StepY      int
}

// At returns tile (row, col).
func (g *Grid) At(row, col int) *image.NRGBA {
	return g.Tiles[row*g.Cols+col]
}

// Nominal returns the grid position of tile (row, col).
func (g *Grid) Nominal(row, col int) image.Point {
	return image.Pt(col*g.StepX, row*g.StepY)
}

// Engine runs the strategies.
type Engine struct {
	opts    Options
	matcher Matcher
}

// NewEngine creates an engine. matcher may be nil, which disables ModeFeature.
func NewEngine(opts Options, matcher Matcher) *Engine {
	return &Engine{opts: opts, matcher: matcher}
}

// Concatenate stitches tiles captured in zigzag order on a gridX × gridY grid.
func (e *Engine) Concatenate(ctx context.Context, mode Mode, tiles []image.Image, gridX, gridY int) (*image.NRGBA, error) {
	if gridX < 1 || gridY < 1 {
		return nil, fault.Validation("stitch", "grid must be at least 1x1, got %dx%d", gridX, gridY)
	}
	if len(tiles) != gridX*gridY {
		return nil, fault.Validation("stitch", "expected %d tiles for a %dx%d grid, got %d", gridX*gridY, gridX, gridY, len(tiles))
	}
	if e.opts.Overlap < 0 || e.opts.Overlap >= 1 {
		return nil, fault.Validation("stitch", "overlap must be in [0, 1), got %g", e.opts.Overlap)
	}
	strategy, err := e.strategy(mode)
	if err != nil {
		return nil, err
	}

	g, err := Prepare(tiles, gridX, gridY, e.opts.Overlap)
	if err != nil {
		return nil, err
	}
	debug.Verbose("Stitch: %s mode, %dx%d tiles of %dx%d px, step (%d, %d)",
		mode, g.Cols, g.Rows, g.TileW, g.TileH, g.StepX, g.StepY)
	return strategy.Stitch(ctx, g)
}

func (e *Engine) strategy(mode Mode) (Strategy, error) {
	switch mode {
	case ModeSimple:
		return simpleStrategy{}, nil
	case ModeCorrelation:
		return alignStrategy{
			name:    "correlation",
			est:     &CorrelationEstimator{Threshold: e.opts.CorrelationThreshold},
			feather: e.opts.FeatherPx,
		}, nil
	case ModeFeature:
		if e.matcher == nil {
			return nil, fault.Validation("stitch", "feature mode needs a keypoint matcher")
		}
		return alignStrategy{
			name:    "feature",
			est:     &FeatureEstimator{Matcher: e.matcher, Threshold: e.opts.FeatureThreshold},
			feather: e.opts.FeatherPx,
		}, nil
	}
	return nil, fault.Validation("stitch", "unknown stitching mode %q", mode)
}

// Prepare normalizes tiles to NRGBA at the size of the first one and reorders
// them from zigzag capture order to row-major.
func Prepare(tiles []image.Image, gridX, gridY int, overlap float64) (*Grid, error) {
	if len(tiles) == 0 || tiles[0] == nil {
		return nil, fault.Validation("stitch", "no tiles")
	}
	w, h := tiles[0].Bounds().Dx(), tiles[0].Bounds().Dy()
	if w == 0 || h == 0 {
		return nil, fault.Validation("stitch", "first tile is empty")
	}

	norm := make([]*image.NRGBA, len(tiles))
	for i, t := range tiles {
		if t == nil {
			return nil, fault.Validation("stitch", "tile %d is missing", i+1)
		}
		if t.Bounds().Dx() != w || t.Bounds().Dy() != h {
			debug.Verbose("Stitch: resizing tile %d from %v to %dx%d", i+1, t.Bounds().Size(), w, h)
			norm[i] = imaging.Resize(t, w, h, imaging.Lanczos)
			continue
		}
		norm[i] = imaging.Clone(t)
	}

	ox, oy := int(float64(w)*overlap), int(float64(h)*overlap)
	return &Grid{
		Tiles:    Reorder(norm, gridX, gridY),
		Cols:     gridX,
		Rows:     gridY,
		TileW:    w,
		TileH:    h,
		OverlapX: ox,
		OverlapY: oy,
		StepX:    w - ox,
		StepY:    h - oy,
	}, nil
}
