package stitch

import (
	"context"
	"image"

	"github.com/cjeanneret/StitchGo/internal/debug"
)

// Direction tells an Estimator where the second tile sits.
type Direction int

const (
	Horizontal Direction = iota // b is right of a
	Vertical                    // b is below a
)

func (d Direction) String() string {
	if d == Vertical {
		return "vertical"
	}
	return "horizontal"
}

// Estimator measures the offset of tile b's origin relative to tile a's,
// starting from the nominal offset. ok is false when the estimate is not
// trustworthy; the caller then keeps the nominal position.
type Estimator interface {
	Estimate(ctx context.Context, a, b *image.NRGBA, nominal image.Point, dir Direction) (offset image.Point, score float64, ok bool)
}

// alignStrategy places each tile from its left and top neighbors, then blends.
type alignStrategy struct {
	name    string
	est     Estimator
	feather int
}

func (s alignStrategy) Stitch(ctx context.Context, g *Grid) (*image.NRGBA, error) {
	pos, err := s.place(ctx, g)
	if err != nil {
		return nil, err
	}
	return composite(ctx, g.Tiles, pos, s.feather)
}

// place resolves the absolute position of every tile in row-major order.
// Both estimates accepted: their mean. One accepted: that one. None: the
// nominal grid position.
func (s alignStrategy) place(ctx context.Context, g *Grid) ([]image.Point, error) {
	pos := make([]image.Point, len(g.Tiles))
	for r := 0; r < g.Rows; r++ {
		for c := 0; c < g.Cols; c++ {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			i := r*g.Cols + c
			if i == 0 {
				continue
			}
			var found []image.Point
			if c > 0 {
				off, score, ok := s.est.Estimate(ctx, g.At(r, c-1), g.At(r, c), image.Pt(g.StepX, 0), Horizontal)
				s.log(r, c, Horizontal, off, score, ok)
				if ok {
					found = append(found, pos[i-1].Add(off))
				}
			}
			if r > 0 {
				off, score, ok := s.est.Estimate(ctx, g.At(r-1, c), g.At(r, c), image.Pt(0, g.StepY), Vertical)
				s.log(r, c, Vertical, off, score, ok)
				if ok {
					found = append(found, pos[i-g.Cols].Add(off))
				}
			}
			switch len(found) {
			case 0:
				pos[i] = g.Nominal(r, c)
			case 1:
				pos[i] = found[0]
			default:
				pos[i] = image.Pt((found[0].X+found[1].X)/2, (found[0].Y+found[1].Y)/2)
			}
		}
	}
	return pos, nil
}

func (s alignStrategy) log(r, c int, dir Direction, off image.Point, score float64, ok bool) {
	if !ok {
		debug.Verbose("Stitch %s: tile (%d,%d) %s estimate rejected (score %.3f)", s.name, r, c, dir, score)
		return
	}
	debug.Trace("Stitch %s: tile (%d,%d) %s offset %v (score %.3f)", s.name, r, c, dir, off, score)
}
