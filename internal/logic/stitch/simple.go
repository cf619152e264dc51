package stitch

import (
	"context"
	"image"
	"image/draw"
)

// simpleStrategy pastes tiles on the nominal grid without blending. Tiles are
// drawn row-major, so later tiles cover the overlap of earlier ones.
type simpleStrategy struct{}

func (simpleStrategy) Stitch(ctx context.Context, g *Grid) (*image.NRGBA, error) {
	W := g.StepX*(g.Cols-1) + g.TileW
	H := g.StepY*(g.Rows-1) + g.TileH
	out := image.NewNRGBA(image.Rect(0, 0, W, H))

	for r := 0; r < g.Rows; r++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for c := 0; c < g.Cols; c++ {
			t := g.At(r, c)
			dst := t.Bounds().Sub(t.Bounds().Min).Add(g.Nominal(r, c))
			draw.Draw(out, dst, t, t.Bounds().Min, draw.Src)
		}
	}
	return out, nil
}
