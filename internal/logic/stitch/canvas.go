package stitch

import (
	"context"
	"image"
	"math"

	"github.com/cjeanneret/StitchGo/internal/debug"
)

// composite accumulates every tile at its position with a feather mask and
// normalizes by the accumulated weight. The canvas is the bounding box of the
// placed tiles, shifted so its minimum lands on the origin.
func composite(ctx context.Context, tiles []*image.NRGBA, pos []image.Point, border int) (*image.NRGBA, error) {
	bounds := image.Rectangle{}
	for i, t := range tiles {
		r := t.Bounds().Sub(t.Bounds().Min).Add(pos[i])
		if i == 0 {
			bounds = r
			continue
		}
		bounds = bounds.Union(r)
	}
	W, H := bounds.Dx(), bounds.Dy()
	debug.Verbose("Stitch: canvas %dx%d", W, H)

	acc := make([]float32, W*H*4)
	weight := make([]float32, W*H)

	for i, t := range tiles {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		w, h := t.Bounds().Dx(), t.Bounds().Dy()
		mask := featherMask(w, h, border)
		ox, oy := pos[i].X-bounds.Min.X, pos[i].Y-bounds.Min.Y
		for y := 0; y < h; y++ {
			src := t.Pix[y*t.Stride : y*t.Stride+w*4]
			base := (oy+y)*W + ox
			for x := 0; x < w; x++ {
				m := mask[y*w+x]
				a := (base + x) * 4
				acc[a+0] += m * float32(src[x*4+0])
				acc[a+1] += m * float32(src[x*4+1])
				acc[a+2] += m * float32(src[x*4+2])
				acc[a+3] += m * float32(src[x*4+3])
				weight[base+x] += m
			}
		}
	}

	out := image.NewNRGBA(image.Rect(0, 0, W, H))
	for p, wsum := range weight {
		if wsum == 0 {
			wsum = 1
		}
		for c := 0; c < 4; c++ {
			v := math.Round(float64(acc[p*4+c] / wsum))
			out.Pix[p*4+c] = uint8(min(max(v, 0), 255))
		}
	}
	return out, nil
}
