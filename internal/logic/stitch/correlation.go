package stitch

import (
	"context"
	"image"
	"math"

	"gonum.org/v1/gonum/stat"
)

// maxSamples bounds the pixels compared per candidate shift; larger overlaps
// are sampled on a regular lattice.
const maxSamples = 4096

// minOverlapPx is the smallest overlap area scored.
const minOverlapPx = 64

// CorrelationEstimator searches shifts around the nominal offset and keeps the
// one with the highest normalized cross-correlation of luminance over the
// overlapping area. The search radius is max(overlap/5, 4) px.
type CorrelationEstimator struct {
	Threshold float64
}

func (e *CorrelationEstimator) Estimate(ctx context.Context, a, b *image.NRGBA, nominal image.Point, dir Direction) (image.Point, float64, bool) {
	la, lb := luminance(a), luminance(b)
	aw, ah := a.Bounds().Dx(), a.Bounds().Dy()
	bw, bh := b.Bounds().Dx(), b.Bounds().Dy()

	overlap := aw - nominal.X
	if dir == Vertical {
		overlap = ah - nominal.Y
	}
	radius := max(overlap/5, 4)

	best := math.Inf(-1)
	bestOff := nominal
	xs := make([]float64, 0, maxSamples)
	ys := make([]float64, 0, maxSamples)
	for dy := -radius; dy <= radius; dy++ {
		if ctx.Err() != nil {
			return nominal, 0, false
		}
		for dx := -radius; dx <= radius; dx++ {
			off := nominal.Add(image.Pt(dx, dy))
			xs, ys = sampleOverlap(la, aw, ah, lb, bw, bh, off, xs[:0], ys[:0])
			if len(xs) < minOverlapPx {
				continue
			}
			score := stat.Correlation(xs, ys, nil)
			if score > best {
				best, bestOff = score, off
			}
		}
	}
	if math.IsInf(best, -1) {
		return nominal, 0, false
	}
	return bestOff, best, best > e.Threshold
}

// sampleOverlap collects paired luminance values where b, placed at off,
// covers a.
func sampleOverlap(la []float64, aw, ah int, lb []float64, bw, bh int, off image.Point, xs, ys []float64) ([]float64, []float64) {
	r := image.Rect(0, 0, aw, ah).Intersect(image.Rect(off.X, off.Y, off.X+bw, off.Y+bh))
	if r.Empty() {
		return xs, ys
	}
	step := 1
	if area := r.Dx() * r.Dy(); area > maxSamples {
		step = int(math.Ceil(math.Sqrt(float64(area) / maxSamples)))
	}
	for y := r.Min.Y; y < r.Max.Y; y += step {
		for x := r.Min.X; x < r.Max.X; x += step {
			xs = append(xs, la[y*aw+x])
			ys = append(ys, lb[(y-off.Y)*bw+(x-off.X)])
		}
	}
	return xs, ys
}

// luminance returns Rec. 601 luma per pixel, row-major.
func luminance(img *image.NRGBA) []float64 {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	l := make([]float64, w*h)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride:]
		for x := 0; x < w; x++ {
			p := row[x*4:]
			l[y*w+x] = 0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])
		}
	}
	return l
}
