package stitch

import (
	"context"
	"image"
	"math"
	"sort"

	"github.com/disintegration/imaging"
	"gonum.org/v1/gonum/stat"

	"github.com/cjeanneret/StitchGo/internal/debug"
)

// Keypoint is a feature location in pixels.
type Keypoint struct {
	X, Y float64
}

// Match pairs a keypoint of image a with its nearest neighbor in image b.
// Best and Second are the descriptor distances of the two nearest neighbors.
type Match struct {
	A, B   Keypoint
	Best   float64
	Second float64
}

// Matcher finds candidate keypoint matches between two images.
type Matcher interface {
	Match(a, b image.Image) ([]Match, error)
}

const (
	ratioTest       = 0.75 // Lowe's ratio
	inlierTolerance = 3.0  // px around the median shift
	minMatches      = 3
)

// FeatureEstimator matches keypoints between the overlapping strips of two
// tiles. The offset is the median displacement of ratio-test survivors;
// confidence is inlierFraction × 1/(1+stddev of inlier displacements).
type FeatureEstimator struct {
	Matcher   Matcher
	Threshold float64
}

func (e *FeatureEstimator) Estimate(ctx context.Context, a, b *image.NRGBA, nominal image.Point, dir Direction) (image.Point, float64, bool) {
	if ctx.Err() != nil {
		return nominal, 0, false
	}
	ra, rb := strips(a, b, nominal, dir)
	if ra.Empty() || rb.Empty() {
		return nominal, 0, false
	}
	matches, err := e.Matcher.Match(imaging.Crop(a, ra), imaging.Crop(b, rb))
	if err != nil {
		debug.Verbose("Stitch feature: matcher failed: %v", err)
		return nominal, 0, false
	}

	var dxs, dys []float64
	for _, m := range matches {
		if m.Second <= 0 || m.Best >= ratioTest*m.Second {
			continue
		}
		// b's origin = point in a − same point in b, both in tile coordinates.
		dxs = append(dxs, (m.A.X+float64(ra.Min.X))-(m.B.X+float64(rb.Min.X)))
		dys = append(dys, (m.A.Y+float64(ra.Min.Y))-(m.B.Y+float64(rb.Min.Y)))
	}
	if len(dxs) < minMatches {
		return nominal, 0, false
	}

	mx, my := median(dxs), median(dys)
	var ix, iy, dist []float64
	for i := range dxs {
		if math.Abs(dxs[i]-mx) <= inlierTolerance && math.Abs(dys[i]-my) <= inlierTolerance {
			ix = append(ix, dxs[i])
			iy = append(iy, dys[i])
			dist = append(dist, math.Hypot(dxs[i]-mx, dys[i]-my))
		}
	}
	spread := 0.0
	if len(dist) > 1 {
		spread = stat.StdDev(dist, nil)
	}
	confidence := float64(len(ix)) / float64(len(dxs)) / (1 + spread)

	off := image.Pt(int(math.Round(mx)), int(math.Round(my)))
	return off, confidence, len(ix) >= minMatches && confidence > e.Threshold
}

// strips returns the regions of a and b that overlap at the nominal offset,
// widened by the correlation search radius so small misplacements still match.
func strips(a, b *image.NRGBA, nominal image.Point, dir Direction) (ra, rb image.Rectangle) {
	aw, ah := a.Bounds().Dx(), a.Bounds().Dy()
	bw, bh := b.Bounds().Dx(), b.Bounds().Dy()
	if dir == Horizontal {
		overlap := aw - nominal.X
		pad := max(overlap/5, 4)
		ra = image.Rect(max(nominal.X-pad, 0), 0, aw, ah)
		rb = image.Rect(0, 0, min(overlap+pad, bw), bh)
	} else {
		overlap := ah - nominal.Y
		pad := max(overlap/5, 4)
		ra = image.Rect(0, max(nominal.Y-pad, 0), aw, ah)
		rb = image.Rect(0, 0, bw, min(overlap+pad, bh))
	}
	return ra.Add(a.Bounds().Min), rb.Add(b.Bounds().Min)
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	return stat.Quantile(0.5, stat.Empirical, s, nil)
}
