// Package cvfeature implements stitch.Matcher with OpenCV keypoints: SIFT,
// falling back to ORB on low-texture strips, matched by brute force with the
// two nearest neighbors.
package cvfeature

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch"
)

// minSIFTKeypoints below which ORB is tried instead.
const minSIFTKeypoints = 10

// Matcher creates its OpenCV detectors per call.
type Matcher struct{}

var _ stitch.Matcher = Matcher{}

// New returns a matcher.
func New() Matcher {
	return Matcher{}
}

// Match detects keypoints in both images and returns, for every keypoint of
// a, its two nearest neighbors in b.
func (Matcher) Match(a, b image.Image) ([]stitch.Match, error) {
	ga := toGray(a)
	defer ga.Close()
	gb := toGray(b)
	defer gb.Close()

	kpA, descA, kpB, descB, norm := detect(ga, gb)
	defer descA.Close()
	defer descB.Close()
	if descA.Empty() || descB.Empty() {
		return nil, fmt.Errorf("no descriptors (%d and %d keypoints)", len(kpA), len(kpB))
	}

	bf := gocv.NewBFMatcherWithParams(norm, false)
	defer bf.Close()

	var out []stitch.Match
	for _, pair := range bf.KnnMatch(descA, descB, 2) {
		if len(pair) < 2 {
			continue
		}
		best, second := pair[0], pair[1]
		pa, pb := kpA[best.QueryIdx], kpB[best.TrainIdx]
		out = append(out, stitch.Match{
			A:      stitch.Keypoint{X: pa.X, Y: pa.Y},
			B:      stitch.Keypoint{X: pb.X, Y: pb.Y},
			Best:   best.Distance,
			Second: second.Distance,
		})
	}
	debug.Trace("cvfeature: %d/%d keypoints, %d candidate matches", len(kpA), len(kpB), len(out))
	return out, nil
}

// detect runs SIFT on both strips, or ORB with Hamming matching when SIFT
// finds too little texture in either.
func detect(a, b gocv.Mat) (kpA []gocv.KeyPoint, descA gocv.Mat, kpB []gocv.KeyPoint, descB gocv.Mat, norm gocv.NormType) {
	mask := gocv.NewMat()
	defer mask.Close()

	sift := gocv.NewSIFT()
	kpA, descA = sift.DetectAndCompute(a, mask)
	kpB, descB = sift.DetectAndCompute(b, mask)
	sift.Close()
	if len(kpA) >= minSIFTKeypoints && len(kpB) >= minSIFTKeypoints {
		return kpA, descA, kpB, descB, gocv.NormL2
	}
	debug.Verbose("cvfeature: SIFT found %d/%d keypoints, trying ORB", len(kpA), len(kpB))
	descA.Close()
	descB.Close()

	orb := gocv.NewORBWithParams(5000, 1.2, 8, 31, 0, 2, gocv.ORBScoreTypeHarris, 31, 20)
	defer orb.Close()
	kpA, descA = orb.DetectAndCompute(a, mask)
	kpB, descB = orb.DetectAndCompute(b, mask)
	return kpA, descA, kpB, descB, gocv.NormHamming
}

// toGray converts img to a single-channel 8-bit Mat.
func toGray(img image.Image) gocv.Mat {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	bgr := gocv.NewMatWithSize(h, w, gocv.MatTypeCV8UC3)
	defer bgr.Close()
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			bgr.SetUCharAt(y, x*3+0, uint8(b>>8))
			bgr.SetUCharAt(y, x*3+1, uint8(g>>8))
			bgr.SetUCharAt(y, x*3+2, uint8(r>>8))
		}
	}
	gray := gocv.NewMat()
	gocv.CvtColor(bgr, &gray, gocv.ColorBGRToGray)
	return gray
}
