package stitch

import (
	"sync"
)

type maskKey struct {
	w, h, border int
}

// masks caches feather masks; every tile of a run shares one.
var masks sync.Map // maskKey → []float32

// featherMask returns the per-pixel blend weight of a w × h tile. Along each
// axis the weight ramps from 1/(border+1) at the edge to 1 at border pixels
// inside; the 2-D weight is the product of both axes.
func featherMask(w, h, border int) []float32 {
	key := maskKey{w, h, border}
	if m, ok := masks.Load(key); ok {
		return m.([]float32)
	}
	wx, wy := ramp(w, border), ramp(h, border)
	m := make([]float32, w*h)
	for y := 0; y < h; y++ {
		row := m[y*w : (y+1)*w]
		for x := 0; x < w; x++ {
			row[x] = wx[x] * wy[y]
		}
	}
	actual, _ := masks.LoadOrStore(key, m)
	return actual.([]float32)
}

func ramp(n, border int) []float32 {
	r := make([]float32, n)
	for i := range r {
		d := min(i, n-1-i)
		if border <= 0 || d >= border {
			r[i] = 1
			continue
		}
		r[i] = float32(d+1) / float32(border+1)
	}
	return r
}
