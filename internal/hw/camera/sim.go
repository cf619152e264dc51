package camera

import (
	"context"
	"image"
	"image/color"
	"math"
	"sync"

	"github.com/disintegration/imaging"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// SimConfig configures the simulated microscope camera.
type SimConfig struct {
	Specimen      image.Image // nil = procedural specimen
	PixelsPerMM   float64
	Bounds        stage.Bounds // (MinX, MaxY) maps to specimen pixel (0, 0)
	WidthMm       float64      // field of view
	HeightMm      float64
	LatencyFrames int // stale frames held in the pipeline
	RefreshFrames int // frames read and dropped on a refresh capture
	Seed          int64
}

// Sim renders the part of a specimen under the objective. The stage position
// is the top-left corner of the field of view. Frames pass through a FIFO of
// LatencyFrames, like a real video pipeline.
type Sim struct {
	pos Positioner

	mu       sync.Mutex
	cfg      SimConfig
	specimen *image.NRGBA
	pipeline []image.Image
}

var (
	_ Camera    = (*Sim)(nil)
	_ Magnifier = (*Sim)(nil)
)

// NewSim creates a simulated camera looking at pos.
func NewSim(pos Positioner, cfg SimConfig) *Sim {
	if cfg.PixelsPerMM <= 0 {
		cfg.PixelsPerMM = 100
	}
	s := &Sim{pos: pos, cfg: cfg}
	if cfg.Specimen != nil {
		s.specimen = imaging.Clone(cfg.Specimen)
	}
	return s
}

// SetFieldOfView changes the frame size, e.g. when the objective changes.
// Buffered frames of the old size are dropped.
func (s *Sim) SetFieldOfView(widthMm, heightMm float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.WidthMm, s.cfg.HeightMm = widthMm, heightMm
	s.pipeline = nil
}

// Capture reads one frame, after flushing the pipeline when refresh is set.
func (s *Sim) Capture(ctx context.Context, refresh bool) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w := int(math.Round(s.cfg.WidthMm * s.cfg.PixelsPerMM))
	h := int(math.Round(s.cfg.HeightMm * s.cfg.PixelsPerMM))
	if w <= 0 || h <= 0 {
		return nil, fault.Validation("capture", "field of view %gx%g mm is empty", s.cfg.WidthMm, s.cfg.HeightMm)
	}

	reads := 1
	if refresh {
		reads += s.cfg.RefreshFrames
	}
	var frame image.Image
	for i := 0; i < reads; i++ {
		frame = s.read(ctx, w, h)
	}
	return frame, nil
}

// read pushes the current view and pops the frame LatencyFrames reads old.
// Caller holds mu.
func (s *Sim) read(ctx context.Context, w, h int) image.Image {
	s.pipeline = append(s.pipeline, s.render(ctx, w, h))
	if len(s.pipeline) <= s.cfg.LatencyFrames {
		return s.pipeline[0]
	}
	frame := s.pipeline[0]
	s.pipeline = s.pipeline[1:]
	return frame
}

func (s *Sim) render(ctx context.Context, w, h int) *image.NRGBA {
	p := s.pos.CurrentPosition(ctx)
	col := int(math.Round((p.X - s.cfg.Bounds.MinX) * s.cfg.PixelsPerMM))
	row := int(math.Round((s.cfg.Bounds.MaxY - p.Y) * s.cfg.PixelsPerMM))
	debug.Trace("Sim camera: frame %dx%d at px (%d, %d)", w, h, col, row)

	if s.specimen != nil {
		dst := imaging.New(w, h, color.NRGBA{A: 255})
		return imaging.Paste(dst, s.specimen, image.Pt(-col, -row))
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	tissue := specimen{seed: uint64(s.cfg.Seed)}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetNRGBA(x, y, tissue.at(float64(col+x), float64(row+y)))
		}
	}
	return dst
}

// specimen is a procedural stained-tissue texture: three octaves of value
// noise, deterministic per seed, defined over the whole plane.
type specimen struct {
	seed uint64
}

func (sp specimen) at(u, v float64) color.NRGBA {
	l := 0.55*sp.noise(u/48, v/48) + 0.3*sp.noise(u/13, v/13) + 0.15*sp.noise(u/4, v/4)
	return color.NRGBA{
		R: uint8(90 + 150*l),
		G: uint8(40 + 120*l*l),
		B: uint8(160 - 60*l),
		A: 255,
	}
}

func (sp specimen) noise(x, y float64) float64 {
	x0, y0 := math.Floor(x), math.Floor(y)
	fx, fy := smooth(x-x0), smooth(y-y0)
	ix, iy := int64(x0), int64(y0)
	a := sp.lattice(ix, iy)
	b := sp.lattice(ix+1, iy)
	c := sp.lattice(ix, iy+1)
	d := sp.lattice(ix+1, iy+1)
	top := a + (b-a)*fx
	bottom := c + (d-c)*fx
	return top + (bottom-top)*fy
}

// lattice hashes a grid node to [0, 1) with splitmix64.
func (sp specimen) lattice(ix, iy int64) float64 {
	z := sp.seed ^ uint64(ix)*0x9E3779B97F4A7C15 ^ uint64(iy)*0xC2B2AE3D27D4EB4F
	z = (z ^ (z >> 30)) * 0xBF58476D1CE4E5B9
	z = (z ^ (z >> 27)) * 0x94D049BB133111EB
	z ^= z >> 31
	return float64(z>>11) / (1 << 53)
}

func smooth(t float64) float64 {
	return t * t * (3 - 2*t)
}
