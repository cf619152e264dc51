// Package workflow runs the acquire → align → blend pipeline. It owns the
// last captured session, publishes progress on a notify.Bus and journals
// every run.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/camera"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
	"github.com/cjeanneret/StitchGo/internal/imageio"
	"github.com/cjeanneret/StitchGo/internal/journal"
	"github.com/cjeanneret/StitchGo/internal/logic/capture"
	"github.com/cjeanneret/StitchGo/internal/logic/geometry"
	"github.com/cjeanneret/StitchGo/internal/logic/motion"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch"
	"github.com/cjeanneret/StitchGo/internal/notify"
)

// Progress phases published on the bus.
const (
	PhaseStarted   = "started"
	PhaseMove      = "move"
	PhaseCapture   = "capture"
	PhaseBlending  = "blending"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// Request describes one capture run.
type Request struct {
	GridX     int             `json:"grid_x"`
	GridY     int             `json:"grid_y"`
	Magnitude string          `json:"magnitude"`
	Corner    geometry.Corner `json:"corner"`
	Mode      stitch.Mode     `json:"mode"`
}

// Session is the tile set of the last successful run.
type Session struct {
	ID         string
	Tiles      []capture.Tile
	GridX      int
	GridY      int
	Magnitude  string
	Mode       stitch.Mode
	CapturedAt time.Time
}

func (s *Session) valid() bool {
	return s != nil && s.GridX > 0 && s.GridY > 0 && len(s.Tiles) == s.GridX*s.GridY
}

// SessionInfo is the tile-free view of a session.
type SessionInfo struct {
	ID         string      `json:"id"`
	GridX      int         `json:"grid_x"`
	GridY      int         `json:"grid_y"`
	Tiles      int         `json:"tiles"`
	Magnitude  string      `json:"magnitude"`
	Mode       stitch.Mode `json:"mode"`
	CapturedAt time.Time   `json:"captured_at"`
}

// Result is the outcome of a run or re-blend.
type Result struct {
	RunID     string
	SessionID string
	Image     *image.NRGBA
	Path      string // empty when saving is disabled
	Mode      stitch.Mode
	Duration  time.Duration
}

// Options are the run settings taken from the configuration.
type Options struct {
	FieldOfView   map[string]geometry.FieldOfView // per magnitude
	Overlap       float64
	DefaultMode   stitch.Mode
	DefaultCorner geometry.Corner
	OutputDir     string // empty = do not save
	OutputFormat  string
	OutputQuality int
	Contrast      float64
	Sharpen       float64
}

// Recorder stores finished runs. *journal.Journal satisfies it.
type Recorder interface {
	Record(ctx context.Context, e journal.Entry) error
}

// Workflow serializes runs against one stage and one camera.
type Workflow struct {
	motion *motion.Controller
	camera camera.Camera
	seq    *capture.Sequence
	engine *stitch.Engine
	bus    *notify.Bus
	rec    Recorder
	opts   Options

	running sync.Mutex // held for the duration of a run or re-blend

	mu      sync.Mutex
	session *Session
	latest  *image.NRGBA
	cancel  context.CancelFunc
}

// New wires a workflow. rec may be nil to disable journaling.
func New(m *motion.Controller, cam camera.Camera, seq *capture.Sequence, engine *stitch.Engine,
	bus *notify.Bus, rec Recorder, opts Options) *Workflow {
	if bus == nil {
		bus = notify.New()
	}
	if opts.DefaultMode == "" {
		opts.DefaultMode = stitch.ModeCorrelation
	}
	if opts.DefaultCorner == "" {
		opts.DefaultCorner = geometry.TopLeft
	}
	return &Workflow{
		motion: m,
		camera: cam,
		seq:    seq,
		engine: engine,
		bus:    bus,
		rec:    rec,
		opts:   opts,
	}
}

// Bus returns the notification bus.
func (w *Workflow) Bus() *notify.Bus {
	return w.bus
}

// PlanAndRun is Run for callers that only need success; failures are
// published on the bus.
func (w *Workflow) PlanAndRun(ctx context.Context, req Request) bool {
	_, err := w.Run(ctx, req)
	return err == nil
}

// Run plans the trajectory, captures every tile, stitches them and saves the
// composite. A second run while one is in flight fails with a validation
// error. A failed run leaves the previous session untouched.
func (w *Workflow) Run(ctx context.Context, req Request) (*Result, error) {
	if !w.running.TryLock() {
		return nil, fault.Validation("run", "run in progress")
	}
	defer w.running.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.setCancel(cancel)
	defer w.setCancel(nil)

	runID := uuid.NewString()
	started := time.Now()
	entry := journal.Entry{
		ID: runID, Started: started, Kind: journal.KindCapture,
		GridX: req.GridX, GridY: req.GridY, Magnitude: req.Magnitude,
		Corner: string(req.Corner), Mode: string(req.Mode),
	}

	res, err := w.run(ctx, runID, req, &entry)
	if err != nil {
		w.fail(&entry, err)
		return nil, err
	}
	res.Duration = time.Since(started)
	w.succeed(&entry, res)
	return res, nil
}

func (w *Workflow) run(ctx context.Context, runID string, req Request, entry *journal.Entry) (*Result, error) {
	if req.Mode == "" {
		req.Mode = w.opts.DefaultMode
		entry.Mode = string(req.Mode)
	}
	mode, err := stitch.ParseMode(string(req.Mode))
	if err != nil {
		return nil, err
	}
	if req.Corner == "" {
		req.Corner = w.opts.DefaultCorner
		entry.Corner = string(req.Corner)
	}
	corner, err := geometry.ParseCorner(string(req.Corner))
	if err != nil {
		return nil, err
	}
	fov, ok := w.opts.FieldOfView[req.Magnitude]
	if !ok {
		return nil, fault.Validation("run", "no field of view configured for magnitude %q", req.Magnitude)
	}

	total := req.GridX * req.GridY
	debug.Summary(fmt.Sprintf("Run %s", runID))
	debug.Grid(req.GridX, req.GridY)
	w.bus.Progress(PhaseStarted, fmt.Sprintf("Starting %dx%d run at %s", req.GridX, req.GridY, req.Magnitude), 0, total)

	if m, ok := w.camera.(camera.Magnifier); ok {
		m.SetFieldOfView(fov.WidthMm, fov.HeightMm)
	}

	current := w.motion.Position(ctx)
	points, err := geometry.GenerateTrajectory(ctx, req.GridX, req.GridY, fov, w.opts.Overlap, corner, current, w.motion.Driver())
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, fault.Planning("a %dx%d grid from %s at (%.3f, %.3f) exceeds the travel bounds",
			req.GridX, req.GridY, corner, current.X, current.Y)
	}

	tiles, err := w.seq.CaptureGrid(ctx, points, w.progress)
	if err != nil {
		return nil, err
	}
	entry.Tiles = len(tiles)

	sess := &Session{
		ID:         uuid.NewString(),
		Tiles:      tiles,
		GridX:      req.GridX,
		GridY:      req.GridY,
		Magnitude:  req.Magnitude,
		Mode:       mode,
		CapturedAt: time.Now(),
	}
	res, err := w.blend(ctx, runID, sess, mode)
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	w.session = sess
	w.latest = res.Image
	w.mu.Unlock()
	return res, nil
}

// progress forwards capture steps to the bus.
func (w *Workflow) progress(phase capture.Phase, index, total int, pos stage.Position) {
	switch phase {
	case capture.PhaseMove:
		w.bus.Progress(PhaseMove, fmt.Sprintf("Moving to tile %d/%d", index, total), index, total)
		w.bus.Position(pos)
	case capture.PhaseCapture:
		w.bus.Progress(PhaseCapture, fmt.Sprintf("Capturing tile %d/%d", index, total), index, total)
	}
}

// blend stitches a session, enhances and saves the composite.
func (w *Workflow) blend(ctx context.Context, runID string, sess *Session, mode stitch.Mode) (*Result, error) {
	w.bus.Progress(PhaseBlending, fmt.Sprintf("Stitching %d tiles (%s)", len(sess.Tiles), mode), 0, len(sess.Tiles))

	images := make([]image.Image, len(sess.Tiles))
	for i, t := range sess.Tiles {
		images[i] = t.Image
	}
	img, err := w.engine.Concatenate(ctx, mode, images, sess.GridX, sess.GridY)
	if err != nil {
		return nil, fmt.Errorf("stitch: %w", err)
	}
	if w.opts.Contrast != 0 || w.opts.Sharpen > 0 {
		img = imageio.Enhance(img, w.opts.Contrast, w.opts.Sharpen)
	}

	res := &Result{RunID: runID, SessionID: sess.ID, Image: img, Mode: mode}
	if w.opts.OutputDir != "" {
		name := fmt.Sprintf("stitch_%s_%s", time.Now().Format("20060102-150405"), runID[:8])
		path, err := imageio.Save(img, w.opts.OutputDir, name, imageio.Options{
			Format:  w.opts.OutputFormat,
			Quality: w.opts.OutputQuality,
		})
		if err != nil {
			return nil, fmt.Errorf("save composite: %w", err)
		}
		res.Path = path
	}
	return res, nil
}

// Reblend is ReblendResult for callers that only need success.
func (w *Workflow) Reblend(ctx context.Context, mode stitch.Mode) bool {
	_, err := w.ReblendResult(ctx, mode)
	return err == nil
}

// ReblendResult stitches the stored session again with another mode. It fails
// with a validation error when no session exists.
func (w *Workflow) ReblendResult(ctx context.Context, mode stitch.Mode) (*Result, error) {
	if !w.running.TryLock() {
		return nil, fault.Validation("reblend", "run in progress")
	}
	defer w.running.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.setCancel(cancel)
	defer w.setCancel(nil)

	w.mu.Lock()
	sess := w.session
	w.mu.Unlock()

	runID := uuid.NewString()
	started := time.Now()
	entry := journal.Entry{ID: runID, Started: started, Kind: journal.KindReblend, Mode: string(mode)}
	if sess != nil {
		entry.GridX, entry.GridY, entry.Magnitude, entry.Tiles = sess.GridX, sess.GridY, sess.Magnitude, len(sess.Tiles)
	}

	res, err := w.reblend(ctx, runID, sess, mode)
	if err != nil {
		w.fail(&entry, err)
		return nil, err
	}
	res.Duration = time.Since(started)
	w.succeed(&entry, res)
	return res, nil
}

func (w *Workflow) reblend(ctx context.Context, runID string, sess *Session, mode stitch.Mode) (*Result, error) {
	if !sess.valid() {
		return nil, fault.Validation("reblend", "no captured session to re-blend")
	}
	if _, err := stitch.ParseMode(string(mode)); err != nil {
		return nil, err
	}
	res, err := w.blend(ctx, runID, sess, mode)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	if w.session == sess {
		sess.Mode = mode
	}
	w.latest = res.Image
	w.mu.Unlock()
	return res, nil
}

func (w *Workflow) succeed(e *journal.Entry, res *Result) {
	e.Finished = time.Now()
	e.Status = journal.StatusOK
	e.Mode = string(res.Mode)
	e.WidthPx, e.HeightPx = res.Image.Bounds().Dx(), res.Image.Bounds().Dy()
	e.Output = res.Path
	debug.Info("Run %s completed in %v: %dx%d px", e.ID, res.Duration.Round(time.Millisecond), e.WidthPx, e.HeightPx)
	w.bus.ImageReady(e.WidthPx, e.HeightPx, res.Path)
	w.bus.Progress(PhaseCompleted, "Run completed", 0, 0)
	w.record(*e)
}

func (w *Workflow) fail(e *journal.Entry, err error) {
	e.Finished = time.Now()
	e.Status = journal.StatusFailed
	e.Error = err.Error()
	debug.Error(fmt.Errorf("run %s: %w", e.ID, err))
	w.bus.Error(Describe(err))
	w.bus.Progress(PhaseFailed, "Run failed", 0, 0)
	w.record(*e)
}

func (w *Workflow) record(e journal.Entry) {
	if w.rec == nil {
		return
	}
	if err := w.rec.Record(context.Background(), e); err != nil {
		debug.Error(fmt.Errorf("journal: %w", err))
	}
}

// Describe turns a run error into a message for the operator.
func Describe(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "Run cancelled"
	case errors.Is(err, fault.ErrPlanning):
		return "Planning failed: " + err.Error()
	case errors.Is(err, fault.ErrCapture):
		return fmt.Sprintf("Capture failed at tile %d: %v", fault.CaptureIndex(err), err)
	case errors.Is(err, fault.ErrHardwareComm):
		return "Stage communication failed: " + err.Error()
	case errors.Is(err, fault.ErrProtocol):
		return "Stage error: " + err.Error()
	case errors.Is(err, fault.ErrValidation):
		return "Invalid request: " + err.Error()
	}
	return err.Error()
}

func (w *Workflow) setCancel(c context.CancelFunc) {
	w.mu.Lock()
	w.cancel = c
	w.mu.Unlock()
}

// Cancel stops the in-flight run, if any, and reports whether there was one.
func (w *Workflow) Cancel() bool {
	w.mu.Lock()
	c := w.cancel
	w.mu.Unlock()
	if c == nil {
		return false
	}
	debug.Info("Run cancellation requested")
	c()
	return true
}

// HasSession reports whether a captured session can be re-blended.
func (w *Workflow) HasSession() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.session.valid()
}

// Session describes the stored session.
func (w *Workflow) Session() (SessionInfo, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := w.session
	if !s.valid() {
		return SessionInfo{}, false
	}
	return SessionInfo{
		ID:         s.ID,
		GridX:      s.GridX,
		GridY:      s.GridY,
		Tiles:      len(s.Tiles),
		Magnitude:  s.Magnitude,
		Mode:       s.Mode,
		CapturedAt: s.CapturedAt,
	}, true
}

// Latest returns the most recent composite, or nil.
func (w *Workflow) Latest() *image.NRGBA {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest
}
