package workflow

import (
	"context"
	"errors"
	"image"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/camera"
	"github.com/cjeanneret/StitchGo/internal/hw/simstage"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
	"github.com/cjeanneret/StitchGo/internal/journal"
	"github.com/cjeanneret/StitchGo/internal/logic/capture"
	"github.com/cjeanneret/StitchGo/internal/logic/geometry"
	"github.com/cjeanneret/StitchGo/internal/logic/motion"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch"
	"github.com/cjeanneret/StitchGo/internal/notify"
)

var bounds = stage.Bounds{MinX: 0, MaxX: 10, MinY: -10, MaxY: 0}

// countingCamera wraps a frame source; it can fail or block on a given capture.
type countingCamera struct {
	camera.Camera

	mu      sync.Mutex
	calls   int
	failAt  int           // 1-based capture that errors
	blockAt int           // 1-based capture that waits for ctx
	blocked chan struct{} // closed when blockAt is reached
}

func (c *countingCamera) Capture(ctx context.Context, refresh bool) (image.Image, error) {
	c.mu.Lock()
	c.calls++
	n := c.calls
	c.mu.Unlock()
	if n == c.failAt {
		return nil, errors.New("sensor timeout")
	}
	if n == c.blockAt {
		close(c.blocked)
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return c.Camera.Capture(ctx, refresh)
}

func (c *countingCamera) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

// memJournal records entries in memory.
type memJournal struct {
	mu      sync.Mutex
	entries []journal.Entry
}

func (j *memJournal) Record(ctx context.Context, e journal.Entry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, e)
	return nil
}

func (j *memJournal) all() []journal.Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Entry(nil), j.entries...)
}

type events struct {
	mu   sync.Mutex
	list []notify.Event
}

func (e *events) handle(ev notify.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.list = append(e.list, ev)
}

func (e *events) of(kind notify.Kind) []notify.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []notify.Event
	for _, ev := range e.list {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (e *events) phases() []string {
	var out []string
	for _, ev := range e.of(notify.KindProgress) {
		out = append(out, ev.Phase)
	}
	return out
}

type fixture struct {
	wf      *Workflow
	stage   *simstage.Stage
	cam     *countingCamera
	journal *memJournal
	events  *events
}

func newFixture(t *testing.T, start stage.Position, outDir string) *fixture {
	t.Helper()
	drv := simstage.New(simstage.Config{Bounds: bounds, Start: start})
	require.NoError(t, drv.Connect(context.Background()))
	t.Cleanup(func() { _ = drv.Close() })

	cam := &countingCamera{
		Camera: camera.NewSim(drv, camera.SimConfig{
			PixelsPerMM: 20,
			Bounds:      bounds,
			WidthMm:     2,
			HeightMm:    1.5,
			Seed:        42,
		}),
		blocked: make(chan struct{}),
	}
	ctrl := motion.NewController(drv, time.Millisecond, []float64{0.5, 1, 2, 4, 8})
	seq := capture.NewSequence(ctrl, cam, 0)
	engine := stitch.NewEngine(stitch.Options{Overlap: 0.25, FeatherPx: 4, CorrelationThreshold: 0.15, FeatureThreshold: 0.3}, nil)

	bus := notify.New()
	ev := &events{}
	bus.Subscribe(ev.handle)
	j := &memJournal{}

	wf := New(ctrl, cam, seq, engine, bus, j, Options{
		FieldOfView: map[string]geometry.FieldOfView{
			"x10": {WidthMm: 2, HeightMm: 1.5},
		},
		Overlap:      0.25,
		DefaultMode:  stitch.ModeSimple,
		OutputDir:    outDir,
		OutputFormat: "png",
	})
	return &fixture{wf: wf, stage: drv, cam: cam, journal: j, events: ev}
}

var req2x2 = Request{GridX: 2, GridY: 2, Magnitude: "x10", Corner: geometry.TopLeft, Mode: stitch.ModeSimple}

func TestReblend_WithoutSession(t *testing.T) {
	f := newFixture(t, stage.Position{}, "")
	assert.False(t, f.wf.HasSession())

	_, err := f.wf.ReblendResult(context.Background(), stitch.ModeSimple)
	assert.ErrorIs(t, err, fault.ErrValidation)
	assert.False(t, f.wf.Reblend(context.Background(), stitch.ModeSimple))
	assert.Len(t, f.events.of(notify.KindError), 2)
}

func TestRun_Simple2x2(t *testing.T) {
	out := t.TempDir()
	f := newFixture(t, stage.Position{X: 1, Y: -1}, out)

	res, err := f.wf.Run(context.Background(), req2x2)
	require.NoError(t, err)

	// 40x30 px tiles, overlap 10x7 px.
	assert.Equal(t, image.Rect(0, 0, 70, 53), res.Image.Bounds())
	assert.Equal(t, 4, f.cam.Calls())
	require.NotEmpty(t, res.Path)
	_, err = os.Stat(res.Path)
	assert.NoError(t, err)

	assert.True(t, f.wf.HasSession())
	info, ok := f.wf.Session()
	require.True(t, ok)
	assert.Equal(t, 4, info.Tiles)
	assert.Equal(t, res.SessionID, info.ID)
	assert.Same(t, res.Image, f.wf.Latest())

	phases := f.events.phases()
	require.NotEmpty(t, phases)
	assert.Equal(t, PhaseStarted, phases[0])
	assert.Equal(t, PhaseCompleted, phases[len(phases)-1])
	assert.Contains(t, phases, PhaseBlending)
	assert.Len(t, f.events.of(notify.KindImageReady), 1)
	assert.Len(t, f.events.of(notify.KindPosition), 4)
	assert.Empty(t, f.events.of(notify.KindError))

	entries := f.journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusOK, entries[0].Status)
	assert.Equal(t, journal.KindCapture, entries[0].Kind)
	assert.Equal(t, 4, entries[0].Tiles)
	assert.Equal(t, 70, entries[0].WidthPx)
	assert.Equal(t, res.Path, entries[0].Output)
}

func TestRun_ThenReblend(t *testing.T) {
	f := newFixture(t, stage.Position{X: 1, Y: -1}, "")
	require.True(t, f.wf.PlanAndRun(context.Background(), req2x2))

	res, err := f.wf.ReblendResult(context.Background(), stitch.ModeCorrelation)
	require.NoError(t, err)
	assert.Equal(t, stitch.ModeCorrelation, res.Mode)
	assert.Empty(t, res.Path, "saving disabled")
	assert.Equal(t, 4, f.cam.Calls(), "re-blend must not recapture")

	info, _ := f.wf.Session()
	assert.Equal(t, stitch.ModeCorrelation, info.Mode)

	entries := f.journal.all()
	require.Len(t, entries, 2)
	assert.Equal(t, journal.KindReblend, entries[1].Kind)
	assert.Equal(t, journal.StatusOK, entries[1].Status)
}

func TestRun_OutOfBoundsPublishesErrorWithoutMoving(t *testing.T) {
	start := stage.Position{X: 9, Y: -9}
	f := newFixture(t, start, "")

	_, err := f.wf.Run(context.Background(), req2x2)
	require.ErrorIs(t, err, fault.ErrPlanning)

	assert.Equal(t, 0, f.cam.Calls())
	assert.Equal(t, start, f.stage.CurrentPosition(context.Background()))
	assert.Empty(t, f.events.of(notify.KindPosition), "no move was commanded")
	errs := f.events.of(notify.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "Planning failed")
	assert.False(t, f.wf.HasSession())

	entries := f.journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, journal.StatusFailed, entries[0].Status)
	assert.NotEmpty(t, entries[0].Error)
}

func TestRun_EmptyCornerUsesConfiguredDefault(t *testing.T) {
	// Only a bottom-right scan fits from here; top-left would leave the bounds.
	f := newFixture(t, stage.Position{X: 9, Y: -9}, "")
	f.wf.opts.DefaultCorner = geometry.BottomRight

	req := req2x2
	req.Corner = ""
	_, err := f.wf.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 4, f.cam.Calls())

	entries := f.journal.all()
	require.Len(t, entries, 1)
	assert.Equal(t, string(geometry.BottomRight), entries[0].Corner)
}

func TestRun_CaptureFailureCarriesIndex(t *testing.T) {
	f := newFixture(t, stage.Position{X: 1, Y: -1}, "")
	f.cam.failAt = 2

	_, err := f.wf.Run(context.Background(), req2x2)
	require.ErrorIs(t, err, fault.ErrCapture)
	assert.Equal(t, 2, fault.CaptureIndex(err))
	assert.False(t, f.wf.HasSession())

	errs := f.events.of(notify.KindError)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Message, "tile 2")
}

func TestRun_Validation(t *testing.T) {
	f := newFixture(t, stage.Position{X: 1, Y: -1}, "")
	ctx := context.Background()

	bad := []Request{
		{GridX: 2, GridY: 2, Magnitude: "x100"},
		{GridX: 0, GridY: 2, Magnitude: "x10"},
		{GridX: 2, GridY: 2, Magnitude: "x10", Corner: "middle"},
		{GridX: 2, GridY: 2, Magnitude: "x10", Mode: "magic"},
	}
	for _, r := range bad {
		_, err := f.wf.Run(ctx, r)
		assert.ErrorIs(t, err, fault.ErrValidation, "request %+v", r)
	}
	assert.Equal(t, 0, f.cam.Calls())
}

func TestRun_SecondRunRejectedAndCancel(t *testing.T) {
	f := newFixture(t, stage.Position{X: 1, Y: -1}, "")
	ctx := context.Background()
	require.True(t, f.wf.PlanAndRun(ctx, req2x2))
	first, _ := f.wf.Session()

	f.cam.blockAt = f.cam.Calls() + 2
	done := make(chan error, 1)
	go func() {
		_, err := f.wf.Run(ctx, req2x2)
		done <- err
	}()

	select {
	case <-f.cam.blocked:
	case <-time.After(5 * time.Second):
		t.Fatal("run never reached the blocking capture")
	}

	_, err := f.wf.Run(ctx, req2x2)
	assert.ErrorIs(t, err, fault.ErrValidation, "second concurrent run")
	assert.ErrorIs(t, f.wf.MoveTo(ctx, stage.Position{X: 2, Y: -2}), fault.ErrValidation, "manual move during run")

	assert.True(t, f.wf.Cancel())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop after Cancel")
	}
	assert.False(t, f.wf.Cancel(), "nothing left to cancel")

	after, ok := f.wf.Session()
	require.True(t, ok, "failed run keeps the previous session")
	assert.Equal(t, first.ID, after.ID)

	errs := f.events.of(notify.KindError)
	require.NotEmpty(t, errs)
	assert.Equal(t, "Run cancelled", errs[len(errs)-1].Message)
}

func TestManualControl(t *testing.T) {
	f := newFixture(t, stage.Position{X: 1, Y: -1}, "")
	ctx := context.Background()

	assert.ErrorIs(t, f.wf.MoveTo(ctx, stage.Position{X: 11, Y: -1}), fault.ErrValidation)
	require.NoError(t, f.wf.MoveTo(ctx, stage.Position{X: 4, Y: -3}))
	assert.Equal(t, stage.Position{X: 4, Y: -3}, f.wf.Position(ctx))

	pos := f.events.of(notify.KindPosition)
	require.Len(t, pos, 2)
	assert.Equal(t, stage.Position{X: 4, Y: -3}, *pos[0].Position)

	assert.ErrorIs(t, f.wf.JogKey(ctx, "x", 1), fault.ErrValidation)
	assert.ErrorIs(t, f.wf.Jog(ctx, 0, 9), fault.ErrValidation)
	require.NoError(t, f.wf.JogKey(ctx, "d", 5))
	require.NoError(t, f.wf.StopJog(ctx))
	assert.GreaterOrEqual(t, f.wf.Position(ctx).X, 4.0)

	require.NoError(t, f.wf.Home(ctx))
	assert.Equal(t, stage.Position{X: 0, Y: 0}, f.wf.Position(ctx))
	assert.Equal(t, stage.Ready, f.wf.State())

	f.stage.TripLimit(stage.LimitAxis2)
	assert.ErrorIs(t, f.wf.MoveTo(ctx, stage.Position{X: 1, Y: -1}), fault.ErrProtocol)
	require.NoError(t, f.wf.ClearFault(ctx))
	assert.NoError(t, f.wf.MoveTo(ctx, stage.Position{X: 1, Y: -1}))
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{context.Canceled, "Run cancelled"},
		{fault.Capture(3, errors.New("timeout")), "Capture failed at tile 3"},
		{fault.Planning("too big"), "Planning failed"},
		{fault.Protocol("move to", "busy"), "Stage error"},
		{fault.Validation("run", "bad"), "Invalid request"},
	}
	for _, tc := range cases {
		assert.Contains(t, Describe(tc.err), tc.want)
	}
}
