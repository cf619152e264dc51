package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
	"github.com/cjeanneret/StitchGo/internal/journal"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch"
	"github.com/cjeanneret/StitchGo/internal/logic/workflow"
	"github.com/cjeanneret/StitchGo/internal/notify"
)

// fakePipeline records calls and returns scripted results.
type fakePipeline struct {
	mu       sync.Mutex
	calls    []string
	runs     []workflow.Request
	reblends []stitch.Mode
	block    chan struct{} // when set, Run waits on it
	started  chan struct{} // closed by the first Run
	session  *workflow.SessionInfo
	latest   *image.NRGBA
	pos      stage.Position
	moveErr  error
	jogErr   error
}

func (f *fakePipeline) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakePipeline) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakePipeline) Run(ctx context.Context, req workflow.Request) (*workflow.Result, error) {
	f.mu.Lock()
	f.runs = append(f.runs, req)
	started, block := f.started, f.block
	f.mu.Unlock()
	f.record("run")
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	return &workflow.Result{}, nil
}

func (f *fakePipeline) ReblendResult(ctx context.Context, mode stitch.Mode) (*workflow.Result, error) {
	f.mu.Lock()
	f.reblends = append(f.reblends, mode)
	f.mu.Unlock()
	f.record("reblend")
	return &workflow.Result{}, nil
}

func (f *fakePipeline) Cancel() bool { f.record("cancel"); return true }

func (f *fakePipeline) Session() (workflow.SessionInfo, bool) {
	if f.session == nil {
		return workflow.SessionInfo{}, false
	}
	return *f.session, true
}

func (f *fakePipeline) Latest() *image.NRGBA { return f.latest }

func (f *fakePipeline) Position(ctx context.Context) stage.Position { return f.pos }
func (f *fakePipeline) State() stage.State                          { return stage.Ready }

func (f *fakePipeline) Jog(ctx context.Context, degree, level int) error {
	f.record("jog")
	return f.jogErr
}

func (f *fakePipeline) JogKey(ctx context.Context, key string, level int) error {
	f.record("jogkey:" + key)
	return f.jogErr
}

func (f *fakePipeline) StopJog(ctx context.Context) error { f.record("stop"); return nil }

func (f *fakePipeline) MoveTo(ctx context.Context, p stage.Position) error {
	f.record("move")
	if f.moveErr != nil {
		return f.moveErr
	}
	f.pos = p
	return nil
}

func (f *fakePipeline) Home(ctx context.Context) error {
	f.record("home")
	f.pos = stage.Position{}
	return nil
}

func (f *fakePipeline) ClearFault(ctx context.Context) error { f.record("clear"); return nil }

type fakeRuns struct {
	entries []journal.Entry
	limit   int
}

func (r *fakeRuns) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	r.limit = limit
	return r.entries, nil
}

var testForm = FormConfig{
	GridX: 3, GridY: 2, Magnitude: "x10", Corner: "top-left", Mode: "correlation",
	Overlap: 0.1, Magnitudes: []string{"x5", "x10"}, SpeedLevels: 5,
}

func newTestServer(p Pipeline, runs RunLister) (*Handlers, http.Handler) {
	h := NewHandlers(NewStatusBroadcaster(), p, runs, testForm)
	return h, NewServer(":0", h).Mux()
}

func do(t *testing.T, mux http.Handler, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	return w
}

// waitIdle waits for the background job started by a handler.
func waitIdle(t *testing.T, h *Handlers) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for h.Running() {
		if time.Now().After(deadline) {
			t.Fatal("background run did not finish")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// ---------- ValidateRequest ----------

func TestValidateRequest(t *testing.T) {
	mags := []string{"x10"}
	valid := workflow.Request{GridX: 2, GridY: 2, Magnitude: "x10", Corner: "top-left", Mode: "simple"}
	if err := ValidateRequest(valid, mags); err != nil {
		t.Fatalf("valid request rejected: %v", err)
	}
	cases := []struct {
		name string
		mut  func(*workflow.Request)
	}{
		{"grid_zero", func(r *workflow.Request) { r.GridX = 0 }},
		{"grid_too_large", func(r *workflow.Request) { r.GridY = MaxGrid + 1 }},
		{"bad_corner", func(r *workflow.Request) { r.Corner = "center" }},
		{"bad_mode", func(r *workflow.Request) { r.Mode = "magic" }},
		{"bad_magnitude", func(r *workflow.Request) { r.Magnitude = "x7" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := valid
			tc.mut(&req)
			if err := ValidateRequest(req, mags); !errors.Is(err, fault.ErrValidation) {
				t.Errorf("ValidateRequest = %v, want validation error", err)
			}
		})
	}
}

// ---------- POST /run ----------

func TestHandleRun_AppliesDefaults(t *testing.T) {
	p := &fakePipeline{}
	h, mux := newTestServer(p, nil)

	w := do(t, mux, http.MethodPost, "/run", `{"grid_x": 4}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d (%s)", w.Code, http.StatusAccepted, w.Body)
	}
	waitIdle(t, h)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.runs) != 1 {
		t.Fatalf("runs = %d, want 1", len(p.runs))
	}
	got := p.runs[0]
	want := workflow.Request{GridX: 4, GridY: 2, Magnitude: "x10", Corner: "top-left", Mode: "correlation"}
	if got != want {
		t.Errorf("request = %+v, want %+v", got, want)
	}
}

func TestHandleRun_InvalidJSON(t *testing.T) {
	_, mux := newTestServer(&fakePipeline{}, nil)
	if w := do(t, mux, http.MethodPost, "/run", "not json"); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_OversizedBody(t *testing.T) {
	_, mux := newTestServer(&fakePipeline{}, nil)
	big := `{"magnitude":"` + strings.Repeat("x", 2<<20) + `"}`
	if w := do(t, mux, http.MethodPost, "/run", big); w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d (oversized body)", w.Code, http.StatusBadRequest)
	}
}

func TestHandleRun_InvalidRequest(t *testing.T) {
	p := &fakePipeline{}
	_, mux := newTestServer(p, nil)
	w := do(t, mux, http.MethodPost, "/run", `{"grid_x": -1}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if len(p.Calls()) != 0 {
		t.Errorf("pipeline called: %v", p.Calls())
	}
}

func TestHandleRun_NilPipeline(t *testing.T) {
	_, mux := newTestServer(nil, nil)
	if w := do(t, mux, http.MethodPost, "/run", `{}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
}

func TestHandleRun_GetMethodNotAllowed(t *testing.T) {
	_, mux := newTestServer(&fakePipeline{}, nil)
	if w := do(t, mux, http.MethodGet, "/run", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want %d", w.Code, http.StatusMethodNotAllowed)
	}
}

func TestHandleRun_ConcurrentRun(t *testing.T) {
	p := &fakePipeline{started: make(chan struct{}), block: make(chan struct{})}
	h, mux := newTestServer(p, nil)

	if w := do(t, mux, http.MethodPost, "/run", `{}`); w.Code != http.StatusAccepted {
		t.Fatalf("first request: status = %d, want %d", w.Code, http.StatusAccepted)
	}
	<-p.started

	if w := do(t, mux, http.MethodPost, "/run", `{}`); w.Code != http.StatusConflict {
		t.Errorf("concurrent request: status = %d, want %d", w.Code, http.StatusConflict)
	}
	p.session = &workflow.SessionInfo{ID: "s", GridX: 1, GridY: 1, Tiles: 1}
	if w := do(t, mux, http.MethodPost, "/reblend", `{"mode":"simple"}`); w.Code != http.StatusConflict {
		t.Errorf("reblend during run: status = %d, want %d", w.Code, http.StatusConflict)
	}

	close(p.block)
	waitIdle(t, h)
}

// ---------- POST /reblend, /cancel, GET /session ----------

func TestHandleReblend(t *testing.T) {
	p := &fakePipeline{}
	h, mux := newTestServer(p, nil)

	if w := do(t, mux, http.MethodPost, "/reblend", `{"mode":"feature"}`); w.Code != http.StatusBadRequest {
		t.Errorf("without session: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	p.session = &workflow.SessionInfo{ID: "s1", GridX: 2, GridY: 1, Tiles: 2}
	if w := do(t, mux, http.MethodPost, "/reblend", `{"mode":"magic"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad mode: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := do(t, mux, http.MethodPost, "/reblend", `{"mode":"feature"}`); w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusAccepted)
	}
	waitIdle(t, h)
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.reblends) != 1 || p.reblends[0] != stitch.ModeFeature {
		t.Errorf("reblends = %v, want [feature]", p.reblends)
	}
}

func TestHandleSessionAndCancel(t *testing.T) {
	p := &fakePipeline{}
	_, mux := newTestServer(p, nil)

	if w := do(t, mux, http.MethodGet, "/session", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
	p.session = &workflow.SessionInfo{ID: "abc", GridX: 2, GridY: 3, Tiles: 6, Mode: stitch.ModeSimple}
	w := do(t, mux, http.MethodGet, "/session", "")
	var info workflow.SessionInfo
	if err := json.NewDecoder(w.Body).Decode(&info); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if info.ID != "abc" || info.Tiles != 6 {
		t.Errorf("session = %+v", info)
	}

	w = do(t, mux, http.MethodPost, "/cancel", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cancelled":true`) {
		t.Errorf("cancel = %d %s", w.Code, w.Body)
	}
}

// ---------- manual control ----------

func TestHandleMoveAndPosition(t *testing.T) {
	p := &fakePipeline{}
	_, mux := newTestServer(p, nil)

	w := do(t, mux, http.MethodPost, "/move", `{"x": 2.5, "y": -1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("move status = %d (%s)", w.Code, w.Body)
	}
	var pos positionResponse
	if err := json.NewDecoder(w.Body).Decode(&pos); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if pos.X != 2.5 || pos.Y != -1 || pos.State != "ready" {
		t.Errorf("position = %+v", pos)
	}

	w = do(t, mux, http.MethodGet, "/position", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"x":2.5`) {
		t.Errorf("GET /position = %d %s", w.Code, w.Body)
	}

	p.moveErr = fault.Validation("move", "target outside the travel bounds")
	if w := do(t, mux, http.MethodPost, "/move", `{"x": 99, "y": 0}`); w.Code != http.StatusBadRequest {
		t.Errorf("out of bounds: status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	p.moveErr = fault.Protocol("move to", "busy")
	if w := do(t, mux, http.MethodPost, "/move", `{"x": 1, "y": 0}`); w.Code != http.StatusConflict {
		t.Errorf("busy: status = %d, want %d", w.Code, http.StatusConflict)
	}
	p.moveErr = fault.HardwareComm("move to", errors.New("write: broken pipe"))
	if w := do(t, mux, http.MethodPost, "/move", `{"x": 1, "y": 0}`); w.Code != http.StatusBadGateway {
		t.Errorf("comm failure: status = %d, want %d", w.Code, http.StatusBadGateway)
	}
}

func TestHandleJog(t *testing.T) {
	p := &fakePipeline{}
	_, mux := newTestServer(p, nil)

	cases := []struct {
		body string
		code int
		call string
	}{
		{`{"key":"w","level":2}`, http.StatusOK, "jogkey:w"},
		{`{"degree":180}`, http.StatusOK, "jog"},
		{`{"level":1}`, http.StatusBadRequest, ""},
	}
	for _, tc := range cases {
		before := len(p.Calls())
		w := do(t, mux, http.MethodPost, "/jog", tc.body)
		if w.Code != tc.code {
			t.Errorf("%s: status = %d, want %d", tc.body, w.Code, tc.code)
		}
		calls := p.Calls()
		if tc.call != "" && (len(calls) != before+1 || calls[before] != tc.call) {
			t.Errorf("%s: calls = %v, want %s", tc.body, calls[before:], tc.call)
		}
	}

	p.jogErr = fault.Validation("jog", "unknown key")
	if w := do(t, mux, http.MethodPost, "/jog", `{"key":"q"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad key: status = %d, want %d", w.Code, http.StatusBadRequest)
	}

	for _, route := range []string{"/stop", "/home", "/clear-fault"} {
		if w := do(t, mux, http.MethodPost, route, ""); w.Code != http.StatusOK {
			t.Errorf("%s: status = %d", route, w.Code)
		}
	}
	calls := p.Calls()
	if got := calls[len(calls)-3:]; got[0] != "stop" || got[1] != "home" || got[2] != "clear" {
		t.Errorf("calls = %v", got)
	}
}

// ---------- GET /runs, /panorama, /config ----------

func TestHandleRuns(t *testing.T) {
	_, mux := newTestServer(&fakePipeline{}, nil)
	if w := do(t, mux, http.MethodGet, "/runs", ""); w.Code != http.StatusServiceUnavailable {
		t.Errorf("journal disabled: status = %d", w.Code)
	}

	runs := &fakeRuns{entries: []journal.Entry{{ID: "r1", Status: journal.StatusOK}}}
	_, mux = newTestServer(&fakePipeline{}, runs)
	w := do(t, mux, http.MethodGet, "/runs?limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var got []journal.Entry
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" || runs.limit != 5 {
		t.Errorf("runs = %+v, limit = %d", got, runs.limit)
	}
	if w := do(t, mux, http.MethodGet, "/runs?limit=abc", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit: status = %d", w.Code)
	}
}

func TestHandlePanorama(t *testing.T) {
	p := &fakePipeline{}
	_, mux := newTestServer(p, nil)
	if w := do(t, mux, http.MethodGet, "/panorama", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}

	p.latest = image.NewNRGBA(image.Rect(0, 0, 12, 7))
	w := do(t, mux, http.MethodGet, "/panorama", "")
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("status = %d, content type %q", w.Code, w.Header().Get("Content-Type"))
	}
	img, err := png.Decode(bytes.NewReader(w.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 12 || img.Bounds().Dy() != 7 {
		t.Errorf("size = %v", img.Bounds())
	}
}

func TestHandleConfig(t *testing.T) {
	_, mux := newTestServer(&fakePipeline{}, nil)
	w := do(t, mux, http.MethodGet, "/config", "")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var fc FormConfig
	if err := json.NewDecoder(w.Body).Decode(&fc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if fc.GridX != 3 || fc.Magnitude != "x10" || fc.Mode != "correlation" || fc.SpeedLevels != 5 {
		t.Errorf("config = %+v", fc)
	}
}

// ---------- GET /status/stream ----------

func TestHandleStatusStream_ForwardsBus(t *testing.T) {
	h, mux := newTestServer(&fakePipeline{}, nil)
	bus := notify.New()
	defer h.Broadcaster.Attach(bus)()

	srv := httptest.NewServer(mux)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/status/stream")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	// The handler subscribes before writing the connected comment.
	select {
	case l := <-lines:
		if l != ": connected" {
			t.Fatalf("first line = %q", l)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no connected comment")
	}

	bus.Progress(workflow.PhaseBlending, "Stitching 4 tiles (simple)", 0, 4)
	deadline := time.After(2 * time.Second)
	for {
		select {
		case l, ok := <-lines:
			if !ok {
				t.Fatal("stream closed")
			}
			if !strings.HasPrefix(l, "data: ") {
				continue
			}
			var evt StatusEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(l, "data: ")), &evt); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if evt.Kind != notify.KindProgress || evt.Event.Phase != workflow.PhaseBlending {
				t.Errorf("event = %+v", evt)
			}
			return
		case <-deadline:
			t.Fatal("no event on stream")
		}
	}
}
