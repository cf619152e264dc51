package web

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
	"github.com/cjeanneret/StitchGo/internal/imageio"
	"github.com/cjeanneret/StitchGo/internal/journal"
	"github.com/cjeanneret/StitchGo/internal/logic/geometry"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch"
	"github.com/cjeanneret/StitchGo/internal/logic/workflow"
)

// MaxGrid caps each grid dimension accepted over HTTP.
const MaxGrid = 100

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

// Pipeline is the workflow surface the handlers drive. *workflow.Workflow
// satisfies it.
type Pipeline interface {
	Run(ctx context.Context, req workflow.Request) (*workflow.Result, error)
	ReblendResult(ctx context.Context, mode stitch.Mode) (*workflow.Result, error)
	Cancel() bool
	Session() (workflow.SessionInfo, bool)
	Latest() *image.NRGBA

	Position(ctx context.Context) stage.Position
	State() stage.State
	Jog(ctx context.Context, degree, level int) error
	JogKey(ctx context.Context, key string, level int) error
	StopJog(ctx context.Context) error
	MoveTo(ctx context.Context, p stage.Position) error
	Home(ctx context.Context) error
	ClearFault(ctx context.Context) error
}

// RunLister reads the run journal. *journal.Journal satisfies it.
type RunLister interface {
	Recent(ctx context.Context, limit int) ([]journal.Entry, error)
}

// FormConfig holds default values for the run form (from config).
type FormConfig struct {
	GridX       int      `json:"grid_x"`
	GridY       int      `json:"grid_y"`
	Magnitude   string   `json:"magnitude"`
	Corner      string   `json:"corner"`
	Mode        string   `json:"mode"`
	Overlap     float64  `json:"overlap"`
	Magnitudes  []string `json:"magnitudes"`
	Corners     []string `json:"corners"`
	Modes       []string `json:"modes"`
	SpeedLevels int      `json:"speed_levels"`
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	Broadcaster  *StatusBroadcaster
	Pipeline     Pipeline
	Runs         RunLister // nil when the journal is disabled
	FormDefaults FormConfig
	runningMu    sync.Mutex
	running      bool
}

// NewHandlers creates handlers with the given dependencies.
// If pipeline is nil, run and stage routes return 503 Service Unavailable.
func NewHandlers(broadcaster *StatusBroadcaster, pipeline Pipeline, runs RunLister, formDefaults FormConfig) *Handlers {
	return &Handlers{
		Broadcaster:  broadcaster,
		Pipeline:     pipeline,
		Runs:         runs,
		FormDefaults: formDefaults,
	}
}

// ValidateRequest checks a run request after defaults are applied.
func ValidateRequest(req workflow.Request, magnitudes []string) error {
	if req.GridX < 1 || req.GridX > MaxGrid || req.GridY < 1 || req.GridY > MaxGrid {
		return fault.Validation("run", "grid_x and grid_y must be between 1 and %d", MaxGrid)
	}
	if _, err := geometry.ParseCorner(string(req.Corner)); err != nil {
		return err
	}
	if _, err := stitch.ParseMode(string(req.Mode)); err != nil {
		return err
	}
	if len(magnitudes) > 0 {
		for _, m := range magnitudes {
			if m == req.Magnitude {
				return nil
			}
		}
		return fault.Validation("run", "unknown magnitude %q", req.Magnitude)
	}
	return nil
}

func (h *Handlers) withDefaults(req workflow.Request) workflow.Request {
	d := h.FormDefaults
	if req.GridX == 0 {
		req.GridX = d.GridX
	}
	if req.GridY == 0 {
		req.GridY = d.GridY
	}
	if req.Magnitude == "" {
		req.Magnitude = d.Magnitude
	}
	if req.Corner == "" {
		req.Corner = geometry.Corner(d.Corner)
	}
	if req.Mode == "" {
		req.Mode = stitch.Mode(d.Mode)
	}
	return req
}

// HandleConfig returns the form default values (from config) as JSON.
func (h *Handlers) HandleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.FormDefaults)
}

// HandleRun handles POST /run to start a capture run in the background.
// Progress and failures are reported on the status stream.
func (h *Handlers) HandleRun(w http.ResponseWriter, r *http.Request) {
	var req workflow.Request
	if !decodeJSON(w, r, &req) {
		return
	}
	req = h.withDefaults(req)
	if err := ValidateRequest(req, h.FormDefaults.Magnitudes); err != nil {
		writeError(w, err)
		return
	}
	if h.Pipeline == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if !h.start(func(ctx context.Context) error {
		_, err := h.Pipeline.Run(ctx, req)
		return err
	}) {
		http.Error(w, "run already in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// HandleReblend handles POST /reblend, stitching the stored session again.
func (h *Handlers) HandleReblend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Mode stitch.Mode `json:"mode"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if _, err := stitch.ParseMode(string(body.Mode)); err != nil {
		writeError(w, err)
		return
	}
	if h.Pipeline == nil {
		http.Error(w, "capture not configured", http.StatusServiceUnavailable)
		return
	}
	if _, ok := h.Pipeline.Session(); !ok {
		writeError(w, fault.Validation("reblend", "no captured session to re-blend"))
		return
	}
	if !h.start(func(ctx context.Context) error {
		_, err := h.Pipeline.ReblendResult(ctx, body.Mode)
		return err
	}) {
		http.Error(w, "run already in progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

// start runs job in a goroutine unless one is already running.
func (h *Handlers) start(job func(ctx context.Context) error) bool {
	h.runningMu.Lock()
	if h.running {
		h.runningMu.Unlock()
		return false
	}
	h.running = true
	h.runningMu.Unlock()

	go func() {
		defer func() {
			h.runningMu.Lock()
			h.running = false
			h.runningMu.Unlock()
		}()
		// The workflow publishes failures on the bus; only log here.
		if err := job(context.Background()); err != nil {
			debug.Error(err)
		}
	}()
	return true
}

// Running reports whether a background run started by the handlers is active.
func (h *Handlers) Running() bool {
	h.runningMu.Lock()
	defer h.runningMu.Unlock()
	return h.running
}

// HandleCancel handles POST /cancel.
func (h *Handlers) HandleCancel(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": h.Pipeline.Cancel()})
}

// HandleSession handles GET /session.
func (h *Handlers) HandleSession(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	info, ok := h.Pipeline.Session()
	if !ok {
		http.Error(w, "no session", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

type positionResponse struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	State string  `json:"state"`
}

// HandlePosition handles GET /position.
func (h *Handlers) HandlePosition(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	p := h.Pipeline.Position(r.Context())
	writeJSON(w, http.StatusOK, positionResponse{X: p.X, Y: p.Y, State: h.Pipeline.State().String()})
}

// HandleJog handles POST /jog: {"key":"w"} or {"degree":90}, with a speed level.
func (h *Handlers) HandleJog(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Key    string `json:"key"`
		Degree *int   `json:"degree"`
		Level  int    `json:"level"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if !h.ready(w) {
		return
	}
	if body.Level == 0 {
		body.Level = 1
	}
	var err error
	switch {
	case body.Key != "":
		err = h.Pipeline.JogKey(r.Context(), body.Key, body.Level)
	case body.Degree != nil:
		err = h.Pipeline.Jog(r.Context(), *body.Degree, body.Level)
	default:
		err = fault.Validation("jog", "key or degree is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "jogging"})
}

// HandleStop handles POST /stop.
func (h *Handlers) HandleStop(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if err := h.Pipeline.StopJog(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writePosition(w, r)
}

// HandleMove handles POST /move with an absolute {"x", "y"} target in mm.
func (h *Handlers) HandleMove(w http.ResponseWriter, r *http.Request) {
	var p stage.Position
	if !decodeJSON(w, r, &p) {
		return
	}
	if math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0) {
		writeError(w, fault.Validation("move", "target must be finite"))
		return
	}
	if !h.ready(w) {
		return
	}
	if err := h.Pipeline.MoveTo(r.Context(), p); err != nil {
		writeError(w, err)
		return
	}
	h.writePosition(w, r)
}

// HandleHome handles POST /home.
func (h *Handlers) HandleHome(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if err := h.Pipeline.Home(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writePosition(w, r)
}

// HandleClearFault handles POST /clear-fault.
func (h *Handlers) HandleClearFault(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	if err := h.Pipeline.ClearFault(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	h.writePosition(w, r)
}

func (h *Handlers) writePosition(w http.ResponseWriter, r *http.Request) {
	p := h.Pipeline.Position(r.Context())
	writeJSON(w, http.StatusOK, positionResponse{X: p.X, Y: p.Y, State: h.Pipeline.State().String()})
}

// HandleRuns handles GET /runs?limit=N.
func (h *Handlers) HandleRuns(w http.ResponseWriter, r *http.Request) {
	if h.Runs == nil {
		http.Error(w, "journal disabled", http.StatusServiceUnavailable)
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := h.Runs.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, runs)
}

// HandlePanorama handles GET /panorama, serving the latest composite as PNG.
func (h *Handlers) HandlePanorama(w http.ResponseWriter, r *http.Request) {
	if !h.ready(w) {
		return
	}
	img := h.Pipeline.Latest()
	if img == nil {
		http.Error(w, "no composite yet", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := imageio.Encode(w, img, "png", 0); err != nil {
		debug.Error(err)
	}
}

// HandleStatusStream handles GET /status/stream for SSE.
func (h *Handlers) HandleStatusStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // nginx

	ch, unsub := h.Broadcaster.Subscribe()
	defer unsub()

	w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			w.Write([]byte("data: " + msg + "\n\n"))
			flusher.Flush()

		case <-ticker.C:
			w.Write([]byte(": heartbeat\n\n"))
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

func (h *Handlers) ready(w http.ResponseWriter) bool {
	if h.Pipeline == nil {
		http.Error(w, "stage not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

// statusFor maps an error kind onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, fault.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, fault.ErrProtocol):
		return http.StatusConflict
	case errors.Is(err, fault.ErrHardwareComm):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// decodeJSON reads a bounded JSON body into v, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
