package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/cjeanneret/StitchGo/internal/config"
	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/hw/camera"
	"github.com/cjeanneret/StitchGo/internal/hw/gpio"
	"github.com/cjeanneret/StitchGo/internal/hw/shot"
	"github.com/cjeanneret/StitchGo/internal/hw/simstage"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
	"github.com/cjeanneret/StitchGo/internal/hw/stepper"
	"github.com/cjeanneret/StitchGo/internal/imageio"
	"github.com/cjeanneret/StitchGo/internal/journal"
	"github.com/cjeanneret/StitchGo/internal/logic/capture"
	"github.com/cjeanneret/StitchGo/internal/logic/geometry"
	"github.com/cjeanneret/StitchGo/internal/logic/motion"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch"
	"github.com/cjeanneret/StitchGo/internal/logic/stitch/cvfeature"
	"github.com/cjeanneret/StitchGo/internal/logic/workflow"
	"github.com/cjeanneret/StitchGo/internal/web"
)

// overrides are the run parameters settable from the command line.
// Zero values mean "use the config default".
type overrides struct {
	GridX     int
	GridY     int
	AreaW     float64
	AreaH     float64
	Magnitude string
	Corner    string
	Mode      string
}

func main() {
	// CLI flags
	webPort := &webPortFlag{defaultPort: 8080}
	flag.Var(webPort, "web", "start web server on port; -web= for default 8080, -web 8980 for custom port")
	cfgPath := flag.String("config", filepath.Join("configs", "default.yaml"), "path to config file")
	gridX := flag.Int("grid_x", 0, "override tile columns (1-100)")
	gridY := flag.Int("grid_y", 0, "override tile rows (1-100)")
	areaW := flag.Float64("area_w", 0, "plan the grid to cover this width in mm (requires -area_h)")
	areaH := flag.Float64("area_h", 0, "plan the grid to cover this height in mm (requires -area_w)")
	magnitude := flag.String("magnitude", "", "override objective magnitude (x5, x10, x20, x50, x100)")
	corner := flag.String("corner", "", "override start corner (top-left, top-right, bottom-left, bottom-right)")
	mode := flag.String("mode", "", "override stitching mode (simple, correlation, feature)")
	debugLevel := flag.Int("debug", -1, "override debug level (0-4)")
	listPorts := flag.Bool("list_ports", false, "list serial ports and exit")
	flag.Parse()

	if *listPorts {
		ports, err := shot.ListPorts()
		if err != nil {
			log.Fatalf("list serial ports failed: %v", err)
		}
		fmt.Println(renderPorts(ports))
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Load configuration
	if err := config.ValidateConfigPath(*cfgPath); err != nil {
		log.Fatalf("invalid config path: %v", err)
	}
	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	// Validate CLI overrides (only non-zero values are applied; zero means "use config default")
	ov := overrides{
		GridX:     *gridX,
		GridY:     *gridY,
		AreaW:     *areaW,
		AreaH:     *areaH,
		Magnitude: *magnitude,
		Corner:    *corner,
		Mode:      *mode,
	}
	if err := validateCLIOverrides(ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}
	if *debugLevel > 4 {
		log.Fatalf("invalid CLI override: debug must be between 0 and 4, got %d", *debugLevel)
	}
	if *debugLevel >= 0 {
		cfg.Defaults.DebugLevel = *debugLevel
	}

	// Apply CLI overrides to config
	if err := applyOverrides(cfg, ov); err != nil {
		log.Fatalf("invalid CLI override: %v", err)
	}

	// Initialize debug system
	debug.Init(cfg.Defaults.DebugLevel)
	debug.Section("Initialization")
	debug.Value("Config path", *cfgPath)
	debug.Value("Debug level", cfg.Defaults.DebugLevel)

	// Initialize GPIO driver
	debug.Value("Mock GPIO", cfg.Defaults.MockGPIO)
	debug.Step(1, "Initializing GPIO driver")
	gpioDriver, err := gpio.NewDriver(cfg.Defaults.MockGPIO)
	if err != nil {
		log.Fatalf("init GPIO failed: %v", err)
	}
	defer func() {
		if err := gpioDriver.Close(); err != nil {
			log.Printf("closing GPIO driver failed: %v", err)
		}
	}()

	// Initialize stage
	debug.Step(2, "Connecting stage")
	debug.Value("Stage driver", cfg.Stage.Driver)
	debug.PrintStruct("Stage bounds", cfg.Stage.Bounds)
	drv, err := newStageFromConfig(gpioDriver, cfg)
	if err != nil {
		log.Fatalf("init stage failed: %v", err)
	}
	if err := drv.Connect(ctx); err != nil {
		log.Fatalf("connect stage failed: %v", err)
	}
	defer func() {
		if err := drv.Close(); err != nil {
			log.Printf("closing stage failed: %v", err)
		}
	}()

	// Initialize camera
	debug.Step(3, "Initializing camera")
	debug.Value("Camera source", cfg.Camera.Source)
	cam, err := newCameraFromConfig(gpioDriver, drv, cfg)
	if err != nil {
		log.Fatalf("init camera failed: %v", err)
	}

	// Initialize run journal
	debug.Step(4, "Opening run journal")
	var (
		recorder workflow.Recorder
		runs     web.RunLister
	)
	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			log.Fatalf("open journal failed: %v", err)
		}
		defer j.Close()
		recorder, runs = j, j
		debug.Value("Journal", cfg.Journal.Path)
	}

	debug.Step(5, "Creating motion, capture and stitching pipeline")
	motionCtrl := motion.NewController(drv, cfg.PollInterval(), cfg.Stage.SpeedLevels)
	captureSeq := capture.NewSequence(motionCtrl, cam, cfg.SettleDelay())
	engine := stitch.NewEngine(stitch.Options{
		Overlap:              cfg.OverlapRatio(),
		FeatherPx:            cfg.Stitching.FeatherPx,
		CorrelationThreshold: cfg.Stitching.CorrelationThreshold,
		FeatureThreshold:     cfg.Stitching.FeatureThreshold,
	}, cvfeature.New())
	debug.PrintStruct("Stitching config", cfg.Stitching)
	wf := workflow.New(motionCtrl, cam, captureSeq, engine, nil, recorder, workflowOptions(cfg))

	if port := webPort.port(); port > 0 {
		webAddr := fmt.Sprintf(":%d", port)
		broadcaster := web.NewStatusBroadcaster()
		detach := broadcaster.Attach(wf.Bus())
		defer detach()
		debug.SetOutput(io.MultiWriter(os.Stdout, web.BroadcastWriter(broadcaster)))

		handlers := web.NewHandlers(broadcaster, wf, runs, formDefaults(cfg))
		srv := web.NewServer(webAddr, handlers)
		if err := srv.Run(ctx); err != nil {
			log.Fatalf("web server: %v", err)
		}
		return
	}

	{
		// Run capture once with current config (already has CLI overrides applied)
		req, err := requestFromConfig(cfg)
		if err != nil {
			log.Fatalf("invalid run parameters: %v", err)
		}
		debug.Summary("Grid Plan Summary")
		debug.Grid(req.GridX, req.GridY)
		res, err := wf.Run(ctx, req)
		if err != nil {
			log.Fatalf("%s", workflow.Describe(err))
		}
		fmt.Println(renderSummary(req, res))
	}
}

// validateCLIOverrides checks that non-zero CLI overrides are within valid ranges.
// Zero values are ignored (they mean "use config default").
func validateCLIOverrides(ov overrides) error {
	if ov.GridX < 0 || ov.GridX > web.MaxGrid {
		return fmt.Errorf("grid_x must be between 1 and %d, got %d", web.MaxGrid, ov.GridX)
	}
	if ov.GridY < 0 || ov.GridY > web.MaxGrid {
		return fmt.Errorf("grid_y must be between 1 and %d, got %d", web.MaxGrid, ov.GridY)
	}
	for name, v := range map[string]float64{"area_w": ov.AreaW, "area_h": ov.AreaH} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return fmt.Errorf("%s must be a positive length in mm, got %g", name, v)
		}
	}
	if (ov.AreaW > 0) != (ov.AreaH > 0) {
		return fmt.Errorf("area_w and area_h must be given together")
	}
	if ov.AreaW > 0 && (ov.GridX > 0 || ov.GridY > 0) {
		return fmt.Errorf("area_w/area_h and grid_x/grid_y are mutually exclusive")
	}
	if ov.Magnitude != "" && !contains(config.Magnitudes, ov.Magnitude) {
		return fmt.Errorf("magnitude must be one of %v, got %q", config.Magnitudes, ov.Magnitude)
	}
	if ov.Corner != "" {
		if _, err := geometry.ParseCorner(ov.Corner); err != nil {
			return err
		}
	}
	if ov.Mode != "" {
		if _, err := stitch.ParseMode(ov.Mode); err != nil {
			return err
		}
	}
	return nil
}

// applyOverrides mutates cfg with overrides. Only non-zero override values are
// applied. An area is converted to a grid using the magnitude's field of view.
func applyOverrides(cfg *config.Config, ov overrides) error {
	if ov.Magnitude != "" {
		if _, err := cfg.TileSize(ov.Magnitude); err != nil {
			return err
		}
		cfg.Defaults.Magnitude = ov.Magnitude
	}
	if ov.Corner != "" {
		c, err := geometry.ParseCorner(ov.Corner)
		if err != nil {
			return err
		}
		cfg.Defaults.Corner = string(c)
	}
	if ov.Mode != "" {
		cfg.Stitching.Mode = ov.Mode
	}
	if ov.GridX > 0 {
		cfg.Defaults.GridX = ov.GridX
	}
	if ov.GridY > 0 {
		cfg.Defaults.GridY = ov.GridY
	}
	if ov.AreaW > 0 && ov.AreaH > 0 {
		size, err := cfg.TileSize(cfg.Defaults.Magnitude)
		if err != nil {
			return err
		}
		fov := geometry.FieldOfView{WidthMm: size.WidthMm, HeightMm: size.HeightMm}
		gx, gy, err := geometry.GridForArea(ov.AreaW, ov.AreaH, fov, cfg.OverlapRatio())
		if err != nil {
			return err
		}
		if gx > web.MaxGrid || gy > web.MaxGrid {
			return fmt.Errorf("area %gx%g mm needs a %dx%d grid, above the %d limit", ov.AreaW, ov.AreaH, gx, gy, web.MaxGrid)
		}
		cfg.Defaults.GridX, cfg.Defaults.GridY = gx, gy
	}
	return nil
}

// requestFromConfig builds the run request for CLI mode.
func requestFromConfig(cfg *config.Config) (workflow.Request, error) {
	corner, err := geometry.ParseCorner(cfg.Defaults.Corner)
	if err != nil {
		return workflow.Request{}, err
	}
	mode, err := stitch.ParseMode(cfg.Stitching.Mode)
	if err != nil {
		return workflow.Request{}, err
	}
	return workflow.Request{
		GridX:     cfg.Defaults.GridX,
		GridY:     cfg.Defaults.GridY,
		Magnitude: cfg.Defaults.Magnitude,
		Corner:    corner,
		Mode:      mode,
	}, nil
}

func workflowOptions(cfg *config.Config) workflow.Options {
	fovs := make(map[string]geometry.FieldOfView, len(cfg.Camera.ImageSize))
	for mag, size := range cfg.Camera.ImageSize {
		fovs[mag] = geometry.FieldOfView{WidthMm: size.WidthMm, HeightMm: size.HeightMm}
	}
	// config.Validate has already rejected unknown corners.
	corner, _ := geometry.ParseCorner(cfg.Defaults.Corner)
	return workflow.Options{
		FieldOfView:   fovs,
		Overlap:       cfg.OverlapRatio(),
		DefaultMode:   stitch.Mode(cfg.Stitching.Mode),
		DefaultCorner: corner,
		OutputDir:     cfg.Stitching.OutputDir,
		OutputFormat:  cfg.Stitching.OutputFormat,
		OutputQuality: cfg.Stitching.OutputQuality,
		Contrast:      cfg.Stitching.Enhance.Contrast,
		Sharpen:       cfg.Stitching.Enhance.Sharpen,
	}
}

func formDefaults(cfg *config.Config) web.FormConfig {
	mags := make([]string, 0, len(cfg.Camera.ImageSize))
	for _, m := range config.Magnitudes {
		if _, ok := cfg.Camera.ImageSize[m]; ok {
			mags = append(mags, m)
		}
	}
	return web.FormConfig{
		GridX:       cfg.Defaults.GridX,
		GridY:       cfg.Defaults.GridY,
		Magnitude:   cfg.Defaults.Magnitude,
		Corner:      cfg.Defaults.Corner,
		Mode:        cfg.Stitching.Mode,
		Overlap:     cfg.OverlapRatio(),
		Magnitudes:  mags,
		Corners:     config.Corners,
		Modes:       config.StitchModes,
		SpeedLevels: len(cfg.Stage.SpeedLevels),
	}
}

// webPortFlag implements flag.Value for -web: 0 = disabled, -web= or -web 8080 → 8080, -web 8980 → 8980.
type webPortFlag struct {
	val         int
	defaultPort int
}

func (w *webPortFlag) String() string {
	if w.val == 0 {
		return "0"
	}
	return strconv.Itoa(w.val)
}

func (w *webPortFlag) Set(s string) error {
	if s == "" {
		w.val = w.defaultPort
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	if v <= 0 || v > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", v)
	}
	w.val = v
	return nil
}

func (w *webPortFlag) port() int { return w.val }

func stageBounds(cfg *config.Config) stage.Bounds {
	b := cfg.Stage.Bounds
	return stage.Bounds{MinX: b.MinX, MaxX: b.MaxX, MinY: b.MinY, MaxY: b.MaxY}
}

// newStageFromConfig selects a stage driver based on configuration.
func newStageFromConfig(g gpio.Driver, cfg *config.Config) (stage.Driver, error) {
	start := stage.Position{X: cfg.Stage.Simulation.StartX, Y: cfg.Stage.Simulation.StartY}
	switch cfg.Stage.Driver {
	case "sim":
		return simstage.New(simstage.Config{
			Bounds:       stageBounds(cfg),
			Start:        start,
			Tick:         cfg.SimTick(),
			MoveSpeed:    cfg.Stage.Simulation.MoveSpeedMm,
			PollInterval: cfg.PollInterval(),
		}), nil
	case "shot":
		debug.Value("Serial port", cfg.Stage.Serial.Port)
		debug.Value("Baud rate", cfg.Stage.Serial.BaudRate)
		return shot.New(shot.Config{
			PortName:     cfg.Stage.Serial.Port,
			BaudRate:     cfg.Stage.Serial.BaudRate,
			Timeout:      cfg.SerialTimeout(),
			PollInterval: cfg.PollInterval(),
			Acceleration: cfg.Acceleration(),
			PulsesPerMM:  cfg.Stage.PulsesPerMM,
			Bounds:       stageBounds(cfg),
		}), nil
	case "stepper":
		debug.PrintStruct("X stepper config", cfg.Stage.Stepper.X)
		debug.PrintStruct("Y stepper config", cfg.Stage.Stepper.Y)
		return stepper.NewStage(g, stepper.StageConfig{
			X:           stepperAxis(cfg.Stage.Stepper.X, cfg),
			Y:           stepperAxis(cfg.Stage.Stepper.Y, cfg),
			PulsesPerMM: cfg.Stage.PulsesPerMM,
			Bounds:      stageBounds(cfg),
			Start:       start,
		}), nil
	default:
		return nil, fmt.Errorf("unsupported stage driver: %s", cfg.Stage.Driver)
	}
}

func stepperAxis(c config.StepperConfig, cfg *config.Config) stepper.AxisConfig {
	return stepper.AxisConfig{
		Motor: stepper.Config{
			StepPin:   c.StepPin,
			DirPin:    c.DirPin,
			EnablePin: c.EnablePin,
			StepDelay: cfg.StepDelay(),
		},
		LimitPin: c.LimitPin,
	}
}

// newCameraFromConfig selects a frame source based on configuration.
func newCameraFromConfig(g gpio.Driver, pos camera.Positioner, cfg *config.Config) (camera.Camera, error) {
	switch cfg.Camera.Source {
	case "sim":
		size, err := cfg.TileSize(cfg.Defaults.Magnitude)
		if err != nil {
			return nil, err
		}
		simCfg := camera.SimConfig{
			PixelsPerMM:   cfg.Camera.Sim.PixelsPerMM,
			Bounds:        stageBounds(cfg),
			WidthMm:       size.WidthMm,
			HeightMm:      size.HeightMm,
			LatencyFrames: cfg.Camera.Sim.LatencyFrames,
			RefreshFrames: cfg.Camera.RefreshFrames,
			Seed:          cfg.Camera.Sim.Seed,
		}
		if ref := cfg.Camera.Sim.ReferenceImage; ref != "" {
			img, err := imageio.Load(ref)
			if err != nil {
				return nil, fmt.Errorf("load reference image: %w", err)
			}
			simCfg.Specimen = img
			debug.Value("Reference image", ref)
		}
		return camera.NewSim(pos, simCfg), nil
	case "folder":
		folderCfg := camera.FolderConfig{
			Dir:     cfg.Camera.Folder.Dir,
			Timeout: cfg.FolderTimeout(),
			Poll:    cfg.FolderPoll(),
		}
		if t := cfg.Camera.Folder.Trigger; t.ShutterPin > 0 {
			folderCfg.Trigger = camera.NewRemoteTrigger(g, t.FocusPin, t.ShutterPin, cfg.FocusDelay(), cfg.ShutterDelay())
			debug.Value("Focus pin", t.FocusPin)
			debug.Value("Shutter pin", t.ShutterPin)
		}
		debug.Value("Hot folder", cfg.Camera.Folder.Dir)
		f, err := camera.NewFolder(folderCfg)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported camera source: %s", cfg.Camera.Source)
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
