package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MaxConfigFileBytes caps the size of a config file accepted by Load.
const MaxConfigFileBytes = 1 << 20

// Magnitudes lists the objective magnifications a tile size can be configured for.
var Magnitudes = []string{"x5", "x10", "x20", "x50", "x100"}

// Stage drivers, camera sources and stitching modes accepted by the config.
var (
	StageDrivers  = []string{"sim", "shot", "stepper"}
	CameraSources = []string{"sim", "folder"}
	StitchModes   = []string{"simple", "correlation", "feature"}
	Corners       = []string{"top-left", "top-right", "bottom-left", "bottom-right"}
	OutputFormats = []string{"png", "jpg", "tiff", "webp"}
)

// SerialConfig describes the controller's serial line.
type SerialConfig struct {
	Port      string `yaml:"port"`       // e.g. /dev/ttyUSB0
	BaudRate  int    `yaml:"baud_rate"`  // SHOT controllers default to 38400
	TimeoutMs int    `yaml:"timeout_ms"` // per-reply read timeout
}

// BoundsConfig is the allowed travel range of the stage, in mm (inclusive).
type BoundsConfig struct {
	MinX float64 `yaml:"min_x"`
	MaxX float64 `yaml:"max_x"`
	MinY float64 `yaml:"min_y"`
	MaxY float64 `yaml:"max_y"`
}

// SimulationConfig tunes the simulated stage.
type SimulationConfig struct {
	TickMs      int     `yaml:"tick_ms"`         // integration period, 20-50 ms
	MoveSpeedMm float64 `yaml:"move_speed_mm_s"` // travel speed for MoveTo; 0 = instantaneous
	StartX      float64 `yaml:"start_x"` // also the assumed power-on position of the stepper stage
	StartY      float64 `yaml:"start_y"`
}

// StepperConfig holds the configuration for one stepper axis.
type StepperConfig struct {
	StepPin   int `yaml:"step_pin"`
	DirPin    int `yaml:"dir_pin"`
	EnablePin int `yaml:"enable_pin"` // A4988 ENABLE pin (BCM). 0 = not used. Active LOW.
	LimitPin  int `yaml:"limit_pin"`  // limit switch input (BCM), HIGH = tripped. 0 = not used.
}

// StepperStageConfig describes a DIY stage built from two STEP/DIR drivers.
type StepperStageConfig struct {
	X           StepperConfig `yaml:"x"`
	Y           StepperConfig `yaml:"y"`
	StepDelayUs int           `yaml:"step_delay_us"` // half-cycle of the STEP pulse for moves
}

// StageConfig groups everything the motion protocol driver needs.
type StageConfig struct {
	Driver         string             `yaml:"driver"`
	PulsesPerMM    float64            `yaml:"pulses_per_mm"`
	Bounds         BoundsConfig       `yaml:"bounds"`
	PollIntervalMs int                `yaml:"poll_interval_ms"`
	AccelerationMs int                `yaml:"acceleration_ms"`
	SpeedLevels    []float64          `yaml:"speed_levels"` // mm/s for S1..S5
	Serial         SerialConfig       `yaml:"serial"`
	Simulation     SimulationConfig   `yaml:"simulation"`
	Stepper        StepperStageConfig `yaml:"stepper"`
}

// TileSize is the field of view of one frame, in mm.
type TileSize struct {
	WidthMm  float64 `yaml:"width_mm"`
	HeightMm float64 `yaml:"height_mm"`
}

// SimCameraConfig configures the simulated frame source.
type SimCameraConfig struct {
	ReferenceImage string  `yaml:"reference_image"` // empty = synthetic specimen
	PixelsPerMM    float64 `yaml:"pixels_per_mm"`
	LatencyFrames  int     `yaml:"latency_frames"` // stale frames held in the pipeline
	Seed           int64   `yaml:"seed"`
}

// TriggerConfig describes an optional GPIO remote shutter.
type TriggerConfig struct {
	FocusPin       int `yaml:"focus_pin"`   // 0 = not used
	ShutterPin     int `yaml:"shutter_pin"` // 0 = no trigger
	FocusDelayMs   int `yaml:"focus_delay_ms"`
	ShutterDelayMs int `yaml:"shutter_delay_ms"`
}

// FolderCameraConfig configures the hot-folder frame source.
type FolderCameraConfig struct {
	Dir       string        `yaml:"dir"`
	TimeoutMs int           `yaml:"timeout_ms"`
	PollMs    int           `yaml:"poll_ms"`
	Trigger   TriggerConfig `yaml:"trigger"`
}

// CameraConfig describes the frame source and per-magnitude field of view.
type CameraConfig struct {
	Source        string              `yaml:"source"`
	ImageSize     map[string]TileSize `yaml:"image_size"`
	RefreshFrames int                 `yaml:"refresh_frames"` // frames discarded before a fresh capture
	SettleMs      int                 `yaml:"settle_ms"`      // wait after a move before capture
	Sim           SimCameraConfig     `yaml:"sim"`
	Folder        FolderCameraConfig  `yaml:"folder"`
}

// EnhanceConfig enables optional post-processing of the composite.
type EnhanceConfig struct {
	Contrast float64 `yaml:"contrast"` // percent, -100..100; 0 = off
	Sharpen  float64 `yaml:"sharpen"`  // gaussian sigma; 0 = off
}

// StitchingConfig tunes the alignment and blend engine.
type StitchingConfig struct {
	OverlapRatio         float64       `yaml:"overlap_ratio"`
	Mode                 string        `yaml:"mode"`
	FeatherPx            int           `yaml:"feather_px"`
	CorrelationThreshold float64       `yaml:"correlation_threshold"`
	FeatureThreshold     float64       `yaml:"feature_threshold"`
	OutputDir            string        `yaml:"output_dir"` // empty = do not save
	OutputFormat         string        `yaml:"output_format"`
	OutputQuality        int           `yaml:"output_quality"`
	Enhance              EnhanceConfig `yaml:"enhance"`
}

// JournalConfig locates the run history database.
type JournalConfig struct {
	Path string `yaml:"path"` // empty = journal disabled
}

// DefaultsConfig contains default run parameters.
type DefaultsConfig struct {
	GridX      int    `yaml:"grid_x"`
	GridY      int    `yaml:"grid_y"`
	Magnitude  string `yaml:"magnitude"`
	Corner     string `yaml:"corner"`
	DebugLevel int    `yaml:"debug_level"` // debug level 0-4 (0=off, 1=info, 2=live, 3=verbose, 4=trace)
	MockGPIO   bool   `yaml:"mock_gpio"`   // use mock GPIO (true=dev/test, false=real Raspberry Pi)
}

// Config aggregates all application configuration.
type Config struct {
	Stage     StageConfig     `yaml:"stage"`
	Camera    CameraConfig    `yaml:"camera"`
	Stitching StitchingConfig `yaml:"stitching"`
	Journal   JournalConfig   `yaml:"journal"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
}

// ValidateConfigPath accepts only .yaml files located directly in a "configs" directory.
func ValidateConfigPath(path string) error {
	if path == "" {
		return fmt.Errorf("config path is empty")
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("config path %q must not contain '..'", path)
		}
	}
	clean := filepath.Clean(path)
	if filepath.Ext(clean) != ".yaml" {
		return fmt.Errorf("config path %q must have a .yaml extension", path)
	}
	if filepath.Base(filepath.Dir(clean)) != "configs" {
		return fmt.Errorf("config path %q must be inside a configs/ directory", path)
	}
	return nil
}

// Load reads a YAML file and returns the configuration.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxConfigFileBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if len(data) > MaxConfigFileBytes {
		return nil, fmt.Errorf("config file exceeds %d bytes", MaxConfigFileBytes)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal yaml: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	s := &c.Stage
	if s.Driver == "" {
		s.Driver = "sim"
	}
	if s.PulsesPerMM == 0 {
		s.PulsesPerMM = 500 // 2 µm per pulse, SHOT full-step default
	}
	if s.Bounds == (BoundsConfig{}) {
		// Rows advance toward -Y, so the default area sits below the origin.
		s.Bounds = BoundsConfig{MinX: 0, MaxX: 100, MinY: -100, MaxY: 0}
	}
	if s.PollIntervalMs <= 0 {
		s.PollIntervalMs = 100
	}
	if s.AccelerationMs <= 0 {
		s.AccelerationMs = 100
	}
	if len(s.SpeedLevels) == 0 {
		s.SpeedLevels = []float64{0.1, 0.5, 1, 2.5, 5}
	}
	if s.Serial.BaudRate <= 0 {
		s.Serial.BaudRate = 38400
	}
	if s.Serial.TimeoutMs <= 0 {
		s.Serial.TimeoutMs = 5000
	}
	if s.Simulation.TickMs == 0 {
		s.Simulation.TickMs = 30
	}
	if s.Stepper.StepDelayUs <= 0 {
		s.Stepper.StepDelayUs = 500
	}

	cam := &c.Camera
	if cam.Source == "" {
		cam.Source = "sim"
	}
	if cam.RefreshFrames <= 0 {
		cam.RefreshFrames = 2
	}
	if cam.Sim.PixelsPerMM <= 0 {
		cam.Sim.PixelsPerMM = 100
	}
	if cam.Folder.TimeoutMs <= 0 {
		cam.Folder.TimeoutMs = 10000
	}
	if cam.Folder.PollMs <= 0 {
		cam.Folder.PollMs = 100
	}
	if cam.Folder.Trigger.FocusDelayMs <= 0 {
		cam.Folder.Trigger.FocusDelayMs = 500 // 500ms for autofocus
	}
	if cam.Folder.Trigger.ShutterDelayMs <= 0 {
		cam.Folder.Trigger.ShutterDelayMs = 200 // 200ms shutter hold
	}

	st := &c.Stitching
	if st.OverlapRatio == 0 {
		st.OverlapRatio = 0.1
	}
	if st.Mode == "" {
		st.Mode = "correlation"
	}
	if st.FeatherPx <= 0 {
		st.FeatherPx = 32
	}
	if st.CorrelationThreshold == 0 {
		st.CorrelationThreshold = 0.15
	}
	if st.FeatureThreshold == 0 {
		st.FeatureThreshold = 0.3
	}
	if st.OutputFormat == "" {
		st.OutputFormat = "png"
	}
	if st.OutputQuality <= 0 {
		st.OutputQuality = 95
	}

	d := &c.Defaults
	if d.GridX <= 0 {
		d.GridX = 3
	}
	if d.GridY <= 0 {
		d.GridY = 3
	}
	if d.Magnitude == "" {
		d.Magnitude = "x10"
	}
	if d.Corner == "" {
		d.Corner = "top-left"
	}
}

// Validate checks ranges and enumerations after defaults are applied.
func (c *Config) Validate() error {
	s := c.Stage
	if !contains(StageDrivers, s.Driver) {
		return fmt.Errorf("stage.driver must be one of %v, got %q", StageDrivers, s.Driver)
	}
	if s.PulsesPerMM <= 0 {
		return fmt.Errorf("stage.pulses_per_mm must be > 0, got %g", s.PulsesPerMM)
	}
	if s.Bounds.MinX >= s.Bounds.MaxX || s.Bounds.MinY >= s.Bounds.MaxY {
		return fmt.Errorf("stage.bounds must satisfy min < max on both axes, got %+v", s.Bounds)
	}
	if len(s.SpeedLevels) != 5 {
		return fmt.Errorf("stage.speed_levels must list 5 speeds (S1-S5), got %d", len(s.SpeedLevels))
	}
	for i, v := range s.SpeedLevels {
		if v <= 0 {
			return fmt.Errorf("stage.speed_levels[%d] must be > 0, got %g", i, v)
		}
	}
	if s.Simulation.TickMs < 20 || s.Simulation.TickMs > 50 {
		return fmt.Errorf("stage.simulation.tick_ms must be between 20 and 50, got %d", s.Simulation.TickMs)
	}
	if s.Simulation.MoveSpeedMm < 0 {
		return fmt.Errorf("stage.simulation.move_speed_mm_s must be >= 0, got %g", s.Simulation.MoveSpeedMm)
	}
	if s.Driver == "shot" && s.Serial.Port == "" {
		return fmt.Errorf("stage.serial.port is required for the shot driver")
	}
	if s.Driver == "stepper" && (s.Stepper.X.StepPin <= 0 || s.Stepper.Y.StepPin <= 0) {
		return fmt.Errorf("stage.stepper.x/y.step_pin are required for the stepper driver")
	}

	cam := c.Camera
	if !contains(CameraSources, cam.Source) {
		return fmt.Errorf("camera.source must be one of %v, got %q", CameraSources, cam.Source)
	}
	if len(cam.ImageSize) == 0 {
		return fmt.Errorf("camera.image_size must define at least one magnitude")
	}
	for mag, size := range cam.ImageSize {
		if !contains(Magnitudes, mag) {
			return fmt.Errorf("camera.image_size: unknown magnitude %q (want one of %v)", mag, Magnitudes)
		}
		if size.WidthMm <= 0 || size.HeightMm <= 0 {
			return fmt.Errorf("camera.image_size.%s must have positive width_mm and height_mm", mag)
		}
	}
	if cam.Sim.LatencyFrames < 0 {
		return fmt.Errorf("camera.sim.latency_frames must be >= 0, got %d", cam.Sim.LatencyFrames)
	}
	if cam.RefreshFrames < cam.Sim.LatencyFrames {
		return fmt.Errorf("camera.refresh_frames (%d) must be >= camera.sim.latency_frames (%d) or a refresh returns a stale frame",
			cam.RefreshFrames, cam.Sim.LatencyFrames)
	}
	if cam.Source == "folder" && cam.Folder.Dir == "" {
		return fmt.Errorf("camera.folder.dir is required for the folder source")
	}

	st := c.Stitching
	if st.OverlapRatio < 0 || st.OverlapRatio >= 1 {
		return fmt.Errorf("stitching.overlap_ratio must be in [0, 1), got %g", st.OverlapRatio)
	}
	if !contains(StitchModes, st.Mode) {
		return fmt.Errorf("stitching.mode must be one of %v, got %q", StitchModes, st.Mode)
	}
	if !contains(OutputFormats, st.OutputFormat) {
		return fmt.Errorf("stitching.output_format must be one of %v, got %q", OutputFormats, st.OutputFormat)
	}
	if st.Enhance.Contrast < -100 || st.Enhance.Contrast > 100 {
		return fmt.Errorf("stitching.enhance.contrast must be between -100 and 100, got %g", st.Enhance.Contrast)
	}

	d := c.Defaults
	if !contains(Corners, d.Corner) {
		return fmt.Errorf("defaults.corner must be one of %v, got %q", Corners, d.Corner)
	}
	if _, ok := cam.ImageSize[d.Magnitude]; !ok {
		return fmt.Errorf("defaults.magnitude %q has no camera.image_size entry", d.Magnitude)
	}
	return nil
}

// TileSize returns the field of view configured for a magnitude.
func (c *Config) TileSize(magnitude string) (TileSize, error) {
	size, ok := c.Camera.ImageSize[magnitude]
	if !ok {
		return TileSize{}, fmt.Errorf("no image size configured for magnitude %q", magnitude)
	}
	return size, nil
}

// SpeedLevel returns the jog speed in mm/s for level 1..5.
func (c *Config) SpeedLevel(level int) (float64, error) {
	if level < 1 || level > len(c.Stage.SpeedLevels) {
		return 0, fmt.Errorf("speed level must be between 1 and %d, got %d", len(c.Stage.SpeedLevels), level)
	}
	return c.Stage.SpeedLevels[level-1], nil
}

// PollInterval returns the readiness polling period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Stage.PollIntervalMs) * time.Millisecond
}

// Acceleration returns the controller ramp time used in speed commands.
func (c *Config) Acceleration() time.Duration {
	return time.Duration(c.Stage.AccelerationMs) * time.Millisecond
}

// SerialTimeout returns the per-reply read timeout.
func (c *Config) SerialTimeout() time.Duration {
	return time.Duration(c.Stage.Serial.TimeoutMs) * time.Millisecond
}

// SimTick returns the simulated stage integration period.
func (c *Config) SimTick() time.Duration {
	return time.Duration(c.Stage.Simulation.TickMs) * time.Millisecond
}

// StepDelay returns the STEP half-cycle for the stepper stage.
func (c *Config) StepDelay() time.Duration {
	return time.Duration(c.Stage.Stepper.StepDelayUs) * time.Microsecond
}

// SettleDelay returns the wait between the end of a move and the capture.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Camera.SettleMs) * time.Millisecond
}

// FolderTimeout returns how long the folder source waits for a new frame.
func (c *Config) FolderTimeout() time.Duration {
	return time.Duration(c.Camera.Folder.TimeoutMs) * time.Millisecond
}

// FolderPoll returns the folder scan period.
func (c *Config) FolderPoll() time.Duration {
	return time.Duration(c.Camera.Folder.PollMs) * time.Millisecond
}

// FocusDelay returns the autofocus delay duration.
func (c *Config) FocusDelay() time.Duration {
	return time.Duration(c.Camera.Folder.Trigger.FocusDelayMs) * time.Millisecond
}

// ShutterDelay returns the shutter hold duration.
func (c *Config) ShutterDelay() time.Duration {
	return time.Duration(c.Camera.Folder.Trigger.ShutterDelayMs) * time.Millisecond
}

// OverlapRatio returns the tile overlap as a ratio (0.0 to 1.0).
func (c *Config) OverlapRatio() float64 {
	return c.Stitching.OverlapRatio
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
