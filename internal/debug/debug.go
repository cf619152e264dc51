// Package debug is the leveled console log shared by every layer.
package debug

import (
	"io"
	"log"
	"os"
	"strings"
)

// Debug levels
const (
	LevelOff     = 0 // No output
	LevelInfo    = 1 // Important info (grid, run outcome)
	LevelLive    = 2 // Live info (stage moves, tiles captured)
	LevelVerbose = 3 // Verbose (planning details, alignment estimates)
	LevelTrace   = 4 // Trace (serial lines, GPIO)
)

var (
	level  int
	logger *log.Logger
)

// Init initializes the debug system with a level (0-4).
// 0 = no output
// 1 = important info (grid, tile count, run outcome)
// 2 = live info (stage moves, tiles captured)
// 3 = verbose (trajectory points, offset estimates)
// 4 = trace (serial protocol lines, GPIO)
func Init(debugLevel int) {
	level = debugLevel
	logger = nil
	if level > LevelOff {
		logger = log.New(os.Stdout, "[StitchGo] ", log.LstdFlags|log.Lmicroseconds)
	}
}

// SetOutput redirects debug output, e.g. to mirror it to SSE clients.
// It is a no-op while debug output is off.
func SetOutput(w io.Writer) {
	if logger != nil {
		logger.SetOutput(w)
	}
}

// IsEnabled returns true if debug level is >= the requested level.
func IsEnabled(minLevel int) bool {
	return level >= minLevel && logger != nil
}

func printf(minLevel int, format string, args ...interface{}) {
	if IsEnabled(minLevel) {
		logger.Printf(format, args...)
	}
}

// --- Level 1 (Info) ---

// Info prints a level 1 message (important info).
func Info(format string, args ...interface{}) {
	printf(LevelInfo, "[INFO] "+format, args...)
}

// Summary prints a framed title (level 1).
func Summary(title string) {
	bar := strings.Repeat("═", 39)
	printf(LevelInfo, "%s", bar)
	printf(LevelInfo, "  %s", title)
	printf(LevelInfo, "%s", bar)
}

// Grid prints the tile grid of a run (level 1).
func Grid(columns, rows int) {
	printf(LevelInfo, "[INFO] Grid: %d columns x %d rows = %d tiles total", columns, rows, columns*rows)
}

// Value prints a named value (level 1).
func Value(name string, value interface{}) {
	printf(LevelInfo, "[INFO]   %s = %v", name, value)
}

// Error prints an error (level 1).
func Error(err error) {
	printf(LevelInfo, "[ERROR] %v", err)
}

// --- Level 2 (Live) ---

// Live prints a level 2 message (live info).
func Live(format string, args ...interface{}) {
	printf(LevelLive, "[LIVE] "+format, args...)
}

// Move prints a stage movement (level 2).
func Move(x, y float64, relative bool) {
	kind := "absolute"
	if relative {
		kind = "relative"
	}
	printf(LevelLive, "[LIVE] Stage move to (%.3f, %.3f) mm (%s)", x, y, kind)
}

// Tile prints a tile capture (level 2).
func Tile(index, total int) {
	printf(LevelLive, "[LIVE] Tile %d/%d captured", index, total)
}

// --- Level 3 (Verbose) ---

// Verbose prints a level 3 message.
func Verbose(format string, args ...interface{}) {
	printf(LevelVerbose, "[VERBOSE] "+format, args...)
}

// PrintStruct prints a struct with field names (level 3).
func PrintStruct(name string, v interface{}) {
	printf(LevelVerbose, "[VERBOSE] %s: %+v", name, v)
}

// Section prints a section separator (level 3).
func Section(name string) {
	bar := strings.Repeat("━", 40)
	printf(LevelVerbose, "%s", bar)
	printf(LevelVerbose, "  %s", name)
	printf(LevelVerbose, "%s", bar)
}

// Step prints a numbered setup step (level 3).
func Step(num int, description string) {
	printf(LevelVerbose, "[VERBOSE] Step %d: %s", num, description)
}

// --- Level 4 (Trace) ---

// Trace prints a level 4 message.
func Trace(format string, args ...interface{}) {
	printf(LevelTrace, "[TRACE] "+format, args...)
}

// Serial prints one protocol line (level 4). dir is ">" for sent, "<" for received.
func Serial(dir, line string) {
	printf(LevelTrace, "[SERIAL] %s %q", dir, line)
}

// GPIO prints a GPIO operation (level 4).
func GPIO(operation string, pin int, value interface{}) {
	printf(LevelTrace, "[GPIO] %s pin=%d value=%v", operation, pin, value)
}
