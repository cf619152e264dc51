package camera

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/imageio"
)

// FolderConfig configures a hot-folder source.
type FolderConfig struct {
	Dir     string
	Timeout time.Duration // wait for a new frame; default 10s
	Poll    time.Duration // scan period; default 100ms
	Trigger Trigger       // optional; nil = frames arrive on their own
}

// Folder reads frames written into a directory by tethering software
// (gphoto2 --capture-tethered, digiCamControl, a microscope camera app).
// A frame is a new image file whose size stopped changing between two scans.
type Folder struct {
	cfg FolderConfig
}

var _ Camera = (*Folder)(nil)

// NewFolder creates a hot-folder source. The directory must exist.
func NewFolder(cfg FolderConfig) (*Folder, error) {
	info, err := os.Stat(cfg.Dir)
	if err != nil {
		return nil, fault.HardwareComm("open capture folder", err)
	}
	if !info.IsDir() {
		return nil, fault.Validation("open capture folder", "%s is not a directory", cfg.Dir)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Poll <= 0 {
		cfg.Poll = 100 * time.Millisecond
	}
	return &Folder{cfg: cfg}, nil
}

// Capture fires the trigger and decodes the next file to appear. A hot folder
// holds no stale frames, so refresh has nothing to discard.
func (f *Folder) Capture(ctx context.Context, refresh bool) (image.Image, error) {
	seen, err := f.scan()
	if err != nil {
		return nil, err
	}
	if f.cfg.Trigger != nil {
		if err := f.cfg.Trigger.Fire(ctx); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()
	ticker := time.NewTicker(f.cfg.Poll)
	defer ticker.Stop()

	pending := map[string]int64{}
	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				return nil, fault.HardwareComm("capture", fmt.Errorf("no new frame in %s after %v", f.cfg.Dir, f.cfg.Timeout))
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}

		now, err := f.scan()
		if err != nil {
			return nil, err
		}
		for name, size := range now {
			if _, old := seen[name]; old {
				continue
			}
			if prev, ok := pending[name]; ok && prev == size && size > 0 {
				debug.Verbose("Folder camera: new frame %s (%d bytes)", name, size)
				return imageio.Load(filepath.Join(f.cfg.Dir, name))
			}
			pending[name] = size
		}
	}
}

// scan lists image files and their sizes.
func (f *Folder) scan() (map[string]int64, error) {
	entries, err := os.ReadDir(f.cfg.Dir)
	if err != nil {
		return nil, fault.HardwareComm("scan capture folder", err)
	}
	files := make(map[string]int64, len(entries))
	for _, e := range entries {
		if e.IsDir() || !imageio.IsImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		files[e.Name()] = info.Size()
	}
	return files, nil
}
