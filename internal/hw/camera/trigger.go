package camera

import (
	"context"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/fault"
	"github.com/cjeanneret/StitchGo/internal/hw/gpio"
)

// Trigger fires a camera that stores its frame somewhere a source can read it.
type Trigger interface {
	Fire(ctx context.Context) error
}

// RemoteTrigger drives a DSLR through its wired remote connector
// (Nikon MC-DC2 style, 3 pins):
// - GND: connected to Raspberry Pi ground
// - FOCUS: autofocus (activate by setting to LOW), optional
// - SHUTTER: trigger (activate by setting to LOW)
//
// Trigger sequence:
// 1. FOCUS to LOW (activates autofocus)
// 2. Wait for autofocus to complete
// 3. SHUTTER to LOW (triggers the shot)
// 4. Hold for a moment
// 5. Set SHUTTER and FOCUS back to HIGH
type RemoteTrigger struct {
	gpio         gpio.Driver
	focusPin     int // 0 = no focus line
	shutterPin   int
	focusDelay   time.Duration // time for autofocus
	shutterDelay time.Duration // shutter hold time
}

// NewRemoteTrigger configures the remote lines as outputs, released (HIGH).
func NewRemoteTrigger(g gpio.Driver, focusPin, shutterPin int, focusDelay, shutterDelay time.Duration) *RemoteTrigger {
	for _, pin := range []int{focusPin, shutterPin} {
		if pin <= 0 {
			continue
		}
		_ = g.SetupPin(pin, gpio.Output)
		_ = g.WritePin(pin, gpio.High)
	}
	return &RemoteTrigger{
		gpio:         g,
		focusPin:     focusPin,
		shutterPin:   shutterPin,
		focusDelay:   focusDelay,
		shutterDelay: shutterDelay,
	}
}

// Fire runs the focus/shutter sequence. Both lines are released on every path.
func (r *RemoteTrigger) Fire(ctx context.Context) error {
	const op = "fire shutter"
	debug.Verbose("Camera: triggering shot (focus=%d, shutter=%d)", r.focusPin, r.shutterPin)
	defer r.release()

	if r.focusPin > 0 {
		if err := r.gpio.WritePin(r.focusPin, gpio.Low); err != nil {
			return fault.HardwareComm(op, err)
		}
		if err := sleep(ctx, r.focusDelay); err != nil {
			return err
		}
	}

	if err := r.gpio.WritePin(r.shutterPin, gpio.Low); err != nil {
		return fault.HardwareComm(op, err)
	}
	if err := sleep(ctx, r.shutterDelay); err != nil {
		return err
	}
	debug.Verbose("Camera: shot triggered")
	return nil
}

func (r *RemoteTrigger) release() {
	_ = r.gpio.WritePin(r.shutterPin, gpio.High)
	if r.focusPin > 0 {
		_ = r.gpio.WritePin(r.focusPin, gpio.High)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
