// Package notify is the event bus between the workflow and its observers
// (SSE clients, the CLI). Publish is fire-and-forget: handlers run
// synchronously, and a panicking handler is recovered and logged.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/cjeanneret/StitchGo/internal/debug"
	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

// Kind classifies an event.
type Kind string

const (
	KindProgress   Kind = "progress"
	KindError      Kind = "error"
	KindPosition   Kind = "position"
	KindImageReady Kind = "image_ready"
)

// Event is one notification.
type Event struct {
	Kind     Kind            `json:"kind"`
	Time     time.Time       `json:"time"`
	Phase    string          `json:"phase,omitempty"`
	Message  string          `json:"message,omitempty"`
	Index    int             `json:"index,omitempty"` // 1-based tile index
	Total    int             `json:"total,omitempty"`
	Position *stage.Position `json:"position,omitempty"`
	Width    int             `json:"width,omitempty"`
	Height   int             `json:"height,omitempty"`
	Path     string          `json:"path,omitempty"`
}

// Handler receives events.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]Handler
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers h and returns a function that removes it.
func (b *Bus) Subscribe(h Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = h
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers e to every subscriber. Time is stamped if unset.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs))
	for _, h := range b.subs {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		dispatch(h, e)
	}
}

func dispatch(h Handler, e Event) {
	defer func() {
		if r := recover(); r != nil {
			debug.Error(fmt.Errorf("notify: %s subscriber panicked: %v", e.Kind, r))
		}
	}()
	h(e)
}

// Progress publishes a progress event.
func (b *Bus) Progress(phase, msg string, index, total int) {
	b.Publish(Event{Kind: KindProgress, Phase: phase, Message: msg, Index: index, Total: total})
}

// Error publishes a human-readable failure.
func (b *Bus) Error(msg string) {
	b.Publish(Event{Kind: KindError, Message: msg})
}

// Position publishes the stage position.
func (b *Bus) Position(p stage.Position) {
	b.Publish(Event{Kind: KindPosition, Position: &p})
}

// ImageReady announces a new composite.
func (b *Bus) ImageReady(w, h int, path string) {
	b.Publish(Event{Kind: KindImageReady, Width: w, Height: h, Path: path})
}
