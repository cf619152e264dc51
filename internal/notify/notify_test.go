package notify

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cjeanneret/StitchGo/internal/hw/stage"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

func TestBus_DeliversToAllSubscribers(t *testing.T) {
	b := New()
	var r1, r2 recorder
	b.Subscribe(r1.handle)
	b.Subscribe(r2.handle)

	b.Progress("started", "run started", 0, 4)
	b.Position(stage.Position{X: 1, Y: -2})
	b.ImageReady(100, 80, "out.png")
	b.Error("boom")

	want := []Kind{KindProgress, KindPosition, KindImageReady, KindError}
	assert.Equal(t, want, r1.kinds())
	assert.Equal(t, want, r2.kinds())

	require.NotNil(t, r1.events[1].Position)
	assert.Equal(t, stage.Position{X: 1, Y: -2}, *r1.events[1].Position)
	assert.False(t, r1.events[0].Time.IsZero(), "publish stamps the time")
	assert.Equal(t, 4, r1.events[0].Total)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := New()
	var r recorder
	unsub := b.Subscribe(r.handle)
	b.Error("one")
	unsub()
	unsub()
	b.Error("two")
	assert.Len(t, r.kinds(), 1)
}

func TestBus_PanickingSubscriberIsIsolated(t *testing.T) {
	b := New()
	var r recorder
	b.Subscribe(func(Event) { panic("bad subscriber") })
	b.Subscribe(r.handle)

	assert.NotPanics(t, func() { b.Error("still delivered") })
	assert.Equal(t, []Kind{KindError}, r.kinds())
}

func TestBus_PublishWithoutSubscribers(t *testing.T) {
	assert.NotPanics(t, func() { New().Progress("idle", "", 0, 0) })
}
