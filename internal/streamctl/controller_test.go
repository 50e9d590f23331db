package streamctl

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/miragekit/mirage/internal/bufpool"
	"github.com/miragekit/mirage/internal/reassembler"
	"github.com/miragekit/mirage/internal/wire"
)

type fakeDecoder struct {
	mu              sync.Mutex
	started         bool
	resets          int
	decodedFrames   int
	onFrame         FrameCallback
	errHandler      func()
	dimHandler      func(int, int)
}

func (d *fakeDecoder) StartDecoding(onFrame FrameCallback) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.started = true
	d.onFrame = onFrame
	return nil
}

func (d *fakeDecoder) DecodeFrame(data []byte, presentationTimeNs uint64, isKeyframe bool, contentRect wire.ContentRect) error {
	d.mu.Lock()
	d.decodedFrames++
	onFrame := d.onFrame
	d.mu.Unlock()
	if onFrame != nil {
		onFrame(presentationTimeNs, contentRect)
	}
	return nil
}

func (d *fakeDecoder) ResetForNewSession() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resets++
	return nil
}

func (d *fakeDecoder) SetErrorThresholdHandler(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errHandler = fn
}

func (d *fakeDecoder) SetDimensionChangeHandler(fn func(width, height int)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dimHandler = fn
}

func newTestController(t *testing.T) (*Controller, *fakeDecoder) {
	t.Helper()
	pool := bufpool.New(0)
	dec := &fakeDecoder{}
	cb := Callbacks{}
	ctrl := New(1, dec, cb, reassembler.Config{MaxPayloadSize: 1200}, pool, DefaultCapacity)
	return ctrl, dec
}

// DefaultCapacity mirrors decodequeue.DefaultCapacity for test readability.
const DefaultCapacity = 6

func TestControllerStartStop(t *testing.T) {
	ctrl, dec := newTestController(t)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	dec.mu.Lock()
	started := dec.started
	dec.mu.Unlock()
	if !started {
		t.Fatalf("expected decoder to be started")
	}
	ctrl.Stop()
}

func TestControllerResizeDebounceEmitsOnce(t *testing.T) {
	ctrl, dec := newTestController(t)
	ctrl.SetScreenArea(1920 * 1080)

	var mu sync.Mutex
	var events []ResizeEvent
	ctrl.cb.OnResize = func(e ResizeEvent) {
		mu.Lock()
		events = append(events, e)
		mu.Unlock()
	}

	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	// A drawable size change is only actionable once a frame has been
	// decoded; resize before that point is a no-op.
	if err := dec.DecodeFrame([]byte{0x01}, 0, true, wire.ContentRect{}); err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}

	// First layout is silent.
	ctrl.HandleResize(PixelSize{Width: 800, Height: 600})
	time.Sleep(350 * time.Millisecond)

	mu.Lock()
	count := len(events)
	mu.Unlock()
	if count != 0 {
		t.Fatalf("expected first layout to be silent, got %d events", count)
	}

	// Rapid successive resizes should debounce to a single emitted event.
	ctrl.HandleResize(PixelSize{Width: 1000, Height: 700})
	ctrl.HandleResize(PixelSize{Width: 1024, Height: 768})
	time.Sleep(350 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 1 {
		t.Fatalf("expected exactly one debounced resize event, got %d", len(events))
	}
	if events[0].PixelSize.Width != 1024 {
		t.Fatalf("expected the last reported size to win, got %+v", events[0].PixelSize)
	}
}

func TestControllerRecoveryOnLossEvent(t *testing.T) {
	ctrl, dec := newTestController(t)
	var mu sync.Mutex
	needed := 0
	ctrl.cb.OnKeyframeNeeded = func() {
		mu.Lock()
		needed++
		mu.Unlock()
	}
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer ctrl.Stop()

	ctrl.HandleLossEvent(reassembler.LossEvent{StreamID: 1})

	mu.Lock()
	n := needed
	mu.Unlock()
	if n != 1 {
		t.Fatalf("expected OnKeyframeNeeded to fire once, got %d", n)
	}
	dec.mu.Lock()
	resets := dec.resets
	dec.mu.Unlock()
	if resets != 1 {
		t.Fatalf("expected decoder reset once, got %d", resets)
	}
}

func TestControllerStaleGenerationIgnored(t *testing.T) {
	ctrl, dec := newTestController(t)
	if err := ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	staleGen := ctrl.currentGen()
	ctrl.Stop()

	ctrl.requestRecoveryLocked(staleGen)

	dec.mu.Lock()
	resets := dec.resets
	dec.mu.Unlock()
	if resets != 0 {
		t.Fatalf("expected a stale-generation recovery request to be ignored, got %d resets", resets)
	}
}
