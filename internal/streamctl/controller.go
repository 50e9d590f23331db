// Package streamctl owns a stream's decoder and reassembler lifecycle: the
// resize debounce state machine, freeze detection, the keyframe recovery
// loop, and periodic metrics aggregation. All state mutation happens under
// a single mutex per controller; timer callbacks and decoder callbacks
// carry a generation token so a late callback can never resume work a
// subsequent Stop/reset already tore down.
package streamctl

import (
	"context"
	"sync"
	"time"

	"github.com/miragekit/mirage/internal/bufpool"
	"github.com/miragekit/mirage/internal/decodequeue"
	"github.com/miragekit/mirage/internal/reassembler"
	"github.com/miragekit/mirage/internal/wire"
)

const (
	freezeMonitorInterval    = 500 * time.Millisecond
	freezeThreshold          = 5 * time.Second
	keyframeRecoveryInterval = 1 * time.Second
	keyframeTimeout          = 3 * time.Second
	metricsInterval          = 500 * time.Millisecond
)

// Metrics is the periodic snapshot delivered to the UI callback.
type Metrics struct {
	DecodedFPS    float64
	ReceivedFPS   float64
	DroppedFrames int64
}

// Callbacks are the controller's outward-facing hooks, dispatched on the
// caller-supplied context's logical thread (the caller decides how to hop
// back to the UI/main thread if needed; this package never assumes one).
type Callbacks struct {
	OnResize               func(ResizeEvent)
	OnInputBlockingChanged func(bool)
	OnKeyframeNeeded       func()
	OnMetrics              func(Metrics)
}

// Controller owns a single stream's decode pipeline.
type Controller struct {
	streamID uint16
	decoder  Decoder
	cb       Callbacks

	mu  sync.Mutex
	gen int // bumped on every reset/stop to invalidate stale timers

	reassembler *reassembler.Reassembler
	queue       *decodequeue.Queue

	resizeState   ResizeState
	lastPixel     PixelSize
	lastAspect    float64
	lastScale     float64
	hasSentResize bool
	screenArea    float64
	resizeTimer   *time.Timer
	resizeGen     int

	isInputBlocked        bool
	lastDecodedFrameAt    time.Time
	hasReceivedFirstFrame bool

	lastRecoveryRequestAt time.Time

	receivedTimestamps []time.Time
	decodedTimestamps  []time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Controller for streamID, wired to decoder and emitting
// events through cb. The reassembler is constructed internally (its
// completion and loss handlers must point back at the controller) using
// reassemblerCfg and pool; a fresh decode queue of the given capacity
// backs it.
func New(streamID uint16, decoder Decoder, cb Callbacks, reassemblerCfg reassembler.Config, pool *bufpool.Pool, queueCapacity int) *Controller {
	c := &Controller{
		streamID: streamID,
		decoder:  decoder,
		cb:       cb,
		queue:    decodequeue.New(queueCapacity, nil),
	}
	reassemblerCfg.StreamID = streamID
	c.reassembler = reassembler.New(reassemblerCfg, pool, c.HandleIncomingFrame, c.HandleLossEvent)

	decoder.SetErrorThresholdHandler(func() {
		c.requestRecoveryLocked(c.currentGen())
	})
	decoder.SetDimensionChangeHandler(func(width, height int) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()
		c.onDimensionChange(gen)
	})
	return c
}

func (c *Controller) currentGen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Start launches the reassembler's timeout scanner, the decode worker, the
// freeze monitor, the keyframe recovery loop and the metrics loop.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx, c.cancel = context.WithCancel(ctx)
	runCtx := c.ctx
	c.mu.Unlock()

	if err := c.decoder.StartDecoding(c.onDecodedFrame); err != nil {
		return err
	}

	c.wg.Add(5)
	go func() { defer c.wg.Done(); c.reassembler.Run(runCtx) }()
	go func() { defer c.wg.Done(); c.decodeWorker(runCtx) }()
	go func() { defer c.wg.Done(); c.freezeMonitor(runCtx) }()
	go func() { defer c.wg.Done(); c.keyframeRecoveryLoop(runCtx) }()
	go func() { defer c.wg.Done(); c.metricsLoop(runCtx) }()
	return nil
}

// Stop cancels all timer tasks, drains the decode queue back to the pool,
// and marks the controller's generation invalid so any in-flight late
// callback becomes a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.gen++
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.mu.Unlock()

	c.queue.Stop()
	c.wg.Wait()
}

func (c *Controller) decodeWorker(ctx context.Context) {
	for {
		item, ok := c.queue.DequeueWait(ctx)
		if !ok {
			return
		}
		frame := item.(*reassembler.CompletedFrame)
		err := c.decoder.DecodeFrame(frame.Bytes, frame.Timestamp, frame.IsKeyframe, frame.ContentRect)
		frame.Release()
		if err != nil {
			// The decoder's own error tracker escalates via
			// SetErrorThresholdHandler; this worker just keeps draining.
			continue
		}
	}
}

// HandleIncomingFrame is wired as the reassembler's completion handler: it
// enqueues the frame and records a receive-time sample for the metrics
// sliding window.
func (c *Controller) HandleIncomingFrame(frame *reassembler.CompletedFrame) {
	c.mu.Lock()
	c.receivedTimestamps = append(c.receivedTimestamps, time.Now())
	c.mu.Unlock()
	c.queue.Enqueue(frame)
}

// HandleLossEvent is wired as the reassembler's loss handler.
func (c *Controller) HandleLossEvent(reassembler.LossEvent) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()
	c.requestRecoveryLocked(gen)
}

func (c *Controller) onDecodedFrame(presentationTimeNs uint64, contentRect wire.ContentRect) {
	c.mu.Lock()
	c.lastDecodedFrameAt = time.Now()
	c.decodedTimestamps = append(c.decodedTimestamps, c.lastDecodedFrameAt)
	c.hasReceivedFirstFrame = true
	wasBlocked := c.isInputBlocked
	c.isInputBlocked = false
	c.mu.Unlock()
	if wasBlocked && c.cb.OnInputBlockingChanged != nil {
		c.cb.OnInputBlockingChanged(false)
	}
}

// HandlePacket feeds one received (payload, header) UDP packet into the
// stream's reassembler. Callers (the transport's video handler) own
// demultiplexing by streamID; this is the only entry point video bytes
// take into a running controller.
func (c *Controller) HandlePacket(payload []byte, header wire.FrameHeader) {
	c.reassembler.HandlePacket(payload, header)
}

// UpdateExpectedDimensionToken forwards to the reassembler's dimension
// token gate, letting callers arm validation as soon as a stream's
// initial dimensions are known.
func (c *Controller) UpdateExpectedDimensionToken(token uint16) {
	c.reassembler.UpdateExpectedDimensionToken(token)
}

// SetScreenArea records the full screen's pixel area, used to compute
// relativeScale for subsequent resize events.
func (c *Controller) SetScreenArea(area float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.screenArea = area
}

// HandleResize feeds a new drawable pixel size through the debounce state
// machine: the first report in Idle moves to Awaiting and (re)arms a
// resizeDebounce timer; further reports while Awaiting just restart the
// timer. When the timer finally fires with no intervening report, the
// size is confirmed and, if it differs enough from the last emitted one,
// OnResize fires.
func (c *Controller) HandleResize(pixelSize PixelSize) {
	c.mu.Lock()
	if c.resizeState == ResizeIdle && !c.hasReceivedFirstFrame {
		c.mu.Unlock()
		return
	}
	gen := c.gen
	c.resizeState = ResizeAwaiting
	c.resizeGen++
	myResizeGen := c.resizeGen
	pending := pixelSize
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
	}
	c.resizeTimer = time.AfterFunc(resizeDebounce*time.Millisecond, func() {
		c.confirmResize(gen, myResizeGen, pending)
	})
	c.mu.Unlock()
}

func (c *Controller) confirmResize(gen, resizeGen int, pixelSize PixelSize) {
	c.mu.Lock()
	if gen != c.gen || resizeGen != c.resizeGen {
		c.mu.Unlock()
		return
	}
	c.resizeState = ResizeConfirmed
	screenArea := c.screenArea
	capped, aspect, scale := computeResize(pixelSize, screenArea)
	changed := resizeChanged(c.lastAspect, aspect, c.lastScale, scale, c.lastPixel, capped, c.hasSentResize)
	firstLayout := !c.hasSentResize
	c.lastPixel = capped
	c.lastAspect = aspect
	c.lastScale = scale
	c.hasSentResize = true
	c.resizeState = ResizeIdle
	cb := c.cb.OnResize
	c.mu.Unlock()

	if firstLayout {
		// Silent first layout: record the baseline without emitting an event.
		return
	}
	if changed && cb != nil {
		cb(ResizeEvent{PixelSize: capped, Aspect: aspect, RelativeScale: scale})
	}
}

func (c *Controller) onDimensionChange(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	// Dimension-change path wins over a concurrent session-recreate cooldown:
	// it resets the reassembler directly without imposing a cooldown.
	c.reassembler.Reset()
}

func (c *Controller) freezeMonitor(ctx context.Context) {
	ticker := time.NewTicker(freezeMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.lastDecodedFrameAt.IsZero() {
				c.mu.Unlock()
				continue
			}
			blocked := time.Since(c.lastDecodedFrameAt) > freezeThreshold
			changed := blocked && !c.isInputBlocked
			if changed {
				c.isInputBlocked = true
			}
			c.mu.Unlock()
			if changed && c.cb.OnInputBlockingChanged != nil {
				c.cb.OnInputBlockingChanged(true)
			}
		}
	}
}

func (c *Controller) keyframeRecoveryLoop(ctx context.Context) {
	ticker := time.NewTicker(keyframeRecoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			since, awaiting := c.reassembler.AwaitingKeyframeSince()
			if !awaiting {
				continue
			}
			c.mu.Lock()
			due := time.Since(since) >= keyframeTimeout && time.Since(c.lastRecoveryRequestAt) >= keyframeTimeout
			gen := c.gen
			c.mu.Unlock()
			if due {
				c.requestRecoveryLocked(gen)
			}
		}
	}
}

// requestRecoveryLocked implements requestRecovery(): cancel resize, stop
// the decode pipeline, reset the decoder, reset the reassembler, arm
// keyframe-only mode, restart, and fire onKeyframeNeeded. gen pins this
// call to the controller generation it was scheduled under; a stale
// generation (because Stop/reset already happened) makes it a no-op.
func (c *Controller) requestRecoveryLocked(gen int) {
	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return
	}
	if c.resizeTimer != nil {
		c.resizeTimer.Stop()
		c.resizeTimer = nil
	}
	c.resizeState = ResizeIdle
	c.lastRecoveryRequestAt = time.Now()
	c.mu.Unlock()

	c.queue.DrainAll()
	_ = c.decoder.ResetForNewSession()
	c.reassembler.Reset()
	c.reassembler.EnterKeyframeOnlyMode()

	if c.cb.OnKeyframeNeeded != nil {
		c.cb.OnKeyframeNeeded()
	}
}

func (c *Controller) metricsLoop(ctx context.Context) {
	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.emitMetrics()
		}
	}
}

func (c *Controller) emitMetrics() {
	now := time.Now()
	cutoff := now.Add(-time.Second)

	c.mu.Lock()
	c.receivedTimestamps = pruneBefore(c.receivedTimestamps, cutoff)
	c.decodedTimestamps = pruneBefore(c.decodedTimestamps, cutoff)
	received := len(c.receivedTimestamps)
	decoded := len(c.decodedTimestamps)
	c.mu.Unlock()

	dropped := int64(c.reassembler.Stats().DroppedFrameCount) + int64(c.queue.Dropped())

	if c.cb.OnMetrics != nil {
		c.cb.OnMetrics(Metrics{
			DecodedFPS:    float64(decoded),
			ReceivedFPS:   float64(received),
			DroppedFrames: dropped,
		})
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	return ts[i:]
}
