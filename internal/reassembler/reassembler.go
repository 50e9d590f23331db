// Package reassembler reconstructs encoded video frames from unordered,
// lossy UDP fragments: ordering, deduplication, CRC and dimension-token
// gating, FEC recovery, timeouts and loss signaling, all guarded by a
// single per-stream mutex (contention here is per-stream, never global).
package reassembler

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/miragekit/mirage/internal/bufpool"
	"github.com/miragekit/mirage/internal/fec"
	"github.com/miragekit/mirage/internal/wire"
)

// Default timing constants from the wire contract.
const (
	DefaultPFrameTimeout   = 500 * time.Millisecond
	DefaultKeyframeTimeout = 3 * time.Second
	StatsLogInterval       = 1000
	timeoutScanInterval    = 100 * time.Millisecond
)

// Stats holds the diagnostic counters the reassembler accumulates. All
// fields are read under the reassembler's lock via Stats().
type Stats struct {
	TotalPacketsReceived      uint64
	DiscardedEpoch            uint64
	DiscardedToken            uint64
	DiscardedAwaitingKeyframe uint64
	DiscardedCRC              uint64
	DiscardedOld              uint64
	DroppedFrameCount         uint64
	RecoveredFragments        uint64
}

// CompletedFrame is a fully reassembled frame handed to the Handler
// callback. Bytes is backed by pooled memory: the caller MUST call
// Release exactly once, after which Bytes must not be read.
type CompletedFrame struct {
	Bytes       []byte
	IsKeyframe  bool
	Timestamp   uint64
	ContentRect wire.ContentRect

	once    sync.Once
	release func()
}

// IsKeyframeFrame reports whether this frame is a keyframe, satisfying
// decodequeue.Releasable.
func (f *CompletedFrame) IsKeyframeFrame() bool { return f.IsKeyframe }

// Release returns the frame's backing buffer to its pool. Safe to call
// more than once; only the first call has effect.
func (f *CompletedFrame) Release() {
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// LossEvent is emitted when a P-frame times out and the reassembler was not
// already awaiting a keyframe; upstream uses this to drive keyframe
// recovery.
type LossEvent struct {
	StreamID uint16
}

// Handler receives completed frames in delivery order.
type Handler func(*CompletedFrame)

// LossHandler receives loss events.
type LossHandler func(LossEvent)

// Config tunes a Reassembler's behavior.
type Config struct {
	StreamID        uint16
	MaxPayloadSize  int
	PFrameTimeout   time.Duration
	KeyframeTimeout time.Duration
	Logger          *log.Logger
}

// pendingFrame is the in-progress reassembly state for one frame number.
type pendingFrame struct {
	buffer            []byte
	received          []bool
	receivedCount     int
	dataFragmentCount int
	lastFragmentLen   int // true length of the final data fragment, once observed
	isKeyframe        bool
	timestamp         uint64
	contentRect       wire.ContentRect
	parity            map[int][]byte // blockIndex -> parity bytes
	parityReceived    map[int]bool
	receivedAt        time.Time
}

// Reassembler holds per-stream reassembly state behind a single mutex.
type Reassembler struct {
	cfg  Config
	pool *bufpool.Pool
	log  *log.Logger

	onFrame Handler
	onLoss  LossHandler

	mu                    sync.Mutex
	pending               map[uint32]*pendingFrame
	hasCompleted          bool
	lastCompletedFrame    uint32
	lastDeliveredKeyframe uint32
	awaitingKeyframe      bool
	awaitingKeyframeSince time.Time
	currentEpoch          uint16
	expectedDimensionToken uint16
	tokenValidationEnabled bool
	stats                 Stats
	packetsSinceLog       int
}

// New constructs a Reassembler backed by pool for fragment buffers.
func New(cfg Config, pool *bufpool.Pool, onFrame Handler, onLoss LossHandler) *Reassembler {
	if cfg.MaxPayloadSize <= 0 {
		cfg.MaxPayloadSize = wire.MiragePayloadSize(1200)
	}
	if cfg.PFrameTimeout <= 0 {
		cfg.PFrameTimeout = DefaultPFrameTimeout
	}
	if cfg.KeyframeTimeout <= 0 {
		cfg.KeyframeTimeout = DefaultKeyframeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Reassembler{
		cfg:     cfg,
		pool:    pool,
		log:     logger,
		onFrame: onFrame,
		onLoss:  onLoss,
		pending: make(map[uint32]*pendingFrame),
	}
}

// Run scans for timed-out pending frames until ctx is canceled. Callers
// launch it as a goroutine; it is the reassembler's only background task
// and is cancelled deterministically via ctx.
func (r *Reassembler) Run(ctx context.Context) {
	ticker := time.NewTicker(timeoutScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.checkTimeouts(time.Now())
		}
	}
}

// Stats returns a snapshot of the diagnostic counters.
func (r *Reassembler) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// UpdateExpectedDimensionToken sets the token P-frames must match and
// enables validation. Initial state (never called) accepts all tokens.
func (r *Reassembler) UpdateExpectedDimensionToken(token uint16) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expectedDimensionToken = token
	r.tokenValidationEnabled = true
}

// AwaitingKeyframeSince reports whether the reassembler is currently
// blocked waiting for a keyframe and, if so, since when.
func (r *Reassembler) AwaitingKeyframeSince() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.awaitingKeyframeSince, r.awaitingKeyframe
}

// Reset drops all pending state and counters.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.releaseAllLocked()
	r.pending = make(map[uint32]*pendingFrame)
	r.hasCompleted = false
	r.lastCompletedFrame = 0
	r.lastDeliveredKeyframe = 0
	r.awaitingKeyframe = false
	r.stats = Stats{}
	r.packetsSinceLog = 0
}

// EnterKeyframeOnlyMode releases all non-keyframe pending frames and arms
// awaitingKeyframe, leaving any in-progress keyframe assembly untouched.
func (r *Reassembler) EnterKeyframeOnlyMode() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fn, pf := range r.pending {
		if !pf.isKeyframe {
			r.releasePendingLocked(pf)
			delete(r.pending, fn)
		}
	}
	if !r.awaitingKeyframe {
		r.awaitingKeyframe = true
		r.awaitingKeyframeSince = time.Now()
	}
}

func (r *Reassembler) releaseAllLocked() {
	for fn, pf := range r.pending {
		r.releasePendingLocked(pf)
		delete(r.pending, fn)
	}
}

func (r *Reassembler) releasePendingLocked(pf *pendingFrame) {
	r.pool.Release(pf.buffer)
}

// HandlePacket feeds one received (payload, header) pair through the
// gating order in §4.4 and updates reassembly state accordingly.
//
// The wire header has no separate "epoch" integer field (only
// dimensionToken); this implementation folds the epoch-check and
// discontinuity-check gating steps into a single check keyed on the
// discontinuity flag, since that flag is the only wire signal available
// for either concept. currentEpoch is tracked purely as an internal
// diagnostic counter, bumped on every discontinuity-triggered reset.
func (r *Reassembler) HandlePacket(payload []byte, h wire.FrameHeader) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.TotalPacketsReceived++
	r.packetsSinceLog++
	if r.packetsSinceLog >= StatsLogInterval {
		r.packetsSinceLog = 0
		r.log.Printf("reassembler stream=%d stats=%+v", r.cfg.StreamID, r.stats)
	}

	isKeyframe := h.IsKeyframe()

	// Epoch / discontinuity gate.
	if h.IsDiscontinuity() {
		if isKeyframe {
			r.currentEpoch++
			r.releaseAllLocked()
			r.pending = make(map[uint32]*pendingFrame)
			r.awaitingKeyframe = false
		} else {
			r.stats.DiscardedEpoch++
			r.awaitingKeyframe = true
			if r.awaitingKeyframeSince.IsZero() {
				r.awaitingKeyframeSince = time.Now()
			}
			return
		}
	}

	// Dimension token gate.
	if r.tokenValidationEnabled {
		if isKeyframe {
			r.expectedDimensionToken = h.DimensionToken
		} else if h.DimensionToken != r.expectedDimensionToken {
			r.stats.DiscardedToken++
			return
		}
	}

	// Awaiting-keyframe gate.
	if r.awaitingKeyframe && !isKeyframe {
		r.stats.DiscardedAwaitingKeyframe++
		return
	}

	// CRC gate.
	if wire.ChecksumPayload(payload) != h.Checksum {
		r.stats.DiscardedCRC++
		return
	}

	// Old-frame gate (keyframes bypass).
	if !isKeyframe && wire.FrameNumberOlder(h.FrameNumber, r.lastCompletedFrame) && r.hasCompleted {
		r.stats.DiscardedOld++
		return
	}

	r.storeFragment(payload, h, isKeyframe)
}

func (r *Reassembler) storeFragment(payload []byte, h wire.FrameHeader, isKeyframe bool) {
	pf, ok := r.pending[h.FrameNumber]
	if !ok {
		dataFragmentCount := int(h.FragmentCount)
		if h.IsFECParity() {
			// A parity fragment arriving before any data fragment still
			// needs the data-fragment count; the sender stamps parity
			// fragments with that count, so the header's value is used
			// unchanged.
			dataFragmentCount = int(h.FragmentCount)
		}
		if dataFragmentCount < 1 {
			dataFragmentCount = 1
		}
		capacity := dataFragmentCount * r.cfg.MaxPayloadSize
		pf = &pendingFrame{
			buffer:            r.pool.Acquire(capacity),
			received:          make([]bool, dataFragmentCount),
			dataFragmentCount: dataFragmentCount,
			lastFragmentLen:   r.cfg.MaxPayloadSize,
			isKeyframe:        isKeyframe,
			timestamp:         h.Timestamp,
			contentRect:       h.ContentRect,
			parity:            make(map[int][]byte),
			parityReceived:    make(map[int]bool),
			receivedAt:        time.Now(),
		}
		r.pending[h.FrameNumber] = pf
	}

	blockSize := fec.BlockSizeFor(pf.isKeyframe)

	if h.IsFECParity() || int(h.FragmentIndex) >= pf.dataFragmentCount {
		blockIdx := blockIndexFromParityFragment(h.FragmentIndex, pf.dataFragmentCount, blockSize)
		if !pf.parityReceived[blockIdx] {
			pf.parity[blockIdx] = append([]byte(nil), payload...)
			pf.parityReceived[blockIdx] = true
			r.tryRecoverBlock(pf, blockIdx, blockSize)
			if pf.receivedCount == pf.dataFragmentCount {
				r.deliver(h.FrameNumber, pf)
			}
		}
		return
	}

	idx := int(h.FragmentIndex)
	if idx < 0 || idx >= pf.dataFragmentCount {
		return
	}
	if pf.received[idx] {
		return // duplicate
	}
	if idx == pf.dataFragmentCount-1 {
		pf.lastFragmentLen = len(payload)
	}
	offset := idx * r.cfg.MaxPayloadSize
	if offset+len(payload) > len(pf.buffer) {
		// Should not happen given capacity sizing, but never write OOB.
		return
	}
	copy(pf.buffer[offset:offset+len(payload)], payload)
	pf.received[idx] = true
	pf.receivedCount++

	blockIdx := idx / blockSize
	r.tryRecoverBlock(pf, blockIdx, blockSize)

	if pf.receivedCount == pf.dataFragmentCount {
		r.deliver(h.FrameNumber, pf)
	}
}

// blockIndexFromParityFragment maps a parity fragment's own FragmentIndex
// (which starts counting right after the frame's data fragments) back to
// the data block index it covers.
func blockIndexFromParityFragment(fragmentIndex uint16, dataFragmentCount, blockSize int) int {
	parityOrdinal := int(fragmentIndex) - dataFragmentCount
	if parityOrdinal < 0 {
		parityOrdinal = 0
	}
	return parityOrdinal
}

func (r *Reassembler) tryRecoverBlock(pf *pendingFrame, blockIdx, blockSize int) {
	if !pf.parityReceived[blockIdx] {
		return
	}
	start := blockIdx * blockSize
	end := start + blockSize
	if end > pf.dataFragmentCount {
		end = pf.dataFragmentCount
	}
	missingIdx := -1
	missingCount := 0
	var receivedFragments [][]byte
	for i := start; i < end; i++ {
		if pf.received[i] {
			length := r.cfg.MaxPayloadSize
			if i == pf.dataFragmentCount-1 {
				length = pf.lastFragmentLen
			}
			offset := i * r.cfg.MaxPayloadSize
			receivedFragments = append(receivedFragments, pf.buffer[offset:offset+length])
		} else {
			missingCount++
			missingIdx = i
		}
	}
	if missingCount != 1 {
		return
	}
	missingLen := r.cfg.MaxPayloadSize
	if missingIdx == pf.dataFragmentCount-1 {
		missingLen = pf.lastFragmentLen
	}
	recovered := fec.Recover(pf.parity[blockIdx], receivedFragments, missingLen)
	offset := missingIdx * r.cfg.MaxPayloadSize
	copy(pf.buffer[offset:offset+len(recovered)], recovered)
	pf.received[missingIdx] = true
	pf.receivedCount++
	r.stats.RecoveredFragments++
}

func (r *Reassembler) deliver(frameNumber uint32, pf *pendingFrame) {
	deliver := false
	if pf.isKeyframe {
		if frameNumber > r.lastDeliveredKeyframe || r.lastDeliveredKeyframe == 0 {
			deliver = true
		}
	} else {
		if frameNumber > r.lastCompletedFrame && frameNumber > r.lastDeliveredKeyframe {
			deliver = true
		}
	}
	if !deliver {
		r.releasePendingLocked(pf)
		delete(r.pending, frameNumber)
		return
	}

	delete(r.pending, frameNumber)
	r.hasCompleted = true
	r.lastCompletedFrame = frameNumber
	if pf.isKeyframe {
		r.lastDeliveredKeyframe = frameNumber
		r.awaitingKeyframe = false
		r.awaitingKeyframeSince = time.Time{}
	}

	totalBytes := (pf.dataFragmentCount-1)*r.cfg.MaxPayloadSize + pf.lastFragmentLen
	if totalBytes > len(pf.buffer) {
		totalBytes = len(pf.buffer)
	}

	buffer := pf.buffer
	frame := &CompletedFrame{
		Bytes:       buffer[:totalBytes],
		IsKeyframe:  pf.isKeyframe,
		Timestamp:   pf.timestamp,
		ContentRect: pf.contentRect,
		release:     func() { r.pool.Release(buffer) },
	}

	// Prune older P-frames (wrap-safe, <1000 away); never prune incomplete
	// keyframes via this rule, they only end via timeout.
	for fn, other := range r.pending {
		if other.isKeyframe {
			continue
		}
		if wire.FrameNumberOlder(fn, frameNumber) {
			r.releasePendingLocked(other)
			delete(r.pending, fn)
		}
	}

	if r.onFrame != nil {
		r.onFrame(frame)
	}
}

func (r *Reassembler) checkTimeouts(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for fn, pf := range r.pending {
		timeout := r.cfg.PFrameTimeout
		if pf.isKeyframe {
			timeout = r.cfg.KeyframeTimeout
		}
		if now.Sub(pf.receivedAt) < timeout {
			continue
		}
		r.releasePendingLocked(pf)
		delete(r.pending, fn)
		r.stats.DroppedFrameCount++
		if !pf.isKeyframe && !r.awaitingKeyframe {
			r.awaitingKeyframe = true
			r.awaitingKeyframeSince = now
			if r.onLoss != nil {
				r.onLoss(LossEvent{StreamID: r.cfg.StreamID})
			}
		}
	}
}
