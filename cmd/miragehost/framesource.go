package main

import (
	"context"
	"sync"
	"time"

	"github.com/miragekit/mirage/internal/sender"
	"github.com/miragekit/mirage/internal/wire"
)

// syntheticFrameSource is the stand-in implementation of FrameSource used
// until a real capture+encode collaborator is wired in: it emits a
// keyframe followed by a steady stream of fixed-rate placeholder P-frames
// large enough to exercise multi-fragment reassembly and FEC the way a
// real encoded frame would.
type syntheticFrameSource struct {
	frameRate   int
	width       int
	height      int
	keyInterval uint32

	mu        sync.Mutex
	keyframes map[uint16]chan struct{}
}

func newSyntheticFrameSource() *syntheticFrameSource {
	return &syntheticFrameSource{
		frameRate:   60,
		width:       1920,
		height:      1080,
		keyInterval: 120,
		keyframes:   make(map[uint16]chan struct{}),
	}
}

func (s *syntheticFrameSource) Start(ctx context.Context, windowID uint32, streamID uint16) (<-chan sender.EncodedFrame, error) {
	forceKey := make(chan struct{}, 1)
	s.mu.Lock()
	s.keyframes[streamID] = forceKey
	s.mu.Unlock()

	out := make(chan sender.EncodedFrame)
	token := dimensionToken(s.width, s.height)
	contentRect := wire.ContentRect{X: 0, Y: 0, Width: float32(s.width), Height: float32(s.height)}

	go func() {
		defer close(out)
		defer func() {
			s.mu.Lock()
			delete(s.keyframes, streamID)
			s.mu.Unlock()
		}()

		ticker := time.NewTicker(time.Second / time.Duration(s.frameRate))
		defer ticker.Stop()

		var frameNumber uint32
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				frameNumber++
				isKeyframe := frameNumber == 1 || frameNumber%s.keyInterval == 0
				select {
				case <-forceKey:
					isKeyframe = true
				default:
				}
				frame := sender.EncodedFrame{
					StreamID:       streamID,
					FrameNumber:    frameNumber,
					TimestampNs:    uint64(time.Now().UnixNano()),
					IsKeyframe:     isKeyframe,
					DimensionToken: token,
					ContentRect:    contentRect,
					Data:           placeholderPayload(isKeyframe),
				}
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func (s *syntheticFrameSource) RequestKeyframe(streamID uint16) {
	s.mu.Lock()
	ch, ok := s.keyframes[streamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// placeholderPayload stands in for an encoded HEVC access unit; the real
// encoder is out of scope here. Keyframes are larger, matching the real
// I-frame-vs-P-frame size disparity closely enough to exercise the
// sender's pacing and FEC block sizing.
func placeholderPayload(isKeyframe bool) []byte {
	size := 2048
	if isKeyframe {
		size = 32 * 1024
	}
	return make([]byte, size)
}
