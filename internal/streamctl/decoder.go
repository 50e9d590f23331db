package streamctl

import "github.com/miragekit/mirage/internal/wire"

// FrameCallback is invoked by the decoder once per decoded frame.
type FrameCallback func(presentationTimeNs uint64, contentRect wire.ContentRect)

// Decoder is the external, out-of-scope contract (C0) a Controller drives.
// It is assumed hardware-accelerated and is always treated as a black box
// here: this package only calls its methods and registers its handlers.
type Decoder interface {
	StartDecoding(onFrame FrameCallback) error
	DecodeFrame(data []byte, presentationTimeNs uint64, isKeyframe bool, contentRect wire.ContentRect) error
	ResetForNewSession() error
	SetErrorThresholdHandler(fn func())
	SetDimensionChangeHandler(fn func(width, height int))
}
