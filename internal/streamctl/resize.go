package streamctl

import "math"

// ResizeState is the resize debounce state machine's current state.
type ResizeState int

const (
	ResizeIdle ResizeState = iota
	ResizeAwaiting
	ResizeConfirmed
)

// PixelSize is a drawable size in device pixels.
type PixelSize struct {
	Width, Height int
}

const (
	resizeDebounce     = 200 // ms
	resizeConfirmDelay = 50  // ms
	resizeEmitTimeout  = 2000 // ms
	maxStreamWidth     = 5120
	maxStreamHeight    = 2880
	resizeDeltaEpsilon = 0.01
)

// ResizeEvent is emitted to the host when a resize is confirmed.
type ResizeEvent struct {
	PixelSize     PixelSize
	Aspect        float64
	RelativeScale float64
}

// computeResize caps pixelSize to the 5120x2880 bound preserving aspect
// ratio, rounds to even dimensions, and computes the relative scale versus
// the full screen area.
func computeResize(pixelSize PixelSize, screenArea float64) (PixelSize, float64, float64) {
	w, h := float64(pixelSize.Width), float64(pixelSize.Height)
	aspect := 1.0
	if h > 0 {
		aspect = w / h
	}
	if w > maxStreamWidth || h > maxStreamHeight {
		scaleW := maxStreamWidth / w
		scaleH := maxStreamHeight / h
		scale := math.Min(scaleW, scaleH)
		w *= scale
		h *= scale
	}
	capped := PixelSize{Width: roundEven(w), Height: roundEven(h)}
	drawableArea := float64(capped.Width) * float64(capped.Height)
	relativeScale := 1.0
	if screenArea > 0 {
		relativeScale = math.Min(1, drawableArea/screenArea)
	}
	return capped, aspect, relativeScale
}

func roundEven(v float64) int {
	n := int(math.Round(v))
	if n%2 != 0 {
		n++
	}
	return n
}

// resizeChanged reports whether the new resize parameters differ enough
// from the last sent ones (aspect or scale delta > 0.01, or a different
// pixel size outright) to warrant emitting a new resize event.
func resizeChanged(lastAspect, newAspect, lastScale, newScale float64, lastPixel, newPixel PixelSize, hasPrior bool) bool {
	if !hasPrior {
		return false
	}
	if newPixel != lastPixel {
		return true
	}
	if math.Abs(newAspect-lastAspect) > resizeDeltaEpsilon {
		return true
	}
	if math.Abs(newScale-lastScale) > resizeDeltaEpsilon {
		return true
	}
	return false
}
