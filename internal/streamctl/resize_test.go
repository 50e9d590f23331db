package streamctl

import "testing"

func TestComputeResizeWithinBounds(t *testing.T) {
	size, aspect, scale := computeResize(PixelSize{Width: 1280, Height: 720}, 1920*1080)
	if size.Width != 1280 || size.Height != 720 {
		t.Fatalf("expected size unchanged when within bounds, got %+v", size)
	}
	if aspect < 1.77 || aspect > 1.78 {
		t.Fatalf("unexpected aspect ratio %v", aspect)
	}
	if scale <= 0 || scale > 1 {
		t.Fatalf("unexpected relative scale %v", scale)
	}
}

func TestComputeResizeCapsToMaxPreservingAspect(t *testing.T) {
	size, _, _ := computeResize(PixelSize{Width: 10240, Height: 5760}, 1920*1080)
	if size.Width > maxStreamWidth || size.Height > maxStreamHeight {
		t.Fatalf("expected size capped within bounds, got %+v", size)
	}
	// Aspect 16:9 input should still roughly produce a 16:9 output.
	gotAspect := float64(size.Width) / float64(size.Height)
	if gotAspect < 1.7 || gotAspect > 1.85 {
		t.Fatalf("expected aspect ratio preserved, got %v", gotAspect)
	}
}

func TestComputeResizeRoundsEven(t *testing.T) {
	size, _, _ := computeResize(PixelSize{Width: 801, Height: 601}, 0)
	if size.Width%2 != 0 || size.Height%2 != 0 {
		t.Fatalf("expected even dimensions, got %+v", size)
	}
}

func TestResizeChangedFirstReportNeverTriggers(t *testing.T) {
	if resizeChanged(0, 1.5, 0, 1, PixelSize{}, PixelSize{Width: 100, Height: 100}, false) {
		t.Fatalf("first report (hasPrior=false) must never be treated as a change")
	}
}

func TestResizeChangedBelowEpsilonIsNotAChange(t *testing.T) {
	same := PixelSize{Width: 800, Height: 600}
	if resizeChanged(1.333, 1.334, 0.5, 0.5005, same, same, true) {
		t.Fatalf("expected sub-epsilon deltas with identical pixel size to not trigger a change")
	}
}

func TestResizeChangedDifferentPixelSizeAlwaysTriggers(t *testing.T) {
	a := PixelSize{Width: 800, Height: 600}
	b := PixelSize{Width: 802, Height: 600}
	if !resizeChanged(1.333, 1.333, 0.5, 0.5, a, b, true) {
		t.Fatalf("expected a different pixel size to trigger a change even with identical aspect/scale")
	}
}
