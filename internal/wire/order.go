package wire

// FrameWindow is the wrap-safe window within which a frame number is
// considered merely "later", not a new epoch's worth of drift.
const FrameWindow = 1000

// EpochWindow is the wrap-safe window used for 16-bit epoch comparisons.
const EpochWindow = 0x8000

// FrameNumberOlder reports whether a is older than b under modulo-2^32
// wrap-around: a is older iff (b-a) mod 2^32 is in (0, FrameWindow].
func FrameNumberOlder(a, b uint32) bool {
	d := b - a
	return d > 0 && d <= FrameWindow
}

// FrameNumberNewer reports whether a is newer than b, i.e. b is older than a.
func FrameNumberNewer(a, b uint32) bool {
	return FrameNumberOlder(b, a)
}

// EpochNewer reports whether candidate is a newer epoch than current under
// modulo-2^16 wrap-around with an EpochWindow-wide acceptance window.
func EpochNewer(current, candidate uint16) bool {
	d := uint32(candidate) - uint32(current)
	d &= 0xFFFF
	return d > 0 && d <= EpochWindow
}
