package wire

import (
	"bytes"
	"testing"
)

func sampleHeader() FrameHeader {
	return FrameHeader{
		Flags:          FlagKeyframe | FlagTile,
		StreamID:       7,
		SequenceNumber: 1234,
		Timestamp:      1_000_000_000,
		FrameNumber:    42,
		FragmentIndex:  1,
		FragmentCount:  3,
		PayloadLength:  1130,
		Checksum:       0xDEADBEEF,
		ContentRect:    ContentRect{X: 1.5, Y: -2.25, W: 1920, H: 1080.5},
		Tile:           TileInfo{GridColumns: 2, GridRows: 2, Column: 1, Row: 0, X: 10, Y: 20, W: 30, H: 40},
		DimensionToken: 1,
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	h := sampleHeader()
	buf := h.Serialize()
	got, ok := Deserialize(buf[:])
	if !ok {
		t.Fatalf("Deserialize failed on a freshly serialized header")
	}
	if got != h {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", got, h)
	}
}

func TestSerializeSizeIsFixed(t *testing.T) {
	h := sampleHeader()
	buf := h.Serialize()
	if len(buf) != HeaderSize {
		t.Fatalf("serialized size = %d, want %d", len(buf), HeaderSize)
	}
}

func TestDeserializeRejectsShortBuffer(t *testing.T) {
	h := sampleHeader()
	buf := h.Serialize()
	if _, ok := Deserialize(buf[:HeaderSize-1]); ok {
		t.Fatalf("Deserialize accepted a truncated buffer")
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	h := sampleHeader()
	buf := h.Serialize()
	corrupted := buf
	corrupted[0] ^= 0xFF
	if _, ok := Deserialize(corrupted[:]); ok {
		t.Fatalf("Deserialize accepted a bad magic")
	}
}

func TestDeserializeRejectsBadVersion(t *testing.T) {
	h := sampleHeader()
	buf := h.Serialize()
	corrupted := buf
	corrupted[4] = 99
	if _, ok := Deserialize(corrupted[:]); ok {
		t.Fatalf("Deserialize accepted an unsupported version")
	}
}

func TestChecksumPayloadStableAndSensitive(t *testing.T) {
	payload := bytes.Repeat([]byte{0x42}, 256)
	c1 := ChecksumPayload(payload)
	c2 := ChecksumPayload(payload)
	if c1 != c2 {
		t.Fatalf("checksum not stable: %x vs %x", c1, c2)
	}
	tampered := append(append([]byte{}, payload...), 0)
	if ChecksumPayload(tampered) == c1 {
		t.Fatalf("checksum did not change after appending a byte")
	}
}

func TestMiragePayloadSize(t *testing.T) {
	if got := MiragePayloadSize(1200); got != 1130 {
		t.Fatalf("MiragePayloadSize(1200) = %d, want 1130", got)
	}
	if got := MiragePayloadSize(10); got != 1 {
		t.Fatalf("MiragePayloadSize(10) = %d, want clamped to 1", got)
	}
}

func TestFrameNumberWraparound(t *testing.T) {
	if !FrameNumberOlder(42, 43) {
		t.Fatalf("42 should be older than 43")
	}
	if FrameNumberOlder(43, 42) {
		t.Fatalf("43 should not be older than 42")
	}
	// Wrap across 2^32: a = max-2, b = 1 -> distance 3, within window.
	a := uint32(0xFFFFFFFE)
	b := uint32(1)
	if !FrameNumberOlder(a, b) {
		t.Fatalf("expected wrap-around frame number to be treated as older")
	}
	// Distance beyond the window is not "older", it's a discontinuity.
	if FrameNumberOlder(0, 5000) {
		t.Fatalf("distance beyond FrameWindow should not be reported as older")
	}
}

func TestEpochNewer(t *testing.T) {
	if !EpochNewer(5, 6) {
		t.Fatalf("6 should be newer than 5")
	}
	if EpochNewer(6, 5) {
		t.Fatalf("5 should not be newer than 6")
	}
	if EpochNewer(5, 5) {
		t.Fatalf("equal epochs are not newer")
	}
}
