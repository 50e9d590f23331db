// Package wire implements the fixed-size UDP frame header used to carry
// fragments of encoded video between the host and a client: serialization,
// CRC32 validation, and the modular ordering rules frame numbers and epochs
// use to survive wrap-around.
package wire

import (
	"encoding/binary"
	"hash/crc32"
	"math"
)

// Magic identifies a Mirage video datagram ("MIRG").
const Magic uint32 = 0x4D495247

// Version is the only FrameHeader wire version this package understands.
const Version uint8 = 1

// HeaderSize is the fixed, wire-exact size of a serialized FrameHeader.
const HeaderSize = 70

// Flag bits carried in the single flags byte. Only 8 bits are available on
// the wire for the 10 named flags; loginDisplay and desktopStream are
// informational markers consumed only by out-of-scope components (the
// login-display capture path and desktop-vs-window stream distinction) and
// are not assigned a wire bit here — no in-scope component inspects them.
const (
	FlagKeyframe uint8 = 1 << iota
	FlagEndOfFrame
	FlagParameterSet
	FlagDiscontinuity
	FlagPriority
	FlagTile
	FlagLastTile
	FlagFECParity
)

// ContentRect is the live-content sub-rectangle of a captured frame, in
// source pixels.
type ContentRect struct {
	X, Y, W, H float32
}

// TileInfo describes a fragment's position within a tiled capture grid. It
// is only meaningful when FlagTile is set.
type TileInfo struct {
	GridColumns, GridRows uint16
	Column, Row           uint16
	X, Y, W, H            uint16
}

// FrameHeader is the 70-byte fixed header prefixing every UDP video
// fragment.
type FrameHeader struct {
	Flags           uint8
	StreamID        uint16
	SequenceNumber  uint32
	Timestamp       uint64
	FrameNumber     uint32
	FragmentIndex   uint16
	FragmentCount   uint16
	PayloadLength   uint32
	Checksum        uint32
	ContentRect     ContentRect
	Tile            TileInfo
	DimensionToken  uint16
}

// IsKeyframe reports whether the keyframe flag is set.
func (h *FrameHeader) IsKeyframe() bool { return h.Flags&FlagKeyframe != 0 }

// IsDiscontinuity reports whether the discontinuity flag is set.
func (h *FrameHeader) IsDiscontinuity() bool { return h.Flags&FlagDiscontinuity != 0 }

// IsFECParity reports whether this fragment carries FEC parity rather than
// frame data.
func (h *FrameHeader) IsFECParity() bool { return h.Flags&FlagFECParity != 0 }

// HasTile reports whether tile info is populated.
func (h *FrameHeader) HasTile() bool { return h.Flags&FlagTile != 0 }

// Serialize emits h in its fixed 70-byte little-endian wire layout. Floats
// are emitted by bit pattern via math.Float32bits.
func (h *FrameHeader) Serialize() [HeaderSize]byte {
	var buf [HeaderSize]byte
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], Magic)
	o += 4
	buf[o] = Version
	o++
	buf[o] = h.Flags
	o++
	binary.LittleEndian.PutUint16(buf[o:], h.StreamID)
	o += 2
	binary.LittleEndian.PutUint32(buf[o:], h.SequenceNumber)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], h.Timestamp)
	o += 8
	binary.LittleEndian.PutUint32(buf[o:], h.FrameNumber)
	o += 4
	binary.LittleEndian.PutUint16(buf[o:], h.FragmentIndex)
	o += 2
	binary.LittleEndian.PutUint16(buf[o:], h.FragmentCount)
	o += 2
	binary.LittleEndian.PutUint32(buf[o:], h.PayloadLength)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], h.Checksum)
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(h.ContentRect.X))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(h.ContentRect.Y))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(h.ContentRect.W))
	o += 4
	binary.LittleEndian.PutUint32(buf[o:], math.Float32bits(h.ContentRect.H))
	o += 4
	tile := [8]uint16{h.Tile.GridColumns, h.Tile.GridRows, h.Tile.Column, h.Tile.Row, h.Tile.X, h.Tile.Y, h.Tile.W, h.Tile.H}
	for _, v := range tile {
		binary.LittleEndian.PutUint16(buf[o:], v)
		o += 2
	}
	binary.LittleEndian.PutUint16(buf[o:], h.DimensionToken)
	o += 2
	if o != HeaderSize {
		panic("wire: header layout drifted from HeaderSize")
	}
	return buf
}

// Deserialize parses a FrameHeader from buf. It returns ok=false if buf is
// shorter than HeaderSize, the magic doesn't match, or the version isn't
// supported. Tile info is populated regardless of the tile flag; callers
// should consult HasTile before trusting it, per the wire contract.
func Deserialize(buf []byte) (h FrameHeader, ok bool) {
	if len(buf) < HeaderSize {
		return FrameHeader{}, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return FrameHeader{}, false
	}
	if buf[4] != Version {
		return FrameHeader{}, false
	}
	o := 5
	h.Flags = buf[o]
	o++
	h.StreamID = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	h.SequenceNumber = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.Timestamp = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	h.FrameNumber = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.FragmentIndex = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	h.FragmentCount = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	h.PayloadLength = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.Checksum = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.ContentRect.X = math.Float32frombits(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	h.ContentRect.Y = math.Float32frombits(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	h.ContentRect.W = math.Float32frombits(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	h.ContentRect.H = math.Float32frombits(binary.LittleEndian.Uint32(buf[o:]))
	o += 4
	tile := make([]uint16, 8)
	for i := range tile {
		tile[i] = binary.LittleEndian.Uint16(buf[o:])
		o += 2
	}
	h.Tile = TileInfo{
		GridColumns: tile[0], GridRows: tile[1],
		Column: tile[2], Row: tile[3],
		X: tile[4], Y: tile[5], W: tile[6], H: tile[7],
	}
	h.DimensionToken = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	return h, true
}

// ChecksumPayload computes the CRC32 (IEEE polynomial 0xEDB88320, reflected,
// init/final XOR 0xFFFFFFFF) of payload only, matching the wire contract
// that the header's checksum field never covers itself.
func ChecksumPayload(payload []byte) uint32 {
	return crc32.ChecksumIEEE(payload)
}

// MiragePayloadSize returns the maximum payload bytes that fit alongside a
// FrameHeader in a datagram of maxPacketSize bytes, clamped to at least 1.
func MiragePayloadSize(maxPacketSize int) int {
	n := maxPacketSize - HeaderSize
	if n < 1 {
		return 1
	}
	return n
}
