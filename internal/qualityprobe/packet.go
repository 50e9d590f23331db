// Package qualityprobe implements the staged UDP bandwidth probe used to
// discover a stream's sustainable bitrate before (and during) a session:
// packet codec, RTT measurement, and the growth/plateau/binary-refinement
// search algorithm.
package qualityprobe

import (
	"encoding/binary"
	"errors"

	"github.com/google/uuid"
)

// Magic identifies a probe packet ("MIRQ", shared with the UDP
// registration packet's magic but distinguished by context: registration
// packets are exactly 20 bytes, probe packets carry the full 37-byte
// header).
const Magic uint32 = 0x4D495251

// Version is the only probe packet wire version this package understands.
const Version uint8 = 1

// HeaderSize is the fixed size of a probe packet header, before payload.
const HeaderSize = 37

// PacketHeader is the probe packet's fixed header.
type PacketHeader struct {
	StageID     uint16
	Sequence    uint32
	TimestampNs uint64
	TestID      uuid.UUID
	PayloadLen  uint16
}

var ErrShortBuffer = errors.New("qualityprobe: buffer shorter than header")
var ErrBadMagic = errors.New("qualityprobe: bad magic")
var ErrBadVersion = errors.New("qualityprobe: unsupported version")

// Serialize emits header followed by payload as one probe packet.
func Serialize(h PacketHeader, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	o := 0
	binary.LittleEndian.PutUint32(buf[o:], Magic)
	o += 4
	buf[o] = Version
	o++
	binary.LittleEndian.PutUint16(buf[o:], h.StageID)
	o += 2
	binary.LittleEndian.PutUint32(buf[o:], h.Sequence)
	o += 4
	binary.LittleEndian.PutUint64(buf[o:], h.TimestampNs)
	o += 8
	idBytes, _ := h.TestID.MarshalBinary()
	copy(buf[o:o+16], idBytes)
	o += 16
	binary.LittleEndian.PutUint16(buf[o:], uint16(len(payload)))
	o += 2
	copy(buf[o:], payload)
	return buf
}

// Deserialize parses a probe packet's header and returns the header plus
// the payload slice (sharing buf's backing array).
func Deserialize(buf []byte) (h PacketHeader, payload []byte, err error) {
	if len(buf) < HeaderSize {
		return PacketHeader{}, nil, ErrShortBuffer
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != Magic {
		return PacketHeader{}, nil, ErrBadMagic
	}
	if buf[4] != Version {
		return PacketHeader{}, nil, ErrBadVersion
	}
	o := 5
	h.StageID = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	h.Sequence = binary.LittleEndian.Uint32(buf[o:])
	o += 4
	h.TimestampNs = binary.LittleEndian.Uint64(buf[o:])
	o += 8
	id, uerr := uuid.FromBytes(buf[o : o+16])
	if uerr != nil {
		return PacketHeader{}, nil, uerr
	}
	h.TestID = id
	o += 16
	h.PayloadLen = binary.LittleEndian.Uint16(buf[o:])
	o += 2
	if len(buf) < o+int(h.PayloadLen) {
		return PacketHeader{}, nil, ErrShortBuffer
	}
	return h, buf[o : o+int(h.PayloadLen)], nil
}

// PayloadBytes returns the payload size for a probe packet of
// maxPacketSize bytes total.
func PayloadBytes(maxPacketSize int) int {
	n := maxPacketSize - HeaderSize
	if n < 0 {
		return 0
	}
	return n
}
