// Package sender implements the host side of the video path: it takes an
// encoded frame, fragments it to the negotiated payload size, stamps each
// fragment's FrameHeader, optionally computes XOR parity per block, and
// paces keyframe bursts so a single large I-frame doesn't saturate the
// link in one scheduler tick.
package sender

import (
	"time"

	"github.com/miragekit/mirage/internal/fec"
	"github.com/miragekit/mirage/internal/wire"
)

// Config tunes fragmentation and pacing.
type Config struct {
	MaxPacketSize  int
	EnableFEC      bool
	PacingEnabled  bool
	BurstBytes     int
	BurstInterval  time.Duration
}

// DefaultConfig returns the sender defaults: 1200-byte packets, FEC and
// pacing enabled, 32 KiB per burst with a 2ms gap between bursts.
func DefaultConfig() Config {
	return Config{
		MaxPacketSize: 1200,
		EnableFEC:     true,
		PacingEnabled: true,
		BurstBytes:    32 * 1024,
		BurstInterval: 2 * time.Millisecond,
	}
}

// EncodedFrame is one frame ready to be fragmented and sent.
type EncodedFrame struct {
	StreamID       uint16
	FrameNumber    uint32
	TimestampNs    uint64
	IsKeyframe     bool
	Discontinuity  bool
	DimensionToken uint16
	ContentRect    wire.ContentRect
	Tile           *wire.TileInfo
	Data           []byte
}

// Sender fragments frames into ordered UDP packets.
type Sender struct {
	cfg           Config
	payloadSize   int
	sequence      uint32
	sleep         func(time.Duration)
}

// New constructs a Sender. cfg.MaxPacketSize <= 0 falls back to
// DefaultConfig's 1200.
func New(cfg Config) *Sender {
	if cfg.MaxPacketSize <= 0 {
		cfg.MaxPacketSize = DefaultConfig().MaxPacketSize
	}
	if cfg.BurstBytes <= 0 {
		cfg.BurstBytes = DefaultConfig().BurstBytes
	}
	if cfg.BurstInterval <= 0 {
		cfg.BurstInterval = DefaultConfig().BurstInterval
	}
	return &Sender{
		cfg:         cfg,
		payloadSize: wire.MiragePayloadSize(cfg.MaxPacketSize),
		sleep:       time.Sleep,
	}
}

// Fragment splits frame into ordered, header-stamped UDP packets (data
// fragments followed by any FEC parity fragments). It does not send them;
// callers pass the result to a transport's SendVideoPackets, or to Send
// for paced emission.
func (s *Sender) Fragment(frame EncodedFrame) [][]byte {
	dataFragmentCount := (len(frame.Data) + s.payloadSize - 1) / s.payloadSize
	if dataFragmentCount == 0 {
		dataFragmentCount = 1
	}

	dataPayloads := make([][]byte, dataFragmentCount)
	packets := make([][]byte, 0, dataFragmentCount)

	baseFlags := uint8(0)
	if frame.IsKeyframe {
		baseFlags |= wire.FlagKeyframe
	}
	if frame.Discontinuity {
		baseFlags |= wire.FlagDiscontinuity
	}

	var tile wire.TileInfo
	if frame.Tile != nil {
		baseFlags |= wire.FlagTile
		tile = *frame.Tile
	}

	for i := 0; i < dataFragmentCount; i++ {
		start := i * s.payloadSize
		end := start + s.payloadSize
		if end > len(frame.Data) {
			end = len(frame.Data)
		}
		payload := frame.Data[start:end]
		dataPayloads[i] = payload

		flags := baseFlags
		if i == dataFragmentCount-1 {
			flags |= wire.FlagEndOfFrame
			if tile != (wire.TileInfo{}) {
				flags |= wire.FlagLastTile
			}
		}

		h := wire.FrameHeader{
			Flags:          flags,
			StreamID:       frame.StreamID,
			SequenceNumber: s.nextSequence(),
			Timestamp:      frame.TimestampNs,
			FrameNumber:    frame.FrameNumber,
			FragmentIndex:  uint16(i),
			FragmentCount:  uint16(dataFragmentCount),
			PayloadLength:  uint32(len(payload)),
			Checksum:       wire.ChecksumPayload(payload),
			ContentRect:    frame.ContentRect,
			Tile:           tile,
			DimensionToken: frame.DimensionToken,
		}
		packets = append(packets, packetBytes(h, payload))
	}

	if s.cfg.EnableFEC {
		packets = append(packets, s.fecParityPackets(frame, dataPayloads, baseFlags, tile)...)
	}

	return packets
}

func (s *Sender) fecParityPackets(frame EncodedFrame, dataPayloads [][]byte, baseFlags uint8, tile wire.TileInfo) [][]byte {
	blockSize := fec.BlockSizeFor(frame.IsKeyframe)
	var packets [][]byte
	dataFragmentCount := len(dataPayloads)
	for start := 0; start < dataFragmentCount; start += blockSize {
		end := start + blockSize
		if end > dataFragmentCount {
			end = dataFragmentCount
		}
		parity := fec.EncodeParity(dataPayloads[start:end], s.payloadSize)

		h := wire.FrameHeader{
			Flags:          baseFlags | wire.FlagFECParity,
			StreamID:       frame.StreamID,
			SequenceNumber: s.nextSequence(),
			Timestamp:      frame.TimestampNs,
			FrameNumber:    frame.FrameNumber,
			FragmentIndex:  uint16(dataFragmentCount + start/blockSize),
			FragmentCount:  uint16(dataFragmentCount),
			PayloadLength:  uint32(len(parity)),
			Checksum:       wire.ChecksumPayload(parity),
			ContentRect:    frame.ContentRect,
			Tile:           tile,
			DimensionToken: frame.DimensionToken,
		}
		packets = append(packets, packetBytes(h, parity))
	}
	return packets
}

func packetBytes(h wire.FrameHeader, payload []byte) []byte {
	hdr := h.Serialize()
	pkt := make([]byte, len(hdr)+len(payload))
	copy(pkt, hdr[:])
	copy(pkt[len(hdr):], payload)
	return pkt
}

func (s *Sender) nextSequence() uint32 {
	s.sequence++
	return s.sequence
}

// Send fragments frame and writes each packet via write, pacing keyframe
// bursts so no more than cfg.BurstBytes go out before a cfg.BurstInterval
// pause. Non-keyframes are written as fast as write allows, since P-frames
// are small enough that a single schedule tick rarely matters.
func (s *Sender) Send(frame EncodedFrame, write func([]byte) error) error {
	packets := s.Fragment(frame)
	if !s.cfg.PacingEnabled || !frame.IsKeyframe {
		for _, pkt := range packets {
			if err := write(pkt); err != nil {
				return err
			}
		}
		return nil
	}

	burst := 0
	for _, pkt := range packets {
		if burst+len(pkt) > s.cfg.BurstBytes && burst > 0 {
			s.sleep(s.cfg.BurstInterval)
			burst = 0
		}
		if err := write(pkt); err != nil {
			return err
		}
		burst += len(pkt)
	}
	return nil
}
