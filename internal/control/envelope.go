// Package control implements the length-prefixed, typed TCP envelope that
// multiplexes connection, stream, input, session-state and quality-probe
// messages: type:u8 || payloadLen:u32 LE || payload:[u8; payloadLen].
package control

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// EnvelopeHeaderSize is the fixed type+length prefix before a payload.
const EnvelopeHeaderSize = 5

// Message is one deframed control envelope: an opcode plus its raw,
// not-yet-decoded JSON-equivalent payload.
type Message struct {
	Type    Opcode
	Payload []byte
}

// Encode serializes an envelope carrying payload under the given opcode.
func Encode(t Opcode, payload []byte) []byte {
	buf := make([]byte, EnvelopeHeaderSize+len(payload))
	buf[0] = byte(t)
	binary.LittleEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)
	return buf
}

// EncodeJSON marshals v and wraps it in an envelope under opcode t.
func EncodeJSON(t Opcode, v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("control: marshal payload for %s: %w", t, err)
	}
	return Encode(t, payload), nil
}

// Deframe attempts to pull exactly one complete envelope off the front of
// buf. It returns the parsed message and the number of bytes consumed from
// buf. If buf does not yet hold a complete envelope, ok is false and
// consumed is 0; the caller should read more bytes and retry without
// having mutated buf.
//
// An unknown opcode still produces a Message (with that opcode) rather
// than an error: the length prefix is authoritative regardless of whether
// the opcode is recognized, so the stream never desyncs. It is up to the
// caller to decide whether to report and skip it.
func Deframe(buf []byte) (msg Message, consumed int, ok bool) {
	if len(buf) < EnvelopeHeaderSize {
		return Message{}, 0, false
	}
	payloadLen := binary.LittleEndian.Uint32(buf[1:5])
	total := EnvelopeHeaderSize + int(payloadLen)
	if len(buf) < total {
		return Message{}, 0, false
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[EnvelopeHeaderSize:total])
	return Message{Type: Opcode(buf[0]), Payload: payload}, total, true
}

// Decoder accumulates bytes from a stream and yields complete envelopes as
// they become available, mirroring the TCP receive loop's "accumulate,
// repeatedly attempt to deframe" contract.
type Decoder struct {
	buf []byte
}

// Feed appends newly-read bytes to the decoder's internal buffer.
func (d *Decoder) Feed(b []byte) {
	d.buf = append(d.buf, b...)
}

// Next pulls the next complete envelope out of the accumulated buffer, if
// any. It compacts the buffer as it consumes envelopes.
func (d *Decoder) Next() (Message, bool) {
	msg, consumed, ok := Deframe(d.buf)
	if !ok {
		return Message{}, false
	}
	remaining := len(d.buf) - consumed
	copy(d.buf, d.buf[consumed:])
	d.buf = d.buf[:remaining]
	return msg, true
}
