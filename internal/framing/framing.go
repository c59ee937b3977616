// Package framing implements the length-prefixed stream framing used by the
// radio link: a two byte magic, a big-endian uint16 payload length and the
// payload itself. The decoder is push-based and resynchronizes on garbage
// bytes, so it survives serial noise and mid-stream connects.
package framing

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"
)

const (
	// Magic1 and Magic2 are the frame start bytes.
	Magic1 = 0x94
	Magic2 = 0xC3

	// HeaderLen is the fixed frame header size in bytes.
	HeaderLen = 4

	// MaxPayload is the largest payload length accepted from the wire.
	// Anything bigger is treated as framing corruption.
	MaxPayload = 512
)

// Decoder demultiplexes a raw byte stream into discrete frame payloads.
// Push never blocks; complete payloads are delivered to the frame callback
// in arrival order. A panic in the callback is recovered and logged so one
// bad packet cannot wedge the stream.
type Decoder struct {
	onFrame func([]byte)
	buf     []byte
}

// NewDecoder creates a decoder delivering payloads to onFrame.
func NewDecoder(onFrame func([]byte)) *Decoder {
	return &Decoder{onFrame: onFrame}
}

// Push appends bytes to the internal buffer and emits zero or more complete
// payloads. Chunk boundaries are irrelevant: the same byte sequence yields
// the same payloads regardless of how it is split across calls.
func (d *Decoder) Push(p []byte) {
	d.buf = append(d.buf, p...)

	for len(d.buf) >= HeaderLen {
		if d.buf[0] != Magic1 || d.buf[1] != Magic2 {
			// Resynchronize one byte at a time
			d.buf = d.buf[1:]
			continue
		}

		length := int(binary.BigEndian.Uint16(d.buf[2:4]))
		if length == 0 || length > MaxPayload {
			// Corrupt or oversized length, skip the magic and rescan
			d.buf = d.buf[2:]
			continue
		}

		if len(d.buf) < HeaderLen+length {
			return // wait for more input
		}

		payload := make([]byte, length)
		copy(payload, d.buf[HeaderLen:HeaderLen+length])
		d.buf = d.buf[HeaderLen+length:]

		d.deliver(payload)
	}
}

// Reset drops any partially buffered frame, for use on reconnect.
func (d *Decoder) Reset() {
	d.buf = nil
}

func (d *Decoder) deliver(payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Frame callback panicked, packet dropped")
		}
	}()

	d.onFrame(payload)
}

// Encode wraps a payload in a frame header for transmission to the radio.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) == 0 || len(payload) > MaxPayload {
		return nil, fmt.Errorf("framing: payload length %d out of range", len(payload))
	}

	frame := make([]byte, HeaderLen+len(payload))
	frame[0] = Magic1
	frame[1] = Magic2
	binary.BigEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[HeaderLen:], payload)

	return frame, nil
}
