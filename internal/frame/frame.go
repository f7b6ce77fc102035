// Package frame implements the Connect-style wire framing used by both
// protocol generations: a one-byte flag, a big-endian uint32 payload length,
// and the payload itself. The same codec frames outbound request bodies and
// decodes inbound streaming response bodies.
package frame

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the number of bytes preceding every payload.
const HeaderSize = 5

// MaxPayloadSize is the sanity ceiling for a single frame. The remote never
// sends frames anywhere near this large; a declared length above it means the
// stream is corrupt, not that we should keep buffering.
const MaxPayloadSize = 16 << 20

// FlagEndStream marks the trailer frame that closes a streaming response.
const FlagEndStream = 0x02

// Frame is one decoded unit of the wire protocol.
type Frame struct {
	Flag    byte
	Payload []byte
}

// EndStream reports whether this frame carries the end-of-stream flag.
func (f Frame) EndStream() bool {
	return f.Flag&FlagEndStream != 0
}

// Encode frames a payload for transmission.
func Encode(payload []byte, flag byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	out[0] = flag
	binary.BigEndian.PutUint32(out[1:HeaderSize], uint32(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

// HeaderError reports an implausible frame header. The stream it came from
// cannot be trusted past this point.
type HeaderError struct {
	Flag   byte
	Length uint32
}

func (e *HeaderError) Error() string {
	return fmt.Sprintf("implausible frame header: flag=0x%02x length=%d", e.Flag, e.Length)
}

// DecodeAll decodes every complete frame available in buf and returns the
// undecoded remainder. Partial input is not an error: a short buffer simply
// comes back as the remainder, to be retried once more bytes arrive. A
// declared length above MaxPayloadSize returns a *HeaderError along with the
// frames decoded before it.
func DecodeAll(buf []byte) ([]Frame, []byte, error) {
	var frames []Frame
	for len(buf) >= HeaderSize {
		flag := buf[0]
		length := binary.BigEndian.Uint32(buf[1:HeaderSize])
		if length > MaxPayloadSize {
			return frames, buf, &HeaderError{Flag: flag, Length: length}
		}
		total := HeaderSize + int(length)
		if len(buf) < total {
			break
		}
		payload := make([]byte, length)
		copy(payload, buf[HeaderSize:total])
		frames = append(frames, Frame{Flag: flag, Payload: payload})
		buf = buf[total:]
	}
	return frames, buf, nil
}
