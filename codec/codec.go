package codec

import (
	"github.com/lithdew/bytesutil"
)

// SizeHeader is the number of bytes preceding every frame payload.
const SizeHeader = 4

// DefaultMaxFrameSize bounds the payload a peer may declare.
const DefaultMaxFrameSize = 4 << 20

// Codec packs application messages into frames and finds frame boundaries
// in a byte stream.
//
// Unpack reports how many bytes of buf the first frame occupies:
// n > 0 is a complete frame, n == 0 means more bytes are needed and
// n < 0 means buf does not start with a valid frame.
type Codec interface {
	Pack(dst, msg []byte) []byte
	Unpack(buf []byte) (n int, frame []byte)
}

var _ Codec = LengthPrefixed{}

// LengthPrefixed frames payloads as [4 bytes big-endian length][payload].
type LengthPrefixed struct {
	Max int // largest accepted payload, DefaultMaxFrameSize if zero
}

func (c LengthPrefixed) max() int {
	if c.Max <= 0 {
		return DefaultMaxFrameSize
	}
	return c.Max
}

func (c LengthPrefixed) Pack(dst, msg []byte) []byte {
	dst = bytesutil.AppendUint32BE(dst, uint32(len(msg)))
	dst = append(dst, msg...)
	return dst
}

func (c LengthPrefixed) Unpack(buf []byte) (int, []byte) {
	if len(buf) < SizeHeader {
		return 0, nil
	}
	size := bytesutil.Uint32BE(buf[:SizeHeader])
	if uint64(size) > uint64(c.max()) {
		return -1, nil
	}
	end := SizeHeader + int(size)
	if len(buf) < end {
		return 0, nil
	}
	return end, buf[SizeHeader:end]
}
