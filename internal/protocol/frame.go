// Package protocol implements the nft-sync wire format.
//
// Every message is a frame:
//
//	+------+----------------+-----------------+
//	| type | length (u32 BE)| payload         |
//	+------+----------------+-----------------+
//	  1 B        4 B          length bytes
//
// The codec performs no I/O. TryDecode is called on a buffer that grows as
// bytes arrive from a non-blocking socket and reports ErrIncomplete until a
// whole frame is present.
package protocol

import (
	"encoding/binary"
	"fmt"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/ruleset"
)

// FrameType is the one-byte type tag of a frame.
type FrameType uint8

const (
	FrameCommand FrameType = 1
	FrameOK      FrameType = 2
	FrameData    FrameType = 3
	FrameError   FrameType = 4
)

func (t FrameType) String() string {
	switch t {
	case FrameCommand:
		return "COMMAND"
	case FrameOK:
		return "RESPONSE_OK"
	case FrameData:
		return "RESPONSE_DATA"
	case FrameError:
		return "RESPONSE_ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
	}
}

// Valid reports whether t is a known frame type.
func (t FrameType) Valid() bool {
	return t >= FrameCommand && t <= FrameError
}

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 5

	// MaxPayload bounds a frame payload. Both peers enforce it.
	MaxPayload = 4 << 20

	// MaxRulesetSize is the largest ruleset content that fits a RESPONSE_DATA frame.
	MaxRulesetSize = MaxPayload - 1 - ruleset.MaxNameLen - ruleset.HashSize
)

var (
	// ErrIncomplete means more bytes are needed before a frame can be decoded.
	ErrIncomplete = errors.New(errors.KindProtocol, "incomplete frame")

	// ErrMalformed means the buffer can never become a valid frame. The
	// session must be closed; retrying on the same buffer is pointless.
	ErrMalformed = errors.New(errors.KindProtocol, "malformed frame")
)

// Frame is one typed, length-prefixed unit of wire data.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Encode serializes a frame.
func Encode(f Frame) ([]byte, error) {
	return AppendFrame(make([]byte, 0, HeaderSize+len(f.Payload)), f)
}

// AppendFrame appends the encoding of f to dst.
func AppendFrame(dst []byte, f Frame) ([]byte, error) {
	if !f.Type.Valid() {
		return dst, errors.Errorf(errors.KindProtocol, "cannot encode frame type %s", f.Type)
	}
	if len(f.Payload) > MaxPayload {
		return dst, errors.Errorf(errors.KindProtocol, "payload of %d bytes exceeds maximum %d", len(f.Payload), MaxPayload)
	}
	var hdr [HeaderSize]byte
	hdr[0] = byte(f.Type)
	binary.BigEndian.PutUint32(hdr[1:], uint32(len(f.Payload)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Payload...), nil
}

// TryDecode decodes the first frame in buf.
//
// It returns the frame and the number of bytes consumed, ErrIncomplete when
// buf holds a valid but partial frame, or an error wrapping ErrMalformed when
// the type tag is unknown or the declared length exceeds MaxPayload. The
// returned payload does not alias buf.
func TryDecode(buf []byte) (Frame, int, error) {
	if len(buf) == 0 {
		return Frame{}, 0, ErrIncomplete
	}

	t := FrameType(buf[0])
	if !t.Valid() {
		return Frame{}, 0, errors.Wrapf(ErrMalformed, errors.KindProtocol, "unknown frame type %d", buf[0])
	}
	if len(buf) < HeaderSize {
		return Frame{}, 0, ErrIncomplete
	}

	n := binary.BigEndian.Uint32(buf[1:HeaderSize])
	if n > MaxPayload {
		return Frame{}, 0, errors.Wrapf(ErrMalformed, errors.KindProtocol, "declared length %d exceeds maximum %d", n, MaxPayload)
	}

	total := HeaderSize + int(n)
	if len(buf) < total {
		return Frame{}, 0, ErrIncomplete
	}

	payload := make([]byte, n)
	copy(payload, buf[HeaderSize:total])
	return Frame{Type: t, Payload: payload}, total, nil
}
