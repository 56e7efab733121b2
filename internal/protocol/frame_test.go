package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nftsync/internal/errors"
)

func TestEncodeLayout(t *testing.T) {
	b, err := Encode(Frame{Type: FrameData, Payload: []byte("abc")})
	require.NoError(t, err)

	assert.Equal(t, []byte{3, 0, 0, 0, 3, 'a', 'b', 'c'}, b)
}

func TestEncodeRejects(t *testing.T) {
	_, err := Encode(Frame{Type: 9})
	assert.True(t, errors.IsKind(err, errors.KindProtocol))

	_, err = Encode(Frame{Type: FrameData, Payload: make([]byte, MaxPayload+1)})
	assert.True(t, errors.IsKind(err, errors.KindProtocol))
}

func TestTryDecodeRoundTrip(t *testing.T) {
	frames := []Frame{
		{Type: FrameCommand, Payload: []byte{byte(OpFetch)}},
		{Type: FrameOK, Payload: []byte{}},
		{Type: FrameData, Payload: bytes.Repeat([]byte{0xAB}, 1000)},
		{Type: FrameError, Payload: []byte{byte(CodeNotFound), 'x'}},
	}

	var stream []byte
	for _, f := range frames {
		var err error
		stream, err = AppendFrame(stream, f)
		require.NoError(t, err)
	}

	for i, want := range frames {
		got, n, err := TryDecode(stream)
		require.NoError(t, err, "frame %d", i)
		assert.Equal(t, want.Type, got.Type)
		assert.Equal(t, len(want.Payload), len(got.Payload))
		assert.True(t, bytes.Equal(want.Payload, got.Payload))
		stream = stream[n:]
	}
	assert.Empty(t, stream)
}

func TestTryDecodeByteAtATime(t *testing.T) {
	full, err := Encode(Frame{Type: FrameData, Payload: []byte("table inet filter {}")})
	require.NoError(t, err)

	var buf []byte
	for i := 0; i < len(full)-1; i++ {
		buf = append(buf, full[i])
		_, _, err := TryDecode(buf)
		require.ErrorIs(t, err, ErrIncomplete, "prefix of %d bytes", len(buf))
	}

	buf = append(buf, full[len(full)-1])
	f, n, err := TryDecode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(full), n)
	assert.Equal(t, "table inet filter {}", string(f.Payload))
}

func TestTryDecodePayloadDoesNotAlias(t *testing.T) {
	buf, err := Encode(Frame{Type: FrameData, Payload: []byte("abc")})
	require.NoError(t, err)

	f, _, err := TryDecode(buf)
	require.NoError(t, err)
	buf[HeaderSize] = 'z'
	assert.Equal(t, "abc", string(f.Payload))
}

func TestTryDecodeMalformed(t *testing.T) {
	oversized := make([]byte, HeaderSize)
	oversized[0] = byte(FrameData)
	binary.BigEndian.PutUint32(oversized[1:], MaxPayload+1)

	tests := []struct {
		name string
		buf  []byte
	}{
		{"unknown tag zero", []byte{0}},
		{"unknown tag high", []byte{0xFF, 0, 0, 0, 0}},
		{"oversized length", oversized},
		{"max uint32 length", []byte{byte(FrameCommand), 0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, n, err := TryDecode(tt.buf)
			assert.ErrorIs(t, err, ErrMalformed)
			assert.True(t, errors.IsKind(err, errors.KindProtocol))
			assert.Zero(t, n)
		})
	}
}

func TestTryDecodeTruncatedLengthIsIncomplete(t *testing.T) {
	// A header cut inside the length field must never be read as a frame.
	for i := 1; i < HeaderSize; i++ {
		buf := []byte{byte(FrameOK), 0, 0, 0, 0}[:i]
		_, _, err := TryDecode(buf)
		assert.ErrorIs(t, err, ErrIncomplete)
	}
}

func FuzzTryDecode(f *testing.F) {
	seed, _ := Encode(Frame{Type: FrameCommand, Payload: []byte{1, 'a'}})
	f.Add(seed)
	f.Add([]byte{})
	f.Add([]byte{3, 0, 0})
	f.Add([]byte{4, 0xFF, 0xFF, 0xFF, 0xFF})

	f.Fuzz(func(t *testing.T, data []byte) {
		fr, n, err := TryDecode(data)
		if err != nil {
			if !errors.Is(err, ErrIncomplete) && !errors.Is(err, ErrMalformed) {
				t.Fatalf("unexpected error type: %v", err)
			}
			if n != 0 {
				t.Fatalf("consumed %d bytes on error", n)
			}
			return
		}
		if n < HeaderSize || n > len(data) {
			t.Fatalf("consumed %d of %d bytes", n, len(data))
		}
		if declared := binary.BigEndian.Uint32(data[1:HeaderSize]); int(declared) != len(fr.Payload) {
			t.Fatalf("payload %d bytes, header declared %d", len(fr.Payload), declared)
		}
		// Payload parsers must not panic on arbitrary content either.
		switch fr.Type {
		case FrameCommand:
			_, _ = DecodeCommand(fr)
		case FrameData:
			_, _ = DecodeData(fr)
		case FrameError:
			_ = DecodeError(fr)
		}
	})
}
