package session

import (
	"testing"

	"github.com/stretchr/testify/require"

	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/transport"
)

// fakeSocket is an in-memory transport.Socket driven by the test.
type fakeSocket struct {
	secure       bool
	handshakeErr error
	handshook    bool
	identity     transport.Identity

	inbound    []byte
	peerClosed bool
	readErr    error

	written  []byte
	writeCap int // bytes accepted per TryWrite; 0 means unlimited
	pending  int
	writeErr error

	closed int
}

func (f *fakeSocket) TryHandshake() (transport.Identity, error) {
	if !f.handshook {
		return transport.Identity{}, transport.ErrWouldBlock
	}
	if f.handshakeErr != nil {
		return transport.Identity{}, f.handshakeErr
	}
	if !f.secure {
		return transport.Identity{Anonymous: true}, nil
	}
	return f.identity, nil
}

func (f *fakeSocket) TryRead() ([]byte, error) {
	if len(f.inbound) > 0 {
		data := f.inbound
		f.inbound = nil
		return data, nil
	}
	if f.readErr != nil {
		return nil, f.readErr
	}
	if f.peerClosed {
		return nil, transport.ErrClosed
	}
	return nil, transport.ErrWouldBlock
}

func (f *fakeSocket) TryWrite(p []byte) (int, error) {
	if f.writeErr != nil {
		return 0, f.writeErr
	}
	n := len(p)
	if f.writeCap > 0 {
		room := f.writeCap - f.pending
		if room <= 0 {
			return 0, transport.ErrWouldBlock
		}
		n = min(n, room)
		f.pending += n
	}
	f.written = append(f.written, p[:n]...)
	return n, nil
}

// flush simulates the writer goroutine handing queued bytes to the kernel.
func (f *fakeSocket) flush() { f.pending = 0 }

func (f *fakeSocket) Pending() int       { return f.pending }
func (f *fakeSocket) Close() error       { f.closed++; return nil }
func (f *fakeSocket) Secure() bool       { return f.secure }
func (f *fakeSocket) RemoteAddr() string { return "192.0.2.1:40000" }

func (f *fakeSocket) send(t *testing.T, frames ...protocol.Frame) {
	t.Helper()
	for _, fr := range frames {
		b, err := protocol.Encode(fr)
		require.NoError(t, err)
		f.inbound = append(f.inbound, b...)
	}
}

// responses decodes and consumes everything written so far.
func (f *fakeSocket) responses(t *testing.T) []protocol.Frame {
	t.Helper()
	var out []protocol.Frame
	for len(f.written) > 0 {
		fr, n, err := protocol.TryDecode(f.written)
		require.NoError(t, err)
		out = append(out, fr)
		f.written = f.written[n:]
	}
	return out
}

func command(t *testing.T, op protocol.Op, name string) protocol.Frame {
	t.Helper()
	f, err := protocol.EncodeCommand(protocol.Command{Op: op, Name: name})
	require.NoError(t, err)
	return f
}
