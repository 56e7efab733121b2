package session

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"grimm.is/nftsync/internal/clock"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/kernel"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/rulestore"
	"grimm.is/nftsync/internal/transport"
)

type fixture struct {
	sock *fakeSocket
	sim  *kernel.SimChannel
	sess *Session
}

func newFixture(t *testing.T, files map[string]string) *fixture {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	store, err := rulestore.Open(dir, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sim := kernel.NewSimChannel()
	sock := &fakeSocket{handshook: true}
	h := NewRuleHandler(store, sim, logging.Discard())
	sess := New(sock, h, Options{Logger: logging.Discard()})
	return &fixture{sock: sock, sim: sim, sess: sess}
}

func dataFrame(t *testing.T, name, content string) protocol.Frame {
	t.Helper()
	f, err := protocol.EncodeData(ruleset.New(name, []byte(content)))
	require.NoError(t, err)
	return f
}

func assertError(t *testing.T, f protocol.Frame, kind errors.Kind) {
	t.Helper()
	require.Equal(t, protocol.FrameError, f.Type)
	assert.Equal(t, kind, errors.GetKind(protocol.DecodeError(f)))
}

func TestFetchAll(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-table": "b1", "02-table": "b2"})

	fx.sock.send(t, command(t, protocol.OpFetch, ""))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 3)
	assert.Equal(t, dataFrame(t, "01-table", "b1"), got[0])
	assert.Equal(t, dataFrame(t, "02-table", "b2"), got[1])
	assert.Equal(t, protocol.FrameOK, got[2].Type)
	assert.Equal(t, AwaitCommand, fx.sess.State())
	assert.Equal(t, uint64(0), fx.sim.Generation(), "FETCH must not touch the kernel")
}

func TestPullOneThenQuery(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-table": "table inet filter {}\n"})

	fx.sock.send(t, command(t, protocol.OpPull, "01-table"))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.FrameOK, got[0].Type)

	q, err := fx.sim.Query(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(q.Content), "table inet filter {}")
}

func TestFetchMissingKeepsSessionUsable(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-table": "b1"})

	fx.sock.send(t, command(t, protocol.OpFetch, "nonexistent"))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 1)
	assertError(t, got[0], errors.KindNotFound)
	assert.Equal(t, AwaitCommand, fx.sess.State())

	fx.sock.send(t, command(t, protocol.OpFetch, "01-table"))
	fx.sess.Step(context.Background())
	got = fx.sock.responses(t)
	require.Len(t, got, 2)
	assert.Equal(t, protocol.FrameData, got[0].Type)
	assert.Equal(t, protocol.FrameOK, got[1].Type)
}

func TestInvalidNameKeepsSessionOpen(t *testing.T) {
	for _, name := range []string{"../etc/passwd", "a/b", ".hidden", string(make([]byte, 300))} {
		fx := newFixture(t, nil)
		raw := append([]byte{byte(protocol.OpPull)}, name...)
		fx.sock.send(t, protocol.Frame{Type: protocol.FrameCommand, Payload: raw})
		fx.sess.Step(context.Background())

		got := fx.sock.responses(t)
		require.Len(t, got, 1, "name %q", name)
		assertError(t, got[0], errors.KindInvalid)
		assert.Equal(t, AwaitCommand, fx.sess.State())
	}
}

func TestKernelFetch(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-table": "live"})
	require.NoError(t, fx.sim.Apply(context.Background(), ruleset.New("01-table", []byte("live"))))

	fx.sock.send(t, command(t, protocol.OpFetch, ruleset.KernelName))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 2)
	r, err := protocol.DecodeData(got[0])
	require.NoError(t, err)
	assert.Equal(t, ruleset.KernelName, r.Name)
	assert.Contains(t, string(r.Content), "live")

	fx.sock.send(t, command(t, protocol.OpPull, ruleset.KernelName))
	fx.sess.Step(context.Background())
	got = fx.sock.responses(t)
	require.Len(t, got, 1)
	assertError(t, got[0], errors.KindInvalid)
}

func TestPullRejectedLeavesKernelUnchanged(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-table": "good", "02-table": "BROKEN"})
	fx.sim.Reject = kernel.RejectContaining("BROKEN")

	fx.sock.send(t, command(t, protocol.OpPull, "01-table"))
	fx.sess.Step(context.Background())
	fx.sock.responses(t)
	before, err := fx.sim.Query(context.Background())
	require.NoError(t, err)

	fx.sock.send(t, command(t, protocol.OpPull, "02-table"))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 1)
	assertError(t, got[0], errors.KindApply)
	assert.Equal(t, AwaitCommand, fx.sess.State())

	after, err := fx.sim.Query(context.Background())
	require.NoError(t, err)
	assert.Equal(t, before.Hash, after.Hash)
}

func TestPullAllStopsAtFirstFailure(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-a": "one", "02-b": "BROKEN", "03-c": "three"})
	fx.sim.Reject = kernel.RejectContaining("BROKEN")

	fx.sock.send(t, command(t, protocol.OpPull, ""))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 1)
	assertError(t, got[0], errors.KindApply)

	_, ok := fx.sim.Applied("01-a")
	assert.True(t, ok, "rulesets before the failure stay applied")
	_, ok = fx.sim.Applied("03-c")
	assert.False(t, ok, "rulesets after the failure are not attempted")
}

func TestMalformedFrameCloses(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sock.inbound = []byte{9, 0, 0, 0, 0}
	fx.sess.Step(context.Background())

	assert.Equal(t, Closed, fx.sess.State())
	assert.Equal(t, 1, fx.sock.closed)
	assert.Empty(t, fx.sock.written)
}

func TestNonCommandFrameCloses(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sock.send(t, protocol.OKFrame())
	fx.sess.Step(context.Background())

	assert.Equal(t, Closed, fx.sess.State())
	assert.Empty(t, fx.sock.written)
}

func TestUnknownOpRepliesThenCloses(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-table": "b1"})
	fx.sock.send(t,
		protocol.Frame{Type: protocol.FrameCommand, Payload: []byte{9, 'x'}},
		command(t, protocol.OpFetch, "01-table"))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 1, "commands after the bad one are not processed")
	assertError(t, got[0], errors.KindProtocol)
	assert.Equal(t, Closed, fx.sess.State())
}

func TestPipelinedCommandsInOrder(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-a": "a", "02-b": "b"})
	fx.sock.send(t,
		command(t, protocol.OpFetch, "02-b"),
		command(t, protocol.OpFetch, "missing"),
		command(t, protocol.OpFetch, "01-a"))
	fx.sess.Step(context.Background())

	got := fx.sock.responses(t)
	require.Len(t, got, 5)
	assert.Equal(t, dataFrame(t, "02-b", "b"), got[0])
	assert.Equal(t, protocol.FrameOK, got[1].Type)
	assertError(t, got[2], errors.KindNotFound)
	assert.Equal(t, dataFrame(t, "01-a", "a"), got[3])
	assert.Equal(t, protocol.FrameOK, got[4].Type)
}

func TestDrainingHoldsNextCommand(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-a": "aaaaaaaaaaaaaaaaaaaa", "02-b": "b"})
	fx.sock.writeCap = 16
	fx.sock.send(t,
		command(t, protocol.OpFetch, "01-a"),
		command(t, protocol.OpPull, "02-b"))

	fx.sess.Step(context.Background())
	assert.Equal(t, DrainingResponse, fx.sess.State())
	_, applied := fx.sim.Applied("02-b")
	assert.False(t, applied, "next command must wait for the response to drain")

	for i := 0; i < 20 && fx.sess.State() == DrainingResponse; i++ {
		fx.sock.flush()
		fx.sess.Step(context.Background())
	}
	fx.sock.flush()
	fx.sess.Step(context.Background())

	_, applied = fx.sim.Applied("02-b")
	assert.True(t, applied)
	got := fx.sock.responses(t)
	require.Len(t, got, 3)
	assert.Equal(t, protocol.FrameData, got[0].Type)
	assert.Equal(t, protocol.FrameOK, got[1].Type)
	assert.Equal(t, protocol.FrameOK, got[2].Type)
}

func TestByteAtATime(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-a": "a"})
	wire, err := protocol.Encode(command(t, protocol.OpFetch, "01-a"))
	require.NoError(t, err)

	for _, b := range wire[:len(wire)-1] {
		fx.sock.inbound = []byte{b}
		fx.sess.Step(context.Background())
		assert.Empty(t, fx.sock.written)
		assert.Equal(t, AwaitCommand, fx.sess.State())
	}
	fx.sock.inbound = wire[len(wire)-1:]
	fx.sess.Step(context.Background())
	assert.Len(t, fx.sock.responses(t), 2)
}

func TestPeerHalfCloseDrainsThenCloses(t *testing.T) {
	fx := newFixture(t, map[string]string{"01-a": "a"})
	fx.sock.send(t, command(t, protocol.OpFetch, "01-a"))
	fx.sock.peerClosed = true
	fx.sess.Step(context.Background())

	assert.Len(t, fx.sock.responses(t), 2)
	assert.Equal(t, Closed, fx.sess.State())
}

func TestHandshake(t *testing.T) {
	store := new(mockStore)
	sock := &fakeSocket{secure: true, identity: transport.Identity{CommonName: "node1", Fingerprint: "ab"}}
	sess := New(sock, NewRuleHandler(store, kernel.NewSimChannel(), logging.Discard()), Options{Logger: logging.Discard()})
	assert.Equal(t, Handshaking, sess.State())

	sess.Step(context.Background())
	assert.Equal(t, Handshaking, sess.State())

	sock.handshook = true
	sess.Step(context.Background())
	assert.Equal(t, AwaitCommand, sess.State())
	assert.Equal(t, "node1", sess.Identity().CommonName)
}

func TestHandshakeFailureCloses(t *testing.T) {
	sock := &fakeSocket{secure: true, handshook: true, handshakeErr: errors.New(errors.KindAuth, "bad certificate")}
	sess := New(sock, new(mockHandler), Options{Logger: logging.Discard()})

	sock.send(t, command(t, protocol.OpFetch, ""))
	sess.Step(context.Background())

	assert.Equal(t, Closed, sess.State())
	assert.Empty(t, sock.written, "no command is processed without a handshake")
}

func TestCloseIsIdempotent(t *testing.T) {
	fx := newFixture(t, nil)
	fx.sess.Close("shutdown")
	fx.sess.Close("shutdown")
	fx.sess.Step(context.Background())
	assert.Equal(t, 1, fx.sock.closed)
}

func TestIdleFor(t *testing.T) {
	clk := clock.NewMockClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	sock := &fakeSocket{handshook: true}
	sess := New(sock, new(mockHandler), Options{Clock: clk, Logger: logging.Discard()})

	clk.Advance(time.Minute)
	assert.Equal(t, time.Minute, sess.IdleFor())

	sock.inbound = []byte{1}
	sess.Step(context.Background())
	assert.Equal(t, time.Duration(0), sess.IdleFor())
}

func TestHandlerReceivesPeerIdentity(t *testing.T) {
	h := new(mockHandler)
	sock := &fakeSocket{secure: true, handshook: true, identity: transport.Identity{CommonName: "node1"}}
	sess := New(sock, h, Options{Logger: logging.Discard()})

	cmd := protocol.Command{Op: protocol.OpFetch, Name: "x"}
	h.On("Handle", mock.Anything, sock.identity, cmd).
		Return([]protocol.Frame{protocol.OKFrame()}, nil).Once()

	sock.send(t, command(t, protocol.OpFetch, "x"))
	sess.Step(context.Background())

	h.AssertExpectations(t)
	assert.Len(t, sock.responses(t), 1)
}

type mockHandler struct{ mock.Mock }

func (m *mockHandler) Handle(ctx context.Context, peer transport.Identity, cmd protocol.Command) ([]protocol.Frame, error) {
	args := m.Called(ctx, peer, cmd)
	return args.Get(0).([]protocol.Frame), args.Error(1)
}

type mockStore struct{ mock.Mock }

func (m *mockStore) Read(name string) (ruleset.Ruleset, error) {
	args := m.Called(name)
	return args.Get(0).(ruleset.Ruleset), args.Error(1)
}

func (m *mockStore) ReadAll() ([]ruleset.Ruleset, error) {
	args := m.Called()
	return args.Get(0).([]ruleset.Ruleset), args.Error(1)
}
