package transport

import (
	"context"
	"crypto/tls"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/testutil"
	nstls "grimm.is/nftsync/internal/tls"
)

// notifier turns Notify callbacks into a channel the test can wait on.
type notifier chan struct{}

func newNotifier() notifier { return make(notifier, 1) }

func (n notifier) notify() {
	select {
	case n <- struct{}{}:
	default:
	}
}

// poll calls try after each notification until it reports done.
func poll(t *testing.T, n notifier, try func() bool) {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for !try() {
		select {
		case <-n:
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatal("timed out waiting for socket")
		}
	}
}

func handshake(t *testing.T, s Socket, n notifier) (Identity, error) {
	t.Helper()
	var id Identity
	var err error
	poll(t, n, func() bool {
		id, err = s.TryHandshake()
		return err != ErrWouldBlock
	})
	return id, err
}

func readN(t *testing.T, s Socket, n notifier, want int) []byte {
	t.Helper()
	var got []byte
	poll(t, n, func() bool {
		data, err := s.TryRead()
		if err != nil && err != ErrWouldBlock {
			t.Fatalf("read: %v", err)
		}
		got = append(got, data...)
		return len(got) >= want
	})
	return got
}

func pair(t *testing.T, srvTLS, cliTLS *tls.Config) (Socket, notifier, Socket, notifier) {
	t.Helper()
	ln, err := Listen(context.Background(), ListenConfig{Address: "127.0.0.1:0"})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	cn := newNotifier()
	cli, err := Dial(context.Background(), DialConfig{
		Address: ln.Addr().String(),
		TLS:     cliTLS,
		Logger:  logging.Discard(),
	}, cn.notify)
	require.NoError(t, err)

	sn := newNotifier()
	var raw net.Conn
	select {
	case raw = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("accept timed out")
	}
	srv := NewServerSocket(raw, srvTLS, sn.notify, Options{})
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return srv, sn, cli, cn
}

func TestPlainRoundTrip(t *testing.T) {
	srv, sn, cli, cn := pair(t, nil, nil)

	id, err := handshake(t, srv, sn)
	require.NoError(t, err)
	assert.True(t, id.Anonymous)
	assert.False(t, srv.Secure())

	_, err = cli.TryWrite([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(readN(t, srv, sn, 5)))

	_, err = srv.TryWrite([]byte("world"))
	require.NoError(t, err)
	assert.Equal(t, "world", string(readN(t, cli, cn, 5)))

	poll(t, sn, func() bool { return srv.Pending() == 0 })
}

func TestPeerCloseReportsClosed(t *testing.T) {
	srv, sn, cli, _ := pair(t, nil, nil)
	_, err := handshake(t, srv, sn)
	require.NoError(t, err)

	require.NoError(t, cli.Close())
	poll(t, sn, func() bool {
		_, err := srv.TryRead()
		return errors.Is(err, ErrClosed)
	})
}

func TestLocalCloseIdempotent(t *testing.T) {
	srv, _, _, _ := pair(t, nil, nil)
	require.NoError(t, srv.Close())
	assert.NoError(t, srv.Close())

	_, err := srv.TryWrite([]byte("x"))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = srv.TryRead()
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMutualTLS(t *testing.T) {
	pki := testutil.NewPKI(t)
	srv, sn, cli, cn := pair(t, serverTLS(t, pki.Server), clientTLS(t, pki.Client))

	id, err := handshake(t, srv, sn)
	require.NoError(t, err)
	assert.False(t, id.Anonymous)
	assert.Equal(t, "nft-sync-client", id.CommonName)
	assert.True(t, srv.Secure())

	cid, err := handshake(t, cli, cn)
	require.NoError(t, err)
	assert.Equal(t, "nft-sync-server", cid.CommonName)

	_, err = cli.TryWrite([]byte("secret"))
	require.NoError(t, err)
	assert.Equal(t, "secret", string(readN(t, srv, sn, 6)))
}

func TestForeignCARejected(t *testing.T) {
	pki := testutil.NewPKI(t)
	foreign := testutil.NewPKI(t)
	// The foreign client trusts the real server but holds a certificate
	// from another authority.
	creds := foreign.Client
	creds.CA = pki.Client.CA

	srv, sn, _, _ := pair(t, serverTLS(t, pki.Server), clientTLS(t, creds))

	_, err := handshake(t, srv, sn)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuth), "got %v", err)

	_, err = srv.TryRead()
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrWouldBlock)
}

// clientFailure waits for the client to learn that the server refused it,
// either during its handshake or on the first read after it.
func clientFailure(t *testing.T, cli Socket, cn notifier) error {
	t.Helper()
	if _, err := handshake(t, cli, cn); err != nil {
		return err
	}
	var err error
	poll(t, cn, func() bool {
		_, err = cli.TryRead()
		return err != nil && err != ErrWouldBlock
	})
	return err
}

func TestForeignCAClientSeesAuthError(t *testing.T) {
	pki := testutil.NewPKI(t)
	foreign := testutil.NewPKI(t)
	creds := foreign.Client
	creds.CA = pki.Client.CA

	srv, sn, cli, cn := pair(t, serverTLS(t, pki.Server), clientTLS(t, creds))

	_, err := handshake(t, srv, sn)
	require.Error(t, err)

	err = clientFailure(t, cli, cn)
	assert.True(t, errors.IsKind(err, errors.KindAuth), "got %v", err)
}

func TestClientWithoutCertificateRejected(t *testing.T) {
	pki := testutil.NewPKI(t)
	anon := clientTLS(t, pki.Client)
	anon.Certificates = nil

	srv, sn, cli, cn := pair(t, serverTLS(t, pki.Server), anon)

	_, err := handshake(t, srv, sn)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindAuth), "got %v", err)

	err = clientFailure(t, cli, cn)
	assert.True(t, errors.IsKind(err, errors.KindAuth), "got %v", err)
}

func TestDialRetriesExhausted(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	_, err = Dial(context.Background(), DialConfig{Address: addr, Retries: 1, Timeout: time.Second, Logger: logging.Discard()}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindTransport))
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestListenBadAddress(t *testing.T) {
	_, err := Listen(context.Background(), ListenConfig{Address: "256.0.0.1:1"})
	assert.True(t, errors.IsKind(err, errors.KindTransport))
}

func TestListenMaxConns(t *testing.T) {
	ln, err := Listen(context.Background(), ListenConfig{Address: "127.0.0.1:0", MaxConns: 1})
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	c1, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	c2, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer c2.Close()

	first := <-accepted
	select {
	case <-accepted:
		t.Fatal("second connection accepted while the cap was reached")
	case <-time.After(200 * time.Millisecond):
	}

	first.Close()
	select {
	case c := <-accepted:
		c.Close()
	case <-time.After(5 * time.Second):
		t.Fatal("second connection not accepted after a slot freed")
	}
}

func TestIdentityString(t *testing.T) {
	assert.Equal(t, "anonymous", Identity{Anonymous: true}.String())
	id := Identity{CommonName: "node1", Fingerprint: "0123456789abcdef0123"}
	assert.Equal(t, "node1 (sha256:0123456789abcdef)", id.String())
}

func serverTLS(t *testing.T, creds nstls.Credentials) *tls.Config {
	t.Helper()
	cfg, err := nstls.ServerConfig(creds)
	require.NoError(t, err)
	return cfg
}

func clientTLS(t *testing.T, creds nstls.Credentials) *tls.Config {
	t.Helper()
	cfg, err := nstls.ClientConfig(creds, "")
	require.NoError(t, err)
	return cfg
}
