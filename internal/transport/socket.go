// Package transport provides non-blocking sockets for the reactor.
//
// Each Socket owns a net.Conn and two goroutines that only move bytes: a
// reader filling an inbox and a writer draining an outbox. They never touch
// session state; after every transfer they call the Notify callback so the
// reactor knows to poll the socket again. All Try* methods return at once,
// with ErrWouldBlock when there is nothing to do yet.
package transport

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"grimm.is/nftsync/internal/errors"
	nstls "grimm.is/nftsync/internal/tls"
)

var (
	// ErrWouldBlock means the operation cannot progress until the next
	// readiness notification.
	ErrWouldBlock = errors.New(errors.KindTransport, "operation would block")

	// ErrClosed is returned once the peer has shut down its side or the
	// socket was closed locally.
	ErrClosed = errors.New(errors.KindTransport, "connection closed")
)

const (
	readChunk        = 64 << 10
	defaultHighWater = 1 << 20
	defaultOutboxCap = 8 << 20

	// DefaultHandshakeTimeout bounds the TLS handshake.
	DefaultHandshakeTimeout = 10 * time.Second
)

// Notify is called from socket goroutines whenever the socket may have
// become readable or writable, or its handshake finished.
type Notify func()

// Identity describes the authenticated peer.
type Identity struct {
	Anonymous   bool
	CommonName  string
	Fingerprint string // hex SHA-256 of the peer certificate
}

func (i Identity) String() string {
	if i.Anonymous {
		return "anonymous"
	}
	return fmt.Sprintf("%s (sha256:%.16s)", i.CommonName, i.Fingerprint)
}

// Socket is a non-blocking connection.
type Socket interface {
	// TryHandshake reports the handshake outcome. Plain sockets succeed at
	// once with an anonymous identity.
	TryHandshake() (Identity, error)

	// TryRead returns all buffered inbound bytes.
	TryRead() ([]byte, error)

	// TryWrite queues as much of p as the outbox accepts.
	TryWrite(p []byte) (int, error)

	// Pending is the number of queued bytes not yet handed to the kernel.
	Pending() int

	Close() error
	Secure() bool
	RemoteAddr() string
}

// Options tunes socket buffering.
type Options struct {
	HandshakeTimeout time.Duration
	ReadHighWater    int // Reader pauses while the inbox holds this much
	OutboxCap        int
}

func (o Options) withDefaults() Options {
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ReadHighWater <= 0 {
		o.ReadHighWater = defaultHighWater
	}
	if o.OutboxCap <= 0 {
		o.OutboxCap = defaultOutboxCap
	}
	return o
}

type socket struct {
	raw    net.Conn
	conn   net.Conn // raw, or the tls.Conn wrapping it
	tlsc   *tls.Conn
	notify Notify
	opts   Options
	remote string

	mu   sync.Mutex
	cond *sync.Cond

	handshakeDone bool
	handshakeErr  error
	identity      Identity

	inbox   []byte
	readErr error

	outbox   []byte
	inflight int
	writeErr error

	closed    bool
	closeOnce sync.Once
}

// NewServerSocket wraps an accepted connection. With a non-nil tlsConfig
// the TLS server handshake runs first.
func NewServerSocket(conn net.Conn, tlsConfig *tls.Config, notify Notify, opts Options) Socket {
	s := newSocket(conn, notify, opts)
	if tlsConfig != nil {
		s.tlsc = tls.Server(conn, tlsConfig)
		s.conn = s.tlsc
	}
	go s.run()
	return s
}

// NewClientSocket wraps a dialed connection. With a non-nil tlsConfig the
// TLS client handshake runs first.
func NewClientSocket(conn net.Conn, tlsConfig *tls.Config, notify Notify, opts Options) Socket {
	s := newSocket(conn, notify, opts)
	if tlsConfig != nil {
		s.tlsc = tls.Client(conn, tlsConfig)
		s.conn = s.tlsc
	}
	go s.run()
	return s
}

func newSocket(conn net.Conn, notify Notify, opts Options) *socket {
	if notify == nil {
		notify = func() {}
	}
	s := &socket{
		raw:    conn,
		conn:   conn,
		notify: notify,
		opts:   opts.withDefaults(),
		remote: conn.RemoteAddr().String(),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *socket) run() {
	if s.tlsc != nil {
		_ = s.raw.SetDeadline(time.Now().Add(s.opts.HandshakeTimeout))
		err := s.tlsc.Handshake()
		_ = s.raw.SetDeadline(time.Time{})

		s.mu.Lock()
		s.handshakeDone = true
		if err != nil {
			s.handshakeErr = classifyHandshake(err)
		} else {
			s.identity = identityOf(s.tlsc.ConnectionState())
		}
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return
		}
	} else {
		s.mu.Lock()
		s.handshakeDone = true
		s.identity = Identity{Anonymous: true}
		s.mu.Unlock()
	}

	go s.writeLoop()
	s.readLoop()
}

func (s *socket) readLoop() {
	buf := make([]byte, readChunk)
	for {
		s.mu.Lock()
		for len(s.inbox) >= s.opts.ReadHighWater && !s.closed {
			s.cond.Wait()
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return
		}

		n, err := s.conn.Read(buf)

		s.mu.Lock()
		if n > 0 {
			s.inbox = append(s.inbox, buf[:n]...)
		}
		if err != nil {
			s.readErr = err
		}
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return
		}
	}
}

func (s *socket) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.outbox) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		chunk := s.outbox
		s.outbox = nil
		s.inflight = len(chunk)
		s.mu.Unlock()

		_, err := s.conn.Write(chunk)

		s.mu.Lock()
		s.inflight = 0
		if err != nil {
			s.writeErr = err
		}
		s.mu.Unlock()
		s.notify()
		if err != nil {
			return
		}
	}
}

func (s *socket) TryHandshake() (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.handshakeDone {
		if s.closed {
			return Identity{}, ErrClosed
		}
		return Identity{}, ErrWouldBlock
	}
	if s.handshakeErr != nil {
		return Identity{}, s.handshakeErr
	}
	return s.identity, nil
}

func (s *socket) TryRead() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if !s.handshakeDone {
		return nil, ErrWouldBlock
	}
	if len(s.inbox) > 0 {
		data := s.inbox
		s.inbox = nil
		s.cond.Broadcast()
		return data, nil
	}
	if s.handshakeErr != nil {
		return nil, s.handshakeErr
	}
	if s.readErr != nil {
		if s.readErr == io.EOF {
			return nil, ErrClosed
		}
		return nil, classify(s.readErr, "read failed")
	}
	return nil, ErrWouldBlock
}

func (s *socket) TryWrite(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	if s.writeErr != nil {
		return 0, classify(s.writeErr, "write failed")
	}
	if s.handshakeErr != nil {
		return 0, s.handshakeErr
	}

	room := s.opts.OutboxCap - len(s.outbox) - s.inflight
	if room <= 0 {
		return 0, ErrWouldBlock
	}
	n := min(len(p), room)
	s.outbox = append(s.outbox, p[:n]...)
	s.cond.Broadcast()
	return n, nil
}

func (s *socket) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.outbox) + s.inflight
}

func (s *socket) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.cond.Broadcast()
		s.mu.Unlock()
		err = s.raw.Close()
	})
	return err
}

func (s *socket) Secure() bool {
	return s.tlsc != nil
}

func (s *socket) RemoteAddr() string {
	return s.remote
}

func identityOf(state tls.ConnectionState) Identity {
	if len(state.PeerCertificates) == 0 {
		return Identity{Anonymous: true}
	}
	leaf := state.PeerCertificates[0]
	return Identity{
		CommonName:  leaf.Subject.CommonName,
		Fingerprint: nstls.Fingerprint(leaf),
	}
}

// classifyHandshake maps certificate problems to KindAuth and everything
// else to KindTransport.
func classifyHandshake(err error) error {
	if isAuthFailure(err) {
		return errors.Wrap(err, errors.KindAuth, "TLS handshake rejected")
	}
	return errors.Wrap(err, errors.KindTransport, "TLS handshake failed")
}

// classify is classifyHandshake for errors seen after the local handshake
// completed. Under TLS 1.3 a client learns that the server refused its
// certificate only on its first read.
func classify(err error, msg string) error {
	if isAuthFailure(err) {
		return errors.Wrap(err, errors.KindAuth, "TLS session rejected by peer")
	}
	return errors.Wrap(err, errors.KindTransport, msg)
}

func isAuthFailure(err error) bool {
	var verr *tls.CertificateVerificationError
	var alert tls.AlertError
	if errors.As(err, &verr) || errors.As(err, &alert) || isMissingCert(err) {
		return true
	}
	// A TLS alert sent by the peer.
	var op *net.OpError
	return errors.As(err, &op) && op.Op == "remote error"
}

func isMissingCert(err error) bool {
	return err != nil && err.Error() == "tls: client didn't provide a certificate"
}
