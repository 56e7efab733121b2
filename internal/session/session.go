// Package session implements the per-connection protocol state machines.
//
// A server Session moves through
//
//	Handshaking -> AwaitCommand -> Processing -> DrainingResponse -> AwaitCommand ...
//
// and ends in Closed. A Client sends one command and collects the response.
// Neither blocks: the reactor calls Step whenever the socket signals
// readiness, and Step advances as far as the socket allows.
package session

import (
	"context"
	"time"

	"github.com/google/uuid"

	"grimm.is/nftsync/internal/clock"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/metrics"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/transport"
)

// State is a server session state.
type State int

const (
	Handshaking State = iota
	AwaitCommand
	Processing
	DrainingResponse
	Closed
)

func (s State) String() string {
	switch s {
	case Handshaking:
		return "handshaking"
	case AwaitCommand:
		return "await-command"
	case Processing:
		return "processing"
	case DrainingResponse:
		return "draining"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// maxInbound bounds buffered inbound bytes: one maximal frame.
const maxInbound = protocol.HeaderSize + protocol.MaxPayload

// Options carries the shared dependencies of sessions.
type Options struct {
	Clock  clock.Clock
	Logger *logging.Logger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.Real
	}
	if o.Logger == nil {
		o.Logger = logging.Default()
	}
	return o
}

// Session is one server-side connection.
type Session struct {
	sock    transport.Socket
	handler Handler
	clock   clock.Clock
	logger  *logging.Logger

	state           State
	identity        transport.Identity
	inbuf           []byte
	outbuf          []byte
	lastActivity    time.Time
	peerClosed      bool
	closeAfterDrain bool
}

// New creates a session over sock. TLS sockets start in Handshaking.
func New(sock transport.Socket, handler Handler, opts Options) *Session {
	opts = opts.withDefaults()
	id := uuid.NewString()
	s := &Session{
		sock:         sock,
		handler:      handler,
		clock:        opts.Clock,
		logger:       opts.Logger.WithComponent("session").With("session", id[:8], "remote", sock.RemoteAddr()),
		state:        AwaitCommand,
		identity:     transport.Identity{Anonymous: true},
		lastActivity: opts.Clock.Now(),
	}
	if sock.Secure() {
		s.state = Handshaking
	}
	metrics.Get().SessionsActive.Inc()
	s.logger.Debug("Session opened", "state", s.state.String())
	return s
}

// State returns the current state.
func (s *Session) State() State { return s.state }

// Identity returns the authenticated peer.
func (s *Session) Identity() transport.Identity { return s.identity }

// IdleFor returns the time since the last byte moved in either direction.
func (s *Session) IdleFor() time.Duration {
	return s.clock.Since(s.lastActivity)
}

// Step advances the state machine as far as the socket allows.
func (s *Session) Step(ctx context.Context) {
	for {
		var progressed bool
		switch s.state {
		case Handshaking:
			progressed = s.handshake()
		case AwaitCommand:
			progressed = s.awaitCommand(ctx)
		case DrainingResponse:
			progressed = s.drain()
		default:
			return
		}
		if !progressed {
			return
		}
	}
}

// Close ends the session. It is safe to call in any state.
func (s *Session) Close(reason string) {
	s.close(reason, nil)
}

func (s *Session) handshake() bool {
	id, err := s.sock.TryHandshake()
	if errors.Is(err, transport.ErrWouldBlock) {
		return false
	}
	if err != nil {
		metrics.Get().HandshakeFailure.Inc()
		s.close("handshake failed", err)
		return false
	}
	s.identity = id
	s.touch()
	s.logger.Info("Peer authenticated", "peer", id.String())
	s.state = AwaitCommand
	return true
}

func (s *Session) awaitCommand(ctx context.Context) bool {
	if err := s.fill(); err != nil {
		s.close("read failed", err)
		return false
	}

	f, n, err := protocol.TryDecode(s.inbuf)
	if errors.Is(err, protocol.ErrIncomplete) {
		if s.peerClosed {
			if len(s.inbuf) > 0 {
				s.close("peer closed mid-frame", nil)
			} else {
				s.close("peer closed", nil)
			}
		}
		return false
	}
	if err != nil {
		s.close("protocol error", err)
		return false
	}
	s.inbuf = s.inbuf[n:]
	if len(s.inbuf) == 0 {
		s.inbuf = nil
	}
	metrics.Get().FramesIn.WithLabelValues(f.Type.String()).Inc()

	if f.Type != protocol.FrameCommand {
		s.close("protocol error", errors.Errorf(errors.KindProtocol, "unexpected %s frame", f.Type))
		return false
	}

	cmd, err := protocol.DecodeCommand(f)
	if err != nil {
		// Best effort: tell the peer why, then hang up.
		s.logger.Warn("Rejecting command", "error", err)
		s.enqueue(protocol.EncodeError(err))
		s.closeAfterDrain = true
		s.state = DrainingResponse
		return true
	}

	s.state = Processing
	start := s.clock.Now()
	frames, herr := s.handler.Handle(ctx, s.identity, cmd)
	metrics.Get().RecordCommand(cmd.Op.String(), herr)
	if herr != nil {
		s.logger.Info("Command failed", "command", cmd.String(), "peer", s.identity.String(), "error", herr)
	} else {
		s.logger.Info("Command completed", "command", cmd.String(), "peer", s.identity.String(),
			"frames", len(frames), "duration", s.clock.Since(start))
	}
	for _, rf := range frames {
		s.enqueue(rf)
	}
	s.state = DrainingResponse
	return true
}

func (s *Session) drain() bool {
	for len(s.outbuf) > 0 {
		n, err := s.sock.TryWrite(s.outbuf)
		if n > 0 {
			s.outbuf = s.outbuf[n:]
			s.touch()
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			return false
		}
		if err != nil {
			s.close("write failed", err)
			return false
		}
	}
	s.outbuf = nil
	if s.sock.Pending() > 0 {
		return false
	}
	if s.closeAfterDrain {
		s.close("protocol error", nil)
		return false
	}
	s.state = AwaitCommand
	return true
}

// fill moves every available inbound byte into inbuf.
func (s *Session) fill() error {
	for !s.peerClosed && len(s.inbuf) < maxInbound {
		data, err := s.sock.TryRead()
		if len(data) > 0 {
			s.inbuf = append(s.inbuf, data...)
			s.touch()
		}
		switch {
		case err == nil:
			continue
		case errors.Is(err, transport.ErrWouldBlock):
			return nil
		case errors.Is(err, transport.ErrClosed):
			s.peerClosed = true
			return nil
		default:
			return err
		}
	}
	return nil
}

func (s *Session) enqueue(f protocol.Frame) {
	buf, err := protocol.AppendFrame(s.outbuf, f)
	if err != nil {
		// Only an oversized payload fails to encode; report that instead.
		s.logger.Error("Failed to encode response frame", "type", f.Type.String(), "error", err)
		buf, _ = protocol.AppendFrame(s.outbuf, protocol.EncodeError(errors.Wrap(err, errors.KindInternal, "response too large")))
	}
	s.outbuf = buf
	metrics.Get().FramesOut.WithLabelValues(f.Type.String()).Inc()
}

func (s *Session) touch() {
	s.lastActivity = s.clock.Now()
}

func (s *Session) close(reason string, err error) {
	if s.state == Closed {
		return
	}
	prev := s.state
	s.state = Closed
	_ = s.sock.Close()

	outcome := "ok"
	if err != nil || reason == "protocol error" {
		outcome = "error"
	}
	metrics.Get().SessionClosed("server", outcome)

	if err != nil {
		s.logger.Warn("Session closed", "reason", reason, "state", prev.String(), "peer", s.identity.String(), "error", err)
	} else {
		s.logger.Debug("Session closed", "reason", reason, "state", prev.String(), "peer", s.identity.String())
	}
}
