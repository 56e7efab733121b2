package session

import (
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/metrics"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/transport"
)

// ClientState is a client session state.
type ClientState int

const (
	ClientHandshaking ClientState = iota
	ClientSending
	ClientReceiving
	ClientDone
)

func (s ClientState) String() string {
	switch s {
	case ClientHandshaking:
		return "handshaking"
	case ClientSending:
		return "sending"
	case ClientReceiving:
		return "receiving"
	case ClientDone:
		return "done"
	default:
		return "unknown"
	}
}

// Client runs one command against a server.
type Client struct {
	sock   transport.Socket
	cmd    protocol.Command
	logger *logging.Logger

	state      ClientState
	outbuf     []byte
	inbuf      []byte
	peerClosed bool
	results    []ruleset.Ruleset
	err        error
}

// NewClient prepares cmd for sending over sock.
func NewClient(sock transport.Socket, cmd protocol.Command, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	f, err := protocol.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}
	out, err := protocol.Encode(f)
	if err != nil {
		return nil, err
	}
	metrics.Get().SessionsActive.Inc()
	return &Client{
		sock:   sock,
		cmd:    cmd,
		logger: logger.WithComponent("client").With("remote", sock.RemoteAddr()),
		state:  ClientHandshaking,
		outbuf: out,
	}, nil
}

// State returns the current state.
func (c *Client) State() ClientState { return c.state }

// Done reports whether the command has finished.
func (c *Client) Done() bool { return c.state == ClientDone }

// Result returns the rulesets received and the command's error. It is only
// meaningful once Done reports true.
func (c *Client) Result() ([]ruleset.Ruleset, error) {
	return c.results, c.err
}

// Abort ends the command with err unless it already finished.
func (c *Client) Abort(err error) {
	c.finish(err)
}

// Step advances the client as far as the socket allows.
func (c *Client) Step() {
	for {
		var progressed bool
		switch c.state {
		case ClientHandshaking:
			progressed = c.handshake()
		case ClientSending:
			progressed = c.send()
		case ClientReceiving:
			progressed = c.receive()
		default:
			return
		}
		if !progressed {
			return
		}
	}
}

func (c *Client) handshake() bool {
	id, err := c.sock.TryHandshake()
	if errors.Is(err, transport.ErrWouldBlock) {
		return false
	}
	if err != nil {
		metrics.Get().HandshakeFailure.Inc()
		c.finish(err)
		return false
	}
	if c.sock.Secure() {
		c.logger.Debug("Server authenticated", "peer", id.String())
	}
	c.state = ClientSending
	return true
}

func (c *Client) send() bool {
	for len(c.outbuf) > 0 {
		n, err := c.sock.TryWrite(c.outbuf)
		c.outbuf = c.outbuf[n:]
		if errors.Is(err, transport.ErrWouldBlock) {
			return false
		}
		if err != nil {
			c.finish(err)
			return false
		}
	}
	metrics.Get().FramesOut.WithLabelValues(protocol.FrameCommand.String()).Inc()
	c.logger.Debug("Command sent", "command", c.cmd.String())
	c.state = ClientReceiving
	return true
}

func (c *Client) receive() bool {
	for !c.peerClosed && len(c.inbuf) < maxInbound {
		data, err := c.sock.TryRead()
		c.inbuf = append(c.inbuf, data...)
		if err == nil {
			continue
		}
		if errors.Is(err, transport.ErrWouldBlock) {
			break
		}
		if errors.Is(err, transport.ErrClosed) {
			c.peerClosed = true
			break
		}
		c.finish(err)
		return false
	}

	for c.state == ClientReceiving {
		f, n, err := protocol.TryDecode(c.inbuf)
		if errors.Is(err, protocol.ErrIncomplete) {
			if c.peerClosed {
				c.finish(errors.New(errors.KindTransport, "server closed the connection before responding"))
			}
			return false
		}
		if err != nil {
			c.finish(err)
			return false
		}
		c.inbuf = c.inbuf[n:]
		metrics.Get().FramesIn.WithLabelValues(f.Type.String()).Inc()
		c.handleFrame(f)
	}
	return false
}

func (c *Client) handleFrame(f protocol.Frame) {
	switch f.Type {
	case protocol.FrameData:
		r, err := protocol.DecodeData(f)
		if err != nil {
			c.finish(err)
			return
		}
		if err := c.checkName(r.Name); err != nil {
			c.finish(err)
			return
		}
		c.results = append(c.results, r)
	case protocol.FrameOK:
		c.finish(nil)
	case protocol.FrameError:
		c.finish(protocol.DecodeError(f))
	default:
		c.finish(errors.Errorf(errors.KindProtocol, "unexpected %s frame from server", f.Type))
	}
}

// checkName guards against a server answering with rulesets that were not
// asked for or whose names are unsafe to use as file names.
func (c *Client) checkName(name string) error {
	if !c.cmd.All() {
		if name != c.cmd.Name {
			return errors.Errorf(errors.KindProtocol, "server returned ruleset %q, requested %q", name, c.cmd.Name)
		}
		return nil
	}
	if !ruleset.ValidName(name) {
		return errors.Errorf(errors.KindProtocol, "server returned invalid ruleset name %q", name)
	}
	return nil
}

func (c *Client) finish(err error) {
	if c.state == ClientDone {
		return
	}
	c.state = ClientDone
	c.err = err
	_ = c.sock.Close()

	outcome := "ok"
	if err != nil {
		outcome = "error"
		c.results = nil
	}
	metrics.Get().SessionClosed("client", outcome)
	c.logger.Debug("Command finished", "command", c.cmd.String(), "rulesets", len(c.results), "error", err)
}
