// Package reactor runs the event loop that owns every session.
//
// One goroutine (Run) holds the session table and is the only caller of
// session code, so protocol state, rule store reads and kernel transactions
// are never concurrent. Socket goroutines report readiness through a
// per-connection flag and a shared channel; repeated notifications for a
// connection that is already queued are coalesced.
package reactor

import (
	"context"
	"crypto/tls"
	"net"
	"sync/atomic"
	"time"

	"grimm.is/nftsync/internal/clock"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/metrics"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ratelimit"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/session"
	"grimm.is/nftsync/internal/transport"
)

// DefaultIdleTimeout closes sessions that moved no bytes for this long.
const DefaultIdleTimeout = 5 * time.Minute

const eventQueue = 256

// ClientRequest is the command a client-mode reactor runs.
type ClientRequest struct {
	Dial    transport.DialConfig
	Command protocol.Command
}

// Config configures a Reactor. Listener and Client may both be set.
type Config struct {
	Listener  net.Listener // nil when not serving
	ServerTLS *tls.Config  // nil for plain TCP
	Handler   session.Handler

	Client *ClientRequest

	IdleTimeout   time.Duration // 0 disables idle reaping
	AcceptLimit   int           // sessions per source address per minute; 0 disables
	ReapInterval  time.Duration
	SocketOptions transport.Options

	Clock  clock.Clock
	Logger *logging.Logger
}

// conn is one entry in the session table.
type conn struct {
	pending   atomic.Bool
	server    *session.Session
	client    *session.Client
	lastEvent time.Time
}

type dialResult struct {
	c    *conn
	sock transport.Socket
	err  error
}

// Reactor is the single-threaded event loop.
type Reactor struct {
	cfg    Config
	logger *logging.Logger
	clock  clock.Clock

	conns   map[*conn]struct{}
	limiter *ratelimit.Limiter
	events  chan *conn
	accepts chan net.Conn
	dialed  chan dialResult
	done    chan struct{}

	clientDone bool
	results    []ruleset.Ruleset
	clientErr  error
}

// New creates a reactor.
func New(cfg Config) *Reactor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = reapInterval(cfg.IdleTimeout)
	}
	return &Reactor{
		cfg:     cfg,
		logger:  cfg.Logger.WithComponent("reactor"),
		clock:   cfg.Clock,
		conns:   make(map[*conn]struct{}),
		limiter: ratelimit.New(cfg.AcceptLimit, time.Minute, cfg.Clock),
		events:  make(chan *conn, eventQueue),
		accepts: make(chan net.Conn),
		dialed:  make(chan dialResult, 1),
		done:    make(chan struct{}),
	}
}

func reapInterval(idle time.Duration) time.Duration {
	if idle <= 0 {
		return time.Minute
	}
	return min(max(idle/4, 10*time.Millisecond), 30*time.Second)
}

// Run processes events until ctx is cancelled or, when no listener is
// configured, until the client command completes. It returns the client
// command's error, if any.
func (r *Reactor) Run(ctx context.Context) error {
	defer close(r.done)

	if r.cfg.Listener == nil && r.cfg.Client == nil {
		return errors.New(errors.KindConfig, "reactor has neither a listener nor a client command")
	}

	if r.cfg.Listener != nil {
		r.logger.Info("Accepting connections", "addr", r.cfg.Listener.Addr().String(), "tls", r.cfg.ServerTLS != nil)
		go r.acceptLoop(r.cfg.Listener)
	}
	if r.cfg.Client != nil {
		r.startClient(ctx)
	}

	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		if r.clientDone && r.cfg.Listener == nil {
			r.shutdown("client finished")
			return r.clientErr
		}

		select {
		case <-ctx.Done():
			r.shutdown("shutdown")
			if r.cfg.Client != nil && !r.clientDone {
				return errors.Wrap(ctx.Err(), errors.KindTransport, "interrupted before the command completed")
			}
			return r.clientErr

		case nc := <-r.accepts:
			r.addServer(ctx, nc)

		case d := <-r.dialed:
			r.clientConnected(d)

		case c := <-r.events:
			r.dispatch(ctx, c)

		case <-ticker.C:
			r.reap()
		}
	}
}

// Results returns the rulesets received by the client command.
func (r *Reactor) Results() []ruleset.Ruleset {
	return r.results
}

func (r *Reactor) notifier(c *conn) transport.Notify {
	return func() {
		if !c.pending.CompareAndSwap(false, true) {
			return
		}
		select {
		case r.events <- c:
		case <-r.done:
		}
	}
}

func (r *Reactor) acceptLoop(ln net.Listener) {
	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Transient failures such as EMFILE; back off like net/http.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else {
				delay = min(delay*2, time.Second)
			}
			r.logger.Warn("Accept failed", "error", err, "retry_in", delay)
			select {
			case <-time.After(delay):
				continue
			case <-r.done:
				return
			}
		}
		delay = 0

		select {
		case r.accepts <- nc:
		case <-r.done:
			nc.Close()
			return
		}
	}
}

func (r *Reactor) addServer(ctx context.Context, nc net.Conn) {
	host, _, err := net.SplitHostPort(nc.RemoteAddr().String())
	if err != nil {
		host = nc.RemoteAddr().String()
	}
	if !r.limiter.Allow(host) {
		r.logger.Warn("Connection rate limit exceeded", "remote", host)
		metrics.Get().SessionsTotal.WithLabelValues("server", "rate_limited").Inc()
		nc.Close()
		return
	}

	c := &conn{lastEvent: r.clock.Now()}
	sock := transport.NewServerSocket(nc, r.cfg.ServerTLS, r.notifier(c), r.cfg.SocketOptions)
	c.server = session.New(sock, r.cfg.Handler, session.Options{Clock: r.clock, Logger: r.cfg.Logger})
	r.conns[c] = struct{}{}
	r.step(ctx, c)
}

func (r *Reactor) startClient(ctx context.Context) {
	c := &conn{lastEvent: r.clock.Now()}
	req := r.cfg.Client
	if req.Dial.Logger == nil {
		req.Dial.Logger = r.cfg.Logger
	}
	if req.Dial.Options == (transport.Options{}) {
		req.Dial.Options = r.cfg.SocketOptions
	}
	notify := r.notifier(c)
	go func() {
		sock, err := transport.Dial(ctx, req.Dial, notify)
		select {
		case r.dialed <- dialResult{c: c, sock: sock, err: err}:
		case <-r.done:
			if sock != nil {
				sock.Close()
			}
		}
	}()
}

func (r *Reactor) clientConnected(d dialResult) {
	if d.err != nil {
		r.finishClient(nil, d.err)
		return
	}
	cl, err := session.NewClient(d.sock, r.cfg.Client.Command, r.cfg.Logger)
	if err != nil {
		d.sock.Close()
		r.finishClient(nil, err)
		return
	}
	d.c.client = cl
	d.c.lastEvent = r.clock.Now()
	r.conns[d.c] = struct{}{}
	r.step(context.Background(), d.c)
}

func (r *Reactor) dispatch(ctx context.Context, c *conn) {
	c.pending.Store(false)
	if _, ok := r.conns[c]; !ok {
		// Closed already, or a client whose dial result is still in flight.
		return
	}
	c.lastEvent = r.clock.Now()
	r.step(ctx, c)
}

func (r *Reactor) step(ctx context.Context, c *conn) {
	switch {
	case c.server != nil:
		c.server.Step(ctx)
		if c.server.State() == session.Closed {
			delete(r.conns, c)
		}
	case c.client != nil:
		c.client.Step()
		if c.client.Done() {
			delete(r.conns, c)
			r.finishClient(c.client.Result())
		}
	}
}

func (r *Reactor) finishClient(results []ruleset.Ruleset, err error) {
	if r.clientDone {
		return
	}
	r.clientDone = true
	r.results = results
	r.clientErr = err
	if err != nil {
		r.logger.Warn("Client command failed", "command", r.cfg.Client.Command.String(), "error", err)
	} else {
		r.logger.Info("Client command completed", "command", r.cfg.Client.Command.String(), "rulesets", len(results))
	}
}

// reap closes connections idle for longer than the idle timeout. A server
// session in Processing is never reaped.
func (r *Reactor) reap() {
	r.limiter.Prune()
	if r.cfg.IdleTimeout <= 0 {
		return
	}
	for c := range r.conns {
		switch {
		case c.server != nil:
			if c.server.State() == session.Processing {
				continue
			}
			if c.server.IdleFor() > r.cfg.IdleTimeout {
				c.server.Close("idle timeout")
				delete(r.conns, c)
			}
		case c.client != nil:
			if r.clock.Since(c.lastEvent) > r.cfg.IdleTimeout {
				c.client.Abort(errors.Errorf(errors.KindTransport, "no response within %s", r.cfg.IdleTimeout))
				delete(r.conns, c)
				r.finishClient(c.client.Result())
			}
		}
	}
}

func (r *Reactor) shutdown(reason string) {
	if r.cfg.Listener != nil {
		r.cfg.Listener.Close()
	}
	for c := range r.conns {
		switch {
		case c.server != nil:
			c.server.Close(reason)
		case c.client != nil:
			c.client.Abort(errors.New(errors.KindTransport, reason))
		}
		delete(r.conns, c)
	}
	r.logger.Info("Reactor stopped", "reason", reason)
}

// Sessions returns the number of open connections. Only safe to call from
// tests once Run has returned, or from the loop itself.
func (r *Reactor) Sessions() int {
	return len(r.conns)
}
