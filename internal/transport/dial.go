package transport

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
)

// DialConfig describes a client connection attempt.
type DialConfig struct {
	Address string
	TLS     *tls.Config // nil for plain TCP
	Timeout time.Duration
	Retries int // additional attempts after the first
	Options Options
	Logger  *logging.Logger
}

// Dial connects to the server, retrying with exponential backoff, and
// returns a client Socket. The TLS handshake proceeds asynchronously.
func Dial(ctx context.Context, cfg DialConfig, notify Notify) (Socket, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var conn net.Conn
	dialer := &net.Dialer{Timeout: timeout}
	op := func() error {
		c, err := dialer.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		conn = c
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 200 * time.Millisecond
	eb.MaxInterval = 5 * time.Second
	var b backoff.BackOff = eb
	if cfg.Retries >= 0 {
		b = backoff.WithMaxRetries(eb, uint64(cfg.Retries))
	}
	b = backoff.WithContext(b, ctx)

	err := backoff.RetryNotify(op, b, func(err error, wait time.Duration) {
		logger.Warn("Connect failed, retrying", "addr", cfg.Address, "error", err, "wait", wait)
	})
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTransport, "failed to connect to %s", cfg.Address)
	}

	tlsConfig := cfg.TLS
	if tlsConfig != nil && tlsConfig.ServerName == "" {
		host, _, err := net.SplitHostPort(cfg.Address)
		if err == nil {
			tlsConfig = tlsConfig.Clone()
			tlsConfig.ServerName = host
		}
	}
	return NewClientSocket(conn, tlsConfig, notify, cfg.Options), nil
}
