package transport

import (
	"context"
	"net"

	"golang.org/x/net/netutil"

	"grimm.is/nftsync/internal/errors"
)

// ListenConfig describes the server's listening socket.
type ListenConfig struct {
	Address   string // host:port
	Interface string // when set, bind to the first IPv4 address of this link
	FreeBind  bool   // allow binding addresses not yet configured

	// MaxConns caps simultaneously open connections. Accept blocks while
	// the cap is reached. Zero means unlimited.
	MaxConns int
}

// Listen opens the server's TCP listener. Bind failures are KindTransport
// and fatal to the caller.
func Listen(ctx context.Context, cfg ListenConfig) (net.Listener, error) {
	addr := cfg.Address
	if cfg.Interface != "" {
		_, port, err := net.SplitHostPort(cfg.Address)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "invalid listen address %q", cfg.Address)
		}
		ip, err := InterfaceAddr(cfg.Interface)
		if err != nil {
			return nil, err
		}
		addr = net.JoinHostPort(ip.String(), port)
	}

	lc := net.ListenConfig{Control: controlFunc(cfg.FreeBind)}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTransport, "failed to listen on %s", addr)
	}
	if cfg.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConns)
	}
	return ln, nil
}
