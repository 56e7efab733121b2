package cmd

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"grimm.is/nftsync/internal/config"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/health"
	"grimm.is/nftsync/internal/kernel"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/metrics"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/reactor"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/rulestore"
	"grimm.is/nftsync/internal/session"
	"grimm.is/nftsync/internal/state"
	nstls "grimm.is/nftsync/internal/tls"
	"grimm.is/nftsync/internal/transport"
)

// JournalFile is the apply journal's file name inside state_dir.
const JournalFile = "journal.db"

// certExpiryWarning is how far ahead an expiring certificate is logged.
const certExpiryWarning = 30 * 24 * time.Hour

// openKernel opens the kernel channel for server mode. Replaced in tests.
var openKernel = func(opts kernel.NFTOptions) (kernel.Channel, error) {
	ch, err := kernel.OpenNFT(opts)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// instance holds everything opened for one run, released by close.
type instance struct {
	cfg    *config.Config
	logger *logging.Logger

	store   *rulestore.Store
	journal *state.Journal
	kernel  kernel.Channel

	listener  net.Listener
	serverTLS *tls.Config
	clientTLS *tls.Config

	closers []io.Closer
}

func run(ctx context.Context, global *cmdGlobal, command *protocol.Command) error {
	cfg, err := config.Load(global.flagConfig)
	if err != nil {
		return err
	}

	if command != nil && !cfg.IsClient() {
		return errors.New(errors.KindConfig, "--fetch and --pull require client mode")
	}
	if command == nil && cfg.IsClient() {
		return errors.New(errors.KindConfig, "client mode requires --fetch or --pull")
	}

	logger, logCloser, err := openLogger(cfg, global.flagDebug)
	if err != nil {
		return err
	}
	defer logCloser.Close()
	logging.SetDefault(logger)

	inst := &instance{cfg: cfg, logger: logger}
	defer inst.close()

	if cfg.IsServer() {
		if err := inst.openServer(ctx); err != nil {
			return err
		}
	}
	if cfg.IsClient() {
		if err := inst.openClient(); err != nil {
			return err
		}
	}

	results, err := inst.serve(ctx, command)
	if err != nil {
		return err
	}
	if command != nil {
		return report(global.stdout, cfg.Client.OutputDir, *command, results)
	}
	return nil
}

// openLogger opens the configured log targets. debug overrides the
// configured level.
func openLogger(cfg *config.Config, debug bool) (*logging.Logger, io.Closer, error) {
	target, err := cfg.LogTarget()
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.KindConfig, "invalid log settings")
	}
	logger, closer, err := logging.Open(target)
	if err != nil {
		return nil, nil, errors.Wrap(err, errors.KindConfig, "failed to open log output")
	}
	if debug {
		logger.SetLevel(logging.LevelDebug)
	}
	return logger, closer, nil
}

func (i *instance) openServer(ctx context.Context) error {
	cfg := i.cfg

	store, err := rulestore.Open(cfg.RulesDir, i.logger)
	if err != nil {
		return err
	}
	i.store = store
	i.closers = append(i.closers, store)

	if cfg.StateDir != "" {
		if err := os.MkdirAll(cfg.StateDir, 0o750); err != nil {
			return errors.Wrapf(err, errors.KindConfig, "failed to create state directory %s", cfg.StateDir)
		}
		j, err := state.Open(state.DefaultOptions(filepath.Join(cfg.StateDir, JournalFile)))
		if err != nil {
			return err
		}
		i.journal = j
		i.closers = append(i.closers, j)
	}

	ch, err := openKernel(kernel.NFTOptions{NetNS: cfg.Server.NetNS, Logger: i.logger})
	if err != nil {
		return errors.Wrap(err, errors.KindInternal, "failed to open kernel channel")
	}
	i.kernel = kernel.NewApplier(ch, i.journal, i.logger)
	i.closers = append(i.closers, i.kernel)

	if cfg.UseTLS() {
		creds := credentials(cfg.Server.TLS)
		i.serverTLS, err = nstls.ServerConfig(creds)
		if err != nil {
			return err
		}
		i.warnExpiry(creds.Cert)
	}

	ln, err := transport.Listen(ctx, transport.ListenConfig{
		Address:   cfg.Server.Address,
		Interface: cfg.Server.Interface,
		FreeBind:  cfg.Server.FreeBind,
		MaxConns:  cfg.Server.MaxConns,
	})
	if err != nil {
		return err
	}
	i.listener = ln
	return nil
}

func (i *instance) openClient() error {
	if !i.cfg.UseTLS() {
		return nil
	}
	t := i.cfg.Client.TLS
	creds := credentials(t)
	cfg, err := nstls.ClientConfig(creds, t.ServerName)
	if err != nil {
		return err
	}
	i.clientTLS = cfg
	i.warnExpiry(creds.Cert)
	return nil
}

func (i *instance) warnExpiry(path string) {
	soon, err := nstls.ExpiresWithin(path, certExpiryWarning)
	if err == nil && soon {
		i.logger.Warn("Certificate expires soon", "cert", path, "within", certExpiryWarning)
	}
}

// serve runs the reactor, and the metrics endpoint when configured, until
// the context ends or the client command completes.
func (i *instance) serve(ctx context.Context, command *protocol.Command) ([]ruleset.Ruleset, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	rcfg := reactor.Config{
		Listener:    i.listener,
		ServerTLS:   i.serverTLS,
		IdleTimeout: i.cfg.IdleTimeoutDuration(),
		Logger:      i.logger,
	}
	if i.listener != nil {
		rcfg.AcceptLimit = i.cfg.Server.RateLimit
		rcfg.Handler = session.NewRuleHandler(i.store, i.kernel, i.logger)
	}
	if command != nil {
		cl := i.cfg.Client
		rcfg.Client = &reactor.ClientRequest{
			Dial: transport.DialConfig{
				Address: cl.Address,
				TLS:     i.clientTLS,
				Timeout: cl.ConnectTimeoutDuration(),
				Retries: cl.RetryCount(),
				Logger:  i.logger,
			},
			Command: *command,
		}
	}
	r := reactor.New(rcfg)
	// The reactor closes it on shutdown.
	i.listener = nil

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return r.Run(gctx)
	})
	if m := i.cfg.Metrics; m != nil {
		extra := map[string]http.Handler{
			"/healthz": i.healthChecker().Handler(),
			"/livez":   health.LivenessHandler(),
		}
		g.Go(func() error {
			return metrics.Serve(gctx, m.Listen, i.logger, extra)
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return r.Results(), nil
}

// healthChecker registers a check for each resource this instance opened.
// Checks never touch the kernel channel, which belongs to the reactor.
func (i *instance) healthChecker() *health.Checker {
	c := health.NewChecker(nil)
	if i.store != nil {
		c.Register("rules", health.RulesDir(i.store))
	}
	if i.journal != nil {
		c.Register("journal", health.Journal(i.journal))
	}
	if i.cfg.UseTLS() {
		if i.cfg.IsServer() {
			c.Register("server_certificate", health.Certificate(i.cfg.Server.TLS.Cert, certExpiryWarning))
		}
		if i.cfg.IsClient() {
			c.Register("client_certificate", health.Certificate(i.cfg.Client.TLS.Cert, certExpiryWarning))
		}
	}
	i.logger.Debug("Health checks registered", "checks", c.Names())
	return c
}

func (i *instance) close() {
	if i.listener != nil {
		i.listener.Close()
	}
	for j := len(i.closers) - 1; j >= 0; j-- {
		if err := i.closers[j].Close(); err != nil {
			i.logger.Warn("Close failed", "error", err)
		}
	}
}

func credentials(t *config.TLSConfig) nstls.Credentials {
	return nstls.Credentials{Cert: t.Cert, Key: t.Key, CA: t.CA}
}
