//go:build linux

package kernel

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/nftables"
	"github.com/vishvananda/netns"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/ruleset"
)

// rulesetLister is the subset of *nftables.Conn used for fingerprinting.
type rulesetLister interface {
	ListTables() ([]*nftables.Table, error)
	ListChains() ([]*nftables.Chain, error)
	GetRules(t *nftables.Table, c *nftables.Chain) ([]*nftables.Rule, error)
}

// NFTChannel talks to nftables. Ruleset text goes through the nft binary,
// which submits it as a single netlink batch; a lasting netlink socket is
// kept open to fingerprint the ruleset around each transaction.
type NFTChannel struct {
	mu     sync.Mutex
	conn   *nftables.Conn
	lister rulesetLister
	runner CommandRunner
	logger *logging.Logger
	closed bool
}

// OpenNFT opens the netlink control socket. Failure here is fatal for a
// server, so the socket is probed before returning.
func OpenNFT(opts NFTOptions) (*NFTChannel, error) {
	connOpts := []nftables.ConnOption{nftables.AsLasting()}
	if opts.NetNS != "" {
		ns, err := netns.GetFromName(opts.NetNS)
		if err != nil {
			return nil, errors.Wrapf(err, errors.KindConfig, "failed to open netns %s", opts.NetNS)
		}
		// The lasting socket is dialed inside New, so the handle is only
		// needed until then.
		defer ns.Close()
		connOpts = append(connOpts, nftables.WithNetNSFd(int(ns)))
	}

	conn, err := nftables.New(connOpts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to open nftables netlink socket")
	}
	if _, err := conn.ListTables(); err != nil {
		conn.CloseLasting()
		return nil, errors.Wrap(err, errors.KindInternal, "nftables netlink socket is not usable")
	}

	runner := opts.Runner
	if runner == nil {
		runner = &RealCommandRunner{NetNS: opts.NetNS}
	}
	c := newNFTChannel(conn, runner, opts.Logger)
	c.conn = conn
	return c, nil
}

func newNFTChannel(lister rulesetLister, runner CommandRunner, logger *logging.Logger) *NFTChannel {
	if logger == nil {
		logger = logging.Default()
	}
	return &NFTChannel{
		lister: lister,
		runner: runner,
		logger: logger.WithComponent("kernel"),
	}
}

// Query returns the output of "nft list ruleset".
func (c *NFTChannel) Query(ctx context.Context) (ruleset.Ruleset, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ruleset.Ruleset{}, errors.New(errors.KindInternal, "kernel channel closed")
	}
	out, err := c.list(ctx)
	if err != nil {
		return ruleset.Ruleset{}, err
	}
	return ruleset.New(ruleset.KernelName, out), nil
}

// Apply validates r with "nft -c" and commits it with "nft -f". If the
// commit fails and the fingerprint shows the kernel moved anyway, the
// pre-apply snapshot is restored.
func (c *NFTChannel) Apply(ctx context.Context, r ruleset.Ruleset) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.New(errors.KindInternal, "kernel channel closed")
	}

	// Once started, an apply runs to completion.
	ctx = context.WithoutCancel(ctx)

	if out, err := c.runner.RunInput(ctx, r.Content, "nft", "-c", "-f", "-"); err != nil {
		return errors.Attr(
			errors.Wrapf(err, errors.KindApply, "ruleset %s rejected", r.Name),
			"output", strings.TrimSpace(string(out)))
	}

	before, err := c.fingerprint()
	if err != nil {
		return errors.Wrap(err, errors.KindApply, "failed to fingerprint kernel ruleset")
	}
	snapshot, err := c.list(ctx)
	if err != nil {
		return errors.Wrap(err, errors.KindApply, "failed to snapshot kernel ruleset")
	}

	out, err := c.runner.RunInput(ctx, r.Content, "nft", "-f", "-")
	if err == nil {
		return nil
	}

	applyErr := errors.Attr(
		errors.Wrapf(err, errors.KindApply, "ruleset %s failed to apply", r.Name),
		"output", strings.TrimSpace(string(out)))

	after, ferr := c.fingerprint()
	if ferr == nil && after == before {
		return applyErr
	}

	c.logger.Warn("Kernel ruleset changed by failed apply, rolling back", "name", r.Name)
	restore := append([]byte("flush ruleset\n"), snapshot...)
	if _, rerr := c.runner.RunInput(ctx, restore, "nft", "-f", "-"); rerr != nil {
		c.logger.Error("Rollback failed", "name", r.Name, "error", rerr)
		return errors.Join(applyErr, errors.Wrap(rerr, errors.KindApply, "rollback failed"))
	}
	return applyErr
}

// Fingerprint identifies the current ruleset generation by table, chain and
// rule handles. Rule handles are never reused, so any committed transaction
// that touches a rule changes the fingerprint.
func (c *NFTChannel) Fingerprint(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", errors.New(errors.KindInternal, "kernel channel closed")
	}
	return c.fingerprint()
}

func (c *NFTChannel) fingerprint() (string, error) {
	tables, err := c.lister.ListTables()
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to list tables")
	}
	chains, err := c.lister.ListChains()
	if err != nil {
		return "", errors.Wrap(err, errors.KindInternal, "failed to list chains")
	}

	items := make([]string, 0, len(tables)+len(chains))
	for _, t := range tables {
		items = append(items, fmt.Sprintf("t %d %s", t.Family, t.Name))
	}
	for _, ch := range chains {
		if ch.Table == nil {
			continue
		}
		items = append(items, fmt.Sprintf("c %d %s %s", ch.Table.Family, ch.Table.Name, ch.Name))
		rules, err := c.lister.GetRules(ch.Table, ch)
		if err != nil {
			return "", errors.Wrapf(err, errors.KindInternal, "failed to list rules of %s", ch.Name)
		}
		for _, r := range rules {
			items = append(items, fmt.Sprintf("r %d %s %s %d", ch.Table.Family, ch.Table.Name, ch.Name, r.Handle))
		}
	}
	sort.Strings(items)

	h := sha256.New()
	for _, it := range items {
		h.Write([]byte(it))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)[:16]), nil
}

func (c *NFTChannel) list(ctx context.Context) ([]byte, error) {
	out, err := c.runner.Output(ctx, "nft", "list", "ruleset")
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "failed to list kernel ruleset")
	}
	return out, nil
}

// Close releases the netlink socket.
func (c *NFTChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.conn != nil {
		return c.conn.CloseLasting()
	}
	return nil
}
