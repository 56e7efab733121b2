package session

import (
	"context"

	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/kernel"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/protocol"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/transport"
)

// Handler executes one decoded command and returns the response frames.
// The returned error, if any, is the one already encoded in the final
// RESPONSE_ERROR frame; it is reported for logging and metrics only.
type Handler interface {
	Handle(ctx context.Context, peer transport.Identity, cmd protocol.Command) ([]protocol.Frame, error)
}

// Store is the read side of the rule store.
type Store interface {
	Read(name string) (ruleset.Ruleset, error)
	ReadAll() ([]ruleset.Ruleset, error)
}

// RuleHandler serves FETCH from the store and applies PULL through the
// kernel channel.
type RuleHandler struct {
	store  Store
	kernel kernel.Channel
	logger *logging.Logger
}

// NewRuleHandler creates the server-side command handler.
func NewRuleHandler(store Store, ch kernel.Channel, logger *logging.Logger) *RuleHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &RuleHandler{
		store:  store,
		kernel: ch,
		logger: logger.WithComponent("handler"),
	}
}

// Handle dispatches cmd.
func (h *RuleHandler) Handle(ctx context.Context, peer transport.Identity, cmd protocol.Command) ([]protocol.Frame, error) {
	switch cmd.Op {
	case protocol.OpFetch:
		return h.fetch(ctx, cmd)
	case protocol.OpPull:
		return h.pull(ctx, peer, cmd)
	default:
		err := errors.Errorf(errors.KindProtocol, "unknown command op %d", cmd.Op)
		return []protocol.Frame{protocol.EncodeError(err)}, err
	}
}

func (h *RuleHandler) fetch(ctx context.Context, cmd protocol.Command) ([]protocol.Frame, error) {
	var rulesets []ruleset.Ruleset
	switch {
	case cmd.All():
		all, err := h.store.ReadAll()
		if err != nil {
			return failure(err)
		}
		rulesets = all
	case cmd.Name == ruleset.KernelName:
		live, err := h.kernel.Query(ctx)
		if err != nil {
			return failure(err)
		}
		rulesets = []ruleset.Ruleset{live}
	default:
		r, err := h.store.Read(cmd.Name)
		if err != nil {
			return failure(err)
		}
		rulesets = []ruleset.Ruleset{r}
	}

	frames := make([]protocol.Frame, 0, len(rulesets)+1)
	for _, r := range rulesets {
		f, err := protocol.EncodeData(r)
		if err != nil {
			return failure(err)
		}
		frames = append(frames, f)
	}
	return append(frames, protocol.OKFrame()), nil
}

func (h *RuleHandler) pull(ctx context.Context, peer transport.Identity, cmd protocol.Command) ([]protocol.Frame, error) {
	var rulesets []ruleset.Ruleset
	if cmd.All() {
		all, err := h.store.ReadAll()
		if err != nil {
			return failure(err)
		}
		rulesets = all
	} else {
		r, err := h.store.Read(cmd.Name)
		if err != nil {
			return failure(err)
		}
		rulesets = []ruleset.Ruleset{r}
	}

	// In order; the first failure stops the sequence. Earlier applies stay
	// committed.
	for _, r := range rulesets {
		if err := h.kernel.Apply(ctx, r); err != nil {
			h.logger.Warn("Ruleset apply failed", "name", r.Name, "peer", peer.String(), "error", err)
			return failure(errors.Attr(err, "ruleset", r.Name))
		}
		h.logger.Info("Ruleset applied", "name", r.Name, "hash", r.Hash.Short(), "peer", peer.String())
	}
	return []protocol.Frame{protocol.OKFrame()}, nil
}

func failure(err error) ([]protocol.Frame, error) {
	return []protocol.Frame{protocol.EncodeError(err)}, err
}
