package kernel

import (
	"context"

	"grimm.is/nftsync/internal/clock"
	"grimm.is/nftsync/internal/errors"
	"grimm.is/nftsync/internal/logging"
	"grimm.is/nftsync/internal/metrics"
	"grimm.is/nftsync/internal/ruleset"
	"grimm.is/nftsync/internal/state"
)

// Applier wraps a Channel with the apply journal. Applying content that the
// journal says is already live, with no transaction since, is a no-op.
// Applier is itself a Channel.
type Applier struct {
	ch      Channel
	journal *state.Journal
	logger  *logging.Logger
	clock   clock.Clock
}

// NewApplier wraps ch. journal may be nil, in which case every apply goes
// through to the kernel.
func NewApplier(ch Channel, journal *state.Journal, logger *logging.Logger) *Applier {
	if logger == nil {
		logger = logging.Default()
	}
	return &Applier{
		ch:      ch,
		journal: journal,
		logger:  logger.WithComponent("kernel"),
		clock:   clock.Real,
	}
}

// Query returns the live kernel ruleset.
func (a *Applier) Query(ctx context.Context) (ruleset.Ruleset, error) {
	return a.ch.Query(ctx)
}

// Apply commits r unless the same content is already live.
func (a *Applier) Apply(ctx context.Context, r ruleset.Ruleset) error {
	fp, journaled := a.fingerprint(ctx)
	if journaled {
		unchanged, err := a.journal.Unchanged(ctx, r.Name, r.Hash, fp)
		if err != nil {
			a.logger.Warn("Apply journal lookup failed", "name", r.Name, "error", err)
		} else if unchanged {
			a.logger.Debug("Ruleset already live, skipping apply", "name", r.Name, "hash", r.Hash.Short())
			metrics.Get().ApplySkipped.Inc()
			return nil
		}
	}

	var before []byte
	if a.logger.DebugEnabled() {
		if q, err := a.ch.Query(ctx); err == nil {
			before = q.Content
		}
	}

	start := a.clock.Now()
	err := a.ch.Apply(ctx, r)
	metrics.Get().ApplyDuration.Observe(a.clock.Since(start).Seconds())
	if err != nil {
		a.logger.Audit("apply_failed", r.Name, map[string]any{
			"hash":  r.Hash.String(),
			"error": err.Error(),
		})
		if !errors.IsKind(err, errors.KindApply) {
			err = errors.Wrapf(err, errors.KindApply, "ruleset %s failed to apply", r.Name)
		}
		return err
	}

	a.logger.Audit("apply", r.Name, map[string]any{
		"hash":  r.Hash.String(),
		"bytes": len(r.Content),
	})

	if before != nil {
		if q, qerr := a.ch.Query(ctx); qerr == nil {
			if d := Diff(before, q.Content); d != "" {
				a.logger.Debug("Kernel ruleset changed", "name", r.Name, "diff", d)
			}
		}
	}

	if journaled {
		fp, ok := a.fingerprint(ctx)
		if ok {
			if err := a.journal.Record(ctx, r.Name, r.Hash, fp); err != nil {
				a.logger.Warn("Failed to record apply in journal", "name", r.Name, "error", err)
			}
		}
	}
	return nil
}

// fingerprint returns the kernel fingerprint when journaling is possible.
func (a *Applier) fingerprint(ctx context.Context) (string, bool) {
	if a.journal == nil {
		return "", false
	}
	fpr, ok := a.ch.(Fingerprinter)
	if !ok {
		return "", false
	}
	fp, err := fpr.Fingerprint(ctx)
	if err != nil {
		a.logger.Warn("Failed to fingerprint kernel ruleset", "error", err)
		return "", false
	}
	return fp, true
}

// Close closes the underlying channel.
func (a *Applier) Close() error {
	return a.ch.Close()
}
