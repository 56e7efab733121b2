package health

import (
	"context"
	"fmt"
	"time"

	nstls "grimm.is/nftsync/internal/tls"
)

// Lister is the part of the rule store a check needs.
type Lister interface {
	List() ([]string, error)
}

// Pinger is anything that can report database reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RulesDir reports unhealthy when the rule directory cannot be listed and
// degraded when it holds no rulesets.
func RulesDir(store Lister) CheckFunc {
	return func(ctx context.Context) Check {
		names, err := store.List()
		switch {
		case err != nil:
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		case len(names) == 0:
			return Check{Status: StatusDegraded, Message: "no rulesets"}
		default:
			return Check{Status: StatusHealthy, Message: fmt.Sprintf("%d rulesets", len(names))}
		}
	}
}

// Journal reports degraded when the apply journal is unreachable. Applies
// still work without it, they just are not deduplicated.
func Journal(db Pinger) CheckFunc {
	return func(ctx context.Context) Check {
		if err := db.Ping(ctx); err != nil {
			return Check{Status: StatusDegraded, Message: err.Error()}
		}
		return Check{Status: StatusHealthy}
	}
}

// Certificate reports degraded when the PEM certificate at path expires
// within d, and unhealthy when it cannot be read.
func Certificate(path string, d time.Duration) CheckFunc {
	return func(ctx context.Context) Check {
		soon, err := nstls.ExpiresWithin(path, d)
		switch {
		case err != nil:
			return Check{Status: StatusUnhealthy, Message: err.Error()}
		case soon:
			return Check{Status: StatusDegraded, Message: fmt.Sprintf("expires within %s", d)}
		default:
			return Check{Status: StatusHealthy, Message: path}
		}
	}
}
