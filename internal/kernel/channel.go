// Package kernel is the control channel to the packet filter.
//
// A Channel queries the live ruleset and applies ruleset payloads as single
// atomic transactions: either the whole payload is committed or the kernel
// ruleset is left exactly as it was.
package kernel

import (
	"context"

	"grimm.is/nftsync/internal/ruleset"
)

// Channel is the kernel-facing control channel.
type Channel interface {
	// Query returns the live kernel ruleset under ruleset.KernelName.
	Query(ctx context.Context) (ruleset.Ruleset, error)

	// Apply commits r as one transaction. On error the kernel is unchanged
	// and the error is of kind errors.KindApply.
	Apply(ctx context.Context, r ruleset.Ruleset) error

	// Close releases the channel.
	Close() error
}

// Fingerprinter is implemented by channels that can cheaply identify the
// current kernel ruleset generation. Two equal fingerprints mean no
// transaction touched the ruleset in between.
type Fingerprinter interface {
	Fingerprint(ctx context.Context) (string, error)
}
