package kernel

import (
	"grimm.is/nftsync/internal/logging"
)

// NFTOptions configures the nftables channel.
type NFTOptions struct {
	// NetNS is the name of a network namespace to operate in. Empty means
	// the namespace of the calling process.
	NetNS string

	// Runner executes the nft binary. Defaults to a RealCommandRunner bound
	// to NetNS.
	Runner CommandRunner

	Logger *logging.Logger
}
