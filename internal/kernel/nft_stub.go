//go:build !linux

package kernel

import (
	"grimm.is/nftsync/internal/errors"
)

// NFTChannel is unavailable outside Linux.
type NFTChannel struct{ SimChannel }

// OpenNFT fails on non-Linux platforms.
func OpenNFT(opts NFTOptions) (*NFTChannel, error) {
	return nil, errors.New(errors.KindInternal, "nftables is only available on linux")
}
