//go:build !linux

package transport

import (
	"net"
	"syscall"

	"grimm.is/nftsync/internal/errors"
)

func controlFunc(freeBind bool) func(network, address string, c syscall.RawConn) error {
	return nil
}

// InterfaceAddr is only supported on Linux.
func InterfaceAddr(name string) (net.IP, error) {
	return nil, errors.Errorf(errors.KindConfig, "binding to interface %s requires linux", name)
}
