//go:build linux

package transport

import (
	"net"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"grimm.is/nftsync/internal/errors"
)

func controlFunc(freeBind bool) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var opErr error
		err := c.Control(func(fd uintptr) {
			opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			if opErr != nil || !freeBind {
				return
			}
			if network == "tcp6" {
				opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_FREEBIND, 1)
			} else {
				opErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_FREEBIND, 1)
			}
		})
		if err != nil {
			return err
		}
		return opErr
	}
}

// InterfaceAddr returns the first IPv4 address assigned to the named link.
func InterfaceAddr(name string) (net.IP, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindConfig, "interface %s not found", name)
	}
	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindTransport, "failed to list addresses of %s", name)
	}
	if len(addrs) == 0 {
		return nil, errors.Errorf(errors.KindConfig, "interface %s has no IPv4 address", name)
	}
	return addrs[0].IP, nil
}
