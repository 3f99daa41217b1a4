// Package tunnel implements C5: the tunnel packet loop that reads IPv4
// frames from a virtual interface, dispatches them to the UDP/TCP relays,
// and multiplexes relay responses back to the interface.
package tunnel

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// Interface is a virtual tunnel device: a file-handle abstraction that
// delivers and accepts one IPv4 frame per read/write.
type Interface interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Name() string
	Close() error
}

// NewLinuxTUN creates a Linux TUN device via water, assigns cidrAddr to it,
// and brings it up via netlink — the same pairing the example program uses
// to stand up a tunnel outside a container's default namespace tooling.
func NewLinuxTUN(cidrAddr string) (Interface, error) {
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("tunnel: create TUN device: %w", err)
	}

	link, err := netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("tunnel: look up link %s: %w", iface.Name(), err)
	}

	addr, err := netlink.ParseAddr(cidrAddr)
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("tunnel: parse address %s: %w", cidrAddr, err)
	}

	if err := netlink.AddrAdd(link, addr); err != nil {
		iface.Close()
		return nil, fmt.Errorf("tunnel: add address to %s: %w", iface.Name(), err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		iface.Close()
		return nil, fmt.Errorf("tunnel: bring up %s: %w", iface.Name(), err)
	}

	return iface, nil
}
