package decoy

import (
	"fmt"
	"net"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

// DefaultLocalAddr and DefaultPeerAddr are the point-to-point pair the
// original tool assigns its utun interface, chosen from a private range
// unlikely to collide with anything else on the box.
const (
	DefaultLocalAddr = "10.66.0.1"
	DefaultPeerAddr  = "10.66.0.2"
)

// PointToPointTUN is a TUN device configured with a local/peer address pair
// rather than a subnet, mirroring the original tool's point-to-point utun.
type PointToPointTUN struct {
	iface *water.Interface
}

// NewPointToPointTUN creates a TUN device, assigns it localAddr as a
// point-to-point link to peerAddr, and brings it up.
func NewPointToPointTUN(localAddr, peerAddr string) (*PointToPointTUN, error) {
	iface, err := water.New(water.Config{DeviceType: water.TUN})
	if err != nil {
		return nil, fmt.Errorf("decoy: create TUN device: %w", err)
	}

	link, err := netlink.LinkByName(iface.Name())
	if err != nil {
		iface.Close()
		return nil, fmt.Errorf("decoy: look up link %s: %w", iface.Name(), err)
	}

	local := net.ParseIP(localAddr)
	peer := net.ParseIP(peerAddr)
	if local == nil || peer == nil {
		iface.Close()
		return nil, fmt.Errorf("decoy: invalid point-to-point addresses %s/%s", localAddr, peerAddr)
	}

	addr := &netlink.Addr{
		IPNet: &net.IPNet{IP: local, Mask: net.CIDRMask(32, 32)},
		Peer:  &net.IPNet{IP: peer, Mask: net.CIDRMask(32, 32)},
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		iface.Close()
		return nil, fmt.Errorf("decoy: assign %s -> %s on %s: %w", localAddr, peerAddr, iface.Name(), err)
	}

	if err := netlink.LinkSetUp(link); err != nil {
		iface.Close()
		return nil, fmt.Errorf("decoy: bring up %s: %w", iface.Name(), err)
	}

	return &PointToPointTUN{iface: iface}, nil
}

func (t *PointToPointTUN) Read(p []byte) (int, error)  { return t.iface.Read(p) }
func (t *PointToPointTUN) Write(p []byte) (int, error) { return t.iface.Write(p) }
func (t *PointToPointTUN) Name() string                { return t.iface.Name() }
func (t *PointToPointTUN) Close() error                { return t.iface.Close() }
