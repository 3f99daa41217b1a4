package tunnel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veildpi/veildpi/protect"
	"github.com/veildpi/veildpi/relay"
	"github.com/veildpi/veildpi/wire"
)

// fakeIface is an in-memory Interface: Write appends to a captured slice,
// Read replays a fixed queue of packets pushed onto inbound.
type fakeIface struct {
	mu       sync.Mutex
	inbound  chan []byte
	outbound [][]byte
	closed   chan struct{}
}

func newFakeIface() *fakeIface {
	return &fakeIface{inbound: make(chan []byte, 16), closed: make(chan struct{})}
}

func (f *fakeIface) Read(p []byte) (int, error) {
	select {
	case pkt := <-f.inbound:
		return copy(p, pkt), nil
	case <-f.closed:
		return 0, net.ErrClosed
	}
}

func (f *fakeIface) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(p))
	copy(cp, p)
	f.outbound = append(f.outbound, cp)
	return len(p), nil
}

func (f *fakeIface) Name() string { return "fake0" }

func (f *fakeIface) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

func (f *fakeIface) push(pkt []byte) { f.inbound <- pkt }

func (f *fakeIface) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.outbound))
	copy(out, f.outbound)
	return out
}

func mustAddr(t *testing.T, s string) uint32 {
	t.Helper()
	ip := net.ParseIP(s).To4()
	require.NotNil(t, ip)
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func TestLoop_DispatchesSYNAndWritesSYNACK(t *testing.T) {
	l, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	addr := l.Addr().(*net.TCPAddr)
	tunAddr := mustAddr(t, "10.99.99.10")
	dstAddr := mustAddr(t, "127.0.0.1")

	iface := newFakeIface()
	loop := NewLoop(iface, relay.TCPConfig{TunAddr: tunAddr}, relay.UDPConfig{TunAddr: tunAddr}, protect.Protector(nil), nil)

	stop := make(chan struct{})
	go loop.Run(stop)
	defer close(stop)

	synPkt := wire.BuildIPv4TCP(dstAddr, tunAddr, uint16(addr.Port), 40000, 0, 0, wire.FlagSYN, 32768, nil)
	// The tunnel dispatches by its own DstAddr field, so route this packet
	// as if it arrived from the app addressed to dstAddr:port.
	synPkt = wire.BuildIPv4TCP(tunAddr, dstAddr, 40000, uint16(addr.Port), 1000, 0, wire.FlagSYN, 32768, nil)
	iface.push(synPkt)

	require.Eventually(t, func() bool {
		return len(iface.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	out := iface.snapshot()[0]
	info, err := wire.ParseIPv4(out)
	require.NoError(t, err)
	require.Equal(t, tunAddr, info.DstAddr)
	tcpInfo, err := wire.ParseTCP(info.L4Data)
	require.NoError(t, err)
	require.Equal(t, wire.FlagSYN|wire.FlagACK, tcpInfo.Flags)
}

func TestLoop_ShutdownClosesInterface(t *testing.T) {
	iface := newFakeIface()
	tunAddr := mustAddr(t, "10.99.99.10")
	loop := NewLoop(iface, relay.TCPConfig{TunAddr: tunAddr}, relay.UDPConfig{TunAddr: tunAddr}, nil, nil)

	stop := make(chan struct{})
	go loop.Run(stop)
	close(stop)

	require.Eventually(t, func() bool {
		select {
		case <-iface.closed:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
}
