package tunnel

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/veildpi/veildpi/protect"
	"github.com/veildpi/veildpi/relay"
	"github.com/veildpi/veildpi/wire"
)

// sweepInterval is how often idle sessions are reaped, per the tunnel
// loop's periodic-cleanup step.
const sweepInterval = 10 * time.Second

// Loop is C5: it owns the tunnel interface and both relays, dispatching
// inbound frames and multiplexing upstream responses back to the tunnel.
//
// The original design is a single-threaded epoll loop; here one reader
// goroutine drains the tunnel, one writer goroutine is the tunnel's only
// writer, and one goroutine per upstream socket feeds that writer in the
// order its own reads complete — preserving the single-writer and
// per-flow-ordering invariants without a manual event loop or mutex around
// the interface handle.
type Loop struct {
	iface Interface
	tcp   *relay.TCPRelay
	udp   *relay.UDPRelay
	log   *slog.Logger

	outbound chan []byte
	done     chan struct{}
	closeOne sync.Once

	mu       sync.Mutex
	knownTCP map[*net.TCPConn]struct{}
	knownUDP map[*net.UDPConn]struct{}
}

// NewLoop constructs the tunnel loop and wires the two relays' outbound
// frames through a single shared channel.
func NewLoop(iface Interface, tcpCfg relay.TCPConfig, udpCfg relay.UDPConfig, protector protect.Protector, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}

	l := &Loop{
		iface:    iface,
		log:      log,
		outbound: make(chan []byte, 256),
		done:     make(chan struct{}),
		knownTCP: make(map[*net.TCPConn]struct{}),
		knownUDP: make(map[*net.UDPConn]struct{}),
	}

	send := l.enqueue
	l.tcp = relay.NewTCPRelay(tcpCfg, protector, send, log)
	l.udp = relay.NewUDPRelay(udpCfg, protector, send, log)

	return l
}

func (l *Loop) enqueue(pkt []byte) error {
	select {
	case l.outbound <- pkt:
		return nil
	case <-l.done:
		return nil
	}
}

// Run drives the loop until stop is closed. It blocks until shutdown is
// complete.
func (l *Loop) Run(stop <-chan struct{}) {
	go l.writeLoop()

	readCh := make(chan []byte, 16)
	go l.readLoop(readCh)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			l.shutdown()
			return
		case pkt, ok := <-readCh:
			if !ok {
				l.shutdown()
				return
			}
			l.dispatch(pkt)
			l.refreshHandles()
		case <-ticker.C:
			l.tcp.SweepIdle()
			l.udp.SweepIdle()
		}
	}
}

func (l *Loop) readLoop(out chan<- []byte) {
	defer close(out)
	for {
		buf := make([]byte, relay.MaxPacketSize)
		n, err := l.iface.Read(buf)
		if err != nil {
			l.log.Debug("tunnel read failed, stopping reader", "err", err)
			return
		}
		if n <= 0 {
			continue
		}
		select {
		case out <- buf[:n]:
		case <-l.done:
			return
		}
	}
}

func (l *Loop) writeLoop() {
	for {
		select {
		case pkt := <-l.outbound:
			if _, err := l.iface.Write(pkt); err != nil {
				l.log.Debug("tunnel write failed", "err", err)
			}
		case <-l.done:
			return
		}
	}
}

func (l *Loop) dispatch(pkt []byte) {
	info, err := wire.ParseIPv4(pkt)
	if err != nil {
		l.log.Debug("dropping malformed IPv4 packet", "err", err)
		return
	}

	switch info.Protocol {
	case wire.ProtoTCP:
		tcpInfo, err := wire.ParseTCP(info.L4Data)
		if err != nil {
			l.log.Debug("dropping malformed TCP segment", "err", err)
			return
		}
		if err := l.tcp.Process(tcpInfo.SrcPort, info.DstAddr, tcpInfo.DstPort, tcpInfo.Seq, tcpInfo.Flags, tcpInfo.Payload); err != nil {
			l.log.Debug("tcp relay process failed", "err", err)
		}
	case wire.ProtoUDP:
		udpInfo, err := wire.ParseUDP(info.L4Data)
		if err != nil {
			l.log.Debug("dropping malformed UDP datagram", "err", err)
			return
		}
		if err := l.udp.Process(udpInfo.SrcPort, info.DstAddr, udpInfo.DstPort, udpInfo.Payload); err != nil {
			l.log.Debug("udp relay process failed", "err", err)
		}
	default:
		// Not TCP or UDP — nothing this dataplane relays.
	}
}

// refreshHandles registers a response-reading goroutine for every upstream
// socket the relays have created since the last refresh. This is the
// goroutine-based analogue of epoll_refresh_relay_fds: adding an
// already-known handle is a no-op.
func (l *Loop) refreshHandles() {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, conn := range l.tcp.CollectHandles() {
		if _, ok := l.knownTCP[conn]; ok {
			continue
		}
		l.knownTCP[conn] = struct{}{}
		go l.pumpTCP(conn)
	}

	for _, conn := range l.udp.CollectHandles() {
		if _, ok := l.knownUDP[conn]; ok {
			continue
		}
		l.knownUDP[conn] = struct{}{}
		go l.pumpUDP(conn)
	}
}

func (l *Loop) pumpTCP(conn *net.TCPConn) {
	for {
		if err := l.tcp.HandleResponse(conn); err != nil {
			l.mu.Lock()
			delete(l.knownTCP, conn)
			l.mu.Unlock()
			return
		}
	}
}

func (l *Loop) pumpUDP(conn *net.UDPConn) {
	for {
		if err := l.udp.HandleResponse(conn); err != nil {
			l.mu.Lock()
			delete(l.knownUDP, conn)
			l.mu.Unlock()
			return
		}
	}
}

func (l *Loop) shutdown() {
	l.closeOne.Do(func() {
		close(l.done)
	})
	l.tcp.Destroy()
	l.udp.Destroy()
	l.iface.Close()
}
