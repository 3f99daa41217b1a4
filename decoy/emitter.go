// Package decoy implements C6, the standalone raw-socket decoy dataplane:
// a point-to-point tunnel paired with a raw UDP socket that injects
// low-TTL fake QUIC Initial packets ahead of the real one, for deployments
// that route traffic to it directly rather than embedding the relay
// dataplane in-process.
package decoy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/net/ipv4"

	"github.com/veildpi/veildpi/sig"
	"github.com/veildpi/veildpi/wire"
)

// MaxPacketSize bounds a single read from the tunnel device.
const MaxPacketSize = 65536

// Config configures the decoy emitter.
type Config struct {
	FakePayload []byte
	FakeTTL     int
	Repeats     int
	Verbose     bool
}

// Interface is the minimal surface the emitter needs from a tunnel device.
type Interface interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// rawSender is the raw-socket surface the emitter drives; ipv4RawSender is
// the production implementation, with a fake standing in for tests that
// can't open a real SOCK_RAW socket without root.
type rawSender interface {
	setTTL(ttl int) error
	writeTo(dst net.IP, b []byte) error
	close() error
}

type ipv4RawSender struct {
	raw   *ipv4.PacketConn
	rawIP *net.IPConn
}

func (s *ipv4RawSender) setTTL(ttl int) error { return s.raw.SetTTL(ttl) }
func (s *ipv4RawSender) writeTo(dst net.IP, b []byte) error {
	_, err := s.rawIP.WriteTo(b, &net.IPAddr{IP: dst})
	return err
}
func (s *ipv4RawSender) close() error { return s.rawIP.Close() }

// Emitter reads IPv4/UDP packets off a tunnel device and re-emits them
// through a raw socket, injecting decoy packets ahead of QUIC Initials.
type Emitter struct {
	iface  Interface
	sender rawSender
	cfg    Config
	log    *slog.Logger

	sendMu sync.Mutex
}

// NewEmitter opens a raw IPPROTO_UDP socket (marked with the loop-prevention
// TOS byte) and wraps iface and it into an Emitter.
func NewEmitter(iface Interface, cfg Config, log *slog.Logger) (*Emitter, error) {
	if log == nil {
		log = slog.Default()
	}

	pc, err := net.ListenPacket("ip4:udp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("decoy: open raw socket: %w", err)
	}
	ipConn, ok := pc.(*net.IPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("decoy: unexpected raw socket type %T", pc)
	}

	raw := ipv4.NewPacketConn(ipConn)
	// Loop prevention: firewall rules on the deployment side let TOS 0x04
	// packets bypass the route-to redirect that feeds this tunnel.
	if err := raw.SetTOS(0x04); err != nil {
		ipConn.Close()
		return nil, fmt.Errorf("decoy: setsockopt(IP_TOS): %w", err)
	}

	return &Emitter{iface: iface, sender: &ipv4RawSender{raw: raw, rawIP: ipConn}, cfg: cfg, log: log}, nil
}

// Close releases the raw socket. It does not close the tunnel interface,
// which the caller owns.
func (e *Emitter) Close() error {
	return e.sender.close()
}

// Run drains the tunnel device until ctx is cancelled or a read fails.
func (e *Emitter) Run(ctx context.Context) error {
	readCh := make(chan []byte, 8)
	errCh := make(chan error, 1)

	go func() {
		for {
			buf := make([]byte, MaxPacketSize)
			n, err := e.iface.Read(buf)
			if err != nil {
				errCh <- err
				return
			}
			if n == 0 {
				continue
			}
			select {
			case readCh <- buf[:n]:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case pkt := <-readCh:
			e.handlePacket(pkt)
		}
	}
}

func (e *Emitter) handlePacket(pkt []byte) {
	ipInfo, err := wire.ParseIPv4(pkt)
	if err != nil {
		if e.cfg.Verbose {
			e.log.Debug("skip malformed packet", "err", err)
		}
		return
	}
	if ipInfo.Protocol != wire.ProtoUDP {
		return
	}

	// Safety net: a fake we injected ourselves should never come back
	// around at or below its own TTL, but if TOS marking is misconfigured
	// upstream this stops an infinite loop rather than merely logging it.
	if ipInfo.TTL > 0 && int(ipInfo.TTL) <= e.cfg.FakeTTL {
		if e.cfg.Verbose {
			e.log.Debug("skip looped packet", "ttl", ipInfo.TTL)
		}
		return
	}

	udpInfo, err := wire.ParseUDP(ipInfo.L4Data)
	if err != nil {
		if e.cfg.Verbose {
			e.log.Debug("skip malformed udp datagram", "err", err)
		}
		return
	}

	dst := addrToIP(ipInfo.DstAddr)

	if len(e.cfg.FakePayload) > 0 && len(udpInfo.Payload) > 0 && sig.IsQUICInitial(udpInfo.Payload) {
		if e.cfg.Verbose {
			e.log.Debug("quic initial detected, injecting fakes", "dst", dst, "port", udpInfo.DstPort)
		}
		e.sendFakes(dst, udpInfo.SrcPort, udpInfo.DstPort)
	}

	e.sendRaw(dst, ipInfo.L4Data, int(ipInfo.TTL))
}

func (e *Emitter) sendFakes(dst net.IP, srcPort, dstPort uint16) {
	fakePkt := wire.BuildUDPHeaderOnly(srcPort, dstPort, e.cfg.FakePayload)
	for i := 0; i < e.cfg.Repeats; i++ {
		e.sendRaw(dst, fakePkt, e.cfg.FakeTTL)
	}
}

func (e *Emitter) sendRaw(dst net.IP, udpSegment []byte, ttl int) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	if err := e.sender.setTTL(ttl); err != nil {
		if e.cfg.Verbose {
			e.log.Debug("setsockopt(IP_TTL) failed", "ttl", ttl, "err", err)
		}
		return
	}
	if err := e.sender.writeTo(dst, udpSegment); err != nil {
		if e.cfg.Verbose {
			e.log.Debug("raw send failed", "dst", dst, "err", err)
		}
	}
}

func addrToIP(addr uint32) net.IP {
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}
