package relay

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/ipv4"

	"github.com/veildpi/veildpi/protect"
	"github.com/veildpi/veildpi/sig"
	"github.com/veildpi/veildpi/wire"
)

// SendPacket delivers a completed IPv4 frame to the tunnel interface.
type SendPacket func(packet []byte) error

// udpSession is a single UDP flow's state, owned exclusively by UDPRelay.
type udpSession struct {
	id           string
	key          Key
	conn         *net.UDPConn
	pc           *ipv4.PacketConn
	lastActivity time.Time
}

// UDPRelay implements C3: per-flow UDP forwarding with QUIC decoy injection.
type UDPRelay struct {
	cfg       UDPConfig
	protector protect.Protector
	send      SendPacket
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*udpSession
	byConn   map[*net.UDPConn]*udpSession
}

// NewUDPRelay constructs a UDP relay. protector may be nil on platforms with
// no system-wide traffic capture.
func NewUDPRelay(cfg UDPConfig, protector protect.Protector, send SendPacket, log *slog.Logger) *UDPRelay {
	if log == nil {
		log = slog.Default()
	}
	return &UDPRelay{
		cfg:       cfg,
		protector: protector,
		send:      send,
		log:       log,
		sessions:  make(map[Key]*udpSession),
		byConn:    make(map[*net.UDPConn]*udpSession),
	}
}

// Process handles one app→upstream UDP datagram, creating a session on
// first sight of the key and running the decoy ritual when the payload
// looks like a QUIC Initial.
func (r *UDPRelay) Process(srcPort uint16, dstAddr uint32, dstPort uint16, payload []byte) error {
	key := Key{SrcPort: srcPort, DstAddr: dstAddr, DstPort: dstPort}

	r.mu.Lock()
	session, ok := r.sessions[key]
	if !ok {
		if len(r.sessions) >= UDPMaxSessions {
			r.mu.Unlock()
			r.log.Warn("UDP session table full, dropping datagram", "key", key)
			return ErrFull
		}
		r.mu.Unlock()

		var err error
		session, err = r.createSession(key)
		if err != nil {
			r.log.Warn("failed to create UDP session", "key", key, "err", err)
			return err
		}

		r.mu.Lock()
		r.sessions[key] = session
		r.byConn[session.conn] = session
	}
	session.lastActivity = time.Now()
	r.mu.Unlock()

	if len(r.cfg.FakePayload) > 0 && sig.IsQUICInitial(payload) {
		r.log.Debug("QUIC Initial detected, injecting fakes",
			"session", session.id, "repeats", r.cfg.FakeRepeats, "ttl", r.cfg.FakeTTL)
		r.sendWithFakes(session, payload)
		return nil
	}

	if _, err := session.conn.Write(payload); err != nil {
		r.log.Debug("udp write failed", "session", session.id, "err", err)
	}
	return nil
}

func (r *UDPRelay) createSession(key Key) (*udpSession, error) {
	dst := net.UDPAddr{IP: addrToIP(key.DstAddr), Port: int(key.DstPort)}

	dialer := protect.Dialer(r.protector)
	c, err := dialer.Dial("udp4", dst.String())
	if err != nil {
		return nil, errors.Join(ErrRefused, err)
	}
	conn := c.(*net.UDPConn)

	return &udpSession{
		id:           uuid.NewString(),
		key:          key,
		conn:         conn,
		pc:           ipv4.NewPacketConn(conn),
		lastActivity: time.Now(),
	}, nil
}

// sendWithFakes performs the decoy ritual: fake_repeats copies of the
// configured fake payload at low TTL, then the real payload at TTL 64. It
// is best-effort — individual send errors are logged but never surfaced.
func (r *UDPRelay) sendWithFakes(session *udpSession, real []byte) {
	if err := session.pc.SetTTL(r.cfg.FakeTTL); err != nil {
		r.log.Debug("SetTTL(fake) failed", "session", session.id, "err", err)
	}
	for i := 0; i < r.cfg.FakeRepeats; i++ {
		if _, err := session.conn.Write(r.cfg.FakePayload); err != nil {
			r.log.Debug("fake send failed", "session", session.id, "i", i, "err", err)
		}
	}

	if err := session.pc.SetTTL(64); err != nil {
		r.log.Debug("SetTTL(restore) failed", "session", session.id, "err", err)
	}
	if _, err := session.conn.Write(real); err != nil {
		r.log.Debug("real send failed", "session", session.id, "err", err)
	}
}

// HandleResponse reads one datagram from conn and, if any bytes were
// received, writes an IPv4+UDP frame toward the tunnel with the response's
// source and destination swapped relative to the original flow. Returns
// ErrNotOurs if conn does not belong to this relay.
func (r *UDPRelay) HandleResponse(conn *net.UDPConn) error {
	r.mu.Lock()
	session, ok := r.byConn[conn]
	r.mu.Unlock()
	if !ok {
		return ErrNotOurs
	}

	buf := make([]byte, MaxPacketSize)
	n, err := conn.Read(buf)
	if err != nil {
		return err
	}
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	session.lastActivity = time.Now()
	r.mu.Unlock()

	pkt := wire.BuildIPv4UDP(session.key.DstAddr, r.cfg.TunAddr, session.key.DstPort, session.key.SrcPort, buf[:n])
	return r.send(pkt)
}

// CollectHandles returns the connections of all active sessions, for
// registration with the tunnel loop's multiplexer.
func (r *UDPRelay) CollectHandles() []*net.UDPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*net.UDPConn, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.conn)
	}
	return out
}

// SweepIdle closes sessions whose last activity predates UDPIdleTimeout.
func (r *UDPRelay) SweepIdle() {
	now := time.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.sessions {
		if now.Sub(s.lastActivity) > UDPIdleTimeout {
			s.conn.Close()
			delete(r.sessions, key)
			delete(r.byConn, s.conn)
		}
	}
}

// Destroy closes every active session.
func (r *UDPRelay) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, s := range r.sessions {
		s.conn.Close()
		delete(r.sessions, key)
		delete(r.byConn, s.conn)
	}
}

func addrToIP(addr uint32) net.IP {
	return net.IPv4(byte(addr>>24), byte(addr>>16), byte(addr>>8), byte(addr))
}
