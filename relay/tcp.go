package relay

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/veildpi/veildpi/protect"
	"github.com/veildpi/veildpi/sig"
	"github.com/veildpi/veildpi/wire"
)

// State is the app-facing TCP session state.
type State int

const (
	StateIdle State = iota
	StateSYNReceived
	StateEstablished
	StateFinWait
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSYNReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateFinWait:
		return "FIN_WAIT"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// tcpSession is a single TCP flow's app-facing state, owned exclusively by TCPRelay.
type tcpSession struct {
	id    string
	key   Key
	relay *TCPRelay

	mu            sync.Mutex
	state         State
	conn          *net.TCPConn
	pending       [][]byte
	tunSeq        uint32
	tunAck        uint32
	appISN        uint32
	firstDataSent bool
	lastActivity  time.Time
}

func (s *tcpSession) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// enqueueOrWrite writes chunks to the upstream socket if it is connected,
// or queues them for the dial goroutine to flush, preserving the order
// segments were read from the tunnel.
func (s *tcpSession) enqueueOrWrite(chunks [][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		s.pending = append(s.pending, chunks...)
		return
	}
	for _, c := range chunks {
		s.conn.Write(c) //nolint:errcheck // best-effort, per §5 back-pressure policy
	}
}

func (s *tcpSession) completeDial(conn *net.TCPConn) {
	s.mu.Lock()
	s.conn = conn
	pending := s.pending
	s.pending = nil
	for _, c := range pending {
		conn.Write(c) //nolint:errcheck
	}
	s.mu.Unlock()
}

// TCPRelay implements C4: the app-facing half of a TCP relay, forwarding to
// a real upstream kernel socket per flow.
type TCPRelay struct {
	cfg       TCPConfig
	protector protect.Protector
	send      SendPacket
	log       *slog.Logger

	mu       sync.Mutex
	sessions map[Key]*tcpSession
	byConn   map[*net.TCPConn]*tcpSession
}

// NewTCPRelay constructs a TCP relay. protector may be nil on platforms with
// no system-wide traffic capture.
func NewTCPRelay(cfg TCPConfig, protector protect.Protector, send SendPacket, log *slog.Logger) *TCPRelay {
	if log == nil {
		log = slog.Default()
	}
	return &TCPRelay{
		cfg:       cfg,
		protector: protector,
		send:      send,
		log:       log,
		sessions:  make(map[Key]*tcpSession),
		byConn:    make(map[*net.TCPConn]*tcpSession),
	}
}

// Process handles one app→upstream TCP segment. The packet's ack field is
// intentionally never consulted — see the design notes on why this
// emulation ignores the app's acknowledgment number.
func (r *TCPRelay) Process(srcPort uint16, dstAddr uint32, dstPort uint16, seq uint32, flags byte, payload []byte) error {
	key := Key{SrcPort: srcPort, DstAddr: dstAddr, DstPort: dstPort}

	if flags&wire.FlagRST != 0 {
		r.closeSession(key)
		return nil
	}

	if flags&wire.FlagSYN != 0 {
		return r.handleSYN(key, seq)
	}

	r.mu.Lock()
	session, ok := r.sessions[key]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if flags&wire.FlagFIN != 0 {
		r.handleFIN(session, seq)
		return nil
	}

	if len(payload) > 0 {
		r.handleData(session, payload, seq)
	}

	return nil
}

func (r *TCPRelay) handleSYN(key Key, seq uint32) error {
	r.mu.Lock()
	if existing, ok := r.sessions[key]; ok {
		// Re-SYN on an existing key closes and recreates the session.
		r.destroySessionLocked(existing)
	}
	if len(r.sessions) >= TCPMaxSessions {
		r.mu.Unlock()
		r.log.Warn("TCP session limit reached", "key", key)
		return ErrFull
	}
	r.mu.Unlock()

	session := &tcpSession{
		id:           uuid.NewString(),
		key:          key,
		relay:        r,
		state:        StateSYNReceived,
		appISN:       seq,
		lastActivity: time.Now(),
	}
	session.tunSeq = uint32(time.Now().Unix())*1000 ^ (uint32(key.DstPort)<<16 | uint32(key.SrcPort))
	session.tunAck = seq + 1

	r.mu.Lock()
	r.sessions[key] = session
	r.mu.Unlock()

	// Emit SYN-ACK immediately, before the upstream dial completes — the
	// app is on the same host and expects an instant handshake. See the
	// async-connect design note.
	r.sendToTun(session, wire.FlagSYN|wire.FlagACK, nil)
	session.mu.Lock()
	session.state = StateEstablished
	session.mu.Unlock()

	go r.dial(session)

	return nil
}

func (r *TCPRelay) dial(session *tcpSession) {
	dialer := protect.Dialer(r.protector)
	dst := net.TCPAddr{IP: addrToIP(session.key.DstAddr), Port: int(session.key.DstPort)}

	c, err := dialer.Dial("tcp4", dst.String())
	if err != nil {
		r.log.Debug("upstream TCP dial failed", "session", session.id, "err", err)
		r.sendToTun(session, wire.FlagRST, nil)
		r.destroySession(session.key)
		return
	}
	conn := c.(*net.TCPConn)
	conn.SetNoDelay(true)

	session.completeDial(conn)

	r.mu.Lock()
	r.byConn[conn] = session
	r.mu.Unlock()
}

// handleData forwards app data upstream, applying the first-segment TLS
// split when configured, then acks the data back to the app.
func (r *TCPRelay) handleData(session *tcpSession, payload []byte, seq uint32) {
	session.mu.Lock()
	if session.state != StateEstablished {
		session.mu.Unlock()
		return
	}
	session.lastActivity = time.Now()
	session.tunAck = seq + uint32(len(payload))

	var chunks [][]byte
	if !session.firstDataSent && r.cfg.SplitPos > 0 &&
		len(payload) > r.cfg.SplitPos && sig.IsTLSClientHello(payload) {

		pos := r.cfg.SplitPos
		first, second := payload[:pos], payload[pos:]
		if r.cfg.UseDisorder {
			chunks = [][]byte{second, first}
		} else {
			chunks = [][]byte{first, second}
		}
		session.firstDataSent = true
	} else {
		chunks = [][]byte{payload}
		session.firstDataSent = true
	}
	session.mu.Unlock()

	session.enqueueOrWrite(chunks)

	r.sendToTun(session, wire.FlagACK, nil)
}

func (r *TCPRelay) handleFIN(session *tcpSession, seq uint32) {
	session.mu.Lock()
	session.tunAck = seq + 1
	var conn *net.TCPConn
	if session.state == StateEstablished {
		session.state = StateFinWait
		conn = session.conn
	}
	session.mu.Unlock()

	r.sendToTun(session, wire.FlagACK, nil)

	if conn != nil {
		conn.CloseWrite() //nolint:errcheck
	}
}

// HandleResponse reads from conn and reflects the outcome to the app: data
// becomes PSH|ACK, EOF becomes FIN|ACK plus session teardown, and any other
// read error becomes RST plus session teardown. Returns ErrNotOurs if conn
// does not belong to this relay.
func (r *TCPRelay) HandleResponse(conn *net.TCPConn) error {
	r.mu.Lock()
	session, ok := r.byConn[conn]
	r.mu.Unlock()
	if !ok {
		return ErrNotOurs
	}

	buf := make([]byte, MaxPacketSize)
	n, err := conn.Read(buf)

	if n > 0 {
		session.touch()
		r.sendToTun(session, wire.FlagACK|wire.FlagPSH, buf[:n])
	}

	if err != nil {
		if errors.Is(err, io.EOF) {
			r.sendToTun(session, wire.FlagFIN|wire.FlagACK, nil)
		} else {
			r.sendToTun(session, wire.FlagRST, nil)
		}
		r.destroySession(session.key)
	}

	return nil
}

// sendToTun builds an IPv4+TCP frame toward the app from the session's
// current sequence state and advances tun_seq per the segment's consumption.
func (r *TCPRelay) sendToTun(session *tcpSession, flags byte, payload []byte) {
	session.mu.Lock()
	seq := session.tunSeq
	ack := session.tunAck
	key := session.key
	session.mu.Unlock()

	pkt := wire.BuildIPv4TCP(key.DstAddr, r.cfg.TunAddr, key.DstPort, key.SrcPort, seq, ack, flags, TCPWindow, payload)
	if err := r.send(pkt); err != nil {
		r.log.Debug("tunnel write failed", "session", session.id, "err", err)
	}

	session.mu.Lock()
	session.tunSeq += uint32(len(payload))
	if flags&(wire.FlagSYN|wire.FlagFIN) != 0 {
		session.tunSeq++
	}
	session.mu.Unlock()
}

func (r *TCPRelay) closeSession(key Key) {
	r.mu.Lock()
	session, ok := r.sessions[key]
	if ok {
		r.destroySessionLocked(session)
	}
	r.mu.Unlock()
}

func (r *TCPRelay) destroySession(key Key) {
	r.mu.Lock()
	if session, ok := r.sessions[key]; ok {
		r.destroySessionLocked(session)
	}
	r.mu.Unlock()
}

// destroySessionLocked must be called with r.mu held.
func (r *TCPRelay) destroySessionLocked(session *tcpSession) {
	session.mu.Lock()
	session.state = StateClosed
	conn := session.conn
	session.mu.Unlock()

	if conn != nil {
		conn.Close()
		delete(r.byConn, conn)
	}
	delete(r.sessions, session.key)
}

// CollectHandles returns the upstream connections of all sessions with a
// completed dial, for registration with the tunnel loop's multiplexer.
func (r *TCPRelay) CollectHandles() []*net.TCPConn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*net.TCPConn, 0, len(r.byConn))
	for conn := range r.byConn {
		out = append(out, conn)
	}
	return out
}

// SweepIdle emits RST and closes sessions whose last activity predates TCPIdleTimeout.
func (r *TCPRelay) SweepIdle() {
	now := time.Now()

	r.mu.Lock()
	var stale []*tcpSession
	for _, s := range r.sessions {
		s.mu.Lock()
		idle := now.Sub(s.lastActivity) > TCPIdleTimeout
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		r.sendToTun(s, wire.FlagRST, nil)
		r.destroySession(s.key)
	}
}

// Destroy closes every active session.
func (r *TCPRelay) Destroy() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		r.destroySessionLocked(s)
	}
}
