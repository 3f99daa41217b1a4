package decoy

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/veildpi/veildpi/wire"
)

type fakeSend struct {
	dst net.IP
	ttl int
	pkt []byte
}

type fakeSender struct {
	mu    sync.Mutex
	ttl   int
	sends []fakeSend
}

func (f *fakeSender) setTTL(ttl int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ttl = ttl
	return nil
}

func (f *fakeSender) writeTo(dst net.IP, b []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(b))
	copy(cp, b)
	f.sends = append(f.sends, fakeSend{dst: dst, ttl: f.ttl, pkt: cp})
	return nil
}

func (f *fakeSender) close() error { return nil }

func (f *fakeSender) snapshot() []fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]fakeSend, len(f.sends))
	copy(out, f.sends)
	return out
}

// fakeIface feeds a fixed sequence of packets to Read, then blocks until
// closed.
type fakeIface struct {
	pkts  [][]byte
	idx   int
	mu    sync.Mutex
	block chan struct{}
}

func newFakeIface(pkts [][]byte) *fakeIface {
	return &fakeIface{pkts: pkts, block: make(chan struct{})}
}

func (f *fakeIface) Read(p []byte) (int, error) {
	f.mu.Lock()
	if f.idx < len(f.pkts) {
		pkt := f.pkts[f.idx]
		f.idx++
		f.mu.Unlock()
		return copy(p, pkt), nil
	}
	f.mu.Unlock()
	<-f.block
	return 0, net.ErrClosed
}

func (f *fakeIface) Write(p []byte) (int, error) { return len(p), nil }
func (f *fakeIface) Close() error {
	close(f.block)
	return nil
}

func mustIP(t *testing.T, s string) uint32 {
	t.Helper()
	return mustParseIPv4Bytes(t, s)
}

func mustParseIPv4Bytes(t *testing.T, s string) uint32 {
	t.Helper()
	ip := net.ParseIP(s).To4()
	require.NotNil(t, ip)
	return uint32(ip[0])<<24 | uint32(ip[1])<<16 | uint32(ip[2])<<8 | uint32(ip[3])
}

func TestEmitter_QUICInitialTriggersFakesThenReal(t *testing.T) {
	fake := []byte("fake-quic-payload")
	sender := &fakeSender{}
	iface := newFakeIface(nil)

	e := &Emitter{iface: iface, sender: sender, cfg: Config{FakePayload: fake, FakeTTL: 3, Repeats: 6}}

	real := append([]byte{0xC0, 0x00, 0x00, 0x00, 0x01}, []byte("client-hello")...)
	pkt := wire.BuildIPv4UDP(mustIP(t, "203.0.113.9"), mustIP(t, "10.66.0.1"), 55000, 443, real)
	// Simulate a normal (non-looped) TTL from the kernel.
	pkt[wire.IPTTL] = 64

	e.handlePacket(pkt)

	sends := sender.snapshot()
	require.Len(t, sends, 7)
	for i := 0; i < 6; i++ {
		require.Equal(t, 3, sends[i].ttl)
		require.Contains(t, string(sends[i].pkt), "fake-quic-payload")
	}
	require.Equal(t, 64, sends[6].ttl)
	require.Contains(t, string(sends[6].pkt), "client-hello")
}

func TestEmitter_NonQUICForwardedWithoutFakes(t *testing.T) {
	sender := &fakeSender{}
	e := &Emitter{iface: newFakeIface(nil), sender: sender, cfg: Config{FakePayload: []byte("f"), FakeTTL: 3, Repeats: 6}}

	pkt := wire.BuildIPv4UDP(mustIP(t, "203.0.113.9"), mustIP(t, "10.66.0.1"), 55000, 53, []byte("plain dns"))
	pkt[wire.IPTTL] = 64

	e.handlePacket(pkt)

	sends := sender.snapshot()
	require.Len(t, sends, 1)
	require.Contains(t, string(sends[0].pkt), "plain dns")
}

func TestEmitter_LoopedPacketSkippedBySafetyNet(t *testing.T) {
	sender := &fakeSender{}
	e := &Emitter{iface: newFakeIface(nil), sender: sender, cfg: Config{FakePayload: []byte("f"), FakeTTL: 3, Repeats: 6}}

	pkt := wire.BuildIPv4UDP(mustIP(t, "203.0.113.9"), mustIP(t, "10.66.0.1"), 55000, 443, []byte("x"))
	pkt[wire.IPTTL] = 2 // at or below FakeTTL: looks like our own fake looping back

	e.handlePacket(pkt)

	require.Empty(t, sender.snapshot())
}

func TestEmitter_RunStopsOnContextCancel(t *testing.T) {
	sender := &fakeSender{}
	iface := newFakeIface(nil)
	e := &Emitter{iface: iface, sender: sender, cfg: Config{}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
