package relay

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// Scenario 5: QUIC Initial triggers fake_repeats fakes then one real send.
func TestUDPRelay_QUICDecoyRitual(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	addr := pc.LocalAddr().(*net.UDPAddr)

	type received struct {
		data []byte
	}
	recvCh := make(chan received, 16)
	go func() {
		buf := make([]byte, 4096)
		for i := 0; i < 7; i++ {
			pc.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
			n, _, err := pc.ReadFrom(buf)
			if err != nil {
				return
			}
			data := make([]byte, n)
			copy(data, buf[:n])
			recvCh <- received{data: data}
		}
	}()

	fake := make([]byte, 1200)
	for i := range fake {
		fake[i] = byte(i)
	}

	send, _ := collectFrames()
	tunAddr := mustParseIPv4(t, "10.120.0.1")
	dstAddr := mustParseIPv4(t, "127.0.0.1")
	r := NewUDPRelay(UDPConfig{
		FakePayload: fake,
		FakeTTL:     3,
		FakeRepeats: 6,
		TunAddr:     tunAddr,
	}, nil, send, nil)

	real := append([]byte{0xC0, 0x00, 0x00, 0x00, 0x01}, []byte("real-quic-initial")...)
	require.NoError(t, r.Process(50000, dstAddr, uint16(addr.Port), real))

	var got [][]byte
	for i := 0; i < 7; i++ {
		select {
		case rcv := <-recvCh:
			got = append(got, rcv.data)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for send %d", i)
		}
	}

	require.Len(t, got, 7)
	for i := 0; i < 6; i++ {
		require.Equal(t, fake, got[i], "fake #%d", i)
	}
	require.Equal(t, real, got[6])
}

func TestUDPRelay_NonQUICForwardedVerbatim(t *testing.T) {
	pc, err := net.ListenPacket("udp4", "127.0.0.1:0")
	require.NoError(t, err)
	defer pc.Close()
	addr := pc.LocalAddr().(*net.UDPAddr)

	send, _ := collectFrames()
	tunAddr := mustParseIPv4(t, "10.120.0.1")
	dstAddr := mustParseIPv4(t, "127.0.0.1")
	r := NewUDPRelay(UDPConfig{FakePayload: []byte("fake"), FakeTTL: 3, FakeRepeats: 6, TunAddr: tunAddr}, nil, send, nil)

	payload := []byte("plain dns query")
	require.NoError(t, r.Process(50001, dstAddr, uint16(addr.Port), payload))

	buf := make([]byte, 4096)
	pc.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	n, _, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	require.Equal(t, payload, buf[:n])
}

func TestUDPRelay_SessionCapEnforced(t *testing.T) {
	send, _ := collectFrames()
	r := NewUDPRelay(UDPConfig{}, nil, send, nil)
	r.sessions = make(map[Key]*udpSession, UDPMaxSessions+1)
	for i := 0; i < UDPMaxSessions; i++ {
		r.sessions[Key{SrcPort: uint16(i), DstAddr: 1, DstPort: 1}] = &udpSession{}
	}

	err := r.Process(60000, 2, 2, []byte("x"))
	require.ErrorIs(t, err, ErrFull)
}
