package recording

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readEndpoint reads one packet from a demux endpoint with a deadline.
func readEndpoint(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	buf := make([]byte, demuxReceiveMTU)
	n, err := conn.Read(buf)
	require.NoError(t, err)
	return append([]byte{}, buf[:n]...)
}

// TestStreamDemuxRouting tests that DTLS, RTP, and RTCP packets arriving on
// one connection land on their respective endpoints.
func TestStreamDemuxRouting(t *testing.T) {
	local, remote := net.Pipe()
	demux := newStreamDemux(local, newTestLogger())
	t.Cleanup(func() {
		demux.Close()
		_ = remote.Close()
	})

	dtlsPkt := []byte{22, 254, 253, 0, 1}
	rtpPkt := []byte{0x80, 96, 0x12, 0x34, 0, 0, 0, 1}
	rtcpPkt := []byte{0x80, 200, 0x00, 0x06, 0, 0, 0, 2}

	for _, pkt := range [][]byte{dtlsPkt, rtpPkt, rtcpPkt} {
		_, err := remote.Write(pkt)
		require.NoError(t, err)
	}

	assert.Equal(t, dtlsPkt, readEndpoint(t, demux.DTLSEndpoint()))
	assert.Equal(t, rtpPkt, readEndpoint(t, demux.RTPEndpoint()))
	assert.Equal(t, rtcpPkt, readEndpoint(t, demux.RTCPEndpoint()))
}

// TestStreamDemuxDropsUnroutable tests that packets outside every RFC 7983
// range are discarded without breaking the loop.
func TestStreamDemuxDropsUnroutable(t *testing.T) {
	local, remote := net.Pipe()
	demux := newStreamDemux(local, newTestLogger())
	t.Cleanup(func() {
		demux.Close()
		_ = remote.Close()
	})

	_, err := remote.Write([]byte{0x01, 0x02, 0x03})
	require.NoError(t, err)

	rtpPkt := []byte{0x80, 96, 0, 0}
	_, err = remote.Write(rtpPkt)
	require.NoError(t, err)

	assert.Equal(t, rtpPkt, readEndpoint(t, demux.RTPEndpoint()))
}

// TestStreamDemuxEndpointWrite tests that endpoint writes pass through to
// the underlying connection.
func TestStreamDemuxEndpointWrite(t *testing.T) {
	local, remote := net.Pipe()
	demux := newStreamDemux(local, newTestLogger())
	t.Cleanup(func() {
		demux.Close()
		_ = remote.Close()
	})

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := remote.Read(buf)
		if err != nil {
			received <- nil
			return
		}
		received <- buf[:n]
	}()

	outbound := []byte{22, 1, 2, 3}
	_, err := demux.DTLSEndpoint().Write(outbound)
	require.NoError(t, err)

	select {
	case pkt := <-received:
		assert.Equal(t, outbound, pkt)
	case <-time.After(2 * time.Second):
		t.Fatal("write did not reach the underlying connection")
	}
}

// TestStreamDemuxClose tests that Close is idempotent and unblocks endpoint
// readers.
func TestStreamDemuxClose(t *testing.T) {
	local, remote := net.Pipe()
	demux := newStreamDemux(local, newTestLogger())
	t.Cleanup(func() { _ = remote.Close() })

	demux.Close()
	demux.Close()

	buf := make([]byte, 4)
	_, err := demux.RTPEndpoint().Read(buf)
	assert.ErrorIs(t, err, io.EOF)
	_, err = demux.DTLSEndpoint().Read(buf)
	assert.ErrorIs(t, err, io.EOF)
}

// TestPacketMatchers tests the RFC 7983 first-byte classification.
func TestPacketMatchers(t *testing.T) {
	tests := []struct {
		name string
		pkt  []byte
		dtls bool
		rtp  bool
		rtcp bool
	}{
		{"empty", nil, false, false, false},
		{"stun", []byte{0x00, 0x01}, false, false, false},
		{"below dtls range", []byte{19, 0}, false, false, false},
		{"dtls low edge", []byte{20, 0}, true, false, false},
		{"dtls handshake", []byte{22, 254}, true, false, false},
		{"dtls high edge", []byte{63, 0}, true, false, false},
		{"above dtls range", []byte{64, 0}, false, false, false},
		{"rtp low edge", []byte{128, 96}, false, true, false},
		{"rtp high edge", []byte{191, 96}, false, true, false},
		{"rtp pt below rtcp", []byte{128, 191}, false, true, false},
		{"rtcp sr", []byte{128, 200}, false, true, true},
		{"rtcp low edge", []byte{128, 192}, false, true, true},
		{"rtcp high edge", []byte{128, 223}, false, true, true},
		{"rtp pt above rtcp", []byte{128, 224}, false, true, false},
		{"above rtp range", []byte{192, 200}, false, false, false},
		{"rtp too short", []byte{128}, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.dtls, matchDTLS(tt.pkt))
			assert.Equal(t, tt.rtp, matchRTP(tt.pkt))
			assert.Equal(t, tt.rtcp, matchRTCP(tt.pkt))
		})
	}
}
