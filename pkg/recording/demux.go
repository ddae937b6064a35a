package recording

import (
	"io"
	"net"
	"sync"
	"time"

	"github.com/pion/transport/v3/packetio"
)

const (
	demuxReceiveMTU     = 8192
	demuxEndpointBuffer = 1 << 20
)

// streamDemux splits the packets arriving on a single ICE connection into
// DTLS, RTP, and RTCP endpoints. The focus multiplexes all three over one
// candidate pair (rtcp-mux), so the handshake and both SRTP sessions read
// from the same socket.
//
// First-byte ranges follow RFC 7983: 20..63 is DTLS, 128..191 is RTP or
// RTCP, and within that range a packet type byte of 192..223 marks RTCP.
type streamDemux struct {
	conn   net.Conn
	logger Logger

	dtls *demuxEndpoint
	rtp  *demuxEndpoint
	rtcp *demuxEndpoint

	closeOnce sync.Once
}

func newStreamDemux(conn net.Conn, logger Logger) *streamDemux {
	d := &streamDemux{
		conn:   conn,
		logger: logger,
		dtls:   newDemuxEndpoint(conn),
		rtp:    newDemuxEndpoint(conn),
		rtcp:   newDemuxEndpoint(conn),
	}
	go d.readLoop()
	return d
}

// DTLSEndpoint returns the connection carrying DTLS records.
func (d *streamDemux) DTLSEndpoint() net.Conn { return d.dtls }

// RTPEndpoint returns the connection carrying SRTP packets.
func (d *streamDemux) RTPEndpoint() net.Conn { return d.rtp }

// RTCPEndpoint returns the connection carrying SRTCP packets.
func (d *streamDemux) RTCPEndpoint() net.Conn { return d.rtcp }

func (d *streamDemux) readLoop() {
	defer func() {
		_ = d.dtls.buffer.Close()
		_ = d.rtp.buffer.Close()
		_ = d.rtcp.buffer.Close()
	}()

	buf := make([]byte, demuxReceiveMTU)
	for {
		n, err := d.conn.Read(buf)
		if err != nil {
			if err != io.EOF {
				d.logger.Debug("demux read loop ended", "error", err)
			}
			return
		}
		pkt := buf[:n]

		switch {
		case matchDTLS(pkt):
			d.dtls.deliver(pkt)
		case matchRTCP(pkt):
			d.rtcp.deliver(pkt)
		case matchRTP(pkt):
			d.rtp.deliver(pkt)
		default:
			d.logger.Debug("dropping unroutable packet", "size", n)
		}
	}
}

// Close tears down the underlying connection and every endpoint. Idempotent.
func (d *streamDemux) Close() {
	d.closeOnce.Do(func() {
		_ = d.conn.Close()
	})
}

func matchDTLS(b []byte) bool {
	return len(b) > 0 && b[0] > 19 && b[0] < 64
}

func matchRTP(b []byte) bool {
	return len(b) > 1 && b[0] > 127 && b[0] < 192
}

func matchRTCP(b []byte) bool {
	return matchRTP(b) && b[1] >= 192 && b[1] <= 223
}

// demuxEndpoint is a net.Conn whose reads come from the demultiplexer's
// buffer and whose writes go straight to the underlying ICE connection.
type demuxEndpoint struct {
	parent net.Conn
	buffer *packetio.Buffer
}

func newDemuxEndpoint(parent net.Conn) *demuxEndpoint {
	buffer := packetio.NewBuffer()
	buffer.SetLimitSize(demuxEndpointBuffer)
	return &demuxEndpoint{parent: parent, buffer: buffer}
}

func (e *demuxEndpoint) deliver(pkt []byte) {
	if _, err := e.buffer.Write(pkt); err != nil && err != packetio.ErrFull {
		return
	}
}

func (e *demuxEndpoint) Read(p []byte) (int, error)  { return e.buffer.Read(p) }
func (e *demuxEndpoint) Write(p []byte) (int, error) { return e.parent.Write(p) }
func (e *demuxEndpoint) Close() error                { return e.buffer.Close() }
func (e *demuxEndpoint) LocalAddr() net.Addr         { return e.parent.LocalAddr() }
func (e *demuxEndpoint) RemoteAddr() net.Addr        { return e.parent.RemoteAddr() }

func (e *demuxEndpoint) SetDeadline(t time.Time) error {
	return e.buffer.SetReadDeadline(t)
}

func (e *demuxEndpoint) SetReadDeadline(t time.Time) error {
	return e.buffer.SetReadDeadline(t)
}

func (e *demuxEndpoint) SetWriteDeadline(time.Time) error { return nil }
