package recording

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/srtp/v3"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

const recorderHandshakeTimeout = 15 * time.Second

// mediaSink writes depacketized RTP into a container file.
type mediaSink interface {
	WriteRTP(packet *rtp.Packet) error
	Close() error
}

// MediaRecorder captures the conference's SRTP streams into files. For each
// media type it demultiplexes the single ICE connection, runs the DTLS
// handshake through the matching DtlsControl, opens SRTP and SRTCP sessions,
// and writes every inbound stream to its own container file: Opus audio to
// .ogg, VP8 and VP9 video to .ivf.
type MediaRecorder struct {
	logger Logger

	mu         sync.Mutex
	dir        string
	handles    map[MediaType]*DtlsControl
	localSSRCs map[MediaType]uint32
	associated map[string][]uint32
	demuxes    []*streamDemux
	sessions   []interface{ Close() error }
	started    bool
	stopped    bool
	baseCtx    context.Context
	baseCancel context.CancelFunc

	wg sync.WaitGroup
}

// NewMediaRecorder builds a recorder. Init must run before StartRecording.
func NewMediaRecorder(logger Logger) *MediaRecorder {
	return &MediaRecorder{logger: logger}
}

// Init prepares the recorder to write into dir using the given crypto
// handles and picks a fresh local SSRC per media type for the offer.
func (r *MediaRecorder) Init(dir string, handles map[MediaType]*DtlsControl) error {
	if dir == "" {
		return fmt.Errorf("%w: empty recording directory", ErrInitialization)
	}
	for _, mt := range RecordedMediaTypes() {
		if handles[mt] == nil {
			return fmt.Errorf("%w: no crypto handle for media type %s", ErrInitialization, mt)
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: create recording directory: %v", ErrIO, err)
	}

	localSSRCs := make(map[MediaType]uint32, len(handles))
	for _, mt := range RecordedMediaTypes() {
		localSSRCs[mt] = newStreamSource()
	}

	ctx, cancel := context.WithCancel(context.Background())

	r.mu.Lock()
	r.dir = dir
	r.handles = handles
	r.localSSRCs = localSSRCs
	r.associated = nil
	r.demuxes = nil
	r.sessions = nil
	r.started = false
	r.stopped = false
	r.baseCtx = ctx
	r.baseCancel = cancel
	r.mu.Unlock()
	return nil
}

// LocalStreamSources returns the SSRC chosen for each media type.
func (r *MediaRecorder) LocalStreamSources() map[MediaType]uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[MediaType]uint32, len(r.localSSRCs))
	for mt, ssrc := range r.localSSRCs {
		out[mt] = ssrc
	}
	return out
}

// SetAssociatedStreamSources replaces the participant-to-SSRC table.
func (r *MediaRecorder) SetAssociatedStreamSources(sources map[string][]uint32) {
	copied := make(map[string][]uint32, len(sources))
	for occupant, ssrcs := range sources {
		copied[occupant] = append([]uint32(nil), ssrcs...)
	}
	r.mu.Lock()
	r.associated = copied
	r.mu.Unlock()
	r.logger.Debug("associated stream sources updated", "participants", len(copied))
}

// occupantFor resolves an inbound SSRC to the occupant that advertised it.
// Returns the empty string when no participant claims the SSRC.
func (r *MediaRecorder) occupantFor(ssrc uint32) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for occupant, ssrcs := range r.associated {
		for _, s := range ssrcs {
			if s == ssrc {
				return occupant
			}
		}
	}
	return ""
}

// StartRecording runs the DTLS handshakes and begins capturing every media
// type. All recorded media types must be present in payloads, connectors,
// and targets.
func (r *MediaRecorder) StartRecording(payloads map[MediaType][]PayloadFormat, connectors map[MediaType]*StreamConnector, targets map[MediaType]*StreamTarget) error {
	r.mu.Lock()
	if r.dir == "" {
		r.mu.Unlock()
		return fmt.Errorf("%w: recorder not initialized", ErrInvalidState)
	}
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("%w: recording already started", ErrInvalidState)
	}
	if r.stopped {
		r.mu.Unlock()
		return fmt.Errorf("%w: recorder already stopped", ErrInvalidState)
	}
	baseCtx := r.baseCtx
	handles := r.handles
	r.mu.Unlock()

	for _, mt := range RecordedMediaTypes() {
		if len(payloads[mt]) == 0 {
			return fmt.Errorf("%w: no payload formats for media type %s", ErrRecording, mt)
		}
		if connectors[mt] == nil || connectors[mt].Conn == nil {
			return fmt.Errorf("%w: no stream connector for media type %s", ErrRecording, mt)
		}
		if targets[mt] == nil || targets[mt].Addr == nil {
			return fmt.Errorf("%w: no stream target for media type %s", ErrRecording, mt)
		}
	}

	for _, mt := range RecordedMediaTypes() {
		demux := newStreamDemux(connectors[mt].Conn, r.logger)
		r.mu.Lock()
		r.demuxes = append(r.demuxes, demux)
		r.mu.Unlock()

		handshakeCtx, cancel := context.WithTimeout(baseCtx, recorderHandshakeTimeout)
		err := handles[mt].Handshake(handshakeCtx, demux.DTLSEndpoint(), targets[mt].Addr)
		cancel()
		if err != nil {
			return err
		}

		srtpConfig, err := handles[mt].SRTPConfig()
		if err != nil {
			return err
		}

		rtpSession, err := srtp.NewSessionSRTP(demux.RTPEndpoint(), srtpConfig)
		if err != nil {
			return fmt.Errorf("%w: SRTP session for %s: %v", ErrRecording, mt, err)
		}
		rtcpSession, err := srtp.NewSessionSRTCP(demux.RTCPEndpoint(), srtpConfig)
		if err != nil {
			_ = rtpSession.Close()
			return fmt.Errorf("%w: SRTCP session for %s: %v", ErrRecording, mt, err)
		}

		r.mu.Lock()
		r.sessions = append(r.sessions, rtpSession, rtcpSession)
		r.mu.Unlock()

		r.wg.Add(2)
		go r.acceptRTPLoop(mt, rtpSession, payloads[mt])
		go r.acceptRTCPLoop(mt, rtcpSession)
	}

	r.mu.Lock()
	r.started = true
	dir := r.dir
	r.mu.Unlock()
	r.logger.Info("recording started", "dir", dir)
	return nil
}

// StopRecording halts capture, closes the media sinks, and tears down the
// DTLS and SRTP state. Idempotent.
func (r *MediaRecorder) StopRecording() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.baseCancel
	sessions := r.sessions
	demuxes := r.demuxes
	handles := r.handles
	r.sessions = nil
	r.demuxes = nil
	r.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, session := range sessions {
		_ = session.Close()
	}
	for _, demux := range demuxes {
		demux.Close()
	}
	r.wg.Wait()

	for _, handle := range handles {
		if err := handle.Close(); err != nil {
			r.logger.Debug("closing DTLS control", "error", err)
		}
	}
	r.logger.Info("recording stopped")
}

func (r *MediaRecorder) acceptRTPLoop(mediaType MediaType, session *srtp.SessionSRTP, formats []PayloadFormat) {
	defer r.wg.Done()
	for {
		stream, ssrc, err := session.AcceptStream()
		if err != nil {
			return
		}
		r.logger.Info("inbound media stream",
			"mediaType", mediaType.String(),
			"ssrc", ssrc,
			"occupant", r.occupantFor(ssrc),
		)

		sink, payloadType, err := r.newSink(mediaType, ssrc, formats)
		if err != nil {
			r.logger.Warn("no sink for stream, draining",
				"mediaType", mediaType.String(),
				"ssrc", ssrc,
				"error", err,
			)
			r.wg.Add(1)
			go r.drainRTPStream(stream)
			continue
		}

		r.wg.Add(1)
		go r.recordStream(mediaType, ssrc, stream, sink, payloadType)
	}
}

func (r *MediaRecorder) recordStream(mediaType MediaType, ssrc uint32, stream *srtp.ReadStreamSRTP, sink mediaSink, payloadType uint8) {
	defer r.wg.Done()
	defer func() {
		if err := sink.Close(); err != nil {
			r.logger.Warn("closing media sink",
				"mediaType", mediaType.String(),
				"ssrc", ssrc,
				"error", err,
			)
		}
	}()

	buf := make([]byte, demuxReceiveMTU)
	for {
		n, err := stream.Read(buf)
		if err != nil {
			return
		}

		packet := &rtp.Packet{}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			r.logger.Debug("dropping unparseable RTP packet",
				"mediaType", mediaType.String(),
				"ssrc", ssrc,
				"error", err,
			)
			continue
		}
		if packet.PayloadType != payloadType {
			continue
		}

		if err := sink.WriteRTP(packet); err != nil {
			r.logger.Warn("writing media sink failed, draining stream",
				"mediaType", mediaType.String(),
				"ssrc", ssrc,
				"error", err,
			)
			r.drainStreamReads(stream, buf)
			return
		}
	}
}

func (r *MediaRecorder) drainRTPStream(stream *srtp.ReadStreamSRTP) {
	defer r.wg.Done()
	buf := make([]byte, demuxReceiveMTU)
	r.drainStreamReads(stream, buf)
}

func (r *MediaRecorder) drainStreamReads(stream *srtp.ReadStreamSRTP, buf []byte) {
	for {
		if _, err := stream.Read(buf); err != nil {
			return
		}
	}
}

func (r *MediaRecorder) acceptRTCPLoop(mediaType MediaType, session *srtp.SessionSRTCP) {
	defer r.wg.Done()
	for {
		stream, ssrc, err := session.AcceptStream()
		if err != nil {
			return
		}

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			buf := make([]byte, demuxReceiveMTU)
			for {
				n, err := stream.Read(buf)
				if err != nil {
					return
				}
				packets, err := rtcp.Unmarshal(buf[:n])
				if err != nil {
					continue
				}
				r.logger.Debug("RTCP received",
					"mediaType", mediaType.String(),
					"ssrc", ssrc,
					"packets", len(packets),
				)
			}
		}()
	}
}

// newSink opens the container file for one inbound stream. The first
// supported payload format wins; streams with no supported format are
// drained without writing.
func (r *MediaRecorder) newSink(mediaType MediaType, ssrc uint32, formats []PayloadFormat) (mediaSink, uint8, error) {
	r.mu.Lock()
	dir := r.dir
	r.mu.Unlock()

	for _, format := range formats {
		switch {
		case strings.EqualFold(format.Name, "opus"):
			path := filepath.Join(dir, fmt.Sprintf("%s-%d.ogg", mediaType, ssrc))
			sampleRate := format.ClockRate
			if sampleRate == 0 {
				sampleRate = 48000
			}
			channels := format.Channels
			if channels == 0 {
				channels = 2
			}
			sink, err := oggwriter.New(path, sampleRate, channels)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
			}
			r.logger.Info("writing media file", "path", path)
			return sink, format.PayloadType, nil

		case strings.EqualFold(format.Name, "vp8"):
			path := filepath.Join(dir, fmt.Sprintf("%s-%d.ivf", mediaType, ssrc))
			sink, err := ivfwriter.New(path)
			if err != nil {
				return nil, 0, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
			}
			r.logger.Info("writing media file", "path", path)
			return sink, format.PayloadType, nil

		case strings.EqualFold(format.Name, "vp9"):
			path := filepath.Join(dir, fmt.Sprintf("%s-%d.ivf", mediaType, ssrc))
			sink, err := ivfwriter.New(path, ivfwriter.WithCodec("video/VP9"))
			if err != nil {
				return nil, 0, fmt.Errorf("%w: open %s: %v", ErrIO, path, err)
			}
			r.logger.Info("writing media file", "path", path)
			return sink, format.PayloadType, nil
		}
	}
	return nil, 0, fmt.Errorf("no supported payload format among %d offered", len(formats))
}

// newStreamSource picks a random nonzero synchronization source.
func newStreamSource() uint32 {
	for {
		if v := rand.Uint32(); v != 0 {
			return v
		}
	}
}
