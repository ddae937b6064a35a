package mocks

import (
	"context"
	"net"
	"sync"

	"muc-recorder-sdk-go/pkg/recording"
)

// MockTransport implements a mock TransportNegotiator for testing
type MockTransport struct {
	mu                          sync.Mutex
	HarvestLocalCandidatesFunc  func(ctx context.Context) error
	HarvestRemoteCandidatesFunc func(remote map[recording.MediaType]*recording.TransportDescription) error
	StartConnectivityFunc       func(ctx context.Context) error
	StreamConnectorFunc         func(ctx context.Context, mediaType recording.MediaType) (*recording.StreamConnector, error)
	StreamTargetFunc            func(ctx context.Context, mediaType recording.MediaType) (*recording.StreamTarget, error)

	// Track calls
	harvestLocalCalls  int
	remoteDescriptions map[recording.MediaType]*recording.TransportDescription
	startCalls         int
	freeCalls          int
}

func NewMockTransport() *MockTransport {
	return &MockTransport{}
}

var _ recording.TransportNegotiator = (*MockTransport)(nil)

func (m *MockTransport) HarvestLocalCandidates(ctx context.Context) error {
	m.mu.Lock()
	m.harvestLocalCalls++
	fn := m.HarvestLocalCandidatesFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *MockTransport) LocalCandidates(mediaType recording.MediaType) []recording.CandidateDescription {
	return []recording.CandidateDescription{{
		Foundation: "1",
		Component:  1,
		Protocol:   "udp",
		Priority:   2130706431,
		IP:         "192.0.2.15",
		Port:       20000 + int(mediaType),
		Type:       "host",
	}}
}

func (m *MockTransport) LocalUserCredentials(mediaType recording.MediaType) (string, string, error) {
	return "local-ufrag-" + mediaType.String(), "local-pwd-" + mediaType.String(), nil
}

func (m *MockTransport) HarvestRemoteCandidates(remote map[recording.MediaType]*recording.TransportDescription) error {
	m.mu.Lock()
	m.remoteDescriptions = remote
	fn := m.HarvestRemoteCandidatesFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(remote)
	}
	return nil
}

func (m *MockTransport) StartConnectivityEstablishment(ctx context.Context) error {
	m.mu.Lock()
	m.startCalls++
	fn := m.StartConnectivityFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx)
	}
	return nil
}

func (m *MockTransport) StreamConnector(ctx context.Context, mediaType recording.MediaType) (*recording.StreamConnector, error) {
	m.mu.Lock()
	fn := m.StreamConnectorFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, mediaType)
	}
	return &recording.StreamConnector{MediaType: mediaType}, nil
}

func (m *MockTransport) StreamTarget(ctx context.Context, mediaType recording.MediaType) (*recording.StreamTarget, error) {
	m.mu.Lock()
	fn := m.StreamTargetFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, mediaType)
	}
	return &recording.StreamTarget{
		MediaType: mediaType,
		Addr:      &net.UDPAddr{IP: net.ParseIP("203.0.113.10"), Port: 10000 + int(mediaType)},
	}, nil
}

func (m *MockTransport) Free() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeCalls++
}

// HarvestLocalCount returns how many times local harvesting ran.
func (m *MockTransport) HarvestLocalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.harvestLocalCalls
}

// RemoteDescriptions returns the transports passed to HarvestRemoteCandidates.
func (m *MockTransport) RemoteDescriptions() map[recording.MediaType]*recording.TransportDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.remoteDescriptions
}

// StartCount returns how many times connectivity establishment started.
func (m *MockTransport) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// FreeCount returns how many times Free ran.
func (m *MockTransport) FreeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.freeCalls
}

// MockKeyer implements a mock CryptoKeyer for testing
type MockKeyer struct {
	mu                       sync.Mutex
	SetHashFunctionFunc      func(name string) error
	AddRemoteFingerprintFunc func(mediaType recording.MediaType, hash, value string) error

	// Track calls
	hashFunction       string
	remoteFingerprints map[recording.MediaType]recording.Fingerprint
	handles            map[recording.MediaType]*recording.DtlsControl
}

func NewMockKeyer() *MockKeyer {
	handles := make(map[recording.MediaType]*recording.DtlsControl)
	for _, mt := range recording.RecordedMediaTypes() {
		handles[mt] = &recording.DtlsControl{}
	}
	return &MockKeyer{
		remoteFingerprints: make(map[recording.MediaType]recording.Fingerprint),
		handles:            handles,
	}
}

var _ recording.CryptoKeyer = (*MockKeyer)(nil)

func (m *MockKeyer) SetHashFunction(name string) error {
	m.mu.Lock()
	m.hashFunction = name
	fn := m.SetHashFunctionFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(name)
	}
	return nil
}

func (m *MockKeyer) LocalFingerprint(mediaType recording.MediaType) (recording.Fingerprint, error) {
	return recording.Fingerprint{
		Hash:  "sha-256",
		Value: "4F:2A:90:11:C8:33:7D:5E:AB:06:61:F0:29:84:DD:1B:72:9C:E5:40:18:A7:3F:66:0D:B2:58:C1:97:EE:24:83",
		Setup: "active",
	}, nil
}

func (m *MockKeyer) AddRemoteFingerprint(mediaType recording.MediaType, hash, value string) error {
	m.mu.Lock()
	m.remoteFingerprints[mediaType] = recording.Fingerprint{Hash: hash, Value: value}
	fn := m.AddRemoteFingerprintFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(mediaType, hash, value)
	}
	return nil
}

func (m *MockKeyer) CryptoHandles() map[recording.MediaType]*recording.DtlsControl {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles
}

// HashFunction returns the hash set through SetHashFunction.
func (m *MockKeyer) HashFunction() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hashFunction
}

// RemoteFingerprints returns every fingerprint added so far.
func (m *MockKeyer) RemoteFingerprints() map[recording.MediaType]recording.Fingerprint {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[recording.MediaType]recording.Fingerprint, len(m.remoteFingerprints))
	for mt, fp := range m.remoteFingerprints {
		out[mt] = fp
	}
	return out
}

// MockCapturer implements a mock Capturer for testing
type MockCapturer struct {
	mu                 sync.Mutex
	InitFunc           func(dir string, handles map[recording.MediaType]*recording.DtlsControl) error
	StartRecordingFunc func(payloads map[recording.MediaType][]recording.PayloadFormat, connectors map[recording.MediaType]*recording.StreamConnector, targets map[recording.MediaType]*recording.StreamTarget) error

	// Track calls
	initDirs   []string
	startCalls int
	stopCalls  int
	localSSRCs map[recording.MediaType]uint32
	associated map[string][]uint32
}

func NewMockCapturer() *MockCapturer {
	return &MockCapturer{
		localSSRCs: map[recording.MediaType]uint32{
			recording.MediaTypeAudio: 1111,
			recording.MediaTypeVideo: 2222,
		},
	}
}

var _ recording.Capturer = (*MockCapturer)(nil)

func (m *MockCapturer) Init(dir string, handles map[recording.MediaType]*recording.DtlsControl) error {
	m.mu.Lock()
	m.initDirs = append(m.initDirs, dir)
	fn := m.InitFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(dir, handles)
	}
	return nil
}

func (m *MockCapturer) LocalStreamSources() map[recording.MediaType]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[recording.MediaType]uint32, len(m.localSSRCs))
	for mt, ssrc := range m.localSSRCs {
		out[mt] = ssrc
	}
	return out
}

func (m *MockCapturer) SetAssociatedStreamSources(sources map[string][]uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.associated = sources
}

func (m *MockCapturer) StartRecording(payloads map[recording.MediaType][]recording.PayloadFormat, connectors map[recording.MediaType]*recording.StreamConnector, targets map[recording.MediaType]*recording.StreamTarget) error {
	m.mu.Lock()
	m.startCalls++
	fn := m.StartRecordingFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(payloads, connectors, targets)
	}
	return nil
}

func (m *MockCapturer) StopRecording() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCalls++
}

// InitDirs returns every directory Init was called with.
func (m *MockCapturer) InitDirs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.initDirs...)
}

// StartCount returns how many times StartRecording ran.
func (m *MockCapturer) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCalls
}

// StopCount returns how many times StopRecording ran.
func (m *MockCapturer) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCalls
}

// Associated returns the most recently set participant-to-SSRC table.
func (m *MockCapturer) Associated() map[string][]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.associated
}

// DisconnectCall records one Disconnect invocation
type DisconnectCall struct {
	Reason  recording.Reason
	Message string
}

// MockParticipant implements a mock SignalingParticipant for testing
type MockParticipant struct {
	mu                sync.Mutex
	ConnectFunc       func(ctx context.Context, transport recording.TransportNegotiator, keyer recording.CryptoKeyer, mucAddress, nickname string) (*recording.IQ, error)
	WriteMetadataFunc func() error
	Formats           map[recording.MediaType][]recording.PayloadFormat
	Sources           map[string][]uint32

	// Track calls
	listener       recording.TaskEventListener
	localSSRCs     map[recording.MediaType]uint32
	connectCalls   int
	disconnects    []DisconnectCall
	metadataWrites int
}

func NewMockParticipant() *MockParticipant {
	return &MockParticipant{
		Formats: map[recording.MediaType][]recording.PayloadFormat{
			recording.MediaTypeAudio: {{PayloadType: 111, Name: "opus", ClockRate: 48000, Channels: 2}},
			recording.MediaTypeVideo: {{PayloadType: 100, Name: "VP8", ClockRate: 90000}},
		},
		Sources: map[string][]uint32{
			"alice": {3001, 3002},
		},
	}
}

var _ recording.SignalingParticipant = (*MockParticipant)(nil)

func (m *MockParticipant) SetTaskEventListener(listener recording.TaskEventListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listener = listener
}

func (m *MockParticipant) SetLocalStreamSources(sources map[recording.MediaType]uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.localSSRCs = sources
}

func (m *MockParticipant) Connect(ctx context.Context, transport recording.TransportNegotiator, keyer recording.CryptoKeyer, mucAddress, nickname string) (*recording.IQ, error) {
	m.mu.Lock()
	m.connectCalls++
	fn := m.ConnectFunc
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, transport, keyer, mucAddress, nickname)
	}
	return NewSessionInitiateIQ(), nil
}

func (m *MockParticipant) Disconnect(reason recording.Reason, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnects = append(m.disconnects, DisconnectCall{Reason: reason, Message: message})
}

func (m *MockParticipant) FormatAndPayloadTypes() map[recording.MediaType][]recording.PayloadFormat {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Formats
}

func (m *MockParticipant) AssociatedStreamSources() map[string][]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Sources
}

func (m *MockParticipant) WriteMetadata() error {
	m.mu.Lock()
	m.metadataWrites++
	fn := m.WriteMetadataFunc
	m.mu.Unlock()

	if fn != nil {
		return fn()
	}
	return nil
}

// FireTaskEvent delivers an event to the registered listener, simulating
// participant churn.
func (m *MockParticipant) FireTaskEvent(event recording.TaskEvent) {
	m.mu.Lock()
	listener := m.listener
	m.mu.Unlock()
	if listener != nil {
		listener.HandleTaskEvent(event)
	}
}

// Listener returns the registered task event listener.
func (m *MockParticipant) Listener() recording.TaskEventListener {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listener
}

// LocalStreamSources returns the sources set through SetLocalStreamSources.
func (m *MockParticipant) LocalStreamSources() map[recording.MediaType]uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.localSSRCs
}

// ConnectCount returns how many times Connect ran.
func (m *MockParticipant) ConnectCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connectCalls
}

// Disconnects returns every Disconnect call so far.
func (m *MockParticipant) Disconnects() []DisconnectCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]DisconnectCall{}, m.disconnects...)
}

// MetadataWrites returns how many times WriteMetadata ran.
func (m *MockParticipant) MetadataWrites() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metadataWrites
}

// NewSessionInitiateIQ builds a realistic session-initiate covering both
// recorded media types, suitable for driving the full negotiation sequence.
func NewSessionInitiateIQ() *recording.IQ {
	return &recording.IQ{
		From: "chamber@conference.example.com/focus",
		To:   "recorder@example.com/recorder-test",
		Type: "set",
		ID:   "init-1",
		Jingle: &recording.Jingle{
			Action:    "session-initiate",
			Initiator: "focus@auth.example.com/focus",
			SID:       "a73kdjfh3",
			Contents: []recording.Content{
				{
					Name:    "audio",
					Creator: "initiator",
					Senders: "both",
					Description: &recording.Description{
						Media: "audio",
						PayloadTypes: []recording.PayloadTypeXML{
							{ID: 111, Name: "opus", ClockRate: 48000, Channels: 2},
						},
						Sources: []recording.SourceXML{{SSRC: 9001}},
					},
					Transport: &recording.Transport{
						Ufrag: "remote-ufrag-a",
						Pwd:   "remote-pwd-a",
						Fingerprint: &recording.FingerprintXML{
							Hash:  "sha-256",
							Setup: "actpass",
							Value: "7B:8C:12:04:9A:D3:7F:25:EA:0B:66:F1:2A:85:DE:1C:73:9D:E6:41:19:A8:40:67:0E:B3:59:C2:98:EF:25:84",
						},
						Candidates: []recording.CandidateXML{{
							ID:         "cand-a1",
							Foundation: "1",
							Component:  1,
							Protocol:   "udp",
							Priority:   2130706431,
							IP:         "198.51.100.7",
							Port:       10000,
							Type:       "host",
						}},
						RtcpMux: &struct{}{},
					},
				},
				{
					Name:    "video",
					Creator: "initiator",
					Senders: "both",
					Description: &recording.Description{
						Media: "video",
						PayloadTypes: []recording.PayloadTypeXML{
							{ID: 100, Name: "VP8", ClockRate: 90000},
						},
						Sources: []recording.SourceXML{{SSRC: 9002}},
					},
					Transport: &recording.Transport{
						Ufrag: "remote-ufrag-v",
						Pwd:   "remote-pwd-v",
						Fingerprint: &recording.FingerprintXML{
							Hash:  "sha-256",
							Setup: "actpass",
							Value: "7B:8C:12:04:9A:D3:7F:25:EA:0B:66:F1:2A:85:DE:1C:73:9D:E6:41:19:A8:40:67:0E:B3:59:C2:98:EF:25:84",
						},
						Candidates: []recording.CandidateXML{{
							ID:         "cand-v1",
							Foundation: "1",
							Component:  1,
							Protocol:   "udp",
							Priority:   2130706431,
							IP:         "198.51.100.7",
							Port:       10002,
							Type:       "host",
						}},
						RtcpMux: &struct{}{},
					},
				},
			},
		},
	}
}
