package recording

import (
	"context"
	"net"
)

// SignalingConnection is the opaque signaling transport handed to a Task at
// Init time. The production implementation speaks XMPP over WebSocket; tests
// substitute scripted connections.
//
// Implementations must be safe for one concurrent reader and any number of
// concurrent writers.
type SignalingConnection interface {
	// SendStanza marshals the given stanza struct to XML and writes it as a
	// single message.
	SendStanza(ctx context.Context, stanza interface{}) error

	// ReadStanza returns the next raw stanza payload. It honors the context
	// deadline and returns an error once the connection is closed.
	ReadStanza(ctx context.Context) ([]byte, error)

	// JID returns the full JID bound to this connection.
	JID() string

	// Close tears the connection down. Safe to call more than once.
	Close() error
}

// StreamConnector is a bound local transport handle for one media type's RTP
// and RTCP traffic. Both flow over the single ICE-selected conn (rtcp-mux).
// Valid from connectivity-establishment completion until task teardown.
type StreamConnector struct {
	MediaType MediaType
	Conn      net.Conn
}

// StreamTarget is the remote media-plane address for one media type,
// taken from the selected ICE candidate pair.
type StreamTarget struct {
	MediaType MediaType
	Addr      net.Addr
}

// TransportNegotiator owns ICE candidate harvesting and connectivity
// establishment for all recorded media types.
type TransportNegotiator interface {
	// HarvestLocalCandidates gathers local candidates for every media type.
	// It must complete before the signaling offer is built, since local
	// candidates are embedded in it.
	HarvestLocalCandidates(ctx context.Context) error

	// LocalCandidates returns the candidates gathered for one media type.
	LocalCandidates(mediaType MediaType) []CandidateDescription

	// LocalUserCredentials returns the local ICE ufrag and password for one
	// media type.
	LocalUserCredentials(mediaType MediaType) (ufrag, password string, err error)

	// HarvestRemoteCandidates feeds the remote credentials and candidates
	// parsed from the signaling response. Must be called exactly once per
	// media type, after local harvesting and before connectivity
	// establishment begins.
	HarvestRemoteCandidates(remote map[MediaType]*TransportDescription) error

	// StartConnectivityEstablishment begins ICE checks for every media type
	// and returns immediately; pair selection completes asynchronously.
	StartConnectivityEstablishment(ctx context.Context) error

	// StreamConnector blocks until a candidate pair is selected for the media
	// type, bounded by the context. Expiry yields ErrConnectivityTimeout.
	StreamConnector(ctx context.Context, mediaType MediaType) (*StreamConnector, error)

	// StreamTarget blocks like StreamConnector and returns the remote
	// media-plane address of the selected pair.
	StreamTarget(ctx context.Context, mediaType MediaType) (*StreamTarget, error)

	// Free releases sockets and candidate state. Idempotent. The transport
	// holds collaborator-exclusive network resources that outlive its logical
	// stop, so release is explicit rather than left to garbage collection.
	Free()
}

// CryptoKeyer owns DTLS-SRTP keying material and fingerprint exchange and
// supplies the per-media cryptographic contexts the Recorder consumes.
type CryptoKeyer interface {
	// SetHashFunction selects the fingerprint hash function, e.g. "sha-256".
	SetHashFunction(name string) error

	// LocalFingerprint returns the local certificate fingerprint advertised
	// for the media type.
	LocalFingerprint(mediaType MediaType) (Fingerprint, error)

	// AddRemoteFingerprint records the remote fingerprint for one media type.
	// Every recorded media type needs exactly one before recording starts.
	AddRemoteFingerprint(mediaType MediaType, hash, value string) error

	// CryptoHandles returns the per-media-type crypto contexts. Handles stay
	// valid until closed by the Recorder's stop path.
	CryptoHandles() map[MediaType]*DtlsControl
}

// Capturer owns the media-capture pipeline.
type Capturer interface {
	// Init prepares the pipeline to write into dir using the given crypto
	// handles. Called once per task initialization.
	Init(dir string, handles map[MediaType]*DtlsControl) error

	// LocalStreamSources returns the locally-chosen SSRC per media type,
	// embedded in the signaling offer.
	LocalStreamSources() map[MediaType]uint32

	// SetAssociatedStreamSources replaces the participant-to-SSRC table used
	// to attribute recorded streams.
	SetAssociatedStreamSources(sources map[string][]uint32)

	// StartRecording binds the negotiated payload formats, connectors, and
	// targets and begins capture. Every recorded media type must be present
	// in all three maps.
	StartRecording(payloads map[MediaType][]PayloadFormat, connectors map[MediaType]*StreamConnector, targets map[MediaType]*StreamTarget) error

	// StopRecording halts capture and closes all sinks. Idempotent.
	StopRecording()
}

// SignalingParticipant owns the XMPP/Jingle exchange with the conference.
type SignalingParticipant interface {
	// SetTaskEventListener registers the consumer of internal TaskEvents.
	// Must be called before Connect.
	SetTaskEventListener(listener TaskEventListener)

	// SetLocalStreamSources records the Recorder-chosen identifiers to embed
	// in the offer. Must be called before Connect.
	SetLocalStreamSources(sources map[MediaType]uint32)

	// Connect joins the MUC under nickname, announces the recorder with an
	// offer built from current local transport and crypto state, and blocks
	// until the remote session-initiate arrives and is accepted. The returned
	// IQ is the remote offer the caller parses for fingerprints, transports,
	// and payload formats.
	Connect(ctx context.Context, transport TransportNegotiator, keyer CryptoKeyer, mucAddress, nickname string) (*IQ, error)

	// Disconnect leaves the MUC and sends a session-terminate with the given
	// reason. Best effort: failures are logged, never returned.
	Disconnect(reason Reason, message string)

	// FormatAndPayloadTypes returns the negotiated format-to-payload-type
	// table. Valid only after Connect returns successfully.
	FormatAndPayloadTypes() map[MediaType][]PayloadFormat

	// AssociatedStreamSources returns the current participant-to-SSRC table.
	// It reflects MUC presence as of the most recent update.
	AssociatedStreamSources() map[string][]uint32

	// WriteMetadata writes the recording metadata file (participants, SSRCs,
	// timestamps) into the storage directory.
	WriteMetadata() error
}
