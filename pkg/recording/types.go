// Package recording provides a framework for recording multi-party
// audio/video conferences held over an XMPP multi-user chat (MUC). A
// recording task joins the conference as a silent participant, negotiates a
// Jingle/ICE/DTLS-SRTP media session with the conference focus, and writes
// the received media streams to durable storage.
//
// The package is built around a small set of collaborators:
//   - Task: the mediator that owns the end-to-end lifecycle and sequences
//     negotiation across the other collaborators
//   - Session: the XMPP/Jingle signaling exchange with the conference
//   - Transport Manager: ICE candidate harvesting and connectivity checks
//   - SRTP Control Manager: DTLS-SRTP keying and fingerprint exchange
//   - Recorder: the media-capture pipeline writing streams to disk
//
// Key features:
//   - Reusable task lifecycle (init/start/stop/uninit cycles)
//   - Concurrent transport and signaling negotiation with bounded waits
//   - Participant churn tracking with stream-to-participant attribution
//   - Pluggable signaling transport and structured logging
package recording

import (
	"time"

	"go.uber.org/zap"
)

// MediaType identifies one recorded media kind. It is the join key that
// correlates transport connectors, stream targets, cryptographic
// fingerprints, and payload-type mappings across collaborators.
type MediaType int

const (
	// MediaTypeAudio is the audio stream of the conference.
	MediaTypeAudio MediaType = iota

	// MediaTypeVideo is the video stream of the conference.
	MediaTypeVideo
)

// String returns the string representation of the MediaType.
// Returns "audio", "video", or "unknown".
func (m MediaType) String() string {
	switch m {
	case MediaTypeAudio:
		return "audio"
	case MediaTypeVideo:
		return "video"
	default:
		return "unknown"
	}
}

// MediaTypeFromString parses a media name ("audio" or "video") into a
// MediaType. The second return value reports whether the name was known.
func MediaTypeFromString(name string) (MediaType, bool) {
	switch name {
	case "audio":
		return MediaTypeAudio, true
	case "video":
		return MediaTypeVideo, true
	default:
		return MediaType(-1), false
	}
}

// RecordedMediaTypes returns the media types a task records. Both types must
// complete negotiation before recording starts.
func RecordedMediaTypes() []MediaType {
	return []MediaType{MediaTypeAudio, MediaTypeVideo}
}

// TaskStatus represents the current lifecycle state of a recording task.
type TaskStatus int

const (
	// TaskStatusUninitialized is the state before Init and after Uninit.
	// It is the zero value so a fresh TaskInfo reports it by default.
	TaskStatusUninitialized TaskStatus = iota

	// TaskStatusInitialized indicates collaborators are constructed and the
	// task is ready to start.
	TaskStatusInitialized

	// TaskStatusRunning indicates the negotiation-and-recording sequence has
	// been scheduled or is recording.
	TaskStatusRunning

	// TaskStatusStopped indicates the task was stopped cleanly.
	TaskStatusStopped

	// TaskStatusAborted indicates the task failed; it is terminal for the
	// attempt and lets polling callers detect failure without subscribing
	// to events.
	TaskStatusAborted
)

// String returns the string representation of TaskStatus.
func (s TaskStatus) String() string {
	switch s {
	case TaskStatusUninitialized:
		return "uninitialized"
	case TaskStatusInitialized:
		return "initialized"
	case TaskStatusRunning:
		return "running"
	case TaskStatusStopped:
		return "stopped"
	case TaskStatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// TaskInfo is the identity and status record of one recording task. It is
// owned exclusively by the Task and handed out as a copy, never as a live
// handle.
type TaskInfo struct {
	// MucAddress is the bare JID of the multi-user chat being recorded.
	MucAddress string

	// Nickname is the occupant nickname the recorder joined under.
	Nickname string

	// Status is the task lifecycle state at snapshot time.
	Status TaskStatus
}

// EventType tags a public lifecycle Event.
type EventType string

const (
	// EventTypeAborted signals that the task failed and will not record.
	// It is emitted exactly once per failed attempt.
	EventTypeAborted EventType = "ABORTED"

	// EventTypeEnded signals that the task finished cleanly.
	EventTypeEnded EventType = "ENDED"
)

// Event is a public lifecycle notification fanned out to registered
// listeners. Events are immutable once constructed.
type Event struct {
	// Type tags the notification.
	Type EventType

	// Task is the source of the event.
	Task *Task

	// Err carries the failure cause for ABORTED events, nil otherwise.
	Err error

	// Timestamp records when the event was constructed.
	Timestamp time.Time
}

// EventListener observes public lifecycle Events. Listeners may be added and
// removed at any time, including from within their own callback.
//
// Listener values are compared with == on removal, so implementations should
// be pointer types.
type EventListener interface {
	// HandleEvent is called for every fanned-out event. It may be invoked
	// from the task's worker goroutine or from a collaborator's notification
	// goroutine and should return quickly.
	HandleEvent(event Event)
}

// TaskEventType tags an internal TaskEvent.
type TaskEventType string

const (
	// TaskEventParticipantCame indicates a participant joined the MUC.
	TaskEventParticipantCame TaskEventType = "PARTICIPANT_CAME"

	// TaskEventParticipantLeft indicates a participant left the MUC.
	TaskEventParticipantLeft TaskEventType = "PARTICIPANT_LEFT"
)

// TaskEvent is an internal notification produced by the Session and consumed
// only by the Task. It is never exposed to external listeners directly; the
// Task interprets it and may re-emit a public Event.
type TaskEvent struct {
	// Type tags the notification.
	Type TaskEventType

	// Occupant is the MUC occupant JID the event refers to.
	Occupant string

	// Timestamp records when the event was constructed.
	Timestamp time.Time
}

// TaskEventListener consumes internal TaskEvents. The Task is the only
// implementation in this package.
type TaskEventListener interface {
	// HandleTaskEvent is called for every internal event. Delivery is
	// asynchronous and may race with task teardown; implementations must
	// tolerate late delivery.
	HandleTaskEvent(event TaskEvent)
}

// Reason describes why a session is being terminated. Values map onto the
// Jingle session-terminate reason elements.
type Reason string

const (
	// ReasonSuccess indicates the session completed normally.
	ReasonSuccess Reason = "success"

	// ReasonCancel indicates the session was abandoned before completion.
	ReasonCancel Reason = "cancel"
)

// PayloadFormat is one negotiated media format and its dynamic RTP payload
// type, extracted from the remote session-initiate.
type PayloadFormat struct {
	// PayloadType is the dynamic RTP payload type number.
	PayloadType uint8

	// Name is the encoding name, e.g. "opus" or "VP8".
	Name string

	// ClockRate is the RTP clock rate in Hz.
	ClockRate uint32

	// Channels is the channel count for audio formats, 0 when unspecified.
	Channels uint16
}

// Fingerprint is a remote DTLS certificate fingerprint for one media type.
type Fingerprint struct {
	// Hash is the fingerprint hash function name, e.g. "sha-256".
	Hash string

	// Value is the uppercase colon-separated hex digest.
	Value string

	// Setup is the DTLS setup role advertised by the remote side.
	Setup string
}

// CandidateDescription is one remote ICE candidate as carried in signaling.
type CandidateDescription struct {
	Foundation string
	Component  int
	Protocol   string
	Priority   uint32
	IP         string
	Port       int
	Type       string
	Generation int

	// RelAddr and RelPort describe the related address for reflexive and
	// relayed candidates; empty/zero for host candidates.
	RelAddr string
	RelPort int
}

// TransportDescription is the per-media-type transport negotiation payload
// parsed from the remote offer: ICE credentials plus candidate list.
type TransportDescription struct {
	Ufrag      string
	Password   string
	Candidates []CandidateDescription
}

// Logger interface for pluggable logging.
// Implement this interface to integrate with your application's logging
// system. The fields parameter accepts key-value pairs for structured
// logging.
type Logger interface {
	// Debug logs a debug-level message with optional fields.
	Debug(msg string, fields ...interface{})

	// Info logs an info-level message with optional fields.
	Info(msg string, fields ...interface{})

	// Warn logs a warning-level message with optional fields.
	Warn(msg string, fields ...interface{})

	// Error logs an error-level message with optional fields.
	Error(msg string, fields ...interface{})
}

// NewZapLogger wraps a zap logger in the Logger interface. Passing nil
// builds a production zap logger.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		l, _ = zap.NewProduction()
	}
	return &zapLogger{l.Sugar()}
}

// zapLogger wraps zap.SugaredLogger to implement our Logger interface
type zapLogger struct {
	*zap.SugaredLogger
}

func (z *zapLogger) Debug(msg string, fields ...interface{}) {
	z.SugaredLogger.Debugw(msg, fields...)
}

func (z *zapLogger) Info(msg string, fields ...interface{}) {
	z.SugaredLogger.Infow(msg, fields...)
}

func (z *zapLogger) Warn(msg string, fields ...interface{}) {
	z.SugaredLogger.Warnw(msg, fields...)
}

func (z *zapLogger) Error(msg string, fields ...interface{}) {
	z.SugaredLogger.Errorw(msg, fields...)
}

// Error represents a typed error with a code and message.
// Error codes are stable and can be used for programmatic error handling.
type Error struct {
	// Code is a stable identifier for the error type.
	Code string

	// Message provides human-readable error details.
	Message string
}

// Error implements the error interface.
// Returns a string in the format "CODE: message".
func (e *Error) Error() string {
	return e.Code + ": " + e.Message
}

// Common errors returned by the recording framework.
// Use errors.Is() to check for specific error types.
var (
	// ErrInitialization indicates collaborator setup failed; the task must
	// not start.
	ErrInitialization = &Error{Code: "INITIALIZATION_FAILED", Message: "collaborator initialization failed"}

	// ErrSignaling indicates a connection-level signaling failure during the
	// connect step.
	ErrSignaling = &Error{Code: "SIGNALING_FAILED", Message: "signaling exchange failed"}

	// ErrAuthorization indicates the conference rejected an operation, for
	// example a MUC join.
	ErrAuthorization = &Error{Code: "AUTHORIZATION_FAILED", Message: "operation not permitted by the conference"}

	// ErrIO indicates a transport-level I/O failure while signaling.
	ErrIO = &Error{Code: "IO_FAILURE", Message: "signaling transport failure"}

	// ErrConnectivityTimeout indicates no ICE candidate pair was selected
	// within the configured bound.
	ErrConnectivityTimeout = &Error{Code: "CONNECTIVITY_TIMEOUT", Message: "ICE connectivity establishment timed out"}

	// ErrRecording indicates the recorder failed to start or continue
	// capture.
	ErrRecording = &Error{Code: "RECORDING_FAILED", Message: "recorder failed to start or continue capture"}

	// ErrInvalidState indicates a lifecycle operation was called in a state
	// that does not permit it.
	ErrInvalidState = &Error{Code: "INVALID_STATE", Message: "operation not valid in current lifecycle state"}
)
