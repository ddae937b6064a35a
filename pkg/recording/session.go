package recording

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const disconnectTimeout = 5 * time.Second

// mucStatusSelfPresence is the MUC status code marking the occupant's own
// presence echo.
const mucStatusSelfPresence = 110

// Metadata is the sidecar document written next to the media files. It
// attributes the recorded stream sources to conference participants.
type Metadata struct {
	MucAddress   string                `json:"mucAddress"`
	OccupantJID  string                `json:"occupantJid"`
	StartedAt    time.Time             `json:"startedAt"`
	EndedAt      time.Time             `json:"endedAt"`
	Participants []MetadataParticipant `json:"participants"`
}

// MetadataParticipant is one conference participant and the stream sources
// it advertised while the recorder was present.
type MetadataParticipant struct {
	Occupant      string   `json:"occupant"`
	StreamSources []uint32 `json:"streamSources,omitempty"`
}

// MucSession drives the XMPP side of one recording: it joins the MUC as a
// silent occupant, answers the focus's session-initiate, and tracks
// participant presence for the lifetime of the task.
//
// A single read pump goroutine, started by Connect, consumes every inbound
// stanza. Presence updates are handled on the pump; the session-initiate is
// handed to the goroutine blocked in Connect.
type MucSession struct {
	conn             SignalingConnection
	logger           Logger
	dir              string
	signalingTimeout time.Duration

	mu           sync.Mutex
	listener     TaskEventListener
	localSSRCs   map[MediaType]uint32
	mucAddress   string
	occupantJID  string
	peerJID      string
	sid          string
	formats      map[MediaType][]PayloadFormat
	associated   map[string][]uint32
	present      map[string]bool
	seen         map[string]bool
	joinedAt     time.Time
	disconnected bool
	pumpCancel   context.CancelFunc

	joinCh     chan error
	initiateCh chan *IQ
	pumpDone   chan struct{}
}

// NewMucSession builds a session over conn that will write its metadata into
// dir. signalingTimeout bounds each signaling wait; zero applies the
// default.
func NewMucSession(conn SignalingConnection, dir string, signalingTimeout time.Duration, logger Logger) *MucSession {
	if signalingTimeout <= 0 {
		signalingTimeout = defaultSignalingTimeout
	}
	return &MucSession{
		conn:             conn,
		logger:           logger,
		dir:              dir,
		signalingTimeout: signalingTimeout,
		formats:          make(map[MediaType][]PayloadFormat),
		associated:       make(map[string][]uint32),
		present:          make(map[string]bool),
		seen:             make(map[string]bool),
		joinCh:           make(chan error, 1),
		initiateCh:       make(chan *IQ, 1),
		pumpDone:         make(chan struct{}),
	}
}

// SetTaskEventListener registers the consumer of participant events. Must be
// called before Connect.
func (s *MucSession) SetTaskEventListener(listener TaskEventListener) {
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
}

// SetLocalStreamSources records the SSRCs advertised in the session-accept.
// Must be called before Connect.
func (s *MucSession) SetLocalStreamSources(sources map[MediaType]uint32) {
	copied := make(map[MediaType]uint32, len(sources))
	for mt, ssrc := range sources {
		copied[mt] = ssrc
	}
	s.mu.Lock()
	s.localSSRCs = copied
	s.mu.Unlock()
}

// Connect joins the MUC under nickname, waits for the focus's
// session-initiate, acknowledges and answers it, and returns the initiate
// for transport and crypto parsing.
func (s *MucSession) Connect(ctx context.Context, transport TransportNegotiator, keyer CryptoKeyer, mucAddress, nickname string) (*IQ, error) {
	occupantJID := mucAddress + "/" + nickname
	s.mu.Lock()
	s.mucAddress = mucAddress
	s.occupantJID = occupantJID
	s.mu.Unlock()

	pumpCtx, pumpCancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.pumpCancel = pumpCancel
	s.mu.Unlock()
	go s.readPump(pumpCtx)

	if err := s.conn.SendStanza(ctx, NewMUCJoinPresence(occupantJID)); err != nil {
		return nil, fmt.Errorf("%w: send MUC join presence: %v", ErrSignaling, err)
	}

	if err := s.awaitJoin(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.joinedAt = time.Now()
	s.mu.Unlock()
	s.logger.Info("joined conference", "occupantJid", occupantJID)

	initiate, err := s.awaitInitiate(ctx)
	if err != nil {
		return nil, err
	}

	formats, err := ParsePayloadFormats(initiate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	s.mu.Lock()
	s.formats = formats
	s.sid = initiate.Jingle.SID
	s.peerJID = initiate.From
	localSSRCs := s.localSSRCs
	s.mu.Unlock()

	if err := s.conn.SendStanza(ctx, NewResultIQ(s.conn.JID(), initiate)); err != nil {
		return nil, fmt.Errorf("%w: acknowledge session-initiate: %v", ErrSignaling, err)
	}

	params := make(map[MediaType]LocalContentParams, len(formats))
	for _, mt := range RecordedMediaTypes() {
		ufrag, password, err := transport.LocalUserCredentials(mt)
		if err != nil {
			return nil, fmt.Errorf("%w: local ICE credentials for %s: %v", ErrSignaling, mt, err)
		}
		fp, err := keyer.LocalFingerprint(mt)
		if err != nil {
			return nil, fmt.Errorf("%w: local fingerprint for %s: %v", ErrSignaling, mt, err)
		}
		params[mt] = LocalContentParams{
			Ufrag:       ufrag,
			Password:    password,
			Candidates:  transport.LocalCandidates(mt),
			Fingerprint: fp,
			SSRC:        localSSRCs[mt],
			Payloads:    formats[mt],
		}
	}

	accept, err := NewSessionAccept(initiate, s.conn.JID(), params)
	if err != nil {
		return nil, fmt.Errorf("%w: build session-accept: %v", ErrSignaling, err)
	}
	if err := s.conn.SendStanza(ctx, accept); err != nil {
		return nil, fmt.Errorf("%w: send session-accept: %v", ErrSignaling, err)
	}

	s.logger.Info("session accepted",
		"sid", initiate.Jingle.SID,
		"peer", initiate.From,
	)
	return initiate, nil
}

func (s *MucSession) awaitJoin(ctx context.Context) error {
	timer := time.NewTimer(s.signalingTimeout)
	defer timer.Stop()

	select {
	case err := <-s.joinCh:
		return err
	case <-s.pumpDone:
		return fmt.Errorf("%w: signaling connection closed before MUC join", ErrSignaling)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("%w: timed out joining MUC", ErrSignaling)
	}
}

func (s *MucSession) awaitInitiate(ctx context.Context) (*IQ, error) {
	timer := time.NewTimer(s.signalingTimeout)
	defer timer.Stop()

	select {
	case iq := <-s.initiateCh:
		return iq, nil
	case <-s.pumpDone:
		return nil, fmt.Errorf("%w: signaling connection closed before session-initiate", ErrSignaling)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%w: timed out waiting for session-initiate", ErrSignaling)
	}
}

func (s *MucSession) readPump(ctx context.Context) {
	defer close(s.pumpDone)
	for {
		raw, err := s.conn.ReadStanza(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Debug("signaling read ended", "error", err)
			}
			return
		}

		stanza, err := DecodeStanza(raw)
		if err != nil {
			s.logger.Warn("dropping undecodable stanza", "error", err)
			continue
		}
		switch v := stanza.(type) {
		case *Presence:
			s.handlePresence(v)
		case *IQ:
			s.handleIQ(ctx, v)
		}
	}
}

func (s *MucSession) handlePresence(p *Presence) {
	s.mu.Lock()
	mucAddress := s.mucAddress
	occupantJID := s.occupantJID
	s.mu.Unlock()

	if !strings.HasPrefix(p.From, mucAddress+"/") {
		return
	}
	nick := p.From[len(mucAddress)+1:]

	self := p.From == occupantJID
	if p.MUCUser != nil {
		for _, status := range p.MUCUser.Statuses {
			if status.Code == mucStatusSelfPresence {
				self = true
			}
		}
	}

	if self {
		switch {
		case p.Type == "error":
			s.deliverJoinResult(s.classifyJoinError(p.Error))
		case p.Type == "":
			s.deliverJoinResult(nil)
		}
		return
	}

	var event *TaskEvent
	s.mu.Lock()
	if p.Type == "unavailable" {
		if s.present[nick] {
			delete(s.present, nick)
			e := newTaskEvent(TaskEventParticipantLeft, nick)
			event = &e
		}
	} else {
		if p.Media != nil {
			ssrcs := make([]uint32, 0, len(p.Media.Sources))
			for _, source := range p.Media.Sources {
				if source.SSRC != 0 {
					ssrcs = append(ssrcs, source.SSRC)
				}
			}
			s.associated[nick] = ssrcs
		}
		if !s.present[nick] {
			s.present[nick] = true
			s.seen[nick] = true
			e := newTaskEvent(TaskEventParticipantCame, nick)
			event = &e
		}
	}
	listener := s.listener
	s.mu.Unlock()

	if event != nil && listener != nil {
		listener.HandleTaskEvent(*event)
	}
}

func (s *MucSession) classifyJoinError(stanzaErr *StanzaError) error {
	cond := stanzaErr.Condition()
	if authorizationConditions[cond] {
		return fmt.Errorf("%w: MUC join refused: %s", ErrAuthorization, cond)
	}
	if cond == "" {
		return fmt.Errorf("%w: MUC join failed", ErrSignaling)
	}
	return fmt.Errorf("%w: MUC join failed: %s", ErrSignaling, cond)
}

func (s *MucSession) deliverJoinResult(err error) {
	select {
	case s.joinCh <- err:
	default:
	}
}

func (s *MucSession) handleIQ(ctx context.Context, iq *IQ) {
	if iq.Jingle == nil {
		return
	}

	switch iq.Jingle.Action {
	case jingleActionInit:
		select {
		case s.initiateCh <- iq:
		default:
			s.logger.Debug("ignoring duplicate session-initiate", "sid", iq.Jingle.SID)
		}
	case jingleActionTerm:
		s.logger.Info("peer terminated session", "sid", iq.Jingle.SID)
		s.acknowledge(ctx, iq)
	default:
		s.logger.Debug("ignoring jingle action", "action", iq.Jingle.Action)
		s.acknowledge(ctx, iq)
	}
}

func (s *MucSession) acknowledge(ctx context.Context, iq *IQ) {
	if err := s.conn.SendStanza(ctx, NewResultIQ(s.conn.JID(), iq)); err != nil {
		s.logger.Debug("acknowledging iq failed", "id", iq.ID, "error", err)
	}
}

// Disconnect terminates the Jingle session and leaves the MUC. Failures are
// logged, never returned. Idempotent.
func (s *MucSession) Disconnect(reason Reason, message string) {
	s.mu.Lock()
	if s.disconnected {
		s.mu.Unlock()
		return
	}
	s.disconnected = true
	sid := s.sid
	peerJID := s.peerJID
	occupantJID := s.occupantJID
	pumpCancel := s.pumpCancel
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
	defer cancel()

	if sid != "" && peerJID != "" {
		terminate := NewSessionTerminate(peerJID, s.conn.JID(), sid, reason, message)
		if err := s.conn.SendStanza(ctx, terminate); err != nil {
			s.logger.Warn("sending session-terminate failed", "error", err)
		}
	}
	if occupantJID != "" {
		if err := s.conn.SendStanza(ctx, NewUnavailablePresence(occupantJID)); err != nil {
			s.logger.Warn("sending unavailable presence failed", "error", err)
		}
	}
	if pumpCancel != nil {
		pumpCancel()
	}
	s.logger.Info("left conference", "occupantJid", occupantJID, "reason", string(reason))
}

// FormatAndPayloadTypes returns the format table taken from the
// session-initiate. Valid after Connect returns successfully.
func (s *MucSession) FormatAndPayloadTypes() map[MediaType][]PayloadFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[MediaType][]PayloadFormat, len(s.formats))
	for mt, formats := range s.formats {
		out[mt] = append([]PayloadFormat(nil), formats...)
	}
	return out
}

// AssociatedStreamSources returns the participant-to-SSRC table as of the
// most recent presence update.
func (s *MucSession) AssociatedStreamSources() map[string][]uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]uint32, len(s.associated))
	for occupant, ssrcs := range s.associated {
		out[occupant] = append([]uint32(nil), ssrcs...)
	}
	return out
}

// WriteMetadata writes metadata.json into the storage directory, listing
// every participant seen during the recording with its stream sources.
func (s *MucSession) WriteMetadata() error {
	s.mu.Lock()
	if s.dir == "" {
		s.mu.Unlock()
		return fmt.Errorf("%w: no storage directory", ErrInvalidState)
	}
	meta := Metadata{
		MucAddress:  s.mucAddress,
		OccupantJID: s.occupantJID,
		StartedAt:   s.joinedAt,
		EndedAt:     time.Now(),
	}
	occupants := make([]string, 0, len(s.seen))
	for nick := range s.seen {
		occupants = append(occupants, nick)
	}
	sort.Strings(occupants)
	for _, nick := range occupants {
		meta.Participants = append(meta.Participants, MetadataParticipant{
			Occupant:      nick,
			StreamSources: append([]uint32(nil), s.associated[nick]...),
		})
	}
	dir := s.dir
	s.mu.Unlock()

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	path := filepath.Join(dir, "metadata.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("%w: write metadata: %v", ErrIO, err)
	}
	s.logger.Info("metadata written", "path", path)
	return nil
}
