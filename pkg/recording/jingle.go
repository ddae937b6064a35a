package recording

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Jingle actions the session exchanges. Only the elements the negotiation
// consumes are modeled; generic XMPP stays out of scope.
const (
	jingleActionInit  = "session-initiate"
	jingleActionAccpt = "session-accept"
	jingleActionTerm  = "session-terminate"
)

// IQ is an XMPP info/query stanza, modeled far enough to carry Jingle.
type IQ struct {
	XMLName xml.Name     `xml:"iq"`
	From    string       `xml:"from,attr,omitempty"`
	To      string       `xml:"to,attr,omitempty"`
	Type    string       `xml:"type,attr"`
	ID      string       `xml:"id,attr"`
	Jingle  *Jingle      `xml:"urn:xmpp:jingle:1 jingle,omitempty"`
	Error   *StanzaError `xml:"error,omitempty"`
}

// Jingle is the session-negotiation payload of an IQ.
type Jingle struct {
	XMLName   xml.Name      `xml:"urn:xmpp:jingle:1 jingle"`
	Action    string        `xml:"action,attr"`
	Initiator string        `xml:"initiator,attr,omitempty"`
	Responder string        `xml:"responder,attr,omitempty"`
	SID       string        `xml:"sid,attr"`
	Contents  []Content     `xml:"content"`
	Reason    *JingleReason `xml:"reason,omitempty"`
}

// Content is one per-media-type block of a Jingle session.
type Content struct {
	Name        string       `xml:"name,attr"`
	Creator     string       `xml:"creator,attr,omitempty"`
	Senders     string       `xml:"senders,attr,omitempty"`
	Description *Description `xml:"urn:xmpp:jingle:apps:rtp:1 description,omitempty"`
	Transport   *Transport   `xml:"urn:xmpp:jingle:transports:ice-udp:1 transport,omitempty"`
}

// Description carries the RTP media description of a content block.
type Description struct {
	Media        string           `xml:"media,attr"`
	PayloadTypes []PayloadTypeXML `xml:"payload-type"`
	Sources      []SourceXML      `xml:"urn:xmpp:jingle:apps:rtp:ssma:0 source"`
}

// PayloadTypeXML is one advertised RTP payload type.
type PayloadTypeXML struct {
	ID        uint8  `xml:"id,attr"`
	Name      string `xml:"name,attr"`
	ClockRate uint32 `xml:"clockrate,attr"`
	Channels  uint16 `xml:"channels,attr,omitempty"`
}

// SourceXML advertises one RTP stream source.
type SourceXML struct {
	SSRC uint32 `xml:"ssrc,attr"`
}

// Transport carries the ICE credentials, DTLS fingerprint, and candidates of
// a content block.
type Transport struct {
	Ufrag       string          `xml:"ufrag,attr,omitempty"`
	Pwd         string          `xml:"pwd,attr,omitempty"`
	Fingerprint *FingerprintXML `xml:"urn:xmpp:jingle:apps:dtls:0 fingerprint,omitempty"`
	Candidates  []CandidateXML  `xml:"candidate"`
	RtcpMux     *struct{}       `xml:"rtcp-mux,omitempty"`
}

// FingerprintXML is the DTLS certificate fingerprint element.
type FingerprintXML struct {
	Hash  string `xml:"hash,attr"`
	Setup string `xml:"setup,attr,omitempty"`
	Value string `xml:",chardata"`
}

// CandidateXML is one ICE candidate element.
type CandidateXML struct {
	ID         string `xml:"id,attr,omitempty"`
	Foundation string `xml:"foundation,attr"`
	Component  int    `xml:"component,attr"`
	Protocol   string `xml:"protocol,attr"`
	Priority   uint32 `xml:"priority,attr"`
	IP         string `xml:"ip,attr"`
	Port       int    `xml:"port,attr"`
	Type       string `xml:"type,attr"`
	Generation int    `xml:"generation,attr"`
	RelAddr    string `xml:"rel-addr,attr,omitempty"`
	RelPort    int    `xml:"rel-port,attr,omitempty"`
}

// JingleReason is the session-terminate reason element.
type JingleReason struct {
	Success *struct{} `xml:"success,omitempty"`
	Cancel  *struct{} `xml:"cancel,omitempty"`
	Text    string    `xml:"text,omitempty"`
}

// Presence is an XMPP presence stanza, modeled far enough for MUC join,
// occupant tracking, and media SSRC advertisements.
type Presence struct {
	XMLName xml.Name        `xml:"presence"`
	From    string          `xml:"from,attr,omitempty"`
	To      string          `xml:"to,attr,omitempty"`
	Type    string          `xml:"type,attr,omitempty"`
	MUC     *struct{}       `xml:"http://jabber.org/protocol/muc x,omitempty"`
	MUCUser *MUCUser        `xml:"http://jabber.org/protocol/muc#user x,omitempty"`
	Media   *MediaExtension `xml:"http://estos.de/ns/mjs media,omitempty"`
	Error   *StanzaError    `xml:"error,omitempty"`
}

// MUCUser is the muc#user extension carrying occupant status codes.
type MUCUser struct {
	Statuses []MUCStatus `xml:"status"`
}

// MUCStatus is one numeric MUC status code (110 marks self-presence).
type MUCStatus struct {
	Code int `xml:"code,attr"`
}

// MediaExtension advertises an occupant's media stream sources in presence.
type MediaExtension struct {
	Sources []MediaSource `xml:"source"`
}

// MediaSource is one advertised stream source of an occupant.
type MediaSource struct {
	Type string `xml:"type,attr"`
	SSRC uint32 `xml:"ssrc,attr"`
}

// StanzaError is an XMPP error element with the defined conditions the
// session cares about.
type StanzaError struct {
	Code                 int       `xml:"code,attr,omitempty"`
	Type                 string    `xml:"type,attr,omitempty"`
	NotAuthorized        *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas not-authorized,omitempty"`
	Forbidden            *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas forbidden,omitempty"`
	RegistrationRequired *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas registration-required,omitempty"`
	Conflict             *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas conflict,omitempty"`
	ServiceUnavailable   *struct{} `xml:"urn:ietf:params:xml:ns:xmpp-stanzas service-unavailable,omitempty"`
	Text                 string    `xml:"urn:ietf:params:xml:ns:xmpp-stanzas text,omitempty"`
}

// Condition returns the defined-condition name of the error, or "" when none
// of the modeled conditions is present.
func (e *StanzaError) Condition() string {
	switch {
	case e == nil:
		return ""
	case e.NotAuthorized != nil:
		return "not-authorized"
	case e.Forbidden != nil:
		return "forbidden"
	case e.RegistrationRequired != nil:
		return "registration-required"
	case e.Conflict != nil:
		return "conflict"
	case e.ServiceUnavailable != nil:
		return "service-unavailable"
	default:
		return ""
	}
}

// authorizationConditions are the error conditions that mean the MUC refused
// us rather than the exchange breaking.
var authorizationConditions = map[string]bool{
	"not-authorized":        true,
	"forbidden":             true,
	"registration-required": true,
}

// DecodeStanza parses one raw stanza into *Presence or *IQ. Stanza kinds the
// recorder does not consume (e.g. message) decode to (nil, nil) and are
// skipped by the caller.
func DecodeStanza(raw []byte) (interface{}, error) {
	var probe struct {
		XMLName xml.Name
	}
	if err := xml.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("decode stanza: %w", err)
	}

	switch probe.XMLName.Local {
	case "presence":
		var p Presence
		if err := xml.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode presence: %w", err)
		}
		return &p, nil
	case "iq":
		var iq IQ
		if err := xml.Unmarshal(raw, &iq); err != nil {
			return nil, fmt.Errorf("decode iq: %w", err)
		}
		return &iq, nil
	default:
		return nil, nil
	}
}

// mediaTypeForContent resolves which media type a content block describes,
// preferring the description's media attribute over the content name.
func mediaTypeForContent(c Content) (MediaType, bool) {
	if c.Description != nil {
		if mt, ok := MediaTypeFromString(strings.ToLower(c.Description.Media)); ok {
			return mt, true
		}
	}
	return MediaTypeFromString(strings.ToLower(c.Name))
}

// ParseRemoteFingerprints extracts the DTLS fingerprint per media type from a
// session-initiate. Every recorded media type must carry exactly one
// fingerprint.
func ParseRemoteFingerprints(iq *IQ) (map[MediaType]Fingerprint, error) {
	if iq == nil || iq.Jingle == nil {
		return nil, fmt.Errorf("no jingle payload in response")
	}

	out := make(map[MediaType]Fingerprint)
	for _, c := range iq.Jingle.Contents {
		mt, ok := mediaTypeForContent(c)
		if !ok || c.Transport == nil || c.Transport.Fingerprint == nil {
			continue
		}
		if _, dup := out[mt]; dup {
			return nil, fmt.Errorf("duplicate fingerprint for media type %s", mt)
		}
		fp := c.Transport.Fingerprint
		out[mt] = Fingerprint{
			Hash:  strings.ToLower(strings.TrimSpace(fp.Hash)),
			Value: strings.ToUpper(strings.TrimSpace(fp.Value)),
			Setup: fp.Setup,
		}
	}

	for _, mt := range RecordedMediaTypes() {
		if _, ok := out[mt]; !ok {
			return nil, fmt.Errorf("no fingerprint for media type %s", mt)
		}
	}
	return out, nil
}

// ParseRemoteTransports extracts the ICE credentials and candidate list per
// media type from a session-initiate.
func ParseRemoteTransports(iq *IQ) (map[MediaType]*TransportDescription, error) {
	if iq == nil || iq.Jingle == nil {
		return nil, fmt.Errorf("no jingle payload in response")
	}

	out := make(map[MediaType]*TransportDescription)
	for _, c := range iq.Jingle.Contents {
		mt, ok := mediaTypeForContent(c)
		if !ok || c.Transport == nil {
			continue
		}
		td := &TransportDescription{
			Ufrag:    c.Transport.Ufrag,
			Password: c.Transport.Pwd,
		}
		for _, cand := range c.Transport.Candidates {
			td.Candidates = append(td.Candidates, CandidateDescription{
				Foundation: cand.Foundation,
				Component:  cand.Component,
				Protocol:   strings.ToLower(cand.Protocol),
				Priority:   cand.Priority,
				IP:         cand.IP,
				Port:       cand.Port,
				Type:       strings.ToLower(cand.Type),
				Generation: cand.Generation,
				RelAddr:    cand.RelAddr,
				RelPort:    cand.RelPort,
			})
		}
		out[mt] = td
	}

	for _, mt := range RecordedMediaTypes() {
		td, ok := out[mt]
		if !ok {
			return nil, fmt.Errorf("no transport for media type %s", mt)
		}
		if td.Ufrag == "" || td.Password == "" {
			return nil, fmt.Errorf("missing ICE credentials for media type %s", mt)
		}
	}
	return out, nil
}

// ParsePayloadFormats extracts the format-to-payload-type table per media
// type from a session-initiate.
func ParsePayloadFormats(iq *IQ) (map[MediaType][]PayloadFormat, error) {
	if iq == nil || iq.Jingle == nil {
		return nil, fmt.Errorf("no jingle payload in response")
	}

	out := make(map[MediaType][]PayloadFormat)
	for _, c := range iq.Jingle.Contents {
		mt, ok := mediaTypeForContent(c)
		if !ok || c.Description == nil {
			continue
		}
		for _, pt := range c.Description.PayloadTypes {
			out[mt] = append(out[mt], PayloadFormat{
				PayloadType: pt.ID,
				Name:        pt.Name,
				ClockRate:   pt.ClockRate,
				Channels:    pt.Channels,
			})
		}
	}

	for _, mt := range RecordedMediaTypes() {
		if len(out[mt]) == 0 {
			return nil, fmt.Errorf("no payload types for media type %s", mt)
		}
	}
	return out, nil
}

// LocalContentParams is the local half of one media type's session-accept
// content: transport credentials, candidates, fingerprint, stream source, and
// the payload formats echoed back from the offer.
type LocalContentParams struct {
	Ufrag       string
	Password    string
	Candidates  []CandidateDescription
	Fingerprint Fingerprint
	SSRC        uint32
	Payloads    []PayloadFormat
}

// NewSessionAccept builds the session-accept answering the given
// session-initiate, mirroring its content blocks with local transport and
// crypto state.
func NewSessionAccept(initiate *IQ, responderJID string, params map[MediaType]LocalContentParams) (*IQ, error) {
	if initiate == nil || initiate.Jingle == nil {
		return nil, fmt.Errorf("no session-initiate to answer")
	}

	jingle := &Jingle{
		Action:    jingleActionAccpt,
		Initiator: initiate.Jingle.Initiator,
		Responder: responderJID,
		SID:       initiate.Jingle.SID,
	}

	for _, remote := range initiate.Jingle.Contents {
		mt, ok := mediaTypeForContent(remote)
		if !ok {
			continue
		}
		local, ok := params[mt]
		if !ok {
			return nil, fmt.Errorf("no local parameters for media type %s", mt)
		}

		desc := &Description{Media: mt.String()}
		for _, pf := range local.Payloads {
			desc.PayloadTypes = append(desc.PayloadTypes, PayloadTypeXML{
				ID:        pf.PayloadType,
				Name:      pf.Name,
				ClockRate: pf.ClockRate,
				Channels:  pf.Channels,
			})
		}
		desc.Sources = append(desc.Sources, SourceXML{SSRC: local.SSRC})

		transport := &Transport{
			Ufrag: local.Ufrag,
			Pwd:   local.Password,
			Fingerprint: &FingerprintXML{
				Hash:  local.Fingerprint.Hash,
				Setup: "active",
				Value: local.Fingerprint.Value,
			},
			RtcpMux: &struct{}{},
		}
		for _, cand := range local.Candidates {
			transport.Candidates = append(transport.Candidates, CandidateXML{
				ID:         uuid.NewString(),
				Foundation: cand.Foundation,
				Component:  cand.Component,
				Protocol:   cand.Protocol,
				Priority:   cand.Priority,
				IP:         cand.IP,
				Port:       cand.Port,
				Type:       cand.Type,
				Generation: cand.Generation,
				RelAddr:    cand.RelAddr,
				RelPort:    cand.RelPort,
			})
		}

		jingle.Contents = append(jingle.Contents, Content{
			Name:        remote.Name,
			Creator:     remote.Creator,
			Senders:     remote.Senders,
			Description: desc,
			Transport:   transport,
		})
	}

	return &IQ{
		To:     initiate.From,
		From:   responderJID,
		Type:   "set",
		ID:     uuid.NewString(),
		Jingle: jingle,
	}, nil
}

// NewSessionTerminate builds the session-terminate ending the session with
// the given reason.
func NewSessionTerminate(peerJID, fromJID, sid string, reason Reason, text string) *IQ {
	jr := &JingleReason{Text: text}
	switch reason {
	case ReasonSuccess:
		jr.Success = &struct{}{}
	default:
		jr.Cancel = &struct{}{}
	}
	return &IQ{
		To:   peerJID,
		From: fromJID,
		Type: "set",
		ID:   uuid.NewString(),
		Jingle: &Jingle{
			Action: jingleActionTerm,
			SID:    sid,
			Reason: jr,
		},
	}
}

// NewResultIQ builds the result acknowledging the given request.
func NewResultIQ(fromJID string, request *IQ) *IQ {
	return &IQ{
		To:   request.From,
		From: fromJID,
		Type: "result",
		ID:   request.ID,
	}
}

// NewMUCJoinPresence builds the presence that joins the MUC under the given
// occupant JID (room@service/nickname).
func NewMUCJoinPresence(occupantJID string) *Presence {
	return &Presence{
		To:  occupantJID,
		MUC: &struct{}{},
	}
}

// NewUnavailablePresence builds the presence that leaves the MUC.
func NewUnavailablePresence(occupantJID string) *Presence {
	return &Presence{
		To:   occupantJID,
		Type: "unavailable",
	}
}
