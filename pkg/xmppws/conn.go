// Package xmppws implements the signaling connection of the recorder: XMPP
// over WebSocket framing (RFC 7395). Each WebSocket text message carries
// exactly one stanza; the stream header is replaced by the framing open and
// close elements.
//
// The package supports SASL PLAIN when credentials are configured and SASL
// ANONYMOUS otherwise, then binds a resource and hands the connection to the
// recording layer.
package xmppws

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/oxtoacart/bpool"
	"golang.org/x/time/rate"

	"muc-recorder-sdk-go/pkg/recording"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
	defaultRateLimit        = 20.0
	defaultBurst            = 40
)

// Options configures a Dial.
type Options struct {
	// URL is the WebSocket endpoint, e.g. "wss://xmpp.example.com/xmpp-websocket".
	URL string

	// Domain is the XMPP service domain the stream opens to.
	Domain string

	// Username selects SASL PLAIN when non-empty, SASL ANONYMOUS otherwise.
	Username string

	// Password for SASL PLAIN.
	Password string

	// Resource is the resource bound after authentication. Empty generates
	// "recorder-<id>".
	Resource string

	// RateLimit caps outbound stanzas per second. Zero applies the default.
	RateLimit float64

	// Burst is the outbound limiter burst size. Zero applies the default.
	Burst int

	// Logger receives structured connection logs.
	Logger recording.Logger
}

// Conn is an established, authenticated, resource-bound XMPP connection.
// One goroutine may read while any number write.
type Conn struct {
	ws      *websocket.Conn
	jid     string
	limiter *rate.Limiter
	logger  recording.Logger
	buffers *bpool.BufferPool

	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

var _ recording.SignalingConnection = (*Conn)(nil)

type openElement struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing open"`
	To      string   `xml:"to,attr,omitempty"`
	From    string   `xml:"from,attr,omitempty"`
	Version string   `xml:"version,attr,omitempty"`
}

type closeElement struct {
	XMLName xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-framing close"`
}

type streamFeatures struct {
	XMLName    xml.Name `xml:"features"`
	Mechanisms struct {
		Mechanism []string `xml:"mechanism"`
	} `xml:"urn:ietf:params:xml:ns:xmpp-sasl mechanisms"`
}

type saslAuth struct {
	XMLName   xml.Name `xml:"urn:ietf:params:xml:ns:xmpp-sasl auth"`
	Mechanism string   `xml:"mechanism,attr"`
	Payload   string   `xml:",chardata"`
}

type saslFailure struct {
	XMLName xml.Name `xml:"failure"`
	Text    string   `xml:"text"`
}

type bindIQ struct {
	XMLName xml.Name     `xml:"iq"`
	Type    string       `xml:"type,attr"`
	ID      string       `xml:"id,attr"`
	Bind    *bindPayload `xml:"urn:ietf:params:xml:ns:xmpp-bind bind,omitempty"`
}

type bindPayload struct {
	Resource string `xml:"resource,omitempty"`
	JID      string `xml:"jid,omitempty"`
}

// Dial connects, authenticates, and binds a resource. The returned
// connection is ready for stanza exchange.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("%w: empty XMPP WebSocket URL", recording.ErrInitialization)
	}
	if opts.Domain == "" {
		return nil, fmt.Errorf("%w: empty XMPP domain", recording.ErrInitialization)
	}
	if opts.Logger == nil {
		opts.Logger = recording.NewZapLogger(nil)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = defaultRateLimit
	}
	if opts.Burst <= 0 {
		opts.Burst = defaultBurst
	}
	if opts.Resource == "" {
		opts.Resource = "recorder-" + uuid.NewString()[:8]
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: defaultHandshakeTimeout,
		Subprotocols:     []string{"xmpp"},
	}
	ws, _, err := dialer.DialContext(ctx, opts.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", recording.ErrSignaling, opts.URL, err)
	}

	c := &Conn{
		ws:      ws,
		limiter: rate.NewLimiter(rate.Limit(opts.RateLimit), opts.Burst),
		logger:  opts.Logger,
		buffers: bpool.NewBufferPool(16),
	}

	if err := c.handshake(ctx, opts); err != nil {
		_ = ws.Close()
		return nil, err
	}

	opts.Logger.Info("XMPP connection established", "jid", c.jid)
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, opts Options) error {
	features, err := c.openStream(ctx, opts.Domain)
	if err != nil {
		return err
	}

	mechanism, payload, err := selectMechanism(features, opts)
	if err != nil {
		return err
	}
	if err := c.writeRaw(ctx, saslAuth{Mechanism: mechanism, Payload: payload}); err != nil {
		return fmt.Errorf("%w: send auth: %v", recording.ErrSignaling, err)
	}

	raw, name, err := c.readElement(ctx)
	if err != nil {
		return fmt.Errorf("%w: await auth result: %v", recording.ErrSignaling, err)
	}
	switch name {
	case "success":
	case "failure":
		var failure saslFailure
		_ = xml.Unmarshal(raw, &failure)
		return fmt.Errorf("%w: SASL %s failed: %s", recording.ErrAuthorization, mechanism, failure.Text)
	default:
		return fmt.Errorf("%w: unexpected %s during authentication", recording.ErrSignaling, name)
	}

	// The stream restarts after authentication.
	if _, err := c.openStream(ctx, opts.Domain); err != nil {
		return err
	}

	return c.bindResource(ctx, opts.Resource)
}

// openStream sends the framing open and consumes the server's open and
// features elements.
func (c *Conn) openStream(ctx context.Context, domain string) (*streamFeatures, error) {
	if err := c.writeRaw(ctx, openElement{To: domain, Version: "1.0"}); err != nil {
		return nil, fmt.Errorf("%w: send stream open: %v", recording.ErrSignaling, err)
	}

	var features *streamFeatures
	for features == nil {
		raw, name, err := c.readElement(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: await stream features: %v", recording.ErrSignaling, err)
		}
		switch name {
		case "open":
		case "features":
			var f streamFeatures
			if err := xml.Unmarshal(raw, &f); err != nil {
				return nil, fmt.Errorf("%w: parse stream features: %v", recording.ErrSignaling, err)
			}
			features = &f
		case "close":
			return nil, fmt.Errorf("%w: server closed the stream", recording.ErrSignaling)
		default:
			return nil, fmt.Errorf("%w: unexpected %s during stream setup", recording.ErrSignaling, name)
		}
	}
	return features, nil
}

func selectMechanism(features *streamFeatures, opts Options) (string, string, error) {
	offered := make(map[string]bool, len(features.Mechanisms.Mechanism))
	for _, m := range features.Mechanisms.Mechanism {
		offered[m] = true
	}

	if opts.Username != "" {
		if !offered["PLAIN"] {
			return "", "", fmt.Errorf("%w: server does not offer SASL PLAIN", recording.ErrAuthorization)
		}
		payload := base64.StdEncoding.EncodeToString([]byte("\x00" + opts.Username + "\x00" + opts.Password))
		return "PLAIN", payload, nil
	}

	if !offered["ANONYMOUS"] {
		return "", "", fmt.Errorf("%w: server does not offer SASL ANONYMOUS", recording.ErrAuthorization)
	}
	return "ANONYMOUS", "=", nil
}

func (c *Conn) bindResource(ctx context.Context, resource string) error {
	request := bindIQ{
		Type: "set",
		ID:   "bind-" + uuid.NewString()[:8],
		Bind: &bindPayload{Resource: resource},
	}
	if err := c.writeRaw(ctx, request); err != nil {
		return fmt.Errorf("%w: send resource bind: %v", recording.ErrSignaling, err)
	}

	for {
		raw, name, err := c.readElement(ctx)
		if err != nil {
			return fmt.Errorf("%w: await bind result: %v", recording.ErrSignaling, err)
		}
		if name != "iq" {
			continue
		}
		var response bindIQ
		if err := xml.Unmarshal(raw, &response); err != nil {
			return fmt.Errorf("%w: parse bind result: %v", recording.ErrSignaling, err)
		}
		if response.ID != request.ID {
			continue
		}
		if response.Type != "result" || response.Bind == nil || response.Bind.JID == "" {
			return fmt.Errorf("%w: resource bind failed", recording.ErrSignaling)
		}
		c.jid = response.Bind.JID
		return nil
	}
}

// SendStanza marshals stanza and writes it as one text message, paced by the
// outbound rate limiter.
func (c *Conn) SendStanza(ctx context.Context, stanza interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	return c.writeRaw(ctx, stanza)
}

func (c *Conn) writeRaw(ctx context.Context, element interface{}) error {
	buf := c.buffers.Get()
	defer c.buffers.Put(buf)
	if err := xml.NewEncoder(buf).Encode(element); err != nil {
		return fmt.Errorf("marshal stanza: %w", err)
	}

	deadline := time.Now().Add(defaultWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// ReadStanza returns the next stanza payload. It honors context cancellation
// and deadlines, and fails once the server closes the stream.
func (c *Conn) ReadStanza(ctx context.Context) ([]byte, error) {
	raw, name, err := c.readElement(ctx)
	if err != nil {
		return nil, err
	}
	if name == "close" {
		return nil, fmt.Errorf("%w: server closed the stream", recording.ErrSignaling)
	}
	return raw, nil
}

// readElement reads one framing element or stanza and reports its local
// element name.
func (c *Conn) readElement(ctx context.Context) ([]byte, string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.ws.SetReadDeadline(deadline)
	} else {
		_ = c.ws.SetReadDeadline(time.Time{})
	}

	// Unblock the read when the context is canceled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.ws.SetReadDeadline(time.Now())
		case <-done:
		}
	}()

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, "", ctx.Err()
			}
			return nil, "", err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var probe struct {
			XMLName xml.Name
		}
		if err := xml.Unmarshal(data, &probe); err != nil {
			c.logger.Warn("dropping unparseable message", "error", err)
			continue
		}
		return data, probe.XMLName.Local, nil
	}
}

// JID returns the full JID bound during the handshake.
func (c *Conn) JID() string { return c.jid }

// Close ends the stream and the WebSocket. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.writeRaw(shutdownCtx, closeElement{}); err != nil {
			c.logger.Debug("sending stream close failed", "error", err)
		}
		c.writeMu.Lock()
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
