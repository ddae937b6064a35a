package recording

import (
	"context"
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/pion/dtls/v3"
	"github.com/pion/dtls/v3/pkg/crypto/selfsign"
	dtlsnet "github.com/pion/dtls/v3/pkg/net"
	"github.com/pion/srtp/v3"
	"github.com/pion/webrtc/v4/pkg/crypto/fingerprint"
)

// DtlsControlManager owns the local DTLS identity and one DtlsControl per
// recorded media type. It produces the fingerprint advertised in the
// session-accept and verifies the focus's fingerprint during the handshake.
type DtlsControlManager struct {
	logger Logger

	mu       sync.Mutex
	cert     tls.Certificate
	leaf     *x509.Certificate
	hashFunc crypto.Hash
	hashName string
	controls map[MediaType]*DtlsControl
}

// NewDtlsControlManager generates a self-signed certificate and prepares a
// control per recorded media type. The hash function defaults to sha-256
// until SetHashFunction overrides it.
func NewDtlsControlManager(logger Logger) (*DtlsControlManager, error) {
	cert, err := selfsign.GenerateSelfSigned()
	if err != nil {
		return nil, fmt.Errorf("%w: generate DTLS certificate: %v", ErrInitialization, err)
	}
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return nil, fmt.Errorf("%w: parse DTLS certificate: %v", ErrInitialization, err)
	}

	m := &DtlsControlManager{
		logger:   logger,
		cert:     cert,
		leaf:     leaf,
		hashFunc: crypto.SHA256,
		hashName: "sha-256",
		controls: make(map[MediaType]*DtlsControl),
	}
	for _, mt := range RecordedMediaTypes() {
		m.controls[mt] = &DtlsControl{
			mediaType: mt,
			manager:   m,
			logger:    logger,
		}
	}
	return m, nil
}

// SetHashFunction selects the fingerprint hash, given in signaling form such
// as "sha-256".
func (m *DtlsControlManager) SetHashFunction(name string) error {
	hashFunc, err := fingerprint.HashFromString(name)
	if err != nil {
		return fmt.Errorf("%w: unsupported hash function %q: %v", ErrInitialization, name, err)
	}
	m.mu.Lock()
	m.hashFunc = hashFunc
	m.hashName = name
	m.mu.Unlock()
	return nil
}

// LocalFingerprint returns the local certificate fingerprint for mediaType.
// The recorder always takes the client role, so Setup is "active".
func (m *DtlsControlManager) LocalFingerprint(mediaType MediaType) (Fingerprint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.controls[mediaType]; !ok {
		return Fingerprint{}, fmt.Errorf("no DTLS control for media type %s", mediaType)
	}
	value, err := fingerprint.Fingerprint(m.leaf, m.hashFunc)
	if err != nil {
		return Fingerprint{}, fmt.Errorf("compute local fingerprint: %w", err)
	}
	return Fingerprint{
		Hash:  m.hashName,
		Value: strings.ToUpper(value),
		Setup: "active",
	}, nil
}

// AddRemoteFingerprint records the fingerprint the focus advertised for
// mediaType. The handshake fails if the peer certificate does not match it.
func (m *DtlsControlManager) AddRemoteFingerprint(mediaType MediaType, hash, value string) error {
	hashFunc, err := fingerprint.HashFromString(hash)
	if err != nil {
		return fmt.Errorf("%w: unsupported remote hash function %q: %v", ErrSignaling, hash, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	control, ok := m.controls[mediaType]
	if !ok {
		return fmt.Errorf("no DTLS control for media type %s", mediaType)
	}
	control.setRemoteFingerprint(hashFunc, value)
	return nil
}

// CryptoHandles returns the per-media-type controls. The recorder drives
// their handshakes and closes them when recording stops.
func (m *DtlsControlManager) CryptoHandles() map[MediaType]*DtlsControl {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[MediaType]*DtlsControl, len(m.controls))
	for mt, control := range m.controls {
		out[mt] = control
	}
	return out
}

func (m *DtlsControlManager) certificate() tls.Certificate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cert
}

// DtlsControl runs the DTLS-SRTP handshake for one media type and exposes
// the negotiated SRTP keying material.
type DtlsControl struct {
	mediaType MediaType
	manager   *DtlsControlManager
	logger    Logger

	mu             sync.Mutex
	remoteHashFunc crypto.Hash
	remoteValue    string
	conn           *dtls.Conn
}

func (c *DtlsControl) setRemoteFingerprint(hashFunc crypto.Hash, value string) {
	c.mu.Lock()
	c.remoteHashFunc = hashFunc
	c.remoteValue = value
	c.mu.Unlock()
}

// Handshake performs the DTLS client handshake over conn toward raddr. It
// verifies the peer certificate against the remote fingerprint and requires
// the peer to accept SRTP key export.
func (c *DtlsControl) Handshake(ctx context.Context, conn net.Conn, raddr net.Addr) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("%w: DTLS handshake already completed for %s", ErrInvalidState, c.mediaType)
	}
	if c.remoteValue == "" {
		c.mu.Unlock()
		return fmt.Errorf("%w: no remote fingerprint for %s", ErrInvalidState, c.mediaType)
	}
	c.mu.Unlock()

	config := &dtls.Config{
		Certificates:          []tls.Certificate{c.manager.certificate()},
		InsecureSkipVerify:    true,
		VerifyPeerCertificate: c.verifyRemoteCertificate,
		ExtendedMasterSecret:  dtls.RequireExtendedMasterSecret,
		SRTPProtectionProfiles: []dtls.SRTPProtectionProfile{
			dtls.SRTP_AES128_CM_HMAC_SHA1_80,
		},
	}

	dtlsConn, err := dtls.Client(dtlsnet.PacketConnFromConn(conn), raddr, config)
	if err != nil {
		return fmt.Errorf("%w: DTLS client for %s: %v", ErrIO, c.mediaType, err)
	}
	if err := dtlsConn.HandshakeContext(ctx); err != nil {
		_ = dtlsConn.Close()
		return fmt.Errorf("%w: DTLS handshake for %s: %v", ErrIO, c.mediaType, err)
	}

	c.mu.Lock()
	c.conn = dtlsConn
	c.mu.Unlock()
	c.logger.Info("DTLS handshake completed", "mediaType", c.mediaType.String())
	return nil
}

func (c *DtlsControl) verifyRemoteCertificate(rawCerts [][]byte, _ [][]*x509.Certificate) error {
	if len(rawCerts) == 0 {
		return fmt.Errorf("peer sent no certificate for %s", c.mediaType)
	}
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("parse peer certificate for %s: %w", c.mediaType, err)
	}

	c.mu.Lock()
	hashFunc := c.remoteHashFunc
	expected := c.remoteValue
	c.mu.Unlock()

	actual, err := fingerprint.Fingerprint(cert, hashFunc)
	if err != nil {
		return fmt.Errorf("compute peer fingerprint for %s: %w", c.mediaType, err)
	}
	if !strings.EqualFold(actual, expected) {
		return fmt.Errorf("peer fingerprint mismatch for %s", c.mediaType)
	}
	return nil
}

// SRTPConfig derives the SRTP session keys from the completed handshake.
func (c *DtlsControl) SRTPConfig() (*srtp.Config, error) {
	c.mu.Lock()
	dtlsConn := c.conn
	c.mu.Unlock()
	if dtlsConn == nil {
		return nil, fmt.Errorf("%w: DTLS handshake not completed for %s", ErrInvalidState, c.mediaType)
	}

	profile, ok := dtlsConn.SelectedSRTPProtectionProfile()
	if !ok {
		return nil, fmt.Errorf("%w: peer negotiated no SRTP profile for %s", ErrIO, c.mediaType)
	}
	srtpProfile, err := srtpProtectionProfile(profile)
	if err != nil {
		return nil, err
	}

	state, err := dtlsConn.ConnectionState()
	if err != nil {
		return nil, fmt.Errorf("%w: DTLS connection state for %s: %v", ErrIO, c.mediaType, err)
	}

	config := &srtp.Config{Profile: srtpProfile}
	if err := config.ExtractSessionKeysFromDTLS(&state, true); err != nil {
		return nil, fmt.Errorf("%w: extract SRTP keys for %s: %v", ErrIO, c.mediaType, err)
	}
	return config, nil
}

// Close tears down the DTLS connection if the handshake ran. Idempotent.
func (c *DtlsControl) Close() error {
	c.mu.Lock()
	dtlsConn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if dtlsConn == nil {
		return nil
	}
	return dtlsConn.Close()
}

func srtpProtectionProfile(profile dtls.SRTPProtectionProfile) (srtp.ProtectionProfile, error) {
	switch profile {
	case dtls.SRTP_AES128_CM_HMAC_SHA1_80:
		return srtp.ProtectionProfileAes128CmHmacSha1_80, nil
	case dtls.SRTP_AEAD_AES_128_GCM:
		return srtp.ProtectionProfileAeadAes128Gcm, nil
	default:
		return 0, fmt.Errorf("unsupported SRTP protection profile %v", profile)
	}
}
