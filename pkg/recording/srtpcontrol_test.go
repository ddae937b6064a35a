package recording

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/pion/dtls/v3"
	"github.com/pion/srtp/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDtlsControlManagerLocalFingerprint tests fingerprint computation with
// the default hash.
func TestDtlsControlManagerLocalFingerprint(t *testing.T) {
	m, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)

	fp, err := m.LocalFingerprint(MediaTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, "sha-256", fp.Hash)
	assert.Equal(t, "active", fp.Setup)
	// 32 hash bytes rendered as colon-separated upper-case hex.
	assert.Len(t, fp.Value, 95)
	assert.Equal(t, strings.ToUpper(fp.Value), fp.Value)

	// Both media types share the certificate.
	videoFp, err := m.LocalFingerprint(MediaTypeVideo)
	require.NoError(t, err)
	assert.Equal(t, fp.Value, videoFp.Value)

	_, err = m.LocalFingerprint(MediaType(99))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no DTLS control")

	// A second manager carries its own identity.
	other, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)
	otherFp, err := other.LocalFingerprint(MediaTypeAudio)
	require.NoError(t, err)
	assert.NotEqual(t, fp.Value, otherFp.Value)
}

// TestDtlsControlManagerSetHashFunction tests hash selection.
func TestDtlsControlManagerSetHashFunction(t *testing.T) {
	m, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)

	require.NoError(t, m.SetHashFunction("sha-512"))
	fp, err := m.LocalFingerprint(MediaTypeAudio)
	require.NoError(t, err)
	assert.Equal(t, "sha-512", fp.Hash)
	// 64 hash bytes rendered as colon-separated hex.
	assert.Len(t, fp.Value, 191)

	err = m.SetHashFunction("whirlpool")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInitialization))
	assert.Contains(t, err.Error(), "unsupported hash function")
}

// TestDtlsControlManagerRemoteFingerprints tests remote fingerprint
// registration.
func TestDtlsControlManagerRemoteFingerprints(t *testing.T) {
	m, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)

	err = m.AddRemoteFingerprint(MediaTypeAudio, "md9", "AA:BB")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSignaling))

	err = m.AddRemoteFingerprint(MediaType(99), "sha-256", "AA:BB")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no DTLS control")

	require.NoError(t, m.AddRemoteFingerprint(MediaTypeAudio, "sha-256", "AA:BB"))
}

// TestDtlsControlManagerCryptoHandles tests that the handle map is a stable
// copy.
func TestDtlsControlManagerCryptoHandles(t *testing.T) {
	m, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)

	handles := m.CryptoHandles()
	require.Len(t, handles, 2)
	require.NotNil(t, handles[MediaTypeAudio])
	require.NotNil(t, handles[MediaTypeVideo])

	// The same controls come back on every call.
	again := m.CryptoHandles()
	assert.Same(t, handles[MediaTypeAudio], again[MediaTypeAudio])

	// Mutating the returned map does not affect the manager.
	delete(again, MediaTypeAudio)
	assert.NotNil(t, m.CryptoHandles()[MediaTypeAudio])
}

// TestDtlsControlHandshakeGuards tests the handshake preconditions.
func TestDtlsControlHandshakeGuards(t *testing.T) {
	m, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)
	control := m.CryptoHandles()[MediaTypeAudio]

	local, remote := net.Pipe()
	t.Cleanup(func() {
		_ = local.Close()
		_ = remote.Close()
	})
	raddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000}

	// No remote fingerprint registered yet.
	err = control.Handshake(context.Background(), local, raddr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "no remote fingerprint")

	// A completed handshake cannot run again.
	control.mu.Lock()
	control.conn = &dtls.Conn{}
	control.mu.Unlock()
	err = control.Handshake(context.Background(), local, raddr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "already completed")
	control.mu.Lock()
	control.conn = nil
	control.mu.Unlock()
}

// TestDtlsControlSRTPConfigRequiresHandshake tests key derivation ordering.
func TestDtlsControlSRTPConfigRequiresHandshake(t *testing.T) {
	m, err := NewDtlsControlManager(newTestLogger())
	require.NoError(t, err)
	control := m.CryptoHandles()[MediaTypeVideo]

	_, err = control.SRTPConfig()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "handshake not completed")

	// Close before any handshake is a no-op.
	assert.NoError(t, control.Close())
	assert.NoError(t, control.Close())
}

// TestSrtpProtectionProfileMapping tests the DTLS-to-SRTP profile table.
func TestSrtpProtectionProfileMapping(t *testing.T) {
	profile, err := srtpProtectionProfile(dtls.SRTP_AES128_CM_HMAC_SHA1_80)
	require.NoError(t, err)
	assert.Equal(t, srtp.ProtectionProfileAes128CmHmacSha1_80, profile)

	profile, err = srtpProtectionProfile(dtls.SRTP_AEAD_AES_128_GCM)
	require.NoError(t, err)
	assert.Equal(t, srtp.ProtectionProfileAeadAes128Gcm, profile)

	_, err = srtpProtectionProfile(dtls.SRTPProtectionProfile(0x1234))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported SRTP protection profile")
}
