package recording

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/ice/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestTransportManager builds a manager with host-only gathering and
// frees it when the test ends.
func newTestTransportManager(t *testing.T) *IceTransportManager {
	t.Helper()
	m, err := NewIceTransportManager(nil, newTestLogger())
	require.NoError(t, err)
	t.Cleanup(m.Free)
	return m
}

// testRemoteTransports builds a valid remote description for every recorded
// media type.
func testRemoteTransports() map[MediaType]*TransportDescription {
	out := make(map[MediaType]*TransportDescription)
	for i, mt := range RecordedMediaTypes() {
		out[mt] = &TransportDescription{
			Ufrag:    "remote-" + mt.String(),
			Password: "remotepwd",
			Candidates: []CandidateDescription{
				{Foundation: "1", Component: 1, Protocol: "udp", Priority: 2130706431, IP: "127.0.0.1", Port: 40000 + i, Type: "host"},
			},
		}
	}
	return out
}

// TestNewIceTransportManagerRejectsBadStun tests STUN URI validation.
func TestNewIceTransportManagerRejectsBadStun(t *testing.T) {
	_, err := NewIceTransportManager([]string{"not a stun uri"}, newTestLogger())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInitialization))
}

// TestIceTransportManagerLocalCredentials tests per-media credentials.
func TestIceTransportManagerLocalCredentials(t *testing.T) {
	m := newTestTransportManager(t)

	for _, mt := range RecordedMediaTypes() {
		ufrag, pwd, err := m.LocalUserCredentials(mt)
		require.NoError(t, err)
		assert.NotEmpty(t, ufrag)
		assert.NotEmpty(t, pwd)
	}

	_, _, err := m.LocalUserCredentials(MediaType(99))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ICE agent")

	// Nothing gathered yet.
	assert.Empty(t, m.LocalCandidates(MediaTypeAudio))
}

// TestIceTransportManagerRemoteCandidateGuards tests the one-shot remote
// harvest and its validation.
func TestIceTransportManagerRemoteCandidateGuards(t *testing.T) {
	// Connectivity cannot start before the remote side is known.
	m := newTestTransportManager(t)
	err := m.StartConnectivityEstablishment(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "remote candidates not supplied")

	// A media type without a transport description fails.
	missing := testRemoteTransports()
	delete(missing, MediaTypeVideo)
	err = newTestTransportManager(t).HarvestRemoteCandidates(missing)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no remote transport for media type video")

	// Candidates that are all non-UDP leave nothing to connect to.
	tcpOnly := testRemoteTransports()
	for _, td := range tcpOnly {
		for i := range td.Candidates {
			td.Candidates[i].Protocol = "tcp"
		}
	}
	err = newTestTransportManager(t).HarvestRemoteCandidates(tcpOnly)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no usable remote candidates")

	// An unknown candidate type fails the build.
	badType := testRemoteTransports()
	for _, td := range badType {
		for i := range td.Candidates {
			td.Candidates[i].Type = "teleport"
		}
	}
	err = newTestTransportManager(t).HarvestRemoteCandidates(badType)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown candidate type")

	// A valid harvest succeeds exactly once.
	m = newTestTransportManager(t)
	require.NoError(t, m.HarvestRemoteCandidates(testRemoteTransports()))
	err = m.HarvestRemoteCandidates(testRemoteTransports())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "already supplied")
}

// TestIceTransportManagerStartOnce tests that connectivity establishment is
// one-shot and surfaces agent errors through the connector.
func TestIceTransportManagerStartOnce(t *testing.T) {
	m := newTestTransportManager(t)
	require.NoError(t, m.HarvestRemoteCandidates(testRemoteTransports()))

	// A context that is already canceled makes the accept fail fast without
	// real connectivity checks.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, m.StartConnectivityEstablishment(ctx))

	err := m.StartConnectivityEstablishment(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidState))
	assert.Contains(t, err.Error(), "already started")

	// The failed accept surfaces as an I/O error once the wait resolves.
	_, err = m.StreamConnector(context.Background(), MediaTypeAudio)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrIO))
}

// TestIceTransportManagerAwaitPaths tests the context handling of the
// connector and target accessors.
func TestIceTransportManagerAwaitPaths(t *testing.T) {
	m := newTestTransportManager(t)

	// Deadline expiry maps to the connectivity timeout error.
	expired, cancelExpired := context.WithTimeout(context.Background(), -time.Second)
	defer cancelExpired()
	_, err := m.StreamConnector(expired, MediaTypeAudio)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConnectivityTimeout))
	assert.Contains(t, err.Error(), "no selected pair")

	// Plain cancellation passes through untranslated.
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = m.StreamConnector(canceled, MediaTypeVideo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = m.StreamTarget(canceled, MediaTypeVideo)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	_, err = m.StreamConnector(context.Background(), MediaType(99))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ICE agent")
}

// TestIceTransportManagerFree tests that Free is idempotent and drops the
// agents.
func TestIceTransportManagerFree(t *testing.T) {
	m, err := NewIceTransportManager(nil, newTestLogger())
	require.NoError(t, err)

	m.Free()
	m.Free()

	_, _, err = m.LocalUserCredentials(MediaTypeAudio)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no ICE agent")
}

// TestBuildRemoteCandidate tests the conversion from signaled candidates to
// pion candidates.
func TestBuildRemoteCandidate(t *testing.T) {
	host, err := buildRemoteCandidate(CandidateDescription{
		Foundation: "1",
		Component:  0,
		Protocol:   "",
		Priority:   2130706431,
		IP:         "198.51.100.7",
		Port:       10000,
		Type:       "host",
	})
	require.NoError(t, err)
	assert.Equal(t, "host", host.Type().String())
	assert.Equal(t, "198.51.100.7", host.Address())
	assert.Equal(t, 10000, host.Port())
	// Component and protocol default when the offer omits them.
	assert.Equal(t, uint16(1), host.Component())
	assert.Equal(t, "udp", host.NetworkType().NetworkShort())
	assert.Equal(t, uint32(2130706431), host.Priority())

	srflx, err := buildRemoteCandidate(CandidateDescription{
		Foundation: "2",
		Component:  1,
		Protocol:   "udp",
		Priority:   1694498815,
		IP:         "203.0.113.44",
		Port:       10000,
		Type:       "srflx",
		RelAddr:    "10.0.0.7",
		RelPort:    40000,
	})
	require.NoError(t, err)
	assert.Equal(t, "srflx", srflx.Type().String())
	require.NotNil(t, srflx.RelatedAddress())
	assert.Equal(t, "10.0.0.7", srflx.RelatedAddress().Address)

	prflx, err := buildRemoteCandidate(CandidateDescription{
		Foundation: "3", Component: 1, Protocol: "udp", Priority: 100,
		IP: "192.0.2.9", Port: 9000, Type: "prflx", RelAddr: "192.0.2.1", RelPort: 9000,
	})
	require.NoError(t, err)
	assert.Equal(t, "prflx", prflx.Type().String())

	relay, err := buildRemoteCandidate(CandidateDescription{
		Foundation: "4", Component: 1, Protocol: "udp", Priority: 50,
		IP: "192.0.2.10", Port: 9001, Type: "relay", RelAddr: "192.0.2.2", RelPort: 9001,
	})
	require.NoError(t, err)
	assert.Equal(t, "relay", relay.Type().String())

	_, err = buildRemoteCandidate(CandidateDescription{Type: "teleport", IP: "192.0.2.1", Port: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown candidate type "teleport"`)
}

// TestCandidateDescriptionFromICE tests the reverse conversion used for the
// local offer.
func TestCandidateDescriptionFromICE(t *testing.T) {
	host, err := ice.NewCandidateHost(&ice.CandidateHostConfig{
		Network:    "udp",
		Address:    "192.0.2.15",
		Port:       20000,
		Component:  1,
		Foundation: "1",
		Priority:   2130706431,
	})
	require.NoError(t, err)

	cd := candidateDescriptionFromICE(host)
	assert.Equal(t, "1", cd.Foundation)
	assert.Equal(t, 1, cd.Component)
	assert.Equal(t, "udp", cd.Protocol)
	assert.Equal(t, uint32(2130706431), cd.Priority)
	assert.Equal(t, "192.0.2.15", cd.IP)
	assert.Equal(t, 20000, cd.Port)
	assert.Equal(t, "host", cd.Type)
	assert.Empty(t, cd.RelAddr)

	srflx, err := ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
		Network:    "udp",
		Address:    "203.0.113.44",
		Port:       10000,
		Component:  1,
		Foundation: "2",
		Priority:   1694498815,
		RelAddr:    "10.0.0.7",
		RelPort:    40000,
	})
	require.NoError(t, err)

	cd = candidateDescriptionFromICE(srflx)
	assert.Equal(t, "srflx", cd.Type)
	assert.Equal(t, "10.0.0.7", cd.RelAddr)
	assert.Equal(t, 40000, cd.RelPort)
}
