package recording

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/pion/ice/v4"
	"github.com/pion/stun/v3"
)

// IceTransportManager negotiates one ICE stream per recorded media type. It
// gathers local candidates for the signaling offer, feeds remote candidates
// from the answer, and hands out connectors and targets once a pair is
// selected.
//
// The recorder answers the conference focus's offer, so each agent runs in
// the controlled role and Accept drives the connectivity checks.
type IceTransportManager struct {
	logger Logger

	mu       sync.Mutex
	agents   map[MediaType]*ice.Agent
	gathered map[MediaType][]CandidateDescription
	remote   map[MediaType]iceCredentials
	conns    map[MediaType]net.Conn
	errs     map[MediaType]error
	ready    map[MediaType]chan struct{}
	started  bool
	freed    bool
}

type iceCredentials struct {
	ufrag    string
	password string
}

// NewIceTransportManager builds one ICE agent per recorded media type.
// stunServers lists STUN URIs used for server-reflexive gathering; empty
// means host candidates only.
func NewIceTransportManager(stunServers []string, logger Logger) (*IceTransportManager, error) {
	uris := make([]*stun.URI, 0, len(stunServers))
	for _, raw := range stunServers {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: parse STUN URI %q: %v", ErrInitialization, raw, err)
		}
		uris = append(uris, uri)
	}

	m := &IceTransportManager{
		logger:   logger,
		agents:   make(map[MediaType]*ice.Agent),
		gathered: make(map[MediaType][]CandidateDescription),
		remote:   make(map[MediaType]iceCredentials),
		conns:    make(map[MediaType]net.Conn),
		errs:     make(map[MediaType]error),
		ready:    make(map[MediaType]chan struct{}),
	}

	loggerFactory := newPionLoggerFactory(logger)
	for _, mt := range RecordedMediaTypes() {
		agent, err := ice.NewAgent(&ice.AgentConfig{
			Urls:          uris,
			NetworkTypes:  []ice.NetworkType{ice.NetworkTypeUDP4},
			LoggerFactory: loggerFactory,
		})
		if err != nil {
			m.Free()
			return nil, fmt.Errorf("%w: create ICE agent for %s: %v", ErrInitialization, mt, err)
		}

		mediaType := mt
		if err := agent.OnConnectionStateChange(func(state ice.ConnectionState) {
			logger.Debug("ICE connection state changed",
				"mediaType", mediaType.String(),
				"state", state.String(),
			)
		}); err != nil {
			m.Free()
			return nil, fmt.Errorf("%w: register ICE state handler for %s: %v", ErrInitialization, mt, err)
		}

		m.agents[mt] = agent
		m.ready[mt] = make(chan struct{})
	}
	return m, nil
}

// HarvestLocalCandidates gathers local candidates on every agent and blocks
// until gathering completes for all media types or the context ends.
func (m *IceTransportManager) HarvestLocalCandidates(ctx context.Context) error {
	m.mu.Lock()
	agents := make(map[MediaType]*ice.Agent, len(m.agents))
	for mt, agent := range m.agents {
		agents[mt] = agent
	}
	m.mu.Unlock()

	done := make(map[MediaType]chan struct{}, len(agents))
	for mt, agent := range agents {
		mediaType := mt
		gatherDone := make(chan struct{})
		done[mt] = gatherDone

		var once sync.Once
		if err := agent.OnCandidate(func(c ice.Candidate) {
			if c == nil {
				once.Do(func() { close(gatherDone) })
				return
			}
			m.mu.Lock()
			m.gathered[mediaType] = append(m.gathered[mediaType], candidateDescriptionFromICE(c))
			m.mu.Unlock()
		}); err != nil {
			return fmt.Errorf("register candidate handler for %s: %w", mt, err)
		}

		if err := agent.GatherCandidates(); err != nil {
			return fmt.Errorf("gather candidates for %s: %w", mt, err)
		}
	}

	for mt, gatherDone := range done {
		select {
		case <-gatherDone:
		case <-ctx.Done():
			return fmt.Errorf("gathering for %s interrupted: %w", mt, ctx.Err())
		}
	}

	m.mu.Lock()
	counts := make(map[string]int, len(m.gathered))
	for mt, cands := range m.gathered {
		counts[mt.String()] = len(cands)
	}
	m.mu.Unlock()
	m.logger.Info("local ICE candidates gathered", "counts", counts)
	return nil
}

// LocalCandidates returns a copy of the candidates gathered for mediaType.
func (m *IceTransportManager) LocalCandidates(mediaType MediaType) []CandidateDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]CandidateDescription, len(m.gathered[mediaType]))
	copy(out, m.gathered[mediaType])
	return out
}

// LocalUserCredentials returns the local ufrag and password for mediaType.
func (m *IceTransportManager) LocalUserCredentials(mediaType MediaType) (string, string, error) {
	m.mu.Lock()
	agent, ok := m.agents[mediaType]
	m.mu.Unlock()
	if !ok {
		return "", "", fmt.Errorf("no ICE agent for media type %s", mediaType)
	}
	return agent.GetLocalUserCredentials()
}

// HarvestRemoteCandidates records the remote credentials and adds the remote
// candidates for every media type. Must be called exactly once.
func (m *IceTransportManager) HarvestRemoteCandidates(remote map[MediaType]*TransportDescription) error {
	m.mu.Lock()
	if len(m.remote) > 0 {
		m.mu.Unlock()
		return fmt.Errorf("%w: remote candidates already supplied", ErrInvalidState)
	}
	agents := make(map[MediaType]*ice.Agent, len(m.agents))
	for mt, agent := range m.agents {
		agents[mt] = agent
	}
	m.mu.Unlock()

	for mt, agent := range agents {
		td, ok := remote[mt]
		if !ok || td == nil {
			return fmt.Errorf("no remote transport for media type %s", mt)
		}

		added := 0
		for _, cd := range td.Candidates {
			if cd.Protocol != "" && cd.Protocol != "udp" {
				m.logger.Debug("skipping non-UDP remote candidate",
					"mediaType", mt.String(),
					"protocol", cd.Protocol,
				)
				continue
			}
			candidate, err := buildRemoteCandidate(cd)
			if err != nil {
				return fmt.Errorf("build remote candidate for %s: %w", mt, err)
			}
			if err := agent.AddRemoteCandidate(candidate); err != nil {
				return fmt.Errorf("add remote candidate for %s: %w", mt, err)
			}
			added++
		}
		if added == 0 {
			return fmt.Errorf("no usable remote candidates for media type %s", mt)
		}

		m.mu.Lock()
		m.remote[mt] = iceCredentials{ufrag: td.Ufrag, password: td.Password}
		m.mu.Unlock()
	}
	return nil
}

// StartConnectivityEstablishment launches the ICE checks for every media
// type and returns immediately. Pair selection completes asynchronously;
// StreamConnector and StreamTarget wait on it.
func (m *IceTransportManager) StartConnectivityEstablishment(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("%w: connectivity establishment already started", ErrInvalidState)
	}
	if len(m.remote) != len(m.agents) {
		m.mu.Unlock()
		return fmt.Errorf("%w: remote candidates not supplied", ErrInvalidState)
	}
	m.started = true
	agents := make(map[MediaType]*ice.Agent, len(m.agents))
	creds := make(map[MediaType]iceCredentials, len(m.remote))
	for mt, agent := range m.agents {
		agents[mt] = agent
		creds[mt] = m.remote[mt]
	}
	m.mu.Unlock()

	for mt, agent := range agents {
		go m.establish(ctx, mt, agent, creds[mt])
	}
	return nil
}

func (m *IceTransportManager) establish(ctx context.Context, mediaType MediaType, agent *ice.Agent, creds iceCredentials) {
	if err := agent.OnSelectedCandidatePairChange(func(local, remote ice.Candidate) {
		m.logger.Info("ICE candidate pair selected",
			"mediaType", mediaType.String(),
			"local", local.String(),
			"remote", remote.String(),
		)
	}); err != nil {
		m.logger.Warn("failed to register pair change handler",
			"mediaType", mediaType.String(),
			"error", err,
		)
	}

	conn, err := agent.Accept(ctx, creds.ufrag, creds.password)

	m.mu.Lock()
	if err != nil {
		m.errs[mediaType] = err
	} else {
		m.conns[mediaType] = conn
	}
	ready := m.ready[mediaType]
	m.mu.Unlock()

	close(ready)
}

// StreamConnector blocks until the media type's pair is selected, bounded by
// ctx. Deadline expiry maps to ErrConnectivityTimeout.
func (m *IceTransportManager) StreamConnector(ctx context.Context, mediaType MediaType) (*StreamConnector, error) {
	conn, err := m.awaitConn(ctx, mediaType)
	if err != nil {
		return nil, err
	}
	return &StreamConnector{MediaType: mediaType, Conn: conn}, nil
}

// StreamTarget blocks like StreamConnector and returns the remote address of
// the selected pair.
func (m *IceTransportManager) StreamTarget(ctx context.Context, mediaType MediaType) (*StreamTarget, error) {
	if _, err := m.awaitConn(ctx, mediaType); err != nil {
		return nil, err
	}

	m.mu.Lock()
	agent := m.agents[mediaType]
	m.mu.Unlock()
	if agent == nil {
		return nil, fmt.Errorf("no ICE agent for media type %s", mediaType)
	}

	pair, err := agent.GetSelectedCandidatePair()
	if err != nil {
		return nil, fmt.Errorf("selected pair for %s: %w", mediaType, err)
	}
	if pair == nil || pair.Remote == nil {
		return nil, fmt.Errorf("no selected pair for media type %s", mediaType)
	}

	ip := net.ParseIP(pair.Remote.Address())
	if ip == nil {
		return nil, fmt.Errorf("unparseable remote address %q for %s", pair.Remote.Address(), mediaType)
	}
	return &StreamTarget{
		MediaType: mediaType,
		Addr:      &net.UDPAddr{IP: ip, Port: pair.Remote.Port()},
	}, nil
}

func (m *IceTransportManager) awaitConn(ctx context.Context, mediaType MediaType) (net.Conn, error) {
	m.mu.Lock()
	ready, ok := m.ready[mediaType]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no ICE agent for media type %s", mediaType)
	}

	select {
	case <-ready:
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no selected pair for %s", ErrConnectivityTimeout, mediaType)
		}
		return nil, ctx.Err()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.errs[mediaType]; err != nil {
		return nil, fmt.Errorf("%w: connectivity for %s: %v", ErrIO, mediaType, err)
	}
	return m.conns[mediaType], nil
}

// Free releases every agent's sockets and candidate state. Idempotent.
func (m *IceTransportManager) Free() {
	m.mu.Lock()
	if m.freed {
		m.mu.Unlock()
		return
	}
	m.freed = true
	conns := m.conns
	agents := m.agents
	m.conns = make(map[MediaType]net.Conn)
	m.agents = make(map[MediaType]*ice.Agent)
	m.mu.Unlock()

	for mt, conn := range conns {
		if err := conn.Close(); err != nil {
			m.logger.Debug("closing ICE conn", "mediaType", mt.String(), "error", err)
		}
	}
	for mt, agent := range agents {
		if err := agent.Close(); err != nil {
			m.logger.Debug("closing ICE agent", "mediaType", mt.String(), "error", err)
		}
	}
}

// candidateDescriptionFromICE converts a gathered pion candidate into the
// signaling representation.
func candidateDescriptionFromICE(c ice.Candidate) CandidateDescription {
	cd := CandidateDescription{
		Foundation: c.Foundation(),
		Component:  int(c.Component()),
		Protocol:   c.NetworkType().NetworkShort(),
		Priority:   c.Priority(),
		IP:         c.Address(),
		Port:       c.Port(),
		Type:       c.Type().String(),
	}
	if rel := c.RelatedAddress(); rel != nil {
		cd.RelAddr = rel.Address
		cd.RelPort = rel.Port
	}
	return cd
}

// buildRemoteCandidate converts a signaled remote candidate into a pion
// candidate for the agent.
func buildRemoteCandidate(cd CandidateDescription) (ice.Candidate, error) {
	component := uint16(cd.Component)
	if component == 0 {
		component = 1
	}
	network := cd.Protocol
	if network == "" {
		network = "udp"
	}

	switch cd.Type {
	case "host":
		return ice.NewCandidateHost(&ice.CandidateHostConfig{
			Network:    network,
			Address:    cd.IP,
			Port:       cd.Port,
			Component:  component,
			Priority:   cd.Priority,
			Foundation: cd.Foundation,
		})
	case "srflx":
		return ice.NewCandidateServerReflexive(&ice.CandidateServerReflexiveConfig{
			Network:    network,
			Address:    cd.IP,
			Port:       cd.Port,
			Component:  component,
			Priority:   cd.Priority,
			Foundation: cd.Foundation,
			RelAddr:    cd.RelAddr,
			RelPort:    cd.RelPort,
		})
	case "prflx":
		return ice.NewCandidatePeerReflexive(&ice.CandidatePeerReflexiveConfig{
			Network:    network,
			Address:    cd.IP,
			Port:       cd.Port,
			Component:  component,
			Priority:   cd.Priority,
			Foundation: cd.Foundation,
			RelAddr:    cd.RelAddr,
			RelPort:    cd.RelPort,
		})
	case "relay":
		return ice.NewCandidateRelay(&ice.CandidateRelayConfig{
			Network:    network,
			Address:    cd.IP,
			Port:       cd.Port,
			Component:  component,
			Priority:   cd.Priority,
			Foundation: cd.Foundation,
			RelAddr:    cd.RelAddr,
			RelPort:    cd.RelPort,
		})
	default:
		return nil, fmt.Errorf("unknown candidate type %q", cd.Type)
	}
}
