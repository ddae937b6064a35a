package recording_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"muc-recorder-sdk-go/internal/test/mocks"
	"muc-recorder-sdk-go/pkg/recording"
)

// serviceFixture wires a service to mock collaborators. Every dialed
// connection and every collaborator built for a task is tracked by index in
// creation order.
type serviceFixture struct {
	t         *testing.T
	logger    *mocks.MockLogger
	registry  *prometheus.Registry
	outputDir string
	service   *recording.Service

	mu           sync.Mutex
	dialErr      error
	conns        []*mocks.MockSignalingConnection
	transports   []*mocks.MockTransport
	capturers    []*mocks.MockCapturer
	participants []*mocks.MockParticipant

	participantHook func(p *mocks.MockParticipant)
	capturerHook    func(c *mocks.MockCapturer)
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		t:         t,
		logger:    mocks.NewMockLogger(),
		registry:  prometheus.NewRegistry(),
		outputDir: t.TempDir(),
	}

	service, err := recording.NewService(recording.ServiceOptions{
		Config: recording.Config{
			XMPPURL:    "wss://xmpp.example.com/xmpp-websocket",
			XMPPDomain: "example.com",
			OutputDir:  f.outputDir,
		},
		Logger:  f.logger,
		Metrics: recording.NewMetrics(f.registry),
		Dial:    f.dial,
		TaskDefaults: recording.TaskOptions{
			NewTransport: func(stunServers []string, logger recording.Logger) (recording.TransportNegotiator, error) {
				f.mu.Lock()
				defer f.mu.Unlock()
				transport := mocks.NewMockTransport()
				f.transports = append(f.transports, transport)
				return transport, nil
			},
			NewCryptoKeyer: func(logger recording.Logger) (recording.CryptoKeyer, error) {
				return mocks.NewMockKeyer(), nil
			},
			NewCapturer: func(logger recording.Logger) recording.Capturer {
				f.mu.Lock()
				defer f.mu.Unlock()
				capturer := mocks.NewMockCapturer()
				if f.capturerHook != nil {
					f.capturerHook(capturer)
				}
				f.capturers = append(f.capturers, capturer)
				return capturer
			},
			NewParticipant: func(conn recording.SignalingConnection, dir string, signalingTimeout time.Duration, logger recording.Logger) recording.SignalingParticipant {
				f.mu.Lock()
				defer f.mu.Unlock()
				participant := mocks.NewMockParticipant()
				if f.participantHook != nil {
					f.participantHook(participant)
				}
				f.participants = append(f.participants, participant)
				return participant
			},
		},
	})
	require.NoError(t, err)
	f.service = service
	t.Cleanup(func() { _ = service.Shutdown() })
	return f
}

func (f *serviceFixture) dial(ctx context.Context) (recording.SignalingConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	conn := mocks.NewMockSignalingConnection()
	f.conns = append(f.conns, conn)
	return conn, nil
}

func (f *serviceFixture) setDialErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dialErr = err
}

func (f *serviceFixture) conn(i int) *mocks.MockSignalingConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(f.t, len(f.conns), i)
	return f.conns[i]
}

func (f *serviceFixture) capturer(i int) *mocks.MockCapturer {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(f.t, len(f.capturers), i)
	return f.capturers[i]
}

func (f *serviceFixture) participant(i int) *mocks.MockParticipant {
	f.mu.Lock()
	defer f.mu.Unlock()
	require.Greater(f.t, len(f.participants), i)
	return f.participants[i]
}

// metricValue reads a single-sample counter or gauge from the registry.
func metricValue(t *testing.T, registry *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := registry.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		require.NotEmpty(t, family.GetMetric())
		metric := family.GetMetric()[0]
		if metric.GetCounter() != nil {
			return metric.GetCounter().GetValue()
		}
		return metric.GetGauge().GetValue()
	}
	return 0
}

// storageDirRecorder captures each ENDED task's storage directory at event
// delivery time.
type storageDirRecorder struct {
	mu   sync.Mutex
	dirs []string
}

func (r *storageDirRecorder) HandleEvent(event recording.Event) {
	if event.Type != recording.EventTypeEnded || event.Task == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dirs = append(r.dirs, event.Task.StorageDir())
}

func (r *storageDirRecorder) Dirs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string{}, r.dirs...)
}

// TestNewServiceValidation tests the constructor checks.
func TestNewServiceValidation(t *testing.T) {
	_, err := recording.NewService(recording.ServiceOptions{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrInitialization))
	assert.Contains(t, err.Error(), "nil dial function")

	_, err = recording.NewService(recording.ServiceOptions{
		Dial: func(ctx context.Context) (recording.SignalingConnection, error) {
			return mocks.NewMockSignalingConnection(), nil
		},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrInitialization))
	assert.Contains(t, err.Error(), "XMPP_WS_URL")
}

// TestServiceRecordsConference tests the start-record-stop round trip.
func TestServiceRecordsConference(t *testing.T) {
	f := newServiceFixture(t)
	dirRecorder := &storageDirRecorder{}
	f.service.AddEventListener(dirRecorder)

	task, err := f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)
	require.NotNil(t, task)
	require.Eventually(t, func() bool {
		return f.capturer(0).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	infos := f.service.TaskInfos()
	require.Len(t, infos, 1)
	assert.Equal(t, testMUCAddress, infos[0].MucAddress)
	assert.Equal(t, "recorder", infos[0].Nickname)
	assert.Equal(t, recording.TaskStatusRunning, infos[0].Status)

	storageDir := task.StorageDir()
	assert.True(t, strings.HasPrefix(storageDir, filepath.Join(f.outputDir, testMUCAddress+"-")))

	assert.Equal(t, 1.0, metricValue(t, f.registry, "muc_recorder_tasks_started_total"))
	assert.Equal(t, 1.0, metricValue(t, f.registry, "muc_recorder_active_tasks"))

	require.NoError(t, f.service.StopTask(testMUCAddress))

	// The ENDED event removed and reset the task before StopTask returned.
	assert.Empty(t, f.service.TaskInfos())
	assert.Equal(t, recording.TaskStatusUninitialized, task.Status())
	assert.True(t, f.conn(0).Closed())
	assert.Equal(t, 1, f.capturer(0).StopCount())
	assert.Equal(t, 1, f.participant(0).MetadataWrites())
	disconnects := f.participant(0).Disconnects()
	require.Len(t, disconnects, 1)
	assert.Equal(t, recording.ReasonSuccess, disconnects[0].Reason)

	// Service listeners saw the storage directory before the reset wiped it.
	require.Equal(t, []string{storageDir}, dirRecorder.Dirs())

	assert.Equal(t, 1.0, metricValue(t, f.registry, "muc_recorder_tasks_ended_total"))
	assert.Equal(t, 0.0, metricValue(t, f.registry, "muc_recorder_active_tasks"))
}

// TestServiceRejectsDuplicateConference tests the one-task-per-MUC rule.
func TestServiceRejectsDuplicateConference(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)

	_, err = f.service.StartTask(context.Background(), testMUCAddress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrInvalidState))
	assert.Contains(t, err.Error(), "already being recorded")

	// After a clean stop the conference can be recorded again.
	require.Eventually(t, func() bool {
		return f.capturer(0).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, f.service.StopTask(testMUCAddress))

	_, err = f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.capturer(1).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, f.service.TaskInfos(), 1)
}

// TestServiceStartTaskValidation tests StartTask argument checks.
func TestServiceStartTaskValidation(t *testing.T) {
	f := newServiceFixture(t)
	_, err := f.service.StartTask(context.Background(), "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrInitialization))
	assert.Contains(t, err.Error(), "empty MUC address")
}

// TestServiceStopUnknownConference tests stopping a conference nobody records.
func TestServiceStopUnknownConference(t *testing.T) {
	f := newServiceFixture(t)
	err := f.service.StopTask("nobody@conference.example.com")
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrInvalidState))
	assert.Contains(t, err.Error(), "no task for conference")
}

// TestServiceRemovesAbortedTask tests that an aborting task frees its slot.
func TestServiceRemovesAbortedTask(t *testing.T) {
	f := newServiceFixture(t)
	f.participantHook = func(p *mocks.MockParticipant) {
		p.ConnectFunc = func(ctx context.Context, transport recording.TransportNegotiator, keyer recording.CryptoKeyer, mucAddress, nickname string) (*recording.IQ, error) {
			return nil, fmt.Errorf("%w: MUC join refused: forbidden", recording.ErrAuthorization)
		}
	}

	_, err := f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.service.TaskInfos()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.conn(0).Closed())
	assert.Equal(t, 1.0, metricValue(t, f.registry, "muc_recorder_tasks_aborted_total"))
	assert.Equal(t, 0.0, metricValue(t, f.registry, "muc_recorder_active_tasks"))

	// The freed slot accepts a new task.
	f.mu.Lock()
	f.participantHook = nil
	f.mu.Unlock()
	_, err = f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.capturer(1).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestServiceDialFailureAllowsRetry tests that a failed dial leaves no trace.
func TestServiceDialFailureAllowsRetry(t *testing.T) {
	f := newServiceFixture(t)
	f.setDialErr(fmt.Errorf("%w: websocket dial: connection refused", recording.ErrSignaling))

	_, err := f.service.StartTask(context.Background(), testMUCAddress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrSignaling))
	assert.Empty(t, f.service.TaskInfos())

	f.setDialErr(nil)
	_, err = f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.capturer(0).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// TestServiceInitFailureClosesConnection tests cleanup when task setup fails.
func TestServiceInitFailureClosesConnection(t *testing.T) {
	f := newServiceFixture(t)
	f.capturerHook = func(c *mocks.MockCapturer) {
		c.InitFunc = func(dir string, handles map[recording.MediaType]*recording.DtlsControl) error {
			return fmt.Errorf("%w: create recording directory: disk full", recording.ErrIO)
		}
	}

	_, err := f.service.StartTask(context.Background(), testMUCAddress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrIO))
	assert.True(t, f.conn(0).Closed())
	assert.Empty(t, f.service.TaskInfos())

	f.mu.Lock()
	f.capturerHook = nil
	f.mu.Unlock()
	_, err = f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.capturer(1).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.conn(1).Closed())
}

// TestServiceShutdown tests stopping every task and refusing new ones.
func TestServiceShutdown(t *testing.T) {
	f := newServiceFixture(t)
	collector := &eventCollector{}
	f.service.AddEventListener(collector)

	first, err := f.service.StartTask(context.Background(), testMUCAddress)
	require.NoError(t, err)
	second, err := f.service.StartTask(context.Background(), "board@conference.example.com")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return f.capturer(0).StartCount() == 1 && f.capturer(1).StartCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, f.service.Shutdown())

	assert.Empty(t, f.service.TaskInfos())
	assert.Equal(t, recording.TaskStatusUninitialized, first.Status())
	assert.Equal(t, recording.TaskStatusUninitialized, second.Status())
	assert.True(t, f.conn(0).Closed())
	assert.True(t, f.conn(1).Closed())
	assert.Len(t, collector.EventsOfType(recording.EventTypeEnded), 2)
	assert.Equal(t, 2.0, metricValue(t, f.registry, "muc_recorder_tasks_ended_total"))
	assert.Equal(t, 0.0, metricValue(t, f.registry, "muc_recorder_active_tasks"))

	_, err = f.service.StartTask(context.Background(), testMUCAddress)
	require.Error(t, err)
	assert.True(t, errors.Is(err, recording.ErrInvalidState))
	assert.Contains(t, err.Error(), "service is shut down")

	require.NoError(t, f.service.Shutdown())
}
