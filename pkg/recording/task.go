package recording

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskOptions configures a recording task. Zero values fall back to
// defaults. The factory fields exist so tests can substitute collaborators;
// production code leaves them nil.
type TaskOptions struct {
	// Nickname is the MUC occupant nickname the recorder joins under.
	Nickname string

	// HashFunction is the DTLS fingerprint hash in signaling form.
	HashFunction string

	// ConnectivityTimeout bounds the wait for ICE pair selection across all
	// media types.
	ConnectivityTimeout time.Duration

	// SignalingTimeout bounds each signaling wait (MUC join, session-initiate).
	SignalingTimeout time.Duration

	// StunServers lists STUN URIs for candidate harvesting. Empty means host
	// candidates only.
	StunServers []string

	// Logger receives structured task logs.
	Logger Logger

	// Metrics receives task lifecycle counters. Nil disables instrumentation.
	Metrics *Metrics

	// NewTransport overrides the ICE transport factory.
	NewTransport func(stunServers []string, logger Logger) (TransportNegotiator, error)

	// NewCryptoKeyer overrides the DTLS-SRTP keyer factory.
	NewCryptoKeyer func(logger Logger) (CryptoKeyer, error)

	// NewCapturer overrides the media recorder factory.
	NewCapturer func(logger Logger) Capturer

	// NewParticipant overrides the signaling session factory.
	NewParticipant func(conn SignalingConnection, dir string, signalingTimeout time.Duration, logger Logger) SignalingParticipant
}

func (o *TaskOptions) applyDefaults() {
	if o.Nickname == "" {
		o.Nickname = defaultNickname
	}
	if o.HashFunction == "" {
		o.HashFunction = defaultHashFunction
	}
	if o.ConnectivityTimeout <= 0 {
		o.ConnectivityTimeout = defaultConnectivityTimeout
	}
	if o.SignalingTimeout <= 0 {
		o.SignalingTimeout = defaultSignalingTimeout
	}
	if o.Logger == nil {
		o.Logger = NewZapLogger(nil)
	}
	if o.NewTransport == nil {
		o.NewTransport = func(stunServers []string, logger Logger) (TransportNegotiator, error) {
			return NewIceTransportManager(stunServers, logger)
		}
	}
	if o.NewCryptoKeyer == nil {
		o.NewCryptoKeyer = func(logger Logger) (CryptoKeyer, error) {
			return NewDtlsControlManager(logger)
		}
	}
	if o.NewCapturer == nil {
		o.NewCapturer = func(logger Logger) Capturer {
			return NewMediaRecorder(logger)
		}
	}
	if o.NewParticipant == nil {
		o.NewParticipant = func(conn SignalingConnection, dir string, signalingTimeout time.Duration, logger Logger) SignalingParticipant {
			return NewMucSession(conn, dir, signalingTimeout, logger)
		}
	}
}

// Task records one conference. It mediates between the signaling session,
// the ICE transport, the DTLS-SRTP keyer, and the media recorder, and owns
// the lifecycle:
//
//	Uninitialized -> Init -> Initialized -> Start -> Running
//	Running -> Stop -> Stopped -> Uninit -> Uninitialized
//
// A failure during the running sequence moves the task to Aborted instead of
// Stopped; Aborted is terminal until Uninit resets the task for reuse.
//
// Exactly one terminal lifecycle event is delivered per run: ENDED on a
// clean stop, ABORTED on failure.
type Task struct {
	opts      TaskOptions
	logger    Logger
	metrics   *Metrics
	listeners *listenerRegistry
	dispatch  map[TaskEventType]func(TaskEvent)

	mu               sync.Mutex
	status           TaskStatus
	info             TaskInfo
	conn             SignalingConnection
	dir              string
	transport        TransportNegotiator
	keyer            CryptoKeyer
	recorder         Capturer
	session          SignalingParticipant
	ctx              context.Context
	cancel           context.CancelFunc
	stopped          bool
	workerDone       chan struct{}
	negotiationStart time.Time
}

// NewTask builds an uninitialized task.
func NewTask(opts TaskOptions) *Task {
	opts.applyDefaults()
	t := &Task{
		opts:      opts,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		listeners: newListenerRegistry(opts.Logger),
	}
	t.dispatch = map[TaskEventType]func(TaskEvent){
		TaskEventParticipantCame: t.onParticipantCame,
		TaskEventParticipantLeft: t.onParticipantLeft,
	}
	return t
}

// Init binds the task to a conference: it constructs the transport, keyer,
// recorder, and session collaborators and prepares the storage directory.
// Valid only from the uninitialized state.
func (t *Task) Init(mucAddress string, conn SignalingConnection, savingDir string) error {
	t.mu.Lock()
	if t.status != TaskStatusUninitialized {
		t.mu.Unlock()
		return fmt.Errorf("%w: init from status %s", ErrInvalidState, t.status)
	}
	t.mu.Unlock()

	if mucAddress == "" {
		return fmt.Errorf("%w: empty MUC address", ErrInitialization)
	}
	if conn == nil {
		return fmt.Errorf("%w: nil signaling connection", ErrInitialization)
	}
	if savingDir == "" {
		return fmt.Errorf("%w: empty storage directory", ErrInitialization)
	}

	transport, err := t.opts.NewTransport(t.opts.StunServers, t.logger)
	if err != nil {
		return err
	}
	keyer, err := t.opts.NewCryptoKeyer(t.logger)
	if err != nil {
		transport.Free()
		return err
	}
	if err := keyer.SetHashFunction(t.opts.HashFunction); err != nil {
		transport.Free()
		return err
	}
	recorder := t.opts.NewCapturer(t.logger)
	if err := recorder.Init(savingDir, keyer.CryptoHandles()); err != nil {
		transport.Free()
		return err
	}
	session := t.opts.NewParticipant(conn, savingDir, t.opts.SignalingTimeout, t.logger)
	session.SetTaskEventListener(t)

	ctx, cancel := context.WithCancel(context.Background())

	t.mu.Lock()
	t.conn = conn
	t.dir = savingDir
	t.transport = transport
	t.keyer = keyer
	t.recorder = recorder
	t.session = session
	t.ctx = ctx
	t.cancel = cancel
	t.stopped = false
	t.workerDone = nil
	t.status = TaskStatusInitialized
	t.info = TaskInfo{
		MucAddress: mucAddress,
		Nickname:   t.opts.Nickname,
		Status:     TaskStatusInitialized,
	}
	t.mu.Unlock()

	t.logger.Info("recording task initialized",
		"mucAddress", mucAddress,
		"dir", savingDir,
	)
	return nil
}

// Start launches the negotiation-and-recording sequence on a worker
// goroutine and returns immediately. Valid only from the initialized state.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.status != TaskStatusInitialized {
		t.mu.Unlock()
		return fmt.Errorf("%w: start from status %s", ErrInvalidState, t.status)
	}
	t.status = TaskStatusRunning
	t.info.Status = TaskStatusRunning
	t.workerDone = make(chan struct{})
	t.negotiationStart = time.Now()
	ctx := t.ctx
	mucAddress := t.info.MucAddress
	t.mu.Unlock()

	t.metrics.TaskStarted()
	go t.run(ctx)
	t.logger.Info("recording task started", "mucAddress", mucAddress)
	return nil
}

func (t *Task) run(ctx context.Context) {
	defer close(t.workerDone)
	defer func() {
		if rec := recover(); rec != nil {
			t.abort(fmt.Errorf("task worker panicked: %v", rec), "worker")
		}
	}()

	stage, err := t.negotiate(ctx)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		t.logger.Debug("negotiation canceled", "stage", stage, "error", err)
		return
	}
	t.abort(err, stage)
}

// negotiate runs the sequence that takes the task from a joined MUC to
// flowing media. It returns the failed stage name alongside the error.
func (t *Task) negotiate(ctx context.Context) (string, error) {
	t.mu.Lock()
	transport := t.transport
	keyer := t.keyer
	recorder := t.recorder
	session := t.session
	mucAddress := t.info.MucAddress
	nickname := t.info.Nickname
	started := t.negotiationStart
	t.mu.Unlock()

	if err := transport.HarvestLocalCandidates(ctx); err != nil {
		return "gather", err
	}

	session.SetLocalStreamSources(recorder.LocalStreamSources())

	initiate, err := session.Connect(ctx, transport, keyer, mucAddress, nickname)
	if err != nil {
		return "signaling", err
	}

	fingerprints, err := ParseRemoteFingerprints(initiate)
	if err != nil {
		return "fingerprints", fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	for mt, fp := range fingerprints {
		if err := keyer.AddRemoteFingerprint(mt, fp.Hash, fp.Value); err != nil {
			return "fingerprints", err
		}
	}

	transports, err := ParseRemoteTransports(initiate)
	if err != nil {
		return "transport", fmt.Errorf("%w: %v", ErrSignaling, err)
	}
	if err := transport.HarvestRemoteCandidates(transports); err != nil {
		return "transport", err
	}

	if err := transport.StartConnectivityEstablishment(ctx); err != nil {
		return "connectivity", err
	}

	connCtx, cancel := context.WithTimeout(ctx, t.opts.ConnectivityTimeout)
	defer cancel()
	connectors := make(map[MediaType]*StreamConnector, len(RecordedMediaTypes()))
	targets := make(map[MediaType]*StreamTarget, len(RecordedMediaTypes()))
	for _, mt := range RecordedMediaTypes() {
		connector, err := transport.StreamConnector(connCtx, mt)
		if err != nil {
			return "connectivity", err
		}
		target, err := transport.StreamTarget(connCtx, mt)
		if err != nil {
			return "connectivity", err
		}
		connectors[mt] = connector
		targets[mt] = target
	}

	recorder.SetAssociatedStreamSources(session.AssociatedStreamSources())

	if err := recorder.StartRecording(session.FormatAndPayloadTypes(), connectors, targets); err != nil {
		return "recording", err
	}

	t.metrics.NegotiationCompleted(time.Since(started))
	t.logger.Info("recording task running",
		"mucAddress", mucAddress,
		"negotiation", time.Since(started).String(),
	)
	return "", nil
}

// Stop ends the recording cleanly: capture halts, metadata is written, the
// session terminates with reason success, and listeners receive ENDED.
// Stopping an already-stopped task is a no-op; an aborted task keeps its
// aborted status.
func (t *Task) Stop() error {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()

	switch status {
	case TaskStatusUninitialized:
		return fmt.Errorf("%w: stop from status %s", ErrInvalidState, status)
	case TaskStatusStopped, TaskStatusAborted:
		return nil
	}

	if !t.beginStop() {
		t.waitWorker()
		return nil
	}

	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	t.teardown(ReasonSuccess, "recording ended")
	t.waitWorker()

	t.mu.Lock()
	clean := t.status != TaskStatusAborted
	if clean {
		t.status = TaskStatusStopped
		t.info.Status = TaskStatusStopped
	}
	mucAddress := t.info.MucAddress
	t.mu.Unlock()

	if clean {
		t.metrics.TaskEnded()
		t.logger.Info("recording task stopped", "mucAddress", mucAddress)
		t.listeners.Notify(newEvent(EventTypeEnded, t, nil))
	}
	return nil
}

// abort moves the task to Aborted and delivers exactly one ABORTED event.
// Only the worker goroutine calls it; a concurrent clean Stop wins the race
// and suppresses the event.
func (t *Task) abort(err error, stage string) {
	if !t.beginStop() {
		return
	}

	t.mu.Lock()
	t.status = TaskStatusAborted
	t.info.Status = TaskStatusAborted
	cancel := t.cancel
	mucAddress := t.info.MucAddress
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	t.teardown(ReasonCancel, err.Error())

	t.metrics.TaskAborted()
	t.metrics.StageFailed(stage)
	t.logger.Error("recording task aborted",
		"mucAddress", mucAddress,
		"stage", stage,
		"error", err,
	)
	t.listeners.Notify(newEvent(EventTypeAborted, t, err))
}

// beginStop claims the single stop slot shared by Stop and abort.
func (t *Task) beginStop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// teardown halts capture, writes metadata, and leaves the conference. Runs
// at most once per initialization, on whichever of Stop or abort claimed the
// stop slot.
func (t *Task) teardown(reason Reason, message string) {
	t.mu.Lock()
	recorder := t.recorder
	session := t.session
	t.mu.Unlock()

	if recorder != nil {
		recorder.StopRecording()
	}
	if session != nil {
		if err := session.WriteMetadata(); err != nil {
			t.logger.Warn("writing metadata failed", "error", err)
		}
		session.Disconnect(reason, message)
	}
}

func (t *Task) waitWorker() {
	t.mu.Lock()
	done := t.workerDone
	t.mu.Unlock()
	if done == nil {
		return
	}
	<-done
}

// Uninit returns the task to the uninitialized state so it can be reused.
// A task that is still initialized or running is stopped first. Listener
// registrations do not survive uninitialization.
func (t *Task) Uninit() {
	t.mu.Lock()
	status := t.status
	t.mu.Unlock()
	if status == TaskStatusUninitialized {
		return
	}
	if status == TaskStatusInitialized || status == TaskStatusRunning {
		_ = t.Stop()
	}

	t.mu.Lock()
	transport := t.transport
	conn := t.conn
	cancel := t.cancel
	t.transport = nil
	t.keyer = nil
	t.recorder = nil
	t.session = nil
	t.conn = nil
	t.ctx = nil
	t.cancel = nil
	t.workerDone = nil
	t.dir = ""
	t.stopped = false
	t.info = TaskInfo{}
	t.status = TaskStatusUninitialized
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if transport != nil {
		transport.Free()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			t.logger.Debug("closing signaling connection", "error", err)
		}
	}
	t.listeners.Clear()
	t.logger.Info("recording task uninitialized")
}

// AddEventListener registers a lifecycle event listener. Listeners must be
// comparable types; registering the same listener twice delivers events
// twice.
func (t *Task) AddEventListener(listener EventListener) {
	t.listeners.Add(listener)
}

// RemoveEventListener removes the first registration of listener. A listener
// removed before an event's fan-out begins does not receive that event.
func (t *Task) RemoveEventListener(listener EventListener) {
	t.listeners.Remove(listener)
}

// HandleTaskEvent consumes the internal participant events raised by the
// signaling session.
func (t *Task) HandleTaskEvent(event TaskEvent) {
	handler, ok := t.dispatch[event.Type]
	if !ok {
		t.logger.Warn("unhandled task event", "type", string(event.Type))
		return
	}
	handler(event)
}

func (t *Task) onParticipantCame(event TaskEvent) {
	t.mu.Lock()
	recorder := t.recorder
	session := t.session
	t.mu.Unlock()
	if recorder == nil || session == nil {
		return
	}
	recorder.SetAssociatedStreamSources(session.AssociatedStreamSources())
	t.logger.Debug("participant came", "occupant", event.Occupant)
}

// onParticipantLeft keeps the recording going. Departed participants stay in
// the metadata, and their streams simply stop arriving.
func (t *Task) onParticipantLeft(event TaskEvent) {
	t.logger.Debug("participant left, capture continues", "occupant", event.Occupant)
}

// Info returns a point-in-time snapshot of the task.
func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.info
}

// Status returns the current lifecycle status.
func (t *Task) Status() TaskStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// StorageDir returns the directory this task writes into, or "" when the
// task is uninitialized.
func (t *Task) StorageDir() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dir
}
