package recording

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/exp/maps"
)

// DialFunc opens a fresh signaling connection for one task.
type DialFunc func(ctx context.Context) (SignalingConnection, error)

// ServiceOptions configures a Service.
type ServiceOptions struct {
	// Config supplies the recorder-wide settings.
	Config Config

	// Logger receives structured service logs.
	Logger Logger

	// Metrics receives lifecycle counters shared by all tasks. Nil disables
	// instrumentation.
	Metrics *Metrics

	// Dial opens the signaling connection for each started task. Required.
	Dial DialFunc

	// TaskDefaults seeds the options of every task the service builds.
	// Config-derived fields (nickname, hash, timeouts, STUN servers) are
	// filled in on top; tests use the factory fields to substitute
	// collaborators.
	TaskDefaults TaskOptions
}

// Service runs one recording task per conference. It dials a signaling
// connection for each started task, watches the tasks' lifecycle events, and
// uninitializes and forgets a task once it ends or aborts.
type Service struct {
	cfg       Config
	logger    Logger
	metrics   *Metrics
	dial      DialFunc
	defaults  TaskOptions
	listeners *listenerRegistry
	closed    *atomic.Bool

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewService builds a service from validated configuration.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Dial == nil {
		return nil, fmt.Errorf("%w: nil dial function", ErrInitialization)
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = NewZapLogger(nil)
	}
	return &Service{
		cfg:       opts.Config,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		dial:      opts.Dial,
		defaults:  opts.TaskDefaults,
		listeners: newListenerRegistry(opts.Logger),
		closed:    atomic.NewBool(false),
		tasks:     make(map[string]*Task),
	}, nil
}

// StartTask begins recording the given conference. One task per MUC address;
// starting a second for the same address fails.
func (s *Service) StartTask(ctx context.Context, mucAddress string) (*Task, error) {
	if s.closed.Load() {
		return nil, fmt.Errorf("%w: service is shut down", ErrInvalidState)
	}
	if mucAddress == "" {
		return nil, fmt.Errorf("%w: empty MUC address", ErrInitialization)
	}

	s.mu.Lock()
	if _, exists := s.tasks[mucAddress]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: conference %s is already being recorded", ErrInvalidState, mucAddress)
	}
	s.tasks[mucAddress] = nil
	s.mu.Unlock()

	task, err := s.startTask(ctx, mucAddress)
	if err != nil {
		s.mu.Lock()
		delete(s.tasks, mucAddress)
		s.mu.Unlock()
		return nil, err
	}

	s.mu.Lock()
	s.tasks[mucAddress] = task
	s.mu.Unlock()
	return task, nil
}

func (s *Service) startTask(ctx context.Context, mucAddress string) (*Task, error) {
	conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(s.cfg.OutputDir, storageDirName(mucAddress))
	opts := s.defaults
	opts.Nickname = s.cfg.Nickname
	opts.HashFunction = s.cfg.HashFunction
	opts.ConnectivityTimeout = s.cfg.ConnectivityTimeout
	opts.SignalingTimeout = s.cfg.SignalingTimeout
	opts.StunServers = s.cfg.StunServers
	opts.Logger = s.logger
	opts.Metrics = s.metrics

	task := NewTask(opts)
	task.AddEventListener(s)
	if err := task.Init(mucAddress, conn, dir); err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := task.Start(); err != nil {
		task.Uninit()
		return nil, err
	}
	s.logger.Info("task started for conference", "mucAddress", mucAddress, "dir", dir)
	return task, nil
}

// StopTask cleanly stops the task recording the given conference. The ENDED
// event removes and uninitializes the task before StopTask returns.
func (s *Service) StopTask(mucAddress string) error {
	s.mu.Lock()
	task := s.tasks[mucAddress]
	s.mu.Unlock()
	if task == nil {
		return fmt.Errorf("%w: no task for conference %s", ErrInvalidState, mucAddress)
	}
	return task.Stop()
}

// TaskInfos returns a snapshot of every live task, sorted by MUC address.
func (s *Service) TaskInfos() []TaskInfo {
	s.mu.Lock()
	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		if task != nil {
			tasks = append(tasks, task)
		}
	}
	s.mu.Unlock()

	infos := make([]TaskInfo, 0, len(tasks))
	for _, task := range tasks {
		infos = append(infos, task.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].MucAddress < infos[j].MucAddress })
	return infos
}

// AddEventListener registers a listener for the lifecycle events of every
// task the service runs.
func (s *Service) AddEventListener(listener EventListener) {
	s.listeners.Add(listener)
}

// RemoveEventListener removes the first registration of listener.
func (s *Service) RemoveEventListener(listener EventListener) {
	s.listeners.Remove(listener)
}

// HandleEvent receives each task's lifecycle events. Service-level listeners
// observe the event before the task is removed and reset, so the task's
// storage directory is still readable from the event.
func (s *Service) HandleEvent(event Event) {
	s.listeners.Notify(event)

	if event.Type != EventTypeAborted && event.Type != EventTypeEnded {
		return
	}
	if event.Task == nil {
		return
	}

	s.mu.Lock()
	var mucAddress string
	for addr, task := range s.tasks {
		if task == event.Task {
			mucAddress = addr
			delete(s.tasks, addr)
			break
		}
	}
	s.mu.Unlock()
	if mucAddress == "" {
		return
	}

	event.Task.Uninit()
	s.logger.Info("task removed",
		"mucAddress", mucAddress,
		"eventType", string(event.Type),
	)
}

// Shutdown stops every live task and refuses new ones. Safe to call more
// than once.
func (s *Service) Shutdown() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	s.mu.Lock()
	addresses := maps.Keys(s.tasks)
	s.mu.Unlock()
	sort.Strings(addresses)

	var firstErr error
	for _, mucAddress := range addresses {
		s.mu.Lock()
		task := s.tasks[mucAddress]
		s.mu.Unlock()
		if task == nil {
			continue
		}
		if err := task.Stop(); err != nil {
			s.logger.Warn("stopping task during shutdown failed",
				"mucAddress", mucAddress,
				"error", err,
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	s.logger.Info("service shut down", "stoppedTasks", len(addresses))
	return firstErr
}

// storageDirName derives the per-recording directory name from the MUC
// address and the start time.
func storageDirName(mucAddress string) string {
	name := strings.ReplaceAll(mucAddress, "/", "_")
	return fmt.Sprintf("%s-%d", name, time.Now().Unix())
}
