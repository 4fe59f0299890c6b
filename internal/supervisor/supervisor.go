// Package supervisor runs the daemon's long-lived tasks, watches their
// liveness and shuts everything down as soon as one of them dies. Tasks are
// never restarted.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"zapd/go-daemon/internal/alert"
	"zapd/go-daemon/internal/metrics"
)

const componentName = "supervisor"

const alertTimeout = 10 * time.Second

var (
	ErrWorkerDied     = errors.New("supervised worker died")
	ErrNoTasks        = errors.New("no tasks registered")
	ErrAlreadyRunning = errors.New("supervisor already running")
	ErrDuplicateTask  = errors.New("duplicate task name")
)

// Task is a long-lived unit of work. Run must call ready once its setup is
// complete and block until ctx is cancelled, Stop is called, or the task
// fails. Returning from Run for any reason is terminal.
type Task interface {
	Name() string
	Run(ctx context.Context, ready func()) error
	Stop(ctx context.Context) error
}

// State is a task's position in the created, starting, running, terminated
// lifecycle. Terminated is final.
type State string

const (
	StateCreated    State = "created"
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateTerminated State = "terminated"
)

// TaskStatus is the registry entry for one task as reported by Health.
type TaskStatus struct {
	Name         string    `json:"name"`
	State        State     `json:"state"`
	Started      bool      `json:"started"`
	Alive        bool      `json:"alive"`
	Err          string    `json:"error,omitempty"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	TerminatedAt time.Time `json:"terminated_at,omitempty"`
}

// Config holds the liveness poll period and the bound on cooperative
// shutdown.
type Config struct {
	PollInterval time.Duration `yaml:"pollInterval"`
	StopTimeout  time.Duration `yaml:"stopTimeout"`
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 1 * time.Second,
		StopTimeout:  10 * time.Second,
	}
}

// transition is the only way a task's goroutine reports back.
type transition struct {
	index int
	state State
	err   error
	at    time.Time
}

type Supervisor struct {
	cfg     Config
	alerter alert.Alerter
	logger  *slog.Logger
	metrics *metrics.Registry

	tasks   []Task
	started atomic.Bool

	mu       sync.RWMutex
	registry []TaskStatus

	healthyNotified bool
	deathNotified   bool

	alertCtx context.Context
	alerts   sync.WaitGroup
}

// Option customises a Supervisor built by New.
type Option func(*Supervisor)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *Supervisor) {
		s.metrics = m
	}
}

// New builds a supervisor. A nil alerter falls back to logging alerts.
func New(cfg Config, alerter alert.Alerter, opts ...Option) *Supervisor {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	s := &Supervisor{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if alerter == nil {
		alerter = alert.NewLogAlerter(s.logger)
	}
	s.alerter = alerter
	return s
}

// Add registers a task. The task set is fixed once Run is called.
func (s *Supervisor) Add(t Task) error {
	if s.started.Load() {
		return ErrAlreadyRunning
	}
	name := strings.TrimSpace(t.Name())
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.registry {
		if existing.Name == name {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, name)
		}
	}
	s.tasks = append(s.tasks, t)
	s.registry = append(s.registry, TaskStatus{Name: name, State: StateCreated})
	return nil
}

// Health returns a snapshot of every task's status in registration order.
func (s *Supervisor) Health() []TaskStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TaskStatus(nil), s.registry...)
}

// Run starts every task and polls their liveness until ctx is cancelled or a
// task terminates. Either way all remaining tasks are stopped before Run
// returns. The returned error wraps ErrWorkerDied when a task died.
func (s *Supervisor) Run(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	if len(s.tasks) == 0 {
		return ErrNoTasks
	}

	taskCtx, cancelTasks := context.WithCancel(context.Background())
	defer cancelTasks()
	alertCtx, cancelAlerts := context.WithCancel(context.Background())
	defer cancelAlerts()
	s.alertCtx = alertCtx
	// Each task reports at most two transitions, so sends never block.
	events := make(chan transition, 2*len(s.tasks))
	var wg sync.WaitGroup
	for i, t := range s.tasks {
		s.apply(transition{index: i, state: StateStarting, at: time.Now()})
		wg.Add(1)
		go s.runTask(taskCtx, i, t, events, &wg)
	}
	s.logInfo("supervisor.start", "tasks started", "tasks", len(s.tasks))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	var died error
loop:
	for {
		select {
		case <-ctx.Done():
			s.logInfo("supervisor.shutdown", "shutdown requested")
			break loop
		case ev := <-events:
			s.apply(ev)
			if ev.state == StateTerminated {
				if died = s.poll(); died != nil {
					break loop
				}
			}
		case <-ticker.C:
			if died = s.poll(); died != nil {
				break loop
			}
		}
	}

	s.shutdown(cancelTasks, events, &wg)
	cancelAlerts()
	s.alerts.Wait()
	return died
}

func (s *Supervisor) runTask(ctx context.Context, index int, t Task, events chan<- transition, wg *sync.WaitGroup) {
	defer wg.Done()
	var once sync.Once
	ready := func() {
		once.Do(func() {
			events <- transition{index: index, state: StateRunning, at: time.Now()}
		})
	}
	err := safeRun(ctx, t, ready)
	events <- transition{index: index, state: StateTerminated, err: err, at: time.Now()}
}

func safeRun(ctx context.Context, t Task, ready func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return t.Run(ctx, ready)
}

// poll is the liveness check. It raises the one-time healthy alert when all
// tasks are running and the one-time death alert when any has terminated.
// The death alert is sent before poll returns so it precedes the shutdown;
// the healthy alert goes out in the background and never delays the loop.
func (s *Supervisor) poll() error {
	s.mu.RLock()
	running := 0
	var dead *TaskStatus
	for i := range s.registry {
		st := s.registry[i]
		switch st.State {
		case StateRunning:
			running++
		case StateTerminated:
			if dead == nil {
				dead = &st
			}
		}
	}
	total := len(s.registry)
	s.mu.RUnlock()

	if dead != nil {
		if !s.deathNotified {
			s.deathNotified = true
			s.raise(context.Background(), alert.KindDeath, alert.MessageDeath)
		}
		reason := "exited"
		if dead.Err != "" {
			reason = dead.Err
		}
		if !dead.Started {
			reason = "failed to start: " + reason
		}
		s.logError("supervisor.liveness", "worker died", "task", dead.Name, "reason", reason, "running", running, "expected", total)
		return fmt.Errorf("%w: %s: %s", ErrWorkerDied, dead.Name, reason)
	}
	if !s.healthyNotified && running == total {
		s.healthyNotified = true
		s.alerts.Add(1)
		go func() {
			defer s.alerts.Done()
			s.raise(s.alertCtx, alert.KindAlive, alert.MessageAlive)
		}()
	}
	return nil
}

func (s *Supervisor) raise(parent context.Context, kind, msg string) {
	if s.metrics != nil {
		s.metrics.Alerts.WithLabelValues(kind).Inc()
	}
	ctx, cancel := context.WithTimeout(parent, alertTimeout)
	defer cancel()
	var err error
	if kind == alert.KindDeath {
		err = s.alerter.Death(ctx, msg)
	} else {
		err = s.alerter.Alive(ctx, msg)
	}
	if err != nil {
		s.logError("supervisor.alert", "alert delivery failed", "kind", kind, "error", err.Error())
	}
}

func (s *Supervisor) shutdown(cancelTasks context.CancelFunc, events <-chan transition, wg *sync.WaitGroup) {
	deadline := time.Now().Add(s.cfg.StopTimeout)
	stopCtx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	for i, st := range s.Health() {
		if st.State == StateTerminated {
			continue
		}
		if err := s.tasks[i].Stop(stopCtx); err != nil {
			s.logWarn("supervisor.stop", "task stop failed", "task", st.Name, "error", err.Error())
		}
	}
	cancelTasks()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	for {
		select {
		case ev := <-events:
			s.apply(ev)
		case <-done:
			for {
				select {
				case ev := <-events:
					s.apply(ev)
				default:
					s.logInfo("supervisor.shutdown", "all tasks stopped")
					return
				}
			}
		case <-timer.C:
			for _, st := range s.Health() {
				if st.State != StateTerminated {
					s.logWarn("supervisor.shutdown", "task did not stop in time", "task", st.Name)
				}
			}
			return
		}
	}
}

func (s *Supervisor) apply(ev transition) {
	s.mu.Lock()
	st := &s.registry[ev.index]
	if st.State == StateTerminated {
		s.mu.Unlock()
		return
	}
	st.State = ev.state
	switch ev.state {
	case StateStarting:
		st.Alive = true
	case StateRunning:
		st.Started = true
		st.StartedAt = ev.at
	case StateTerminated:
		st.Alive = false
		st.TerminatedAt = ev.at
		if ev.err != nil && !errors.Is(ev.err, context.Canceled) {
			st.Err = ev.err.Error()
		}
	}
	name := st.Name
	running := 0
	for _, other := range s.registry {
		if other.State == StateRunning {
			running++
		}
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.TasksRunning.Set(float64(running))
	}
	s.logger.Debug("task state changed", "component", componentName, "operation", "supervisor.transition", "task", name, "state", string(ev.state))
}

func (s *Supervisor) logInfo(operation, message string, attrs ...any) {
	s.logger.Info(message, append([]any{"component", componentName, "operation", operation}, attrs...)...)
}

func (s *Supervisor) logWarn(operation, message string, attrs ...any) {
	s.logger.Warn(message, append([]any{"component", componentName, "operation", operation}, attrs...)...)
}

func (s *Supervisor) logError(operation, message string, attrs ...any) {
	s.logger.Error(message, append([]any{"component", componentName, "operation", operation}, attrs...)...)
}
