package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"zapd/go-daemon/internal/metrics"
)

type fakeTask struct {
	name        string
	failOnStart error
	panicOnRun  bool
	ignoreStop  bool

	kill    chan error
	stopped chan struct{}
	release chan struct{}

	mu        sync.Mutex
	stopCalls int
	stopOnce  sync.Once
}

func newFakeTask(name string) *fakeTask {
	return &fakeTask{
		name:    name,
		kill:    make(chan error, 1),
		stopped: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (f *fakeTask) Name() string { return f.name }

func (f *fakeTask) Run(ctx context.Context, ready func()) error {
	if f.panicOnRun {
		panic("boom")
	}
	if f.failOnStart != nil {
		return f.failOnStart
	}
	ready()
	if f.ignoreStop {
		<-f.release
		return nil
	}
	select {
	case err := <-f.kill:
		return err
	case <-f.stopped:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeTask) Stop(context.Context) error {
	f.mu.Lock()
	f.stopCalls++
	f.mu.Unlock()
	f.stopOnce.Do(func() { close(f.stopped) })
	return nil
}

func (f *fakeTask) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type recordingAlerter struct {
	mu    sync.Mutex
	alive int
	death int
}

func (r *recordingAlerter) Alive(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alive++
	return nil
}

func (r *recordingAlerter) Death(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.death++
	return nil
}

func (r *recordingAlerter) aliveCount() int {
	alive, _ := r.counts()
	return alive
}

func (r *recordingAlerter) counts() (int, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.alive, r.death
}

// blockingAliveAlerter holds the healthy alert until its context ends.
type blockingAliveAlerter struct {
	recordingAlerter
	aliveStarted chan struct{}
	aliveErr     chan error
}

func (b *blockingAliveAlerter) Alive(ctx context.Context, msg string) error {
	_ = b.recordingAlerter.Alive(ctx, msg)
	close(b.aliveStarted)
	select {
	case <-ctx.Done():
		b.aliveErr <- ctx.Err()
		return ctx.Err()
	case <-time.After(5 * time.Second):
		b.aliveErr <- nil
		return nil
	}
}

func testConfig() Config {
	return Config{PollInterval: 10 * time.Millisecond, StopTimeout: time.Second}
}

func runAsync(ctx context.Context, s *Supervisor) <-chan error {
	out := make(chan error, 1)
	go func() { out <- s.Run(ctx) }()
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func allRunning(s *Supervisor) bool {
	for _, st := range s.Health() {
		if st.State != StateRunning {
			return false
		}
	}
	return true
}

func TestSupervisorSendsHealthyAlertOnce(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(testConfig(), alerter)
	watcher, rpc := newFakeTask("watcher"), newFakeTask("rpc")
	for _, task := range []Task{watcher, rpc} {
		if err := s.Add(task); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s)
	waitFor(t, time.Second, func() bool { return alerter.aliveCount() == 1 }, "healthy alert")
	// Several more polls with every task still running.
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not return after cancel")
	}
	alive, death := alerter.counts()
	if alive != 1 || death != 0 {
		t.Fatalf("expected alive=1 death=0, got alive=%d death=%d", alive, death)
	}
	if watcher.stops() != 1 || rpc.stops() != 1 {
		t.Fatalf("expected one stop per task, got watcher=%d rpc=%d", watcher.stops(), rpc.stops())
	}
	for _, st := range s.Health() {
		if st.State != StateTerminated || st.Alive {
			t.Fatalf("expected %s terminated after shutdown, got %+v", st.Name, st)
		}
		if st.Err != "" {
			t.Fatalf("expected no error for clean stop of %s, got %q", st.Name, st.Err)
		}
	}
}

func TestSupervisorWorkerDeathStopsRemainingTasks(t *testing.T) {
	alerter := &recordingAlerter{}
	reg := metrics.New()
	s := New(testConfig(), alerter, WithMetrics(reg))
	watcher, rpc := newFakeTask("watcher"), newFakeTask("rpc")
	_ = s.Add(watcher)
	_ = s.Add(rpc)

	result := runAsync(context.Background(), s)
	waitFor(t, time.Second, func() bool { return allRunning(s) }, "all tasks running")

	injected := time.Now()
	watcher.kill <- errors.New("feed subscription closed")

	var err error
	select {
	case err = <-result:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down after worker death")
	}
	if !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("expected ErrWorkerDied, got %v", err)
	}
	if !strings.Contains(err.Error(), "watcher") {
		t.Fatalf("expected dead task named in error, got %v", err)
	}
	if elapsed := time.Since(injected); elapsed > 500*time.Millisecond {
		t.Fatalf("shutdown took too long: %s", elapsed)
	}
	_, death := alerter.counts()
	if death != 1 {
		t.Fatalf("expected exactly one death alert, got %d", death)
	}
	if rpc.stops() != 1 {
		t.Fatalf("expected stop on remaining task, got %d", rpc.stops())
	}
	if watcher.stops() != 0 {
		t.Fatalf("dead task must not be stopped again, got %d", watcher.stops())
	}

	health := s.Health()
	if health[0].State != StateTerminated || health[0].Err != "feed subscription closed" {
		t.Fatalf("unexpected watcher status: %+v", health[0])
	}
	if !health[0].Started || health[0].TerminatedAt.IsZero() {
		t.Fatalf("expected watcher to record start and termination, got %+v", health[0])
	}
}

func TestSupervisorDeathNotDelayedBySlowHealthyAlert(t *testing.T) {
	alerter := &blockingAliveAlerter{aliveStarted: make(chan struct{}), aliveErr: make(chan error, 1)}
	s := New(testConfig(), alerter)
	watcher, rpc := newFakeTask("watcher"), newFakeTask("rpc")
	_ = s.Add(watcher)
	_ = s.Add(rpc)

	result := runAsync(context.Background(), s)
	select {
	case <-alerter.aliveStarted:
	case <-time.After(time.Second):
		t.Fatal("healthy alert was never sent")
	}

	injected := time.Now()
	watcher.kill <- errors.New("feed subscription closed")
	waitFor(t, 500*time.Millisecond, func() bool { return rpc.stops() == 1 }, "remaining task stopped while healthy alert in flight")
	if elapsed := time.Since(injected); elapsed > 250*time.Millisecond {
		t.Fatalf("death to shutdown took %s with poll interval %s", elapsed, testConfig().PollInterval)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrWorkerDied) {
			t.Fatalf("expected ErrWorkerDied, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor did not return after worker death")
	}
	if err := <-alerter.aliveErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected in-flight healthy alert cancelled on shutdown, got %v", err)
	}
	if _, death := alerter.counts(); death != 1 {
		t.Fatalf("expected one death alert, got %d", death)
	}
}

func TestSupervisorTaskFailingToStartIsFatal(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(testConfig(), alerter)
	broken := newFakeTask("rpc")
	broken.failOnStart = errors.New("listen tcp: address already in use")
	healthy := newFakeTask("watcher")
	_ = s.Add(healthy)
	_ = s.Add(broken)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("expected ErrWorkerDied, got %v", err)
	}
	if !strings.Contains(err.Error(), "failed to start") {
		t.Fatalf("expected failed-to-start reason, got %v", err)
	}
	alive, death := alerter.counts()
	if alive != 0 || death != 1 {
		t.Fatalf("expected alive=0 death=1, got alive=%d death=%d", alive, death)
	}
	if healthy.stops() != 1 {
		t.Fatalf("expected healthy task stopped, got %d", healthy.stops())
	}
	if s.Health()[1].Started {
		t.Fatal("failed task must not be marked started")
	}
}

func TestSupervisorRecoversPanickingTask(t *testing.T) {
	alerter := &recordingAlerter{}
	s := New(testConfig(), alerter)
	bad := newFakeTask("watcher")
	bad.panicOnRun = true
	_ = s.Add(bad)

	err := s.Run(context.Background())
	if !errors.Is(err, ErrWorkerDied) {
		t.Fatalf("expected ErrWorkerDied, got %v", err)
	}
	if !strings.Contains(s.Health()[0].Err, "panicked") {
		t.Fatalf("expected panic recorded, got %+v", s.Health()[0])
	}
}

func TestSupervisorGivesUpOnUncooperativeTask(t *testing.T) {
	cfg := testConfig()
	cfg.StopTimeout = 100 * time.Millisecond
	s := New(cfg, &recordingAlerter{})
	stubborn := newFakeTask("rpc")
	stubborn.ignoreStop = true
	defer close(stubborn.release)
	_ = s.Add(stubborn)

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s)
	waitFor(t, time.Second, func() bool { return allRunning(s) }, "task running")
	cancel()

	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("expected nil on signal shutdown, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("supervisor blocked on uncooperative task")
	}
	if s.Health()[0].State != StateRunning {
		t.Fatalf("expected task still running, got %s", s.Health()[0].State)
	}
}

func TestSupervisorRegistrationRules(t *testing.T) {
	s := New(testConfig(), nil)
	if err := s.Run(context.Background()); !errors.Is(err, ErrNoTasks) {
		t.Fatalf("expected ErrNoTasks, got %v", err)
	}

	s = New(testConfig(), nil)
	if err := s.Add(newFakeTask("watcher")); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Add(newFakeTask("watcher")); !errors.Is(err, ErrDuplicateTask) {
		t.Fatalf("expected ErrDuplicateTask, got %v", err)
	}
	if st := s.Health()[0]; st.State != StateCreated || st.Started || st.Alive {
		t.Fatalf("unexpected initial status: %+v", st)
	}

	ctx, cancel := context.WithCancel(context.Background())
	result := runAsync(ctx, s)
	waitFor(t, time.Second, func() bool { return allRunning(s) }, "task running")
	if err := s.Add(newFakeTask("late")); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := s.Run(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning for second run, got %v", err)
	}
	cancel()
	<-result
}
