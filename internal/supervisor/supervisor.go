package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Status represents the current state of a supervised task.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

// Logger defines the logging interface for the supervisor.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Task is one supervised unit: the device server, the MQTT bridge, the
// refresh loop and so on.
type Task struct {
	// Name identifies the task in logs and stats.
	Name string

	// Start brings the task up and returns promptly.
	Start func(ctx context.Context) error

	// Stop tears the task down; the supervisor bounds it with the
	// grace period. Optional.
	Stop func(ctx context.Context) error

	// Run is an optional blocking loop. It runs on its own goroutine
	// after Start succeeds; returning a non-nil error marks the task
	// failed and may trigger a restart.
	Run func(ctx context.Context) error

	// RestartOnFailure restarts the Run loop after it fails.
	RestartOnFailure bool

	// RestartDelay is the wait before a restart attempt.
	RestartDelay time.Duration

	// MaxRestartAttempts limits restarts. 0 means unlimited.
	MaxRestartAttempts int
}

// Default supervision timings.
const (
	// DefaultGrace bounds each task's Stop during shutdown.
	DefaultGrace = 5 * time.Second

	defaultRestartDelay = 5 * time.Second
)

// taskState tracks one task's runtime.
type taskState struct {
	task Task

	mu           sync.Mutex
	status       Status
	lastError    error
	restartCount int
	startTime    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// Supervisor owns the process lifecycle: tasks start in registration
// order and stop in reverse order, each stop bounded by the grace
// period. Background loops may be restarted on failure.
//
// Thread Safety: Add before Start; Start and Stop from one goroutine.
// Stats is safe from anywhere.
type Supervisor struct {
	grace  time.Duration
	logger Logger
	tasks  []*taskState
}

// New creates a supervisor. grace <= 0 selects DefaultGrace.
func New(grace time.Duration, logger Logger) *Supervisor {
	if grace <= 0 {
		grace = DefaultGrace
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Supervisor{grace: grace, logger: logger}
}

// Add registers a task. Order matters: startup runs in Add order,
// shutdown in reverse.
func (s *Supervisor) Add(t Task) {
	if t.RestartDelay <= 0 {
		t.RestartDelay = defaultRestartDelay
	}
	s.tasks = append(s.tasks, &taskState{task: t, status: StatusStopped})
}

// Start brings every task up in order. On the first failure the
// already-started tasks are stopped in reverse and the error returned.
func (s *Supervisor) Start(ctx context.Context) error {
	for i, ts := range s.tasks {
		if err := s.startTask(ctx, ts); err != nil {
			s.logger.Error("task failed to start",
				"task", ts.task.Name, "error", err)
			s.stopTasks(s.tasks[:i])
			return fmt.Errorf("starting %s: %w", ts.task.Name, err)
		}
	}
	return nil
}

// Stop tears every task down in reverse order, bounding each Stop by
// the grace period.
func (s *Supervisor) Stop() {
	s.stopTasks(s.tasks)
}

func (s *Supervisor) startTask(ctx context.Context, ts *taskState) error {
	s.logger.Info("starting task", "task", ts.task.Name)

	ts.mu.Lock()
	ts.status = StatusStarting
	ts.mu.Unlock()

	if ts.task.Start != nil {
		if err := ts.task.Start(ctx); err != nil {
			ts.mu.Lock()
			ts.status = StatusFailed
			ts.lastError = err
			ts.mu.Unlock()
			return err
		}
	}

	ts.mu.Lock()
	ts.status = StatusRunning
	ts.startTime = time.Now()
	ts.mu.Unlock()

	if ts.task.Run != nil {
		runCtx, cancel := context.WithCancel(ctx)
		ts.cancel = cancel
		ts.done = make(chan struct{})
		go s.runLoop(runCtx, ts)
	}
	return nil
}

// runLoop runs a task's blocking loop, restarting it on failure when
// configured.
func (s *Supervisor) runLoop(ctx context.Context, ts *taskState) {
	defer close(ts.done)

	for {
		err := ts.task.Run(ctx)

		if ctx.Err() != nil {
			// Shutdown; whatever Run returned is not a failure.
			ts.mu.Lock()
			ts.status = StatusStopped
			ts.mu.Unlock()
			return
		}
		if err == nil {
			// Loop finished on its own terms.
			ts.mu.Lock()
			ts.status = StatusStopped
			ts.mu.Unlock()
			s.logger.Info("task loop finished", "task", ts.task.Name)
			return
		}

		ts.mu.Lock()
		ts.status = StatusFailed
		ts.lastError = err
		ts.restartCount++
		attempt := ts.restartCount
		ts.mu.Unlock()

		s.logger.Warn("task loop failed",
			"task", ts.task.Name, "error", err, "attempt", attempt)

		if !ts.task.RestartOnFailure {
			return
		}
		if ts.task.MaxRestartAttempts > 0 && attempt > ts.task.MaxRestartAttempts {
			s.logger.Error("task exceeded restart attempts",
				"task", ts.task.Name, "attempts", attempt)
			return
		}

		select {
		case <-ctx.Done():
			ts.mu.Lock()
			ts.status = StatusStopped
			ts.mu.Unlock()
			return
		case <-time.After(ts.task.RestartDelay):
		}

		ts.mu.Lock()
		ts.status = StatusRunning
		ts.mu.Unlock()
		s.logger.Info("restarting task loop",
			"task", ts.task.Name, "attempt", attempt)
	}
}

// stopTasks stops the given tasks in reverse order.
func (s *Supervisor) stopTasks(tasks []*taskState) {
	for i := len(tasks) - 1; i >= 0; i-- {
		s.stopTask(tasks[i])
	}
}

func (s *Supervisor) stopTask(ts *taskState) {
	ts.mu.Lock()
	running := ts.status == StatusRunning || ts.status == StatusStarting || ts.status == StatusFailed
	ts.mu.Unlock()
	if !running {
		return
	}

	s.logger.Info("stopping task", "task", ts.task.Name)

	if ts.cancel != nil {
		ts.cancel()
		select {
		case <-ts.done:
		case <-time.After(s.grace):
			s.logger.Warn("task loop did not stop within grace",
				"task", ts.task.Name, "grace", s.grace)
		}
	}

	if ts.task.Stop != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.grace)
		if err := ts.task.Stop(ctx); err != nil {
			s.logger.Warn("task stop failed",
				"task", ts.task.Name, "error", err)
		}
		cancel()
	}

	ts.mu.Lock()
	ts.status = StatusStopped
	ts.mu.Unlock()
}

// Stats reports one task's runtime state.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns the state of every registered task, in start order.
func (s *Supervisor) Stats() []Stats {
	out := make([]Stats, 0, len(s.tasks))
	for _, ts := range s.tasks {
		ts.mu.Lock()
		st := Stats{
			Name:         ts.task.Name,
			Status:       ts.status,
			RestartCount: ts.restartCount,
		}
		if ts.status == StatusRunning {
			st.Uptime = time.Since(ts.startTime)
		}
		if ts.lastError != nil {
			st.LastError = ts.lastError.Error()
		}
		ts.mu.Unlock()
		out = append(out, st)
	}
	return out
}
