// Package scheduler runs the periodic background tasks of the daemon.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/quantumlife/labcal/internal/logging"
)

// Scheduler manages scheduled tasks
type Scheduler struct {
	cron     *cron.Cron
	tasks    map[string]*Task
	entries  map[string]cron.EntryID
	mu       sync.RWMutex
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	started  bool
	timezone *time.Location
	log      *logging.Logger
}

// Config configures the scheduler
type Config struct {
	Timezone string // Timezone for scheduling (default: UTC)
}

// DefaultConfig returns default configuration
func DefaultConfig() Config {
	return Config{
		Timezone: "UTC",
	}
}

// NewScheduler creates a new scheduler
func NewScheduler(cfg Config) (*Scheduler, error) {
	tz, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		tz = time.UTC
	}

	log := logging.Component("scheduler")
	clog := cronLogger{log}
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(tz),
			cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
			cron.WithLogger(clog),
		),
		tasks:    make(map[string]*Task),
		entries:  make(map[string]cron.EntryID),
		ctx:      ctx,
		cancel:   cancel,
		timezone: tz,
		log:      log,
	}, nil
}

// Task represents a scheduled task
type Task struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Schedule    Schedule      `json:"schedule"`
	Handler     TaskHandler   `json:"-"`
	Enabled     bool          `json:"enabled"`
	LastRun     *time.Time    `json:"last_run,omitempty"`
	NextRun     *time.Time    `json:"next_run,omitempty"`
	RunCount    int64         `json:"run_count"`
	ErrorCount  int64         `json:"error_count"`
	LastError   string        `json:"last_error,omitempty"`
	CreatedAt   time.Time     `json:"created_at"`
	Timeout     time.Duration `json:"timeout"`
}

// TaskHandler is the function executed for a task
type TaskHandler func(ctx context.Context) error

// Schedule defines when a task runs
type Schedule struct {
	Type     ScheduleType  `json:"type"`
	Interval time.Duration `json:"interval,omitempty"` // For interval schedules
	Cron     string        `json:"cron,omitempty"`     // For cron schedules
	At       string        `json:"at,omitempty"`       // For daily schedules (e.g., "03:00")
}

// ScheduleType represents the type of schedule
type ScheduleType string

const (
	ScheduleInterval ScheduleType = "interval" // Run every X duration
	ScheduleDaily    ScheduleType = "daily"    // Run at specific time daily
	ScheduleCron     ScheduleType = "cron"     // Cron expression
)

// Spec returns the cron spec of the schedule.
func (s Schedule) Spec() (string, error) {
	switch s.Type {
	case ScheduleInterval:
		if s.Interval <= 0 {
			return "", fmt.Errorf("interval must be positive")
		}
		return "@every " + s.Interval.String(), nil
	case ScheduleDaily:
		var hour, minute int
		if _, err := fmt.Sscanf(s.At, "%d:%d", &hour, &minute); err != nil {
			return "", fmt.Errorf("daily time %q: %w", s.At, err)
		}
		if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
			return "", fmt.Errorf("daily time %q out of range", s.At)
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), nil
	case ScheduleCron:
		return s.Cron, nil
	default:
		return "", fmt.Errorf("unknown schedule type %q", s.Type)
	}
}

// Register adds a task to the scheduler
func (s *Scheduler) Register(task *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if task.Handler == nil {
		return fmt.Errorf("task handler is required")
	}
	if _, ok := s.tasks[task.ID]; ok {
		return fmt.Errorf("task already registered: %s", task.ID)
	}

	spec, err := task.Schedule.Spec()
	if err != nil {
		return fmt.Errorf("task %s: %w", task.ID, err)
	}

	if task.Timeout == 0 {
		task.Timeout = 5 * time.Minute
	}
	task.CreatedAt = time.Now()
	task.Enabled = true

	id, err := s.cron.AddFunc(spec, func() { s.executeTask(s.runContext(), task) })
	if err != nil {
		return fmt.Errorf("task %s: parse schedule %q: %w", task.ID, spec, err)
	}
	s.entries[task.ID] = id
	s.tasks[task.ID] = task
	s.refreshNextRun(task.ID)
	return nil
}

// Unregister removes a task from the scheduler
func (s *Scheduler) Unregister(taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[taskID]; ok {
		s.cron.Remove(id)
		delete(s.entries, taskID)
	}
	delete(s.tasks, taskID)
	return nil
}

// Start starts the scheduler
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	s.cron.Start()
	for id := range s.tasks {
		s.refreshNextRun(id)
	}
	s.log.Info("scheduler started with %d tasks", len(s.tasks))
	return nil
}

// Stop stops scheduling, cancels running handlers and waits for them.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	stopped := s.cron.Stop()
	s.cancel()
	s.mu.Unlock()

	<-stopped.Done()
	s.wg.Wait()

	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) runContext() context.Context {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ctx
}

// executeTask executes a single task
func (s *Scheduler) executeTask(ctx context.Context, task *Task) {
	s.wg.Add(1)
	defer s.wg.Done()

	execCtx, cancel := context.WithTimeout(ctx, task.Timeout)
	defer cancel()

	now := time.Now()
	s.mu.Lock()
	task.LastRun = &now
	task.RunCount++
	s.mu.Unlock()

	err := task.Handler(execCtx)

	s.mu.Lock()
	if err != nil {
		task.ErrorCount++
		task.LastError = err.Error()
	} else {
		task.LastError = ""
	}
	s.refreshNextRun(task.ID)
	s.mu.Unlock()

	log := s.log.WithFields(map[string]interface{}{
		"task":     task.ID,
		"duration": time.Since(now).String(),
	})
	if err != nil {
		log.WithError(err).Warn("scheduled task failed")
		return
	}
	log.Debug("scheduled task finished")
}

// refreshNextRun copies the cron entry's next activation. Callers hold mu.
func (s *Scheduler) refreshNextRun(taskID string) {
	task, ok := s.tasks[taskID]
	if !ok {
		return
	}
	id, ok := s.entries[taskID]
	if !ok {
		return
	}
	next := s.cron.Entry(id).Next
	if next.IsZero() {
		return
	}
	task.NextRun = &next
}

// RunNow executes a task immediately and waits for it.
func (s *Scheduler) RunNow(ctx context.Context, taskID string) error {
	s.mu.RLock()
	task, ok := s.tasks[taskID]
	s.mu.RUnlock()

	if !ok {
		return fmt.Errorf("task not found: %s", taskID)
	}

	s.executeTask(ctx, task)

	s.mu.RLock()
	defer s.mu.RUnlock()
	if task.LastError != "" {
		return fmt.Errorf("task %s: %s", taskID, task.LastError)
	}
	return nil
}

// GetTask returns a task by ID
func (s *Scheduler) GetTask(taskID string) (*Task, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[taskID]
	return task, ok
}

// ListTasks returns all tasks ordered by ID
func (s *Scheduler) ListTasks() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks := make([]*Task, 0, len(s.tasks))
	for _, task := range s.tasks {
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks
}

// GetStats returns scheduler statistics
func (s *Scheduler) GetStats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Started:    s.started,
		TotalTasks: len(s.tasks),
		Timezone:   s.timezone.String(),
	}
	for _, task := range s.tasks {
		stats.TotalRuns += task.RunCount
		stats.TotalErrors += task.ErrorCount
	}
	return stats
}

// Stats contains scheduler statistics
type Stats struct {
	Started     bool   `json:"started"`
	TotalTasks  int    `json:"total_tasks"`
	TotalRuns   int64  `json:"total_runs"`
	TotalErrors int64  `json:"total_errors"`
	Timezone    string `json:"timezone"`
}

// IntervalTask creates a task that runs at a fixed interval
func IntervalTask(id, name string, interval time.Duration, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleInterval, Interval: interval},
		Handler:  handler,
	}
}

// DailyTask creates a task that runs daily at a specific time
func DailyTask(id, name, at string, handler TaskHandler) *Task {
	return &Task{
		ID:       id,
		Name:     name,
		Schedule: Schedule{Type: ScheduleDaily, At: at},
		Handler:  handler,
	}
}

// cronLogger routes cron's own messages into the component logger.
type cronLogger struct {
	log *logging.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.WithFields(kv(keysAndValues)).Debug("cron: %s", msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.WithError(err).WithFields(kv(keysAndValues)).Error("cron: %s", msg)
}

func kv(pairs []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		fields[fmt.Sprint(pairs[i])] = pairs[i+1]
	}
	return fields
}
