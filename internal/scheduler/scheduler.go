package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/digkill/arcano/internal/metrics"
)

var (
	ErrUnknownTask = errors.New("unknown task")
	ErrTaskBusy    = errors.New("task is already running")
)

type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	spec string
	fn   TaskFunc
	mu   sync.Mutex
}

// Scheduler runs named periodic sweeps. A run of a task never overlaps
// with another run of the same task, scheduled or manual.
type Scheduler struct {
	cron  *cron.Cron
	log   *slog.Logger
	tasks map[string]*task
	ctx   context.Context
}

func New(log *slog.Logger) *Scheduler {
	cl := cronLogger{log: log}
	return &Scheduler{
		cron:  cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		log:   log,
		tasks: make(map[string]*task),
		ctx:   context.Background(),
	}
}

// Register adds a task under a cron spec such as "@every 15s".
func (s *Scheduler) Register(name, spec string, fn TaskFunc) error {
	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	t := &task{name: name, spec: spec, fn: fn}
	if _, err := s.cron.AddFunc(spec, func() {
		if err := s.run(s.ctx, t); err != nil && !errors.Is(err, ErrTaskBusy) {
			s.log.Error("scheduled task failed", "task", name, "err", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	s.tasks[name] = t
	return nil
}

// Run triggers a task immediately and waits for it.
func (s *Scheduler) Run(ctx context.Context, name string) error {
	t, ok := s.tasks[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	return s.run(ctx, t)
}

func (s *Scheduler) run(ctx context.Context, t *task) error {
	if !t.mu.TryLock() {
		return ErrTaskBusy
	}
	defer t.mu.Unlock()

	start := time.Now()
	err := t.fn(ctx)
	metrics.RecordSweep(t.name, err == nil, time.Since(start))
	return err
}

// Tasks lists registered task names.
func (s *Scheduler) Tasks() []string {
	names := make([]string, 0, len(s.tasks))
	for name := range s.tasks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start runs the schedule until ctx is cancelled, then waits for running
// tasks to return. Tasks must be registered before Start.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx = ctx
	s.cron.Start()
	s.log.Info("scheduler started", "tasks", s.Tasks())

	<-ctx.Done()
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error("cron: "+msg, append([]any{"err", err}, keysAndValues...)...)
}
