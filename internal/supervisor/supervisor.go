package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tripwire/procsup/internal/executor"
	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/logsink"
	"github.com/tripwire/procsup/internal/logwatcher"
	"github.com/tripwire/procsup/internal/pqueue"
	"github.com/tripwire/procsup/internal/scheduler"
	"github.com/tripwire/procsup/internal/task"
)

// Config bundles the policy knobs a Supervisor is constructed with. All
// fields have safe zero values; New fills in the defaults (LogDir "./logs").
type Config struct {
	LogDir           string
	Concurrency      int // 0 or >= 10000 means unbounded
	RateIntervalMs   int64
	RateCap          int
	DefaultIdleMs    int64
	GlobalHooks      hook.Registrations
	HookTimeout      time.Duration
	Logger           *slog.Logger
	Now              func() time.Time // injected clock, for hermetic tests
	IDGenerator      func() string    // injected id generator, for hermetic tests
}

type runningEntry struct {
	handle  *executor.Handle
	watcher *logwatcher.Watcher
	sink    *logsink.Sink
}

// Supervisor is the single logical owner of the task registry, the
// priority queue, the scheduler, and the statistics accumulators. All
// mutations are serialized under one coarse mutex; child processes, log
// sinks, and the hook dispatcher run in their own goroutines and report
// back through callbacks that re-acquire the lock.
type Supervisor struct {
	mu sync.Mutex

	cfg       Config
	logger    *slog.Logger
	now       func() time.Time
	genID     func() string
	dispatcher *hook.Dispatcher
	scheduler  *scheduler.Scheduler

	tasks       map[string]*task.Task
	running     map[string]*runningEntry
	taskHooks   map[string]hook.Registrations
	queueOrigin map[string]struct{} // task ids currently in-flight via the scheduler

	startWaiters map[string][]chan struct{}   // signaled when a task leaves StatusQueued
	exitWaiters  map[string][]chan ExitResult // signaled on terminal transition

	stats statsAccumulator

	shuttingDown bool
	shutdownOnce sync.Once
}

// New constructs a Supervisor from cfg. LogDir defaults to "./logs" if
// empty; DefaultIdleMs defaults to 5 minutes.
func New(cfg Config) (*Supervisor, error) {
	if cfg.LogDir == "" {
		cfg.LogDir = "./logs"
	}
	if cfg.DefaultIdleMs <= 0 {
		cfg.DefaultIdleMs = executor.DefaultIdleTimeout.Milliseconds()
	}
	if cfg.HookTimeout <= 0 {
		cfg.HookTimeout = hook.DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.IDGenerator == nil {
		cfg.IDGenerator = func() string { return uuid.NewString() }
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("supervisor: create log dir: %w", err)
	}

	s := &Supervisor{
		cfg:          cfg,
		logger:       cfg.Logger,
		now:          cfg.Now,
		genID:        cfg.IDGenerator,
		dispatcher:   hook.New(cfg.HookTimeout, cfg.Logger),
		tasks:        make(map[string]*task.Task),
		running:      make(map[string]*runningEntry),
		startWaiters: make(map[string][]chan struct{}),
		exitWaiters:  make(map[string][]chan ExitResult),
	}
	s.scheduler = scheduler.New(cfg.Concurrency, time.Duration(cfg.RateIntervalMs)*time.Millisecond, cfg.RateCap, s.onDispatch, cfg.Logger)
	s.stats.startedAt = cfg.Now()
	return s, nil
}

func (s *Supervisor) nowMillis() int64 { return s.now().UnixMilli() }

func durationMs(ms int64) time.Duration { return time.Duration(ms) * time.Millisecond }

// markQueueOrigin records that id is about to be spawned via the
// scheduler dispatch path. Must be called with s.mu held.
func (s *Supervisor) markQueueOrigin(id string) {
	if s.queueOrigin == nil {
		s.queueOrigin = make(map[string]struct{})
	}
	s.queueOrigin[id] = struct{}{}
}

// popRunningOrigin reports and clears whether id was dispatched via the
// scheduler, so its completion (success or spawn failure) can release the
// scheduler's concurrency slot. Must be called with s.mu held.
func (s *Supervisor) popRunningOrigin(id string) bool {
	if s.queueOrigin == nil {
		return false
	}
	_, ok := s.queueOrigin[id]
	delete(s.queueOrigin, id)
	return ok
}

// Start admits opts and returns synchronously: running/start-failed with
// pid>0/-1 on the direct path, or queued/pid=-1 on the queued path.
func (s *Supervisor) Start(opts StartOptions) (TaskInfo, error) {
	if len(opts.Cmd) == 0 {
		return TaskInfo{}, &task.UserError{Op: "start", Msg: "empty command"}
	}

	s.mu.Lock()
	if s.shuttingDown {
		s.mu.Unlock()
		return TaskInfo{}, &task.UserError{Op: "start", Msg: "supervisor is shutting down"}
	}

	id := s.genID()
	logPath := filepath.Join(s.cfg.LogDir, id+".log")
	t := task.New(id, opts.Cmd, logPath, opts.Tags)

	immediate := opts.Queue != nil && opts.Queue.Immediate
	decision := scheduler.Decide(s.cfg.Concurrency, false, immediate)

	idleMs := opts.IdleTimeoutMs
	if idleMs <= 0 {
		idleMs = s.cfg.DefaultIdleMs
	}
	t.Metadata["idleTimeoutMs"] = fmt.Sprintf("%d", idleMs)
	s.stashHooks(t, opts.Hooks)

	s.tasks[id] = t
	s.stats.totalAdded++
	now := s.nowMillis()

	if decision.Direct {
		t.Admit(task.StatusRunning, func(tk *task.Task) { tk.StartedAt = now })
		s.mu.Unlock()
		s.spawn(t)
		return t.Snapshot(), nil
	}

	queueOpts := &task.QueueOptions{
		Priority: 0,
		ID:       id,
		Aging:    task.AgingConfig{},
	}
	if opts.Queue != nil {
		queueOpts.Priority = opts.Queue.Priority
		if opts.Queue.ID != "" {
			queueOpts.ID = opts.Queue.ID
		}
		queueOpts.Aging = opts.Queue.Aging
		queueOpts.QueuedAt = opts.Queue.QueuedAt
		queueOpts.Cancel = opts.Queue.Cancel
	}
	t.Admit(task.StatusQueued, func(tk *task.Task) {
		tk.StartedAt = now
		tk.QueueOpts = queueOpts
	})
	s.mu.Unlock()

	s.scheduler.Enqueue(scheduler.SubmitOptions{
		ID:        queueOpts.ID,
		Priority:  queueOpts.Priority,
		Immediate: false,
		QueuedAt:  queueOpts.QueuedAt,
		Aging:     pqueue.Aging{Enabled: queueOpts.Aging.Enabled, IncrementPer: queueOpts.Aging.IncrementPer, MaxPriority: queueOpts.Aging.MaxPriority},
		Value:     pqueueEntryValue{taskID: id},
	})

	return t.Snapshot(), nil
}

// StartImmediate is Start with Queue.Immediate forced true.
func (s *Supervisor) StartImmediate(opts StartOptions) (TaskInfo, error) {
	if opts.Queue == nil {
		opts.Queue = &QueueSubmitOptions{}
	}
	opts.Queue.Immediate = true
	return s.Start(opts)
}

// StartWithHandle is Start but also returns a TaskHandle bound to the
// same Task.
func (s *Supervisor) StartWithHandle(opts StartOptions) (TaskInfo, *TaskHandle, error) {
	info, err := s.Start(opts)
	if err != nil {
		return info, nil, err
	}
	s.mu.Lock()
	t := s.tasks[info.ID]
	s.mu.Unlock()
	return info, &TaskHandle{task: t, sup: s}, nil
}

// StartAsync resolves only once the task has actually been spawned (left
// the queue), returning its post-spawn snapshot.
func (s *Supervisor) StartAsync(ctx context.Context, opts StartOptions) (TaskInfo, error) {
	info, handle, err := s.StartWithHandle(opts)
	if err != nil {
		return info, err
	}
	if info.Status != task.StatusQueued {
		return info, nil
	}
	if err := handle.WaitToStart(ctx); err != nil {
		return handle.Info(), err
	}
	return handle.Info(), nil
}

// StartAndWait resolves when the task reaches a terminal status.
func (s *Supervisor) StartAndWait(ctx context.Context, opts StartOptions) (ExitResult, error) {
	info, err := s.Start(opts)
	if err != nil {
		return ExitResult{Err: err}, err
	}
	return s.WaitForTask(ctx, info.ID)
}

// stashHooks records per-task hook registrations in a side table kept on
// Supervisor rather than smuggled onto the public Task record, per the
// typed-index design note. Must be called with s.mu held.
func (s *Supervisor) stashHooks(t *task.Task, local hook.Registrations) {
	if s.taskHooks == nil {
		s.taskHooks = make(map[string]hook.Registrations)
	}
	s.taskHooks[t.ID] = hook.Merge(s.cfg.GlobalHooks, local)
}
