package supervisor

import (
	"context"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/tripwire/procsup/internal/executor"
	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/logsink"
	"github.com/tripwire/procsup/internal/logwatcher"
	"github.com/tripwire/procsup/internal/task"
)

// callbackCell lets the log sink's onWrite hook be wired to the executor
// handle's idle-reset after the handle exists, since the sink must be
// opened at admission (before spawn) while the handle is only created by
// a successful spawn.
type callbackCell struct{ fn func() }

func (c *callbackCell) invoke() {
	if c.fn != nil {
		c.fn()
	}
}

// spawn performs the fork/exec for a task that has already been admitted
// (either directly, or dispatched out of the queue), wiring the log sink,
// idle watchdog, and optional log watcher, and arranges for exit to be
// observed exactly once.
func (s *Supervisor) spawn(t *task.Task) {
	idleMs := s.idleTimeoutFor(t)

	cell := &callbackCell{}
	sink, err := logsink.Open(t.LogPath, cell.invoke)
	if err != nil {
		s.finishStartFailed(t, fmt.Errorf("open log sink: %w", err))
		return
	}

	ctx := context.Background()
	handle, err := executor.Spawn(ctx, executor.Options{
		Cmd:         t.Cmd,
		Sink:        sink,
		IdleTimeout: time.Duration(idleMs) * time.Millisecond,
		Logger:      s.logger,
		OnSpawnError: func(spawnErr error) {
			_ = sink.Close()
			s.finishStartFailed(t, spawnErr)
		},
		OnIdleTimeout: func() {
			s.preemptStatus(t, task.StatusTimeout)
		},
		OnExit: func(obs executor.ExitObservation) {
			s.handleExit(t, obs)
		},
	})
	if err != nil {
		// OnSpawnError already ran synchronously inside Spawn on this path.
		return
	}
	cell.fn = handle.ResetIdle

	var lw *logwatcher.Watcher
	if s.taskHooksInclude(t.ID, hook.OnChange) {
		lw = logwatcher.New(t.LogPath, logwatcher.DefaultDebounce, func(delta []byte) {
			s.dispatchHook(t.ID, hook.OnChange, delta)
		}, s.logger)
	}

	s.mu.Lock()
	s.running[t.ID] = &runningEntry{handle: handle, watcher: lw, sink: sink}
	s.mu.Unlock()

	spawnedAt := s.nowMillis()
	t.Lock()
	t.PID = handle.PID()
	t.SpawnedAt = spawnedAt
	hadQueueOpts := t.QueueOpts != nil
	startedAt := t.StartedAt
	t.Unlock()

	if hadQueueOpts {
		s.mu.Lock()
		s.stats.recordWaitTime(time.Duration(spawnedAt-startedAt) * time.Millisecond)
		s.mu.Unlock()
	}
}

func (s *Supervisor) idleTimeoutFor(t *task.Task) int64 {
	t.Lock()
	raw := t.Metadata["idleTimeoutMs"]
	t.Unlock()
	if raw == "" {
		return s.cfg.DefaultIdleMs
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		return s.cfg.DefaultIdleMs
	}
	return ms
}

func (s *Supervisor) taskHooksInclude(id string, kind hook.Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.taskHooks[id]
	if !ok {
		return false
	}
	return len(reg[kind]) > 0
}

// finishStartFailed commits the start-failed terminal status for a task
// that never reached running, dispatches onTaskStartFail, and settles any
// waiters.
func (s *Supervisor) finishStartFailed(t *task.Task, cause error) {
	now := s.nowMillis()
	se := &task.StartError{Kind: "spawn", Err: cause}

	if t.Snapshot().Status == task.StatusQueued {
		t.Transition(task.StatusStartFailed, func(tk *task.Task) {
			tk.ExitedAt = now
			tk.StartErr = se
		})
	} else {
		t.Admit(task.StatusStartFailed, func(tk *task.Task) {
			tk.PID = -1
			tk.ExitedAt = now
			tk.StartErr = se
		})
	}

	s.mu.Lock()
	s.stats.totalFailed++
	fromQueue := s.popRunningOrigin(t.ID)
	s.mu.Unlock()

	s.dispatchHook(t.ID, hook.OnTaskStartFail, se)
	s.settleExit(t)

	if fromQueue {
		s.scheduler.SpawnFailed()
	}
}

// preemptStatus is used by Terminate/idle-timeout paths to set the
// task's label before the exit observer runs. A no-op if the task is no
// longer running (e.g. it already exited naturally in a race).
func (s *Supervisor) preemptStatus(t *task.Task, to task.Status) {
	t.Transition(to, nil)
}

// handleExit is invoked exactly once by the ProcessExecutor after the
// child has been waited on.
func (s *Supervisor) handleExit(t *task.Task, obs executor.ExitObservation) {
	now := s.nowMillis()

	wasRunning := t.Transition(task.StatusExited, func(tk *task.Task) {
		tk.ExitedAt = now
		tk.ExitCode = obs.ExitCode
	})
	if !wasRunning {
		t.Lock()
		t.ExitedAt = now
		t.ExitCode = obs.ExitCode
		t.Unlock()
	}

	s.mu.Lock()
	entry := s.running[t.ID]
	delete(s.running, t.ID)
	s.mu.Unlock()
	if entry != nil && entry.watcher != nil {
		entry.watcher.Stop()
	}

	snap := t.Snapshot()
	switch snap.Status {
	case task.StatusExited:
		if snap.ExitCode != nil && *snap.ExitCode == 0 {
			s.mu.Lock()
			s.stats.totalCompleted++
			s.mu.Unlock()
			s.dispatchHook(t.ID, hook.OnSuccess, snap)
		} else {
			s.mu.Lock()
			s.stats.totalFailed++
			s.mu.Unlock()
			s.dispatchHook(t.ID, hook.OnFailure, snap)
		}
	case task.StatusKilled:
		s.mu.Lock()
		s.stats.totalFailed++
		s.mu.Unlock()
		s.dispatchHook(t.ID, hook.OnTerminated, snap)
	case task.StatusTimeout:
		s.mu.Lock()
		s.stats.totalFailed++
		s.mu.Unlock()
		s.dispatchHook(t.ID, hook.OnTimeout, snap)
	}

	s.mu.Lock()
	fromQueue := s.popRunningOrigin(t.ID)
	if snap.StartedAt != 0 {
		s.stats.recordRunTime(time.Duration(snap.ExitedAt-snap.SpawnedAt) * time.Millisecond)
	}
	s.mu.Unlock()

	s.settleExit(t)
	if fromQueue {
		s.scheduler.TaskFinished()
	}
}

// onDispatch is the scheduler.RunFunc: called when a queued entry has
// cleared to start.
func (s *Supervisor) onDispatch(value any, queueID string) {
	v, ok := value.(pqueueEntryValue)
	if !ok {
		return
	}
	s.mu.Lock()
	t, ok := s.tasks[v.taskID]
	if ok {
		s.markQueueOrigin(v.taskID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	t.Transition(task.StatusRunning, nil)
	s.notifyStart(t.ID)
	s.spawn(t)
}

// dispatchHook merges and dispatches a single lifecycle event for one
// task. Errors from loading the task's hook registrations never happen
// here because the registration was created at admission time.
func (s *Supervisor) dispatchHook(taskID string, kind hook.Kind, args any) {
	s.mu.Lock()
	reg := s.taskHooks[taskID]
	s.mu.Unlock()
	fns := reg[kind]
	if len(fns) == 0 {
		return
	}
	s.dispatcher.Dispatch(context.Background(), fns, hook.Event{Kind: kind, TaskID: taskID, Args: args})
}

// terminateSignal is the default signal for kill/terminate operations.
const terminateSignal = syscall.SIGTERM
