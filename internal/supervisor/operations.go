package supervisor

import (
	"fmt"
	"syscall"

	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/pqueue"
	"github.com/tripwire/procsup/internal/scheduler"
	"github.com/tripwire/procsup/internal/task"
)

// ExplainSubmission evaluates opts against the current scheduling policy
// without admitting anything, returning a human-readable rationale for
// whether the submission would take the direct or queued path.
func (s *Supervisor) ExplainSubmission(opts StartOptions) scheduler.Decision {
	immediate := opts.Queue != nil && opts.Queue.Immediate
	s.mu.Lock()
	concurrency := s.cfg.Concurrency
	s.mu.Unlock()
	return scheduler.Decide(concurrency, false, immediate)
}

// List returns snapshots of every task ever admitted, including terminal
// ones.
func (s *Supervisor) List() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Snapshot())
	}
	return out
}

// ListRunning returns snapshots of tasks currently in StatusRunning.
func (s *Supervisor) ListRunning() []TaskInfo {
	return s.filterByStatus(task.StatusRunning)
}

// GetQueuedTasks returns snapshots of tasks currently in StatusQueued.
func (s *Supervisor) GetQueuedTasks() []TaskInfo {
	return s.filterByStatus(task.StatusQueued)
}

// GetRunningTasks is an alias for ListRunning retained for the public
// surface's naming (list/listRunning/getQueuedTasks/getRunningTasks).
func (s *Supervisor) GetRunningTasks() []TaskInfo { return s.ListRunning() }

func (s *Supervisor) filterByStatus(want task.Status) []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []TaskInfo
	for _, t := range s.tasks {
		snap := t.Snapshot()
		if snap.Status == want {
			out = append(out, snap)
		}
	}
	return out
}

// Kill sends sig (default SIGTERM) to a running task. Idempotent and
// error-free for a non-running task. Returns a UserError for an unknown
// id.
func (s *Supervisor) Kill(id string, sig syscall.Signal) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	entry := s.running[id]
	s.mu.Unlock()
	if !ok {
		return &task.UserError{Op: "kill", Msg: fmt.Sprintf("unknown task %q", id)}
	}
	if entry == nil {
		return nil // not running: idempotent no-op
	}
	if sig == 0 {
		sig = terminateSignal
	}
	s.preemptStatus(t, task.StatusKilled)
	entry.handle.Terminate(sig)
	return nil
}

// Write sends data to a running task's stdin. Silent no-op if stdin is
// already closed or the task is not running. Returns a UserError for an
// unknown id.
func (s *Supervisor) Write(id string, data []byte) error {
	s.mu.Lock()
	_, ok := s.tasks[id]
	entry := s.running[id]
	s.mu.Unlock()
	if !ok {
		return &task.UserError{Op: "write", Msg: fmt.Sprintf("unknown task %q", id)}
	}
	if entry == nil {
		return nil
	}
	return entry.handle.Write(data)
}

// KillAll terminates every currently running task and returns their ids.
func (s *Supervisor) KillAll(sig syscall.Signal) []string {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Kill(id, sig)
	}
	return ids
}

// KillByTag terminates every running task whose tags contain exactly tag,
// and returns their ids.
func (s *Supervisor) KillByTag(tag string, sig syscall.Signal) []string {
	s.mu.Lock()
	var ids []string
	for id := range s.running {
		if t, ok := s.tasks[id]; ok && t.HasTag(tag) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Kill(id, sig)
	}
	return ids
}

// CancelTask cancels id: if queued, synchronously transitions it to
// start-failed ("Task was cancelled") and drops its queue entry; if
// running, kills it. Returns a UserError for an unknown id.
func (s *Supervisor) CancelTask(id string) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return &task.UserError{Op: "cancelTask", Msg: fmt.Sprintf("unknown task %q", id)}
	}

	snap := t.Snapshot()
	switch snap.Status {
	case task.StatusQueued:
		queueID := snap.QueueID
		if queueID == "" {
			queueID = id
		}
		s.scheduler.Remove(queueID)
		now := s.nowMillis()
		t.Transition(task.StatusStartFailed, func(tk *task.Task) {
			tk.ExitedAt = now
			tk.StartErr = &task.StartError{Kind: "cancelled"}
		})
		s.mu.Lock()
		s.stats.totalCancelled++
		s.mu.Unlock()
		s.notifyStart(id)
		s.dispatchHook(id, hook.OnTaskStartFail, t.Snapshot().StartErr)
		s.settleExit(t)
		return nil
	case task.StatusRunning:
		return s.Kill(id, terminateSignal)
	default:
		return nil // already terminal: idempotent
	}
}

// CancelTasks cancels every task for which pred returns true and returns
// the affected ids.
func (s *Supervisor) CancelTasks(pred func(TaskInfo) bool) []string {
	s.mu.Lock()
	var ids []string
	for id, t := range s.tasks {
		if pred(t.Snapshot()) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.CancelTask(id)
	}
	return ids
}

// ReprioritizeTask changes a queued task's base priority. Only effective
// on StatusQueued; returns false otherwise (including unknown id).
func (s *Supervisor) ReprioritizeTask(id string, priority int) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	snap := t.Snapshot()
	if snap.Status != task.StatusQueued {
		return false
	}
	queueID := snap.QueueID
	if queueID == "" {
		queueID = id
	}

	t.Lock()
	var aging pqueue.Aging
	if t.QueueOpts != nil {
		t.QueueOpts.Priority = priority
		aging = pqueue.Aging{
			Enabled:      t.QueueOpts.Aging.Enabled,
			IncrementPer: t.QueueOpts.Aging.IncrementPer,
			MaxPriority:  t.QueueOpts.Aging.MaxPriority,
		}
	}
	t.Unlock()

	return s.scheduler.Reprioritize(queueID, priority, aging)
}

// SetConcurrency updates the scheduler's concurrency cap.
func (s *Supervisor) SetConcurrency(n int) {
	s.mu.Lock()
	s.cfg.Concurrency = n
	s.mu.Unlock()
	s.scheduler.SetConcurrency(n)
}

// SetRateLimit replaces the scheduler's rate-limit gate.
func (s *Supervisor) SetRateLimit(intervalMs int64, cap int) {
	s.mu.Lock()
	s.cfg.RateIntervalMs = intervalMs
	s.cfg.RateCap = cap
	s.mu.Unlock()
	s.scheduler.SetRateLimit(durationMs(intervalMs), cap)
}

// PauseQueue halts dispatch without killing running tasks.
func (s *Supervisor) PauseQueue() { s.scheduler.Pause() }

// ResumeQueue re-triggers dispatch.
func (s *Supervisor) ResumeQueue() { s.scheduler.Resume() }

// ClearQueue drops all waiting entries from the scheduler. Entries remain
// in the registry with status queued and never start or become terminal;
// the caller may use CancelTasks to resolve them explicitly.
func (s *Supervisor) ClearQueue() []string {
	return s.scheduler.Clear()
}
