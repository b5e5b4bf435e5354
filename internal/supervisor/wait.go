package supervisor

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/tripwire/procsup/internal/task"
)

// notifyStart wakes any WaitToStart/startAsync callers once id has left
// StatusQueued (to running or start-failed).
func (s *Supervisor) notifyStart(id string) {
	s.mu.Lock()
	waiters := s.startWaiters[id]
	delete(s.startWaiters, id)
	s.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// registerStartWaiter returns a channel closed by notifyStart, or nil if
// the task has already left StatusQueued.
func (s *Supervisor) registerStartWaiter(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	if t.Snapshot().Status != task.StatusQueued {
		return nil
	}
	ch := make(chan struct{})
	s.startWaiters[id] = append(s.startWaiters[id], ch)
	return ch
}

// settleExit builds the final ExitResult for a terminal task and wakes
// every waitForTask/waitForAll caller registered for it.
func (s *Supervisor) settleExit(t *task.Task) {
	snap := t.Snapshot()
	result := s.buildExitResult(snap)

	s.mu.Lock()
	waiters := s.exitWaiters[snap.ID]
	delete(s.exitWaiters, snap.ID)
	s.mu.Unlock()

	for _, ch := range waiters {
		ch <- result
		close(ch)
	}
}

func (s *Supervisor) buildExitResult(snap TaskInfo) ExitResult {
	result := ExitResult{
		TaskID:    snap.ID,
		ExitCode:  snap.ExitCode,
		Status:    snap.Status,
		StartedAt: snap.StartedAt,
		ExitedAt:  snap.ExitedAt,
	}
	if snap.ExitedAt != 0 {
		base := snap.SpawnedAt
		if base == 0 {
			base = snap.StartedAt
		}
		result.DurationMs = snap.ExitedAt - base
	}
	if snap.Status == task.StatusStartFailed {
		result.Err = snap.StartErr
	}
	if content, err := os.ReadFile(snap.LogPath); err == nil {
		result.Stdout = string(content)
	}
	return result
}

// registerExitWaiter returns a channel fed by settleExit, or nil with the
// result already populated if the task is already terminal.
func (s *Supervisor) registerExitWaiter(id string) (chan ExitResult, *ExitResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, nil, &task.UserError{Op: "waitForTask", Msg: fmt.Sprintf("unknown task %q", id)}
	}
	snap := t.Snapshot()
	if snap.Status.Terminal() {
		r := s.buildExitResult(snap)
		return nil, &r, nil
	}
	ch := make(chan ExitResult, 1)
	s.exitWaiters[id] = append(s.exitWaiters[id], ch)
	return ch, nil, nil
}

// WaitForTask blocks until id reaches a terminal status (or ctx is
// cancelled). It rejects immediately if id is unknown.
func (s *Supervisor) WaitForTask(ctx context.Context, id string) (ExitResult, error) {
	ch, immediate, err := s.registerExitWaiter(id)
	if err != nil {
		return ExitResult{Err: err}, err
	}
	if immediate != nil {
		return *immediate, immediate.Err
	}
	select {
	case r := <-ch:
		return r, r.Err
	case <-ctx.Done():
		return ExitResult{TaskID: id, Err: ctx.Err()}, ctx.Err()
	}
}

// WaitForAll settles every id in ids (or every known task if ids is
// empty), never failing the whole call for one task's failure — per-task
// errors are carried in each ExitResult.
func (s *Supervisor) WaitForAll(ctx context.Context, ids ...string) []ExitResult {
	if len(ids) == 0 {
		s.mu.Lock()
		for id := range s.tasks {
			ids = append(ids, id)
		}
		s.mu.Unlock()
	}
	results := make([]ExitResult, len(ids))
	for i, id := range ids {
		r, err := s.WaitForTask(ctx, id)
		if err != nil && r.TaskID == "" {
			r.TaskID = id
		}
		results[i] = r
	}
	return results
}

// WaitForQueueEmpty blocks until the waiting queue has no entries.
func (s *Supervisor) WaitForQueueEmpty(ctx context.Context) error {
	return s.WaitForQueueSizeLessThan(ctx, 1)
}

// WaitForQueueIdle blocks until the waiting queue is empty and nothing is
// currently being dispatched to a running slot from it.
func (s *Supervisor) WaitForQueueIdle(ctx context.Context) error {
	for s.scheduler.QueueLen() > 0 || s.scheduler.Running() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return nil
}

// WaitForQueueSizeLessThan polls (lightly) until the waiting queue has
// fewer than n entries. The queue has no native wake-up channel for
// arbitrary thresholds, so this is a short-interval poll, matching the
// reference's queue-condition waits.
func (s *Supervisor) WaitForQueueSizeLessThan(ctx context.Context, n int) error {
	if s.scheduler.QueueLen() < n {
		return nil
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if s.scheduler.QueueLen() < n {
				return nil
			}
		}
	}
}
