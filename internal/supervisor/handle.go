package supervisor

import (
	"context"
	"syscall"

	"github.com/tripwire/procsup/internal/task"
)

// TaskHandle is a lightweight caller-facing reference to one task,
// carrying (task, supervisor) rather than duplicating the task's state.
type TaskHandle struct {
	task *task.Task
	sup  *Supervisor
}

// Info returns a point-in-time snapshot.
func (h *TaskHandle) Info() TaskInfo {
	return h.task.Snapshot()
}

// OnCompleted delegates to WaitForTask.
func (h *TaskHandle) OnCompleted(ctx context.Context) (ExitResult, error) {
	return h.sup.WaitForTask(ctx, h.task.ID)
}

// WaitToStart resolves when the task leaves StatusQueued: nil on running,
// the start error on start-failed (e.g. cancellation).
func (h *TaskHandle) WaitToStart(ctx context.Context) error {
	ch := h.sup.registerStartWaiter(h.task.ID)
	if ch == nil {
		return h.startOutcome()
	}
	select {
	case <-ch:
		return h.startOutcome()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *TaskHandle) startOutcome() error {
	snap := h.task.Snapshot()
	if snap.Status == task.StatusStartFailed {
		return snap.StartErr
	}
	return nil
}

// WaitToFinish waits for the task to start, then to terminate.
func (h *TaskHandle) WaitToFinish(ctx context.Context) (ExitResult, error) {
	if err := h.WaitToStart(ctx); err != nil {
		return ExitResult{TaskID: h.task.ID, Err: err}, err
	}
	return h.OnCompleted(ctx)
}

// Cancel is only effective while the task is still queued.
func (h *TaskHandle) Cancel() error {
	if h.task.Snapshot().Status != task.StatusQueued {
		return nil
	}
	return h.sup.CancelTask(h.task.ID)
}

// Kill sends sig (default SIGTERM) if the task is running.
func (h *TaskHandle) Kill(sig syscall.Signal) error {
	return h.sup.Kill(h.task.ID, sig)
}
