package supervisor

import (
	"syscall"
	"time"

	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/task"
)

// Shutdown stops accepting new work, resolves the waiting queue per
// opts.CancelPending, waits up to opts.Timeout for running tasks to end
// on their own, and — if opts.Force — SIGKILLs any stragglers.
func (s *Supervisor) Shutdown(opts ShutdownOptions) {
	s.shutdownOnce.Do(func() {
		s.mu.Lock()
		s.shuttingDown = true
		s.mu.Unlock()

		if opts.CancelPending {
			s.cancelQueuedOnShutdown()
		} else {
			s.scheduler.Pause()
		}

		s.waitForRunningDrain(opts.Timeout)

		if opts.Force {
			s.killStragglers()
			s.waitForRunningDrain(2 * time.Second)
		}
	})
}

func (s *Supervisor) cancelQueuedOnShutdown() {
	ids := s.scheduler.Clear()
	now := s.nowMillis()
	for _, id := range ids {
		s.mu.Lock()
		t := s.tasks[id]
		s.mu.Unlock()
		if t == nil {
			continue
		}
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
	}
}

func (s *Supervisor) waitForRunningDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	unbounded := timeout <= 0
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for range ticker.C {
		s.mu.Lock()
		n := len(s.running)
		s.mu.Unlock()
		if n == 0 {
			return
		}
		if !unbounded && time.Now().After(deadline) {
			return
		}
	}
}

func (s *Supervisor) killStragglers() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.running))
	for id := range s.running {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	for _, id := range ids {
		_ = s.Kill(id, syscall.SIGKILL)
	}
}
