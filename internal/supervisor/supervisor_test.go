package supervisor_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/supervisor"
	"github.com/tripwire/procsup/internal/task"
)

func newTestSupervisor(t *testing.T, cfg supervisor.Config) *supervisor.Supervisor {
	t.Helper()
	if cfg.LogDir == "" {
		cfg.LogDir = filepath.Join(t.TempDir(), "logs")
	}
	sup, err := supervisor.New(cfg)
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	return sup
}

func TestStart_DirectPathRunsImmediately(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	info, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/echo", "hi"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if info.Status != task.StatusRunning && info.Status != task.StatusExited {
		t.Fatalf("expected running or already-exited, got %v", info.Status)
	}

	res, err := sup.WaitForTask(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("waitForTask: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", res)
	}
	if res.Stdout != "hi\n" {
		t.Errorf("expected log content %q, got %q", "hi\n", res.Stdout)
	}
}

func TestStart_EmptyCommandRejected(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})
	if _, err := sup.Start(supervisor.StartOptions{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStart_QueuedPathWaitsForConcurrencySlot(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	first, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sleep", "1"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}

	second, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "second"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	if second.Status != task.StatusQueued {
		t.Fatalf("expected second task queued behind concurrency cap, got %v", second.Status)
	}

	res, err := sup.WaitForTask(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("waitForTask second: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected second task to eventually run to completion, got %+v", res)
	}

	if _, err := sup.WaitForTask(context.Background(), first.ID); err != nil {
		t.Fatalf("waitForTask first: %v", err)
	}
}

func TestStart_ImmediateBypassesQueue(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	if _, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sleep", "1"},
		Queue: &supervisor.QueueSubmitOptions{},
	}); err != nil {
		t.Fatalf("start blocker: %v", err)
	}

	info, err := sup.StartImmediate(supervisor.StartOptions{Cmd: []string{"/bin/echo", "now"}})
	if err != nil {
		t.Fatalf("startImmediate: %v", err)
	}
	if info.Status == task.StatusQueued {
		t.Fatalf("expected immediate submission to bypass queue, got %v", info.Status)
	}
}

func TestKill_TerminatesRunningTask(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	info, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sup.Kill(info.ID, syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	res, err := sup.WaitForTask(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("waitForTask: %v", err)
	}
	if res.Status != task.StatusKilled {
		t.Fatalf("expected status killed, got %v", res.Status)
	}
}

func TestKill_UnknownIDReturnsUserError(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})
	err := sup.Kill("nonexistent", syscall.SIGTERM)
	if err == nil {
		t.Fatal("expected error for unknown task id")
	}
}

func TestCancelTask_QueuedTaskNeverStarts(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	if _, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sleep", "1"},
		Queue: &supervisor.QueueSubmitOptions{},
	}); err != nil {
		t.Fatalf("start blocker: %v", err)
	}

	queued, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "should-not-run"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start queued: %v", err)
	}
	if queued.Status != task.StatusQueued {
		t.Fatalf("expected queued, got %v", queued.Status)
	}

	if err := sup.CancelTask(queued.ID); err != nil {
		t.Fatalf("cancelTask: %v", err)
	}

	res, err := sup.WaitForTask(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("waitForTask: %v", err)
	}
	if res.Status != task.StatusStartFailed {
		t.Fatalf("expected start-failed from cancellation, got %v", res.Status)
	}
}

func TestReprioritizeTask_UnknownIDReturnsFalse(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})
	if sup.ReprioritizeTask("nonexistent", 500) {
		t.Fatal("expected false for unknown task id")
	}
}

func TestReprioritizeTask_RunningTaskReturnsFalse(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})
	info, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/sleep", "1"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if sup.ReprioritizeTask(info.ID, supervisor.PriorityHigh) {
		t.Fatal("expected reprioritize to be ineffective on a running task")
	}
	_, _ = sup.WaitForTask(context.Background(), info.ID)
}

func TestHooks_OnSuccessFiresForZeroExit(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	var mu sync.Mutex
	var fired bool
	done := make(chan struct{})

	_, err := sup.Start(supervisor.StartOptions{
		Cmd: []string{"/bin/echo", "ok"},
		Hooks: hook.Registrations{
			hook.OnSuccess: {
				func(ctx context.Context, evt hook.Event) {
					mu.Lock()
					fired = true
					mu.Unlock()
					close(done)
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onSuccess hook never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if !fired {
		t.Fatal("expected onSuccess hook to fire")
	}
}

func TestHooks_OnFailureFiresForNonZeroExit(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	done := make(chan hook.Event, 1)
	_, err := sup.Start(supervisor.StartOptions{
		Cmd: []string{"/bin/sh", "-c", "exit 7"},
		Hooks: hook.Registrations{
			hook.OnFailure: {
				func(ctx context.Context, evt hook.Event) { done <- evt },
			},
		},
	})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("onFailure hook never fired")
	}
}

func TestWrite_SendsDataToStdin(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	info, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/cat"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := sup.Write(info.ID, []byte("hello\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := sup.Kill(info.ID, syscall.SIGTERM); err != nil {
		t.Fatalf("kill: %v", err)
	}

	res, err := sup.WaitForTask(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("waitForTask: %v", err)
	}
	if res.Stdout != "hello\n" {
		t.Errorf("expected echoed stdin in log, got %q", res.Stdout)
	}
}

func TestGetQueueStats_ReflectsCompletedTasks(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	info, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/echo", "stats"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := sup.WaitForTask(context.Background(), info.ID); err != nil {
		t.Fatalf("waitForTask: %v", err)
	}

	stats := sup.GetQueueStats()
	if stats.TotalAdded < 1 {
		t.Errorf("expected totalAdded >= 1, got %d", stats.TotalAdded)
	}
	if stats.TotalCompleted < 1 {
		t.Errorf("expected totalCompleted >= 1, got %d", stats.TotalCompleted)
	}
}

func TestGetHealth_DefaultsToHealthy(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})
	h := sup.GetHealth()
	if h.Status != supervisor.HealthHealthy {
		t.Errorf("expected healthy on a freshly constructed supervisor, got %v", h.Status)
	}
}

func TestPauseResumeQueue_HaltsAndResumesDispatch(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	if _, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sleep", "1"},
		Queue: &supervisor.QueueSubmitOptions{},
	}); err != nil {
		t.Fatalf("start blocker: %v", err)
	}

	sup.PauseQueue()

	queued, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "paused"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start queued: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	stats := sup.GetQueueStats()
	if !stats.Paused {
		t.Fatal("expected scheduler to report paused")
	}

	sup.ResumeQueue()

	res, err := sup.WaitForTask(context.Background(), queued.ID)
	if err != nil {
		t.Fatalf("waitForTask: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected queued task to complete after resume, got %+v", res)
	}
}

func TestClearQueue_DropsWaitingEntriesButLeavesThemQueuedInRegistry(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	if _, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sleep", "1"},
		Queue: &supervisor.QueueSubmitOptions{},
	}); err != nil {
		t.Fatalf("start blocker: %v", err)
	}

	queued, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "cleared"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start queued: %v", err)
	}

	cleared := sup.ClearQueue()
	found := false
	for _, id := range cleared {
		if id == queued.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected %q among cleared ids, got %v", queued.ID, cleared)
	}

	for _, info := range sup.List() {
		if info.ID == queued.ID && info.Status != task.StatusQueued {
			t.Errorf("expected cleared task to remain registered as queued, got %v", info.Status)
		}
	}
}

func TestShutdown_WaitsForRunningTaskToFinish(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	if _, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/sh", "-c", "sleep 0.2"}}); err != nil {
		t.Fatalf("start: %v", err)
	}

	sup.Shutdown(supervisor.ShutdownOptions{Timeout: 2 * time.Second})

	if _, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/echo", "too-late"}}); err == nil {
		t.Fatal("expected start to be rejected after shutdown")
	}
}

func TestShutdown_ForceKillsStragglers(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	info, err := sup.Start(supervisor.StartOptions{Cmd: []string{"/bin/sleep", "30"}})
	if err != nil {
		t.Fatalf("start: %v", err)
	}

	sup.Shutdown(supervisor.ShutdownOptions{Timeout: 50 * time.Millisecond, Force: true})

	res, err := sup.WaitForTask(context.Background(), info.ID)
	if err != nil {
		t.Fatalf("waitForTask: %v", err)
	}
	if res.Status != task.StatusKilled {
		t.Fatalf("expected straggler to be killed, got %v", res.Status)
	}
}

func TestTaskHandle_WaitToFinishReturnsExitResult(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	_, handle, err := sup.StartWithHandle(supervisor.StartOptions{Cmd: []string{"/bin/echo", "handled"}})
	if err != nil {
		t.Fatalf("startWithHandle: %v", err)
	}

	res, err := handle.WaitToFinish(context.Background())
	if err != nil {
		t.Fatalf("waitToFinish: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", res)
	}
}

func TestStartAndWait_ReturnsFinalExitResult(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{})

	res, err := sup.StartAndWait(context.Background(), supervisor.StartOptions{Cmd: []string{"/bin/echo", "andwait"}})
	if err != nil {
		t.Fatalf("startAndWait: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", res)
	}
}

func TestWaitForQueueEmpty_ResolvesAfterDrain(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	if _, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sh", "-c", "sleep 0.1"},
		Queue: &supervisor.QueueSubmitOptions{},
	}); err != nil {
		t.Fatalf("start first: %v", err)
	}
	if _, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "second"},
		Queue: &supervisor.QueueSubmitOptions{},
	}); err != nil {
		t.Fatalf("start second: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sup.WaitForQueueEmpty(ctx); err != nil {
		t.Fatalf("waitForQueueEmpty: %v", err)
	}
}

func TestSetConcurrency_AllowsMoreTasksToRunConcurrently(t *testing.T) {
	sup := newTestSupervisor(t, supervisor.Config{Concurrency: 1})

	first, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/sleep", "1"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start first: %v", err)
	}

	second, err := sup.Start(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "bumped"},
		Queue: &supervisor.QueueSubmitOptions{},
	})
	if err != nil {
		t.Fatalf("start second: %v", err)
	}
	if second.Status != task.StatusQueued {
		t.Fatalf("expected second queued under concurrency 1, got %v", second.Status)
	}

	sup.SetConcurrency(2)

	res, err := sup.WaitForTask(context.Background(), second.ID)
	if err != nil {
		t.Fatalf("waitForTask second: %v", err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		t.Fatalf("expected second task to run after concurrency bump, got %+v", res)
	}

	_, _ = sup.WaitForTask(context.Background(), first.ID)
}

func TestExplainSubmission_ReportsDirectVsQueuedRationale(t *testing.T) {
	capped := newTestSupervisor(t, supervisor.Config{Concurrency: 1})
	unbounded := newTestSupervisor(t, supervisor.Config{})

	decision := unbounded.ExplainSubmission(supervisor.StartOptions{Cmd: []string{"/bin/echo", "hi"}})
	if !decision.Direct {
		t.Errorf("expected direct path with unbounded concurrency, got %+v", decision)
	}

	decision = capped.ExplainSubmission(supervisor.StartOptions{Cmd: []string{"/bin/echo", "hi"}})
	if decision.Direct {
		t.Errorf("expected queued path at concurrency=1, got %+v", decision)
	}
	if decision.Reason == "" {
		t.Error("expected a non-empty human-readable rationale")
	}

	decision = capped.ExplainSubmission(supervisor.StartOptions{
		Cmd:   []string{"/bin/echo", "hi"},
		Queue: &supervisor.QueueSubmitOptions{Immediate: true},
	})
	if !decision.Direct {
		t.Errorf("expected immediate to force the direct path even at concurrency=1, got %+v", decision)
	}
}

func TestNew_CreatesLogDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "logs")
	sup, err := supervisor.New(supervisor.Config{LogDir: dir})
	if err != nil {
		t.Fatalf("supervisor.New: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("expected log dir to be created: %v", err)
	}
	_ = sup
}
