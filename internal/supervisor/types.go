// Package supervisor implements the TaskRegistry/Supervisor public API: it
// owns every Task ever admitted, routes submissions through the
// Execution-Path Detector and Scheduler, drives the ProcessExecutor, and
// fans out lifecycle events through the HookDispatcher.
package supervisor

import (
	"time"

	"github.com/tripwire/procsup/internal/hook"
	"github.com/tripwire/procsup/internal/task"
)

// Named priority levels; arbitrary integers are also accepted.
const (
	PriorityCritical = 1000
	PriorityHigh     = 100
	PriorityNormal   = 0
	PriorityLow      = -100
	PriorityBatch    = -1000
)

// QueueSubmitOptions requests queued admission for a submission. A nil
// value means the submission goes through the ordinary Execution-Path
// Detector logic; a non-nil value with Immediate=true always takes the
// direct path regardless of current concurrency/pause state.
type QueueSubmitOptions struct {
	Priority  int
	ID        string // queue-id; defaults to the task id if empty
	Immediate bool
	Aging     task.AgingConfig
	QueuedAt  int64         // unix millis; 0 means "now" at admission
	Cancel    <-chan struct{}
}

// StartOptions configures one submission.
type StartOptions struct {
	Cmd           []string
	Tags          []string
	Hooks         hook.Registrations
	IdleTimeoutMs int64
	Queue         *QueueSubmitOptions
}

// TaskInfo is the caller-facing snapshot of a Task.
type TaskInfo = task.Snapshot

// ExitResult is returned by waitForTask/startAndWait/waitForAll.
type ExitResult struct {
	TaskID    string
	ExitCode  *int
	Status    task.Status
	StartedAt int64
	ExitedAt  int64
	DurationMs int64
	Stdout    string // log contents read back from disk (interleaved with stderr)
	Err       error  // non-nil iff start-failed or the wait itself could not be satisfied
}

// QueueStats is the snapshot returned by getQueueStats.
type QueueStats struct {
	Size            int
	Pending         int
	Paused          bool
	TotalAdded      int64
	TotalCompleted  int64
	TotalFailed     int64
	TotalCancelled  int64
	AvgWaitTimeMs   float64
	AvgRunTimeMs    float64
	ThroughputPerSec float64
	UtilizationPct  float64
}

// Health is the derived status returned by getHealth.
type Health string

const (
	HealthHealthy  Health = "healthy"
	HealthDegraded Health = "degraded"
	HealthUnhealthy Health = "unhealthy"
)

// HealthReport carries the derived status plus the measurements behind it.
type HealthReport struct {
	Status          Health
	UtilizationPct  float64
	AvgWaitTimeMs   float64
	FailureRatio    float64
	QueueBacklog    int
}

// ShutdownOptions configures graceful shutdown.
type ShutdownOptions struct {
	Timeout       time.Duration
	Force         bool
	CancelPending bool
}

// pqueueEntryValue is what flows through the scheduler's RunFunc: it is
// enough information to resume spawning a previously-queued task.
type pqueueEntryValue struct {
	taskID string
}
