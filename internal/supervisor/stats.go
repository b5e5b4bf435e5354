package supervisor

import "time"

const rollingWindowSize = 128

// unlimitedConcurrency matches the scheduler's cap: a Config.Concurrency of
// 0 or >= this value means unbounded.
const unlimitedConcurrency = 10000

// statsAccumulator tracks the lifetime counters and bounded rolling
// windows used to derive getQueueStats/getHealth. All mutations are
// expected to happen with the owning Supervisor's mu held.
type statsAccumulator struct {
	totalAdded     int64
	totalCompleted int64
	totalFailed    int64
	totalCancelled int64

	waitTimes []time.Duration
	runTimes  []time.Duration

	startedAt time.Time
}

func (a *statsAccumulator) recordWaitTime(d time.Duration) {
	a.waitTimes = pushBounded(a.waitTimes, d)
}

func (a *statsAccumulator) recordRunTime(d time.Duration) {
	a.runTimes = pushBounded(a.runTimes, d)
}

func pushBounded(slice []time.Duration, v time.Duration) []time.Duration {
	slice = append(slice, v)
	if len(slice) > rollingWindowSize {
		slice = slice[len(slice)-rollingWindowSize:]
	}
	return slice
}

func average(slice []time.Duration) float64 {
	if len(slice) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range slice {
		sum += d
	}
	return float64(sum.Milliseconds()) / float64(len(slice))
}

// GetQueueStats returns a point-in-time snapshot of the queue and
// statistics accumulators.
func (s *Supervisor) GetQueueStats() QueueStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := s.scheduler.QueueLen()
	running := s.scheduler.Running()
	concurrency := s.cfg.Concurrency

	uptime := time.Since(s.stats.startedAt).Seconds()
	throughput := 0.0
	if uptime > 0 {
		throughput = float64(s.stats.totalCompleted+s.stats.totalFailed) / uptime
	}

	util := 0.0
	if concurrency > 0 && concurrency < unlimitedConcurrency {
		util = 100 * float64(running) / float64(concurrency)
	}

	return QueueStats{
		Size:             size,
		Pending:          size,
		Paused:           s.scheduler.Paused(),
		TotalAdded:       s.stats.totalAdded,
		TotalCompleted:   s.stats.totalCompleted,
		TotalFailed:      s.stats.totalFailed,
		TotalCancelled:   s.stats.totalCancelled,
		AvgWaitTimeMs:    average(s.stats.waitTimes),
		AvgRunTimeMs:     average(s.stats.runTimes),
		ThroughputPerSec: throughput,
		UtilizationPct:   util,
	}
}

// Health thresholds per the reference implementation: utilization >90%,
// avgWait >30s, failure ratio >10%, or a queue backlog over 10x
// concurrency are each individually sufficient to degrade/unhealthy.
const (
	utilizationDegradedPct = 90.0
	avgWaitDegradedMs      = 30_000.0
	failureRatioDegraded   = 0.10
	backlogUnhealthyFactor = 10
)

// GetHealth derives an overall health status from current utilization,
// average wait time, failure ratio, and queue backlog.
func (s *Supervisor) GetHealth() HealthReport {
	qs := s.GetQueueStats()

	total := qs.TotalCompleted + qs.TotalFailed
	failureRatio := 0.0
	if total > 0 {
		failureRatio = float64(qs.TotalFailed) / float64(total)
	}

	report := HealthReport{
		Status:         HealthHealthy,
		UtilizationPct: qs.UtilizationPct,
		AvgWaitTimeMs:  qs.AvgWaitTimeMs,
		FailureRatio:   failureRatio,
		QueueBacklog:   qs.Size,
	}

	s.mu.Lock()
	concurrency := s.cfg.Concurrency
	s.mu.Unlock()

	unhealthy := false
	if concurrency > 0 && concurrency < unlimitedConcurrency && qs.Size > backlogUnhealthyFactor*concurrency {
		unhealthy = true
	}
	degraded := qs.UtilizationPct > utilizationDegradedPct ||
		qs.AvgWaitTimeMs > avgWaitDegradedMs ||
		failureRatio > failureRatioDegraded

	switch {
	case unhealthy:
		report.Status = HealthUnhealthy
	case degraded:
		report.Status = HealthDegraded
	default:
		report.Status = HealthHealthy
	}
	return report
}
