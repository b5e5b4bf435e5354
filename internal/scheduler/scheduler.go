// Package scheduler implements the admission policy (Execution-Path
// Detector) and dispatch loop that binds the priority queue, concurrency
// cap, and rate-limit gate together: a submission either runs immediately
// ("direct path") or is enqueued and started later, event-driven, as slots
// free up.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tripwire/procsup/internal/pqueue"
	"github.com/tripwire/procsup/internal/ratelimit"
)

// unlimitedConcurrency marks "no cap" per the admission policy's "finite
// number < 10000" rule: anything >= this is treated as infinite.
const unlimitedConcurrency = 10000

// SubmitOptions carries the admission-relevant fields of a submission; the
// caller (Supervisor) owns the rest of the Task.
type SubmitOptions struct {
	ID        string
	Priority  int
	Immediate bool
	QueuedAt  int64
	Aging     pqueue.Aging
	Value     any // opaque payload returned to Dispatch's run callback
}

// Decision reports which path a submission took and, for human-facing
// diagnostics, why.
type Decision struct {
	Direct bool
	Reason string
}

// Decide implements the Execution-Path Detector: queued iff concurrency is
// finite and < unlimitedConcurrency, autoStart has not been disabled, and
// the caller did not request immediate execution.
func Decide(concurrency int, autoStartDisabled bool, immediate bool) Decision {
	if immediate {
		return Decision{Direct: true, Reason: "immediate requested"}
	}
	if autoStartDisabled {
		return Decision{Direct: true, Reason: "auto-start disabled"}
	}
	if concurrency <= 0 || concurrency >= unlimitedConcurrency {
		return Decision{Direct: true, Reason: "concurrency unbounded"}
	}
	return Decision{Direct: false, Reason: "queued for concurrency/rate-limit control"}
}

// RunFunc is invoked by the dispatch loop when a queued entry is cleared
// to start. Implementations should call ProcessExecutor.spawn and must not
// block the caller of Dispatch/Resume for longer than a single spawn.
type RunFunc func(value any, queueID string)

// Scheduler owns the waiting queue, concurrency accounting, and the
// rate-limit gate, and runs the event-driven dispatch loop described in
// the admission policy.
type Scheduler struct {
	mu     sync.Mutex
	logger *slog.Logger

	queue       *pqueue.Queue
	concurrency int
	running     int
	paused      bool
	gate        *ratelimit.Gate
	run         RunFunc

	pendingRetry *time.Timer
}

// New constructs a Scheduler with the given initial concurrency (0 or
// >= unlimitedConcurrency means unbounded) and rate limit.
func New(concurrency int, rateInterval time.Duration, rateCap int, run RunFunc, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		logger:      logger,
		queue:       pqueue.New(nil),
		concurrency: concurrency,
		gate:        ratelimit.New(rateInterval, rateCap),
		run:         run,
	}
}

// Enqueue adds opts to the waiting queue and immediately attempts to
// dispatch (event: new enqueue).
func (s *Scheduler) Enqueue(opts SubmitOptions) {
	s.mu.Lock()
	s.queue.Enqueue(opts.ID, opts.Priority, opts.QueuedAt, opts.Aging, opts.Value)
	s.mu.Unlock()
	s.dispatch()
}

// TaskFinished notifies the scheduler that a running slot has freed
// (event: task finishes) and re-attempts dispatch.
func (s *Scheduler) TaskFinished() {
	s.mu.Lock()
	if s.running > 0 {
		s.running--
	}
	s.mu.Unlock()
	s.dispatch()
}

// SpawnFailed is used by the caller when RunFunc's underlying spawn
// failed synchronously; it releases the slot the dispatch loop had
// already reserved, per "errors during spawn ... count as a consumed slot
// release."
func (s *Scheduler) SpawnFailed() {
	s.TaskFinished()
}

// Pause halts dispatch without killing running tasks.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

// Resume re-triggers the dispatch loop (event: resume).
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	s.dispatch()
}

// Clear drops all waiting entries. Their owning Tasks are left exactly as
// they are; the caller (Supervisor) decides what happens to them.
func (s *Scheduler) Clear() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var dropped []string
	for {
		e, ok := s.queue.Pop()
		if !ok {
			break
		}
		dropped = append(dropped, e.ID)
	}
	return dropped
}

// SetConcurrency updates the concurrency cap (event: concurrency
// increase) and re-attempts dispatch.
func (s *Scheduler) SetConcurrency(n int) {
	s.mu.Lock()
	s.concurrency = n
	s.mu.Unlock()
	s.dispatch()
}

// SetRateLimit replaces the rate-limit gate.
func (s *Scheduler) SetRateLimit(interval time.Duration, cap int) {
	s.mu.Lock()
	s.gate = ratelimit.New(interval, cap)
	s.mu.Unlock()
	s.dispatch()
}

// Remove drops a single waiting entry by id (used by cancelTask on a
// queued task).
func (s *Scheduler) Remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Remove(id)
}

// Reprioritize changes a waiting entry's base priority. Returns false if
// the id is not currently queued.
func (s *Scheduler) Reprioritize(id string, priority int, aging pqueue.Aging) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.SetPriority(id, priority, aging)
}

// QueueLen returns the number of waiting entries.
func (s *Scheduler) QueueLen() int {
	return s.queue.Len()
}

// Snapshot returns the waiting entries ordered by effective priority.
func (s *Scheduler) Snapshot() []pqueue.Entry {
	return s.queue.Snapshot()
}

// Running returns the current count of in-flight (running) tasks the
// scheduler is responsible for.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Paused reports whether dispatch is currently halted.
func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// dispatch drains the queue while the admission conditions hold: not
// paused, queue non-empty, running < concurrency, rate-limit window
// allows a start. It is safe to call from any goroutine and is re-entrant
// (a rate-limit retry timer calls back into it).
func (s *Scheduler) dispatch() {
	for {
		s.mu.Lock()
		if s.paused {
			s.mu.Unlock()
			return
		}
		if s.concurrency > 0 && s.concurrency < unlimitedConcurrency && s.running >= s.concurrency {
			s.mu.Unlock()
			return
		}
		if s.queue.Len() == 0 {
			s.mu.Unlock()
			return
		}

		retryAt, ok := s.gate.Allow()
		if !ok {
			s.scheduleRetry(retryAt)
			s.mu.Unlock()
			return
		}

		entry, ok := s.queue.Pop()
		if !ok {
			s.mu.Unlock()
			return
		}
		s.running++
		run := s.run
		s.mu.Unlock()

		if run != nil {
			run(entry.Value, entry.ID)
		}
	}
}

// scheduleRetry arms a one-shot timer to re-attempt dispatch once the
// rate-limit window should next admit a start (event: rate-limit window
// tick). Must be called with s.mu held.
func (s *Scheduler) scheduleRetry(at time.Time) {
	if s.pendingRetry != nil {
		return // a retry is already armed
	}
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	s.pendingRetry = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.pendingRetry = nil
		s.mu.Unlock()
		s.dispatch()
	})
}
