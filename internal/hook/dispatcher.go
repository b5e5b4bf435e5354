// Package hook implements the lifecycle hook dispatcher: merging global and
// per-task callback lists and invoking each with an independent timeout so
// that a faulting callback never affects its siblings or the caller.
package hook

import (
	"context"
	"log/slog"
	"time"
)

// Kind identifies which lifecycle event a callback is registered for.
type Kind string

const (
	OnSuccess      Kind = "onSuccess"
	OnFailure      Kind = "onFailure"
	OnTerminated   Kind = "onTerminated"
	OnTimeout      Kind = "onTimeout"
	OnTaskStartFail Kind = "onTaskStartFail"
	OnChange       Kind = "onChange"
)

// Event carries the arguments passed to a callback invocation.
type Event struct {
	Kind   Kind
	TaskID string
	// Args is kind-specific: ExitResult-shaped data for terminal kinds, or
	// a byte slice for OnChange.
	Args any
}

// Func is the callback signature. Implementations should return promptly;
// Dispatch enforces a deadline regardless of whether Func respects ctx.
type Func func(ctx context.Context, evt Event)

// Set is an ordered list of callbacks registered for one Kind.
type Set = []Func

// Registrations groups callback lists by Kind, e.g. a global set or a
// per-task set.
type Registrations map[Kind]Set

// Merge returns, per Kind, the concatenation global[k] ++ local[k], with
// empty kinds omitted. Order is preserved: global callbacks run before
// task-local ones.
func Merge(global, local Registrations) Registrations {
	out := make(Registrations)
	seen := make(map[Kind]bool)
	for k, fns := range global {
		seen[k] = true
		if len(fns) == 0 && len(local[k]) == 0 {
			continue
		}
		merged := make(Set, 0, len(fns)+len(local[k]))
		merged = append(merged, fns...)
		merged = append(merged, local[k]...)
		if len(merged) > 0 {
			out[k] = merged
		}
	}
	for k, fns := range local {
		if seen[k] {
			continue
		}
		if len(fns) > 0 {
			out[k] = append(Set(nil), fns...)
		}
	}
	return out
}

// DefaultTimeout is the per-callback deadline applied when Dispatcher is
// constructed with a zero timeout.
const DefaultTimeout = 5 * time.Second

// Dispatcher invokes callbacks for a Kind, isolating each call behind its
// own timeout and recovering any panic so that one bad callback can never
// fault the scheduling loop or another callback.
type Dispatcher struct {
	timeout time.Duration
	logger  *slog.Logger
}

// New constructs a Dispatcher. A zero timeout uses DefaultTimeout; a nil
// logger uses slog.Default().
func New(timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{timeout: timeout, logger: logger}
}

// Dispatch invokes every callback in fns with evt, each under its own
// ctx-derived deadline. Callbacks are invoked sequentially in the order
// supplied by Merge (global before task-local). Hook invocations for a
// task's terminal event happen after its status is set terminal.
//
// Dispatch never returns an error and never blocks longer than
// len(fns)*timeout; a panicking or deadline-exceeding callback is logged at
// warn/error and otherwise ignored.
func (d *Dispatcher) Dispatch(ctx context.Context, fns Set, evt Event) {
	for i, fn := range fns {
		d.invokeOne(ctx, fn, evt, i)
	}
}

func (d *Dispatcher) invokeOne(ctx context.Context, fn Func, evt Event, idx int) {
	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				d.logger.Error("hook: callback panicked",
					slog.String("kind", string(evt.Kind)),
					slog.String("task_id", evt.TaskID),
					slog.Int("index", idx),
					slog.Any("recover", r),
				)
			}
		}()
		fn(callCtx, evt)
	}()

	select {
	case <-done:
	case <-callCtx.Done():
		d.logger.Warn("hook: callback exceeded deadline, abandoning",
			slog.String("kind", string(evt.Kind)),
			slog.String("task_id", evt.TaskID),
			slog.Int("index", idx),
			slog.Duration("timeout", d.timeout),
		)
		// The goroutine running fn may still be executing; it is
		// deliberately abandoned (not killed — Go has no goroutine
		// cancellation) rather than allowed to block this dispatch.
	}
}
