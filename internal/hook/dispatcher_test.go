package hook_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tripwire/procsup/internal/hook"
)

func TestMerge_OrderPreserved(t *testing.T) {
	var order []string
	mk := func(name string) hook.Func {
		return func(_ context.Context, _ hook.Event) { order = append(order, name) }
	}

	global := hook.Registrations{hook.OnSuccess: {mk("g1"), mk("g2")}}
	local := hook.Registrations{hook.OnSuccess: {mk("l1")}}

	merged := hook.Merge(global, local)
	d := hook.New(time.Second, slog.Default())
	d.Dispatch(context.Background(), merged[hook.OnSuccess], hook.Event{Kind: hook.OnSuccess})

	want := []string{"g1", "g2", "l1"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %q, want %q", i, order[i], want[i])
		}
	}
}

func TestMerge_EmptyKindsOmitted(t *testing.T) {
	merged := hook.Merge(hook.Registrations{hook.OnSuccess: nil}, hook.Registrations{})
	if _, ok := merged[hook.OnSuccess]; ok {
		t.Error("empty kind should be omitted from merge result")
	}
}

func TestDispatch_PanicDoesNotAffectOtherCallbacks(t *testing.T) {
	var ran int32
	panicky := func(_ context.Context, _ hook.Event) { panic("boom") }
	ok := func(_ context.Context, _ hook.Event) { atomic.AddInt32(&ran, 1) }

	d := hook.New(time.Second, slog.Default())
	d.Dispatch(context.Background(), hook.Set{panicky, ok}, hook.Event{Kind: hook.OnFailure})

	if atomic.LoadInt32(&ran) != 1 {
		t.Errorf("second callback should still run after first panics")
	}
}

func TestDispatch_SlowCallbackTimesOutWithoutBlockingOthers(t *testing.T) {
	var after int32
	slow := func(ctx context.Context, _ hook.Event) {
		<-ctx.Done() // simulate a callback that respects cancellation eventually
	}
	fast := func(_ context.Context, _ hook.Event) { atomic.AddInt32(&after, 1) }

	d := hook.New(20*time.Millisecond, slog.Default())
	start := time.Now()
	d.Dispatch(context.Background(), hook.Set{slow, fast}, hook.Event{Kind: hook.OnTimeout})
	elapsed := time.Since(start)

	if atomic.LoadInt32(&after) != 1 {
		t.Error("callback after a timed-out one should still run")
	}
	if elapsed > time.Second {
		t.Errorf("dispatch took too long: %v", elapsed)
	}
}
