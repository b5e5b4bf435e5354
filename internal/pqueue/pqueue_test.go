package pqueue_test

import (
	"testing"
	"time"

	"github.com/tripwire/procsup/internal/pqueue"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEnqueuePop_PriorityOrdering(t *testing.T) {
	now := time.Unix(1000, 0)
	q := pqueue.New(fixedClock(now))

	q.Enqueue("low", 1, 0, pqueue.Aging{}, nil)
	q.Enqueue("high", 10, 0, pqueue.Aging{}, nil)
	q.Enqueue("mid", 5, 0, pqueue.Aging{}, nil)

	order := []string{}
	for q.Len() > 0 {
		e, ok := q.Pop()
		if !ok {
			t.Fatal("pop returned not-ok while Len > 0")
		}
		order = append(order, e.ID)
	}
	want := []string{"high", "mid", "low"}
	for i, id := range want {
		if order[i] != id {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestEnqueuePop_FIFOWithinEqualPriority(t *testing.T) {
	now := time.Unix(1000, 0)
	q := pqueue.New(fixedClock(now))

	q.Enqueue("first", 5, 0, pqueue.Aging{}, nil)
	q.Enqueue("second", 5, 0, pqueue.Aging{}, nil)
	q.Enqueue("third", 5, 0, pqueue.Aging{}, nil)

	for _, want := range []string{"first", "second", "third"} {
		e, ok := q.Pop()
		if !ok || e.ID != want {
			t.Fatalf("got %q, want %q", e.ID, want)
		}
	}
}

func TestRemove_ById(t *testing.T) {
	q := pqueue.New(nil)
	q.Enqueue("a", 1, 0, pqueue.Aging{}, nil)
	q.Enqueue("b", 2, 0, pqueue.Aging{}, nil)

	if !q.Remove("a") {
		t.Fatal("expected remove to succeed")
	}
	if q.Remove("a") {
		t.Fatal("expected second remove of same id to fail")
	}
	if q.Len() != 1 {
		t.Fatalf("len = %d, want 1", q.Len())
	}
}

func TestSetPriority_ReordersQueue(t *testing.T) {
	q := pqueue.New(nil)
	q.Enqueue("a", 1, 0, pqueue.Aging{}, nil)
	q.Enqueue("b", 2, 0, pqueue.Aging{}, nil)

	if !q.SetPriority("a", 100, pqueue.Aging{}) {
		t.Fatal("expected setpriority to succeed")
	}
	e, ok := q.Pop()
	if !ok || e.ID != "a" {
		t.Fatalf("expected 'a' to be head after reprioritize, got %+v", e)
	}
}

func TestSetPriority_UnknownIDFails(t *testing.T) {
	q := pqueue.New(nil)
	if q.SetPriority("missing", 5, pqueue.Aging{}) {
		t.Fatal("expected setpriority of unknown id to fail")
	}
}

func TestAging_BonusAppliedAtEnqueueAndClamped(t *testing.T) {
	now := time.Unix(1000, 0)
	q := pqueue.New(fixedClock(now))

	queuedAt := now.Add(-10 * time.Minute).UnixMilli()
	aging := pqueue.Aging{Enabled: true, IncrementPer: 1, MaxPriority: 5}
	e := q.Enqueue("aged", 0, queuedAt, aging, nil)

	if e.EffectivePriority != 5 {
		t.Fatalf("effective priority = %d, want clamped 5", e.EffectivePriority)
	}
}

func TestAging_DisabledLeavesBasePriority(t *testing.T) {
	now := time.Unix(1000, 0)
	q := pqueue.New(fixedClock(now))

	queuedAt := now.Add(-30 * time.Minute).UnixMilli()
	e := q.Enqueue("task", 3, queuedAt, pqueue.Aging{}, nil)

	if e.EffectivePriority != 3 {
		t.Fatalf("effective priority = %d, want unchanged base 3", e.EffectivePriority)
	}
}

func TestSnapshot_DoesNotMutateQueue(t *testing.T) {
	q := pqueue.New(nil)
	q.Enqueue("a", 1, 0, pqueue.Aging{}, nil)
	q.Enqueue("b", 2, 0, pqueue.Aging{}, nil)

	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ID != "b" {
		t.Fatalf("unexpected snapshot order: %+v", snap)
	}
	if q.Len() != 2 {
		t.Fatalf("snapshot mutated queue length: %d", q.Len())
	}
}

func TestPop_EmptyQueueReturnsNotOk(t *testing.T) {
	q := pqueue.New(nil)
	if _, ok := q.Pop(); ok {
		t.Fatal("expected pop on empty queue to return ok=false")
	}
}
