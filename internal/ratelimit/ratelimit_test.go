package ratelimit_test

import (
	"testing"
	"time"

	"github.com/tripwire/procsup/internal/ratelimit"
)

func TestGate_Disabled_AlwaysAllows(t *testing.T) {
	g := ratelimit.New(0, 0)
	for i := 0; i < 5; i++ {
		if _, ok := g.Allow(); !ok {
			t.Fatalf("iteration %d: expected unlimited gate to always allow", i)
		}
	}
}

func TestGate_EnforcesCapWithinInterval(t *testing.T) {
	g := ratelimit.New(100*time.Millisecond, 2)

	if _, ok := g.Allow(); !ok {
		t.Fatal("expected first start to be allowed")
	}
	if _, ok := g.Allow(); !ok {
		t.Fatal("expected second start to be allowed")
	}
	if _, ok := g.Allow(); ok {
		t.Fatal("expected third start within the window to be denied")
	}
}

func TestGate_AllowsAgainAfterWindowElapses(t *testing.T) {
	g := ratelimit.New(50*time.Millisecond, 1)

	if _, ok := g.Allow(); !ok {
		t.Fatal("expected first start to be allowed")
	}
	if _, ok := g.Allow(); ok {
		t.Fatal("expected second immediate start to be denied")
	}

	time.Sleep(120 * time.Millisecond)

	if _, ok := g.Allow(); !ok {
		t.Fatal("expected start to be allowed again after window elapses")
	}
}
