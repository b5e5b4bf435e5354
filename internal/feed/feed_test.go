package feed_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/tripwire/procsup/internal/feed"
	"github.com/tripwire/procsup/internal/hook"
)

func newTestBroadcaster(bufSize int) *feed.Broadcaster {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return feed.NewBroadcaster(logger, bufSize)
}

func TestBroadcaster_RegisterUnregisterTracksClientCount(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(16)

	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}

	c1 := bc.Register()
	c2 := bc.Register()
	if got := bc.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}
	if c1.ID() == "" || c1.ID() == c2.ID() {
		t.Fatalf("expected distinct non-empty client ids, got %q and %q", c1.ID(), c2.ID())
	}

	bc.Unregister(c1.ID())
	if got := bc.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	select {
	case _, ok := <-c1.Send():
		if ok {
			t.Error("expected send channel closed after Unregister")
		}
	default:
		t.Error("expected send channel closed (readable), not blocked")
	}

	bc.Unregister(c2.ID())
	if got := bc.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestBroadcaster_BroadcastDeliversToAllClients(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(16)

	c1 := bc.Register()
	c2 := bc.Register()
	defer bc.Unregister(c1.ID())
	defer bc.Unregister(c2.ID())

	bc.Broadcast(feed.Event{Type: "success", TaskID: "t1"})

	deadline := time.After(100 * time.Millisecond)
	for _, ch := range []<-chan []byte{c1.Send(), c2.Send()} {
		select {
		case raw, ok := <-ch:
			if !ok {
				t.Fatal("send channel closed unexpectedly")
			}
			var got feed.Event
			if err := json.Unmarshal(raw, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "success" || got.TaskID != "t1" {
				t.Errorf("got %+v", got)
			}
		case <-deadline:
			t.Fatal("timeout waiting for broadcast event")
		}
	}
}

func TestBroadcaster_DropsWhenBufferFull(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(2)

	c := bc.Register()
	defer bc.Unregister(c.ID())

	evt := feed.Event{Type: "success", TaskID: "x"}
	bc.Broadcast(evt)
	bc.Broadcast(evt)
	bc.Broadcast(evt) // buffer is full; this one drops

	if got := c.Dropped.Load(); got < 1 {
		t.Errorf("expected at least 1 drop, got %d", got)
	}
}

func TestBroadcaster_UnregisterUnknownIsNoop(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(16)
	bc.Unregister("does-not-exist")
}

func TestBroadcaster_BroadcastWithNoClientsDoesNotBlock(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(16)
	bc.Broadcast(feed.Event{Type: "success", TaskID: "x"})
}

func TestBroadcaster_CloseStopsFurtherDelivery(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(16)
	c := bc.Register()

	bc.Close()

	select {
	case _, ok := <-c.Send():
		if ok {
			t.Error("expected send channel closed after Close")
		}
	default:
		t.Error("expected send channel closed (readable), not blocked")
	}

	// Broadcast after close must not panic.
	bc.Broadcast(feed.Event{Type: "success", TaskID: "x"})

	// Register after close returns an already-closed client.
	c2 := bc.Register()
	select {
	case _, ok := <-c2.Send():
		if ok {
			t.Error("expected a post-close Register to return a closed client")
		}
	default:
		t.Error("expected post-close client's send channel to be closed")
	}
}

func TestHookFunc_BridgesHookEventsIntoBroadcast(t *testing.T) {
	t.Parallel()
	bc := newTestBroadcaster(16)
	c := bc.Register()
	defer bc.Unregister(c.ID())

	fn := bc.HookFunc()
	fn(context.Background(), hook.Event{Kind: hook.OnFailure, TaskID: "t9"})

	select {
	case raw := <-c.Send():
		var got feed.Event
		if err := json.Unmarshal(raw, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != "failure" || got.TaskID != "t9" {
			t.Errorf("got %+v", got)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for bridged event")
	}
}
