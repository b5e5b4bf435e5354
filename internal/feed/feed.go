// Package feed republishes Supervisor lifecycle events to connected
// WebSocket clients. It has no scheduling authority: it is a passive
// subscriber wired onto the same hook registrations the Supervisor already
// dispatches, and a slow or disconnected client is dropped rather than
// back-pressuring the originating hook dispatch.
package feed

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/tripwire/procsup/internal/hook"
)

// Event is the JSON envelope pushed to every connected client.
type Event struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id"`
	Detail any    `json:"detail,omitempty"`
}

// Client represents a single connected feed subscriber. It is created by
// Broadcaster.Register and valid until Broadcaster.Unregister is called.
type Client struct {
	id      string
	send    chan []byte
	Dropped atomic.Int64
}

// ID returns the client's unique identifier.
func (c *Client) ID() string { return c.id }

// Send returns a receive-only channel of JSON-encoded event frames. Closed
// when the client is unregistered.
func (c *Client) Send() <-chan []byte { return c.send }

// Broadcaster fans lifecycle events out to every connected client without
// blocking the hook dispatcher that feeds it. Safe for concurrent use.
type Broadcaster struct {
	clients   sync.Map // map[string]*Client
	clientCnt atomic.Int64

	bufSize int
	logger  *slog.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// NewBroadcaster creates a Broadcaster. bufSize is the per-client channel
// buffer depth; 0 uses a default of 64.
func NewBroadcaster(logger *slog.Logger, bufSize int) *Broadcaster {
	if bufSize <= 0 {
		bufSize = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{bufSize: bufSize, logger: logger}
}

// Register creates a new Client with a generated id, stores it, and returns
// it. The caller must call Unregister when the client disconnects.
func (b *Broadcaster) Register() *Client {
	c := &Client{id: uuid.NewString(), send: make(chan []byte, b.bufSize)}
	if b.closed.Load() {
		close(c.send)
		return c
	}
	b.clients.Store(c.id, c)
	b.clientCnt.Add(1)
	return c
}

// Unregister removes a client and closes its Send channel. A no-op for an
// unknown id.
func (b *Broadcaster) Unregister(id string) {
	if v, loaded := b.clients.LoadAndDelete(id); loaded {
		close(v.(*Client).send)
		b.clientCnt.Add(-1)
	}
}

// ClientCount returns the number of currently registered clients.
func (b *Broadcaster) ClientCount() int { return int(b.clientCnt.Load()) }

// Broadcast marshals evt and delivers it to every client with a
// non-blocking send. A client whose buffer is full has the frame dropped
// and its Dropped counter incremented rather than stalling the caller.
func (b *Broadcaster) Broadcast(evt Event) {
	if b.closed.Load() {
		return
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		b.logger.Error("feed: marshal failed", slog.Any("error", err))
		return
	}
	b.clients.Range(func(_, v any) bool {
		c := v.(*Client)
		select {
		case c.send <- raw:
		default:
			c.Dropped.Add(1)
			b.logger.Warn("feed: client buffer full, dropping event", slog.String("client_id", c.id))
		}
		return true
	})
}

// Close unregisters and closes every client channel. After Close, Broadcast
// is a no-op and Register returns an already-closed client.
func (b *Broadcaster) Close() {
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.clients.Range(func(key, value any) bool {
			b.clients.Delete(key)
			close(value.(*Client).send)
			b.clientCnt.Add(-1)
			return true
		})
	})
}

// kindToEventType maps a hook.Kind to the feed's wire-level event type.
func kindToEventType(k hook.Kind) string {
	switch k {
	case hook.OnChange:
		return "log_change"
	case hook.OnSuccess:
		return "success"
	case hook.OnFailure:
		return "failure"
	case hook.OnTerminated:
		return "terminated"
	case hook.OnTimeout:
		return "timeout"
	case hook.OnTaskStartFail:
		return "start_failed"
	default:
		return string(k)
	}
}

// HookFunc returns a hook.Func that republishes the event onto b. Wire this
// into a Supervisor's global hook registrations (one per hook.Kind of
// interest) to bridge lifecycle events into the feed.
func (b *Broadcaster) HookFunc() hook.Func {
	return func(_ context.Context, evt hook.Event) {
		b.Broadcast(Event{Type: kindToEventType(evt.Kind), TaskID: evt.TaskID, Detail: evt.Args})
	}
}
