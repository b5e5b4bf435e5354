// Package logwatcher implements a debounced tail of a task's log file,
// emitting newly written bytes to the onChange hook. It is created only
// when onChange hooks exist for a task (constructing one for every task
// would be wasted work).
//
// Strategy: wait for logPath's directory to contain the file (it may not
// exist yet if the watcher races task admission), then watch the file
// itself; coalesce rapid writes with a short debounce and read bytes past a
// privately-held offset. Truncation (size shrinks below the offset) resets
// the offset without emitting. The watcher never reads or mutates Task
// state — it is a pure, privately-offset-tracking observer of the file the
// LogSink owns exclusively.
//
// On Linux, file change notification is delivered by the kernel inotify
// interface (see inotify_linux.go), using a self-pipe + InotifyInit1
// pattern for low-latency filesystem monitoring. On other platforms (or if
// inotify is unavailable), a fixed-interval polling loop is used instead;
// exponential backoff applies only while waiting for the file to appear.
package logwatcher

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultDebounce is the coalescing window applied between a file change
// notification and the diff-read that follows it.
const DefaultDebounce = 100 * time.Millisecond

// OnChange is invoked with the bytes appended to the log file since the
// last emission. It is never called with an empty slice.
type OnChange func(delta []byte)

// platformLoop, when non-nil, is registered by a platform-specific file
// (inotify_linux.go) to provide a kernel-accelerated watch loop. It must
// block until stop is closed, reading debounce as its coalescing window.
var platformLoop func(path string, debounce time.Duration, startOffset int64, onChange OnChange, stop <-chan struct{}, logger *slog.Logger)

// Watcher tails one log file and emits onChange for every batch of newly
// written bytes.
type Watcher struct {
	path   string
	logger *slog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New starts watching path. It does not block waiting for the file to
// exist; that wait happens on the internal goroutine with exponential
// backoff, so New returns immediately. debounce <= 0 uses DefaultDebounce.
// If logger is nil, slog.Default() is used.
func New(path string, debounce time.Duration, onChange OnChange, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &Watcher{
		path:   path,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go w.run(debounce, onChange)
	return w
}

// Stop requests the watcher to cease monitoring. It blocks until the
// internal goroutine has exited. Stop is idempotent.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watcher) run(debounce time.Duration, onChange OnChange) {
	defer close(w.done)

	offset, ok := w.waitForFile()
	if !ok {
		return // stopped before the file ever appeared
	}

	if platformLoop != nil {
		platformLoop(w.path, debounce, offset, onChange, w.stop, w.logger)
		return
	}
	pollLoop(w.path, debounce, offset, onChange, w.stop, w.logger)
}

// waitForFile blocks (with exponential backoff) until w.path exists or Stop
// is called, returning the file's current size as the starting tail offset
// (the watcher only ever emits bytes written after it starts watching).
func (w *Watcher) waitForFile() (int64, bool) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 0 // retry indefinitely until Stop

	var size int64
	op := func() error {
		info, err := os.Stat(w.path)
		if err != nil {
			return err
		}
		size = info.Size()
		return nil
	}

	ticker := backoff.NewTicker(b)
	defer ticker.Stop()

	if err := op(); err == nil {
		return size, true
	}

	for {
		select {
		case <-w.stop:
			return 0, false
		case _, ok := <-ticker.C:
			if !ok {
				return 0, false
			}
			if err := op(); err == nil {
				return size, true
			}
		}
	}
}
