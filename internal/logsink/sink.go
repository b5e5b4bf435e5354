// Package logsink provides the per-task append-only log file that captures
// interleaved stdout/stderr and pokes the idle watchdog on every write.
package logsink

import (
	"fmt"
	"os"
	"sync"
)

// Sink is an append-only file opened at task admission (so early pipe
// writes from the spawned process never race against file creation). Close
// is idempotent and is called exactly once, on the task's terminal
// transition.
type Sink struct {
	mu     sync.Mutex
	file   *os.File
	closed bool

	// onWrite is invoked (outside the lock) after every successful write,
	// used by the ProcessExecutor to reset the idle watchdog.
	onWrite func()
}

// Open creates (or truncates) the log file at path and returns a Sink ready
// to accept writes. onWrite may be nil.
func Open(path string, onWrite func()) (*Sink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logsink: open %q: %w", path, err)
	}
	return &Sink{file: f, onWrite: onWrite}, nil
}

// Write appends p to the log file and pokes the idle watchdog. It is safe
// for concurrent use by the stdout and stderr copy goroutines.
func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return len(p), nil // silent no-op past close, matches write-after-close contract
	}
	n, err := s.file.Write(p)
	s.mu.Unlock()

	if err != nil {
		return n, fmt.Errorf("logsink: write: %w", err)
	}
	if s.onWrite != nil {
		s.onWrite()
	}
	return n, nil
}

// Close flushes and closes the underlying file. It is idempotent: repeated
// calls after the first are no-ops returning nil.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
