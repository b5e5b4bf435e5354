package logwatcher

import (
	"log/slog"
	"time"
)

// pollLoop is the portable fallback watch strategy: it re-stats the file on
// a fixed interval (the debounce window doubles as the poll period, so no
// extra coalescing timer is needed) and emits a diff read whenever the size
// grows. Used whenever no platform-accelerated loop is registered.
func pollLoop(path string, debounce time.Duration, offset int64, onChange OnChange, stop <-chan struct{}, logger *slog.Logger) {
	ticker := time.NewTicker(debounce)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			delta, next, err := readDelta(path, offset)
			if err != nil {
				// The file may have been removed out from under us; log and
				// keep polling rather than exiting (it could reappear, though
				// in practice a task's log file lives for the task's life).
				logger.Warn("logwatcher: stat/read failed, will retry",
					slog.String("path", path), slog.Any("error", err))
				continue
			}
			offset = next
			if len(delta) > 0 {
				onChange(delta)
			}
		}
	}
}
