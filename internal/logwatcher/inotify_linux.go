//go:build linux

package logwatcher

import (
	"log/slog"
	"syscall"
	"time"
	"unsafe"
)

// Linux inotify event flags relevant to tailing a single file (kernel ABI —
// never change). Matches <sys/inotify.h>.
const (
	inModify   uint32 = 0x2   // IN_MODIFY: file content changed
	inClosew   uint32 = 0x8   // IN_CLOSE_WRITE: writable fd closed
	inDelete   uint32 = 0x400 // IN_DELETE_SELF: watched file removed
	inMoveSelf uint32 = 0x800 // IN_MOVE_SELF: watched file moved away

	inotifyCloexec = 0x80000 // IN_CLOEXEC, used as an InotifyInit1 flag
)

var fileMask uint32 = inModify | inClosew | inDelete | inMoveSelf

var inotifyEventSize = int(unsafe.Sizeof(syscall.InotifyEvent{}))

func init() {
	platformLoop = inotifyTailLoop
}

// inotifyTailLoop watches path via the Linux inotify API and emits a
// debounced diff read after each burst of modify/close-write events. A
// self-pipe (pipeR/pipeW) lets Stop unblock the blocking select(2) call
// without relying on any Go-level cancellation of the read syscall.
func inotifyTailLoop(path string, debounce time.Duration, offset int64, onChange OnChange, stop <-chan struct{}, logger *slog.Logger) {
	ifd, err := syscall.InotifyInit1(inotifyCloexec)
	if err != nil {
		logger.Warn("logwatcher: inotify unavailable, falling back to polling",
			slog.Any("error", err))
		pollLoop(path, debounce, offset, onChange, stop, logger)
		return
	}
	defer syscall.Close(ifd)

	wd, err := syscall.InotifyAddWatch(ifd, path, fileMask)
	if err != nil {
		logger.Warn("logwatcher: inotify_add_watch failed, falling back to polling",
			slog.String("path", path), slog.Any("error", err))
		pollLoop(path, debounce, offset, onChange, stop, logger)
		return
	}
	_ = wd

	var pipeFds [2]int
	if err := syscall.Pipe2(pipeFds[:], syscall.O_CLOEXEC); err != nil {
		logger.Warn("logwatcher: pipe2 failed, falling back to polling", slog.Any("error", err))
		pollLoop(path, debounce, offset, onChange, stop, logger)
		return
	}
	pipeR, pipeW := pipeFds[0], pipeFds[1]
	defer syscall.Close(pipeR)
	defer syscall.Close(pipeW)

	unblock := make(chan struct{})
	go func() {
		select {
		case <-stop:
			syscall.Write(pipeW, []byte{0})
		case <-unblock:
		}
	}()
	defer close(unblock)

	var debounceTimer *time.Timer
	pendingCh := make(chan struct{}, 1)

	flush := func() {
		delta, next, err := readDelta(path, offset)
		if err != nil {
			logger.Warn("logwatcher: diff read failed", slog.String("path", path), slog.Any("error", err))
			return
		}
		offset = next
		if len(delta) > 0 {
			onChange(delta)
		}
	}

	buf := make([]byte, 4096)
	for {
		rfds := &syscall.FdSet{}
		fdSet(rfds, ifd)
		fdSet(rfds, pipeR)
		maxFd := ifd
		if pipeR > maxFd {
			maxFd = pipeR
		}

		_, err := syscall.Select(maxFd+1, rfds, nil, nil, nil)
		if err != nil {
			if err == syscall.EINTR {
				continue
			}
			logger.Warn("logwatcher: select failed", slog.Any("error", err))
			return
		}

		select {
		case <-stop:
			return
		default:
		}

		if fdIsSet(rfds, pipeR) {
			return
		}

		if fdIsSet(rfds, ifd) {
			n, err := syscall.Read(ifd, buf)
			if err != nil || n < inotifyEventSize {
				continue
			}
			// Drain whatever events arrived; we only care that *something*
			// happened, not which event, since we always diff-read from the
			// offset. Debounce coalesces a burst into one flush.
			select {
			case pendingCh <- struct{}{}:
			default:
			}
			if debounceTimer == nil {
				debounceTimer = time.AfterFunc(debounce, func() {
					select {
					case <-pendingCh:
						flush()
					default:
					}
				})
			} else {
				debounceTimer.Reset(debounce)
			}
		}
	}
}

func fdSet(set *syscall.FdSet, fd int) {
	set.Bits[fd/64] |= 1 << (uint(fd) % 64)
}

func fdIsSet(set *syscall.FdSet, fd int) bool {
	return set.Bits[fd/64]&(1<<(uint(fd)%64)) != 0
}
