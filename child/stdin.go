package child

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

var errStdinClosed = errors.New("child stdin closed")

// stdinWriter forwards queued writes to the child's stdin in FIFO order on its own goroutine,
// so a child that stops reading cannot stall the relay loop.
type stdinWriter struct {
	log   *zap.SugaredLogger
	w     *os.File
	limit func() int

	wake chan struct{}

	mut    sync.Mutex
	queue  [][]byte
	queued int
	closed bool
	err    error

	closeOnce sync.Once
}

func newStdinWriter(log *zap.SugaredLogger, w *os.File, limit func() int) *stdinWriter {
	return &stdinWriter{
		log:   log,
		w:     w,
		limit: limit,
		wake:  make(chan struct{}, 1),
	}
}

func (sw *stdinWriter) enqueue(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	sw.mut.Lock()
	defer sw.mut.Unlock()

	if sw.err != nil {
		return sw.err
	}
	if sw.closed {
		return errStdinClosed
	}
	if sw.limit != nil {
		if limit := sw.limit(); sw.queued+len(b) > limit {
			return fmt.Errorf("stdin queue full: %d bytes queued, %d more would exceed %d", sw.queued, len(b), limit)
		}
	}
	sw.queue = append(sw.queue, b)
	sw.queued += len(b)

	select {
	case sw.wake <- struct{}{}:
	default:
	}
	return nil
}

func (sw *stdinWriter) run() {
	defer sw.closeFile()
	for range sw.wake {
		for {
			sw.mut.Lock()
			if len(sw.queue) == 0 {
				closed := sw.closed
				sw.mut.Unlock()
				if closed {
					return
				}
				break
			}
			b := sw.queue[0]
			sw.queue[0] = nil
			sw.queue = sw.queue[1:]
			sw.mut.Unlock()

			_, err := sw.w.Write(b)

			sw.mut.Lock()
			sw.queued -= len(b)
			if err != nil {
				sw.err = fmt.Errorf("writing child stdin: %w", err)
				sw.queue = nil
				sw.queued = 0
			}
			sw.mut.Unlock()
			if err != nil {
				sw.log.Debugw("stdin write failed", "Error", err)
				return
			}
		}
	}
}

// close stops accepting writes and closes the pipe. Writes already queued are abandoned if the
// writer is blocked on a child that no longer reads.
func (sw *stdinWriter) close() {
	sw.mut.Lock()
	sw.closed = true
	sw.queue = nil
	sw.queued = 0
	sw.mut.Unlock()

	sw.closeOnce.Do(func() {
		close(sw.wake)
	})
	sw.closeFile()
}

func (sw *stdinWriter) closeFile() {
	err := sw.w.Close()
	if err != nil && !errors.Is(err, os.ErrClosed) {
		sw.log.Debugw("error closing stdin pipe", "Error", err)
	}
}
