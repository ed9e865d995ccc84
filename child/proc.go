package child

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"
)

// proc is the state of one spawned child.
// Fields without a comment are owned by the goroutine that calls Supervisor methods.
type proc struct {
	log *zap.SugaredLogger
	cmd *exec.Cmd
	pid int

	out   *os.File
	stdin *stdinWriter

	// chunks carries output from pump and is closed at output EOF.
	chunks  chan []byte
	pending []byte
	outDone bool

	// exited is closed by wait once the process is reaped; status is valid after that.
	exited chan struct{}
	status int

	// quit is closed on release to unblock pump.
	quit chan struct{}

	terminating bool
}

func (p *proc) hasExited() bool {
	select {
	case <-p.exited:
		return true
	default:
		return false
	}
}

// pump reads output until EOF, an error or the drain deadline, handing each read to chunks.
// A read never exceeds readChunk() bytes, and at most one chunk is buffered, which bounds the memory
// held for output that has not been forwarded yet.
func (p *proc) pump(readChunk func() int, notify func()) {
	defer notify()
	defer close(p.chunks)

	for {
		buf := make([]byte, readChunk())
		n, err := p.out.Read(buf)
		if n > 0 {
			select {
			case p.chunks <- buf[:n]:
				notify()
			case <-p.quit:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.EOF) {
				p.log.Debugw("output read error", "Error", err)
			}
			return
		}
	}
}

// wait reaps the process, then bounds how much longer output may be drained.
func (p *proc) wait(drainTimeout time.Duration, notify func()) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			p.log.Debugw("unexpected wait error", "Error", err)
		}
	}
	p.status = exitStatus(p.cmd.ProcessState)
	p.log.Debugw("child exited", "Status", p.status)

	if err := p.out.SetReadDeadline(time.Now().Add(drainTimeout)); err != nil {
		p.log.Debugw("unable to set drain deadline on output", "Error", err)
	}
	close(p.exited)
	notify()
}

// release closes the broker's pipe ends. The process must have exited.
func (p *proc) release() {
	close(p.quit)
	p.stdin.close()
	if err := p.out.Close(); err != nil {
		p.log.Debugw("error closing output pipe", "Error", err)
	}
}
