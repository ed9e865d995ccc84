//go:build !unix

package child

import (
	"errors"
	"os"
	"os/exec"
)

var errGracefulUnsupported = errors.New("graceful stop not supported on this platform")

func setProcAttr(cmd *exec.Cmd) {}

// interrupt always fails so callers fall back to kill.
func (p *proc) interrupt() error {
	return errGracefulUnsupported
}

func (p *proc) kill() error {
	if p.hasExited() {
		return nil
	}
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
