//go:build unix

package child

import (
	"errors"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the child in its own process group so signals reach everything it spawned,
// including descendants that would otherwise keep the output pipe open.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func (p *proc) interrupt() error {
	return p.signalGroup(unix.SIGTERM)
}

func (p *proc) kill() error {
	return p.signalGroup(unix.SIGKILL)
}

func (p *proc) signalGroup(sig unix.Signal) error {
	if p.hasExited() {
		return nil
	}
	err := unix.Kill(-p.pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}
