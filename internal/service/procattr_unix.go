//go:build unix

package service

import (
	"errors"
	"os"
	"os/exec"
	"syscall"

	"golang.org/x/sys/unix"
)

// setProcAttr puts the child in its own process group so a terminal
// interrupt aimed at this process does not reach the driver directly, and
// so the whole group can be signalled on stop.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// requestTermination sends SIGTERM to the child's process group.
func requestTermination(p *os.Process) error {
	return signalGroup(p, unix.SIGTERM)
}

// killProcess sends SIGKILL to the child's process group, reaching any
// helpers the driver forked.
func killProcess(p *os.Process) error {
	return signalGroup(p, unix.SIGKILL)
}

// signalGroup signals every process in the group led by p. An empty group
// is reported as os.ErrProcessDone.
func signalGroup(p *os.Process, sig unix.Signal) error {
	err := unix.Kill(-p.Pid, sig)
	if errors.Is(err, unix.ESRCH) {
		return os.ErrProcessDone
	}
	return err
}
