//go:build windows

package service

import (
	"os"
	"os/exec"
)

func setProcAttr(*exec.Cmd) {}

// requestTermination terminates the child. Windows has no catchable
// termination signal for console-less processes.
func requestTermination(p *os.Process) error {
	return p.Kill()
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
