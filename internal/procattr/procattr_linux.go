//go:build linux

// Package procattr configures agent subprocesses so they cannot outlive
// the orchestrator.
package procattr

import (
	"os/exec"
	"syscall"
)

// Apply puts the subprocess in its own process group and arranges for the
// kernel to deliver SIGTERM to it if the orchestrator dies without a chance
// to clean up.
func Apply(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
