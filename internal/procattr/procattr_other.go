//go:build !linux

// Package procattr configures agent subprocesses so they cannot outlive
// the orchestrator.
package procattr

import (
	"os/exec"
	"syscall"
)

// Apply puts the subprocess in its own process group. Pdeathsig does not
// exist outside Linux; the group still lets the orchestrator signal every
// descendant at once.
func Apply(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
