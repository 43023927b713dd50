//go:build !linux

// Package procattr configures backend subprocesses so they cannot outlive
// the bridge: each backend runs in its own process group, and on Linux
// the kernel tears it down if the bridge dies without cleaning up.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the command in its own process group. Pdeathsig does not exist
// off Linux, so orphan prevention is limited to group signaling by the
// parent.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true,
	}
}
