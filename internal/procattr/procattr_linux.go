//go:build linux

// Package procattr configures backend subprocesses so they cannot outlive
// the bridge: each backend runs in its own process group, and on Linux
// the kernel tears it down if the bridge dies without cleaning up.
package procattr

import (
	"os/exec"
	"syscall"
)

// Set puts the command in its own process group and arranges for SIGTERM
// delivery should the parent die first (editor crash, OOM kill). Backends
// spawn their own children (shells, MCP servers); the group keeps them
// reachable for cleanup.
func Set(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
