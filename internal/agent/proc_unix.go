//go:build unix

package agent

import (
	"os/exec"
	"syscall"
)

// startGroup puts the command in its own process group so signals reach
// everything the shell spawned.
func startGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig)
}
