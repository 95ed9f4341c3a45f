//go:build unix

package upload

import (
	"os"
	"os/exec"
	"syscall"
)

// The emulator runs in its own process group, so it doesn't receive the
// terminal's signals and can be stopped with all its children.
func processGroupEnable(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func processGroupSignal(cmd *exec.Cmd, sig os.Signal) error {
	return syscall.Kill(-cmd.Process.Pid, sig.(syscall.Signal))
}
