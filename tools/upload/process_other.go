//go:build !unix

package upload

import (
	"os"
	"os/exec"
)

func processGroupEnable(cmd *exec.Cmd) {}

func processGroupSignal(cmd *exec.Cmd, sig os.Signal) error {
	return cmd.Process.Signal(sig)
}
