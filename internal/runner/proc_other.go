//go:build !unix

package runner

import (
	"os"
	"os/exec"
)

func setProcessGroup(cmd *exec.Cmd) {}

func exitCode(ps *os.ProcessState) int {
	return ps.ExitCode()
}
