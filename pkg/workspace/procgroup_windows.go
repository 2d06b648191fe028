//go:build windows

package workspace

import "os/exec"

func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup falls back to killing only the direct child; grandchild
// cleanup on Windows would need job objects.
func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
