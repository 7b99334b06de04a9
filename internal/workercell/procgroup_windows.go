//go:build windows

package workercell

import "os/exec"

// SetProcessGroup is a no-op placeholder on Windows. A full implementation
// would assign the subprocess to a job object (CreateJobObject +
// AssignProcessToJobObject) so that [KillProcessGroup] can terminate the
// whole tree; Windows job-object containment is not implemented here.
func SetProcessGroup(cmd *exec.Cmd) {}

// KillProcessGroup falls back to killing just the immediate child process.
func KillProcessGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}
