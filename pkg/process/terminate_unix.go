//go:build !windows

package process

import (
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// sendTerminationSignal sends SIGTERM to the process group.
func sendTerminationSignal(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			// Group already gone, or the child never became a leader.
			return ignoreFinished(proc.Signal(syscall.SIGTERM))
		}
		return err
	}
	return nil
}

// killProcessGroup sends SIGKILL to the process group, falling back to the process.
func killProcessGroup(proc *os.Process) error {
	if err := unix.Kill(-proc.Pid, unix.SIGKILL); err != nil {
		return ignoreFinished(proc.Kill())
	}
	return nil
}

func ignoreFinished(err error) error {
	if err == os.ErrProcessDone {
		return nil
	}
	return err
}
