//go:build windows

package process

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"golang.org/x/sys/windows"
)

// Console control events are process-wide; serialize them.
var consoleOperationLock sync.Mutex

var (
	kernel32                     = windows.NewLazySystemDLL("kernel32.dll")
	procGenerateConsoleCtrlEvent = kernel32.NewProc("GenerateConsoleCtrlEvent")
)

// sendTerminationSignal delivers CTRL_BREAK to the child's process group.
func sendTerminationSignal(proc *os.Process) error {
	consoleOperationLock.Lock()
	defer consoleOperationLock.Unlock()

	result, _, err := procGenerateConsoleCtrlEvent.Call(
		uintptr(windows.CTRL_BREAK_EVENT),
		uintptr(proc.Pid),
	)
	if result == 0 {
		return fmt.Errorf("failed to send Ctrl+Break to PID %d: %v", proc.Pid, err)
	}
	return nil
}

// killProcessGroup terminates the whole process tree.
func killProcessGroup(proc *os.Process) error {
	if err := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(proc.Pid)).Run(); err != nil {
		if killErr := proc.Kill(); killErr != nil && killErr != os.ErrProcessDone {
			return killErr
		}
	}
	return nil
}
