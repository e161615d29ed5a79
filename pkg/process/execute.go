package process

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// ExecutionConfig describes how a service process is launched.
type ExecutionConfig struct {
	Command          []string
	Environment      []string
	WorkingDirectory string
}

// Handle is the supervisor's view of one spawned process. It is owned by a
// single service controller and discarded once the process is stopped.
type Handle interface {
	PID() int
	StartTime() time.Time
	// Done is closed when the process has exited and been reaped.
	Done() <-chan struct{}
	// ExitCode is meaningful only after Done is closed.
	ExitCode() int
	// Terminate asks the process group to exit gracefully.
	Terminate() error
	// Kill forcibly terminates the process group.
	Kill() error
}

// SpawnFunc starts a process; output receives combined stdout/stderr.
type SpawnFunc func(ctx context.Context, execution ExecutionConfig, output io.Writer) (Handle, error)

// NewSpawner returns the default SpawnFunc backed by os/exec.
func NewSpawner(logger logging.Logger) SpawnFunc {
	return func(ctx context.Context, execution ExecutionConfig, output io.Writer) (Handle, error) {
		if err := ctx.Err(); err != nil {
			return nil, errors.NewCancelledError("spawn cancelled", err)
		}
		if err := ValidateExecutionConfig(execution); err != nil {
			return nil, err
		}

		executable := execution.Command[0]
		if strings.ContainsRune(executable, filepath.Separator) || strings.ContainsRune(executable, '/') {
			if err := ensureExecutable(executable); err != nil {
				return nil, err
			}
		} else {
			resolved, err := exec.LookPath(executable)
			if err != nil {
				return nil, errors.NewNotFoundError("executable not found in PATH", err).WithContext("executable", executable)
			}
			executable = resolved
		}

		// Not CommandContext: the process must outlive the spawning call.
		cmd := exec.Command(executable, execution.Command[1:]...)
		cmd.Dir = execution.WorkingDirectory
		cmd.Env = append(os.Environ(), execution.Environment...)
		if output == nil {
			output = io.Discard
		}
		cmd.Stdout = output
		cmd.Stderr = output

		// Bounds Wait when a grandchild keeps the output pipe open.
		cmd.WaitDelay = reapTimeout

		setupProcessAttributes(cmd)

		logger.Debugf("Spawning process, command: %v, working directory: '%s'", execution.Command, execution.WorkingDirectory)

		if err := cmd.Start(); err != nil {
			return nil, errors.NewProcessError("failed to start the process", err).WithContext("executable", executable)
		}

		h := &cmdHandle{
			cmd:       cmd,
			startTime: time.Now(),
			done:      make(chan struct{}),
		}
		go h.wait()

		logger.Infof("Spawned process, command: %s, PID: %d", execution.Command[0], cmd.Process.Pid)
		return h, nil
	}
}

type cmdHandle struct {
	cmd       *exec.Cmd
	startTime time.Time
	done      chan struct{}

	mutex    sync.Mutex
	exitCode int
}

func (h *cmdHandle) wait() {
	_ = h.cmd.Wait()
	h.mutex.Lock()
	h.exitCode = h.cmd.ProcessState.ExitCode()
	h.mutex.Unlock()
	close(h.done)
}

func (h *cmdHandle) PID() int              { return h.cmd.Process.Pid }
func (h *cmdHandle) StartTime() time.Time  { return h.startTime }
func (h *cmdHandle) Done() <-chan struct{} { return h.done }

func (h *cmdHandle) ExitCode() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return h.exitCode
}

func (h *cmdHandle) Terminate() error {
	if h.exited() {
		return nil
	}
	return sendTerminationSignal(h.cmd.Process)
}

func (h *cmdHandle) Kill() error {
	if h.exited() {
		return nil
	}
	return killProcessGroup(h.cmd.Process)
}

func (h *cmdHandle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ensureExecutable checks if a file is executable and makes it executable if it's not
func ensureExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.NewIOError("file does not exist", err).WithContext("path", path)
	}

	if runtime.GOOS == "windows" {
		return nil
	}

	mode := info.Mode()
	if mode&0111 != 0 {
		return nil
	}
	if err := os.Chmod(path, mode|0111); err != nil {
		return errors.NewPermissionError("failed to make file executable", err).WithContext("path", path)
	}
	return nil
}
