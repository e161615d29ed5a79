package process

import (
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

// reapTimeout bounds the wait after a forced kill.
const reapTimeout = 5 * time.Second

// StopResult reports how a stop completed.
type StopResult struct {
	Forced   bool
	ExitCode int
}

// Stop asks h to exit, waits up to graceTimeout, then kills the process group
// and waits a bounded time for it to be reaped. No wait is unbounded.
func Stop(h Handle, graceTimeout time.Duration, logger logging.Logger) (StopResult, error) {
	select {
	case <-h.Done():
		return StopResult{ExitCode: h.ExitCode()}, nil
	default:
	}

	pid := h.PID()
	if err := h.Terminate(); err != nil {
		logger.Warnf("Graceful termination signal failed, PID: %d, error: %v", pid, err)
	} else {
		logger.Debugf("Sent graceful termination signal, PID: %d, grace timeout: %v", pid, graceTimeout)
	}

	timer := time.NewTimer(graceTimeout)
	defer timer.Stop()
	select {
	case <-h.Done():
		logger.Infof("Process exited gracefully, PID: %d, exit code: %d", pid, h.ExitCode())
		return StopResult{ExitCode: h.ExitCode()}, nil
	case <-timer.C:
	}

	logger.Warnf("Process did not exit within %v, killing, PID: %d", graceTimeout, pid)
	if err := h.Kill(); err != nil {
		return StopResult{Forced: true}, errors.NewProcessError("failed to kill process", err).WithContext("pid", pid)
	}

	select {
	case <-h.Done():
		return StopResult{Forced: true, ExitCode: h.ExitCode()}, nil
	case <-time.After(reapTimeout):
		return StopResult{Forced: true}, errors.NewTimeoutError("process not reaped after kill", nil).WithContext("pid", pid)
	}
}
