package monitoring

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
)

// Reason names the check that declared a process unhealthy.
type Reason string

const (
	ReasonMemory         Reason = "memory"
	ReasonCPU            Reason = "cpu"
	ReasonResponsiveness Reason = "responsiveness"
	ReasonProbe          Reason = "probe"
)

// HealthCheckResult is produced on every poll and then discarded.
// RSSMB and CPUPercent hold whatever was measured before the verdict.
type HealthCheckResult struct {
	OK         bool
	Reason     Reason
	Message    string
	RSSMB      float64
	CPUPercent float64
}

// Err converts a failed result into a HealthCheckFailure.
func (r HealthCheckResult) Err() error {
	if r.OK {
		return nil
	}
	return errors.NewHealthCheckFailure(string(r.Reason), r.Message)
}

// HealthLimits are the per-process ceilings checked on each poll. Zero disables a check.
type HealthLimits struct {
	MemoryMaxMB   int
	CPUMaxPercent float64
}

// ErrProcessGone is returned by a ProcessInspector when the pid no longer exists.
var ErrProcessGone = stderrors.New("process is not running")

// ProcessInspector reads per-process measurements from the OS.
type ProcessInspector interface {
	MemoryRSS(ctx context.Context, pid int) (uint64, error)
	// CPUPercent blocks for window and returns usage over it.
	CPUPercent(ctx context.Context, pid int, window time.Duration) (float64, error)
	Liveness(ctx context.Context, pid int) (processstate.Liveness, error)
}

type HealthMonitor interface {
	Check(ctx context.Context, pid int, limits HealthLimits) HealthCheckResult
}

type healthMonitor struct {
	inspector ProcessInspector
	cpuWindow time.Duration
	logger    logging.Logger
}

// NewHealthMonitor returns a monitor that checks memory, then CPU over cpuWindow,
// then responsiveness, and reports the first failure only.
// Each Check therefore blocks for at least cpuWindow.
func NewHealthMonitor(inspector ProcessInspector, cpuWindow time.Duration, logger logging.Logger) HealthMonitor {
	return &healthMonitor{
		inspector: inspector,
		cpuWindow: cpuWindow,
		logger:    logger,
	}
}

func (h *healthMonitor) Check(ctx context.Context, pid int, limits HealthLimits) HealthCheckResult {
	var result HealthCheckResult

	rss, err := h.inspector.MemoryRSS(ctx, pid)
	if err != nil {
		return h.measurementFailure(result, ReasonMemory, pid, err)
	}
	result.RSSMB = float64(rss) / (1024 * 1024)
	if limits.MemoryMaxMB > 0 && result.RSSMB > float64(limits.MemoryMaxMB) {
		result.Reason = ReasonMemory
		result.Message = fmt.Sprintf("Memory usage %.1fMB exceeds limit %dMB", result.RSSMB, limits.MemoryMaxMB)
		return result
	}

	cpu, err := h.inspector.CPUPercent(ctx, pid, h.cpuWindow)
	if err != nil {
		return h.measurementFailure(result, ReasonCPU, pid, err)
	}
	result.CPUPercent = cpu
	if limits.CPUMaxPercent > 0 && cpu > limits.CPUMaxPercent {
		result.Reason = ReasonCPU
		result.Message = fmt.Sprintf("CPU usage %.1f%% exceeds limit %.1f%%", cpu, limits.CPUMaxPercent)
		return result
	}

	liveness, err := h.inspector.Liveness(ctx, pid)
	if err != nil {
		return h.measurementFailure(result, ReasonResponsiveness, pid, err)
	}
	switch {
	case !liveness.Running:
		result.Reason = ReasonResponsiveness
		result.Message = "Process is not running"
		return result
	case liveness.Zombie:
		result.Reason = ReasonResponsiveness
		result.Message = "Process is zombie"
		return result
	}

	result.OK = true
	return result
}

// A measurement that cannot be taken counts as a failure of that check,
// unless the process is gone, which is always a responsiveness failure.
func (h *healthMonitor) measurementFailure(result HealthCheckResult, reason Reason, pid int, err error) HealthCheckResult {
	if stderrors.Is(err, ErrProcessGone) {
		result.Reason = ReasonResponsiveness
		result.Message = "Process is not running"
		return result
	}
	h.logger.Warnf("Process measurement failed, PID: %d, check: %s, error: %v", pid, reason, err)
	result.Reason = reason
	result.Message = fmt.Sprintf("Failed to measure %s: %v", reason, err)
	return result
}
