package resourcelimits

import (
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

type limiter struct {
	strategy platformStrategy
	logger   logging.Logger
}

// NewLimiter returns the Limiter for the host platform.
func NewLimiter(logger logging.Logger) Limiter {
	return newLimiter(newPlatformStrategy(logger), logger)
}

func newLimiter(strategy platformStrategy, logger logging.Logger) *limiter {
	return &limiter{
		strategy: strategy,
		logger:   logger,
	}
}

func (l *limiter) Platform() string {
	return l.strategy.name()
}

func (l *limiter) Apply(pid int, limits Limits) error {
	if pid <= 0 {
		return errors.NewValidationError("invalid PID", nil).WithContext("pid", pid)
	}

	failures := make(map[Constraint]error)
	record := func(c Constraint, err error) {
		if err == nil {
			return
		}
		failures[c] = errors.NewResourceError("failed to apply "+string(c), err).
			WithContext("constraint", string(c)).
			WithContext("pid", pid)
	}

	if limits.Priority != "" {
		record(ConstraintPriority, l.strategy.setPriority(pid, limits.Priority))
	}
	if len(limits.CPUAffinity) > 0 {
		record(ConstraintAffinity, l.strategy.setAffinity(pid, limits.CPUAffinity))
	}
	if limits.MemoryMaxMB > 0 {
		record(ConstraintMemory, l.strategy.setMemoryCeiling(pid, limits.Scope, limits.MemoryMaxMB))
	}

	if len(failures) > 0 {
		err := &ResourceError{PID: pid, Failures: failures}
		l.logger.Warnf("%v", err)
		return err
	}

	l.logger.Debugf("Applied resource limits to PID %d via %s, priority: %s, affinity: %v, memory: %d MB",
		pid, l.strategy.name(), limits.Priority, limits.CPUAffinity, limits.MemoryMaxMB)
	return nil
}
