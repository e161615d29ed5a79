package resourcelimits

import (
	"fmt"
	"sort"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// Limiter applies scheduling priority, CPU affinity and a memory ceiling to a
// running process. Constraints are applied independently; a failure of one
// does not prevent the others.
type Limiter interface {
	// Apply returns nil or a *ResourceError listing every failed constraint.
	Apply(pid int, limits Limits) error
	// Platform names the strategy in use, e.g. "linux/cgroup2".
	Platform() string
}

// PriorityClass is the portable scheduling class of a service.
type PriorityClass string

const (
	PriorityRealtime PriorityClass = "realtime"
	PriorityHigh     PriorityClass = "high"
	PriorityNormal   PriorityClass = "normal"
	PriorityLow      PriorityClass = "low"
	PriorityIdle     PriorityClass = "idle"
)

func ParsePriorityClass(name string) (PriorityClass, error) {
	switch PriorityClass(strings.ToLower(strings.TrimSpace(name))) {
	case PriorityRealtime:
		return PriorityRealtime, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case "", PriorityNormal:
		return PriorityNormal, nil
	case PriorityLow:
		return PriorityLow, nil
	case PriorityIdle:
		return PriorityIdle, nil
	}
	return "", errors.NewValidationError("unknown priority class: "+name, nil)
}

// Constraint identifies one independently applied limit.
type Constraint string

const (
	ConstraintPriority Constraint = "priority"
	ConstraintAffinity Constraint = "cpu_affinity"
	ConstraintMemory   Constraint = "memory_max"
)

// Limits is the per-service constraint set.
type Limits struct {
	// Scope names the service; strategies that group processes use it.
	Scope       string
	Priority    PriorityClass
	CPUAffinity []int
	MemoryMaxMB int
}

// IsEmpty reports whether nothing beyond the default priority is requested.
func (l Limits) IsEmpty() bool {
	return (l.Priority == "" || l.Priority == PriorityNormal) && len(l.CPUAffinity) == 0 && l.MemoryMaxMB <= 0
}

// LimitsFromConfig builds Limits for a configured service.
func LimitsFromConfig(service config.ServiceConfig) (Limits, error) {
	priority, err := ParsePriorityClass(service.ProcessPriority)
	if err != nil {
		return Limits{}, err
	}
	return Limits{
		Scope:       service.Name,
		Priority:    priority,
		CPUAffinity: append([]int(nil), service.ProcessLimits.CPUAffinity...),
		MemoryMaxMB: service.ProcessLimits.MemoryMax,
	}, nil
}

// ResourceError collects the constraints that could not be applied to a process.
type ResourceError struct {
	PID      int
	Failures map[Constraint]error
}

func (e *ResourceError) Error() string {
	constraints := e.Constraints()
	parts := make([]string, 0, len(constraints))
	for _, c := range constraints {
		parts = append(parts, fmt.Sprintf("%s: %v", c, e.Failures[c]))
	}
	return fmt.Sprintf("resource limits not fully applied to PID %d: %s", e.PID, strings.Join(parts, "; "))
}

// Unwrap exposes every failure, each a resource DomainError.
func (e *ResourceError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, c := range e.Constraints() {
		errs = append(errs, e.Failures[c])
	}
	return errs
}

// Constraints lists failed constraints in a stable order.
func (e *ResourceError) Constraints() []Constraint {
	constraints := make([]Constraint, 0, len(e.Failures))
	for c := range e.Failures {
		constraints = append(constraints, c)
	}
	sort.Slice(constraints, func(i, j int) bool { return constraints[i] < constraints[j] })
	return constraints
}

// platformStrategy is the per-OS mechanism behind Limiter.
type platformStrategy interface {
	name() string
	setPriority(pid int, class PriorityClass) error
	setAffinity(pid int, cores []int) error
	setMemoryCeiling(pid int, scope string, megabytes int) error
}

func unsupported(what string) error {
	return errors.NewUnsupportedError(what + " is not supported on this platform")
}
