//go:build !linux && !darwin && !windows

package resourcelimits

import (
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

type noopStrategy struct{}

func newPlatformStrategy(logger logging.Logger) platformStrategy {
	return noopStrategy{}
}

func (noopStrategy) name() string { return "unsupported" }

func (noopStrategy) setPriority(pid int, class PriorityClass) error {
	return unsupported("process priority")
}

func (noopStrategy) setAffinity(pid int, cores []int) error {
	return unsupported("CPU affinity")
}

func (noopStrategy) setMemoryCeiling(pid int, scope string, megabytes int) error {
	return unsupported("memory ceiling")
}
