//go:build darwin

package resourcelimits

import (
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"golang.org/x/sys/unix"
)

// darwinStrategy: macOS has no thread affinity API for other processes and
// no way to set another process's rlimits, so only priority is enforced here.
type darwinStrategy struct {
	logger logging.Logger
}

func newPlatformStrategy(logger logging.Logger) platformStrategy {
	return &darwinStrategy{logger: logger}
}

func (s *darwinStrategy) name() string {
	return "darwin/setpriority"
}

func (s *darwinStrategy) setPriority(pid int, class PriorityClass) error {
	nice, err := niceValue(class)
	if err != nil {
		return err
	}
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}

func (s *darwinStrategy) setAffinity(pid int, cores []int) error {
	return unsupported("CPU affinity")
}

func (s *darwinStrategy) setMemoryCeiling(pid int, scope string, megabytes int) error {
	return unsupported("memory ceiling for a running process")
}
