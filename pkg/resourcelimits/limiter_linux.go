//go:build linux

package resourcelimits

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"golang.org/x/sys/unix"
)

const (
	cgroupMount = "/sys/fs/cgroup"
	cgroupGroup = "hsu-supervisor"
)

type linuxStrategy struct {
	// cgroupRoot is empty when cgroup v2 is not writable; prlimit is used instead.
	cgroupRoot string
	logger     logging.Logger
}

func newPlatformStrategy(logger logging.Logger) platformStrategy {
	return &linuxStrategy{
		cgroupRoot: detectCgroupRoot(filepath.Join(cgroupMount, cgroupGroup)),
		logger:     logger,
	}
}

func (s *linuxStrategy) name() string {
	if s.cgroupRoot != "" {
		return "linux/cgroup2"
	}
	return "linux/rlimit"
}

func (s *linuxStrategy) setPriority(pid int, class PriorityClass) error {
	nice, err := niceValue(class)
	if err != nil {
		return err
	}
	return unix.Setpriority(unix.PRIO_PROCESS, pid, nice)
}

func (s *linuxStrategy) setAffinity(pid int, cores []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, core := range cores {
		set.Set(core)
	}
	return unix.SchedSetaffinity(pid, &set)
}

func (s *linuxStrategy) setMemoryCeiling(pid int, scope string, megabytes int) error {
	limit := uint64(megabytes) * 1024 * 1024
	if s.cgroupRoot != "" {
		err := s.joinCgroup(pid, scope, limit)
		if err == nil {
			return nil
		}
		s.logger.Debugf("cgroup memory limit failed for PID %d, falling back to RLIMIT_AS: %v", pid, err)
	}
	rlimit := unix.Rlimit{Cur: limit, Max: limit}
	return unix.Prlimit(pid, unix.RLIMIT_AS, &rlimit, nil)
}

// joinCgroup moves pid into <root>/<scope> with memory.max set.
func (s *linuxStrategy) joinCgroup(pid int, scope string, limit uint64) error {
	dir := filepath.Join(s.cgroupRoot, scope)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "memory.max"), []byte(strconv.FormatUint(limit, 10)), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "cgroup.procs"), []byte(strconv.Itoa(pid)), 0644)
}

// detectCgroupRoot prepares a delegated cgroup v2 subtree with the memory
// controller enabled, returning "" when that is not possible.
func detectCgroupRoot(root string) string {
	if _, err := os.Stat(filepath.Join(cgroupMount, "cgroup.controllers")); err != nil {
		return ""
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return ""
	}
	if err := os.WriteFile(filepath.Join(root, "cgroup.subtree_control"), []byte("+memory"), 0644); err != nil {
		return ""
	}
	return root
}
