//go:build windows

package resourcelimits

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"golang.org/x/sys/windows"
)

var (
	kernel32                   = windows.NewLazySystemDLL("kernel32.dll")
	procSetProcessAffinityMask = kernel32.NewProc("SetProcessAffinityMask")
)

// windowsStrategy keeps one Job Object per service scope; the handles stay
// open for the supervisor lifetime so the limits remain in force.
type windowsStrategy struct {
	logger logging.Logger

	mutex sync.Mutex
	jobs  map[string]windows.Handle
}

func newPlatformStrategy(logger logging.Logger) platformStrategy {
	return &windowsStrategy{
		logger: logger,
		jobs:   make(map[string]windows.Handle),
	}
}

func (s *windowsStrategy) name() string {
	return "windows/jobobject"
}

// priorityClass maps onto Win32 classes; realtime maps to HIGH, never REALTIME.
func priorityClass(class PriorityClass) (uint32, error) {
	switch class {
	case PriorityRealtime:
		return windows.HIGH_PRIORITY_CLASS, nil
	case PriorityHigh:
		return windows.ABOVE_NORMAL_PRIORITY_CLASS, nil
	case PriorityNormal:
		return windows.NORMAL_PRIORITY_CLASS, nil
	case PriorityLow:
		return windows.BELOW_NORMAL_PRIORITY_CLASS, nil
	case PriorityIdle:
		return windows.IDLE_PRIORITY_CLASS, nil
	}
	return 0, unsupported("priority class " + string(class))
}

func (s *windowsStrategy) setPriority(pid int, class PriorityClass) error {
	value, err := priorityClass(class)
	if err != nil {
		return err
	}
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("OpenProcess: %w", err)
	}
	defer windows.CloseHandle(handle)
	return windows.SetPriorityClass(handle, value)
}

func (s *windowsStrategy) setAffinity(pid int, cores []int) error {
	var mask uintptr
	for _, core := range cores {
		if core >= int(unsafe.Sizeof(mask))*8 {
			return fmt.Errorf("core index %d exceeds affinity mask width", core)
		}
		mask |= 1 << uint(core)
	}
	handle, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION|windows.PROCESS_QUERY_INFORMATION, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("OpenProcess: %w", err)
	}
	defer windows.CloseHandle(handle)

	result, _, callErr := procSetProcessAffinityMask.Call(uintptr(handle), mask)
	if result == 0 {
		return fmt.Errorf("SetProcessAffinityMask: %w", callErr)
	}
	return nil
}

func (s *windowsStrategy) setMemoryCeiling(pid int, scope string, megabytes int) error {
	job, err := s.jobFor(scope)
	if err != nil {
		return err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{}
	info.BasicLimitInformation.LimitFlags = windows.JOB_OBJECT_LIMIT_PROCESS_MEMORY
	info.ProcessMemoryLimit = uintptr(megabytes) * 1024 * 1024
	if _, err := windows.SetInformationJobObject(job, windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)), uint32(unsafe.Sizeof(info))); err != nil {
		return fmt.Errorf("SetInformationJobObject: %w", err)
	}

	handle, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return fmt.Errorf("OpenProcess: %w", err)
	}
	defer windows.CloseHandle(handle)
	return windows.AssignProcessToJobObject(job, handle)
}

func (s *windowsStrategy) jobFor(scope string) (windows.Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if job, ok := s.jobs[scope]; ok {
		return job, nil
	}
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, fmt.Errorf("CreateJobObject: %w", err)
	}
	s.jobs[scope] = job
	return job, nil
}
