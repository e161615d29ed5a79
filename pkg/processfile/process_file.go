package processfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
)

const (
	runSubdirectory = "run"
	logSubdirectory = "logs"
)

// ProcessFileConfig describes where the supervisor keeps its per-service files.
type ProcessFileConfig struct {
	// DataDir holds run/<service>.pid and, by default, logs/<service>.log.
	DataDir string

	// LogDirectory overrides the service output log directory.
	LogDirectory string
}

// ProcessFileManager generates and manages per-service process files (PID files, output logs).
type ProcessFileManager struct {
	config ProcessFileConfig
	logger logging.Logger
}

func NewProcessFileManager(config ProcessFileConfig, logger logging.Logger) *ProcessFileManager {
	if config.DataDir == "" {
		config.DataDir = "data"
	}
	if config.LogDirectory == "" {
		config.LogDirectory = filepath.Join(config.DataDir, logSubdirectory)
	}
	return &ProcessFileManager{
		config: config,
		logger: logger,
	}
}

// GeneratePIDFilePath returns <data_dir>/run/<service>.pid.
func (m *ProcessFileManager) GeneratePIDFilePath(service string) string {
	return filepath.Join(m.config.DataDir, runSubdirectory, service+".pid")
}

// GenerateServiceLogFilePath returns the output log file of a service.
func (m *ProcessFileManager) GenerateServiceLogFilePath(service string) string {
	return filepath.Join(m.config.LogDirectory, service+".log")
}

// WritePIDFile records the PID of a running service, replacing any stale file.
func (m *ProcessFileManager) WritePIDFile(service string, pid int) error {
	pidFilePath := m.GeneratePIDFilePath(service)
	m.logger.Debugf("Writing PID file, service: %s, pid: %d, path: %s", service, pid, pidFilePath)

	if err := ValidatePIDFileDirectory(pidFilePath); err != nil {
		return errors.NewIOError("PID file directory validation failed", err).WithContext("pid_file", pidFilePath)
	}

	pidContent := fmt.Sprintf("%d\n", pid)
	if err := os.WriteFile(pidFilePath, []byte(pidContent), 0644); err != nil {
		return errors.NewIOError("failed to write PID file", err).WithContext("pid_file", pidFilePath).WithContext("pid", pid)
	}

	m.logger.Debugf("PID file written, service: %s, pid: %d, path: %s", service, pid, pidFilePath)
	return nil
}

// ReadPIDFile returns the PID recorded for a service.
func (m *ProcessFileManager) ReadPIDFile(service string) (int, error) {
	pidFilePath := m.GeneratePIDFilePath(service)

	content, err := os.ReadFile(pidFilePath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, errors.NewNotFoundError("PID file not found", err).WithContext("pid_file", pidFilePath)
		}
		return 0, errors.NewIOError("failed to read PID file", err).WithContext("pid_file", pidFilePath)
	}

	pidStr := strings.TrimSpace(string(content))
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid <= 0 {
		return 0, errors.NewValidationError("invalid PID in PID file", err).WithContext("pid_file", pidFilePath).WithContext("content", pidStr)
	}
	return pid, nil
}

// RemovePIDFile deletes the PID file of a service; a missing file is not an error.
func (m *ProcessFileManager) RemovePIDFile(service string) error {
	pidFilePath := m.GeneratePIDFilePath(service)
	if err := os.Remove(pidFilePath); err != nil && !os.IsNotExist(err) {
		return errors.NewIOError("failed to remove PID file", err).WithContext("pid_file", pidFilePath)
	}
	return nil
}

// StalePIDFiles lists services that still have a PID file, e.g. after a crash
// of a previous supervisor instance.
func (m *ProcessFileManager) StalePIDFiles() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.config.DataDir, runSubdirectory))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.NewIOError("failed to list PID files", err)
	}
	var services []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".pid") {
			continue
		}
		services = append(services, strings.TrimSuffix(entry.Name(), ".pid"))
	}
	return services, nil
}

// ValidatePIDFileDirectory validates that the PID file directory exists and is writable
func ValidatePIDFileDirectory(pidFilePath string) error {
	dir := filepath.Dir(pidFilePath)

	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return errors.NewIOError("failed to create PID file directory", err).WithContext("directory", dir)
			}
		} else {
			return errors.NewIOError("failed to access PID file directory", err).WithContext("directory", dir)
		}
	} else if !info.IsDir() {
		return errors.NewValidationError("PID file path is not a directory", nil).WithContext("path", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	file, err := os.Create(testFile)
	if err != nil {
		return errors.NewPermissionError("PID file directory is not writable", err).WithContext("directory", dir)
	}
	file.Close()
	os.Remove(testFile)

	return nil
}
