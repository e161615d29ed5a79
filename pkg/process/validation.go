package process

import (
	"os"
	"strconv"
	"strings"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
)

// ValidateExecutionConfig validates the launch description.
func ValidateExecutionConfig(execution ExecutionConfig) error {
	if len(execution.Command) == 0 || strings.TrimSpace(execution.Command[0]) == "" {
		return errors.NewValidationError("command cannot be empty", nil)
	}
	if execution.WorkingDirectory != "" {
		info, err := os.Stat(execution.WorkingDirectory)
		if err != nil {
			return errors.NewValidationError("working directory does not exist", err).
				WithContext("working_directory", execution.WorkingDirectory)
		}
		if !info.IsDir() {
			return errors.NewValidationError("working directory is not a directory", nil).
				WithContext("working_directory", execution.WorkingDirectory)
		}
	}
	for _, kv := range execution.Environment {
		if !strings.Contains(kv, "=") {
			return errors.NewValidationError("environment entries must be KEY=VALUE", nil).WithContext("entry", kv)
		}
	}
	return nil
}

// ValidatePID validates PID value
func ValidatePID(pidStr string) (int, error) {
	pidStr = strings.TrimSpace(pidStr)
	if pidStr == "" {
		return 0, errors.NewValidationError("PID cannot be empty", nil)
	}

	pid, err := strconv.Atoi(pidStr)
	if err != nil {
		return 0, errors.NewValidationError("invalid PID format: "+pidStr, err)
	}

	if pid <= 0 {
		return 0, errors.NewValidationError("PID must be positive: "+pidStr, nil)
	}

	return pid, nil
}
