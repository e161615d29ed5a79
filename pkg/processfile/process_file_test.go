package processfile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ProcessFileMockLogger is a simple mock implementation of Logger for testing
type ProcessFileMockLogger struct{}

func (m *ProcessFileMockLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (m *ProcessFileMockLogger) Debugf(format string, args ...interface{})               {}
func (m *ProcessFileMockLogger) Infof(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Warnf(format string, args ...interface{})                {}
func (m *ProcessFileMockLogger) Errorf(format string, args ...interface{})               {}

func TestNewProcessFileManager_WithDefaults(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{}, &ProcessFileMockLogger{})

	assert.Equal(t, filepath.Join("data", "run", "redis.pid"), manager.GeneratePIDFilePath("redis"))
	assert.Equal(t, filepath.Join("data", "logs", "redis.log"), manager.GenerateServiceLogFilePath("redis"))
}

func TestGenerateServiceLogFilePath_Override(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{DataDir: "/srv/data", LogDirectory: "/var/log/media"}, &ProcessFileMockLogger{})

	assert.Equal(t, filepath.Join("/var/log/media", "celery.log"), manager.GenerateServiceLogFilePath("celery"))
	assert.Equal(t, filepath.Join("/srv/data", "run", "celery.pid"), manager.GeneratePIDFilePath("celery"))
}

func TestPIDFileLifecycle(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{DataDir: t.TempDir()}, &ProcessFileMockLogger{})

	require.NoError(t, manager.WritePIDFile("flask", 4242))

	pid, err := manager.ReadPIDFile("flask")
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)

	stale, err := manager.StalePIDFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"flask"}, stale)

	require.NoError(t, manager.RemovePIDFile("flask"))
	require.NoError(t, manager.RemovePIDFile("flask"), "removing twice is fine")

	_, err = manager.ReadPIDFile("flask")
	assert.True(t, errors.IsNotFoundError(err))

	stale, err = manager.StalePIDFiles()
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestReadPIDFile_Invalid(t *testing.T) {
	dir := t.TempDir()
	manager := NewProcessFileManager(ProcessFileConfig{DataDir: dir}, &ProcessFileMockLogger{})

	path := manager.GeneratePIDFilePath("redis")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid\n"), 0644))

	_, err := manager.ReadPIDFile("redis")
	assert.True(t, errors.IsValidationError(err))
}

func TestStalePIDFiles_NoDirectory(t *testing.T) {
	manager := NewProcessFileManager(ProcessFileConfig{DataDir: filepath.Join(t.TempDir(), "absent")}, &ProcessFileMockLogger{})
	stale, err := manager.StalePIDFiles()
	assert.NoError(t, err)
	assert.Nil(t, stale)
}

func TestValidatePIDFileDirectory(t *testing.T) {
	dir := t.TempDir()

	assert.NoError(t, ValidatePIDFileDirectory(filepath.Join(dir, "nested", "x.pid")))
	assert.DirExists(t, filepath.Join(dir, "nested"))

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, 0644))
	err := ValidatePIDFileDirectory(filepath.Join(file, "x.pid"))
	assert.Error(t, err)
}
