package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
intervals: { check: 60, cleanup: 86400 }
thresholds: { cpu: 90, memory: 90, disk: 90 }
retry: { max_attempts: 3, delay: 60 }
data_retention: { days: 30 }
services:
  redis:
    command: ["redis-server"]
    health_check: { type: port, target: 6379, retries: 3, timeout: 5 }
    startup_timeout: 30
  celery:
    command: ["celery", "-A", "app.celery", "worker", "--loglevel=info", "--pool=solo"]
    dependencies: [redis]
    health_check: { type: process, target: "celery worker" }
    process_limits: { cpu_affinity: [0, 1], memory_max: 512 }
    process_priority: low
  flask:
    command: ["python", "run.py"]
    dependencies: [redis, celery]
    health_check: { type: url, target: "http://127.0.0.1:5000/health" }
restart_policy: { max_restarts: 3, min_interval: 60 }
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "monitor.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, []string{"redis", "celery", "flask"}, cfg.Services.Names(), "declaration order must be preserved")
	assert.Equal(t, 60*time.Second, cfg.Intervals.CheckInterval())
	assert.Equal(t, 24*time.Hour, cfg.Intervals.CleanupInterval())
	assert.Equal(t, 30, cfg.DataRetention.Days)

	redis, ok := cfg.Services.Get("redis")
	require.True(t, ok)
	assert.Equal(t, HealthCheckTypePort, redis.HealthCheck.Type)
	assert.Equal(t, ProbeTarget("6379"), redis.HealthCheck.Target)
	assert.Equal(t, "normal", redis.ProcessPriority)

	celery, _ := cfg.Services.Get("celery")
	assert.Equal(t, []int{0, 1}, celery.ProcessLimits.CPUAffinity)
	assert.Equal(t, 512, celery.ProcessLimits.MemoryMax)
	assert.Equal(t, DefaultHealthRetries, celery.HealthCheck.Attempts())
	assert.Equal(t, DefaultHealthTimeout, celery.HealthCheck.Timeout)
	assert.Equal(t, DefaultStartupTimeout, celery.StartupTimeout)

	assert.Equal(t, map[string][]string{
		"redis":  nil,
		"celery": {"redis"},
		"flask":  {"redis", "celery"},
	}, cfg.Services.DependencyMap())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validYAML))
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.Alerts.DebounceWindow())
	assert.Equal(t, filepath.Join(DefaultDataDir, DefaultAlertLog), cfg.AlertLogPath())
	assert.Equal(t, filepath.Join(DefaultDataDir, DefaultMetricsFile), cfg.MetricsPath())
	assert.Equal(t, 10*time.Second, cfg.Supervisor.GraceTimeoutDuration())
	assert.Equal(t, time.Second, cfg.Supervisor.CPUSampleWindowDuration())
}

func TestEffectiveRestartPolicy(t *testing.T) {
	yml := strings.Replace(validYAML, "    startup_timeout: 30\n",
		"    startup_timeout: 30\n    restart_policy: { max_restarts: 5, min_interval: 10 }\n", 1)
	cfg, err := Load(writeConfig(t, yml))
	require.NoError(t, err)

	redis, _ := cfg.Services.Get("redis")
	flask, _ := cfg.Services.Get("flask")
	assert.Equal(t, RestartPolicyConfig{MaxRestarts: 5, MinInterval: 10}, cfg.EffectiveRestartPolicy(redis))
	assert.Equal(t, RestartPolicyConfig{MaxRestarts: 3, MinInterval: 60}, cfg.EffectiveRestartPolicy(flask))
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(string) string
		wantMsg string
	}{
		{
			name:    "missing restart_policy section",
			mutate:  func(s string) string { return strings.Replace(s, "restart_policy: { max_restarts: 3, min_interval: 60 }\n", "", 1) },
			wantMsg: "restart_policy is required",
		},
		{
			name:    "missing intervals section",
			mutate:  func(s string) string { return strings.Replace(s, "intervals: { check: 60, cleanup: 86400 }\n", "", 1) },
			wantMsg: "intervals is required",
		},
		{
			name:    "unknown top-level field",
			mutate:  func(s string) string { return s + "extra: true\n" },
			wantMsg: "field extra not found",
		},
		{
			name: "unknown service field",
			mutate: func(s string) string {
				return strings.Replace(s, "    startup_timeout: 30\n", "    startup_timeout: 30\n    port: 6379\n", 1)
			},
			wantMsg: "field port not found",
		},
		{
			name:    "unknown dependency",
			mutate:  func(s string) string { return strings.Replace(s, "dependencies: [redis]", "dependencies: [rabbit]", 1) },
			wantMsg: "unknown service rabbit",
		},
		{
			name:    "bad priority",
			mutate:  func(s string) string { return strings.Replace(s, "process_priority: low", "process_priority: urgent", 1) },
			wantMsg: "process_priority must be one of",
		},
		{
			name:    "bad probe type",
			mutate:  func(s string) string { return strings.Replace(s, "type: process", "type: socket", 1) },
			wantMsg: "type must be one of",
		},
		{
			name:    "non numeric port target",
			mutate:  func(s string) string { return strings.Replace(s, "target: 6379", "target: redis", 1) },
			wantMsg: "must be a number",
		},
		{
			name:    "url without scheme",
			mutate:  func(s string) string { return strings.Replace(s, "http://127.0.0.1:5000/health", "127.0.0.1:5000", 1) },
			wantMsg: "invalid health check",
		},
		{
			name: "missing command",
			mutate: func(s string) string {
				return strings.Replace(s, "    command: [\"python\", \"run.py\"]\n", "", 1)
			},
			wantMsg: "command is required",
		},
		{
			name:    "zero check interval",
			mutate:  func(s string) string { return strings.Replace(s, "check: 60", "check: 0", 1) },
			wantMsg: "check is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.mutate(validYAML)))
			require.Error(t, err)
			assert.True(t, errors.IsConfigError(err), "expected ConfigError, got %v", err)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	require.Error(t, err)
	assert.True(t, errors.IsConfigError(err))
}

func TestValidateConfigNil(t *testing.T) {
	assert.True(t, errors.IsConfigError(ValidateConfig(nil)))
}

func TestValidateHealthCheck(t *testing.T) {
	tests := []struct {
		name    string
		hc      HealthCheckConfig
		wantErr bool
	}{
		{"port ok", HealthCheckConfig{Type: HealthCheckTypePort, Target: "8080"}, false},
		{"port out of range", HealthCheckConfig{Type: HealthCheckTypePort, Target: "70000"}, true},
		{"process ok", HealthCheckConfig{Type: HealthCheckTypeProcess, Target: "python run.py"}, false},
		{"process blank", HealthCheckConfig{Type: HealthCheckTypeProcess, Target: "  "}, true},
		{"url ok", HealthCheckConfig{Type: HealthCheckTypeURL, Target: "https://localhost/health"}, false},
		{"url ftp", HealthCheckConfig{Type: HealthCheckTypeURL, Target: "ftp://localhost"}, true},
		{"grpc ok", HealthCheckConfig{Type: HealthCheckTypeGRPC, Target: "localhost:50051"}, false},
		{"grpc no port", HealthCheckConfig{Type: HealthCheckTypeGRPC, Target: "localhost"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateHealthCheck(tt.hc)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateServiceName(t *testing.T) {
	assert.NoError(t, ValidateServiceName("celery-worker_1"))
	assert.Error(t, ValidateServiceName(""))
	assert.Error(t, ValidateServiceName("bad name"))
	assert.Error(t, ValidateServiceName(strings.Repeat("x", 65)))
}

func TestHealthCheckRetries(t *testing.T) {
	content := strings.Replace(validYAML,
		`health_check: { type: url, target: "http://127.0.0.1:5000/health" }`,
		`health_check: { type: url, target: "http://127.0.0.1:5000/health", retries: 0 }`, 1)
	cfg, err := Load(writeConfig(t, content))
	require.NoError(t, err)

	tests := []struct {
		service  string
		attempts int
	}{
		{"redis", 3},
		{"celery", DefaultHealthRetries},
		{"flask", 1},
	}
	for _, tt := range tests {
		t.Run(tt.service, func(t *testing.T) {
			service, ok := cfg.Services.Get(tt.service)
			require.True(t, ok)
			assert.Equal(t, tt.attempts, service.HealthCheck.Attempts())
		})
	}

	flask, _ := cfg.Services.Get("flask")
	require.NotNil(t, flask.HealthCheck.Retries)
	assert.Equal(t, 0, *flask.HealthCheck.Retries, "an explicit 0 is kept, not replaced by the default")
}
