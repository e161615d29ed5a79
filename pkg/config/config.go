package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when the supervisor is started without --config.
const DefaultConfigPath = "config/monitor.yml"

// SupervisorConfig represents the top-level configuration file structure.
// Sections held by pointer are required; their absence is a ConfigError.
type SupervisorConfig struct {
	Intervals     *IntervalsConfig     `yaml:"intervals" validate:"required"`
	Thresholds    *ThresholdsConfig    `yaml:"thresholds" validate:"required"`
	Retry         *RetryConfig         `yaml:"retry" validate:"required"`
	DataRetention *DataRetentionConfig `yaml:"data_retention" validate:"required"`
	Services      ServiceList          `yaml:"services" validate:"required,min=1,dive"`
	RestartPolicy *RestartPolicyConfig `yaml:"restart_policy" validate:"required"`

	Alerts     AlertsConfig      `yaml:"alerts,omitempty"`
	Storage    StorageConfig     `yaml:"storage,omitempty"`
	Supervisor SupervisorOptions `yaml:"supervisor,omitempty"`
}

// IntervalsConfig holds the loop cadence, in seconds.
type IntervalsConfig struct {
	Check   int `yaml:"check" validate:"required,gt=0"`
	Cleanup int `yaml:"cleanup" validate:"required,gt=0"`
}

// ThresholdsConfig holds system-wide alert thresholds, in percent.
type ThresholdsConfig struct {
	CPU    float64 `yaml:"cpu" validate:"required,gt=0,lte=100"`
	Memory float64 `yaml:"memory" validate:"required,gt=0,lte=100"`
	Disk   float64 `yaml:"disk" validate:"required,gt=0,lte=100"`
}

// RetryConfig controls how many consecutive failed polls mark a service down,
// and how quickly a degraded service is polled again.
type RetryConfig struct {
	MaxAttempts int `yaml:"max_attempts" validate:"required,gt=0"`
	Delay       int `yaml:"delay" validate:"required,gt=0"`
}

type DataRetentionConfig struct {
	Days int `yaml:"days" validate:"required,gt=0"`
}

type RestartPolicyConfig struct {
	MaxRestarts int `yaml:"max_restarts" validate:"required,gt=0"`
	MinInterval int `yaml:"min_interval" validate:"gte=0"`
}

type AlertsConfig struct {
	DebounceMinutes int `yaml:"debounce_minutes,omitempty" validate:"gte=0"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir,omitempty"`
	AlertLog    string `yaml:"alert_log,omitempty"`
	MetricsFile string `yaml:"metrics_file,omitempty"`
}

type SupervisorOptions struct {
	LogLevel        string `yaml:"log_level,omitempty" validate:"omitempty,oneof=debug info warn warning error"`
	LogFile         string `yaml:"log_file,omitempty"`
	GraceTimeout    int    `yaml:"grace_timeout,omitempty" validate:"gte=0"`
	CPUSampleWindow int    `yaml:"cpu_sample_window,omitempty" validate:"gte=0"`
	MetricsAddress  string `yaml:"metrics_address,omitempty" validate:"omitempty,hostname_port"`
	StatusAddress   string `yaml:"status_address,omitempty" validate:"omitempty,hostname_port"`
	ServiceLogDir   string `yaml:"service_log_dir,omitempty"`
}

// ServiceConfig describes one supervised service. Name comes from the mapping key.
type ServiceConfig struct {
	Name             string               `yaml:"-"`
	Command          []string             `yaml:"command" validate:"required,min=1,dive,required"`
	WorkingDirectory string               `yaml:"working_directory,omitempty"`
	Environment      []string             `yaml:"environment,omitempty" validate:"dive,contains=="`
	Dependencies     []string             `yaml:"dependencies,omitempty" validate:"dive,required"`
	HealthCheck      *HealthCheckConfig   `yaml:"health_check" validate:"required"`
	StartupTimeout   int                  `yaml:"startup_timeout,omitempty" validate:"gte=0"`
	ProcessLimits    ProcessLimitsConfig  `yaml:"process_limits,omitempty"`
	ProcessPriority  string               `yaml:"process_priority,omitempty" validate:"omitempty,oneof=realtime high normal low idle"`
	RestartPolicy    *RestartPolicyConfig `yaml:"restart_policy,omitempty"`
}

type HealthCheckType string

const (
	HealthCheckTypePort    HealthCheckType = "port"
	HealthCheckTypeProcess HealthCheckType = "process"
	HealthCheckTypeURL     HealthCheckType = "url"
	HealthCheckTypeGRPC    HealthCheckType = "grpc"
)

type HealthCheckConfig struct {
	Type    HealthCheckType `yaml:"type" validate:"required,oneof=port process url grpc"`
	Target  ProbeTarget     `yaml:"target" validate:"required"`
	Retries *int            `yaml:"retries,omitempty" validate:"omitempty,gte=0"`
	Timeout int             `yaml:"timeout,omitempty" validate:"gte=0"`
}

// ProbeTarget accepts any scalar: a port number, a command line substring or a URL.
type ProbeTarget string

func (t *ProbeTarget) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: health check target must be a scalar", node.Line)
	}
	*t = ProbeTarget(node.Value)
	return nil
}

type ProcessLimitsConfig struct {
	CPUAffinity []int   `yaml:"cpu_affinity,omitempty" validate:"dive,gte=0"`
	MemoryMax   int     `yaml:"memory_max,omitempty" validate:"gte=0"`
	CPUMax      float64 `yaml:"cpu_max,omitempty" validate:"gte=0"`
}

// ServiceList keeps services in declaration order; plain maps would lose it.
type ServiceList []ServiceConfig

func (l *ServiceList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: services must be a mapping of name to service", node.Line)
	}
	services := make(ServiceList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]
		service, err := decodeServiceStrict(value)
		if err != nil {
			return fmt.Errorf("line %d: service %q: %w", key.Line, key.Value, err)
		}
		service.Name = key.Value
		services = append(services, service)
	}
	*l = services
	return nil
}

// Node.Decode does not inherit KnownFields, so the service body is re-decoded strictly.
func decodeServiceStrict(node *yaml.Node) (ServiceConfig, error) {
	var service ServiceConfig
	raw, err := yaml.Marshal(node)
	if err != nil {
		return service, err
	}
	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	if err := decoder.Decode(&service); err != nil {
		return service, err
	}
	return service, nil
}

// Names returns service names in declaration order.
func (l ServiceList) Names() []string {
	names := make([]string, 0, len(l))
	for _, s := range l {
		names = append(names, s.Name)
	}
	return names
}

// Get looks a service up by name.
func (l ServiceList) Get(name string) (ServiceConfig, bool) {
	for _, s := range l {
		if s.Name == name {
			return s, true
		}
	}
	return ServiceConfig{}, false
}

// DependencyMap returns name -> dependencies for the planner.
func (l ServiceList) DependencyMap() map[string][]string {
	deps := make(map[string][]string, len(l))
	for _, s := range l {
		deps[s.Name] = append([]string(nil), s.Dependencies...)
	}
	return deps
}

// Load reads, defaults and validates a configuration file.
func Load(filename string) (*SupervisorConfig, error) {
	config, err := LoadConfigFromFile(filename)
	if err != nil {
		return nil, err
	}
	if err := ValidateConfig(config); err != nil {
		return nil, errors.NewConfigError("configuration validation failed", err).WithContext("filename", filename)
	}
	return config, nil
}

// LoadConfigFromFile loads configuration from a YAML file and applies defaults.
func LoadConfigFromFile(filename string) (*SupervisorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewConfigError("failed to read configuration file", err).WithContext("filename", filename)
	}

	config, err := ParseConfig(data)
	if err != nil {
		return nil, errors.NewConfigError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}
	return config, nil
}

// ParseConfig decodes YAML strictly (unknown fields are errors) and applies defaults.
func ParseConfig(data []byte) (*SupervisorConfig, error) {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	var config SupervisorConfig
	if err := decoder.Decode(&config); err != nil {
		return nil, err
	}
	setConfigDefaults(&config)
	return &config, nil
}

func setConfigDefaults(config *SupervisorConfig) {
	if config.Alerts.DebounceMinutes == 0 {
		config.Alerts.DebounceMinutes = DefaultDebounceMinutes
	}
	if config.Storage.DataDir == "" {
		config.Storage.DataDir = DefaultDataDir
	}
	if config.Storage.AlertLog == "" {
		config.Storage.AlertLog = DefaultAlertLog
	}
	if config.Storage.MetricsFile == "" {
		config.Storage.MetricsFile = DefaultMetricsFile
	}
	if config.Supervisor.LogLevel == "" {
		config.Supervisor.LogLevel = "info"
	}
	if config.Supervisor.GraceTimeout == 0 {
		config.Supervisor.GraceTimeout = DefaultGraceTimeout
	}
	if config.Supervisor.CPUSampleWindow == 0 {
		config.Supervisor.CPUSampleWindow = DefaultCPUSampleWindow
	}

	for i := range config.Services {
		service := &config.Services[i]
		if service.StartupTimeout == 0 {
			service.StartupTimeout = DefaultStartupTimeout
		}
		if service.ProcessPriority == "" {
			service.ProcessPriority = DefaultProcessPriority
		}
		if service.HealthCheck != nil {
			if service.HealthCheck.Retries == nil {
				retries := DefaultHealthRetries
				service.HealthCheck.Retries = &retries
			}
			if service.HealthCheck.Timeout == 0 {
				service.HealthCheck.Timeout = DefaultHealthTimeout
			}
		}
	}
}

const (
	DefaultDebounceMinutes = 30
	DefaultDataDir         = "data"
	DefaultAlertLog        = "alerts.log"
	DefaultMetricsFile     = "system_stats.json"
	DefaultGraceTimeout    = 10
	DefaultCPUSampleWindow = 1
	DefaultStartupTimeout  = 30
	DefaultProcessPriority = "normal"
	DefaultHealthRetries   = 3
	DefaultHealthTimeout   = 5
)

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func (c *IntervalsConfig) CheckInterval() time.Duration {
	return seconds(c.Check)
}

func (c *IntervalsConfig) CleanupInterval() time.Duration {
	return seconds(c.Cleanup)
}

func (c *RetryConfig) DelayDuration() time.Duration {
	return seconds(c.Delay)
}

func (c RestartPolicyConfig) MinIntervalDuration() time.Duration {
	return seconds(c.MinInterval)
}

// Attempts is the number of probe calls per liveness check. An unset value
// means the default and an explicit 0 means a single attempt.
func (c *HealthCheckConfig) Attempts() int {
	if c.Retries == nil {
		return DefaultHealthRetries
	}
	if *c.Retries < 1 {
		return 1
	}
	return *c.Retries
}

func (c *HealthCheckConfig) TimeoutDuration() time.Duration {
	return seconds(c.Timeout)
}

func (s ServiceConfig) StartupTimeoutDuration() time.Duration {
	return seconds(s.StartupTimeout)
}

func (o SupervisorOptions) GraceTimeoutDuration() time.Duration {
	return seconds(o.GraceTimeout)
}

func (o SupervisorOptions) CPUSampleWindowDuration() time.Duration {
	return seconds(o.CPUSampleWindow)
}

// DebounceWindow returns the alert debounce window.
func (c AlertsConfig) DebounceWindow() time.Duration {
	return time.Duration(c.DebounceMinutes) * time.Minute
}

// EffectiveRestartPolicy returns the service override or the global policy.
func (c *SupervisorConfig) EffectiveRestartPolicy(service ServiceConfig) RestartPolicyConfig {
	if service.RestartPolicy != nil {
		return *service.RestartPolicy
	}
	return *c.RestartPolicy
}

// AlertLogPath and MetricsPath resolve storage files relative to the data directory.
func (c *SupervisorConfig) AlertLogPath() string {
	return resolveIn(c.Storage.DataDir, c.Storage.AlertLog)
}

func (c *SupervisorConfig) MetricsPath() string {
	return resolveIn(c.Storage.DataDir, c.Storage.MetricsFile)
}

func resolveIn(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
