package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/resourcelimits"
)

// DefaultProbeInterval is the readiness and liveness sub-poll period.
const DefaultProbeInterval = time.Second

// PIDFileWriter records the PID of a running service.
type PIDFileWriter interface {
	WritePIDFile(service string, pid int) error
	RemovePIDFile(service string) error
}

// OutputProvider supplies the sink for a service's stdout/stderr.
type OutputProvider interface {
	Writer(service string) (io.Writer, error)
}

type ServiceControllerOptions struct {
	Service       config.ServiceConfig
	RestartPolicy config.RestartPolicyConfig
	GraceTimeout  time.Duration
	ProbeInterval time.Duration

	Spawn    process.SpawnFunc
	Probe    monitoring.Probe
	Monitor  monitoring.HealthMonitor
	Limiter  resourcelimits.Limiter
	PIDFiles PIDFileWriter
	Output   OutputProvider

	// Now is the clock used for restart policy decisions.
	Now func() time.Time
}

// Snapshot is a consistent copy of the controller state.
type Snapshot struct {
	Name                string
	State               State
	PID                 int
	StartTime           time.Time
	Restart             RestartRecord
	ConsecutiveFailures int
	LastHealth          monitoring.HealthCheckResult
	LastError           string
}

// ServiceController owns the process of exactly one service and drives its
// state machine. It never starts or stops other services.
type ServiceController struct {
	service       config.ServiceConfig
	policy        RestartPolicy
	limits        resourcelimits.Limits
	healthLimits  monitoring.HealthLimits
	graceTimeout  time.Duration
	probeInterval time.Duration

	spawn    process.SpawnFunc
	probe    monitoring.Probe
	monitor  monitoring.HealthMonitor
	limiter  resourcelimits.Limiter
	pidFiles PIDFileWriter
	output   OutputProvider
	now      func() time.Time
	logger   logging.Logger

	mutex               sync.Mutex
	state               State
	handle              process.Handle
	record              RestartRecord
	consecutiveFailures int
	lastHealth          monitoring.HealthCheckResult
	lastError           string
}

func NewServiceController(options ServiceControllerOptions, logger logging.Logger) (*ServiceController, error) {
	if options.Spawn == nil {
		return nil, errors.NewValidationError("spawn function is required", nil).WithContext(errors.ContextService, options.Service.Name)
	}
	if options.Probe == nil {
		return nil, errors.NewValidationError("health probe is required", nil).WithContext(errors.ContextService, options.Service.Name)
	}
	limits, err := resourcelimits.LimitsFromConfig(options.Service)
	if err != nil {
		return nil, errors.NewConfigError("invalid resource limits", err).WithContext(errors.ContextService, options.Service.Name)
	}
	if options.ProbeInterval <= 0 {
		options.ProbeInterval = DefaultProbeInterval
	}
	if options.Now == nil {
		options.Now = time.Now
	}

	return &ServiceController{
		service: options.Service,
		policy:  NewRestartPolicy(options.RestartPolicy),
		limits:  limits,
		healthLimits: monitoring.HealthLimits{
			MemoryMaxMB:   options.Service.ProcessLimits.MemoryMax,
			CPUMaxPercent: options.Service.ProcessLimits.CPUMax,
		},
		graceTimeout:  options.GraceTimeout,
		probeInterval: options.ProbeInterval,
		spawn:         options.Spawn,
		probe:         options.Probe,
		monitor:       options.Monitor,
		limiter:       options.Limiter,
		pidFiles:      options.PIDFiles,
		output:        options.Output,
		now:           options.Now,
		logger:        logging.WithPrefix(logger, fmt.Sprintf("service[%s]: ", options.Service.Name)),
		state:         StateStopped,
	}, nil
}

func (c *ServiceController) Name() string {
	return c.service.Name
}

func (c *ServiceController) Dependencies() []string {
	return append([]string(nil), c.service.Dependencies...)
}

func (c *ServiceController) State() State {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return c.state
}

func (c *ServiceController) Snapshot() Snapshot {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	snapshot := Snapshot{
		Name:                c.service.Name,
		State:               c.state,
		Restart:             c.record,
		ConsecutiveFailures: c.consecutiveFailures,
		LastHealth:          c.lastHealth,
		LastError:           c.lastError,
	}
	if c.handle != nil {
		snapshot.PID = c.handle.PID()
		snapshot.StartTime = c.handle.StartTime()
	}
	return snapshot
}

// Start spawns the service and waits until its probe passes, the startup
// timeout elapses or the process exits. On any failure the service is left
// Stopped with no process.
func (c *ServiceController) Start(ctx context.Context) error {
	c.mutex.Lock()
	if !c.state.CanTransitionTo(StateStarting) {
		state := c.state
		c.mutex.Unlock()
		return errors.NewConflictError(fmt.Sprintf("cannot start service in state '%s'", state), nil).
			WithContext(errors.ContextService, c.service.Name)
	}
	c.state = StateStarting
	c.consecutiveFailures = 0
	c.lastHealth = monitoring.HealthCheckResult{}
	c.mutex.Unlock()

	c.logger.Infof("Starting, command: %v", c.service.Command)

	var output io.Writer
	if c.output != nil {
		w, err := c.output.Writer(c.service.Name)
		if err != nil {
			c.logger.Warnf("Service output will be discarded: %v", err)
		} else {
			output = w
		}
	}

	handle, err := c.spawn(ctx, process.ExecutionConfig{
		Command:          c.service.Command,
		Environment:      c.service.Environment,
		WorkingDirectory: c.service.WorkingDirectory,
	}, output)
	if err != nil {
		c.finishStart(StateStopped, nil, err)
		return errors.NewProcessError("failed to spawn service", err).WithContext(errors.ContextService, c.service.Name)
	}

	c.mutex.Lock()
	c.handle = handle
	c.mutex.Unlock()

	c.applyLimits(handle.PID())
	if c.pidFiles != nil {
		if err := c.pidFiles.WritePIDFile(c.service.Name, handle.PID()); err != nil {
			c.logger.Warnf("Failed to write PID file: %v", err)
		}
	}

	c.setState(StateHealthChecking)
	if err := c.awaitReady(ctx, handle); err != nil {
		c.finishStart(StateStopped, nil, err)
		return err
	}

	c.finishStart(StateRunning, handle, nil)
	c.logger.Infof("Running, PID: %d", handle.PID())
	return nil
}

func (c *ServiceController) applyLimits(pid int) {
	if c.limiter == nil || c.limits.IsEmpty() {
		return
	}
	if err := c.limiter.Apply(pid, c.limits); err != nil {
		c.logger.Warnf("Resource limits partially applied, platform: %s, error: %v", c.limiter.Platform(), err)
		return
	}
	c.logger.Debugf("Resource limits applied, PID: %d, platform: %s", pid, c.limiter.Platform())
}

// awaitReady polls the probe every probe interval. An exited process is never
// ready, whatever the probe says. Every exit path leaves no process behind
// except success.
func (c *ServiceController) awaitReady(ctx context.Context, handle process.Handle) error {
	timeout := c.service.StartupTimeoutDuration()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(c.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-handle.Done():
			return c.exitedBeforeReady(handle)
		default:
		}

		ok, message := c.probe.Check(ctx)
		if ok {
			c.logger.Debugf("Readiness probe passed: %s", message)
			return nil
		}
		c.logger.Debugf("Readiness probe pending: %s", message)

		select {
		case <-handle.Done():
			return c.exitedBeforeReady(handle)
		case <-deadline.C:
			c.logger.Warnf("Not ready within %v, terminating", timeout)
			c.terminate(handle)
			return errors.NewStartupTimeoutError(c.service.Name, timeout)
		case <-ctx.Done():
			c.terminate(handle)
			return errors.NewCancelledError("start cancelled", ctx.Err()).WithContext(errors.ContextService, c.service.Name)
		case <-ticker.C:
		}
	}
}

func (c *ServiceController) exitedBeforeReady(handle process.Handle) error {
	exitCode := handle.ExitCode()
	c.logger.Errorf("Exited before becoming ready, exit code: %d", exitCode)
	c.removePIDFile()
	return errors.NewProcessExitedError(c.service.Name, exitCode, nil)
}

func (c *ServiceController) finishStart(state State, handle process.Handle, cause error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = state
	c.handle = handle
	if cause != nil {
		c.lastError = cause.Error()
	}
}

// Stop terminates the process: graceful signal, grace timeout, forced kill,
// bounded reap. A Failed service stays Failed.
func (c *ServiceController) Stop(ctx context.Context) error {
	c.mutex.Lock()
	handle := c.handle
	c.mutex.Unlock()

	var stopErr error
	if handle != nil {
		c.logger.Infof("Stopping, PID: %d", handle.PID())
		stopErr = c.terminate(handle)
	}

	c.mutex.Lock()
	c.handle = nil
	if c.state != StateFailed {
		c.state = StateStopped
	}
	c.mutex.Unlock()

	if stopErr != nil {
		return errors.NewProcessError("failed to stop service", stopErr).WithContext(errors.ContextService, c.service.Name)
	}
	return nil
}

func (c *ServiceController) terminate(handle process.Handle) error {
	result, err := process.Stop(handle, c.graceTimeout, c.logger)
	if err != nil {
		c.logger.Errorf("Stop failed, PID: %d, error: %v", handle.PID(), err)
	} else if result.Forced {
		c.logger.Warnf("Process was killed, PID: %d", handle.PID())
	}
	c.removePIDFile()
	return err
}

func (c *ServiceController) removePIDFile() {
	if c.pidFiles == nil {
		return
	}
	if err := c.pidFiles.RemovePIDFile(c.service.Name); err != nil {
		c.logger.Warnf("Failed to remove PID file: %v", err)
	}
}

// CheckHealth runs the liveness check of a Running or Degraded service:
// resource and responsiveness checks first, then the probe with retries.
// It only reads state; RecordHealth applies the verdict.
func (c *ServiceController) CheckHealth(ctx context.Context) monitoring.HealthCheckResult {
	c.mutex.Lock()
	handle := c.handle
	c.mutex.Unlock()

	if handle == nil {
		return monitoring.HealthCheckResult{Reason: monitoring.ReasonResponsiveness, Message: "Service has no process"}
	}
	select {
	case <-handle.Done():
		return monitoring.HealthCheckResult{
			Reason:  monitoring.ReasonResponsiveness,
			Message: fmt.Sprintf("Process exited with code %d", handle.ExitCode()),
		}
	default:
	}

	var result monitoring.HealthCheckResult
	if c.monitor != nil {
		result = c.monitor.Check(ctx, handle.PID(), c.healthLimits)
		if !result.OK {
			return result
		}
	}

	retries := c.service.HealthCheck.Attempts()
	var message string
	for attempt := 1; attempt <= retries; attempt++ {
		var ok bool
		if ok, message = c.probe.Check(ctx); ok {
			result.OK = true
			result.Message = message
			return result
		}
		if attempt == retries || !sleepContext(ctx, c.probeInterval) {
			break
		}
	}

	result.OK = false
	result.Reason = monitoring.ReasonProbe
	result.Message = fmt.Sprintf("Probe failed after %d attempt(s): %s", retries, message)
	return result
}

// RecordHealth applies a health verdict and returns the number of consecutive failures.
func (c *ServiceController) RecordHealth(result monitoring.HealthCheckResult) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.lastHealth = result
	if result.OK {
		if c.consecutiveFailures > 0 {
			c.logger.Infof("Healthy again after %d failed check(s)", c.consecutiveFailures)
		}
		c.consecutiveFailures = 0
		if c.state == StateDegraded {
			c.state = StateRunning
		}
		return 0
	}

	c.consecutiveFailures++
	c.lastError = result.Err().Error()
	if c.state == StateRunning {
		c.state = StateDegraded
	}
	c.logger.Warnf("Health check failed (%d consecutive), reason: %s, message: %s",
		c.consecutiveFailures, result.Reason, result.Message)
	return c.consecutiveFailures
}

// AuthorizeRestart evaluates the restart policy at the current time and, when
// permitted, commits the restart to the record.
func (c *ServiceController) AuthorizeRestart(cause error) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := c.now()
	if err := c.policy.Evaluate(c.service.Name, c.record, now); err != nil {
		return err
	}
	c.record = c.record.Commit(now, cause)
	c.logger.Warnf("Restart permitted, attempt: %d/%d, cause: %v", c.record.RestartCount, c.policy.MaxRestarts, cause)
	return nil
}

func (c *ServiceController) MarkDegraded() {
	c.transition(StateDegraded)
}

func (c *ServiceController) MarkRestarting() {
	c.transition(StateRestarting)
}

// MarkFailed makes the service terminal until the supervisor itself restarts.
func (c *ServiceController) MarkFailed(cause error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = StateFailed
	if cause != nil {
		c.lastError = cause.Error()
	}
	c.logger.Errorf("Marked failed: %v", cause)
}

func (c *ServiceController) transition(next State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state == next {
		return
	}
	if !c.state.CanTransitionTo(next) {
		c.logger.Debugf("Ignoring transition %s -> %s", c.state, next)
		return
	}
	c.state = next
}

func (c *ServiceController) setState(state State) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = state
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
