package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/alerting"
	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/controller"
	"github.com/core-tools/hsu-supervisor/pkg/depgraph"
	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/metricsstore"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/resourcelimits"
)

// ProbeFactory builds the liveness probe of one service.
type ProbeFactory func(hc config.HealthCheckConfig, logger logging.Logger) (monitoring.Probe, error)

// Options carries the collaborators of a Supervisor. Nil fields get the
// production implementation.
type Options struct {
	Spawn    process.SpawnFunc
	NewProbe ProbeFactory
	Monitor  monitoring.HealthMonitor
	Sampler  monitoring.SystemSampler
	Limiter  resourcelimits.Limiter
	PIDFiles controller.PIDFileWriter
	Output   controller.OutputProvider
	Recorder *metricsstore.Recorder
	Alerts   *alerting.Manager
	Metrics  *Metrics

	// ProbeInterval overrides the one second readiness and liveness sub-poll.
	ProbeInterval time.Duration
	Now           func() time.Time
}

// Supervisor is the context object of one supervision run: configuration,
// dependency graph, one controller per service and the shared recorders.
type Supervisor struct {
	config      *config.SupervisorConfig
	graph       *depgraph.Graph
	controllers map[string]*controller.ServiceController
	order       []string

	sampler  monitoring.SystemSampler
	recorder *metricsstore.Recorder
	alerts   *alerting.Manager
	metrics  *Metrics
	now      func() time.Time
	logger   logging.Logger

	// opMutex serializes start, stop and restart sequences.
	opMutex sync.Mutex
	mutex   sync.Mutex
	// held services were stopped by an operator and stay down.
	held map[string]bool
	// deferred services are down only because a dependency was not Running;
	// they are started again without charging their restart policy.
	deferred    map[string]bool
	lastCleanup time.Time
}

// New validates the dependency graph and builds a controller per service. It
// never starts anything; a CycleError or ConfigError here is fatal.
func New(cfg *config.SupervisorConfig, options Options, logger logging.Logger) (*Supervisor, error) {
	if cfg == nil {
		return nil, errors.NewValidationError("configuration is required", nil)
	}

	graph, err := depgraph.New(cfg.Services.Names(), cfg.Services.DependencyMap())
	if err != nil {
		return nil, err
	}

	options = withDefaults(cfg, options, logger)

	s := &Supervisor{
		config:      cfg,
		graph:       graph,
		controllers: make(map[string]*controller.ServiceController, len(cfg.Services)),
		order:       graph.StartupOrder(),
		sampler:     options.Sampler,
		recorder:    options.Recorder,
		alerts:      options.Alerts,
		metrics:     options.Metrics,
		now:         options.Now,
		logger:      logger,
		held:        make(map[string]bool),
		deferred:    make(map[string]bool),
		lastCleanup: options.Now(),
	}

	for _, name := range s.order {
		service, _ := cfg.Services.Get(name)
		probe, err := options.NewProbe(*service.HealthCheck, logger)
		if err != nil {
			return nil, errors.NewConfigError("invalid health check", err).WithContext(errors.ContextService, name)
		}
		ctrl, err := controller.NewServiceController(controller.ServiceControllerOptions{
			Service:       service,
			RestartPolicy: cfg.EffectiveRestartPolicy(service),
			GraceTimeout:  cfg.Supervisor.GraceTimeoutDuration(),
			ProbeInterval: options.ProbeInterval,
			Spawn:         options.Spawn,
			Probe:         probe,
			Monitor:       options.Monitor,
			Limiter:       options.Limiter,
			PIDFiles:      options.PIDFiles,
			Output:        options.Output,
			Now:           options.Now,
		}, logger)
		if err != nil {
			return nil, err
		}
		s.controllers[name] = ctrl
	}

	logger.Infof("Supervisor created, services: %d, startup order: %v", len(s.order), s.order)
	return s, nil
}

func withDefaults(cfg *config.SupervisorConfig, options Options, logger logging.Logger) Options {
	if options.Now == nil {
		options.Now = time.Now
	}
	if options.Spawn == nil {
		options.Spawn = process.NewSpawner(logger)
	}
	if options.NewProbe == nil {
		options.NewProbe = monitoring.NewProbe
	}
	window := cfg.Supervisor.CPUSampleWindowDuration()
	if options.Monitor == nil {
		options.Monitor = monitoring.NewHealthMonitor(monitoring.NewProcessInspector(), window, logger)
	}
	if options.Sampler == nil {
		options.Sampler = monitoring.NewSystemSampler(window, "/")
	}
	if options.Limiter == nil {
		options.Limiter = resourcelimits.NewLimiter(logger)
	}
	if options.PIDFiles == nil {
		options.PIDFiles = processfile.NewProcessFileManager(processfile.ProcessFileConfig{
			DataDir: cfg.Storage.DataDir,
		}, logger)
	}
	if options.Recorder == nil {
		options.Recorder = metricsstore.NewRecorder(cfg.MetricsPath(), logger)
	}
	if options.Metrics == nil {
		options.Metrics = NewMetrics()
	}
	if options.Alerts == nil {
		options.Alerts = alerting.NewManager(cfg.AlertLogPath(), cfg.Alerts.DebounceWindow(), logger,
			alerting.NewLogNotifier(logger), options.Metrics)
	}
	return options
}

// StartupOrder returns the dependency-respecting start order.
func (s *Supervisor) StartupOrder() []string {
	return append([]string(nil), s.order...)
}

// Controller returns the controller of a service.
func (s *Supervisor) Controller(name string) (*controller.ServiceController, bool) {
	ctrl, ok := s.controllers[name]
	return ctrl, ok
}

// Snapshots returns the state of every service in startup order.
func (s *Supervisor) Snapshots() []controller.Snapshot {
	snapshots := make([]controller.Snapshot, 0, len(s.order))
	for _, name := range s.order {
		snapshots = append(snapshots, s.controllers[name].Snapshot())
	}
	return snapshots
}

// ServiceStatuses reports every service as serving only while it is Running.
func (s *Supervisor) ServiceStatuses() []domain.ServiceStatus {
	statuses := make([]domain.ServiceStatus, 0, len(s.order))
	for _, name := range s.order {
		state := s.controllers[name].State()
		statuses = append(statuses, domain.ServiceStatus{
			Name:    name,
			State:   string(state),
			Serving: state == controller.StateRunning,
		})
	}
	return statuses
}

func (s *Supervisor) Metrics() *Metrics {
	return s.metrics
}

// StartAll starts every service in startup order. A service whose
// dependencies are not all Running is skipped; failures are logged and left
// to the reconcile step of the loop.
func (s *Supervisor) StartAll(ctx context.Context) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	collection := errors.NewErrorCollection()
	for _, name := range s.order {
		if ctx.Err() != nil {
			return errors.NewCancelledError("startup cancelled", ctx.Err())
		}
		if err := s.startService(ctx, name); err != nil {
			s.logger.Errorf("Service did not start, service: %s, error: %v", name, err)
			collection.Add(err)
		}
	}
	return collection.ToError()
}

// StartService starts one stopped service and clears any hold placed by StopService.
func (s *Supervisor) StartService(ctx context.Context, name string) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	if _, ok := s.controllers[name]; !ok {
		return errors.NewNotFoundError("unknown service", nil).WithContext(errors.ContextService, name)
	}
	s.setHeld(name, false)
	return s.startService(ctx, name)
}

func (s *Supervisor) startService(ctx context.Context, name string) error {
	if waiting := s.pendingDependencies(name); len(waiting) > 0 {
		s.setDeferred(name, true)
		return dependenciesNotRunning(name, waiting)
	}
	s.setDeferred(name, false)
	err := s.controllers[name].Start(ctx)
	s.metrics.observeSnapshot(s.controllers[name].Snapshot())
	return err
}

func dependenciesNotRunning(name string, waiting []string) error {
	return errors.NewConflictError(fmt.Sprintf("dependencies not running: %v", waiting), nil).
		WithContext(errors.ContextService, name)
}

// pendingDependencies lists the direct dependencies of name that are not Running.
func (s *Supervisor) pendingDependencies(name string) []string {
	var waiting []string
	for _, dep := range s.graph.Dependencies(name) {
		if s.controllers[dep].State() != controller.StateRunning {
			waiting = append(waiting, dep)
		}
	}
	return waiting
}

// StopService stops every dependent of name in reverse startup order and then
// name itself. The stopped services are held until StartService is called.
func (s *Supervisor) StopService(ctx context.Context, name string) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	if _, ok := s.controllers[name]; !ok {
		return errors.NewNotFoundError("unknown service", nil).WithContext(errors.ContextService, name)
	}

	collection := errors.NewErrorCollection()
	stopped, err := s.stopDependents(ctx, name)
	if err != nil {
		collection.Add(err)
	}
	for _, dependent := range stopped {
		s.setHeld(dependent, true)
	}
	s.setHeld(name, true)
	if err := s.controllers[name].Stop(ctx); err != nil {
		collection.Add(err)
	}
	s.metrics.observeSnapshot(s.controllers[name].Snapshot())
	return collection.ToError()
}

// StopAll stops every service in shutdown order.
func (s *Supervisor) StopAll(ctx context.Context) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	collection := errors.NewErrorCollection()
	for _, name := range s.graph.ShutdownOrder() {
		s.setHeld(name, true)
		if err := s.controllers[name].Stop(ctx); err != nil {
			s.logger.Errorf("Failed to stop service, service: %s, error: %v", name, err)
			collection.Add(err)
		}
	}
	s.logger.Infof("All services stopped")
	return collection.ToError()
}

// stopDependents stops the active dependents of name, last started first,
// and returns them in startup order.
func (s *Supervisor) stopDependents(ctx context.Context, name string) ([]string, error) {
	dependents := s.graph.Dependents(name)
	collection := errors.NewErrorCollection()
	var stopped []string
	for i := len(dependents) - 1; i >= 0; i-- {
		dependent := dependents[i]
		ctrl := s.controllers[dependent]
		if !ctrl.State().IsActive() {
			continue
		}
		s.logger.Infof("Stopping dependent, service: %s, dependency: %s", dependent, name)
		if err := ctrl.Stop(ctx); err != nil {
			collection.Add(err)
		}
		s.metrics.observeSnapshot(ctrl.Snapshot())
		stopped = append([]string{dependent}, stopped...)
	}
	return stopped, collection.ToError()
}

// RestartService runs the restart policy for name and, when permitted, stops
// its dependents and the service, starts the service again and then starts
// the dependents that were stopped, in startup order, once their own
// dependencies are Running. A service whose dependencies are not Running is
// not restarted and its policy is not charged.
func (s *Supervisor) RestartService(ctx context.Context, name string, cause error) error {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	_, err := s.restartService(ctx, name, cause)
	return err
}

// restartService returns every service whose process was touched.
func (s *Supervisor) restartService(ctx context.Context, name string, cause error) ([]string, error) {
	ctrl, ok := s.controllers[name]
	if !ok {
		return nil, errors.NewNotFoundError("unknown service", nil).WithContext(errors.ContextService, name)
	}

	if waiting := s.pendingDependencies(name); len(waiting) > 0 {
		ctrl.MarkDegraded()
		s.metrics.observeRestart(name, "waiting")
		s.metrics.observeSnapshot(ctrl.Snapshot())
		s.logger.Warnf("Restart deferred, service: %s, waiting for: %v", name, waiting)
		return nil, dependenciesNotRunning(name, waiting)
	}

	if err := ctrl.AuthorizeRestart(cause); err != nil {
		switch {
		case errors.IsRestartPolicyExceeded(err):
			ctrl.MarkFailed(err)
			if stopErr := ctrl.Stop(ctx); stopErr != nil {
				s.logger.Warnf("Failed service did not stop cleanly, service: %s, error: %v", name, stopErr)
			}
			s.metrics.observeRestart(name, "exceeded")
			s.sendAlert(name+"_failed",
				fmt.Sprintf("Service %s exceeded its restart policy and will not be restarted", name),
				alerting.LevelCritical)
		case errors.IsRestartTooSoon(err):
			ctrl.MarkDegraded()
			s.metrics.observeRestart(name, "too_soon")
			s.logger.Warnf("Restart deferred, service: %s, reason: %v", name, err)
		}
		s.metrics.observeSnapshot(ctrl.Snapshot())
		return nil, err
	}

	s.metrics.observeRestart(name, "permitted")
	s.setDeferred(name, false)
	ctrl.MarkRestarting()

	stopped, err := s.stopDependents(ctx, name)
	if err != nil {
		s.logger.Warnf("Dependents did not stop cleanly, service: %s, error: %v", name, err)
	}
	if err := ctrl.Stop(ctx); err != nil {
		s.logger.Warnf("Service did not stop cleanly, service: %s, error: %v", name, err)
	}

	startErr := ctrl.Start(ctx)
	s.metrics.observeSnapshot(ctrl.Snapshot())
	if startErr != nil {
		s.logger.Errorf("Restart failed, service: %s, error: %v", name, startErr)
	} else {
		s.logger.Infof("Restarted, service: %s", name)
	}

	for _, dependent := range stopped {
		if err := s.startService(ctx, dependent); err != nil {
			if errors.IsConflictError(err) {
				s.logger.Warnf("Dependent left stopped until its dependencies run, service: %s, error: %v", dependent, err)
			} else {
				s.logger.Errorf("Dependent did not restart, service: %s, error: %v", dependent, err)
			}
		}
	}

	return append([]string{name}, stopped...), startErr
}

func (s *Supervisor) sendAlert(kind, message string, level alerting.Level) {
	if _, _, err := s.alerts.SendAlert(kind, message, level); err != nil {
		s.logger.Errorf("Alert not persisted, kind: %s, error: %v", kind, err)
	}
}

func (s *Supervisor) setHeld(name string, held bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if held {
		s.held[name] = true
	} else {
		delete(s.held, name)
	}
}

func (s *Supervisor) isHeld(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.held[name]
}

func (s *Supervisor) setDeferred(name string, deferred bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if deferred {
		s.deferred[name] = true
	} else {
		delete(s.deferred, name)
	}
}

func (s *Supervisor) isDeferred(name string) bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.deferred[name]
}
