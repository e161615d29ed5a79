package controller

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/resourcelimits"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeHandle struct {
	pid             int
	start           time.Time
	done            chan struct{}
	once            sync.Once
	exitCode        int
	ignoreTerminate bool
	terminated      atomic.Bool
	killed          atomic.Bool
}

func newFakeHandle(pid int) *fakeHandle {
	return &fakeHandle{pid: pid, start: time.Now(), done: make(chan struct{})}
}

func (h *fakeHandle) PID() int              { return h.pid }
func (h *fakeHandle) StartTime() time.Time  { return h.start }
func (h *fakeHandle) Done() <-chan struct{} { return h.done }
func (h *fakeHandle) ExitCode() int         { return h.exitCode }

func (h *fakeHandle) exit(code int) {
	h.once.Do(func() {
		h.exitCode = code
		close(h.done)
	})
}

func (h *fakeHandle) Terminate() error {
	h.terminated.Store(true)
	if !h.ignoreTerminate {
		h.exit(143)
	}
	return nil
}

func (h *fakeHandle) Kill() error {
	h.killed.Store(true)
	h.exit(137)
	return nil
}

type fakeSpawner struct {
	mutex   sync.Mutex
	handles []*fakeHandle
	err     error
	prepare func(h *fakeHandle)
}

func (s *fakeSpawner) spawn(ctx context.Context, execution process.ExecutionConfig, output io.Writer) (process.Handle, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	h := newFakeHandle(1000 + len(s.handles))
	if s.prepare != nil {
		s.prepare(h)
	}
	s.handles = append(s.handles, h)
	return h, nil
}

func (s *fakeSpawner) count() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.handles)
}

type MockLimiter struct {
	mock.Mock
}

func (m *MockLimiter) Apply(pid int, limits resourcelimits.Limits) error {
	return m.Called(pid, limits).Error(0)
}

func (m *MockLimiter) Platform() string {
	return "mock"
}

type MockPIDFiles struct {
	mock.Mock
}

func (m *MockPIDFiles) WritePIDFile(service string, pid int) error {
	return m.Called(service, pid).Error(0)
}

func (m *MockPIDFiles) RemovePIDFile(service string) error {
	return m.Called(service).Error(0)
}

type MockHealthMonitor struct {
	mock.Mock
}

func (m *MockHealthMonitor) Check(ctx context.Context, pid int, limits monitoring.HealthLimits) monitoring.HealthCheckResult {
	return m.Called(ctx, pid, limits).Get(0).(monitoring.HealthCheckResult)
}

// scriptedProbe passes from the n-th call onwards; n <= 0 never passes.
type scriptedProbe struct {
	passFrom int
	calls    atomic.Int32
}

func (p *scriptedProbe) Check(ctx context.Context) (bool, string) {
	n := int(p.calls.Add(1))
	if p.passFrom > 0 && n >= p.passFrom {
		return true, "ready"
	}
	return false, fmt.Sprintf("not ready (call %d)", n)
}

func intPtr(n int) *int {
	return &n
}

func testService() config.ServiceConfig {
	return config.ServiceConfig{
		Name:            "celery",
		Command:         []string{"celery", "worker"},
		HealthCheck:     &config.HealthCheckConfig{Type: config.HealthCheckTypeProcess, Target: "celery", Retries: intPtr(3), Timeout: 1},
		StartupTimeout:  1,
		ProcessPriority: "low",
		ProcessLimits:   config.ProcessLimitsConfig{CPUAffinity: []int{0}, MemoryMax: 512, CPUMax: 90},
	}
}

type fixture struct {
	spawner  *fakeSpawner
	probe    *scriptedProbe
	limiter  *MockLimiter
	pidFiles *MockPIDFiles
	monitor  *MockHealthMonitor
	clock    time.Time
	ctrl     *ServiceController
}

func newFixture(t *testing.T, passFrom int) *fixture {
	t.Helper()
	f := &fixture{
		spawner:  &fakeSpawner{},
		probe:    &scriptedProbe{passFrom: passFrom},
		limiter:  &MockLimiter{},
		pidFiles: &MockPIDFiles{},
		monitor:  &MockHealthMonitor{},
		clock:    time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC),
	}
	f.limiter.On("Apply", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.pidFiles.On("WritePIDFile", "celery", mock.Anything).Return(nil).Maybe()
	f.pidFiles.On("RemovePIDFile", "celery").Return(nil).Maybe()

	ctrl, err := NewServiceController(ServiceControllerOptions{
		Service:       testService(),
		RestartPolicy: config.RestartPolicyConfig{MaxRestarts: 3, MinInterval: 60},
		GraceTimeout:  50 * time.Millisecond,
		ProbeInterval: 10 * time.Millisecond,
		Spawn:         f.spawner.spawn,
		Probe:         f.probe,
		Monitor:       f.monitor,
		Limiter:       f.limiter,
		PIDFiles:      f.pidFiles,
		Now:           func() time.Time { return f.clock },
	}, logging.Nop())
	require.NoError(t, err)
	f.ctrl = ctrl
	return f
}

func TestStartBecomesRunning(t *testing.T) {
	f := newFixture(t, 3)

	require.NoError(t, f.ctrl.Start(context.Background()))

	assert.Equal(t, StateRunning, f.ctrl.State())
	assert.Equal(t, 1, f.spawner.count())
	assert.GreaterOrEqual(t, int(f.probe.calls.Load()), 3)

	snapshot := f.ctrl.Snapshot()
	assert.Equal(t, 1000, snapshot.PID)

	f.limiter.AssertCalled(t, "Apply", 1000, resourcelimits.Limits{
		Scope:       "celery",
		Priority:    resourcelimits.PriorityLow,
		CPUAffinity: []int{0},
		MemoryMaxMB: 512,
	})
	f.pidFiles.AssertCalled(t, "WritePIDFile", "celery", 1000)
}

func TestStartResourceErrorDoesNotAbort(t *testing.T) {
	f := newFixture(t, 1)
	f.limiter.ExpectedCalls = nil
	f.limiter.On("Apply", mock.Anything, mock.Anything).Return(&resourcelimits.ResourceError{PID: 1000})

	require.NoError(t, f.ctrl.Start(context.Background()))
	assert.Equal(t, StateRunning, f.ctrl.State())
}

func TestStartProcessExitsBeforeReady(t *testing.T) {
	f := newFixture(t, 0)
	f.spawner.prepare = func(h *fakeHandle) { h.exit(3) }

	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessExitedError(err))

	var domainErr *errors.DomainError
	require.ErrorAs(t, err, &domainErr)
	assert.Equal(t, 3, domainErr.Context[errors.ContextExitCode])

	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Zero(t, f.ctrl.Snapshot().PID)
	f.pidFiles.AssertCalled(t, "RemovePIDFile", "celery")
}

func TestStartTimeout(t *testing.T) {
	f := newFixture(t, 0)

	started := time.Now()
	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsStartupTimeoutError(err))
	assert.GreaterOrEqual(t, time.Since(started), time.Second)

	assert.Equal(t, StateStopped, f.ctrl.State())
	require.Equal(t, 1, f.spawner.count())
	assert.True(t, f.spawner.handles[0].terminated.Load(), "timed out process must be terminated")
}

func TestStartSpawnFailure(t *testing.T) {
	f := newFixture(t, 1)
	f.spawner.err = errors.NewNotFoundError("executable not found in PATH", nil)

	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessError(err))
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Contains(t, f.ctrl.Snapshot().LastError, "executable not found")
}

func TestStartWhileRunningIsRejected(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))

	err := f.ctrl.Start(context.Background())
	assert.True(t, errors.IsConflictError(err))
	assert.Equal(t, 1, f.spawner.count())
}

func TestStopGraceful(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))

	require.NoError(t, f.ctrl.Stop(context.Background()))

	h := f.spawner.handles[0]
	assert.True(t, h.terminated.Load())
	assert.False(t, h.killed.Load())
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Zero(t, f.ctrl.Snapshot().PID)
	f.pidFiles.AssertCalled(t, "RemovePIDFile", "celery")
}

func TestStopForcesAfterGraceTimeout(t *testing.T) {
	f := newFixture(t, 1)
	f.spawner.prepare = func(h *fakeHandle) { h.ignoreTerminate = true }
	require.NoError(t, f.ctrl.Start(context.Background()))

	require.NoError(t, f.ctrl.Stop(context.Background()))

	h := f.spawner.handles[0]
	assert.True(t, h.terminated.Load())
	assert.True(t, h.killed.Load())
	assert.Equal(t, StateStopped, f.ctrl.State())
}

func TestStopWithoutProcess(t *testing.T) {
	f := newFixture(t, 1)
	assert.NoError(t, f.ctrl.Stop(context.Background()))
	assert.Equal(t, StateStopped, f.ctrl.State())
}

func TestCheckHealthMonitorFailureSkipsProbe(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))
	callsAfterStart := f.probe.calls.Load()

	f.monitor.On("Check", mock.Anything, 1000, monitoring.HealthLimits{MemoryMaxMB: 512, CPUMaxPercent: 90}).
		Return(monitoring.HealthCheckResult{Reason: monitoring.ReasonMemory, Message: "Memory usage 700.0MB exceeds limit 512MB"})

	result := f.ctrl.CheckHealth(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, monitoring.ReasonMemory, result.Reason)
	assert.Equal(t, callsAfterStart, f.probe.calls.Load(), "probe must not run after a resource failure")
}

func TestCheckHealthProbeRetries(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))
	f.monitor.On("Check", mock.Anything, mock.Anything, mock.Anything).
		Return(monitoring.HealthCheckResult{OK: true, RSSMB: 120})

	// Passes on the third liveness attempt.
	f.probe.calls.Store(0)
	f.probe.passFrom = 3
	result := f.ctrl.CheckHealth(context.Background())
	assert.True(t, result.OK, result.Message)
	assert.Equal(t, 120.0, result.RSSMB)
	assert.Equal(t, int32(3), f.probe.calls.Load())

	f.probe.calls.Store(0)
	f.probe.passFrom = 0
	result = f.ctrl.CheckHealth(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, monitoring.ReasonProbe, result.Reason)
	assert.Equal(t, int32(3), f.probe.calls.Load())
}

func TestCheckHealthExitedProcess(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))
	f.spawner.handles[0].exit(1)

	result := f.ctrl.CheckHealth(context.Background())
	assert.False(t, result.OK)
	assert.Equal(t, monitoring.ReasonResponsiveness, result.Reason)
	f.monitor.AssertNotCalled(t, "Check", mock.Anything, mock.Anything, mock.Anything)
}

func TestRecordHealthTransitions(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))

	failure := monitoring.HealthCheckResult{Reason: monitoring.ReasonProbe, Message: "no listener"}
	assert.Equal(t, 1, f.ctrl.RecordHealth(failure))
	assert.Equal(t, StateDegraded, f.ctrl.State())
	assert.Equal(t, 2, f.ctrl.RecordHealth(failure))

	assert.Equal(t, 0, f.ctrl.RecordHealth(monitoring.HealthCheckResult{OK: true}))
	assert.Equal(t, StateRunning, f.ctrl.State())
}

func TestAuthorizeRestartBoundary(t *testing.T) {
	f := newFixture(t, 1)
	cause := fmt.Errorf("probe failed")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.ctrl.AuthorizeRestart(cause))
		f.clock = f.clock.Add(61 * time.Second)
	}
	assert.Equal(t, 3, f.ctrl.Snapshot().Restart.RestartCount)

	err := f.ctrl.AuthorizeRestart(cause)
	assert.True(t, errors.IsRestartPolicyExceeded(err))
	assert.Equal(t, 3, f.ctrl.Snapshot().Restart.RestartCount, "refused restart must not be recorded")
	assert.Zero(t, f.spawner.count(), "policy decisions never spawn")
}

func TestAuthorizeRestartCooldown(t *testing.T) {
	f := newFixture(t, 1)
	restartAt := f.clock

	require.NoError(t, f.ctrl.AuthorizeRestart(fmt.Errorf("first")))

	f.clock = restartAt.Add(30 * time.Second)
	assert.True(t, errors.IsRestartTooSoon(f.ctrl.AuthorizeRestart(fmt.Errorf("second"))))

	f.clock = restartAt.Add(61 * time.Second)
	require.NoError(t, f.ctrl.AuthorizeRestart(fmt.Errorf("third")))

	record := f.ctrl.Snapshot().Restart
	assert.Equal(t, 2, record.RestartCount)
	assert.Equal(t, f.clock, record.LastRestartTime)
	assert.Equal(t, "third", record.LastError)
}

func TestFailedIsTerminal(t *testing.T) {
	f := newFixture(t, 1)
	require.NoError(t, f.ctrl.Start(context.Background()))

	f.ctrl.MarkDegraded()
	f.ctrl.MarkFailed(errors.NewRestartPolicyExceededError("celery", 3, 3))
	assert.Equal(t, StateFailed, f.ctrl.State())

	require.NoError(t, f.ctrl.Stop(context.Background()))
	assert.Equal(t, StateFailed, f.ctrl.State())

	assert.True(t, errors.IsConflictError(f.ctrl.Start(context.Background())))
	f.ctrl.MarkRestarting()
	assert.Equal(t, StateFailed, f.ctrl.State())
}

func TestNewServiceControllerValidation(t *testing.T) {
	_, err := NewServiceController(ServiceControllerOptions{Service: testService()}, logging.Nop())
	assert.True(t, errors.IsValidationError(err))

	service := testService()
	service.ProcessPriority = "urgent"
	_, err = NewServiceController(ServiceControllerOptions{
		Service: service,
		Spawn:   (&fakeSpawner{}).spawn,
		Probe:   &scriptedProbe{},
	}, logging.Nop())
	assert.True(t, errors.IsConfigError(err))
}

func TestStartExitedProcessIsNeverReady(t *testing.T) {
	f := newFixture(t, 1)
	f.spawner.prepare = func(h *fakeHandle) { h.exit(1) }

	err := f.ctrl.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsProcessExitedError(err))
	assert.Equal(t, StateStopped, f.ctrl.State())
	assert.Zero(t, f.probe.calls.Load(), "a foreign listener must not make a dead service ready")
}
