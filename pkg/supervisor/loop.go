package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/alerting"
	"github.com/core-tools/hsu-supervisor/pkg/controller"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/metricsstore"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"

	"golang.org/x/sync/errgroup"
)

// maxParallelChecks bounds concurrent liveness checks within one poll.
const maxParallelChecks = 8

// PollResult summarizes one poll of the supervision loop.
type PollResult struct {
	CleanedUp bool
	System    monitoring.SystemStats
	Checked   []string
	Failed    []string
	Restarted []string
	Resumed   []string
	Degraded  bool
}

// Run polls until ctx is done. It sleeps the check interval between polls,
// or retry.delay when a service is Degraded and the delay is shorter.
func (s *Supervisor) Run(ctx context.Context) error {
	s.logger.Infof("Supervision loop started, check interval: %v", s.config.Intervals.CheckInterval())
	for {
		result := s.Poll(ctx)
		if ctx.Err() != nil {
			s.logger.Infof("Supervision loop stopped")
			return ctx.Err()
		}

		timer := time.NewTimer(s.nextDelay(result))
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Infof("Supervision loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *Supervisor) nextDelay(result PollResult) time.Duration {
	delay := s.config.Intervals.CheckInterval()
	if result.Degraded {
		if retry := s.config.Retry.DelayDuration(); retry < delay {
			delay = retry
		}
	}
	return delay
}

// Poll runs one supervision cycle. Errors are contained: each step logs and
// the cycle goes on.
func (s *Supervisor) Poll(ctx context.Context) PollResult {
	s.opMutex.Lock()
	defer s.opMutex.Unlock()

	started := time.Now()
	defer func() {
		s.metrics.pollDuration.Observe(time.Since(started).Seconds())
	}()

	var result PollResult
	result.CleanedUp = s.cleanupIfDue()

	stats, err := s.sampler.Sample(ctx)
	if err != nil {
		s.logger.Errorf("System sampling failed: %v", err)
	} else {
		result.System = stats
		s.metrics.observeSystem(stats)
		s.logger.Infof("System stats, cpu: %.1f%%, memory: %.1f%%, disk: %.1f%%",
			stats.CPUPercent, stats.MemoryPercent, stats.DiskPercent)
		s.recordSample(stats)
		s.checkThresholds(stats)
	}

	s.checkServices(ctx, &result)
	if ctx.Err() != nil {
		return result
	}
	s.reconcile(ctx, &result)

	for _, name := range s.order {
		snapshot := s.controllers[name].Snapshot()
		s.metrics.observeSnapshot(snapshot)
		if snapshot.State == controller.StateDegraded {
			result.Degraded = true
		}
	}
	return result
}

func (s *Supervisor) cleanupIfDue() bool {
	now := s.now()
	if now.Sub(s.lastCleanup) < s.config.Intervals.CleanupInterval() {
		return false
	}
	s.lastCleanup = now
	if _, err := s.recorder.Cleanup(s.config.DataRetention.Days); err != nil {
		s.logger.Errorf("Metrics cleanup failed: %v", err)
	}
	return true
}

func (s *Supervisor) recordSample(stats monitoring.SystemStats) {
	sample := metricsstore.MetricSample{
		Timestamp: s.now(),
		Stats: metricsstore.Stats{
			SystemStats: stats,
			Services:    make(map[string]metricsstore.ServiceStats, len(s.order)),
		},
	}
	for _, name := range s.order {
		snapshot := s.controllers[name].Snapshot()
		sample.Stats.Services[name] = metricsstore.ServiceStats{
			PID:          snapshot.PID,
			State:        string(snapshot.State),
			RSSMB:        snapshot.LastHealth.RSSMB,
			CPUPercent:   snapshot.LastHealth.CPUPercent,
			RestartCount: snapshot.Restart.RestartCount,
		}
	}
	if err := s.recorder.Record(sample); err != nil {
		s.logger.Errorf("Failed to record metrics sample: %v", err)
		return
	}
	s.metrics.metricsStoreRecords.Inc()
}

func (s *Supervisor) checkThresholds(stats monitoring.SystemStats) {
	thresholds := s.config.Thresholds
	if stats.CPUPercent > thresholds.CPU {
		s.sendAlert("high_cpu", "High CPU usage!", alerting.LevelCritical)
	}
	if stats.MemoryPercent > thresholds.Memory {
		s.sendAlert("high_memory", "High memory usage!", alerting.LevelCritical)
	}
	if stats.DiskPercent > thresholds.Disk {
		s.sendAlert("low_disk", "Low disk space!", alerting.LevelCritical)
	}
}

// checkServices measures every Running or Degraded service in parallel, then
// applies the verdicts one at a time in startup order.
func (s *Supervisor) checkServices(ctx context.Context, result *PollResult) {
	var names []string
	for _, name := range s.order {
		switch s.controllers[name].State() {
		case controller.StateRunning, controller.StateDegraded:
			names = append(names, name)
		}
	}
	if len(names) == 0 {
		return
	}

	verdicts := make([]monitoring.HealthCheckResult, len(names))
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(maxParallelChecks)
	for i, name := range names {
		i, name := i, name
		group.Go(func() error {
			verdicts[i] = s.controllers[name].CheckHealth(groupCtx)
			return nil
		})
	}
	group.Wait()
	if ctx.Err() != nil {
		return
	}
	result.Checked = names

	touched := make(map[string]bool)
	for i, name := range names {
		if touched[name] {
			continue
		}
		ctrl := s.controllers[name]
		verdict := verdicts[i]
		failures := ctrl.RecordHealth(verdict)
		s.metrics.observeHealth(name, verdict)
		if verdict.OK {
			continue
		}
		result.Failed = append(result.Failed, name)
		if failures < s.config.Retry.MaxAttempts {
			continue
		}

		s.sendAlert(name+"_down", fmt.Sprintf("Service %s is down! Attempting restart...", name), alerting.LevelCritical)
		affected, err := s.restartService(ctx, name, verdict.Err())
		for _, service := range affected {
			touched[service] = true
		}
		if err == nil {
			result.Restarted = append(result.Restarted, name)
		}
	}
}

// reconcile brings back services that are Stopped without having been held,
// once their dependencies are Running. A service that only went down with a
// dependency is resumed without a restart charge; any other goes through the
// restart policy.
func (s *Supervisor) reconcile(ctx context.Context, result *PollResult) {
	for _, name := range s.order {
		if ctx.Err() != nil {
			return
		}
		ctrl := s.controllers[name]
		if ctrl.State() != controller.StateStopped || s.isHeld(name) {
			continue
		}
		if len(s.pendingDependencies(name)) > 0 {
			continue
		}
		if s.isDeferred(name) {
			s.logger.Infof("Dependencies running again, resuming service: %s", name)
			if err := s.startService(ctx, name); err != nil {
				s.logger.Errorf("Service did not resume, service: %s, error: %v", name, err)
				continue
			}
			result.Resumed = append(result.Resumed, name)
			continue
		}
		s.logger.Infof("Service not running, attempting restart, service: %s", name)
		_, err := s.restartService(ctx, name, errors.NewProcessError("service not running", nil).
			WithContext(errors.ContextService, name))
		if err == nil {
			result.Restarted = append(result.Restarted, name)
		}
	}
}
