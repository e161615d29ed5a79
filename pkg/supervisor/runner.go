package supervisor

import (
	"context"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logcollection"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/processfile"
	"github.com/core-tools/hsu-supervisor/pkg/processstate"
)

// stopAllTimeout bounds the final shutdown of every service.
const stopAllTimeout = 2 * time.Minute

// Run executes a full supervision run: construct the supervisor, start every
// service in dependency order, serve the loop and the optional endpoints until
// ctx is done, then stop every service in reverse order. Configuration and
// cycle errors are returned before anything is started.
func Run(ctx context.Context, cfg *config.SupervisorConfig, logger logging.Logger) error {
	files := processfile.NewProcessFileManager(processfile.ProcessFileConfig{
		DataDir:      cfg.Storage.DataDir,
		LogDirectory: cfg.Supervisor.ServiceLogDir,
	}, logger)
	collector := logcollection.NewCollector(logcollection.CollectorConfig{}, files, logger)
	defer func() {
		if err := collector.Close(); err != nil {
			logger.Warnf("Failed to close service logs: %v", err)
		}
	}()

	sup, err := New(cfg, Options{
		PIDFiles: files,
		Output:   collector,
	}, logger)
	if err != nil {
		return err
	}

	reportStalePIDFiles(ctx, files, logger)

	logger.Infof("Supervisor is ready, starting services...")
	if err := sup.StartAll(ctx); err != nil {
		logger.Warnf("Not every service started, the supervision loop will retry: %v", err)
	}

	tree := NewTree(logger)
	tree.Add(NewLoopService(sup))
	if address := cfg.Supervisor.MetricsAddress; address != "" {
		tree.Add(NewMetricsServerService(address, sup.Metrics()))
		logger.Infof("Metrics endpoint enabled, address: %s", address)
	}
	if address := cfg.Supervisor.StatusAddress; address != "" {
		tree.Add(control.NewServer(address, sup, logger))
		logger.Infof("Status endpoint enabled, address: %s", address)
	}

	serveErr := tree.Serve(ctx)
	if serveErr != nil && ctx.Err() == nil {
		logger.Errorf("Supervision tree stopped: %v", serveErr)
	}

	logger.Infof("Stopping services...")
	stopCtx, cancel := context.WithTimeout(context.Background(), stopAllTimeout)
	defer cancel()
	if err := sup.StopAll(stopCtx); err != nil {
		logger.Errorf("Shutdown finished with errors: %v", err)
	}

	if ctx.Err() != nil {
		return nil
	}
	return serveErr
}

// reportStalePIDFiles warns about processes left behind by a previous
// supervisor instance and clears their PID files.
func reportStalePIDFiles(ctx context.Context, files *processfile.ProcessFileManager, logger logging.Logger) {
	services, err := files.StalePIDFiles()
	if err != nil {
		logger.Warnf("Failed to scan PID files: %v", err)
		return
	}
	for _, service := range services {
		pid, err := files.ReadPIDFile(service)
		if err == nil {
			liveness, inspectErr := processstate.Inspect(ctx, pid)
			if inspectErr == nil && liveness.Alive() {
				logger.Warnf("Process from a previous run is still alive, service: %s, pid: %d", service, pid)
			}
		} else if !errors.IsNotFoundError(err) {
			logger.Warnf("Unreadable PID file, service: %s, error: %v", service, err)
		}
		if err := files.RemovePIDFile(service); err != nil {
			logger.Warnf("Failed to remove stale PID file, service: %s, error: %v", service, err)
		}
	}
}
