package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Config      string `long:"config" description:"path to the configuration file" default:"config/monitor.yml"`
	LogLevel    string `long:"log-level" description:"overrides supervisor.log_level"`
	LogFormat   string `long:"log-format" description:"console or json" default:"console"`
	RunDuration int    `long:"run-duration" description:"stop after this many seconds (0 runs until signalled)"`
}

func logPrefix(module string) string {
	return fmt.Sprintf("module: %s , ", module)
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	_, err := parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	level := cfg.Supervisor.LogLevel
	if opts.LogLevel != "" {
		level = opts.LogLevel
	}
	zapLogger, err := logging.NewZapLogger(logging.ZapOptions{
		Level:  level,
		Format: opts.LogFormat,
		File:   cfg.Supervisor.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	logger := logging.NewLogger(logPrefix("hsu-supervisor"), logging.ZapLogFuncs(zapLogger))
	logger.Infof("Using CONFIGURATION FILE: %s", opts.Config)
	logger.Infof("Services: %d, check interval: %v", len(cfg.Services), cfg.Intervals.CheckInterval())

	ctx, stop := signalContext()
	defer stop()
	if opts.RunDuration > 0 {
		duration := time.Duration(opts.RunDuration) * time.Second
		logger.Infof("Using RUN DURATION of %v", duration)
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	if err := supervisor.Run(ctx, cfg, logger); err != nil {
		logger.Errorf("Supervisor failed: %v", err)
		if errors.FatalAtStartup(err) {
			zapLogger.Sync()
			os.Exit(1)
		}
		zapLogger.Sync()
		os.Exit(2)
	}
	logger.Infof("Supervisor stopped")
}

func signalContext() (context.Context, context.CancelFunc) {
	if runtime.GOOS == "windows" {
		return signal.NotifyContext(context.Background(), os.Interrupt)
	}
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
