package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/control"
	"github.com/core-tools/hsu-supervisor/pkg/depgraph"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	flags "github.com/jessevdk/go-flags"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

type globalOptions struct {
	Config string `long:"config" description:"path to the configuration file" default:"config/monitor.yml"`
	Debug  bool   `long:"debug" description:"log client calls"`
}

var global globalOptions

type validateCommand struct{}

type planCommand struct{}

type statusCommand struct {
	Address string        `long:"address" description:"status endpoint, defaults to supervisor.status_address"`
	Timeout time.Duration `long:"timeout" description:"per-call timeout" default:"5s"`
}

func main() {
	parser := flags.NewParser(&global, flags.HelpFlag|flags.PassDoubleDash)
	parser.AddCommand("validate", "Validate the configuration", "Loads and validates the configuration, including the dependency graph.", &validateCommand{})
	parser.AddCommand("plan", "Print the startup order", "Prints the order in which services are started.", &planCommand{})
	parser.AddCommand("status", "Query a running supervisor", "Queries the gRPC health endpoint of a running supervisor for every configured service.", &statusCommand{})

	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			fmt.Println(err)
			return
		}
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

func loadPlan() (*config.SupervisorConfig, []string, error) {
	cfg, err := config.Load(global.Config)
	if err != nil {
		return nil, nil, err
	}
	order, err := depgraph.Plan(cfg.Services.Names(), cfg.Services.DependencyMap())
	if err != nil {
		return nil, nil, err
	}
	return cfg, order, nil
}

func (c *validateCommand) Execute(args []string) error {
	cfg, _, err := loadPlan()
	if err != nil {
		return err
	}
	fmt.Printf("%s: OK, %d service(s)\n", global.Config, len(cfg.Services))
	return nil
}

func (c *planCommand) Execute(args []string) error {
	cfg, order, err := loadPlan()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "#\tSERVICE\tDEPENDS ON\tHEALTH CHECK")
	for i, name := range order {
		service, _ := cfg.Services.Get(name)
		fmt.Fprintf(w, "%d\t%s\t%v\t%s %s\n", i+1, name, service.Dependencies, service.HealthCheck.Type, service.HealthCheck.Target)
	}
	return w.Flush()
}

func (c *statusCommand) Execute(args []string) error {
	cfg, order, err := loadPlan()
	if err != nil {
		return err
	}
	address := c.Address
	if address == "" {
		address = cfg.Supervisor.StatusAddress
	}
	if address == "" {
		return fmt.Errorf("no status address: pass --address or set supervisor.status_address")
	}

	logger := logging.Nop()
	if global.Debug {
		logger = logging.NewLogger("module: hsu-supervisor-client , ", logging.LogFuncs{
			LogLevelf: func(level int, format string, args ...interface{}) {
				fmt.Fprintf(os.Stderr, format+"\n", args...)
			},
		})
	}

	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return err
	}
	defer conn.Close()
	gateway := control.NewGRPCClientGateway(conn, logger)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SERVICE\tSTATUS")
	for _, name := range append([]string{""}, order...) {
		ctx, cancel := context.WithTimeout(context.Background(), c.Timeout)
		status, err := gateway.Status(ctx, name)
		cancel()
		if err != nil {
			return fmt.Errorf("status of %q: %w", name, err)
		}
		label := name
		if label == "" {
			label = "(supervisor)"
		}
		fmt.Fprintf(w, "%s\t%s\n", label, status.State)
	}
	return w.Flush()
}
