package monitoring

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/config"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Probe is a boolean readiness/liveness test. The message explains the verdict
// and is what ends up in logs and restart records.
type Probe interface {
	Check(ctx context.Context) (bool, string)
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) (bool, string)

func (f ProbeFunc) Check(ctx context.Context) (bool, string) {
	return f(ctx)
}

// NewProbe builds the probe described by a service health check.
// Every call to Check is bounded by the configured timeout.
func NewProbe(hc config.HealthCheckConfig, logger logging.Logger) (Probe, error) {
	if err := config.ValidateHealthCheck(hc); err != nil {
		return nil, errors.NewValidationError("invalid health check configuration", err)
	}

	timeout := hc.TimeoutDuration()
	target := string(hc.Target)

	var probe Probe
	switch hc.Type {
	case config.HealthCheckTypePort:
		port, _ := strconv.Atoi(target)
		probe = &portProbe{port: uint32(port)}
	case config.HealthCheckTypeProcess:
		probe = &processProbe{substring: target}
	case config.HealthCheckTypeURL:
		probe = &urlProbe{
			url:    target,
			client: &http.Client{Timeout: timeout},
		}
	case config.HealthCheckTypeGRPC:
		probe = &grpcProbe{address: target}
	}

	return &timedProbe{
		kind:    hc.Type,
		probe:   probe,
		timeout: timeout,
		logger:  logger,
	}, nil
}

type timedProbe struct {
	kind    config.HealthCheckType
	probe   Probe
	timeout time.Duration
	logger  logging.Logger
}

func (p *timedProbe) Check(ctx context.Context) (bool, string) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	ok, message := p.probe.Check(ctx)
	p.logger.Debugf("Probe finished, type: %s, ok: %t, message: %s", p.kind, ok, message)
	return ok, message
}

// portProbe passes when some socket is listening on the port, on any address.
type portProbe struct {
	port uint32
}

func (p *portProbe) Check(ctx context.Context) (bool, string) {
	connections, err := net.ConnectionsWithoutUidsWithContext(ctx, "tcp")
	if err != nil {
		return false, fmt.Sprintf("Failed to list connections: %v", err)
	}
	for _, conn := range connections {
		if conn.Status == "LISTEN" && conn.Laddr.Port == p.port {
			return true, fmt.Sprintf("Port %d is listening", p.port)
		}
	}
	return false, fmt.Sprintf("No listening socket on port %d", p.port)
}

// processProbe passes when any running process command line contains the substring.
type processProbe struct {
	substring string
}

func (p *processProbe) Check(ctx context.Context) (bool, string) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return false, fmt.Sprintf("Failed to list processes: %v", err)
	}
	for _, proc := range procs {
		if ctx.Err() != nil {
			return false, fmt.Sprintf("Process scan interrupted: %v", ctx.Err())
		}
		cmdline, err := proc.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			continue
		}
		if strings.Contains(cmdline, p.substring) {
			return true, fmt.Sprintf("Process %d matches %q", proc.Pid, p.substring)
		}
	}
	return false, fmt.Sprintf("No running process matches %q", p.substring)
}

// urlProbe passes on HTTP 200 only; redirects are followed by the client.
type urlProbe struct {
	url    string
	client *http.Client
}

func (p *urlProbe) Check(ctx context.Context) (bool, string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, fmt.Sprintf("Failed to create HTTP request: %v", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Sprintf("HTTP request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusOK {
		return true, fmt.Sprintf("HTTP health check passed: %s", resp.Status)
	}
	return false, fmt.Sprintf("HTTP health check failed: %s", resp.Status)
}

// grpcProbe asks the standard gRPC health service for the overall server status.
type grpcProbe struct {
	address string
}

func (p *grpcProbe) Check(ctx context.Context) (bool, string) {
	conn, err := grpc.NewClient(p.address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return false, fmt.Sprintf("Failed to create gRPC client: %v", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return false, fmt.Sprintf("gRPC health check failed: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return false, fmt.Sprintf("gRPC health status is %s", resp.GetStatus())
	}
	return true, "gRPC health check passed"
}
