package supervisor

import (
	"context"
	"net/http"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"github.com/thejerf/suture/v4"
)

const defaultShutdownTimeout = 10 * time.Second

// NewTree builds the suture root that hosts the loop and the network
// endpoints. A panic or error in one of them restarts that service only.
func NewTree(logger logging.Logger) *suture.Supervisor {
	return suture.New("hsu-supervisor", suture.Spec{
		EventHook: func(event suture.Event) {
			logger.Warnf("Supervision tree event: %s", event)
		},
		FailureThreshold: 5,
		FailureDecay:     30,
		FailureBackoff:   15 * time.Second,
		Timeout:          defaultShutdownTimeout,
	})
}

// LoopService hosts Supervisor.Run as a suture service.
type LoopService struct {
	supervisor *Supervisor
}

func NewLoopService(s *Supervisor) *LoopService {
	return &LoopService{supervisor: s}
}

// Serve runs the loop. suture recovers a panic and restarts the service.
func (l *LoopService) Serve(ctx context.Context) error {
	return l.supervisor.Run(ctx)
}

func (l *LoopService) String() string {
	return "supervision-loop"
}

// HTTPServer matches the lifecycle methods of *http.Server.
type HTTPServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

// HTTPServerService runs an HTTP server until its context is done.
type HTTPServerService struct {
	server          HTTPServer
	shutdownTimeout time.Duration
	name            string
}

func NewHTTPServerService(name string, server HTTPServer, shutdownTimeout time.Duration) *HTTPServerService {
	if shutdownTimeout <= 0 {
		shutdownTimeout = defaultShutdownTimeout
	}
	return &HTTPServerService{
		server:          server,
		shutdownTimeout: shutdownTimeout,
		name:            name,
	}
}

// NewMetricsServerService serves /metrics from the supervisor registry.
func NewMetricsServerService(address string, metrics *Metrics) *HTTPServerService {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              address,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return NewHTTPServerService("metrics-server", server, defaultShutdownTimeout)
}

func (h *HTTPServerService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return errors.NewIOError(h.name+" failed", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), h.shutdownTimeout)
		defer cancel()
		if err := h.server.Shutdown(shutdownCtx); err != nil {
			return errors.NewIOError(h.name+" shutdown failed", err)
		}
		<-errCh
		return ctx.Err()
	}
}

func (h *HTTPServerService) String() string {
	return h.name
}
