package control

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// StatusSource lists the current status of every supervised service.
type StatusSource interface {
	ServiceStatuses() []domain.ServiceStatus
}

// ServerHandler publishes service statuses through the standard gRPC health
// service. Each service is registered under its own name; the empty name is
// SERVING only while every service is.
type ServerHandler struct {
	health *health.Server
	source StatusSource
	logger logging.Logger
}

func NewServerHandler(source StatusSource, logger logging.Logger) *ServerHandler {
	handler := &ServerHandler{
		health: health.NewServer(),
		source: source,
		logger: logger,
	}
	handler.Refresh()
	return handler
}

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, source StatusSource, logger logging.Logger) *ServerHandler {
	handler := NewServerHandler(source, logger)
	handler.Register(grpcServerRegistrar)
	return handler
}

func (h *ServerHandler) Register(grpcServerRegistrar grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(grpcServerRegistrar, h.health)
}

// Refresh copies the current statuses into the health server.
func (h *ServerHandler) Refresh() {
	all := true
	for _, status := range h.source.ServiceStatuses() {
		h.health.SetServingStatus(status.Name, servingStatus(status.Serving))
		all = all && status.Serving
	}
	h.health.SetServingStatus("", servingStatus(all))
	h.logger.Debugf("Status server handler refreshed")
}

// Status implements domain.Contract from the local health server.
func (h *ServerHandler) Status(ctx context.Context, service string) (domain.ServiceStatus, error) {
	response, err := h.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return domain.ServiceStatus{}, errors.NewNotFoundError("unknown service", err).WithContext(errors.ContextService, service)
	}
	return statusFromResponse(service, response), nil
}

// Shutdown marks every service NOT_SERVING ahead of server stop.
func (h *ServerHandler) Shutdown() {
	h.health.Shutdown()
}

// Resume undoes Shutdown.
func (h *ServerHandler) Resume() {
	h.health.Resume()
}

func servingStatus(serving bool) healthpb.HealthCheckResponse_ServingStatus {
	if serving {
		return healthpb.HealthCheckResponse_SERVING
	}
	return healthpb.HealthCheckResponse_NOT_SERVING
}

func statusFromResponse(service string, response *healthpb.HealthCheckResponse) domain.ServiceStatus {
	return domain.ServiceStatus{
		Name:    service,
		State:   response.GetStatus().String(),
		Serving: response.GetStatus() == healthpb.HealthCheckResponse_SERVING,
	}
}
