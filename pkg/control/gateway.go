package control

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	grpcClient := healthpb.NewHealthClient(grpcClientConnection)
	return &grpcClientGateway{
		grpcClient: grpcClient,
		logger:     logger,
	}
}

type grpcClientGateway struct {
	grpcClient healthpb.HealthClient
	logger     logging.Logger
}

func (gw *grpcClientGateway) Status(ctx context.Context, service string) (domain.ServiceStatus, error) {
	response, err := gw.grpcClient.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return domain.ServiceStatus{Name: service, State: "UNKNOWN"}, nil
		}
		gw.logger.Errorf("Status client gateway: %v", err)
		return domain.ServiceStatus{}, err
	}
	gw.logger.Debugf("Status client gateway done, service: %s", service)
	return statusFromResponse(service, response), nil
}
