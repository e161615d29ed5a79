package domain

import (
	"context"
)

// ServiceStatus is the externally visible status of one supervised service.
type ServiceStatus struct {
	Name    string
	State   string
	Serving bool
}

// Contract is the status surface shared by the gRPC server handler and the
// client gateway. An empty service name refers to the supervisor as a whole.
type Contract interface {
	Status(ctx context.Context, service string) (ServiceStatus, error)
}
