package control

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
)

// DefaultRefreshInterval is how often statuses are copied into the health server.
const DefaultRefreshInterval = time.Second

// Server hosts the status surface. It implements suture.Service, so every
// Serve call builds a fresh grpc.Server around the same handler.
type Server struct {
	address         string
	refreshInterval time.Duration
	handler         *ServerHandler
	logger          logging.Logger

	mutex    sync.Mutex
	listener net.Listener
}

func NewServer(address string, source StatusSource, logger logging.Logger) *Server {
	return &Server{
		address:         address,
		refreshInterval: DefaultRefreshInterval,
		handler:         NewServerHandler(source, logger),
		logger:          logger,
	}
}

// Listen binds the address ahead of Serve and returns the bound address.
func (s *Server) Listen() (net.Addr, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.listener != nil {
		return s.listener.Addr(), nil
	}
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return nil, errors.NewIOError("failed to listen", err).WithContext("address", s.address)
	}
	s.listener = listener
	return listener.Addr(), nil
}

func (s *Server) Handler() *ServerHandler {
	return s.handler
}

// Serve runs until ctx is done, then marks everything NOT_SERVING and stops gracefully.
func (s *Server) Serve(ctx context.Context) error {
	addr, err := s.Listen()
	if err != nil {
		return err
	}
	s.mutex.Lock()
	listener := s.listener
	s.listener = nil
	s.mutex.Unlock()

	grpcServer := grpc.NewServer()
	s.handler.Register(grpcServer)
	s.handler.Resume()
	s.handler.Refresh()
	s.logger.Infof("Status server listening, address: %s", addr)

	errCh := make(chan error, 1)
	go func() {
		errCh <- grpcServer.Serve(listener)
	}()

	ticker := time.NewTicker(s.refreshInterval)
	defer ticker.Stop()

	for {
		select {
		case err := <-errCh:
			if err != nil {
				return errors.NewIOError("status server failed", err).WithContext("address", addr.String())
			}
			return nil
		case <-ticker.C:
			s.handler.Refresh()
		case <-ctx.Done():
			s.handler.Shutdown()
			grpcServer.GracefulStop()
			<-errCh
			s.logger.Infof("Status server stopped")
			return ctx.Err()
		}
	}
}

func (s *Server) String() string {
	return "status-server"
}
