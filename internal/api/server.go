// Package api provides the HTTP API of powerd.
//
// It exposes the power service to management front ends: listing systems,
// reading and changing power state, and the boot and virtual-media
// bookkeeping kept alongside each record.
//
// The server follows the same lifecycle pattern as other infrastructure components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/gray-logic-power/internal/device"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-power/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-power/internal/power"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// PowerService is the subset of *power.Service the API serves.
type PowerService interface {
	Systems(ctx context.Context) []string
	UUID(ctx context.Context, identity string) (string, error)
	Name(ctx context.Context, identity string) (string, error)
	PowerState(ctx context.Context, identity string) (device.PowerState, error)
	SetPowerState(ctx context.Context, identity, requested string) error
	BootDevice(ctx context.Context, identity string) (string, error)
	SetBootDevice(ctx context.Context, identity, bootDevice string) error
	BootMode(ctx context.Context, identity string) (string, error)
	SetBootMode(ctx context.Context, identity, bootMode string) error
	SecureBoot(ctx context.Context, identity string) (bool, error)
	SetSecureBoot(ctx context.Context, identity string, enabled bool) error
	BootImage(ctx context.Context, identity, bootDevice string) (device.BootImage, error)
	SetBootImage(ctx context.Context, identity, bootDevice, image string, opts ...power.BootImageOption) error
	NICs(ctx context.Context, identity string) ([]power.NIC, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Power   PowerService
	Version string
}

// Server is the HTTP API server for powerd.
type Server struct {
	cfg     config.APIConfig
	logger  *logging.Logger
	power   PowerService
	version string
	server  *http.Server
	addr    net.Addr
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Power == nil {
		return nil, fmt.Errorf("power service is required")
	}

	return &Server{
		cfg:     deps.Config,
		logger:  deps.Logger,
		power:   deps.Power,
		version: deps.Version,
	}, nil
}

// Start binds the listener and serves in a background goroutine. The
// listener is bound synchronously so a port conflict is returned here.
func (s *Server) Start(_ context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	ln, err := net.Listen("tcp", s.server.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.server.Addr, err)
	}
	s.addr = ln.Addr()

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	s.logger.Info("API server listening", "address", s.addr.String())
	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("api health check: %w", ctx.Err())
	default:
	}

	if s.server == nil {
		return fmt.Errorf("api server not started")
	}

	return nil
}
