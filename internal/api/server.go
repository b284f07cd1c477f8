package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nerrad567/dkn-bridge/internal/cloud"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/config"
	"github.com/nerrad567/dkn-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// Session is the view of the cloud session the API reads.
// *cloud.Manager satisfies it.
type Session interface {
	Status() cloud.Status
	Devices() []*cloud.Twin
	Device(mac string) (*cloud.Twin, bool)
	OnDevicesChanged(fn func([]*cloud.Twin)) func()
}

// Executor applies a command to a device. *relay.Relay satisfies it.
type Executor interface {
	Execute(mac string, cmd cloud.Command) error
}

// HealthChecker reports the health of an infrastructure component.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config  config.APIConfig
	Logger  *logging.Logger
	Session Session

	// Optional. Without an Executor commands go straight to the twin.
	Executor Executor
	MQTT     HealthChecker
	InfluxDB HealthChecker
	Metrics  http.Handler

	Version string
}

// Server is the HTTP API server of the bridge.
type Server struct {
	cfg      config.APIConfig
	logger   *logging.Logger
	session  Session
	executor Executor
	mqtt     HealthChecker
	influx   HealthChecker
	metrics  http.Handler
	version  string
	server   *http.Server
	hub      *Hub
	cancel   context.CancelFunc
}

// New creates a new API server with the given dependencies.
//
// The server is not started until Start() is called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Session == nil {
		return nil, fmt.Errorf("cloud session is required")
	}

	return &Server{
		cfg:      deps.Config,
		logger:   deps.Logger,
		session:  deps.Session,
		executor: deps.Executor,
		mqtt:     deps.MQTT,
		influx:   deps.InfluxDB,
		metrics:  deps.Metrics,
		version:  deps.Version,
	}, nil
}

// Start begins listening for HTTP connections.
//
// It starts the WebSocket hub and the twin watcher, then launches the
// HTTP listener in a background goroutine. Stop the server with Close().
func (s *Server) Start(ctx context.Context) error {
	s.startHub(ctx)

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server starting", "address", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// startHub creates the hub and begins streaming twin changes into it
// until Close is called.
func (s *Server) startHub(ctx context.Context) {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)

	s.hub = NewHub(s.cfg.WebSocket, s.logger)
	go s.hub.Run(srvCtx)
	s.watchDevices(srvCtx)
}

// Close gracefully shuts down the API server.
//
// It waits up to 10 seconds for in-flight requests to complete,
// then forcefully closes remaining connections.
func (s *Server) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
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
