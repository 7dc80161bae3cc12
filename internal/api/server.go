// Package api exposes relay control and schedule management over HTTP.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/relay-controller/internal/modbus"
	"github.com/thatsimonsguy/relay-controller/internal/model"
	"github.com/thatsimonsguy/relay-controller/internal/reconciler"
	"github.com/thatsimonsguy/relay-controller/internal/tz"
)

const gracefulShutdownTimeout = 10 * time.Second

// Device is the part of the bus client the handlers use directly. Relay
// reads and writes go through the reconciler so history and cached state
// stay current.
type Device interface {
	Slaves() []model.SlaveAddress
	SlaveByID(id model.SlaveAddress) (model.SlaveAddress, bool)
	State() modbus.State
	Blink(ctx context.Context, ref model.RelayRef, d time.Duration) error
}

type Deps struct {
	Device     Device
	Reconciler *reconciler.Reconciler
	Zone       *tz.Zone
	// History is optional; without it the history route returns 404.
	History *sql.DB
	// Metrics is mounted at /metrics when set.
	Metrics http.Handler
}

type Server struct {
	device  Device
	rec     *reconciler.Reconciler
	zone    *tz.Zone
	history *sql.DB
	metrics http.Handler
	server  *http.Server
}

func New(deps Deps) (*Server, error) {
	if deps.Device == nil {
		return nil, fmt.Errorf("device is required")
	}
	if deps.Reconciler == nil {
		return nil, fmt.Errorf("reconciler is required")
	}
	if deps.Zone == nil {
		return nil, fmt.Errorf("zone is required")
	}
	return &Server{
		device:  deps.Device,
		rec:     deps.Reconciler,
		zone:    deps.Zone,
		history: deps.History,
		metrics: deps.Metrics,
	}, nil
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start listens on addr in the background. Listen errors are returned
// immediately; serve errors after that are logged.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Info().Str("address", ln.Addr().String()).Msg("Starting REST API server")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("API server stopped unexpectedly")
		}
	}()
	return nil
}

// Close drains in-flight requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown api server: %w", err)
	}
	log.Info().Msg("API server stopped")
	return nil
}
