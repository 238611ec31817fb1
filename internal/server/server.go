// Package server hosts the two intake surfaces over one shared load
// path: an HTTP request-response API and an Arrow Flight streaming
// endpoint. Both resolve routing from the same config store and drive
// the same transactional loader.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/arrowport/arrowport/pkg/backend/delta"
	"github.com/arrowport/arrowport/pkg/config"
	"github.com/arrowport/arrowport/pkg/loader"
)

// Server runs the HTTP and Flight intakes plus the config hot-reload
// watcher until its context is cancelled.
type Server struct {
	cfg    config.ServerConfig
	echo   *echo.Echo
	flight flight.Server
	store  *config.Store
	logger *zap.Logger
}

// New wires the intake surfaces over the given loader and stores.
func New(cfg config.ServerConfig, store *config.Store, ld *loader.Loader, deltaStore *delta.Store, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	e := newEcho(logger)
	h := &httpHandler{loader: ld, cfg: store, delta: deltaStore, logger: logger}
	h.register(e)

	fs := flight.NewServerWithMiddleware(nil)
	fs.RegisterFlightService(&flightService{loader: ld, cfg: store, logger: logger})
	if err := fs.Init(cfg.FlightAddr); err != nil {
		return nil, err
	}

	return &Server{
		cfg:    cfg,
		echo:   e,
		flight: fs,
		store:  store,
		logger: logger,
	}, nil
}

// FlightAddr reports the bound Flight listener address. Useful when the
// configured address uses port 0.
func (s *Server) FlightAddr() string {
	return s.flight.Addr().String()
}

// Run serves both intakes and watches the stream definition source for
// changes. It blocks until ctx is cancelled or a listener fails, then
// shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.logger.Info("http intake listening", zap.String("addr", s.cfg.HTTPAddr))
		if err := s.echo.Start(s.cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		s.logger.Info("flight intake listening", zap.String("addr", s.FlightAddr()))
		return s.flight.Serve()
	})

	g.Go(func() error {
		return s.store.Watch(ctx)
	})

	g.Go(func() error {
		<-ctx.Done()
		s.shutdown()
		return nil
	})

	return g.Wait()
}

func (s *Server) shutdown() {
	s.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.flight.Shutdown()
}
