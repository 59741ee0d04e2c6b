package web

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/study-chat/pkg/lifecycle"
	"github.com/go-go-golems/study-chat/pkg/session"
)

const shutdownTimeout = 30 * time.Second

type ServerOptions struct {
	Addr    string
	Manager *session.Manager
	Hub     *Hub
	Bus     *lifecycle.Bus
	Logger  zerolog.Logger
	// Closers run in order after the HTTP server has drained and the
	// countdowns have stopped.
	Closers []io.Closer
}

// Server drives the HTTP server, the lifecycle fan-out and session eviction.
type Server struct {
	httpSrv *http.Server
	mgr     *session.Manager
	hub     *Hub
	bus     *lifecycle.Bus
	closers []io.Closer
	log     zerolog.Logger
}

func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Manager == nil || opts.Hub == nil || opts.Bus == nil {
		return nil, errors.New("web server: manager, hub and bus are required")
	}
	if opts.Addr == "" {
		opts.Addr = ":8080"
	}
	handler := NewHandler(HandlerOptions{
		Manager:  opts.Manager,
		Hub:      opts.Hub,
		Logger:   opts.Logger,
		Upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	})
	return &Server{
		httpSrv: &http.Server{
			Addr:              opts.Addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		mgr:     opts.Manager,
		hub:     opts.Hub,
		bus:     opts.Bus,
		closers: opts.Closers,
		log:     opts.Logger.With().Str("component", "server").Logger(),
	}, nil
}

func (s *Server) Handler() http.Handler { return s.httpSrv.Handler }

// Run serves until ctx is done or SIGINT/SIGTERM arrives, then shuts down
// gracefully within 30 seconds.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	events, err := s.bus.Subscribe(srvCtx)
	if err != nil {
		return errors.Wrap(err, "subscribe lifecycle events")
	}

	eg := errgroup.Group{}

	eg.Go(func() error { return s.hub.Run(srvCtx, events) })
	eg.Go(func() error { return s.mgr.RunEvictionLoop(srvCtx) })

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			s.log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if err := s.mgr.StopCountdowns(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("countdown shutdown error")
		}
		if err := s.bus.Close(); err != nil {
			s.log.Error().Err(err).Msg("lifecycle bus close error")
		}
		for _, c := range s.closers {
			if err := c.Close(); err != nil {
				s.log.Error().Err(err).Msg("close error")
			}
		}
		s.log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		s.log.Info().Str("addr", s.httpSrv.Addr).Msg("starting study-chat server")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
