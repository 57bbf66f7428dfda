package webchat

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Server drives the HTTP server, the session eviction loop and the profiles
// watcher as one lifecycle.
type Server struct {
	baseCtx context.Context
	router  *Router
	httpSrv *http.Server
	backend StreamBackend
}

// NewServer builds the http.Server for r. backend is closed on shutdown and
// may be nil.
func NewServer(ctx context.Context, addr string, r *Router, backend StreamBackend) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	if r == nil {
		return nil, errors.New("router is nil")
	}
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if r.streamHub != nil {
		r.registry.SetEvictionGuard(r.streamHub.HasWatchers)
	}
	return &Server{baseCtx: ctx, router: r, httpSrv: httpSrv, backend: backend}, nil
}

func (s *Server) Router() *Router { return s.router }

func (s *Server) HTTPServer() *http.Server {
	if s == nil {
		return nil
	}
	return s.httpSrv
}

// Run serves until ctx is cancelled, SIGINT/SIGTERM arrives or the listener
// fails, then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	if s == nil || s.router == nil || s.httpSrv == nil {
		return errors.New("server is not initialized")
	}
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()

	s.router.registry.StartEvictionLoop(srvCtx)

	if p := s.router.profiles; p != nil {
		eg.Go(func() error {
			if err := p.Watch(srvCtx); err != nil {
				log.Warn().Err(err).Str("component", "webchat").Msg("profiles watcher stopped")
			}
			return nil
		})
	}

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sigChan)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := s.httpSrv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		if s.router.streamHub != nil {
			s.router.streamHub.Close()
		}
		s.router.registry.Close(shutdownCtx)
		if s.backend != nil {
			if err := s.backend.Close(); err != nil {
				log.Error().Err(err).Msg("stream backend close error")
			}
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("starting assistant-relay server")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			srvCancel()
			return err
		}
		return nil
	})

	return eg.Wait()
}
