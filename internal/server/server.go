package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/l0p7/kmproxy/internal/config"
)

const shutdownTimeout = 5 * time.Second

// Server owns the plaintext and TLS listeners and orchestrates graceful shutdown.
type Server struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	httpsServer *http.Server
	once        sync.Once
}

// New prepares both listeners. The TLS listener is only built when
// listen.httpsPort is set, in which case cert is required.
func New(cfg config.Config, logger *slog.Logger, handler http.Handler, cert *tls.Certificate) (*Server, error) {
	if handler == nil {
		return nil, errors.New("server: handler required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	listen := cfg.Server.Listen
	s := &Server{
		cfg:    cfg,
		logger: logger.With(slog.String("agent", "lifecycle")),
	}
	if listen.HTTPPort > 0 {
		s.httpServer = newHTTPServer(net.JoinHostPort(listen.Address, strconv.Itoa(listen.HTTPPort)), handler)
	}
	if listen.HTTPSPort > 0 {
		if cert == nil {
			return nil, errors.New("server: tls listener requires a certificate")
		}
		s.httpsServer = newHTTPServer(net.JoinHostPort(listen.Address, strconv.Itoa(listen.HTTPSPort)), handler)
		s.httpsServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{*cert},
		}
	}
	if s.httpServer == nil && s.httpsServer == nil {
		return nil, errors.New("server: no listener configured")
	}
	return s, nil
}

func newHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// Run binds the configured ports and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	var plain, secure net.Listener
	var err error
	if s.httpServer != nil {
		if plain, err = net.Listen("tcp", s.httpServer.Addr); err != nil {
			return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
		}
	}
	if s.httpsServer != nil {
		if secure, err = net.Listen("tcp", s.httpsServer.Addr); err != nil {
			if plain != nil {
				_ = plain.Close()
			}
			return fmt.Errorf("server: listen %s: %w", s.httpsServer.Addr, err)
		}
	}
	return s.Serve(ctx, plain, secure)
}

// Serve runs the listeners on already bound sockets. A nil listener skips
// that server. Serve returns ctx.Err() after a clean shutdown, or the first
// listener failure.
func (s *Server) Serve(ctx context.Context, plain, secure net.Listener) error {
	if plain == nil && secure == nil {
		return errors.New("server: no listener to serve")
	}
	if plain != nil && s.httpServer == nil {
		return errors.New("server: plaintext listener not configured")
	}
	if secure != nil && s.httpsServer == nil {
		return errors.New("server: tls listener not configured")
	}
	g, gctx := errgroup.WithContext(ctx)
	if plain != nil {
		g.Go(func() error {
			s.logger.Info("http listener starting", slog.String("address", plain.Addr().String()))
			if err := s.httpServer.Serve(plain); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: http listener: %w", err)
			}
			return nil
		})
	}
	if secure != nil {
		g.Go(func() error {
			s.logger.Info("https listener starting", slog.String("address", secure.Addr().String()))
			if err := s.httpsServer.ServeTLS(secure, "", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server: https listener: %w", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// shutdown closes both listeners once, even under cascading cancellations.
func (s *Server) shutdown(ctx context.Context) error {
	var shutdownErr error
	s.once.Do(func() {
		s.logger.Info("listeners shutting down")
		var errs []error
		for _, srv := range []*http.Server{s.httpServer, s.httpsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		shutdownErr = errors.Join(errs...)
	})
	return shutdownErr
}
