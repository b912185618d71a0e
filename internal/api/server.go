// Package api serves the daemon's local control API over a unix socket.
//
// Routes:
//
//	PUT  /v1/policy          replace the rule set (raw body)
//	POST /v1/files           register downloaded files
//	POST /v1/access          request access; the connection becomes the lifeline
//	POST /v1/transfer/check  list paths that may not move to a destination
//	POST /v1/provenance      look up recorded origins
//	GET  /v1/errors          per-kind error counters
//	GET  /healthz            engine status
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sys/unix"

	"github.com/roach88/dlpd/internal/engine"
)

// DefaultMaxBodyBytes bounds request bodies.
const DefaultMaxBodyBytes = 4 << 20

// Engine is the part of the decision engine the API drives.
type Engine interface {
	SetPolicy(ctx context.Context, rules []byte) error
	RegisterFiles(ctx context.Context, regs []engine.Registration) error
	RequestAccess(ctx context.Context, req engine.AccessRequest) (engine.AccessResult, error)
	CheckTransfer(ctx context.Context, req engine.TransferCheck) ([]string, error)
	GetProvenance(ctx context.Context, q engine.ProvenanceQuery) ([]engine.Provenance, error)
	Status(ctx context.Context) (engine.Status, error)
	Errors() map[engine.ErrorKind]int64
}

// Server is the HTTP surface over an Engine.
type Server struct {
	engine       Engine
	log          *slog.Logger
	maxBodyBytes int64
	router       chi.Router

	peerCred func(net.Conn) (*unix.Ucred, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes.
func WithMaxBodyBytes(n int64) Option {
	return func(s *Server) { s.maxBodyBytes = n }
}

// withPeerCredentials replaces the SO_PEERCRED lookup.
func withPeerCredentials(fn func(net.Conn) (*unix.Ucred, error)) Option {
	return func(s *Server) { s.peerCred = fn }
}

// New builds the router.
func New(eng Engine, opts ...Option) *Server {
	s := &Server{
		engine:       eng,
		log:          slog.Default(),
		maxBodyBytes: DefaultMaxBodyBytes,
		peerCred:     peerCredentials,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestIDMiddleware)
	r.Use(s.logMiddleware)
	r.Use(s.limitRequestBodyMiddleware)

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Put("/policy", s.handleSetPolicy)
		r.Post("/files", s.handleRegisterFiles)
		r.Post("/access", s.handleRequestAccess)
		r.Post("/transfer/check", s.handleCheckTransfer)
		r.Post("/provenance", s.handleProvenance)
		r.Get("/errors", s.handleErrors)
	})
	s.router = r
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenUnix binds the socket at path, replacing a stale socket file left
// by a previous run.
func ListenUnix(path string) (net.Listener, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", path, err)
	}
	if err := os.Chmod(path, 0o660); err != nil {
		ln.Close()
		return nil, fmt.Errorf("chmod %s: %w", path, err)
	}
	return ln, nil
}

// Serve handles requests on ln until ctx is cancelled, then shuts down.
// Hijacked access connections are not tracked by the server and stay open
// for as long as their grants live.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.log.Info("api listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api shutdown: %w", err)
		}
		s.log.Info("api stopped")
		return nil
	}
}
