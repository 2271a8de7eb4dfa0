// Package api serves cached CI results over HTTP.
package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/rust-gcc/bottlecache/pkg/cache"
	"github.com/rust-gcc/bottlecache/pkg/config"
	"github.com/rust-gcc/bottlecache/pkg/history"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the API HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
}

// ResultCache is the read side of the result cache.
type ResultCache interface {
	// Snapshot returns the records, updating them first when stale.
	Snapshot(ctx context.Context) (cache.Snapshot, error)
	// Current returns the committed records without updating.
	Current() cache.Snapshot
	Status() cache.Status
}

// CycleLister lists recorded update cycles, newest first.
type CycleLister interface {
	ListCycles(ctx context.Context, limit int) ([]history.Cycle, error)
}

// Options holds the optional collaborators of a Server.
type Options struct {
	// Cycles enables the cycle history endpoint.
	Cycles CycleLister
	// Refresher is started once the listener is up. Without one the
	// server warms the cache with a single snapshot instead.
	Refresher cache.Refresher
	// Registry receives the HTTP collectors and is exposed on /metrics.
	Registry *prometheus.Registry
}

// Compile-time interface check.
var _ Server = (*server)(nil)

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	results    ResultCache
	cycles     CycleLister
	refresher  cache.Refresher
	registry   *prometheus.Registry
	metrics    *httpMetrics
	httpServer *http.Server
	addr       net.Addr
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	done       chan struct{}
	stopOnce   sync.Once
}

// NewServer creates a new API server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	results ResultCache,
	opts Options,
) (Server, error) {
	return newServer(log, cfg, results, opts)
}

func newServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	results ResultCache,
	opts Options,
) (*server, error) {
	s := &server{
		log:       log.WithField("component", "api"),
		cfg:       cfg,
		results:   results,
		cycles:    opts.Cycles,
		refresher: opts.Refresher,
		registry:  opts.Registry,
		done:      make(chan struct{}),
	}

	if opts.Registry != nil {
		m, err := newHTTPMetrics(opts.Registry)
		if err != nil {
			return nil, fmt.Errorf("registering http metrics: %w", err)
		}

		s.metrics = m
	}

	return s, nil
}

// Start binds the listener, serves the API and then starts keeping the
// cache warm.
func (s *server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.buildRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.addr = ln.Addr()

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.log.WithField("listen", s.addr.String()).Info("API server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			err != http.ErrServerClosed {
			s.log.WithError(err).Error("HTTP server error")
		}
	}()

	// The first update can take a while; the API answers meanwhile.
	if s.refresher != nil {
		if err := s.refresher.Start(ctx); err != nil {
			return fmt.Errorf("starting refresher: %w", err)
		}

		return nil
	}

	warmCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		s.warm(warmCtx)
	}()

	return nil
}

func (s *server) warm(ctx context.Context) {
	snap, err := s.results.Snapshot(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Initial cache update failed")

		return
	}

	s.log.WithField("records", len(snap.Records)).Info("Cache warmed")
}

// Stop gracefully shuts down the HTTP server and the refresher.
func (s *server) Stop() error {
	s.stopOnce.Do(func() { close(s.done) })

	if s.cancel != nil {
		s.cancel()
	}

	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	s.wg.Wait()

	if s.refresher != nil {
		if err := s.refresher.Stop(); err != nil {
			s.log.WithError(err).Warn("Refresher stop error")
		}
	}

	s.log.Info("API server stopped")

	return nil
}
