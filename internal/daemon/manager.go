// Package daemon owns the process lifecycle: worker supervision, the HTTP
// listeners and ordered graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	hblog "github.com/mkaserer/hookbook/internal/log"
)

// ShutdownHook performs cleanup during graceful shutdown. Hooks run in
// reverse registration order (LIFO).
type ShutdownHook func(ctx context.Context) error

// Options configures the daemon manager.
type Options struct {
	APIAddr         string
	APIHandler      http.Handler
	MetricsAddr     string
	MetricsHandler  http.Handler
	ShutdownTimeout time.Duration
}

type namedHook struct {
	name string
	hook ShutdownHook
}

type worker struct {
	name string
	run  func(ctx context.Context) error
}

// Manager supervises the long-running goroutines and HTTP servers and tears
// everything down in order when the root context ends or a part fails.
type Manager struct {
	opts Options

	workers []worker

	apiServer     *http.Server
	metricsServer *http.Server

	mu       sync.Mutex
	hooks    []namedHook
	started  bool
	stopping bool

	logger zerolog.Logger
}

// NewManager creates a manager. Workers and hooks are registered before Start.
func NewManager(opts Options) *Manager {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 10 * time.Second
	}
	return &Manager{
		opts:   opts,
		logger: hblog.WithComponent("daemon"),
	}
}

// AddWorker registers a long-running loop. The run function must return
// promptly once its context is cancelled; a non-cancellation error from any
// worker brings the daemon down.
func (m *Manager) AddWorker(name string, run func(ctx context.Context) error) {
	m.workers = append(m.workers, worker{name: name, run: run})
}

// RegisterShutdownHook registers cleanup to run during shutdown, LIFO.
func (m *Manager) RegisterShutdownHook(name string, hook ShutdownHook) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hooks = append(m.hooks, namedHook{name: name, hook: hook})
	m.logger.Debug().Str("hook", name).Msg("registered shutdown hook")
}

// Start runs everything and blocks until the context is cancelled or a
// worker or server fails, then performs a bounded graceful shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errors.New("manager already started")
	}
	m.started = true
	m.mu.Unlock()

	workCtx, cancelWorkers := context.WithCancel(ctx)
	defer cancelWorkers()

	g, gctx := errgroup.WithContext(workCtx)
	for _, w := range m.workers {
		w := w
		m.logger.Info().Str("worker", w.name).Msg("starting worker")
		g.Go(func() error {
			err := w.run(gctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("worker %s: %w", w.name, err)
			}
			return nil
		})
	}

	errChan := make(chan error, 2)
	m.startMetricsServer(errChan)
	m.startAPIServer(errChan)

	workerFailed := make(chan error, 1)
	go func() {
		if err := g.Wait(); err != nil {
			workerFailed <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		m.logger.Info().Str("event", "daemon.shutdown_signal").Msg("shutdown signal received")
	case err := <-errChan:
		m.logger.Error().Err(err).Str("event", "daemon.server_failed").Msg("server failed, shutting down")
		runErr = err
	case err := <-workerFailed:
		m.logger.Error().Err(err).Str("event", "daemon.worker_failed").Msg("worker failed, shutting down")
		runErr = err
	}

	cancelWorkers()
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.ShutdownTimeout)
	defer cancel()

	// Bounded join of the worker group; a stuck worker must not block exit.
	waitDone := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-shutdownCtx.Done():
		m.logger.Warn().Str("event", "daemon.worker_join_timeout").Msg("workers did not stop in time")
	}

	if err := m.shutdown(shutdownCtx); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func (m *Manager) startAPIServer(errChan chan<- error) {
	if m.opts.APIAddr == "" || m.opts.APIHandler == nil {
		return
	}
	m.apiServer = &http.Server{
		Addr:              m.opts.APIAddr,
		Handler:           m.opts.APIHandler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		m.logger.Info().Str("addr", m.opts.APIAddr).Msg("API server listening")
		if err := m.apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("api server: %w", err)
		}
	}()
}

func (m *Manager) startMetricsServer(errChan chan<- error) {
	if m.opts.MetricsAddr == "" || m.opts.MetricsHandler == nil {
		return
	}
	m.metricsServer = &http.Server{
		Addr:              m.opts.MetricsAddr,
		Handler:           m.opts.MetricsHandler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		m.logger.Info().Str("addr", m.opts.MetricsAddr).Msg("metrics server listening")
		if err := m.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()
}

func (m *Manager) shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.stopping {
		m.mu.Unlock()
		return nil
	}
	m.stopping = true
	hooks := make([]namedHook, len(m.hooks))
	copy(hooks, m.hooks)
	m.mu.Unlock()

	var errs []error

	if m.apiServer != nil {
		if err := m.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server shutdown: %w", err))
		}
	}
	if m.metricsServer != nil {
		if err := m.metricsServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("metrics server shutdown: %w", err))
		}
	}

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		start := time.Now()
		if err := h.hook(ctx); err != nil {
			m.logger.Error().
				Err(err).
				Str("hook", h.name).
				Dur("duration", time.Since(start)).
				Msg("shutdown hook failed")
			errs = append(errs, fmt.Errorf("hook %s: %w", h.name, err))
			continue
		}
		m.logger.Debug().
			Str("hook", h.name).
			Dur("duration", time.Since(start)).
			Msg("shutdown hook completed")
	}

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	m.logger.Info().Str("event", "daemon.stopped").Msg("daemon stopped cleanly")
	return nil
}
