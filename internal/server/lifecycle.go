// Package server runs the relay's long-lived services: ordered start, reverse
// stop on SIGINT/SIGTERM, then release of shared resources.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Service is a long-running component. Start blocks until Stop is called or
// the service fails.
type Service interface {
	Start() error
	Stop()
}

// FuncService adapts a start/stop function pair into a Service.
type FuncService struct {
	StartFn func() error
	StopFn  func()
}

// Start calls StartFn.
func (f *FuncService) Start() error { return f.StartFn() }

// Stop calls StopFn.
func (f *FuncService) Stop() { f.StopFn() }

// Lifecycle starts services in registration order and stops them in reverse.
// Cleanup funcs run after every service has stopped, also in reverse order.
type Lifecycle struct {
	logger   *zap.Logger
	signals  []os.Signal
	mu       sync.Mutex
	services []namedService
	cleanups []namedCleanup
}

type namedService struct {
	name    string
	service Service
}

type namedCleanup struct {
	name string
	fn   func()
}

// NewLifecycle creates a Lifecycle that shuts down on SIGINT or SIGTERM.
//
// Precondition: logger must be non-nil.
func NewLifecycle(logger *zap.Logger) *Lifecycle {
	return &Lifecycle{
		logger:  logger,
		signals: []os.Signal{syscall.SIGINT, syscall.SIGTERM},
	}
}

// Add registers a named service.
//
// Precondition: name must be non-empty; svc must be non-nil.
func (l *Lifecycle) Add(name string, svc Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, namedService{name: name, service: svc})
}

// OnShutdown registers fn to run once all services have stopped.
func (l *Lifecycle) OnShutdown(name string, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cleanups = append(l.cleanups, namedCleanup{name: name, fn: fn})
}

// Run starts all services and blocks until a signal arrives, ctx is cancelled
// or a service fails.
//
// Postcondition: every service has stopped and returned from Start, and every
// cleanup has run. Returns the first service failure, or nil.
func (l *Lifecycle) Run(ctx context.Context) error {
	start := time.Now()

	l.mu.Lock()
	services := append([]namedService(nil), l.services...)
	cleanups := append([]namedCleanup(nil), l.cleanups...)
	l.mu.Unlock()

	ctx, stop := signal.NotifyContext(ctx, l.signals...)
	defer stop()

	errCh := make(chan error, len(services))
	var running sync.WaitGroup
	for _, ns := range services {
		ns := ns
		running.Add(1)
		go func() {
			defer running.Done()
			l.logger.Info("starting service", zap.String("service", ns.name))
			svcStart := time.Now()
			if err := ns.service.Start(); err != nil {
				l.logger.Error("service failed",
					zap.String("service", ns.name),
					zap.Error(err),
					zap.Duration("uptime", time.Since(svcStart)),
				)
				errCh <- fmt.Errorf("service %s: %w", ns.name, err)
			}
		}()
	}

	l.logger.Info("all services started",
		zap.Int("count", len(services)),
		zap.Duration("startup", time.Since(start)),
	)

	var runErr error
	select {
	case err := <-errCh:
		runErr = err
		l.logger.Error("service error, shutting down", zap.Error(err))
	case <-ctx.Done():
		l.logger.Info("shutdown requested", zap.Error(context.Cause(ctx)))
	}

	l.shutdown(services, cleanups, &running)

	l.logger.Info("shutdown complete",
		zap.Duration("total_uptime", time.Since(start)),
	)
	return runErr
}

func (l *Lifecycle) shutdown(services []namedService, cleanups []namedCleanup, running *sync.WaitGroup) {
	shutdownStart := time.Now()
	for i := len(services) - 1; i >= 0; i-- {
		ns := services[i]
		svcStart := time.Now()
		l.logger.Info("stopping service", zap.String("service", ns.name))
		ns.service.Stop()
		l.logger.Info("service stopped",
			zap.String("service", ns.name),
			zap.Duration("elapsed", time.Since(svcStart)),
		)
	}
	running.Wait()

	for i := len(cleanups) - 1; i >= 0; i-- {
		l.logger.Info("releasing resource", zap.String("resource", cleanups[i].name))
		cleanups[i].fn()
	}
	l.logger.Info("all services stopped",
		zap.Duration("shutdown_elapsed", time.Since(shutdownStart)),
	)
}
