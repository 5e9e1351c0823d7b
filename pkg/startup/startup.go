// Package startup brings process dependencies up in dependency order, retrying with fibonacci
// backoff, and tears them down in reverse.
package startup

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
)

type StartupDependency interface {
	GetName() string
	DependsOn() []string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type StartupStatus int

const (
	StartupStatusPending StartupStatus = iota
	StartupStatusStarted
	StartupStatusStopped
	StartupStatusFailed
)

// Dependency is a StartupDependency built from functions. A nil StopFunc is a no-op.
type Dependency struct {
	Name      string
	Requires  []string
	StartFunc func(ctx context.Context) error
	StopFunc  func(ctx context.Context) error
}

func (d Dependency) GetName() string     { return d.Name }
func (d Dependency) DependsOn() []string { return d.Requires }

func (d Dependency) Start(ctx context.Context) error {
	if d.StartFunc == nil {
		return nil
	}
	return d.StartFunc(ctx)
}

func (d Dependency) Stop(ctx context.Context) error {
	if d.StopFunc == nil {
		return nil
	}
	return d.StopFunc(ctx)
}

type Startup struct {
	dependencies map[string]StartupDependency
	// order is registration order; starts follow it, stops reverse the actual start order.
	order       []string
	started     []string
	logger      ectologger.Logger
	statuses    map[string]StartupStatus
	attempt     int
	maxAttempts int
	wait        func(ctx context.Context, d time.Duration) error
}

func NewStartup(logger ectologger.Logger, maxAttempts int) *Startup {
	return &Startup{
		logger:       logger,
		dependencies: make(map[string]StartupDependency),
		statuses:     make(map[string]StartupStatus),
		maxAttempts:  maxAttempts,
		wait:         sleep,
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (s *Startup) AddDependency(dependency StartupDependency) {
	if _, exists := s.dependencies[dependency.GetName()]; !exists {
		s.order = append(s.order, dependency.GetName())
	}
	s.dependencies[dependency.GetName()] = dependency
}

func (s *Startup) Status(name string) StartupStatus {
	return s.statuses[name]
}

func (s *Startup) Start(ctx context.Context) error {
	s.attempt = 0
	var lastErr error

	// Fibonacci backoff sequence
	a, b := 1, 1
	for s.attempt < s.maxAttempts {
		s.attempt++
		s.logger.WithField("attempt", s.attempt).Infof("Beginning startup attempt %d", s.attempt)

		success := true
		for _, name := range s.order {
			if err := s.startDependency(ctx, name, nil); err != nil {
				s.logger.WithError(err).Errorf("Startup dependency '%s' attempt %d failed", name, s.attempt)
				lastErr = err
				success = false
				break
			}
		}

		if success {
			return nil
		}

		if s.attempt >= s.maxAttempts {
			return fmt.Errorf("startup failed after %d attempts: %w", s.attempt, lastErr)
		}

		s.logger.Infof("Retrying in %d seconds (attempt %d/%d)", a, s.attempt, s.maxAttempts)
		if err := s.wait(ctx, time.Duration(a)*time.Second); err != nil {
			return err
		}

		a, b = b, a+b
	}

	return lastErr
}

func (s *Startup) startDependency(ctx context.Context, name string, visiting []string) error {
	if s.statuses[name] == StartupStatusStarted {
		return nil
	}
	for _, v := range visiting {
		if v == name {
			return fmt.Errorf("startup dependency cycle at '%s'", name)
		}
	}

	dependency, ok := s.dependencies[name]
	if !ok {
		return fmt.Errorf("unknown startup dependency '%s'", name)
	}

	for _, required := range dependency.DependsOn() {
		if err := s.startDependency(ctx, required, append(visiting, name)); err != nil {
			return err
		}
	}

	s.logger.WithField("dependency", name).Infof("Starting dependency '%s'", name)
	s.statuses[name] = StartupStatusPending
	if err := dependency.Start(ctx); err != nil {
		s.statuses[name] = StartupStatusFailed
		s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to start dependency '%s'", name)
		return err
	}
	s.statuses[name] = StartupStatusStarted
	s.started = append(s.started, name)
	return nil
}

// Stop stops every started dependency in reverse start order. It keeps going after a failure and
// returns the first error.
func (s *Startup) Stop(ctx context.Context) error {
	var firstErr error
	for i := len(s.started) - 1; i >= 0; i-- {
		name := s.started[i]
		if s.statuses[name] != StartupStatusStarted {
			continue
		}

		s.logger.WithField("dependency", name).Infof("Stopping dependency '%s'", name)
		if err := s.dependencies[name].Stop(ctx); err != nil {
			s.logger.WithError(err).WithField("dependency", name).Errorf("Failed to stop dependency '%s'", name)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.statuses[name] = StartupStatusStopped
		s.logger.WithField("dependency", name).Infof("Dependency '%s' stopped", name)
	}
	s.started = nil
	return firstErr
}
