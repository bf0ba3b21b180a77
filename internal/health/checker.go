package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status represents the health status of a component.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const checkTimeout = 5 * time.Second

// DegradedError marks a check failure as degraded rather than down.
// A degraded component still serves requests but needs attention.
type DegradedError struct {
	Reason string
}

func (e *DegradedError) Error() string {
	return e.Reason
}

// Degraded creates a degraded-severity check error.
func Degraded(format string, args ...interface{}) error {
	return &DegradedError{Reason: fmt.Sprintf(format, args...)}
}

// Check is the recorded result of a single health check run.
type Check struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
	DurationMS  float64   `json:"duration_ms"`
}

// Checker is implemented by components that can report their health.
type Checker interface {
	Name() string
	Check(ctx context.Context) error
}

// Manager runs registered checkers and caches their latest results.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	results  map[string]*Check
	logger   *logrus.Logger
}

// NewManager creates a new health check manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		results: make(map[string]*Check),
		logger:  logger,
	}
}

// Register adds a checker. Not safe to call after checks have started.
func (m *Manager) Register(checker Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
	m.logger.WithField("checker", checker.Name()).Debug("Registered health checker")
}

// RunChecks executes every registered checker concurrently and returns
// the fresh results. Each checker gets its own timeout so one stuck
// dependency does not hide the others.
func (m *Manager) RunChecks(ctx context.Context) map[string]*Check {
	m.mu.RLock()
	checkers := make([]Checker, len(m.checkers))
	copy(checkers, m.checkers)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	fresh := make([]*Check, len(checkers))

	for i, checker := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			fresh[i] = m.runOne(ctx, c)
		}(i, checker)
	}
	wg.Wait()

	results := make(map[string]*Check, len(fresh))
	m.mu.Lock()
	for _, check := range fresh {
		results[check.Name] = check
		m.results[check.Name] = check
	}
	m.mu.Unlock()

	return results
}

func (m *Manager) runOne(ctx context.Context, c Checker) *Check {
	checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	err := c.Check(checkCtx)
	elapsed := time.Since(start)

	check := &Check{
		Name:        c.Name(),
		Status:      StatusOK,
		LastChecked: time.Now(),
		DurationMS:  float64(elapsed.Microseconds()) / 1000.0,
	}

	if err != nil {
		var degraded *DegradedError
		if errors.As(err, &degraded) {
			check.Status = StatusDegraded
		} else {
			check.Status = StatusDown
		}
		if errors.Is(err, context.DeadlineExceeded) {
			check.Message = "health check timed out"
		} else {
			check.Message = err.Error()
		}
		m.logger.WithFields(logrus.Fields{
			"checker":  c.Name(),
			"status":   check.Status,
			"duration": elapsed,
		}).Warn(check.Message)
	}

	return check
}

// GetResults returns a copy of the latest cached results.
func (m *Manager) GetResults() map[string]*Check {
	m.mu.RLock()
	defer m.mu.RUnlock()

	results := make(map[string]*Check, len(m.results))
	for name, check := range m.results {
		copied := *check
		results[name] = &copied
	}
	return results
}

// GetOverallStatus folds the cached results into a single status. Down
// wins over degraded, degraded over ok. No results yet means down.
func (m *Manager) GetOverallStatus() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.results) == 0 {
		return StatusDown
	}

	overall := StatusOK
	for _, check := range m.results {
		switch check.Status {
		case StatusDown:
			return StatusDown
		case StatusDegraded:
			overall = StatusDegraded
		}
	}
	return overall
}

// StartPeriodicChecks runs all checks immediately and then on every
// tick until ctx is cancelled. Blocks; run it in a goroutine.
func (m *Manager) StartPeriodicChecks(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunChecks(ctx)

	for {
		select {
		case <-ticker.C:
			m.RunChecks(ctx)
		case <-ctx.Done():
			m.logger.Info("Stopping periodic health checks")
			return
		}
	}
}
