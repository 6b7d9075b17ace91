// Package health provides automated health checks with auto-recovery.
// Checks run every 60 seconds and publish their results as gauges.
package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/vitalis-health/vitalis/internal/infra/governor"
	"github.com/vitalis-health/vitalis/internal/infra/metrics"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
)

// maxRelayBacklog is the override count past which the registry sync is
// considered wedged.
const maxRelayBacklog = 500

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
}

// NewChecker creates a health checker with the standard checks. The governor
// may be nil when the daemon runs store-only.
func NewChecker(db *sqlite.DB, gov *governor.Governor, dataDir string) *Checker {
	return &Checker{
		interval: 60 * time.Second,
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			{
				Name: "data_dir",
				CheckFn: func(ctx context.Context) error {
					return checkDataDir(dataDir)
				},
				RecoverFn: func(ctx context.Context) error {
					return os.MkdirAll(dataDir, 0700)
				},
			},
			{
				Name: "vram_governor",
				CheckFn: func(ctx context.Context) error {
					if gov == nil {
						return nil
					}
					used, _, _ := gov.Snapshot()
					if used < 0 || used > gov.BudgetMB() {
						return fmt.Errorf("lease accounting out of range: %d MB of %d", used, gov.BudgetMB())
					}
					return nil
				},
			},
			{
				Name: "relay_backlog",
				CheckFn: func(ctx context.Context) error {
					cursor, err := db.RelayCursor()
					if err != nil {
						return fmt.Errorf("read relay cursor: %w", err)
					}
					pending, err := db.ListOverridesAfter(cursor, maxRelayBacklog+1)
					if err != nil {
						return fmt.Errorf("count relay backlog: %w", err)
					}
					if len(pending) > maxRelayBacklog {
						return fmt.Errorf("more than %d overrides awaiting relay", maxRelayBacklog)
					}
					return nil
				},
			},
		},
	}
}

// Register appends a custom check. Call before Run.
func (c *Checker) Register(check Check) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks = append(c.checks, check)
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.runAll(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.runAll(ctx)
		}
	}
}

func (c *Checker) runAll(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		s := Status{
			Name:      check.Name,
			CheckedAt: time.Now(),
		}
		if err := check.CheckFn(ctx); err != nil {
			s.Healthy = false
			s.Error = err.Error()
			if check.RecoverFn != nil {
				_ = check.RecoverFn(ctx)
			}
		} else {
			s.Healthy = true
		}
		val := 0.0
		if s.Healthy {
			val = 1
		}
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(val)
		statuses[i] = s
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func checkDataDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("data dir %s missing", dir)
		}
		return fmt.Errorf("check data dir: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("data path %s is not a directory", dir)
	}
	return nil
}
