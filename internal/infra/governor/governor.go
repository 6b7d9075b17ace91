// Package governor enforces the accelerator memory budget shared by all
// pipeline stages. Every model invocation holds a Lease sized to the model's
// estimated footprint; once the budget is spent, acquisition blocks (or fails
// immediately, per config) until earlier leases release. The governor is the
// only component allowed to say whether stages may run side by side.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vitalis-health/vitalis/internal/domain"
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config controls governor behavior.
type Config struct {
	BudgetMB       int64         // Hard ceiling for concurrent leases (default: 8192)
	Blocking       bool          // Block on exhaustion instead of failing fast (default: true)
	AcquireTimeout time.Duration // Max wait in blocking mode; 0 = wait forever
	WarnMB         int64         // Allocation level above which acquisitions log a warning
}

// DefaultConfig returns safe defaults.
func DefaultConfig() Config {
	return Config{
		BudgetMB:       8192,
		Blocking:       true,
		AcquireTimeout: 30 * time.Second,
		WarnMB:         7000,
	}
}

// ─── Governor ───────────────────────────────────────────────────────────────

// Governor tracks leased accelerator memory against a fixed budget.
// Acquisition is weighted: a 5000 MB interaction model and a 2800 MB
// generator cannot hold leases at the same time under an 8192 MB budget
// once anything else is resident.
type Governor struct {
	cfg   Config
	sem   *semaphore.Weighted
	start time.Time
	sink  domain.VramSink

	mu     sync.Mutex
	usedMB int64
	peakMB int64
	active map[string]int // model name → live lease count
}

// Lease represents reserved memory for one model invocation.
// Caller MUST call Release() when done (use defer). Release is idempotent.
type Lease struct {
	SessionID string
	Stage     string
	Model     string
	MB        int64

	gov  *Governor
	once sync.Once
}

// New creates a governor. sink may be nil when telemetry is disabled.
func New(cfg Config, sink domain.VramSink) *Governor {
	if cfg.BudgetMB <= 0 {
		cfg.BudgetMB = DefaultConfig().BudgetMB
	}
	return &Governor{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.BudgetMB),
		start:  time.Now(),
		sink:   sink,
		active: make(map[string]int),
	}
}

// Acquire reserves estimated memory for one model invocation.
// A request larger than the whole budget fails immediately with
// ErrResourceExhausted: no amount of waiting can satisfy it.
func (g *Governor) Acquire(ctx context.Context, sessionID, stage, model string, estimatedMB int64) (*Lease, error) {
	if estimatedMB < 0 {
		return nil, fmt.Errorf("governor: negative estimate for %s", model)
	}
	if estimatedMB > g.cfg.BudgetMB {
		return nil, fmt.Errorf("%s needs %d MB, budget is %d MB: %w",
			model, estimatedMB, g.cfg.BudgetMB, domain.ErrResourceExhausted)
	}

	if g.cfg.Blocking {
		acquireCtx := ctx
		if g.cfg.AcquireTimeout > 0 {
			var cancel context.CancelFunc
			acquireCtx, cancel = context.WithTimeout(ctx, g.cfg.AcquireTimeout)
			defer cancel()
		}
		if err := g.sem.Acquire(acquireCtx, estimatedMB); err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%s waited %s for %d MB: %w",
					model, g.cfg.AcquireTimeout, estimatedMB, domain.ErrResourceExhausted)
			}
			return nil, err
		}
	} else {
		if !g.sem.TryAcquire(estimatedMB) {
			return nil, fmt.Errorf("%s needs %d MB, %d MB free: %w",
				model, estimatedMB, g.AvailableMB(), domain.ErrResourceExhausted)
		}
	}

	g.mu.Lock()
	g.usedMB += estimatedMB
	if g.usedMB > g.peakMB {
		g.peakMB = g.usedMB
	}
	g.active[model]++
	used := g.usedMB
	g.mu.Unlock()

	if used > g.cfg.WarnMB && g.cfg.WarnMB > 0 {
		log.Printf("[governor] allocation %d MB above warn level %d MB (budget %d MB)",
			used, g.cfg.WarnMB, g.cfg.BudgetMB)
	}

	lease := &Lease{SessionID: sessionID, Stage: stage, Model: model, MB: estimatedMB, gov: g}
	g.sample(sessionID, stage, model)
	return lease, nil
}

// Release returns the lease's memory to the budget.
func (l *Lease) Release() {
	l.once.Do(func() {
		g := l.gov
		g.mu.Lock()
		g.usedMB -= l.MB
		g.active[l.Model]--
		if g.active[l.Model] <= 0 {
			delete(g.active, l.Model)
		}
		g.mu.Unlock()

		g.sem.Release(l.MB)
		g.sample(l.SessionID, l.Stage+":release", l.Model)
	})
}

// AvailableMB returns the budget not currently held by leases.
func (g *Governor) AvailableMB() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg.BudgetMB - g.usedMB
}

// BudgetMB returns the configured hard ceiling.
func (g *Governor) BudgetMB() int64 { return g.cfg.BudgetMB }

// Snapshot returns the current allocation state for telemetry.
func (g *Governor) Snapshot() (usedMB, peakMB int64, active []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	active = make([]string, 0, len(g.active))
	for m := range g.active {
		active = append(active, m)
	}
	sort.Strings(active)
	return g.usedMB, g.peakMB, active
}

// Elapsed returns time since the governor started, for telemetry timestamps.
func (g *Governor) Elapsed() time.Duration { return time.Since(g.start) }

// sample emits one telemetry edge sample. Sink failures are the sink's
// problem; allocation accounting never depends on telemetry.
func (g *Governor) sample(sessionID, phase, model string) {
	if g.sink == nil {
		return
	}
	used, peak, _ := g.Snapshot()
	g.sink.Record(domain.VramSample{
		SessionID:   sessionID,
		Timestamp:   time.Now().UTC(),
		ElapsedS:    time.Since(g.start).Seconds(),
		Phase:       phase,
		AllocatedMB: float64(used),
		ReservedMB:  float64(peak),
		ModelActive: model,
	})
}
