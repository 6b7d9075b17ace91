// Package anomaly tracks the behavior of each modality model across stage
// executions and flags statistical outliers.
//
// Every model accumulates a running latency and confidence profile
// (Welford's online algorithm). Observations falling outside 3σ are
// flagged, and repeated flags escalate so the health surface reports a
// drifting worker before clinicians notice wrong answers.
package anomaly

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"
)

// ─── Constants ──────────────────────────────────────────────────────────────

const (
	// SigmaThreshold is the number of standard deviations for a statistical
	// outlier.
	SigmaThreshold = 3.0

	// MinSamplesForProfile is how many observations a model needs before
	// statistical checks kick in.
	MinSamplesForProfile = 5

	// MaxFailureStreak is the consecutive-failure count that marks a worker
	// as down rather than unlucky.
	MaxFailureStreak = 3

	// EscalateAfter is the consecutive-flag count before severity escalates.
	EscalateAfter = 3
)

// ─── Types ──────────────────────────────────────────────────────────────────

// Kind identifies what kind of anomaly was detected.
type Kind int

const (
	KindNone               Kind = iota // No anomaly
	KindLatencyOutlier                 // Stage ran far longer or shorter than its history
	KindConfidenceCollapse             // Success finding with confidence far below the model's norm
	KindFailureStreak                  // Consecutive failures past the streak limit
)

// String returns a stable label for metrics and logs.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "NONE"
	case KindLatencyOutlier:
		return "LATENCY_OUTLIER"
	case KindConfidenceCollapse:
		return "CONFIDENCE_COLLAPSE"
	case KindFailureStreak:
		return "FAILURE_STREAK"
	default:
		return "UNKNOWN"
	}
}

// Severity indicates how serious an anomaly is.
type Severity int

const (
	SevInfo     Severity = iota // Informational, no action needed
	SevWarning                  // Worth watching
	SevCritical                 // Worker needs operator attention
)

// String returns the severity label.
func (s Severity) String() string {
	switch s {
	case SevInfo:
		return "INFO"
	case SevWarning:
		return "WARNING"
	case SevCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Observation describes a single stage execution for analysis.
type Observation struct {
	Model      string        `json:"model"`
	Modality   string        `json:"modality"`
	SessionID  string        `json:"session_id"`
	Duration   time.Duration `json:"duration"`
	Confidence float64       `json:"confidence"` // 0.0 - 1.0, success only
	Success    bool          `json:"success"`
	Reduced    bool          `json:"reduced"`
	Timestamp  time.Time     `json:"timestamp"`
}

// Flag is the outcome of analyzing one observation.
type Flag struct {
	Flagged   bool      `json:"flagged"`
	Kind      Kind      `json:"kind"`
	Severity  Severity  `json:"severity"`
	Detail    string    `json:"detail"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

// ModelProfile holds statistical data about one model's behavior.
// Updated incrementally using Welford's online algorithm for mean/variance.
type ModelProfile struct {
	Model string `json:"model"`

	// Latency statistics in milliseconds (Welford's online algorithm)
	LatencyCount int     `json:"latency_count"`
	LatencyMean  float64 `json:"latency_mean"`
	LatencyM2    float64 `json:"latency_m2"`

	// Confidence statistics, success observations only
	ConfCount int     `json:"conf_count"`
	ConfMean  float64 `json:"conf_mean"`
	ConfM2    float64 `json:"conf_m2"`

	// Outcome counts
	SuccessCount  int `json:"success_count"`
	FailureCount  int `json:"failure_count"`
	FailureStreak int `json:"failure_streak"`

	// Flag tracking
	ConsecutiveFlags int       `json:"consecutive_flags"`
	TotalFlags       int       `json:"total_flags"`
	LastFlag         time.Time `json:"last_flag"`
	LastUpdate       time.Time `json:"last_update"`
	CreatedAt        time.Time `json:"created_at"`
}

// LatencyStddev returns the standard deviation of stage latency in ms.
func (p *ModelProfile) LatencyStddev() float64 {
	if p.LatencyCount < 2 {
		return 0
	}
	return math.Sqrt(p.LatencyM2 / float64(p.LatencyCount-1))
}

// ConfidenceStddev returns the standard deviation of success confidence.
func (p *ModelProfile) ConfidenceStddev() float64 {
	if p.ConfCount < 2 {
		return 0
	}
	return math.Sqrt(p.ConfM2 / float64(p.ConfCount-1))
}

// SuccessRate returns the fraction of successful executions.
func (p *ModelProfile) SuccessRate() float64 {
	total := p.SuccessCount + p.FailureCount
	if total == 0 {
		return 1.0
	}
	return float64(p.SuccessCount) / float64(total)
}

// DetectorStats is an overview of the detector's state.
type DetectorStats struct {
	Profiles   int `json:"profiles"`
	TotalFlags int `json:"total_flags"`
	Escalated  int `json:"escalated"`
}

// ─── Configuration ──────────────────────────────────────────────────────────

// Config tunes the detector.
type Config struct {
	Sigma         float64 // Standard deviations for an outlier
	MinSamples    int     // Observations before statistical checks apply
	MaxStreak     int     // Consecutive failures before a worker is down
	EscalateAfter int     // Consecutive flags before severity escalates
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		Sigma:         SigmaThreshold,
		MinSamples:    MinSamplesForProfile,
		MaxStreak:     MaxFailureStreak,
		EscalateAfter: EscalateAfter,
	}
}

// ─── Detector ───────────────────────────────────────────────────────────────

// Detector runs anomaly detection on stage observations.
// Thread-safe via RWMutex.
type Detector struct {
	mu       sync.RWMutex
	cfg      Config
	profiles map[string]*ModelProfile // model → profile

	// Injectable clock for testing.
	now func() time.Time
}

// New creates a detector.
func New(cfg Config) *Detector {
	return &Detector{
		cfg:      cfg,
		profiles: make(map[string]*ModelProfile),
		now:      time.Now,
	}
}

// ─── Observation Analysis ───────────────────────────────────────────────────

// Observe checks a stage execution against the model's profile, updates the
// profile, and returns the analysis result.
func (d *Detector) Observe(obs Observation) Flag {
	d.mu.Lock()
	defer d.mu.Unlock()

	profile := d.getOrCreateProfile(obs.Model)
	flag := Flag{
		Model:     obs.Model,
		Timestamp: obs.Timestamp,
	}

	// Check 1: Latency outlier. Reduced invocations are expected to run on a
	// different footprint, so they update the profile but are never flagged.
	if obs.Success && !obs.Reduced && profile.LatencyCount >= d.cfg.MinSamples {
		ms := float64(obs.Duration.Milliseconds())
		stddev := profile.LatencyStddev()
		if stddev > 0 {
			z := math.Abs(ms-profile.LatencyMean) / stddev
			if z > d.cfg.Sigma {
				flag.Flagged = true
				flag.Kind = KindLatencyOutlier
				flag.Severity = SevWarning
				flag.Detail = fmt.Sprintf(
					"stage took %.0fms, %.1fσ from mean %.0fms (stddev=%.0fms)",
					ms, z, profile.LatencyMean, stddev,
				)
			}
		}
	}

	// Check 2: Confidence collapse. A success finding whose confidence sits
	// far below the model's norm usually means garbage input or a quietly
	// broken worker, either of which deserves a look.
	if !flag.Flagged && obs.Success && profile.ConfCount >= d.cfg.MinSamples {
		stddev := profile.ConfidenceStddev()
		if stddev > 0 {
			z := (profile.ConfMean - obs.Confidence) / stddev
			if z > d.cfg.Sigma {
				flag.Flagged = true
				flag.Kind = KindConfidenceCollapse
				flag.Severity = SevWarning
				flag.Detail = fmt.Sprintf(
					"confidence %.2f is %.1fσ below mean %.2f",
					obs.Confidence, z, profile.ConfMean,
				)
			}
		}
	}

	// Check 3: Failure streak. Counted on the streak this observation makes,
	// so the worker is reported down on the Nth failure, not the N+1th.
	if !flag.Flagged && !obs.Success && profile.FailureStreak+1 >= d.cfg.MaxStreak {
		flag.Flagged = true
		flag.Kind = KindFailureStreak
		flag.Severity = SevCritical
		flag.Detail = fmt.Sprintf(
			"%d consecutive failures (historical success: %.0f%%)",
			profile.FailureStreak+1, profile.SuccessRate()*100,
		)
	}

	// Update the profile, outlier included. A genuine behavior shift should
	// become the new normal instead of flagging forever.
	d.updateProfile(profile, obs)

	if flag.Flagged {
		profile.ConsecutiveFlags++
		profile.TotalFlags++
		profile.LastFlag = d.now()

		if profile.ConsecutiveFlags >= d.cfg.EscalateAfter {
			flag.Severity = SevCritical
			flag.Detail += fmt.Sprintf(" [escalated: %d consecutive flags]", profile.ConsecutiveFlags)
		}
	} else {
		profile.ConsecutiveFlags = 0
	}

	return flag
}

// updateProfile folds a new observation into the model's statistics.
func (d *Detector) updateProfile(p *ModelProfile, obs Observation) {
	ms := float64(obs.Duration.Milliseconds())
	p.LatencyCount++
	delta := ms - p.LatencyMean
	p.LatencyMean += delta / float64(p.LatencyCount)
	delta2 := ms - p.LatencyMean
	p.LatencyM2 += delta * delta2

	if obs.Success && obs.Confidence > 0 {
		p.ConfCount++
		cDelta := obs.Confidence - p.ConfMean
		p.ConfMean += cDelta / float64(p.ConfCount)
		cDelta2 := obs.Confidence - p.ConfMean
		p.ConfM2 += cDelta * cDelta2
	}

	if obs.Success {
		p.SuccessCount++
		p.FailureStreak = 0
	} else {
		p.FailureCount++
		p.FailureStreak++
	}

	p.LastUpdate = d.now()
}

// getOrCreateProfile returns or initializes a model's profile.
func (d *Detector) getOrCreateProfile(model string) *ModelProfile {
	if p, ok := d.profiles[model]; ok {
		return p
	}
	now := d.now()
	p := &ModelProfile{
		Model:      model,
		CreatedAt:  now,
		LastUpdate: now,
	}
	d.profiles[model] = p
	return p
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Escalated lists models currently past the escalation or streak limit,
// sorted for stable output. Empty means every worker is behaving.
func (d *Detector) Escalated() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var models []string
	for model, p := range d.profiles {
		if p.ConsecutiveFlags >= d.cfg.EscalateAfter || p.FailureStreak >= d.cfg.MaxStreak {
			models = append(models, model)
		}
	}
	sort.Strings(models)
	return models
}

// Profile returns a copy of a model's profile.
func (d *Detector) Profile(model string) (ModelProfile, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[model]
	if !ok {
		return ModelProfile{}, false
	}
	return *p, true
}

// Stats returns aggregate detector metrics.
func (d *Detector) Stats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	stats := DetectorStats{Profiles: len(d.profiles)}
	for _, p := range d.profiles {
		stats.TotalFlags += p.TotalFlags
		if p.ConsecutiveFlags >= d.cfg.EscalateAfter || p.FailureStreak >= d.cfg.MaxStreak {
			stats.Escalated++
		}
	}
	return stats
}
