package anomaly

import (
	"fmt"
	"testing"
	"time"
)

// seedSteady feeds n successful observations with slight latency and
// confidence jitter so the profile has a usable stddev.
func seedSteady(d *Detector, model string, n int) {
	latencies := []int{100, 102, 98, 101, 99, 103, 97}
	confs := []float64{0.90, 0.88, 0.92, 0.89, 0.91, 0.90, 0.93}
	for i := 0; i < n; i++ {
		d.Observe(Observation{
			Model:      model,
			Duration:   time.Duration(latencies[i%len(latencies)]) * time.Millisecond,
			Confidence: confs[i%len(confs)],
			Success:    true,
			Timestamp:  time.Now(),
		})
	}
}

func TestObserve_WarmupNeverFlags(t *testing.T) {
	d := New(DefaultConfig())

	// Wildly varying values, but below MinSamples nothing is statistical.
	for i, ms := range []int{10, 5000, 80, 12000} {
		flag := d.Observe(Observation{
			Model:      "CXR_Foundation",
			Duration:   time.Duration(ms) * time.Millisecond,
			Confidence: 0.5,
			Success:    true,
		})
		if flag.Flagged {
			t.Errorf("observation %d flagged during warmup: %s", i, flag.Detail)
		}
	}
}

func TestObserve_LatencyOutlier(t *testing.T) {
	d := New(DefaultConfig())
	seedSteady(d, "CXR_Foundation", 6)

	flag := d.Observe(Observation{
		Model:      "CXR_Foundation",
		Duration:   10 * time.Second,
		Confidence: 0.9,
		Success:    true,
	})
	if !flag.Flagged {
		t.Fatal("10s stage against a ~100ms profile not flagged")
	}
	if flag.Kind != KindLatencyOutlier {
		t.Errorf("Kind = %s, want LATENCY_OUTLIER", flag.Kind)
	}
	if flag.Severity != SevWarning {
		t.Errorf("Severity = %s, want WARNING", flag.Severity)
	}
}

func TestObserve_SteadyBehaviorStaysClean(t *testing.T) {
	d := New(DefaultConfig())
	seedSteady(d, "HeAR", 20)

	p, ok := d.Profile("HeAR")
	if !ok {
		t.Fatal("Profile() missing after 20 observations")
	}
	if p.TotalFlags != 0 {
		t.Errorf("TotalFlags = %d, want 0", p.TotalFlags)
	}
	if p.SuccessCount != 20 || p.FailureCount != 0 {
		t.Errorf("counts = %d/%d, want 20/0", p.SuccessCount, p.FailureCount)
	}
	if p.LatencyMean < 95 || p.LatencyMean > 105 {
		t.Errorf("LatencyMean = %.1f, want ~100", p.LatencyMean)
	}
}

func TestObserve_ConfidenceCollapse(t *testing.T) {
	d := New(DefaultConfig())
	seedSteady(d, "Derm_Foundation", 6)

	flag := d.Observe(Observation{
		Model:      "Derm_Foundation",
		Duration:   100 * time.Millisecond,
		Confidence: 0.30,
		Success:    true,
	})
	if !flag.Flagged {
		t.Fatal("confidence 0.30 against a ~0.90 profile not flagged")
	}
	if flag.Kind != KindConfidenceCollapse {
		t.Errorf("Kind = %s, want CONFIDENCE_COLLAPSE", flag.Kind)
	}
}

func TestObserve_HighConfidenceNotFlagged(t *testing.T) {
	d := New(DefaultConfig())
	seedSteady(d, "Derm_Foundation", 6)

	// The collapse check is one-sided: unusually confident is fine.
	flag := d.Observe(Observation{
		Model:      "Derm_Foundation",
		Duration:   100 * time.Millisecond,
		Confidence: 0.99,
		Success:    true,
	})
	if flag.Flagged && flag.Kind == KindConfidenceCollapse {
		t.Errorf("high confidence flagged as collapse: %s", flag.Detail)
	}
}

func TestObserve_FailureStreak(t *testing.T) {
	d := New(DefaultConfig())

	var flag Flag
	for i := 0; i < 3; i++ {
		flag = d.Observe(Observation{Model: "MedASR", Duration: 50 * time.Millisecond})
	}
	if !flag.Flagged {
		t.Fatal("third consecutive failure not flagged")
	}
	if flag.Kind != KindFailureStreak {
		t.Errorf("Kind = %s, want FAILURE_STREAK", flag.Kind)
	}
	if flag.Severity != SevCritical {
		t.Errorf("Severity = %s, want CRITICAL", flag.Severity)
	}

	escalated := d.Escalated()
	if len(escalated) != 1 || escalated[0] != "MedASR" {
		t.Errorf("Escalated() = %v, want [MedASR]", escalated)
	}
}

func TestObserve_SuccessResetsStreak(t *testing.T) {
	d := New(DefaultConfig())

	fail := Observation{Model: "TxGemma", Duration: 50 * time.Millisecond}
	ok := Observation{Model: "TxGemma", Duration: 50 * time.Millisecond, Confidence: 0.8, Success: true}

	for _, obs := range []Observation{fail, fail, ok, fail, fail} {
		if flag := d.Observe(obs); flag.Flagged {
			t.Errorf("flagged without three consecutive failures: %s", flag.Detail)
		}
	}
	if got := d.Escalated(); len(got) != 0 {
		t.Errorf("Escalated() = %v, want none", got)
	}
}

func TestObserve_ReducedSkipsLatencyCheck(t *testing.T) {
	d := New(DefaultConfig())
	seedSteady(d, "MedSigLIP", 6)

	flag := d.Observe(Observation{
		Model:      "MedSigLIP",
		Duration:   10 * time.Second,
		Confidence: 0.9,
		Success:    true,
		Reduced:    true,
	})
	if flag.Flagged && flag.Kind == KindLatencyOutlier {
		t.Errorf("reduced invocation flagged as latency outlier: %s", flag.Detail)
	}
}

func TestEscalated_RecoversAfterCleanRun(t *testing.T) {
	d := New(DefaultConfig())

	fail := Observation{Model: "MedGemma", Duration: 50 * time.Millisecond}
	for i := 0; i < 3; i++ {
		d.Observe(fail)
	}
	if got := d.Escalated(); len(got) != 1 {
		t.Fatalf("Escalated() = %v, want [MedGemma]", got)
	}

	d.Observe(Observation{Model: "MedGemma", Duration: 50 * time.Millisecond, Confidence: 0.8, Success: true})
	if got := d.Escalated(); len(got) != 0 {
		t.Errorf("Escalated() after clean run = %v, want none", got)
	}
}

func TestStats(t *testing.T) {
	d := New(DefaultConfig())
	seedSteady(d, "CXR_Foundation", 6)
	seedSteady(d, "HeAR", 6)
	d.Observe(Observation{Model: "CXR_Foundation", Duration: 10 * time.Second, Confidence: 0.9, Success: true})

	stats := d.Stats()
	if stats.Profiles != 2 {
		t.Errorf("Profiles = %d, want 2", stats.Profiles)
	}
	if stats.TotalFlags != 1 {
		t.Errorf("TotalFlags = %d, want 1", stats.TotalFlags)
	}
	if stats.Escalated != 0 {
		t.Errorf("Escalated = %d, want 0", stats.Escalated)
	}
}

func TestKindAndSeverityLabels(t *testing.T) {
	cases := []struct {
		got  fmt.Stringer
		want string
	}{
		{KindNone, "NONE"},
		{KindLatencyOutlier, "LATENCY_OUTLIER"},
		{KindConfidenceCollapse, "CONFIDENCE_COLLAPSE"},
		{KindFailureStreak, "FAILURE_STREAK"},
		{SevInfo, "INFO"},
		{SevWarning, "WARNING"},
		{SevCritical, "CRITICAL"},
	}
	for _, c := range cases {
		if c.got.String() != c.want {
			t.Errorf("String() = %q, want %q", c.got.String(), c.want)
		}
	}
}
