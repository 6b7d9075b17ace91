// Package telemetry persists accelerator memory samples and turns them back
// into summaries and exports. The governor emits edge samples on every lease
// acquire and release; the sampler here fills in the plateaus between edges
// so the stored series reconstructs the full sawtooth profile.
package telemetry

import (
	"context"
	"encoding/csv"
	"io"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/governor"
	"github.com/vitalis-health/vitalis/internal/infra/metrics"
)

// ─── Sink ───────────────────────────────────────────────────────────────────

// StoreSink writes samples through the vram store. Failures are logged and
// dropped; telemetry must never stall an allocation path.
type StoreSink struct {
	store domain.VramStore
}

// NewStoreSink wraps a vram store as a sink.
func NewStoreSink(store domain.VramStore) *StoreSink {
	return &StoreSink{store: store}
}

// Record persists one sample, absorbing any storage error.
func (s *StoreSink) Record(sample domain.VramSample) {
	if err := s.store.InsertVramSample(&sample); err != nil {
		log.Printf("[telemetry] dropped sample for %s: %v", sample.SessionID, err)
	}
}

// ─── Sampler ────────────────────────────────────────────────────────────────

// Sampler snapshots the governor on a fixed tick for the duration of one
// pipeline run. Edge samples mark the transitions; tick samples record how
// long each plateau was held.
type Sampler struct {
	Gov   *governor.Governor
	Sink  domain.VramSink
	Every time.Duration
}

// Run samples until the context ends. The phase callback lets the pipeline
// label samples with whatever it is doing at tick time.
func (s *Sampler) Run(ctx context.Context, sessionID string, phase func() string) {
	every := s.Every
	if every <= 0 {
		every = 500 * time.Millisecond
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			used, peak, active := s.Gov.Snapshot()
			metrics.VramAllocated.Set(float64(used))
			metrics.VramPeak.Set(float64(peak))
			if s.Sink == nil {
				continue
			}
			s.Sink.Record(domain.VramSample{
				SessionID:   sessionID,
				Timestamp:   time.Now().UTC(),
				ElapsedS:    s.Gov.Elapsed().Seconds(),
				Phase:       phase(),
				AllocatedMB: float64(used),
				ReservedMB:  float64(peak),
				ModelActive: strings.Join(active, "+"),
			})
		}
	}
}

// ─── Summary ────────────────────────────────────────────────────────────────

// Summary condenses one session's memory profile.
type Summary struct {
	Samples    int     `json:"samples"`
	MeanMB     float64 `json:"mean_mb"`
	MedianMB   float64 `json:"median_mb"`
	P95MB      float64 `json:"p95_mb"`
	MaxMB      float64 `json:"max_mb"`
	ReservedMB float64 `json:"reserved_mb"`
	Zone       string  `json:"zone"`
}

// Pressure zone labels, keyed off peak allocation.
const (
	ZoneSafe   = "SAFE"
	ZoneLoaded = "LOADED"
	ZoneDanger = "DANGER"
)

func zoneFor(peakMB float64) string {
	switch {
	case peakMB < 4000:
		return ZoneSafe
	case peakMB < 7000:
		return ZoneLoaded
	default:
		return ZoneDanger
	}
}

// Summarize reduces a sample series to its headline numbers.
func Summarize(samples []*domain.VramSample) Summary {
	if len(samples) == 0 {
		return Summary{Zone: ZoneSafe}
	}
	alloc := make([]float64, 0, len(samples))
	reserved := 0.0
	for _, s := range samples {
		alloc = append(alloc, s.AllocatedMB)
		if s.ReservedMB > reserved {
			reserved = s.ReservedMB
		}
	}
	mean := stat.Mean(alloc, nil)
	max := floats.Max(alloc)
	sort.Float64s(alloc)
	return Summary{
		Samples:    len(samples),
		MeanMB:     mean,
		MedianMB:   stat.Quantile(0.5, stat.Empirical, alloc, nil),
		P95MB:      stat.Quantile(0.95, stat.Empirical, alloc, nil),
		MaxMB:      max,
		ReservedMB: reserved,
		Zone:       zoneFor(max),
	}
}

// ─── CSV Export ─────────────────────────────────────────────────────────────

var csvHeader = []string{"timestamp", "elapsed_s", "phase", "allocated_mb", "reserved_mb", "model_active"}

// WriteCSV streams samples in the canonical export layout.
func WriteCSV(w io.Writer, samples []*domain.VramSample) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range samples {
		row := []string{
			s.Timestamp.UTC().Format(time.RFC3339Nano),
			strconv.FormatFloat(s.ElapsedS, 'f', 3, 64),
			s.Phase,
			strconv.FormatFloat(s.AllocatedMB, 'f', 1, 64),
			strconv.FormatFloat(s.ReservedMB, 'f', 1, 64),
			s.ModelActive,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
