// Package relay ships the override audit trail to the national oncology
// registry. Uploads are batched, signed with the site keypair, and tracked
// by a durable cursor, so a crash mid-upload re-sends a batch rather than
// losing one. Session identifiers never leave the site in the clear.
package relay

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/metrics"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
	"github.com/vitalis-health/vitalis/internal/security"
)

// Config tunes the upload loop.
type Config struct {
	Endpoint  string        `toml:"endpoint"`
	Interval  time.Duration `toml:"interval"`
	BatchSize int           `toml:"batch_size"`
	BaseDelay time.Duration `toml:"base_delay"`
	MaxDelay  time.Duration `toml:"max_delay"`
	Timeout   time.Duration `toml:"timeout"`
}

// DefaultConfig returns the stock relay timing. An empty endpoint disables
// the loop entirely.
func DefaultConfig() Config {
	return Config{
		Interval:  30 * time.Second,
		BatchSize: 50,
		BaseDelay: 1 * time.Second,
		MaxDelay:  60 * time.Second,
		Timeout:   10 * time.Second,
	}
}

// record is the wire form of one override.
type record struct {
	SessionHash string    `json:"session_hash"`
	ClinicianID string    `json:"clinician_id"`
	Field       string    `json:"field"`
	OldValue    string    `json:"old_value"`
	NewValue    string    `json:"new_value"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// batch is one signed upload.
type batch struct {
	Site    string   `json:"site"`
	Records []record `json:"records"`
}

// Uploader drains the override log past the relay cursor.
type Uploader struct {
	cfg    Config
	db     *sqlite.DB
	keys   *security.Keypair
	client *http.Client

	attempt int // consecutive failed syncs, drives the backoff
}

// New creates an uploader.
func New(cfg Config, db *sqlite.DB, keys *security.Keypair) *Uploader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	return &Uploader{cfg: cfg, db: db, keys: keys, client: &http.Client{Timeout: timeout}}
}

// Run syncs on the configured interval until the context ends. After a
// failed sync the next attempt follows the doubling backoff instead of the
// normal interval, capped at MaxDelay.
func (u *Uploader) Run(ctx context.Context) {
	if u.cfg.Endpoint == "" {
		log.Printf("[relay] no endpoint configured, relay disabled")
		return
	}
	log.Printf("[relay] uploading to %s every %s", u.cfg.Endpoint, u.cfg.Interval)
	for {
		delay := u.cfg.Interval
		if u.attempt > 0 {
			delay = backoff(u.cfg.BaseDelay, u.cfg.MaxDelay, u.attempt)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if err := u.Sync(ctx); err != nil {
			u.attempt++
			metrics.RelayFailures.Inc()
			log.Printf("[relay] sync failed (attempt %d): %v", u.attempt, err)
			continue
		}
		u.attempt = 0
	}
}

// Sync drains everything past the cursor in batch-sized uploads. The cursor
// only advances after a confirmed upload; re-sending a batch is the failure
// mode, never skipping one.
func (u *Uploader) Sync(ctx context.Context) error {
	for {
		cursor, err := u.db.RelayCursor()
		if err != nil {
			return fmt.Errorf("read cursor: %w", err)
		}
		pending, err := u.db.ListOverridesAfter(cursor, u.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("list pending: %w", err)
		}
		metrics.RelayBacklog.Set(float64(len(pending)))
		if len(pending) == 0 {
			return nil
		}

		if err := u.upload(ctx, pending); err != nil {
			return err
		}
		if err := u.db.SetRelayCursor(pending[len(pending)-1].ID); err != nil {
			return fmt.Errorf("advance cursor: %w", err)
		}
		metrics.RelayUploads.Inc()
		log.Printf("[relay] uploaded %d overrides through id %d", len(pending), pending[len(pending)-1].ID)
	}
}

// upload posts one signed batch.
func (u *Uploader) upload(ctx context.Context, overrides []*domain.Override) error {
	b := batch{Site: u.keys.PublicKeyHex(), Records: make([]record, 0, len(overrides))}
	for _, o := range overrides {
		b.Records = append(b.Records, record{
			SessionHash: security.AnonymizeID(o.SessionID),
			ClinicianID: o.ClinicianID,
			Field:       o.Field,
			OldValue:    o.OldValue,
			NewValue:    o.NewValue,
			Reason:      o.Reason,
			CreatedAt:   o.CreatedAt,
		})
	}
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Vitalis-Site", u.keys.PublicKeyHex())
	req.Header.Set("X-Vitalis-Signature", hex.EncodeToString(u.keys.Sign(body)))

	start := time.Now()
	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()
	metrics.RelayLatency.Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("registry returned %d", resp.StatusCode)
	}
	return nil
}

// backoff doubles the base delay per consecutive failure, capped at max.
func backoff(base, max time.Duration, attempt int) time.Duration {
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay > max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
