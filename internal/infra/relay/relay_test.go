package relay

import (
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
	"github.com/vitalis-health/vitalis/internal/security"
)

// fakeRegistry captures uploaded batches and can simulate outages.
type fakeRegistry struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
	sites  []string
	fail   bool
}

func (f *fakeRegistry) handler(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	f.bodies = append(f.bodies, body)
	f.sigs = append(f.sigs, r.Header.Get("X-Vitalis-Signature"))
	f.sites = append(f.sites, r.Header.Get("X-Vitalis-Site"))
	w.WriteHeader(http.StatusNoContent)
}

func (f *fakeRegistry) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bodies)
}

func (f *fakeRegistry) body(i int) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[i]
}

func (f *fakeRegistry) sig(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sigs[i]
}

func (f *fakeRegistry) site(i int) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sites[i]
}

func (f *fakeRegistry) setFail(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = v
}

func newTestDB(t *testing.T) *sqlite.DB {
	t.Helper()
	db, err := sqlite.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newKeys(t *testing.T) *security.Keypair {
	t.Helper()
	keys, err := security.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}
	return keys
}

func seedOverrides(t *testing.T, db *sqlite.DB, n int) []*domain.Override {
	t.Helper()
	sess := &domain.Session{
		SessionID:   "rel-1",
		PatientID:   "PT-7001",
		Status:      domain.StatusFinalized,
		Degradation: domain.DegradationFull,
		Staging:     "I",
	}
	if err := db.CreateSession(sess); err != nil {
		t.Fatalf("CreateSession() error: %v", err)
	}
	var seeded []*domain.Override
	for i := 0; i < n; i++ {
		o := &domain.Override{
			SessionID:   "rel-1",
			ClinicianID: "dr-akinyi",
			Field:       domain.FieldStaging,
			OldValue:    "I",
			NewValue:    fmt.Sprintf("II%c", 'A'+i),
			Reason:      "tumor board review",
		}
		if err := db.RecordOverride(o); err != nil {
			t.Fatalf("RecordOverride() error: %v", err)
		}
		seeded = append(seeded, o)
	}
	return seeded
}

func TestSync_UploadsInBatches(t *testing.T) {
	db := newTestDB(t)
	seeded := seedOverrides(t, db, 3)
	reg := &fakeRegistry{}
	srv := httptest.NewServer(http.HandlerFunc(reg.handler))
	defer srv.Close()

	keys := newKeys(t)
	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.BatchSize = 2
	u := New(cfg, db, keys)

	if err := u.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if got := reg.count(); got != 2 {
		t.Fatalf("uploads = %d, want 2", got)
	}

	var first batch
	if err := json.Unmarshal(reg.body(0), &first); err != nil {
		t.Fatalf("unmarshal first batch: %v", err)
	}
	if first.Site != keys.PublicKeyHex() {
		t.Errorf("Site = %q, want site public key", first.Site)
	}
	if len(first.Records) != 2 {
		t.Fatalf("first batch has %d records, want 2", len(first.Records))
	}
	rec := first.Records[0]
	if rec.SessionHash == "rel-1" {
		t.Error("session ID crossed the wire unhashed")
	}
	if rec.SessionHash != security.AnonymizeID("rel-1") {
		t.Errorf("SessionHash = %q, want %q", rec.SessionHash, security.AnonymizeID("rel-1"))
	}
	if rec.ClinicianID != "dr-akinyi" || rec.Field != domain.FieldStaging {
		t.Errorf("record clinician/field = %q/%q, want dr-akinyi/%s", rec.ClinicianID, rec.Field, domain.FieldStaging)
	}

	var second batch
	if err := json.Unmarshal(reg.body(1), &second); err != nil {
		t.Fatalf("unmarshal second batch: %v", err)
	}
	if len(second.Records) != 1 {
		t.Errorf("second batch has %d records, want 1", len(second.Records))
	}

	cursor, err := db.RelayCursor()
	if err != nil {
		t.Fatalf("RelayCursor() error: %v", err)
	}
	if want := seeded[2].ID; cursor != want {
		t.Errorf("cursor = %d, want %d", cursor, want)
	}
}

func TestSync_SignsBatches(t *testing.T) {
	db := newTestDB(t)
	seedOverrides(t, db, 1)
	reg := &fakeRegistry{}
	srv := httptest.NewServer(http.HandlerFunc(reg.handler))
	defer srv.Close()

	keys := newKeys(t)
	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	u := New(cfg, db, keys)
	if err := u.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}

	pub, err := hex.DecodeString(reg.site(0))
	if err != nil {
		t.Fatalf("decode site key: %v", err)
	}
	sig, err := hex.DecodeString(reg.sig(0))
	if err != nil {
		t.Fatalf("decode signature: %v", err)
	}
	if !security.Verify(reg.body(0), sig, ed25519.PublicKey(pub)) {
		t.Error("batch signature did not verify against the site key")
	}
}

func TestSync_NothingPending(t *testing.T) {
	db := newTestDB(t)
	reg := &fakeRegistry{}
	srv := httptest.NewServer(http.HandlerFunc(reg.handler))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	u := New(cfg, db, newKeys(t))
	if err := u.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() error: %v", err)
	}
	if got := reg.count(); got != 0 {
		t.Errorf("uploads = %d, want 0", got)
	}
}

func TestSync_ServerErrorKeepsCursor(t *testing.T) {
	db := newTestDB(t)
	seeded := seedOverrides(t, db, 2)
	reg := &fakeRegistry{}
	reg.setFail(true)
	srv := httptest.NewServer(http.HandlerFunc(reg.handler))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	u := New(cfg, db, newKeys(t))

	if err := u.Sync(context.Background()); err == nil {
		t.Fatal("Sync() succeeded against a failing registry")
	}
	cursor, err := db.RelayCursor()
	if err != nil {
		t.Fatalf("RelayCursor() error: %v", err)
	}
	if cursor != 0 {
		t.Errorf("cursor advanced to %d on failed upload", cursor)
	}

	reg.setFail(false)
	if err := u.Sync(context.Background()); err != nil {
		t.Fatalf("Sync() after recovery error: %v", err)
	}
	cursor, err = db.RelayCursor()
	if err != nil {
		t.Fatalf("RelayCursor() error: %v", err)
	}
	if want := seeded[1].ID; cursor != want {
		t.Errorf("cursor = %d, want %d", cursor, want)
	}
}

func TestRun_UploadsOnInterval(t *testing.T) {
	db := newTestDB(t)
	seeded := seedOverrides(t, db, 1)
	reg := &fakeRegistry{}
	srv := httptest.NewServer(http.HandlerFunc(reg.handler))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.Endpoint = srv.URL
	cfg.Interval = 10 * time.Millisecond
	u := New(cfg, db, newKeys(t))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		u.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for reg.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done

	if reg.count() == 0 {
		t.Fatal("no upload within 2s")
	}
	cursor, err := db.RelayCursor()
	if err != nil {
		t.Fatalf("RelayCursor() error: %v", err)
	}
	if want := seeded[0].ID; cursor != want {
		t.Errorf("cursor = %d, want %d", cursor, want)
	}
}

func TestRun_DisabledWithoutEndpoint(t *testing.T) {
	u := New(Config{}, newTestDB(t), newKeys(t))
	done := make(chan struct{})
	go func() {
		u.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return with no endpoint configured")
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{7, 60 * time.Second},
		{20, 60 * time.Second},
	}
	for _, tt := range tests {
		got := backoff(time.Second, time.Minute, tt.attempt)
		if got != tt.want {
			t.Errorf("backoff(attempt=%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
