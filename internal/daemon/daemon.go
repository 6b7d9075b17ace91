package daemon

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/vitalis-health/vitalis/internal/api"
	"github.com/vitalis-health/vitalis/internal/app/bridge"
	"github.com/vitalis-health/vitalis/internal/app/debate"
	"github.com/vitalis-health/vitalis/internal/app/oncocase"
	"github.com/vitalis-health/vitalis/internal/app/override"
	"github.com/vitalis-health/vitalis/internal/app/pipeline"
	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/health"
	"github.com/vitalis-health/vitalis/internal/infra/anomaly"
	"github.com/vitalis-health/vitalis/internal/infra/governor"
	_ "github.com/vitalis-health/vitalis/internal/infra/metrics" // Register Prometheus metrics
	"github.com/vitalis-health/vitalis/internal/infra/relay"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
	"github.com/vitalis-health/vitalis/internal/infra/telemetry"
	"github.com/vitalis-health/vitalis/internal/infra/workers"
	"github.com/vitalis-health/vitalis/internal/security"
)

// Daemon is the core Vitalis runtime. It wires together all services.
type Daemon struct {
	Config    Config
	SiteID    string
	DB        *sqlite.DB
	Governor  *governor.Governor
	Pipeline  *pipeline.Pipeline
	Overrides *override.Service
	Relay     *relay.Uploader
	Health    *health.Checker
	Watchdog  *anomaly.Detector
	Server    *api.Server
	Keypair   *security.Keypair
	cancel    context.CancelFunc
}

// New creates and initializes a Daemon with all services wired.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	home := vitalisHome()

	db, err := sqlite.Open(home)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sink := telemetry.NewStoreSink(db)
	gov := governor.New(governor.Config{
		BudgetMB:       cfg.Governor.BudgetMB,
		Blocking:       cfg.Governor.Blocking,
		AcquireTimeout: parseDuration(cfg.Governor.AcquireTimeout, 30*time.Second),
		WarnMB:         cfg.Governor.WarnMB,
	}, sink)

	// Crypto identity (Ed25519) for registry uploads
	kp, err := security.LoadOrCreateKeypair(home)
	if err != nil {
		log.Printf("[daemon] WARNING: failed to load keypair: %v (registry relay disabled)", err)
	}

	// Derive site ID from public key (first 16 hex chars) if not configured
	siteID := cfg.Site.ID
	if siteID == "" && kp != nil {
		hex := kp.PublicKeyHex()
		if len(hex) > 16 {
			siteID = "site-" + hex[:16]
		}
	}
	if siteID == "" {
		siteID = "site-local"
	}

	stages := cfg.Pipeline.Stages
	if len(stages) == 0 {
		stages = pipeline.DefaultStages()
	}
	workerMap, gen := buildWorkers(cfg.Workers, stages)

	br := bridge.New(bridge.Config{Threshold: cfg.Bridge.Threshold})
	deb := debate.New(debate.Config{
		Temperature: cfg.Debate.Temperature,
		TopP:        cfg.Debate.TopP,
		GeneratorMB: cfg.Debate.GeneratorMB,
		ReducedMB:   cfg.Debate.ReducedMB,
	}, gen, db, gov)
	builder := oncocase.NewBuilder(nil, nil)

	// The keyed mutex is shared so an override cannot race a live run on the
	// same session.
	locks := domain.NewKeyedMutex()
	sampleEvery := parseDuration(cfg.Pipeline.SampleEvery, 500*time.Millisecond)
	sampler := &telemetry.Sampler{Gov: gov, Sink: sink, Every: sampleEvery}

	pipe := pipeline.New(
		pipeline.Config{Stages: stages, SampleEvery: sampleEvery},
		db, gov, workerMap, workers.NewRegexExtractor(), br, deb, builder, sampler, locks,
	)
	watch := anomaly.New(anomaly.DefaultConfig())
	pipe.AttachWatchdog(watch)
	ovr := override.New(db, locks)

	var up *relay.Uploader
	if kp != nil {
		up = relay.New(relay.Config{
			Endpoint:  cfg.Relay.Endpoint,
			Interval:  parseDuration(cfg.Relay.Interval, 30*time.Second),
			BatchSize: cfg.Relay.BatchSize,
			BaseDelay: parseDuration(cfg.Relay.BaseDelay, time.Second),
			MaxDelay:  parseDuration(cfg.Relay.MaxDelay, time.Minute),
			Timeout:   parseDuration(cfg.Relay.Timeout, 10*time.Second),
		}, db, kp)
	}

	checker := health.NewChecker(db, gov, home)
	checker.Register(health.Check{
		Name: "model_watchdog",
		CheckFn: func(ctx context.Context) error {
			if models := watch.Escalated(); len(models) > 0 {
				return fmt.Errorf("models behaving anomalously: %s", strings.Join(models, ", "))
			}
			return nil
		},
	})
	srv := api.NewServer(pipe, ovr, db, checker)

	return &Daemon{
		Config:    cfg,
		SiteID:    siteID,
		DB:        db,
		Governor:  gov,
		Pipeline:  pipe,
		Overrides: ovr,
		Relay:     up,
		Health:    checker,
		Watchdog:  watch,
		Server:    srv,
		Keypair:   kp,
	}, nil
}

// buildWorkers binds every configured stage model to a worker and picks the
// debate generator. HTTP mode needs an endpoint; anything else runs the
// simulated backend.
func buildWorkers(cfg WorkersConfig, stages []pipeline.StageSpec) (map[string]domain.Worker, domain.Generator) {
	timeout := parseDuration(cfg.Timeout, 120*time.Second)

	if cfg.Mode == "http" && cfg.Endpoint != "" {
		w := workers.NewHTTPWorker(cfg.Endpoint, timeout)
		m := make(map[string]domain.Worker, len(stages))
		for _, s := range stages {
			m[s.Model] = w
		}
		return m, workers.NewHTTPGenerator(cfg.Endpoint, timeout)
	}

	sim := workers.NewSimWorker()
	m := make(map[string]domain.Worker, len(stages))
	for _, s := range stages {
		m[s.Model] = sim
	}
	return m, workers.NewSimGenerator()
}

// Serve starts the HTTP server and blocks until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.Config.Logging.File != "" {
		f, err := os.OpenFile(d.Config.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
		if err != nil {
			log.Printf("[daemon] cannot open log file: %v", err)
		} else {
			log.SetOutput(io.MultiWriter(os.Stderr, f))
			defer f.Close()
		}
	}

	// Background services
	go d.Health.Run(ctx)
	if d.Relay != nil {
		go d.Relay.Run(ctx)
	}

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // Session runs are synchronous
		IdleTimeout:  2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		_ = httpServer.Shutdown(shutdownCtx)
		_ = d.DB.Close()
	}()

	log.Printf("[daemon] site %s serving on http://%s", d.SiteID, addr)
	if d.Config.Relay.Endpoint != "" {
		log.Printf("[daemon] registry relay: %s", d.Config.Relay.Endpoint)
	}

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	if d.DB != nil {
		_ = d.DB.Close()
	}
}
