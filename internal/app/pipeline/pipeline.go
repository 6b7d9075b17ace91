// Package pipeline orchestrates one patient encounter end to end: modality
// stages under the memory governor, frame extraction, the mode bridge, and
// on escalation the retrieval and interaction stages, the persona debate,
// and the final case commit. The session state machine is driven from here
// and nowhere else.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vitalis-health/vitalis/internal/app/bridge"
	"github.com/vitalis-health/vitalis/internal/app/debate"
	"github.com/vitalis-health/vitalis/internal/app/oncocase"
	"github.com/vitalis-health/vitalis/internal/domain"
	"github.com/vitalis-health/vitalis/internal/infra/anomaly"
	"github.com/vitalis-health/vitalis/internal/infra/governor"
	"github.com/vitalis-health/vitalis/internal/infra/metrics"
	"github.com/vitalis-health/vitalis/internal/infra/sqlite"
	"github.com/vitalis-health/vitalis/internal/infra/telemetry"
)

// ─── Stage Table ────────────────────────────────────────────────────────────

// StageSpec describes one modality stage. Modality doubles as the input key:
// a stage only runs when the request carries data under that key, except the
// escalation stages, which consume the frame instead of raw inputs.
type StageSpec struct {
	Modality    string `toml:"modality"`
	Model       string `toml:"model"`
	EstimatedMB int64  `toml:"estimated_mb"`
	ReducedMB   int64  `toml:"reduced_mb"`
	Enabled     bool   `toml:"enabled"`
	Escalation  bool   `toml:"escalation"`
}

// DefaultStages is the stock stage table. Histology is shipped disabled:
// most deployments have no slide scanner, and the gap feeds the biopsy
// next-best action instead.
func DefaultStages() []StageSpec {
	return []StageSpec{
		{Modality: "audio", Model: domain.ModelASR, EstimatedMB: 800, ReducedMB: 400, Enabled: true},
		{Modality: "cough", Model: domain.ModelHeAR, EstimatedMB: 600, ReducedMB: 300, Enabled: true},
		{Modality: "cxr", Model: domain.ModelCXR, EstimatedMB: 500, ReducedMB: 250, Enabled: true},
		{Modality: "derm", Model: domain.ModelDerm, EstimatedMB: 500, ReducedMB: 250, Enabled: true},
		{Modality: "histo", Model: domain.ModelPath, EstimatedMB: 500, ReducedMB: 250, Enabled: false},
		{Modality: "retrieval", Model: domain.ModelRetrieval, Enabled: true, Escalation: true},
		{Modality: "interaction", Model: domain.ModelInteraction, EstimatedMB: 5000, ReducedMB: 2500, Enabled: true, Escalation: true},
	}
}

// Config tunes the orchestrator.
type Config struct {
	Stages      []StageSpec   `toml:"stages"`
	SampleEvery time.Duration `toml:"sample_every"`
}

// DefaultConfig returns the stock pipeline configuration.
func DefaultConfig() Config {
	return Config{Stages: DefaultStages(), SampleEvery: 500 * time.Millisecond}
}

// ─── Pipeline ───────────────────────────────────────────────────────────────

// Pipeline wires the stage workers, governor, bridge, debate engine and case
// builder over one database. Safe for concurrent Run calls; per-session
// state is serialized through the keyed lock shared with the override path.
type Pipeline struct {
	cfg       Config
	db        *sqlite.DB
	gov       *governor.Governor
	workers   map[string]domain.Worker
	extractor domain.FrameExtractor
	bridge    *bridge.Bridge
	debate    *debate.Engine
	builder   *oncocase.Builder
	sampler   *telemetry.Sampler
	locks     *domain.KeyedMutex
	watch     *anomaly.Detector
}

// New assembles a pipeline. The sampler may be nil; everything else is
// required.
func New(cfg Config, db *sqlite.DB, gov *governor.Governor, workers map[string]domain.Worker,
	extractor domain.FrameExtractor, br *bridge.Bridge, deb *debate.Engine,
	builder *oncocase.Builder, sampler *telemetry.Sampler, locks *domain.KeyedMutex) *Pipeline {
	if len(cfg.Stages) == 0 {
		cfg.Stages = DefaultStages()
	}
	if locks == nil {
		locks = domain.NewKeyedMutex()
	}
	return &Pipeline{
		cfg: cfg, db: db, gov: gov, workers: workers, extractor: extractor,
		bridge: br, debate: deb, builder: builder, sampler: sampler, locks: locks,
	}
}

// AttachWatchdog enables per-model behavior profiling on stage executions.
func (p *Pipeline) AttachWatchdog(d *anomaly.Detector) {
	p.watch = d
}

// RunRequest is one encounter submission. Inputs maps modality keys to raw
// data paths; a typed transcript substitutes for the audio transcription but
// not for the acoustic analysis. A preassigned SessionID lets the caller
// track the run before it finishes; empty means autogenerate.
type RunRequest struct {
	SessionID  string            `json:"session_id,omitempty"`
	PatientID  string            `json:"patient_id"`
	Transcript string            `json:"transcript,omitempty"`
	Inputs     map[string]string `json:"inputs,omitempty"`
}

// RunResult is everything one run produced. It is non-nil whenever a session
// row was created, including failed runs, so callers can always point at the
// session.
type RunResult struct {
	Session  *domain.Session        `json:"session"`
	Evidence []*domain.EvidenceItem `json:"evidence,omitempty"`
	Decision *domain.BridgeDecision `json:"decision,omitempty"`
	Debate   []*domain.DebateOutput `json:"debate,omitempty"`
	Case     *domain.OncoCase       `json:"case,omitempty"`
}

// runState is the mutable scratchpad shared by one run's stage goroutines.
type runState struct {
	mu         sync.Mutex
	phaseName  string
	transcript string
	reduced    bool
}

func (s *runState) setPhase(p string) {
	s.mu.Lock()
	s.phaseName = p
	s.mu.Unlock()
}

func (s *runState) phase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phaseName
}

func (s *runState) setTranscript(t string) {
	s.mu.Lock()
	if s.transcript == "" {
		s.transcript = t
	}
	s.mu.Unlock()
}

func (s *runState) getTranscript() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transcript
}

func (s *runState) setReduced() {
	s.mu.Lock()
	s.reduced = true
	s.mu.Unlock()
}

func (s *runState) wasReduced() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reduced
}

// ─── Run ────────────────────────────────────────────────────────────────────

// Run executes one full encounter. The session rests at TRIAGE when the
// bridge declines to escalate; an aborted debate leaves it at ESCALATED for
// a later retry; every other failure drives it to ERRORED.
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()[:8]
	}
	patientID := req.PatientID
	if patientID == "" {
		patientID = "PT-" + uuid.NewString()[:8]
	}
	sess := &domain.Session{
		SessionID:   sessionID,
		PatientID:   patientID,
		Status:      domain.StatusInitialized,
		Degradation: domain.DegradationFull,
		Transcript:  req.Transcript,
	}
	if err := p.db.CreateSession(sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	log.Printf("[pipeline] session %s started for patient %s", sess.SessionID, sess.PatientID)

	metrics.SessionsStarted.Inc()
	metrics.SessionsActive.Inc()
	defer func() {
		metrics.SessionsActive.Dec()
		metrics.SessionsByOutcome.WithLabelValues(string(sess.Status)).Inc()
	}()

	p.locks.Lock(sess.SessionID)
	defer p.locks.Unlock(sess.SessionID)

	st := &runState{transcript: req.Transcript}
	runCtx, cancelSampler := context.WithCancel(context.Background())
	defer cancelSampler()
	if p.sampler != nil {
		go p.sampler.Run(runCtx, sess.SessionID, st.phase)
	}

	result := &RunResult{Session: sess}

	// Triage: every enabled modality stage, then the structured frame.
	st.setPhase("triage")
	if err := p.runStages(ctx, sess, p.stages(false), req, st, nil); err != nil {
		return result, p.fail(sess, "triage", err)
	}
	evidence, err := p.db.ListEvidence(sess.SessionID)
	if err != nil {
		return result, p.fail(sess, "triage", err)
	}
	frame, err := p.extractFrame(ctx, sess, st, evidence)
	if err != nil {
		return result, p.fail(sess, "frame", err)
	}
	if tr := st.getTranscript(); tr != "" && tr != req.Transcript {
		if err := p.db.UpdateSessionField(sess.SessionID, domain.FieldTranscript, tr); err != nil {
			return result, p.fail(sess, "frame", err)
		}
		sess.Transcript = tr
	}
	evidence, err = p.db.ListEvidence(sess.SessionID)
	if err != nil {
		return result, p.fail(sess, "frame", err)
	}
	result.Evidence = evidence

	if err := p.applyDegradation(sess, evidence, st); err != nil {
		return result, p.fail(sess, "triage", err)
	}
	if err := p.transition(sess, domain.StatusTriage); err != nil {
		return result, p.fail(sess, "triage", err)
	}

	// Bridge: decide whether this encounter needs the oncology path.
	st.setPhase("bridge")
	decision := p.bridge.Decide(frame, evidence, st.getTranscript())
	frame.Bridge = &decision
	if err := p.db.UpdateSessionFrame(sess.SessionID, frame); err != nil {
		return result, p.fail(sess, "bridge", err)
	}
	sess.Frame = frame
	result.Decision = &decision

	if decision.Mode == domain.ModeTriage {
		log.Printf("[pipeline] session %s rests at TRIAGE (score %.2f, threshold %.2f)",
			sess.SessionID, decision.Score, decision.Threshold)
		return result, nil
	}

	if err := p.transition(sess, domain.StatusEscalated); err != nil {
		return result, p.fail(sess, "bridge", err)
	}
	metrics.Escalations.Inc()
	log.Printf("[pipeline] session %s escalated: %s", sess.SessionID, decision.Rationale)

	// Escalation: retrieval and interaction stages run over the frame.
	st.setPhase("escalation")
	if err := p.runStages(ctx, sess, p.stages(true), req, st, frame); err != nil {
		return result, p.fail(sess, "escalation", err)
	}
	if evidence, err = p.db.ListEvidence(sess.SessionID); err != nil {
		return result, p.fail(sess, "escalation", err)
	}
	result.Evidence = evidence
	if err := p.applyDegradation(sess, evidence, st); err != nil {
		return result, p.fail(sess, "escalation", err)
	}

	// Debate: five sequential persona passes over the evidence trace.
	st.setPhase("debate")
	outputs, err := p.debate.Run(ctx, sess, evidence)
	if err != nil {
		if errors.Is(err, domain.ErrDebateAborted) && ctx.Err() == nil {
			log.Printf("[pipeline] session %s debate aborted, session stays ESCALATED: %v", sess.SessionID, err)
			return result, fmt.Errorf("debate: %w", err)
		}
		return result, p.fail(sess, "debate", err)
	}
	result.Debate = outputs
	if err := p.transition(sess, domain.StatusDebate); err != nil {
		return result, p.fail(sess, "debate", err)
	}

	// Finalize: assemble the case and commit it with the status flip.
	st.setPhase("finalize")
	c := p.builder.Build(sess, evidence, outputs)
	if err := p.db.FinalizeCase(c); err != nil {
		return result, p.fail(sess, "finalize", err)
	}
	sess.Status = domain.StatusFinalized
	sess.Staging = c.Staging
	metrics.CasesFinalized.WithLabelValues(string(c.Payload.Risk.Level)).Inc()

	stored, err := p.db.GetCase(sess.SessionID)
	if err != nil {
		return result, fmt.Errorf("reload case: %w", err)
	}
	result.Case = stored
	log.Printf("[pipeline] session %s finalized: stage %s, risk %s, degradation %s",
		sess.SessionID, c.Staging, c.Payload.Risk.Level, sess.Degradation)
	return result, nil
}

// stages filters the table by phase.
func (p *Pipeline) stages(escalation bool) []StageSpec {
	var out []StageSpec
	for _, s := range p.cfg.Stages {
		if s.Escalation == escalation {
			out = append(out, s)
		}
	}
	return out
}

// transition advances the session, keeping the in-memory copy in step.
func (p *Pipeline) transition(sess *domain.Session, to domain.SessionStatus) error {
	if err := p.db.TransitionSession(sess.SessionID, sess.Status, to); err != nil {
		return err
	}
	sess.Status = to
	return nil
}

// fail drives the session to ERRORED, best effort, and wraps the cause.
func (p *Pipeline) fail(sess *domain.Session, phase string, err error) error {
	log.Printf("[pipeline] session %s failed during %s: %v", sess.SessionID, phase, err)
	if !sess.Status.Terminal() {
		if terr := p.db.TransitionSession(sess.SessionID, sess.Status, domain.StatusErrored); terr != nil {
			log.Printf("[pipeline] session %s: could not mark ERRORED: %v", sess.SessionID, terr)
		} else {
			sess.Status = domain.StatusErrored
		}
	}
	return fmt.Errorf("%s: %w", phase, err)
}

// ─── Stage Execution ────────────────────────────────────────────────────────

// runStages executes one phase of the stage table. Stages are packed into
// concurrency groups whose combined full-footprint estimates fit the budget,
// so a group never deadlocks against its own members.
func (p *Pipeline) runStages(ctx context.Context, sess *domain.Session, specs []StageSpec, req RunRequest, st *runState, frame *domain.ClinicalFrame) error {
	var runnable []StageSpec
	for _, spec := range specs {
		if !spec.Enabled {
			// Recorded, not dropped: the gap feeds next-best actions.
			if _, err := p.record(sess, spec, domain.EvidenceSkipped, "stage disabled", 0, ""); err != nil {
				return err
			}
			continue
		}
		runnable = append(runnable, spec)
	}

	for _, group := range planGroups(runnable, p.gov.BudgetMB()) {
		g, gctx := errgroup.WithContext(ctx)
		for _, spec := range group {
			g.Go(func() error {
				return p.runStage(gctx, sess, spec, req, st, frame)
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// planGroups packs stages into sequential groups by full-footprint estimate.
// A stage larger than the budget gets its own group and is left to the
// governor to reject; the reduced retry may still rescue it.
func planGroups(specs []StageSpec, budgetMB int64) [][]StageSpec {
	var groups [][]StageSpec
	var cur []StageSpec
	var curMB int64
	for _, s := range specs {
		if len(cur) > 0 && curMB+s.EstimatedMB > budgetMB {
			groups = append(groups, cur)
			cur, curMB = nil, 0
		}
		cur = append(cur, s)
		curMB += s.EstimatedMB
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

// runStage drives one modality stage to a recorded evidence item. Worker and
// budget faults are absorbed as FAILED evidence; only storage failures and
// cancellation abort the group.
func (p *Pipeline) runStage(ctx context.Context, sess *domain.Session, spec StageSpec, req RunRequest, st *runState, frame *domain.ClinicalFrame) error {
	input, ok := p.inputFor(spec, sess.SessionID, req, st, frame)
	if !ok {
		_, err := p.record(sess, spec, domain.EvidenceMissing, "", 0, "")
		return err
	}

	worker, ok := p.workers[spec.Model]
	if !ok {
		_, err := p.record(sess, spec, domain.EvidenceFailed, "no worker bound for model", 0, "")
		return err
	}

	start := time.Now()
	lease, reduced, err := p.acquireStage(ctx, sess.SessionID, spec)
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			log.Printf("[pipeline] session %s stage %s: %v", sess.SessionID, spec.Model, err)
			_, rerr := p.record(sess, spec, domain.EvidenceFailed, "resource budget exhausted", 0, "")
			return rerr
		}
		return err
	}
	defer lease.Release()

	if reduced {
		input.Reduced = true
		st.setReduced()
	}

	result, err := p.invoke(ctx, worker, spec, input, st)
	elapsed := time.Since(start)
	metrics.StageLatency.WithLabelValues(spec.Model).Observe(elapsed.Seconds())
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Printf("[pipeline] session %s stage %s failed: %v", sess.SessionID, spec.Model, err)
		p.observe(sess, spec, elapsed, 0, false, input.Reduced)
		_, rerr := p.record(sess, spec, domain.EvidenceFailed, err.Error(), 0, "")
		return rerr
	}

	if spec.Model == domain.ModelASR && result.Transcript != "" {
		st.setTranscript(result.Transcript)
	}
	p.observe(sess, spec, elapsed, result.Confidence, result.Status == domain.EvidenceSuccess, input.Reduced)
	_, err = p.record(sess, spec, result.Status, result.Finding, result.Confidence, result.NBA)
	return err
}

// observe feeds the stage outcome to the behavior watchdog, if attached.
func (p *Pipeline) observe(sess *domain.Session, spec StageSpec, elapsed time.Duration, confidence float64, success, reduced bool) {
	if p.watch == nil {
		return
	}
	flag := p.watch.Observe(anomaly.Observation{
		Model:      spec.Model,
		Modality:   spec.Modality,
		SessionID:  sess.SessionID,
		Duration:   elapsed,
		Confidence: confidence,
		Success:    success,
		Reduced:    reduced,
		Timestamp:  time.Now().UTC(),
	})
	if flag.Flagged {
		metrics.StageAnomalies.WithLabelValues(spec.Model, flag.Kind.String()).Inc()
		log.Printf("[pipeline] session %s stage %s anomaly (%s): %s",
			sess.SessionID, spec.Model, flag.Severity, flag.Detail)
	}
}

// acquireStage leases the stage's estimated footprint, falling back once to
// the reduced estimate when the full one is refused.
func (p *Pipeline) acquireStage(ctx context.Context, sessionID string, spec StageSpec) (*governor.Lease, bool, error) {
	lease, err := p.gov.Acquire(ctx, sessionID, spec.Modality, spec.Model, spec.EstimatedMB)
	if err == nil {
		return lease, false, nil
	}
	if !errors.Is(err, domain.ErrResourceExhausted) || spec.ReducedMB <= 0 || spec.ReducedMB >= spec.EstimatedMB {
		return nil, false, err
	}
	metrics.LeaseRejections.WithLabelValues(spec.Model).Inc()
	log.Printf("[pipeline] session %s stage %s: full lease refused, retrying at %d MB",
		sessionID, spec.Model, spec.ReducedMB)
	lease, err = p.gov.Acquire(ctx, sessionID, spec.Modality, spec.Model, spec.ReducedMB)
	if err != nil {
		return nil, false, err
	}
	return lease, true, nil
}

// invoke calls the worker, retrying exactly once in reduced mode on a
// worker fault.
func (p *Pipeline) invoke(ctx context.Context, worker domain.Worker, spec StageSpec, input domain.StageInput, st *runState) (domain.StageResult, error) {
	result, err := worker.Invoke(ctx, input)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, domain.ErrWorkerFailure) {
		return domain.StageResult{}, err
	}
	log.Printf("[pipeline] stage %s fault, retrying reduced: %v", spec.Model, err)
	input.Reduced = true
	st.setReduced()
	return worker.Invoke(ctx, input)
}

// inputFor resolves a stage's input. The transcription stage accepts a typed
// transcript in place of audio; the acoustic stage does not.
func (p *Pipeline) inputFor(spec StageSpec, sessionID string, req RunRequest, st *runState, frame *domain.ClinicalFrame) (domain.StageInput, bool) {
	in := domain.StageInput{SessionID: sessionID, Modality: spec.Modality, Model: spec.Model}
	switch spec.Model {
	case domain.ModelASR:
		path := req.Inputs["audio"]
		transcript := st.getTranscript()
		if path == "" && transcript == "" {
			return in, false
		}
		in.DataPath = path
		in.Transcript = transcript
		return in, true
	case domain.ModelRetrieval, domain.ModelInteraction:
		in.Frame = frame
		in.Transcript = st.getTranscript()
		return in, true
	default:
		if req.Inputs[spec.Modality] == "" {
			return in, false
		}
		in.DataPath = req.Inputs[spec.Modality]
		return in, true
	}
}

// record persists one evidence item and counts the outcome.
func (p *Pipeline) record(sess *domain.Session, spec StageSpec, status domain.EvidenceStatus, finding string, confidence float64, nba string) (*domain.EvidenceItem, error) {
	item := &domain.EvidenceItem{
		SessionID:  sess.SessionID,
		Modality:   spec.Modality,
		Model:      spec.Model,
		Status:     status,
		Finding:    finding,
		Confidence: confidence,
		NBA:        nba,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.db.InsertEvidence(item); err != nil {
		return nil, fmt.Errorf("record %s evidence: %w", spec.Model, err)
	}
	metrics.StageOutcomes.WithLabelValues(spec.Model, string(status)).Inc()
	return item, nil
}

// ─── Frame and Degradation ──────────────────────────────────────────────────

// extractFrame builds the structured frame from the transcript and attaches
// each successful stage's finding. Extraction failure degrades the run but
// never kills it; the bridge can still work from raw evidence.
func (p *Pipeline) extractFrame(ctx context.Context, sess *domain.Session, st *runState, evidence []*domain.EvidenceItem) (*domain.ClinicalFrame, error) {
	spec := StageSpec{Modality: "frame", Model: domain.ModelFrame}

	frame, err := p.extractor.Extract(ctx, st.getTranscript())
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		log.Printf("[pipeline] session %s frame extraction failed: %v", sess.SessionID, err)
		if _, rerr := p.record(sess, spec, domain.EvidenceFailed, err.Error(), 0, ""); rerr != nil {
			return nil, rerr
		}
		frame = &domain.ClinicalFrame{}
	} else {
		finding := fmt.Sprintf("structured frame: %d symptoms, %d conditions, %d medications",
			len(frame.Symptoms), len(frame.Conditions), len(frame.Medications))
		if _, rerr := p.record(sess, spec, domain.EvidenceSuccess, finding, 1.0, ""); rerr != nil {
			return nil, rerr
		}
	}

	for _, e := range evidence {
		if e.Status != domain.EvidenceSuccess || e.Finding == "" {
			continue
		}
		if frame.Findings == nil {
			frame.Findings = make(map[string]string)
		}
		frame.Findings[e.Model] = e.Finding
	}

	if err := p.db.UpdateSessionFrame(sess.SessionID, frame); err != nil {
		return nil, err
	}
	sess.Frame = frame
	return frame, nil
}

// applyDegradation recomputes and persists the session's quality tier.
// Floor keeps the tier monotonic: an escalation-phase recompute can lower
// it, never raise it.
func (p *Pipeline) applyDegradation(sess *domain.Session, evidence []*domain.EvidenceItem, st *runState) error {
	tier := sess.Degradation.Floor(computeDegradation(evidence, st.wasReduced()))
	if tier == sess.Degradation {
		return nil
	}
	if err := p.db.UpdateSessionDegradation(sess.SessionID, tier); err != nil {
		return err
	}
	sess.Degradation = tier
	log.Printf("[pipeline] session %s degradation %s", sess.SessionID, tier)
	return nil
}

// computeDegradation derives the tier from evidence gaps. Disabled stages
// are an operator choice, not a degradation; reduced invocations cap the
// run at DEGRADED even when every stage succeeded.
func computeDegradation(evidence []*domain.EvidenceItem, reduced bool) domain.Degradation {
	gaps := 0
	for _, e := range evidence {
		if e.Model == domain.ModelFrame {
			continue
		}
		if e.Status == domain.EvidenceMissing || e.Status == domain.EvidenceFailed {
			gaps++
		}
	}
	switch {
	case gaps >= 3:
		return domain.DegradationMinimal
	case gaps >= 1 || reduced:
		return domain.DegradationDegraded
	default:
		return domain.DegradationFull
	}
}
