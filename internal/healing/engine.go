package healing

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sentriahealth/appliance/internal/planner"
	"github.com/sentriahealth/appliance/internal/runbook"
	"github.com/sentriahealth/appliance/internal/safety"
	"github.com/sentriahealth/appliance/internal/store"
)

// Decision levels.
const (
	LevelL1 = "L1"
	LevelL2 = "L2"
	LevelL3 = "L3"
)

// Escalation actions.
const (
	ActionFlapSuppressed = "flap_suppressed_awaiting_human"
	ActionFlapDetected   = "flap_detected_escalation"
	ActionEscalated      = "escalate_to_human"
)

const confidenceFloor = 0.7

// Config bounds the engine's behavior.
type Config struct {
	Level1Enabled bool
	Level2Enabled bool
	Level3Enabled bool
	DryRun        bool
	FlapThreshold int
	FlapWindow    time.Duration
}

// Result is the outcome of one heal invocation.
type Result struct {
	IncidentID string              `json:"incident_id"`
	Success    bool                `json:"success"`
	Escalated  bool                `json:"escalated"`
	Level      string              `json:"level"`
	Action     string              `json:"action"`
	RuleID     string              `json:"rule_id,omitempty"`
	RunbookID  string              `json:"runbook_id,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	DryRun     bool                `json:"dry_run,omitempty"`
	RunResult  *runbook.RunResult  `json:"run_result,omitempty"`
}

// Ticket is an L3 escalation handed to notifiers.
type Ticket struct {
	IncidentID   string
	SiteID       string
	HostID       string
	IncidentType string
	Severity     string
	Priority     string
	Reason       string
	CreatedAt    time.Time
}

// Notifier routes L3 tickets to humans. Implementations may be no-ops.
type Notifier interface {
	Notify(ctx context.Context, t *Ticket) error
}

// LogNotifier writes tickets to the process log.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, t *Ticket) error {
	log.Printf("[healing] ESCALATION %s/%s %s (%s): %s",
		t.SiteID, t.HostID, t.IncidentType, t.Priority, t.Reason)
	return nil
}

// EvidenceSink receives completed run results for bundle assembly.
type EvidenceSink interface {
	RecordRun(incident *store.Incident, result *runbook.RunResult) error
}

type flapWindow struct {
	count       int
	windowStart time.Time
}

// Engine routes incidents through suppression, L1 rules, the L2
// planner, and L3 escalation.
type Engine struct {
	cfg       Config
	store     *store.Store
	rules     *RuleSet
	plan      *planner.Planner
	library   *runbook.Library
	runner    *runbook.Engine
	dryRunner *runbook.Engine
	envelope  *safety.Envelope
	notifiers []Notifier
	evidence  EvidenceSink

	keyMu    sync.Mutex
	keyLocks map[string]*sync.Mutex

	flapMu sync.Mutex
	flaps  map[string]*flapWindow

	now func() time.Time
}

// NewEngine wires the decision engine. plan may be nil when L2 is
// disabled; evidence may be nil.
func NewEngine(cfg Config, st *store.Store, rules *RuleSet, plan *planner.Planner,
	library *runbook.Library, runner *runbook.Engine, envelope *safety.Envelope,
	notifiers []Notifier, evidence EvidenceSink) *Engine {

	if cfg.FlapThreshold <= 0 {
		cfg.FlapThreshold = 3
	}
	if cfg.FlapWindow <= 0 {
		cfg.FlapWindow = 120 * time.Minute
	}
	if len(notifiers) == 0 {
		notifiers = []Notifier{LogNotifier{}}
	}
	return &Engine{
		cfg:       cfg,
		store:     st,
		rules:     rules,
		plan:      plan,
		library:   library,
		runner:    runner,
		dryRunner: runbook.NewEngine(runbook.NoopTransport{}, runbook.NoopTransport{}),
		envelope:  envelope,
		notifiers: notifiers,
		evidence:  evidence,
		keyLocks:  make(map[string]*sync.Mutex),
		flaps:     make(map[string]*flapWindow),
		now:       time.Now,
	}
}

// Heal routes one incident through the decision tiers.
func (e *Engine) Heal(ctx context.Context, siteID, hostID, incidentType, severity string, rawData map[string]interface{}) (*Result, error) {
	incident, err := e.store.CreateIncident(siteID, hostID, incidentType, severity, rawData)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}

	osName, _ := rawData["os_name"].(string)
	if osName == "" && WindowsIncident(incidentType) {
		osName = "windows"
	}

	// Suppression and flap state for one key are serialized; concurrent
	// heals for different keys proceed independently.
	unlock := e.lockKey(siteID, hostID, incidentType)
	suppressed, err := e.store.IsFlapSuppressed(siteID, hostID, incidentType)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("suppression check: %w", err)
	}
	if suppressed {
		unlock()
		return e.finishEscalation(ctx, incident, ActionFlapSuppressed,
			"suppressed pending human review", store.ResolutionSuppressed)
	}

	if e.flapCount(siteID, hostID, incidentType) >= e.cfg.FlapThreshold {
		if err := e.store.RecordFlapSuppression(siteID, hostID, incidentType,
			fmt.Sprintf("%d resolutions within %s", e.cfg.FlapThreshold, e.cfg.FlapWindow)); err != nil {
			log.Printf("[healing] Record suppression: %v", err)
		}
		e.clearFlap(siteID, hostID, incidentType)
		unlock()
		return e.finishEscalation(ctx, incident, ActionFlapDetected,
			"flapping detected, automated healing disabled", store.ResolutionEscalated)
	}
	unlock()

	if e.cfg.Level1Enabled && e.rules != nil {
		if res, handled := e.tryL1(ctx, incident, hostID, severity, osName, rawData); handled {
			return res, nil
		}
	}

	if e.cfg.Level2Enabled && e.plan != nil {
		if res, handled := e.tryL2(ctx, incident, hostID, osName, rawData); handled {
			return res, nil
		}
	}

	return e.finishEscalation(ctx, incident, ActionEscalated,
		"no automated resolution available", store.ResolutionEscalated)
}

// tryL1 attempts a deterministic rule. handled=false falls through to
// the next tier.
func (e *Engine) tryL1(ctx context.Context, incident *store.Incident, hostID, severity, osName string, rawData map[string]interface{}) (*Result, bool) {
	rule := e.rules.Match(incident.IncidentType, severity, hostID, rawData)
	if rule == nil {
		return nil, false
	}

	runbookID := rule.RunbookID()
	if runbookID == "" {
		// Alert-only rules resolve without touching the host.
		e.rules.SeedCooldown(rule.ID, hostID)
		e.resolve(incident.ID, LevelL1, rule.Action, store.ResolutionSuccess, "")
		e.bumpFlap(incident.SiteID, hostID, incident.IncidentType)
		return &Result{
			IncidentID: incident.ID, Success: true, Level: LevelL1,
			Action: rule.Action, RuleID: rule.ID,
		}, true
	}

	e.rules.SeedCooldown(rule.ID, hostID)
	res := e.executeRunbook(ctx, incident, hostID, osName, runbookID, LevelL1, rule.ActionParams)
	res.RuleID = rule.ID
	if res.Success {
		e.bumpFlap(incident.SiteID, hostID, incident.IncidentType)
	}
	return res, true
}

// tryL2 consults the planner. handled=false means L2 could not produce
// any decision record and L3 takes over.
func (e *Engine) tryL2(ctx context.Context, incident *store.Incident, hostID, osName string, rawData map[string]interface{}) (*Result, bool) {
	plan, err := e.plan.Plan(ctx, planner.Request{
		IncidentID:       incident.ID,
		SiteID:           incident.SiteID,
		HostID:           hostID,
		IncidentType:     incident.IncidentType,
		Severity:         incident.Severity,
		RawData:          rawData,
		PatternSignature: incident.PatternSignature,
		Catalog:          e.library.Catalog(),
	})
	if err != nil {
		log.Printf("[healing] L2 plan failed: %v", err)
		return nil, false
	}

	decision := &store.L2Decision{
		ID:               uuid.NewString(),
		IncidentID:       incident.ID,
		RunbookID:        plan.RunbookID,
		Reasoning:        plan.Reasoning,
		Confidence:       plan.Confidence,
		Provider:         plan.Provider,
		Model:            plan.Model,
		LatencyMs:        plan.LatencyMs,
		PatternSignature: incident.PatternSignature,
	}
	if err := e.store.SaveL2Decision(decision); err != nil {
		log.Printf("[healing] Save L2 decision: %v", err)
	}

	def, known := e.library.Get(plan.RunbookID)
	switch {
	case plan.RunbookID != "" && !known:
		res, _ := e.finishEscalation(ctx, incident, ActionEscalated,
			fmt.Sprintf("planner chose unknown runbook %s", plan.RunbookID), store.ResolutionEscalated)
		res.Level = LevelL3
		return res, true
	case plan.RequiresHumanReview || plan.Confidence < confidenceFloor || plan.RunbookID == "":
		res, _ := e.finishEscalation(ctx, incident, ActionEscalated,
			fmt.Sprintf("planner confidence %.2f, review=%v: %s",
				plan.Confidence, plan.RequiresHumanReview, plan.Reasoning), store.ResolutionEscalated)
		return res, true
	}

	if guard := e.plan.Guardrails(); guard != nil {
		check := guard.Check(def.ID, runbookScripts(def))
		if !check.Allowed {
			res, _ := e.finishEscalation(ctx, incident, ActionEscalated,
				fmt.Sprintf("guardrails: %s. Original: %s", check.Reason, plan.Reasoning), store.ResolutionEscalated)
			return res, true
		}
	}

	res := e.executeRunbook(ctx, incident, hostID, osName, plan.RunbookID, LevelL2, nil)
	return res, true
}

// executeRunbook applies the safety envelope, runs the runbook, and
// resolves the incident from the run result.
func (e *Engine) executeRunbook(ctx context.Context, incident *store.Incident, hostID, osName, runbookID, level string, params map[string]interface{}) *Result {
	def, ok := e.library.Get(runbookID)
	if !ok {
		res, _ := e.finishEscalation(ctx, incident, ActionEscalated,
			"unknown runbook "+runbookID, store.ResolutionEscalated)
		return res
	}

	if e.envelope != nil {
		if err := e.envelope.Gate(incident.SiteID, hostID, runbookID, params); err != nil {
			res, _ := e.finishEscalation(ctx, incident, ActionEscalated,
				"safety envelope: "+err.Error(), store.ResolutionEscalated)
			return res
		}
	}

	runner := e.runner
	if e.cfg.DryRun {
		runner = e.dryRunner
	}
	rr := runner.Execute(ctx, def, hostID, osName)

	success := rr.ResolutionStatus == runbook.StatusSuccess
	if e.envelope != nil {
		e.envelope.RecordOutcome(incident.SiteID, hostID, runbookID, success)
	}

	outcome := store.ResolutionFailure
	if success {
		outcome = store.ResolutionSuccess
	}
	e.resolve(incident.ID, level, "run_runbook:"+runbookID, outcome, rr.ResolutionStatus)

	if e.evidence != nil {
		if err := e.evidence.RecordRun(incident, rr); err != nil {
			log.Printf("[healing] Evidence record: %v", err)
		}
	}

	res := &Result{
		IncidentID: incident.ID,
		Success:    success,
		Level:      level,
		Action:     "run_runbook:" + runbookID,
		RunbookID:  runbookID,
		DryRun:     e.cfg.DryRun,
		RunResult:  rr,
	}
	if !success {
		res.Reason = "runbook " + rr.ResolutionStatus
		e.notify(ctx, incident, res.Reason)
		res.Escalated = true
	}
	return res
}

// finishEscalation resolves the incident at L3 and notifies humans.
func (e *Engine) finishEscalation(ctx context.Context, incident *store.Incident, action, reason, outcome string) (*Result, error) {
	e.resolve(incident.ID, LevelL3, action, outcome, reason)
	if e.cfg.Level3Enabled {
		e.notify(ctx, incident, reason)
	}
	return &Result{
		IncidentID: incident.ID,
		Success:    false,
		Escalated:  true,
		Level:      LevelL3,
		Action:     action,
		Reason:     reason,
	}, nil
}

func (e *Engine) notify(ctx context.Context, incident *store.Incident, reason string) {
	t := &Ticket{
		IncidentID:   incident.ID,
		SiteID:       incident.SiteID,
		HostID:       incident.HostID,
		IncidentType: incident.IncidentType,
		Severity:     incident.Severity,
		Priority:     priorityFor(incident.Severity),
		Reason:       reason,
		CreatedAt:    e.now(),
	}
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, t); err != nil {
			log.Printf("[healing] Notifier: %v", err)
		}
	}
}

func (e *Engine) resolve(incidentID, level, action, outcome, feedback string) {
	err := e.store.ResolveIncident(incidentID, store.Resolution{
		Level:    level,
		Action:   action,
		Outcome:  outcome,
		Feedback: feedback,
	})
	if err != nil {
		log.Printf("[healing] Resolve incident %s: %v", incidentID, err)
	}
}

// --- flap tracking ---

func flapKey(siteID, hostID, incidentType string) string {
	return siteID + "|" + hostID + "|" + incidentType
}

// flapCount returns the current in-window count, resetting an elapsed
// window.
func (e *Engine) flapCount(siteID, hostID, incidentType string) int {
	e.flapMu.Lock()
	defer e.flapMu.Unlock()

	k := flapKey(siteID, hostID, incidentType)
	w, ok := e.flaps[k]
	if !ok {
		return 0
	}
	if e.now().Sub(w.windowStart) > e.cfg.FlapWindow {
		delete(e.flaps, k)
		return 0
	}
	return w.count
}

// bumpFlap counts a successful automated resolution toward the flap
// threshold.
func (e *Engine) bumpFlap(siteID, hostID, incidentType string) {
	e.flapMu.Lock()
	defer e.flapMu.Unlock()

	k := flapKey(siteID, hostID, incidentType)
	now := e.now()
	w, ok := e.flaps[k]
	if !ok || now.Sub(w.windowStart) > e.cfg.FlapWindow {
		e.flaps[k] = &flapWindow{count: 1, windowStart: now}
		return
	}
	w.count++
}

func (e *Engine) clearFlap(siteID, hostID, incidentType string) {
	e.flapMu.Lock()
	defer e.flapMu.Unlock()
	delete(e.flaps, flapKey(siteID, hostID, incidentType))
}

func (e *Engine) lockKey(siteID, hostID, incidentType string) func() {
	k := flapKey(siteID, hostID, incidentType)
	e.keyMu.Lock()
	mu, ok := e.keyLocks[k]
	if !ok {
		mu = &sync.Mutex{}
		e.keyLocks[k] = mu
	}
	e.keyMu.Unlock()

	mu.Lock()
	return mu.Unlock
}

// priorityFor maps incident severity to ticket priority.
func priorityFor(severity string) string {
	switch strings.ToLower(severity) {
	case "critical":
		return "P1"
	case "high":
		return "P2"
	case "medium":
		return "P3"
	default:
		return "P4"
	}
}

// runbookScripts collects every script in a definition for guardrail
// scanning.
func runbookScripts(def *runbook.Definition) []string {
	scripts := []string{def.Detect.Script}
	if def.Remediate != nil {
		scripts = append(scripts, def.Remediate.Script)
		for _, s := range def.Remediate.Scripts {
			scripts = append(scripts, s)
		}
	}
	if def.Verify != nil {
		scripts = append(scripts, def.Verify.Script)
	}
	if def.Rollback != nil && def.Rollback.Script != "" {
		scripts = append(scripts, def.Rollback.Script)
	}
	return scripts
}

// WindowsIncident reports whether an incident type routes to the
// Windows transport.
func WindowsIncident(incidentType string) bool {
	t := strings.ToLower(incidentType)
	for _, marker := range []string{
		"windows", "defender", "firewall_status", "gpo", "bitlocker",
		"smb", "rdp", "scheduled_task", "registry",
	} {
		if strings.Contains(t, marker) {
			return true
		}
	}
	return false
}
