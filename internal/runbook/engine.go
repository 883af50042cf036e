package runbook

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log"
	"strings"
	"time"
)

// ExecResult is what a transport returns for one script run.
type ExecResult struct {
	Success  bool
	ExitCode int
	Stdout   string
	Stderr   string
	Error    string
}

// Transport runs a script on a remote host. Implementations wrap the
// SSH and WinRM executors; elevate is only meaningful for POSIX.
type Transport interface {
	Run(ctx context.Context, host, script string, timeout time.Duration, retries int, elevate bool) *ExecResult
}

// NoopTransport records the call without touching the host. Used for
// dry-run healing rollouts.
type NoopTransport struct{}

func (NoopTransport) Run(_ context.Context, host, _ string, _ time.Duration, _ int, _ bool) *ExecResult {
	log.Printf("[runbook] DRY RUN on %s", host)
	return &ExecResult{Success: true, ExitCode: 0, Stdout: "DRY_RUN"}
}

// Phase result values.
const (
	StepOK     = "ok"
	StepFailed = "failed"
)

// Resolution statuses for a completed run.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusFailed  = "failed"
)

const excerptBytes = 500

// ActionStep is the audit record of one executed phase.
type ActionStep struct {
	Step          int       `json:"step"`
	Action        string    `json:"action"` // detect, remediate, verify, rollback
	ScriptHash    string    `json:"script_hash"`
	Result        string    `json:"result"` // ok, failed
	ExitCode      int       `json:"exit_code"`
	StdoutExcerpt string    `json:"stdout_excerpt,omitempty"`
	StderrExcerpt string    `json:"stderr_excerpt,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// RunResult is the outcome of a full runbook execution, handed to
// evidence assembly.
type RunResult struct {
	RunbookID        string       `json:"runbook_id"`
	RunbookVersion   string       `json:"runbook_version"`
	DefinitionHash   string       `json:"definition_hash"`
	Host             string       `json:"host"`
	ResolutionStatus string       `json:"resolution_status"` // success, partial, failed
	MTTRSeconds      float64      `json:"mttr_seconds"`
	SLAMet           bool         `json:"sla_met"`
	StepsExecuted    int          `json:"steps_executed"`
	StepsTotal       int          `json:"steps_total"`
	Steps            []ActionStep `json:"steps"`
	RollbackRan      bool         `json:"rollback_ran,omitempty"`
	AlertRequested   bool         `json:"alert_requested,omitempty"`
	TicketRequested  bool         `json:"ticket_requested,omitempty"`
	StartedAt        time.Time    `json:"started_at"`
	CompletedAt      time.Time    `json:"completed_at"`
}

// Engine executes runbooks phase by phase over the owned transports.
type Engine struct {
	posix   Transport
	windows Transport
	now     func() time.Time
}

// NewEngine creates an engine over the two transports. Either may be
// NoopTransport for dry-run deployments.
func NewEngine(posix, windows Transport) *Engine {
	return &Engine{posix: posix, windows: windows, now: time.Now}
}

// Execute runs def against host. osName selects a per-OS remediate
// variant when the definition carries one. Phases run strictly in
// order; a compliant detect stops early with success, any later phase
// failure triggers rollback.
func (e *Engine) Execute(ctx context.Context, def *Definition, host, osName string) *RunResult {
	start := e.now()
	transport := e.posix
	if def.Windows() {
		transport = e.windows
	}

	total := 1
	if def.Remediate != nil {
		total++
	}
	if def.Verify != nil {
		total++
	}

	result := &RunResult{
		RunbookID:      def.ID,
		RunbookVersion: def.Version,
		DefinitionHash: def.Hash,
		Host:           host,
		StepsTotal:     total,
		StartedAt:      start,
	}

	finish := func(status string) *RunResult {
		result.ResolutionStatus = status
		result.CompletedAt = e.now()
		result.MTTRSeconds = result.CompletedAt.Sub(start).Seconds()
		result.SLAMet = def.SLASeconds <= 0 || result.MTTRSeconds <= float64(def.SLASeconds)
		log.Printf("[runbook] %s on %s: %s in %.1fs (%d/%d steps)",
			def.ID, host, status, result.MTTRSeconds, result.StepsExecuted, result.StepsTotal)
		return result
	}

	// Detect.
	detect, detectOut := e.runPhase(ctx, transport, host, "detect", &def.Detect, def.Detect.Script, def.RequiresPrivilege)
	detect.Step = 1
	result.Steps = append(result.Steps, detect)
	result.StepsExecuted++
	if detect.Result == StepFailed {
		return finish(StatusFailed)
	}
	if detectReportsCompliant(detectOut) {
		return finish(StatusSuccess)
	}

	// Remediate.
	if def.Remediate != nil {
		script := def.Remediate.ScriptFor(osName)
		step, _ := e.runPhase(ctx, transport, host, "remediate", def.Remediate, script, def.RequiresPrivilege)
		step.Step = len(result.Steps) + 1
		result.Steps = append(result.Steps, step)
		result.StepsExecuted++
		if step.Result == StepFailed {
			e.rollback(ctx, transport, host, def, result)
			return finish(StatusFailed)
		}
	}

	// Verify.
	if def.Verify != nil {
		step, _ := e.runPhase(ctx, transport, host, "verify", def.Verify, def.Verify.Script, def.RequiresPrivilege)
		step.Step = len(result.Steps) + 1
		result.Steps = append(result.Steps, step)
		result.StepsExecuted++
		if step.Result == StepFailed {
			e.rollback(ctx, transport, host, def, result)
			return finish(StatusPartial)
		}
	}

	return finish(StatusSuccess)
}

// rollback runs the definition's rollback steps. Rollback outcome never
// upgrades the resolution status; its steps are appended for the audit
// trail only.
func (e *Engine) rollback(ctx context.Context, transport Transport, host string, def *Definition, result *RunResult) {
	result.RollbackRan = true
	if def.Rollback == nil {
		return
	}
	result.AlertRequested = def.Rollback.Alert
	result.TicketRequested = def.Rollback.CreateTicket

	if def.Rollback.Script == "" {
		return
	}
	phase := &Phase{
		Script:         def.Rollback.Script,
		TimeoutSeconds: def.Rollback.TimeoutSeconds,
	}
	step, _ := e.runPhase(ctx, transport, host, "rollback", phase, phase.Script, def.RequiresPrivilege)
	step.Step = len(result.Steps) + 1
	result.Steps = append(result.Steps, step)
	if step.Result == StepFailed {
		log.Printf("[runbook] Rollback script failed for %s on %s", def.ID, host)
	}
}

func (e *Engine) runPhase(ctx context.Context, transport Transport, host, action string, phase *Phase, script string, elevate bool) (ActionStep, string) {
	timeout := time.Duration(phase.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	r := transport.Run(ctx, host, script, timeout, phase.Retries, elevate)

	step := ActionStep{
		Action:        action,
		ScriptHash:    scriptHash(script),
		ExitCode:      r.ExitCode,
		StdoutExcerpt: excerpt(r.Stdout),
		StderrExcerpt: excerpt(r.Stderr),
		ErrorMessage:  r.Error,
		Timestamp:     e.now(),
	}
	if r.Success {
		step.Result = StepOK
	} else {
		step.Result = StepFailed
	}
	return step, r.Stdout
}

// detectReportsCompliant decides whether a detect phase found no drift.
// JSON output wins; otherwise a plain "compliant" verdict counts unless
// it is negated.
func detectReportsCompliant(stdout string) bool {
	s := strings.TrimSpace(stdout)
	if s == "" {
		return false
	}

	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(s), &obj); err == nil {
		if v, ok := obj["compliant"].(bool); ok {
			return v
		}
		if v, ok := obj["drift_detected"].(bool); ok {
			return !v
		}
		return false
	}

	low := strings.ToLower(s)
	if strings.Contains(low, "non-compliant") || strings.Contains(low, "noncompliant") || strings.Contains(low, "not compliant") {
		return false
	}
	return strings.Contains(low, "compliant")
}

func scriptHash(script string) string {
	sum := sha256.Sum256([]byte(script))
	return hex.EncodeToString(sum[:8])
}

func excerpt(s string) string {
	if len(s) > excerptBytes {
		return s[:excerptBytes]
	}
	return s
}
