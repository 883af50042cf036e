package safety

import (
	"fmt"
	"time"
)

// Envelope bundles every safety mechanism applied around an execution.
type Envelope struct {
	Limiter    *RateLimiter
	Breakers   *BreakerSet
	Whitelist  ParamWhitelist
	Approvals  *ApprovalManager
	Exceptions *ExceptionRegistry
	Validation ValidationSpec
}

// NewEnvelope wires the default envelope from the configured bounds.
func NewEnvelope(cooldown time.Duration, clientHourly, globalHourly, circuitFailures int, circuitTimeout time.Duration) *Envelope {
	return &Envelope{
		Limiter:    NewRateLimiter(cooldown, clientHourly, globalHourly),
		Breakers:   NewBreakerSet(circuitFailures, circuitTimeout, 2),
		Whitelist:  ParamWhitelist{},
		Approvals:  NewApprovalManager(nil, MaintenanceWindow{}, 0),
		Exceptions: NewExceptionRegistry(),
	}
}

// Gate runs every pre-execution check for (site, host, action). A nil
// return both permits and records the execution attempt.
func (e *Envelope) Gate(site, host, action string, params map[string]interface{}) error {
	if ex := e.Exceptions.ActiveFor(site, ScopeRunbook, action); ex != nil && ex.SkipsRemediation() {
		return fmt.Errorf("active exception skips remediation: %s", ex.Reason)
	}

	if err := ValidateParams(params, e.Validation); err != nil {
		return fmt.Errorf("validation: %w", err)
	}
	if err := e.Whitelist.Check(action, params); err != nil {
		return fmt.Errorf("whitelist: %w", err)
	}

	if decision := e.Approvals.Evaluate(site, host, action); !decision.Approved {
		return fmt.Errorf("approval required (%s): %s", decision.RequestID, decision.Reason)
	}

	if err := e.Breakers.For(site + "|" + action).Allow(); err != nil {
		return err
	}
	if err := e.Limiter.Allow(site, host, action); err != nil {
		return err
	}
	return nil
}

// RecordOutcome feeds the execution result back into the breaker and
// the adaptive cooldown.
func (e *Envelope) RecordOutcome(site, host, action string, success bool) {
	b := e.Breakers.For(site + "|" + action)
	if success {
		b.RecordSuccess()
		e.Limiter.RecordSuccess(site, host, action)
	} else {
		b.RecordFailure()
		e.Limiter.RecordFailure(site, host, action)
	}
}
