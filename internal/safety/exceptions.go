package safety

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Exception scopes.
const (
	ScopeRunbook = "runbook"
	ScopeCheck   = "check"
	ScopeControl = "control"
)

// Exception effects.
const (
	EffectSuppressAlert   = "suppress_alert"
	EffectSkipRemediation = "skip_remediation"
	EffectBoth            = "both"
)

// tierMaxDays caps exception durations by approval tier.
var tierMaxDays = map[string]int{
	"technician": 30,
	"manager":    90,
	"ciso":       365,
}

// Exception is a site-scoped documented exemption.
type Exception struct {
	ID         string
	SiteID     string
	Scope      string // runbook, check, control
	Ref        string // runbook id, check type, or control ref
	Effect     string // suppress_alert, skip_remediation, both
	Reason     string
	ApprovedBy string
	Tier       string
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// SuppressesAlert reports whether alerts for the target are silenced.
func (e *Exception) SuppressesAlert() bool {
	return e.Effect == EffectSuppressAlert || e.Effect == EffectBoth
}

// SkipsRemediation reports whether remediation for the target is skipped.
func (e *Exception) SkipsRemediation() bool {
	return e.Effect == EffectSkipRemediation || e.Effect == EffectBoth
}

// ExceptionRegistry holds active exceptions.
type ExceptionRegistry struct {
	mu         sync.RWMutex
	exceptions []*Exception
	now        func() time.Time
}

// NewExceptionRegistry creates an empty registry.
func NewExceptionRegistry() *ExceptionRegistry {
	return &ExceptionRegistry{now: time.Now}
}

// Add registers an exception, enforcing the tier's maximum duration and
// requiring a documented reason and approver.
func (r *ExceptionRegistry) Add(e *Exception) error {
	if e.Reason == "" {
		return fmt.Errorf("exception requires a documented reason")
	}
	if e.ApprovedBy == "" {
		return fmt.Errorf("exception requires an approver")
	}
	maxDays, ok := tierMaxDays[strings.ToLower(e.Tier)]
	if !ok {
		return fmt.Errorf("unknown approval tier: %s", e.Tier)
	}

	now := r.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	maxExpiry := e.CreatedAt.AddDate(0, 0, maxDays)
	if e.ExpiresAt.IsZero() || e.ExpiresAt.After(maxExpiry) {
		e.ExpiresAt = maxExpiry
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.exceptions = append(r.exceptions, e)
	return nil
}

// ActiveFor returns the active exception matching (site, scope, ref),
// or nil.
func (r *ExceptionRegistry) ActiveFor(siteID, scope, ref string) *Exception {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	for _, e := range r.exceptions {
		if e.SiteID == siteID && e.Scope == scope && e.Ref == ref && now.Before(e.ExpiresAt) {
			return e
		}
	}
	return nil
}

// PruneExpired drops expired exceptions and returns the removed count.
func (r *ExceptionRegistry) PruneExpired() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	kept := r.exceptions[:0]
	removed := 0
	for _, e := range r.exceptions {
		if now.Before(e.ExpiresAt) {
			kept = append(kept, e)
		} else {
			removed++
		}
	}
	r.exceptions = kept
	return removed
}
