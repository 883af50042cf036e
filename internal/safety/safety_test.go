package safety

import (
	"strings"
	"testing"
	"time"
)

func TestValidateParams(t *testing.T) {
	spec := ValidationSpec{
		Required:            []string{"service"},
		Ranges:              map[string][2]float64{"timeout": {1, 600}},
		AllowedPathPrefixes: []string{"/etc/", "/var/lib/"},
	}

	tests := []struct {
		name   string
		params map[string]interface{}
		wantOK bool
	}{
		{"valid", map[string]interface{}{"service": "nginx", "timeout": 30}, true},
		{"missing required", map[string]interface{}{"timeout": 30}, false},
		{"out of range", map[string]interface{}{"service": "nginx", "timeout": 9999}, false},
		{"shell metachars", map[string]interface{}{"service": "nginx; rm -rf /"}, false},
		{"command substitution", map[string]interface{}{"service": "$(whoami)"}, false},
		{"allowed path", map[string]interface{}{"service": "s", "config_path": "/etc/nginx/nginx.conf"}, true},
		{"disallowed path", map[string]interface{}{"service": "s", "config_path": "/root/.ssh/id"}, false},
		{"path traversal", map[string]interface{}{"service": "s", "config_path": "/etc/../root"}, false},
	}
	for _, tt := range tests {
		err := ValidateParams(tt.params, spec)
		if (err == nil) != tt.wantOK {
			t.Errorf("%s: err=%v, wantOK=%v", tt.name, err, tt.wantOK)
		}
	}
}

func TestRateLimiterCooldown(t *testing.T) {
	r := NewRateLimiter(60*time.Second, 100, 1000)
	base := time.Now()
	r.now = func() time.Time { return base }

	if err := r.Allow("s1", "h1", "restart"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if err := r.Allow("s1", "h1", "restart"); err == nil {
		t.Fatal("second call within cooldown should fail")
	}
	if err := r.Allow("s1", "h2", "restart"); err != nil {
		t.Fatalf("different host should pass: %v", err)
	}

	base = base.Add(61 * time.Second)
	if err := r.Allow("s1", "h1", "restart"); err != nil {
		t.Fatalf("after cooldown: %v", err)
	}
}

func TestRateLimiterAdaptivePenalty(t *testing.T) {
	r := NewRateLimiter(60*time.Second, 100, 1000)
	base := time.Now()
	r.now = func() time.Time { return base }

	if err := r.Allow("s1", "h1", "restart"); err != nil {
		t.Fatal(err)
	}
	r.RecordFailure("s1", "h1", "restart")

	// Base cooldown elapsed but penalty doubles the wait.
	base = base.Add(90 * time.Second)
	if err := r.Allow("s1", "h1", "restart"); err == nil {
		t.Fatal("penalized key should still be cooling down")
	}
	base = base.Add(40 * time.Second)
	if err := r.Allow("s1", "h1", "restart"); err != nil {
		t.Fatalf("after penalty window: %v", err)
	}

	r.RecordSuccess("s1", "h1", "restart")
	base = base.Add(61 * time.Second)
	if err := r.Allow("s1", "h1", "restart"); err != nil {
		t.Fatalf("penalty should reset on success: %v", err)
	}
}

func TestRateLimiterHourlyCeilings(t *testing.T) {
	r := NewRateLimiter(time.Millisecond, 3, 1000)
	base := time.Now()
	r.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		base = base.Add(time.Second)
		if err := r.Allow("s1", "h1", "a"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
	base = base.Add(time.Second)
	if err := r.Allow("s1", "h1", "b"); err == nil {
		t.Fatal("client ceiling should trip across actions")
	}

	base = base.Add(time.Hour)
	if err := r.Allow("s1", "h1", "b"); err != nil {
		t.Fatalf("window should slide: %v", err)
	}
}

func TestBreakerLifecycle(t *testing.T) {
	b := NewBreaker(3, 60*time.Second, 2)
	base := time.Now()
	b.now = func() time.Time { return base }

	for i := 0; i < 3; i++ {
		if err := b.Allow(); err != nil {
			t.Fatalf("closed breaker blocked call %d", i)
		}
		b.RecordFailure()
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s after threshold failures", b.State())
	}
	if err := b.Allow(); err == nil {
		t.Fatal("open breaker should block")
	}

	base = base.Add(61 * time.Second)
	if err := b.Allow(); err != nil {
		t.Fatalf("breaker should half-open after timeout: %v", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s", b.State())
	}

	b.RecordSuccess()
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatalf("state = %s after recovery successes", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 60*time.Second, 2)
	base := time.Now()
	b.now = func() time.Time { return base }

	b.RecordFailure()
	base = base.Add(61 * time.Second)
	b.Allow()
	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatalf("state = %s, half-open failure must reopen", b.State())
	}
}

func TestParamWhitelist(t *testing.T) {
	w := ParamWhitelist{
		"restart_service": {
			"service": {"nginx", "postgresql", "spooler"},
			"graceful": nil, // any value
		},
	}

	if err := w.Check("restart_service", map[string]interface{}{"service": "nginx", "graceful": true}); err != nil {
		t.Errorf("valid params rejected: %v", err)
	}
	if err := w.Check("restart_service", map[string]interface{}{"service": "sshd"}); err == nil {
		t.Error("unlisted value accepted")
	}
	if err := w.Check("restart_service", map[string]interface{}{"force": true}); err == nil {
		t.Error("unlisted key accepted")
	}
	if err := w.Check("unlisted_action", map[string]interface{}{"anything": "goes"}); err != nil {
		t.Errorf("unlisted action should be unconstrained: %v", err)
	}
}

func TestApprovalDisruptiveOutsideWindow(t *testing.T) {
	m := NewApprovalManager(map[string]ActionPolicy{
		"reboot_host": {Category: CategoryDisruptive, RequiresApproval: true, AutoApproveInMaintenance: true},
	}, MaintenanceWindow{StartHour: 2, EndHour: 4}, time.Hour)
	m.now = func() time.Time { return time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC) }

	d := m.Evaluate("s1", "h1", "reboot_host")
	if d.Approved {
		t.Fatal("disruptive action approved outside window")
	}
	if d.RequestID == "" {
		t.Fatal("no approval request created")
	}
	if len(m.Pending()) != 1 {
		t.Fatalf("pending = %d", len(m.Pending()))
	}

	if err := m.Approve(d.RequestID, "oncall"); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if !m.IsApproved(d.RequestID) {
		t.Fatal("approved request not recognized")
	}
}

func TestApprovalMaintenanceWindow(t *testing.T) {
	m := NewApprovalManager(map[string]ActionPolicy{
		"reboot_host": {Category: CategoryDisruptive, RequiresApproval: true, AutoApproveInMaintenance: true},
	}, MaintenanceWindow{StartHour: 2, EndHour: 4}, time.Hour)
	m.now = func() time.Time { return time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC) }

	if d := m.Evaluate("s1", "h1", "reboot_host"); !d.Approved {
		t.Fatalf("in-window disruptive action not auto-approved: %s", d.Reason)
	}
}

func TestApprovalExpiry(t *testing.T) {
	m := NewApprovalManager(nil, MaintenanceWindow{}, time.Hour)
	base := time.Date(2026, 8, 24, 14, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return base }

	d := m.Evaluate("s1", "h1", "reboot_host") // inferred disruptive
	if d.Approved {
		t.Fatal("inferred disruptive action should need approval")
	}

	base = base.Add(2 * time.Hour)
	if err := m.Approve(d.RequestID, "oncall"); err == nil {
		t.Fatal("expired request approved")
	}
}

func TestMaintenanceWindowWrapsMidnight(t *testing.T) {
	w := MaintenanceWindow{StartHour: 22, EndHour: 4}
	if !w.Contains(time.Date(2026, 8, 24, 23, 0, 0, 0, time.UTC)) {
		t.Error("23:00 should be inside 22-4")
	}
	if !w.Contains(time.Date(2026, 8, 24, 1, 0, 0, 0, time.UTC)) {
		t.Error("01:00 should be inside 22-4")
	}
	if w.Contains(time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)) {
		t.Error("12:00 should be outside 22-4")
	}
}

func TestExceptionTierCaps(t *testing.T) {
	r := NewExceptionRegistry()
	base := time.Date(2026, 8, 24, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	e := &Exception{
		SiteID:     "s1",
		Scope:      ScopeCheck,
		Ref:        "snmp_security",
		Effect:     EffectSuppressAlert,
		Reason:     "legacy UPS requires SNMPv1 until replacement",
		ApprovedBy: "manager@example",
		Tier:       "technician",
		ExpiresAt:  base.AddDate(1, 0, 0), // over the tier cap
	}
	if err := r.Add(e); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if cap := base.AddDate(0, 0, 30); !e.ExpiresAt.Equal(cap) {
		t.Fatalf("expiry not clamped to tier cap: %v", e.ExpiresAt)
	}

	if got := r.ActiveFor("s1", ScopeCheck, "snmp_security"); got == nil || !got.SuppressesAlert() {
		t.Fatal("active exception not found")
	}
	if r.ActiveFor("s1", ScopeCheck, "other") != nil {
		t.Fatal("wrong ref matched")
	}

	base = base.AddDate(0, 0, 31)
	if r.ActiveFor("s1", ScopeCheck, "snmp_security") != nil {
		t.Fatal("expired exception still active")
	}
	if n := r.PruneExpired(); n != 1 {
		t.Fatalf("pruned %d", n)
	}
}

func TestExceptionRequiresDocumentation(t *testing.T) {
	r := NewExceptionRegistry()
	if err := r.Add(&Exception{SiteID: "s1", Scope: ScopeCheck, Ref: "x", Tier: "manager", ApprovedBy: "a"}); err == nil {
		t.Fatal("missing reason accepted")
	}
	if err := r.Add(&Exception{SiteID: "s1", Scope: ScopeCheck, Ref: "x", Tier: "intern", Reason: "r", ApprovedBy: "a"}); err == nil {
		t.Fatal("unknown tier accepted")
	}
}

func TestEnvelopeGate(t *testing.T) {
	e := NewEnvelope(time.Second, 100, 1000, 5, time.Minute)

	if err := e.Gate("s1", "h1", "restart_service", map[string]interface{}{"service": "nginx"}); err != nil {
		t.Fatalf("clean gate: %v", err)
	}

	if err := e.Gate("s1", "h2", "restart_service", map[string]interface{}{"service": "a; rm -rf /"}); err == nil {
		t.Fatal("metacharacter params passed the gate")
	}

	// Skip-remediation exception blocks the gate.
	e.Exceptions.Add(&Exception{
		SiteID: "s1", Scope: ScopeRunbook, Ref: "patch_host",
		Effect: EffectSkipRemediation, Reason: "change freeze", ApprovedBy: "ciso@example", Tier: "ciso",
	})
	err := e.Gate("s1", "h3", "patch_host", nil)
	if err == nil || !strings.Contains(err.Error(), "exception") {
		t.Fatalf("exception did not block: %v", err)
	}
}

func TestEnvelopeOutcomeFeedback(t *testing.T) {
	e := NewEnvelope(time.Second, 100, 1000, 2, time.Minute)

	for i := 0; i < 2; i++ {
		e.RecordOutcome("s1", "h1", "fix", false)
	}
	if got := e.Breakers.For("s1|fix").State(); got != StateOpen {
		t.Fatalf("breaker state = %s", got)
	}
	if err := e.Gate("s1", "h1", "fix", nil); err == nil {
		t.Fatal("open breaker should block the gate")
	}
}
