package healing

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeRuleFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", dir, err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

const diskRule = `
id: disk-cleanup
incident_types: [disk_space]
conditions:
  - field: usage_percent
    operator: gt
    value: 90
action: run_runbook
action_params:
  runbook_id: CLEAN-DISK
priority: 10
cooldown_seconds: 600
`

func TestRuleSetLoadAndMatch(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "disk.yaml", diskRule)

	rs := NewRuleSet(dir)
	if rs.Count() != 1 {
		t.Fatalf("Count = %d, want 1", rs.Count())
	}

	rule := rs.Match("disk_space", "high", "host-1", map[string]interface{}{"usage_percent": 95.0})
	if rule == nil {
		t.Fatal("expected a match")
	}
	if rule.RunbookID() != "CLEAN-DISK" {
		t.Errorf("RunbookID = %q", rule.RunbookID())
	}

	if rs.Match("disk_space", "high", "host-1", map[string]interface{}{"usage_percent": 50.0}) != nil {
		t.Error("matched below threshold")
	}
	if rs.Match("cpu_load", "high", "host-1", map[string]interface{}{"usage_percent": 95.0}) != nil {
		t.Error("matched wrong incident type")
	}
}

func TestRuleSetCooldownPerHost(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "disk.yaml", diskRule)

	rs := NewRuleSet(dir)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	rs.now = func() time.Time { return base }

	data := map[string]interface{}{"usage_percent": 95.0}
	if rs.Match("disk_space", "high", "host-1", data) == nil {
		t.Fatal("first match failed")
	}
	rs.SeedCooldown("disk-cleanup", "host-1")

	// Same host inside the cooldown is skipped; another host is not.
	base = base.Add(5 * time.Minute)
	if rs.Match("disk_space", "high", "host-1", data) != nil {
		t.Error("matched inside cooldown")
	}
	if rs.Match("disk_space", "high", "host-2", data) == nil {
		t.Error("cooldown leaked across hosts")
	}

	base = base.Add(6 * time.Minute)
	if rs.Match("disk_space", "high", "host-1", data) == nil {
		t.Error("cooldown did not expire")
	}
}

func TestRulePriorityAndIDTiebreak(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "rules.yaml", `
rules:
  - id: zz-low-priority
    incident_types: [svc_down]
    action: alert
    priority: 100
  - id: b-rule
    incident_types: [svc_down]
    action: alert
    priority: 10
  - id: a-rule
    incident_types: [svc_down]
    action: alert
    priority: 10
`)

	rs := NewRuleSet(dir)
	rule := rs.Match("svc_down", "high", "h1", nil)
	if rule == nil {
		t.Fatal("no match")
	}
	if rule.ID != "a-rule" {
		t.Errorf("matched %s, want a-rule (priority then id order)", rule.ID)
	}
}

func TestRuleEnabledFlag(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "off.yaml", `
id: disabled-rule
incident_types: [svc_down]
action: alert
enabled: false
`)

	rs := NewRuleSet(dir)
	if rs.Count() != 1 {
		t.Fatalf("Count = %d, want 1", rs.Count())
	}
	if rs.Match("svc_down", "high", "h1", nil) != nil {
		t.Error("disabled rule matched")
	}
}

func TestPromotedRulesLoadFromSubdir(t *testing.T) {
	dir := t.TempDir()
	writeRuleFile(t, dir, "site.yaml", diskRule)
	writeRuleFile(t, filepath.Join(dir, "promoted"), "auto.yaml", `
rules:
  - id: promoted-abc
    incident_types: [ntp_drift]
    action: run_runbook
    action_params:
      runbook_id: FIX-NTP
    priority: 50
`)

	rs := NewRuleSet(dir)
	if rs.Count() != 2 {
		t.Fatalf("Count = %d, want 2", rs.Count())
	}
	rule := rs.Match("ntp_drift", "medium", "h1", nil)
	if rule == nil || rule.Source != "promoted" {
		t.Fatalf("promoted rule not matched: %+v", rule)
	}
}

func TestConditionOperators(t *testing.T) {
	data := map[string]interface{}{
		"service": "ntpd",
		"metrics": map[string]interface{}{"offset_ms": 1200.0},
		"message": "clock drift exceeds threshold",
		"flag":    true,
	}

	cases := []struct {
		name string
		cond Condition
		want bool
	}{
		{"eq string", Condition{Field: "service", Operator: OpEq, Value: "ntpd"}, true},
		{"neq string", Condition{Field: "service", Operator: OpNeq, Value: "chronyd"}, true},
		{"nested gt", Condition{Field: "metrics.offset_ms", Operator: OpGt, Value: 1000}, true},
		{"nested le", Condition{Field: "metrics.offset_ms", Operator: OpLe, Value: 1000}, false},
		{"contains", Condition{Field: "message", Operator: OpContains, Value: "drift"}, true},
		{"regex", Condition{Field: "message", Operator: OpRegex, Value: `drift\s+exceeds`}, true},
		{"exists true", Condition{Field: "flag", Operator: OpExists, Value: true}, true},
		{"exists false on missing", Condition{Field: "nope", Operator: OpExists, Value: false}, true},
		{"bool eq", Condition{Field: "flag", Operator: OpEq, Value: true}, true},
		{"missing field", Condition{Field: "nope", Operator: OpEq, Value: "x"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.cond.Matches(data); got != tc.want {
				t.Errorf("Matches = %v, want %v", got, tc.want)
			}
		})
	}
}
