package runbook

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleRunbook = `id: RB-FW-001
name: Restore firewall
version: "1.2"
description: Re-enables the host firewall when drift is detected.
target: windows
requires_privilege: true
sla_seconds: 900
detect:
  script: |
    Get-NetFirewallProfile | ConvertTo-Json
  timeout_seconds: 60
  output_json: true
remediate:
  script: |
    Set-NetFirewallProfile -All -Enabled True
  timeout_seconds: 120
  retries: 1
verify:
  script: |
    Get-NetFirewallProfile | ConvertTo-Json
  timeout_seconds: 60
rollback:
  alert: true
  create_ticket: true
`

func writeRunbook(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLibraryLoad(t *testing.T) {
	dir := t.TempDir()
	writeRunbook(t, dir, "firewall.yaml", sampleRunbook)
	writeRunbook(t, dir, "broken.yaml", "{{not yaml")
	writeRunbook(t, dir, "noid.yaml", "name: orphan\ndetect:\n  script: echo hi\n")
	writeRunbook(t, dir, "notes.txt", "ignore me")

	lib := NewLibrary(dir)
	if lib.Count() != 1 {
		t.Fatalf("expected 1 runbook, got %d", lib.Count())
	}

	def, ok := lib.Get("RB-FW-001")
	if !ok {
		t.Fatal("RB-FW-001 not loaded")
	}
	if !def.Windows() {
		t.Error("target should be windows")
	}
	if def.Hash == "" || len(def.Hash) != 64 {
		t.Errorf("definition hash not set: %q", def.Hash)
	}
	if def.Remediate == nil || def.Verify == nil || def.Rollback == nil {
		t.Fatal("phases not parsed")
	}
	if !def.Rollback.Alert || !def.Rollback.CreateTicket {
		t.Error("rollback flags not parsed")
	}
}

func TestLibraryReload(t *testing.T) {
	dir := t.TempDir()
	lib := NewLibrary(dir)
	if lib.Count() != 0 {
		t.Fatalf("expected empty library, got %d", lib.Count())
	}

	writeRunbook(t, dir, "firewall.yaml", sampleRunbook)
	if err := lib.Load(); err != nil {
		t.Fatal(err)
	}
	if !lib.Has("RB-FW-001") {
		t.Fatal("reload did not pick up new file")
	}

	cat := lib.Catalog()
	if len(cat) != 1 || cat[0].ID != "RB-FW-001" {
		t.Fatalf("catalog = %+v", cat)
	}
}

func TestMissingDirIsEmpty(t *testing.T) {
	lib := NewLibrary(filepath.Join(t.TempDir(), "nope"))
	if lib.Count() != 0 {
		t.Fatal("missing dir should load zero runbooks")
	}
}

func TestScriptForVariant(t *testing.T) {
	p := &Phase{
		Script:  "default.sh",
		Scripts: map[string]string{"ubuntu": "apt.sh", "rhel": "yum.sh"},
	}
	if got := p.ScriptFor("Ubuntu 22.04"); got != "apt.sh" {
		t.Errorf("ubuntu variant = %q", got)
	}
	if got := p.ScriptFor("rhel"); got != "yum.sh" {
		t.Errorf("rhel variant = %q", got)
	}
	if got := p.ScriptFor("debian"); got != "default.sh" {
		t.Errorf("fallback = %q", got)
	}
}

// scriptedTransport returns canned results in call order.
type scriptedTransport struct {
	results []*ExecResult
	calls   []string
}

func (s *scriptedTransport) Run(_ context.Context, _, script string, _ time.Duration, _ int, _ bool) *ExecResult {
	s.calls = append(s.calls, script)
	if len(s.results) == 0 {
		return &ExecResult{Success: true, ExitCode: 0}
	}
	r := s.results[0]
	s.results = s.results[1:]
	return r
}

func testDef() *Definition {
	return &Definition{
		ID:         "RB-SSH-001",
		Version:    "1.0",
		Hash:       "abc123",
		Target:     "posix",
		SLASeconds: 900,
		Detect:     Phase{Script: "detect.sh", TimeoutSeconds: 30},
		Remediate:  &Phase{Script: "fix.sh", TimeoutSeconds: 60},
		Verify:     &Phase{Script: "verify.sh", TimeoutSeconds: 30},
		Rollback:   &Rollback{Alert: true, Script: "undo.sh"},
	}
}

func TestExecuteDetectCompliantStopsEarly(t *testing.T) {
	tr := &scriptedTransport{results: []*ExecResult{
		{Success: true, Stdout: `{"compliant": true}`},
	}}
	eng := NewEngine(tr, tr)

	res := eng.Execute(context.Background(), testDef(), "web01", "ubuntu")
	if res.ResolutionStatus != StatusSuccess {
		t.Fatalf("status = %s", res.ResolutionStatus)
	}
	if res.StepsExecuted != 1 || len(res.Steps) != 1 {
		t.Fatalf("expected only detect to run, got %d steps", len(res.Steps))
	}
	if res.StepsTotal != 3 {
		t.Fatalf("steps_total = %d", res.StepsTotal)
	}
	if !res.SLAMet {
		t.Error("sla_met should be true")
	}
}

func TestExecuteFullRunSuccess(t *testing.T) {
	tr := &scriptedTransport{results: []*ExecResult{
		{Success: true, Stdout: `{"compliant": false}`},
		{Success: true, Stdout: "fixed"},
		{Success: true, Stdout: `{"compliant": true}`},
	}}
	eng := NewEngine(tr, tr)

	res := eng.Execute(context.Background(), testDef(), "web01", "ubuntu")
	if res.ResolutionStatus != StatusSuccess {
		t.Fatalf("status = %s", res.ResolutionStatus)
	}
	if res.StepsExecuted != 3 {
		t.Fatalf("steps_executed = %d", res.StepsExecuted)
	}
	for i, step := range res.Steps {
		if step.Step != i+1 {
			t.Errorf("step %d numbered %d", i, step.Step)
		}
		if step.Result != StepOK {
			t.Errorf("step %s = %s", step.Action, step.Result)
		}
		if step.ScriptHash == "" {
			t.Errorf("step %s missing script hash", step.Action)
		}
	}
}

func TestExecuteRemediateFailureRollsBack(t *testing.T) {
	tr := &scriptedTransport{results: []*ExecResult{
		{Success: true, Stdout: "drift detected"},
		{Success: false, ExitCode: 1, Stderr: "permission denied"},
		{Success: true, Stdout: "rolled back"},
	}}
	eng := NewEngine(tr, tr)

	res := eng.Execute(context.Background(), testDef(), "web01", "ubuntu")
	if res.ResolutionStatus != StatusFailed {
		t.Fatalf("status = %s, rollback must not upgrade failed", res.ResolutionStatus)
	}
	if !res.RollbackRan || !res.AlertRequested {
		t.Error("rollback bookkeeping missing")
	}
	last := res.Steps[len(res.Steps)-1]
	if last.Action != "rollback" || last.Result != StepOK {
		t.Fatalf("last step = %s/%s", last.Action, last.Result)
	}
	if len(tr.calls) != 3 || tr.calls[2] != "undo.sh" {
		t.Fatalf("calls = %v", tr.calls)
	}
}

func TestExecuteVerifyFailureIsPartial(t *testing.T) {
	tr := &scriptedTransport{results: []*ExecResult{
		{Success: true, Stdout: "drift detected"},
		{Success: true, Stdout: "fixed"},
		{Success: false, ExitCode: 2, Stderr: "still drifted"},
		{Success: true},
	}}
	eng := NewEngine(tr, tr)

	res := eng.Execute(context.Background(), testDef(), "web01", "ubuntu")
	if res.ResolutionStatus != StatusPartial {
		t.Fatalf("status = %s", res.ResolutionStatus)
	}
	if !res.RollbackRan {
		t.Error("verify failure should trigger rollback")
	}
}

func TestExecuteDetectFailureNoRollback(t *testing.T) {
	tr := &scriptedTransport{results: []*ExecResult{
		{Success: false, ExitCode: -1, Error: "connection refused"},
	}}
	eng := NewEngine(tr, tr)

	res := eng.Execute(context.Background(), testDef(), "web01", "ubuntu")
	if res.ResolutionStatus != StatusFailed {
		t.Fatalf("status = %s", res.ResolutionStatus)
	}
	if res.RollbackRan {
		t.Error("detect failure must not roll back")
	}
	if len(tr.calls) != 1 {
		t.Fatalf("calls = %v", tr.calls)
	}
}

func TestExecutePerOSVariant(t *testing.T) {
	def := testDef()
	def.Remediate.Scripts = map[string]string{"ubuntu": "apt-fix.sh"}

	tr := &scriptedTransport{results: []*ExecResult{
		{Success: true, Stdout: "drift"},
		{Success: true},
		{Success: true, Stdout: "compliant"},
	}}
	eng := NewEngine(tr, tr)
	eng.Execute(context.Background(), def, "web01", "Ubuntu 22.04")

	if tr.calls[1] != "apt-fix.sh" {
		t.Fatalf("remediate used %q, want ubuntu variant", tr.calls[1])
	}
}

func TestDetectReportsCompliant(t *testing.T) {
	tests := []struct {
		stdout string
		want   bool
	}{
		{`{"compliant": true}`, true},
		{`{"compliant": false}`, false},
		{`{"drift_detected": false}`, true},
		{`{"drift_detected": true}`, false},
		{"compliant", true},
		{"COMPLIANT", true},
		{"non-compliant", false},
		{"not compliant", false},
		{"drift in firewall profile", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := detectReportsCompliant(tt.stdout); got != tt.want {
			t.Errorf("detectReportsCompliant(%q) = %v, want %v", tt.stdout, got, tt.want)
		}
	}
}

func TestNoopTransport(t *testing.T) {
	eng := NewEngine(NoopTransport{}, NoopTransport{})
	def := testDef()

	res := eng.Execute(context.Background(), def, "web01", "ubuntu")
	if res.ResolutionStatus != StatusSuccess {
		t.Fatalf("dry run status = %s", res.ResolutionStatus)
	}
	if !strings.Contains(res.Steps[0].StdoutExcerpt, "DRY_RUN") {
		t.Error("dry run marker missing")
	}
}

func TestExcerptTruncates(t *testing.T) {
	long := strings.Repeat("x", 2000)
	if got := excerpt(long); len(got) != excerptBytes {
		t.Fatalf("excerpt length = %d", len(got))
	}
	if got := excerpt("short"); got != "short" {
		t.Fatalf("short excerpt altered: %q", got)
	}
}
