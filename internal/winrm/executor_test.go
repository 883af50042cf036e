package winrm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/sentriahealth/appliance/internal/redact"
)

func testExecutor() *Executor {
	return NewExecutor(Credentials{Username: `CLINIC\svc-appliance`, Password: "pass"}, nil)
}

func TestEncodePowerShell(t *testing.T) {
	// -EncodedCommand expects UTF-16LE base64.
	// "Get-Date" in UTF-16LE: 47 00 65 00 74 00 2D 00 44 00 61 00 74 00 65 00
	encoded := encodePowerShell("Get-Date")
	expected := "RwBlAHQALQBEAGEAdABlAA=="
	if encoded != expected {
		t.Fatalf("expected %s, got %s", expected, encoded)
	}
}

func TestSplitString(t *testing.T) {
	tests := []struct {
		input    string
		size     int
		expected int
	}{
		{"hello", 3, 2},
		{"hello", 10, 1},
		{"", 5, 0},
		{"abcdef", 2, 3},
		{"abcdefg", 3, 3},
	}

	for _, tt := range tests {
		chunks := splitString(tt.input, tt.size)
		if len(chunks) != tt.expected {
			t.Fatalf("splitString(%q, %d) = %d chunks, want %d", tt.input, tt.size, len(chunks), tt.expected)
		}
		if joined := strings.Join(chunks, ""); joined != tt.input {
			t.Fatalf("reassembled %q, want %q", joined, tt.input)
		}
	}
}

func TestNewExecutor(t *testing.T) {
	exec := testExecutor()
	if exec.SessionCount() != 0 {
		t.Fatalf("expected 0 sessions, got %d", exec.SessionCount())
	}
}

func TestInvalidateSession(t *testing.T) {
	exec := testExecutor()
	exec.InvalidateSession("nonexistent")
	if exec.SessionCount() != 0 {
		t.Fatal("session count should be 0")
	}
}

func TestExecuteFailsWithBadHost(t *testing.T) {
	exec := testExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	result := exec.Execute(ctx, "192.168.88.999", "Get-Date", 3*time.Second, 0)
	if result.Success {
		t.Fatal("expected failure for invalid target")
	}
	if result.Error == "" {
		t.Fatal("expected error message")
	}
	if result.ExitCode != -1 {
		t.Fatalf("expected exit code -1, got %d", result.ExitCode)
	}
}

func TestRunScriptWrapsFailure(t *testing.T) {
	exec := testExecutor()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out, err := exec.RunScript(ctx, "192.168.88.999", "Get-Date", 3*time.Second)
	if err == nil {
		t.Fatal("expected error for unreachable host")
	}
	if out != "" {
		t.Fatalf("expected empty output, got %q", out)
	}
	if !strings.Contains(err.Error(), "192.168.88.999") {
		t.Fatalf("error should name the host: %v", err)
	}
}

func TestResultScrubbing(t *testing.T) {
	exec := NewExecutor(Credentials{Username: "admin", Password: "p"}, redact.NewScrubber())

	r := &Result{
		Stdout: "exported chart for MRN: 48291043",
		Stderr: "mail bounce for billing@clinic.example",
	}
	exec.scrub(r)

	if strings.Contains(r.Stdout, "48291043") {
		t.Errorf("MRN survived: %q", r.Stdout)
	}
	if strings.Contains(r.Stderr, "@clinic.example") {
		t.Errorf("email survived: %q", r.Stderr)
	}
	if !r.Redacted {
		t.Error("redaction flag not set")
	}

	clean := &Result{Stdout: "spooler running", Stderr: ""}
	exec.scrub(clean)
	if clean.Redacted {
		t.Error("clean output flagged as redacted")
	}
}

func TestLongScriptCrossesTempFileThreshold(t *testing.T) {
	long := strings.Repeat("a", inlineScriptLimit+1)
	if len(long) <= inlineScriptLimit {
		t.Fatal("test setup error: script should exceed inline limit")
	}
	encoded := strings.Repeat("x", len(long)*2)
	if len(splitString(encoded, chunkSize)) < 1 {
		t.Fatal("expected at least one chunk")
	}
}
