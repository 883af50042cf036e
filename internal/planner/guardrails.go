package planner

import (
	"regexp"
	"strings"
)

// Guardrails validates L2 decisions before execution: a regex blacklist
// over the runbook's scripts and an optional runbook allowlist.
type Guardrails struct {
	dangerousPatterns []*regexp.Regexp
	allowedRunbooks   map[string]bool // empty = any known runbook
}

// dangerousPatternDefs flag destructive commands that must never run
// under automated remediation, whatever the model's confidence.
var dangerousPatternDefs = []string{
	// Filesystem destruction
	`rm\s+(-[a-zA-Z]*)?r[a-zA-Z]*f\s+/`,
	`rm\s+(-[a-zA-Z]*)?f[a-zA-Z]*r\s+/`,
	`\bmkfs\b`,
	`\bfdisk\b`,
	`\bdd\s+if=/dev/zero\b`,
	`\bdd\s+if=/dev/urandom\b`,

	// Permission destruction
	`chmod\s+777\s+/`,
	`chmod\s+(-[a-zA-Z]*)?R\s+777\b`,

	// Remote code execution via pipe
	`curl\s+.*\|\s*(?:ba)?sh`,
	`wget\s+.*\|\s*(?:ba)?sh`,
	`curl\s+.*\|\s*python`,
	`wget\s+.*\|\s*python`,

	// SQL destruction
	`(?i)\bDROP\s+(?:TABLE|DATABASE)\b`,
	`(?i)\bDELETE\s+FROM\b`,
	`(?i)\bTRUNCATE\b`,

	// Credential files
	`/etc/shadow`,
	`\bid_rsa\b`,

	// Reverse shells
	`\bnc\s+.*-[a-zA-Z]*e\s+/bin/`,
	`\bncat\s+.*-[a-zA-Z]*e\s+/bin/`,
	`/dev/tcp/`,

	// System destruction
	`\b(?:shutdown|reboot|halt|poweroff)\b.*-[a-zA-Z]*f\b`,
	`>\s*/dev/sda`,

	// Windows destruction
	`(?i)Format-Volume`,
	`(?i)Clear-Disk`,
	`(?i)Remove-Partition`,
	`(?i)Stop-Computer\s+-Force`,
}

// NewGuardrails compiles the blacklist. allowedRunbooks restricts which
// runbook ids L2 may execute; empty means any loaded runbook.
func NewGuardrails(allowedRunbooks []string) *Guardrails {
	allowed := make(map[string]bool, len(allowedRunbooks))
	for _, id := range allowedRunbooks {
		allowed[strings.ToUpper(id)] = true
	}

	patterns := make([]*regexp.Regexp, 0, len(dangerousPatternDefs))
	for _, p := range dangerousPatternDefs {
		patterns = append(patterns, regexp.MustCompile(p))
	}

	return &Guardrails{
		dangerousPatterns: patterns,
		allowedRunbooks:   allowed,
	}
}

// CheckResult reports whether a decision may execute.
type CheckResult struct {
	Allowed  bool
	Reason   string
	Category string // "dangerous_pattern", "runbook_not_allowed", ""
}

// Check validates a chosen runbook: the id against the allowlist and
// each of its scripts against the blacklist.
func (g *Guardrails) Check(runbookID string, scripts []string) CheckResult {
	if len(g.allowedRunbooks) > 0 && !g.allowedRunbooks[strings.ToUpper(runbookID)] {
		return CheckResult{
			Allowed:  false,
			Reason:   "runbook not in allowed list: " + runbookID,
			Category: "runbook_not_allowed",
		}
	}

	for _, script := range scripts {
		if reason := g.CheckDangerous(script); reason != "" {
			return CheckResult{
				Allowed:  false,
				Reason:   reason,
				Category: "dangerous_pattern",
			}
		}
	}

	return CheckResult{Allowed: true}
}

// CheckDangerous scans input for blacklisted patterns. Returns the
// reason if one matches, empty string if clean.
func (g *Guardrails) CheckDangerous(input string) string {
	for _, p := range g.dangerousPatterns {
		if p.MatchString(input) {
			return "dangerous pattern detected: " + p.String()
		}
	}
	return ""
}
