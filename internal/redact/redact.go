// Package redact scrubs PII from transport output before it reaches
// logs, evidence bundles, or the LLM planner.
//
// IP addresses are deliberately left alone: they are infrastructure
// identifiers, and remediation plans are useless without them.
package redact

import (
	"crypto/sha256"
	"fmt"
	"regexp"
)

// Scrubber replaces PII matches with tagged placeholders. Each
// placeholder carries the first 8 hex chars of the SHA-256 of the match,
// so scrubbed logs still correlate: the same SSN always becomes the same
// [SSN-REDACTED-xxxxxxxx] tag.
type Scrubber struct {
	patterns []pattern
}

type pattern struct {
	category string
	re       *regexp.Regexp
	tag      string
}

// NewScrubber compiles the full pattern set.
func NewScrubber() *Scrubber {
	defs := []struct{ category, expr, tag string }{
		{"ssn", `\b\d{3}[-\s]\d{2}[-\s]\d{4}\b`, "SSN-REDACTED"},
		{"mrn", `(?i)\bMRN[:\s#]*\d{4,12}\b`, "MRN-REDACTED"},
		{"patient_id", `(?i)\bpatient[_\s]?id[:\s#]*[A-Za-z0-9\-]{3,20}\b`, "PATIENT-ID-REDACTED"},
		{"phone", `(?:\(\d{3}\)\s*\d{3}[-.]?\d{4}|\b\d{3}[-.]?\d{3}[-.]?\d{4}\b)`, "PHONE-REDACTED"},
		{"email", `\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`, "EMAIL-REDACTED"},
		{"credit_card", `\b(?:\d{4}[-\s]?){3}\d{4}\b`, "CC-REDACTED"},
		{"dob", `(?i)\b(?:DOB|date\s*of\s*birth)[:\s]*\d{1,2}[/\-]\d{1,2}[/\-]\d{2,4}\b`, "DOB-REDACTED"},
		{"address", `\b\d{1,6}\s+[A-Z][a-z]+(?:\s+[A-Z][a-z]+)*\s+(?:Street|St|Avenue|Ave|Boulevard|Blvd|Drive|Dr|Road|Rd|Lane|Ln|Court|Ct|Way|Place|Pl|Circle|Cir)\b`, "ADDRESS-REDACTED"},
		{"zip", `\b\d{5}-\d{4}\b`, "ZIP-REDACTED"},
		{"account_number", `(?i)\b(?:account|acct)[:\s#]*\d{4,20}\b`, "ACCOUNT-REDACTED"},
		{"insurance_id", `(?i)\b(?:insurance|policy)\s*(?:id|#|number)[:\s]*[A-Za-z0-9\-]{4,20}\b`, "INSURANCE-REDACTED"},
		{"medicare", `(?i)\bmedicare[:\s#]*[A-Za-z0-9]{4}[-\s]?[A-Za-z0-9]{3}[-\s]?[A-Za-z0-9]{4}\b`, "MEDICARE-REDACTED"},
	}

	s := &Scrubber{patterns: make([]pattern, 0, len(defs))}
	for _, d := range defs {
		s.patterns = append(s.patterns, pattern{
			category: d.category,
			re:       regexp.MustCompile(d.expr),
			tag:      d.tag,
		})
	}
	return s
}

// String replaces every PII match in input with its tagged placeholder.
func (s *Scrubber) String(input string) string {
	out := input
	for _, p := range s.patterns {
		out = p.re.ReplaceAllStringFunc(out, func(match string) string {
			h := sha256.Sum256([]byte(match))
			return fmt.Sprintf("[%s-%x]", p.tag, h[:4])
		})
	}
	return out
}

// Map recursively scrubs string values. Returns a new map.
func (s *Scrubber) Map(data map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data))
	for k, v := range data {
		out[k] = s.value(v)
	}
	return out
}

func (s *Scrubber) value(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return s.String(val)
	case map[string]interface{}:
		return s.Map(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = s.value(item)
		}
		return out
	default:
		return v
	}
}

// Contains reports whether input matches any PII pattern.
func (s *Scrubber) Contains(input string) bool {
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			return true
		}
	}
	return false
}

// Categories returns the pattern categories present in input.
func (s *Scrubber) Categories(input string) []string {
	var found []string
	for _, p := range s.patterns {
		if p.re.MatchString(input) {
			found = append(found, p.category)
		}
	}
	return found
}
