package redact

import (
	"regexp"
	"strings"
	"testing"
)

func TestScrubReplacesWithCorrelatableTags(t *testing.T) {
	s := NewScrubber()

	in := "patient SSN 123-45-6789 called from (555) 123-4567"
	out := s.String(in)

	if strings.Contains(out, "123-45-6789") {
		t.Error("SSN survived scrubbing")
	}
	if !strings.Contains(out, "[SSN-REDACTED-") {
		t.Errorf("no SSN tag in %q", out)
	}
	if !strings.Contains(out, "[PHONE-REDACTED-") {
		t.Errorf("no phone tag in %q", out)
	}

	// Same value always yields the same tag for correlation.
	again := s.String("note: 123-45-6789")
	tagRe := regexp.MustCompile(`\[SSN-REDACTED-[0-9a-f]{8}\]`)
	tag1 := tagRe.FindString(out)
	tag2 := tagRe.FindString(again)
	if tag1 == "" || tag1 != tag2 {
		t.Errorf("correlation tags differ: %q vs %q", tag1, tag2)
	}
}

func TestScrubCategories(t *testing.T) {
	s := NewScrubber()
	tests := []struct {
		in       string
		category string
	}{
		{"MRN: 48291043", "mrn"},
		{"patient_id: AB-2931", "patient_id"},
		{"reach admin@clinic.example", "email"},
		{"card 4111-1111-1111-1111", "credit_card"},
		{"DOB: 04/12/1987", "dob"},
		{"lives at 402 Maple Street", "address"},
	}
	for _, tt := range tests {
		if !s.Contains(tt.in) {
			t.Errorf("%q not detected", tt.in)
			continue
		}
		cats := s.Categories(tt.in)
		found := false
		for _, c := range cats {
			if c == tt.category {
				found = true
			}
		}
		if !found {
			t.Errorf("%q categorized as %v, want %s", tt.in, cats, tt.category)
		}
	}
}

func TestIPsAreNotScrubbed(t *testing.T) {
	s := NewScrubber()
	in := "connection refused from 10.0.1.5 to 192.168.44.201:443"
	out := s.String(in)
	if !strings.Contains(out, "10.0.1.5") || !strings.Contains(out, "192.168.44.201") {
		t.Errorf("IP addresses must survive scrubbing: %q", out)
	}
}

func TestScrubMapRecursesWithoutMutating(t *testing.T) {
	s := NewScrubber()
	in := map[string]interface{}{
		"error": "lookup failed for admin@clinic.example",
		"nested": map[string]interface{}{
			"note": "SSN 123-45-6789",
		},
		"list":  []interface{}{"MRN: 48291043", 42},
		"count": 3,
	}

	out := s.Map(in)

	if strings.Contains(out["error"].(string), "@") {
		t.Error("email survived in top-level value")
	}
	nested := out["nested"].(map[string]interface{})
	if strings.Contains(nested["note"].(string), "123-45-6789") {
		t.Error("SSN survived in nested map")
	}
	list := out["list"].([]interface{})
	if strings.Contains(list[0].(string), "48291043") {
		t.Error("MRN survived in list")
	}
	if list[1] != 42 || out["count"] != 3 {
		t.Error("non-string values altered")
	}

	if !strings.Contains(in["error"].(string), "admin@clinic.example") {
		t.Error("input map was mutated")
	}
}

func TestCleanStringsPassThrough(t *testing.T) {
	s := NewScrubber()
	in := "service spooler restarted, exit 0, host ws-billing-01"
	if s.Contains(in) {
		t.Errorf("clean string flagged: %v", s.Categories(in))
	}
	if out := s.String(in); out != in {
		t.Errorf("clean string altered: %q", out)
	}
}
