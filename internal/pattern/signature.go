// Package pattern computes deterministic incident pattern signatures.
//
// A signature identifies an equivalence class of incidents: the same
// incident type with the same check context and the same error shape
// always produces the same 16-hex digest, no matter which component
// computed it. The learning loop, flap suppression, and pattern stats
// all key on this value, so the normalization here must never drift.
package pattern

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var (
	// ISO-8601 timestamps, with or without fractional seconds / zone.
	isoTimestampRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?`)
	// Dotted-quad IPv4 addresses.
	ipv4Re = regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`)
	// Runs of digits (ports, PIDs, counters, epoch seconds).
	intRunRe = regexp.MustCompile(`\d+`)
)

// contextKeys are the raw-data fields that participate in the signature.
// Host identity and timestamps are deliberately excluded: two hosts hitting
// the same failure belong to the same pattern.
var contextKeys = []string{
	"check_type",
	"service",
	"error",
	"error_message",
	"expected",
	"actual",
	"drift_detected",
}

// NormalizeError strips the volatile parts of an error string: ISO
// timestamps, IPv4 addresses, then any remaining integer runs.
func NormalizeError(s string) string {
	s = isoTimestampRe.ReplaceAllString(s, "<ts>")
	s = ipv4Re.ReplaceAllString(s, "<ip>")
	s = intRunRe.ReplaceAllString(s, "<n>")
	return strings.TrimSpace(strings.ToLower(s))
}

// Signature returns the 16-hex pattern signature for an incident.
func Signature(incidentType string, rawData map[string]interface{}) string {
	parts := []string{strings.ToLower(strings.TrimSpace(incidentType))}

	ctx := make(map[string]string, len(contextKeys))
	for _, k := range contextKeys {
		v, ok := rawData[k]
		if !ok || v == nil {
			continue
		}
		ctx[k] = NormalizeError(stringify(v))
	}

	keys := make([]string, 0, len(ctx))
	for k := range ctx {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+ctx[k])
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:8])
}

// stringify produces a stable string form for signature input. Maps and
// slices go through JSON so nested context hashes identically everywhere.
func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		return fmt.Sprintf("%v", t)
	case float64, float32, int, int64:
		return fmt.Sprintf("%v", t)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
