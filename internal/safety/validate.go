// Package safety is the envelope around every remediation: input
// validation, rate limits, circuit breakers, parameter whitelists,
// approval policy, and documented exceptions.
package safety

import (
	"fmt"
	"regexp"
	"strings"
)

// shellMetaRe flags shell metacharacters in string parameters. Scripts
// come from runbook definitions, never from parameters, so parameters
// have no business carrying command syntax.
var shellMetaRe = regexp.MustCompile("[;&|`$<>\\\\]|\\$\\(")

// ValidationSpec declares what an action's parameters must look like.
type ValidationSpec struct {
	Required            []string
	Ranges              map[string][2]float64 // numeric field -> [min, max]
	AllowedPathPrefixes []string              // for fields named *path*
}

// ValidateParams checks params against spec: required presence, numeric
// ranges, shell metacharacters in strings, and path containment.
func ValidateParams(params map[string]interface{}, spec ValidationSpec) error {
	for _, field := range spec.Required {
		if v, ok := params[field]; !ok || v == nil || v == "" {
			return fmt.Errorf("required field missing: %s", field)
		}
	}

	for field, bounds := range spec.Ranges {
		v, ok := params[field]
		if !ok {
			continue
		}
		f, ok := toFloat(v)
		if !ok {
			return fmt.Errorf("field %s is not numeric", field)
		}
		if f < bounds[0] || f > bounds[1] {
			return fmt.Errorf("field %s out of range [%g, %g]: %g", field, bounds[0], bounds[1], f)
		}
	}

	for key, v := range params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if shellMetaRe.MatchString(s) {
			return fmt.Errorf("field %s contains shell metacharacters", key)
		}
		if isPathField(key) && len(spec.AllowedPathPrefixes) > 0 {
			if !pathAllowed(s, spec.AllowedPathPrefixes) {
				return fmt.Errorf("field %s outside allowed paths: %s", key, s)
			}
		}
	}

	return nil
}

func isPathField(key string) bool {
	k := strings.ToLower(key)
	return k == "path" || strings.HasSuffix(k, "_path") || strings.HasSuffix(k, "_dir") || strings.HasSuffix(k, "_file")
}

func pathAllowed(p string, prefixes []string) bool {
	if strings.Contains(p, "..") {
		return false
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
