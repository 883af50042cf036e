package evidence

import (
	"encoding/json"
	"fmt"
	"sort"
)

// CanonicalJSON renders a value as deterministic JSON: object keys are
// emitted in sorted order at every nesting level, so equivalent bundles
// always hash and sign identically. Structs are passed through the
// standard marshaler first, which fixes their key order by field order;
// maps are re-ordered recursively.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}
	var decoded interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode for canonicalization: %w", err)
	}
	return appendCanonical(nil, decoded)
}

func appendCanonical(buf []byte, v interface{}) ([]byte, error) {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		buf = append(buf, '{')
		for i, k := range keys {
			if i > 0 {
				buf = append(buf, ',')
			}
			keyJSON, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf = append(buf, keyJSON...)
			buf = append(buf, ':')
			buf, err = appendCanonical(buf, t[k])
			if err != nil {
				return nil, err
			}
		}
		return append(buf, '}'), nil

	case []interface{}:
		buf = append(buf, '[')
		var err error
		for i, item := range t {
			if i > 0 {
				buf = append(buf, ',')
			}
			buf, err = appendCanonical(buf, item)
			if err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil

	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return append(buf, raw...), nil
	}
}
