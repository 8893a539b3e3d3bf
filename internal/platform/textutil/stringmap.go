package textutil

import "strings"

// NormalizeStringMap returns a trimmed copy of values. Blank keys are dropped and an empty result
// is nil, so gateway payloads omit the field entirely.
func NormalizeStringMap(values map[string]string) map[string]string {
	var out map[string]string
	for key, value := range values {
		if key = strings.TrimSpace(key); key == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(values))
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
