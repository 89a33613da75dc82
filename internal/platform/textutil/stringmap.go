package textutil

import "strings"

// CompactStringMap trims keys and values and drops entries whose key or value ends up empty.
// Handler arguments such as tracking codes are passed through it before reaching a plugin.
func CompactStringMap(values map[string]string) map[string]string {
	var out map[string]string
	for key, value := range values {
		key, value = strings.TrimSpace(key), strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(values))
		}
		out[key] = value
	}
	return out
}
