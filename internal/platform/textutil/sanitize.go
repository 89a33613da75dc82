package textutil

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer strips every HTML element from shopper supplied text.
type Sanitizer struct {
	policy *bluemonday.Policy
}

// NewSanitizer constructs a Sanitizer using bluemonday's strict policy.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize removes markup and trims surrounding whitespace. Entities escaped by the policy are
// decoded so plain text such as "Smith & Sons" round-trips unchanged.
func (s *Sanitizer) Sanitize(value string) string {
	if s == nil || s.policy == nil {
		return strings.TrimSpace(value)
	}
	cleaned := s.policy.Sanitize(value)
	return strings.TrimSpace(html.UnescapeString(cleaned))
}

// SanitizeStringMap compacts the map and sanitizes every value.
func (s *Sanitizer) SanitizeStringMap(values map[string]string) map[string]string {
	normalized := CompactStringMap(values)
	for key, value := range normalized {
		normalized[key] = s.Sanitize(value)
	}
	return normalized
}
