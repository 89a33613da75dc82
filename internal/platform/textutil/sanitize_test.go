package textutil

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizerStripsMarkup(t *testing.T) {
	s := NewSanitizer()

	require.Equal(t, "Hello", s.Sanitize(" <b>Hello</b> "))
	require.Equal(t, "", s.Sanitize(`<script>alert("x")</script>`))
	require.Equal(t, "Smith & Sons", s.Sanitize("Smith & Sons"))
	require.Equal(t, "1 < 2", s.Sanitize("1 < 2"))
}

func TestSanitizeStringMap(t *testing.T) {
	s := NewSanitizer()
	out := s.SanitizeStringMap(map[string]string{" note ": "<i>gift</i> wrap", " ": "dropped"})
	require.Equal(t, map[string]string{"note": "gift wrap"}, out)
	require.Nil(t, s.SanitizeStringMap(nil))
}
