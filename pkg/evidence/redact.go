package evidence

import (
	"regexp"
	"unicode/utf8"
)

// excerptLimit caps stored excerpts. Full payloads stay only in the
// content-addressed blob.
const excerptLimit = 500

var piiPatterns = []struct {
	re   *regexp.Regexp
	mask string
}{
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[REDACTED-SSN]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`), "[REDACTED-EMAIL]"},
	{regexp.MustCompile(`\b(?:\+?1[\s.\-]?)?\(?\d{3}\)?[\s.\-]\d{3}[\s.\-]\d{4}\b`), "[REDACTED-PHONE]"},
}

// Redact masks SSNs, email addresses, and US phone numbers in s.
func Redact(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.mask)
	}
	return s
}

// Excerpt produces the redacted preview stored on the index row. Binary
// payloads get no excerpt.
func Excerpt(payload []byte, contentType string) string {
	if len(payload) == 0 {
		return ""
	}
	if !utf8.Valid(payload) {
		return ""
	}
	s := Redact(string(payload))
	if len(s) > excerptLimit {
		// Trim on a rune boundary.
		cut := excerptLimit
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut]
	}
	return s
}
