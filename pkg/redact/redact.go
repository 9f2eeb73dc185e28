package redact

import (
	"regexp"
	"strings"
	"sync/atomic"
	"unicode/utf8"
)

var enabled atomic.Bool

var (
	emailRe = regexp.MustCompile(`(?i)[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}`)
	phoneRe = regexp.MustCompile(`\+?\d[\d\s\-]{7,}\d`)
	ibanRe  = regexp.MustCompile(`(?i)\b[a-z]{2}\d{2}[a-z]{4}\d{10}\b`)
)

// SetEnabled toggles PII redaction.
func SetEnabled(v bool) {
	enabled.Store(v)
}

// Enabled returns true when redaction is active.
func Enabled() bool {
	return enabled.Load()
}

// Text redacts emails, phone numbers and Dutch IBANs when enabled.
func Text(in string) string {
	if !enabled.Load() || strings.TrimSpace(in) == "" {
		return in
	}
	out := emailRe.ReplaceAllString(in, "[REDACTED_EMAIL]")
	out = ibanRe.ReplaceAllString(out, "[REDACTED_IBAN]")
	out = phoneRe.ReplaceAllString(out, "[REDACTED_PHONE]")
	return out
}

// Number masks all but the last three digits of a phone number.
func Number(in string) string {
	if !enabled.Load() || len(in) <= 3 {
		return in
	}
	return strings.Repeat("*", len(in)-3) + in[len(in)-3:]
}

// Clip redacts text and shortens it to at most n runes for log lines.
func Clip(text string, n int) string {
	text = strings.TrimSpace(Text(text))
	if n <= 0 || utf8.RuneCountInString(text) <= n {
		return text
	}
	runes := []rune(text)
	return string(runes[:n]) + "..."
}
