// Package redact provides helpers for stripping sensitive values from log
// output and from text headed for persistence.
//
// # Threat model
//
// Secrets (API keys, Matrix access tokens, etc.) must never appear in:
//   - Log lines emitted by Maicé
//   - Facts or episodes persisted to the memory store
//   - Chat room messages
//
// Redaction is best-effort: String operates on known values, Text on
// token-shaped patterns.  Neither is a security boundary and neither is a
// substitute for keeping secrets out of call-sites in the first place.
package redact

import (
	"regexp"
	"strings"
)

const placeholder = "[REDACTED]"

// tokenPatterns match substrings that look like credentials even when the
// caller does not know the concrete value: API-key prefixes, bearer headers,
// Matrix access tokens, key=value assignments, and long hex runs.
var tokenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{16,}\b`),
	regexp.MustCompile(`\bsyt_[A-Za-z0-9_-]{8,}\b`),
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{16,}`),
	regexp.MustCompile(`(?i)\b(?:api[_-]?key|access[_-]?token|token|secret|password)\s*[:=]\s*\S+`),
	regexp.MustCompile(`\b[0-9a-fA-F]{32,}\b`),
}

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
//
// Example:
//
//	safe := redact.String(logLine, apiKey, matrixToken)
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, placeholder)
	}
	return s
}

// Text scrubs token-shaped substrings from free-form text before it reaches
// persistence.  Unlike String it needs no knowledge of the concrete secret
// values; it matches on shape.  Advisory only — a secret spelled out in
// prose will pass through.
func Text(s string) string {
	for _, re := range tokenPatterns {
		s = re.ReplaceAllString(s, placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if isSensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// isSensitiveKey returns true when the key name suggests it holds a secret.
func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "apikey"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
