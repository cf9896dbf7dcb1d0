// Package redact provides helpers for stripping sensitive values from log
// output and audit payloads before they leave the process boundary.
//
// # Threat model
//
// Credentials (vault tokens, host tokens, passwords, connection tokens) must
// never appear in:
//   - Log lines emitted by the server
//   - Audit detail payloads stored in the database
//   - Error messages returned to operators or agents
//
// Redaction is best-effort: it operates on string representations and relies
// on callers to pass the right set of sensitive terms.  It is NOT a substitute
// for keeping secrets out of log call-sites in the first place.
package redact

import (
	"strings"
)

// Placeholder is the marker substituted for redacted values.
const Placeholder = "[REDACTED]"

// String replaces every occurrence of each sensitive value in s with
// [REDACTED].  Values shorter than 4 characters are skipped to avoid
// spurious redaction of common substrings.
func String(s string, sensitiveValues ...string) string {
	for _, v := range sensitiveValues {
		if len(v) < 4 {
			continue
		}
		s = strings.ReplaceAll(s, v, Placeholder)
	}
	return s
}

// Map returns a shallow copy of m with values replaced by [REDACTED] for
// every key whose name suggests it contains a secret (password, token, key,
// secret, credential, auth).  Non-string values are left unchanged.
func Map(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if SensitiveKey(k) {
			if str, ok := v.(string); ok && str != "" {
				out[k] = Placeholder
				continue
			}
		}
		out[k] = v
	}
	return out
}

// SensitiveKey returns true when the key name suggests it holds a secret.
func SensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, word := range []string{"password", "passwd", "token", "secret", "key", "credential", "auth", "certificate"} {
		if strings.Contains(lower, word) {
			return true
		}
	}
	return false
}
