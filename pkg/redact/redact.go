// Package redact strips credentials from strings and JSON-shaped values
// before they cross a trust boundary (logs, envelopes, tool results).
//
// Two layers apply:
//
//   - pattern redaction on strings: GitHub PATs, x-access-token clone URLs,
//     Bearer headers, JWT-like triplets, Render tokens;
//   - key-based redaction on containers: values under secret-bearing keys
//     (token, authorization, password, ...) are replaced wholesale.
//
// High-entropy strings under non-secret keys are left alone; pattern
// matching handles the known credential shapes without destroying payloads.
package redact

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/adaptiv/gh-broker/pkg/logger"
)

var redactLog = logger.New("redact:redact")

const (
	// Placeholder substituted for pattern matches.
	placeholder = "<REDACTED>"
	// TokenPlaceholder is substituted for Authorization header values.
	TokenPlaceholder = "<REDACTED_TOKEN>"
	// maxDepth bounds traversal of nested containers.
	maxDepth = 16
)

var tokenPatterns = []*regexp.Regexp{
	// GitHub tokens: classic PATs, OAuth, app and fine-grained tokens.
	regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{20,255}\b`),
	regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{20,255}\b`),
	// Token embedded in a clone URL.
	regexp.MustCompile(`x-access-token:[^@\s]+@`),
	// Bearer headers.
	regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]{8,}`),
	// JWT-like triplets.
	regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`),
	// Render API tokens.
	regexp.MustCompile(`\brnd_[A-Za-z0-9]{16,}\b`),
}

// secretKeys are container keys whose values are redacted wholesale,
// matched case-insensitively as substrings of the key.
var secretKeys = []string{
	"token", "authorization", "password", "secret", "api_key", "apikey",
	"credential", "private_key", "access_key",
}

// String applies pattern redaction to a single string.
func String(s string) string {
	if s == "" {
		return s
	}
	out := s
	for _, pattern := range tokenPatterns {
		out = pattern.ReplaceAllStringFunc(out, func(match string) string {
			if strings.HasPrefix(match, "x-access-token:") {
				return "x-access-token:" + placeholder + "@"
			}
			return placeholder
		})
	}
	if out != s {
		redactLog.Print("Applied pattern redaction")
	}
	return out
}

// IsSecretKey reports whether a container key is secret-bearing.
func IsSecretKey(key string) bool {
	lower := strings.ToLower(key)
	for _, sk := range secretKeys {
		if strings.Contains(lower, sk) {
			return true
		}
	}
	return false
}

// Value traverses a JSON-shaped value, redacting strings by pattern and
// secret-keyed map entries wholesale. Traversal depth is bounded; anything
// deeper is summarized rather than followed.
func Value(v any) any {
	return walk(v, "", 0, 0)
}

// Map is a convenience for the common map payload case.
func Map(m map[string]any) map[string]any {
	out, _ := walk(m, "", 0, 0).(map[string]any)
	return out
}

// Sanitize redacts a value and additionally truncates long strings to
// truncateChars (floor-protected by the caller). Used for opt-in debug args.
func Sanitize(v any, truncateChars int) any {
	if truncateChars < 1 {
		truncateChars = 1
	}
	return walk(v, "", 0, truncateChars)
}

func walk(v any, key string, depth, truncate int) any {
	if depth > maxDepth {
		return fmt.Sprintf("<depth limit: %T>", v)
	}
	switch val := v.(type) {
	case string:
		if IsSecretKey(key) {
			if strings.Contains(strings.ToLower(key), "authorization") {
				return TokenPlaceholder
			}
			return placeholder
		}
		out := String(val)
		if truncate > 0 && len(out) > truncate {
			out = out[:truncate] + fmt.Sprintf("... (%d chars truncated)", len(out)-truncate)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = walk(item, k, depth+1, truncate)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = walk(item, key, depth+1, truncate)
		}
		return out
	case map[string]string:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = walk(item, k, depth+1, truncate)
		}
		return out
	default:
		return val
	}
}
