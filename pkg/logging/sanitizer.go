package logging

import (
	"encoding/json"
	"net/url"
	"regexp"
	"strings"
)

const (
	// MaxPayloadLogLength is the maximum length of a request/response payload to log
	MaxPayloadLogLength = 256
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// Matches password=xxx, pwd=xxx, pass=xxx (until next delimiter)
	passwordPattern = regexp.MustCompile(`(?i)(password|pwd|pass)=[^;&\s]+`)

	// Matches bearer and basic credentials
	authHeaderPattern = regexp.MustCompile(`(?i)(Bearer|Basic)\s+[A-Za-z0-9-_=+/.]+`)

	// Matches API keys, tokens and signatures in query strings or messages
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|token|secret|sig|signature)=[^;&\s"]+`)

	// Matches user:pass@host in URLs and connection strings
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@/\s]+@`)
)

// sensitiveQueryParams are query parameter names whose values are redacted in URLs.
var sensitiveQueryParams = []string{"api_key", "apikey", "key", "token", "secret", "sig", "signature", "code", "password"}

// SanitizeConnectionString removes credentials from a database connection string.
func SanitizeConnectionString(connStr string) string {
	if connStr == "" {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(connStr, "${1}="+RedactedText)
	return connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")
}

// SanitizeURL strips user info and sensitive query values from a backend or
// webhook target before it is logged. Unparseable input is redacted as a whole
// pattern-by-pattern.
func SanitizeURL(raw string) string {
	if raw == "" {
		return ""
	}

	u, err := url.Parse(raw)
	if err != nil {
		return SanitizeError(&rawError{raw})
	}

	if u.User != nil {
		u.User = url.User(RedactedText)
	}

	if u.RawQuery != "" {
		q := u.Query()
		for name := range q {
			for _, sensitive := range sensitiveQueryParams {
				if strings.EqualFold(name, sensitive) {
					q.Set(name, RedactedText)
				}
			}
		}
		u.RawQuery = q.Encode()
	}

	return u.String()
}

// SanitizeError sanitizes error messages that might contain sensitive data.
// Use this before logging errors from backend calls or database operations.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}

	sanitized := passwordPattern.ReplaceAllString(err.Error(), "${1}="+RedactedText)
	sanitized = authHeaderPattern.ReplaceAllString(sanitized, "${1} "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllString(sanitized, "${1}="+RedactedText)
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@")

	return sanitized
}

// TruncatePayload renders a payload as compact JSON capped at MaxPayloadLogLength.
func TruncatePayload(payload any) string {
	if payload == nil {
		return ""
	}

	var s string
	switch v := payload.(type) {
	case string:
		s = v
	case []byte:
		s = string(v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return "[unserializable]"
		}
		s = string(b)
	}

	return TruncateString(s, MaxPayloadLogLength)
}

// TruncateString truncates a string to maxLen and adds ellipsis if needed.
// Truncation never splits a multi-byte character.
func TruncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

type rawError struct{ s string }

func (e *rawError) Error() string { return e.s }
