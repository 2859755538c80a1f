package logger

import (
	"log/slog"
	"strings"
)

// RedactEmail keeps the first two characters of the local part.
func RedactEmail(s string) string {
	local, domain, ok := strings.Cut(s, "@")
	if !ok || domain == "" {
		return "***"
	}
	if len(local) > 2 {
		local = local[:2] + "***"
	} else {
		local = "***"
	}
	return local + "@" + domain
}

// RedactToken keeps a short prefix so log lines about the same token can be
// correlated without exposing it.
func RedactToken(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 12 {
		return "[REDACTED]"
	}
	return s[:6] + "...[REDACTED]"
}

// Token returns a redacted slog attribute for a bearer credential.
func Token(key, value string) slog.Attr {
	return slog.String(key, RedactToken(value))
}

// Email returns a redacted slog attribute for an email address.
func Email(value string) slog.Attr {
	return slog.String("email", RedactEmail(value))
}
