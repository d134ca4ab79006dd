package shared

import (
	"regexp"
	"strings"
)

const redactedPlaceholder = "[REDACTED]"

// contactPatterns matches client contact data that must not land in plain-text
// logs: phone numbers and email addresses carried in delivery fields.
var contactPatterns = []*regexp.Regexp{
	// Email addresses.
	regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`),
	// Phone numbers with an explicit label ("phone: 050-1234567", "tel +971501234567").
	regexp.MustCompile(`(?i)(phone|tel|mobile|contact)\s*[:=]?\s*(\+?[0-9][0-9 \-()]{6,})`),
}

// Redact replaces contact-bearing patterns in the input string with [REDACTED].
// Delivery addresses commonly embed the client's phone number; audit payloads
// and log lines go through here before persistence.
func Redact(input string) string {
	if input == "" {
		return input
	}
	result := input
	for _, pat := range contactPatterns {
		result = pat.ReplaceAllStringFunc(result, func(match string) string {
			submatch := pat.FindStringSubmatch(match)
			if len(submatch) >= 3 {
				return submatch[1] + ": " + redactedPlaceholder
			}
			return redactedPlaceholder
		})
	}
	return result
}

// IsContactKey reports whether a log attribute key names contact data.
func IsContactKey(key string) bool {
	lower := strings.ToLower(strings.TrimSpace(key))
	if lower == "" {
		return false
	}
	for _, token := range []string{"phone", "email", "contact", "delivery_address"} {
		if strings.Contains(lower, token) {
			return true
		}
	}
	return false
}
