package util

import "strings"

// NormalizePhone reduces a raw handle to a +-prefixed digit string.
// The bridge rejects DM recipients without a leading +, so this is applied to
// every direct recipient and mention author before a send. Returns "" when the
// input has no digits at all.
func NormalizePhone(raw string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	return "+" + digits
}

// IsPhoneHandle reports whether a subscriber handle looks like a phone number
// rather than a group identifier.
func IsPhoneHandle(raw string) bool {
	s := strings.TrimSpace(raw)
	if s == "" {
		return false
	}
	if strings.HasPrefix(s, "group.") || strings.Contains(s, "=") {
		return false
	}
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 5
}
