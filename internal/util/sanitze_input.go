package util

import (
	"html"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious reports markup or template characters that never appear in a user
// identifier accepted by the log grammar.
func ContainsSuspicious(s string) bool {
	badChars := []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"}
	lower := strings.ToLower(s)
	for _, c := range badChars {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}

// CleanLogLine strips the trailing newline and carriage return a log reader leaves behind
// while keeping inner whitespace, which the grammar depends on.
func CleanLogLine(s string) string {
	return strings.TrimSpace(strings.TrimRight(s, "\r\n"))
}
