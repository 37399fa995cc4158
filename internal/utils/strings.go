// Package utils provides common utility functions.
package utils

import (
	"strings"
	"unicode/utf8"
)

// MaskKey masks an API key for safe logging (shows first 8 and last 4 chars).
// Use this to avoid logging sensitive credentials in plain text.
func MaskKey(key string) string {
	if key == "" {
		return "(empty)"
	}
	if len(key) < 16 {
		return "****"
	}
	return key[:8] + "..." + key[len(key)-4:]
}

// MaskValue hides a detected entity value for display to the end user.
// Values longer than 4 runes keep their first 2 runes, shorter ones keep 1.
func MaskValue(value string) string {
	runes := []rune(value)
	switch {
	case len(runes) == 0:
		return "****"
	case len(runes) > 4:
		return string(runes[:2]) + strings.Repeat("*", len(runes)-2)
	default:
		return string(runes[:1]) + strings.Repeat("*", len(runes)-1)
	}
}

// Truncate returns s cut to at most max runes.
// It never splits a multi-byte character.
func Truncate(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max])
}
