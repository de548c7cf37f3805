package utils

import (
	"strings"
	"unicode"
)

// RedactAuthorization redacts a bearer credential for logging, keeping
// just enough of the token to correlate log lines.
func RedactAuthorization(auth string) string {
	if strings.HasPrefix(auth, "Bearer ") && len(auth) > 29 {
		// Scheme plus first 3 characters, ellipses, last 4 characters
		return auth[:10] + "..." + auth[len(auth)-4:]
	}
	return mask(auth)
}

// RedactKey redacts a raw API key (x-api-key style, no scheme prefix).
func RedactKey(key string) string {
	if len(key) > 12 {
		return key[:4] + "..." + key[len(key)-4:]
	}
	return mask(key)
}

// mask replaces each non-whitespace character with '*'.
func mask(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return r
		}
		return '*'
	}, s)
}
