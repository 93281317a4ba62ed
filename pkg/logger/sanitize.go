package logger

import "strings"

// SanitizedUsername masks a login name for log lines: first character
// kept, rest starred. Empty input stays recognizably invalid.
func SanitizedUsername(username string) string {
	if username == "" {
		return "[empty-username]"
	}
	if len(username) == 1 {
		return "*"
	}
	return string(username[0]) + strings.Repeat("*", len(username)-1)
}

// SanitizeQueryString reports whether a raw query string carries
// credential-like parameters and should be redacted wholesale.
func SanitizeQueryString(rawQuery string) bool {
	sensitiveParams := []string{
		"password",
		"token",
		"secret",
		"api_key",
		"apikey",
		"auth",
		"csrf",
		"signature",
	}

	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
