package outbox

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// maxErrorLength bounds the last_error column.
const maxErrorLength = 512

const (
	truncatedSuffix = "... (truncated)"
	redacted        = "[REDACTED]"
)

// Broker and database errors echo the connection URL, password included.
var (
	urlCredentials = regexp.MustCompile(`(?i)\b(amqps?|redis|rediss|postgres(?:ql)?)://([^:@\s/]+):[^@\s]+@`)
	secretValue    = regexp.MustCompile(`(?i)\b(password|secret)\s*[:=]\s*[^\s,;]+`)
)

func sanitizeError(err error) string {
	if err == nil {
		return ""
	}

	return SanitizeErrorMessage(err.Error())
}

// SanitizeErrorMessage redacts credentials and truncates msg to fit the
// last_error column.
func SanitizeErrorMessage(msg string) string {
	msg = urlCredentials.ReplaceAllString(strings.TrimSpace(msg), "$1://$2:"+redacted+"@")
	msg = secretValue.ReplaceAllString(msg, "$1="+redacted)

	if utf8.RuneCountInString(msg) <= maxErrorLength {
		return msg
	}

	runes := []rune(msg)

	return string(runes[:maxErrorLength-len(truncatedSuffix)]) + truncatedSuffix
}
