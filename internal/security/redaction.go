// Package security scrubs credentials out of backend bodies before they are
// written to the history journal.
package security

import (
	"regexp"
	"strings"
)

const marker = "[REDACTED]"

var (
	secretKeyExpr     = `(?:password|passwd|secret|api[_-]?key|[a-z0-9._-]*token[a-z0-9._-]*|serial(?:_number)?|imei|udid)`
	jsonSecretPattern = regexp.MustCompile(`(?i)("` + secretKeyExpr + `"\s*:\s*)(?:"(?:[^"\\]|\\.)*"|-?[0-9][0-9.eE+-]*)`)
	kvSecretPattern   = regexp.MustCompile(`(?i)\b(` + secretKeyExpr + `)\s*=\s*(?:"(?:[^"\\]|\\.)*"|'(?:[^'\\]|\\.)*'|[^\s"'&,]+)`)
	bearerPattern     = regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/=-]+`)
	basicAuthPattern  = regexp.MustCompile(`(?i)(https?://)[^\s/@:]+:[^\s/@]+@`)
)

// RedactOutput replaces secret values in a backend body or error message.
// JSON stays valid: a quoted or numeric secret value becomes the quoted marker.
func RedactOutput(input string) string {
	if input == "" {
		return ""
	}
	out := jsonSecretPattern.ReplaceAllString(input, `${1}"`+marker+`"`)
	out = kvSecretPattern.ReplaceAllStringFunc(out, func(match string) string {
		idx := strings.IndexByte(match, '=')
		if idx < 0 {
			return marker
		}
		return match[:idx+1] + marker
	})
	out = bearerPattern.ReplaceAllString(out, "Bearer "+marker)
	out = basicAuthPattern.ReplaceAllString(out, "${1}"+marker+"@")
	return out
}

// Redacted reports whether RedactOutput would change input.
func Redacted(input string) bool {
	return RedactOutput(input) != input
}
