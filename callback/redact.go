package callback

import "regexp"

var sensitiveParam = regexp.MustCompile(`(token_hash|token|access_token|refresh_token|code)=([^&#]+)`)

// Redact masks secret-bearing parameters in a URL for diagnostics.
func Redact(rawURL string) string {
	return sensitiveParam.ReplaceAllString(rawURL, "$1=[redacted]")
}
