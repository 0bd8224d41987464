package security

import "regexp"

// secretSubstringPatterns mirrors the credential shapes auditSecretsInConfig
// checks for in config fields, but unanchored so they match a token embedded
// anywhere in a larger body of text (an upstream tool result, for instance)
// rather than only a field that is exactly a secret.
var secretSubstringPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[a-zA-Z0-9]{20,}`),
	regexp.MustCompile(`xoxb-[0-9]+-[0-9]+-[a-zA-Z0-9]+`),
	regexp.MustCompile(`xapp-[0-9]+-[a-zA-Z0-9]+`),
	regexp.MustCompile(`ghp_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`gho_[a-zA-Z0-9]{36}`),
	regexp.MustCompile(`github_pat_[a-zA-Z0-9_]+`),
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_-]{35}`),
	regexp.MustCompile(`[0-9]{6,}:[a-zA-Z0-9_-]{35}`),
}

// privateIPv4 matches dotted-quad IPv4 addresses for privacy-mode masking.
// It over-matches slightly (doesn't validate octet range) which is fine for
// redaction: a false positive just masks something that looked like an IP.
var privateIPv4 = regexp.MustCompile(`\b(?:[0-9]{1,3}\.){3}[0-9]{1,3}\b`)

// accountIDPattern catches the long numeric/alphanumeric account identifiers
// cloud and chat platforms use (AWS account IDs, Slack/Discord snowflakes).
var accountIDPattern = regexp.MustCompile(`\b[0-9]{10,20}\b`)

// RedactSecrets scans s for embedded credentials matching known provider
// token shapes and replaces each with "[redacted]". Returns the possibly
// modified string and whether anything was redacted.
func RedactSecrets(s string) (string, bool) {
	redacted := false
	out := s
	for _, pattern := range secretSubstringPatterns {
		if pattern.MatchString(out) {
			redacted = true
			out = pattern.ReplaceAllString(out, "[redacted]")
		}
	}
	return out, redacted
}

// MaskPrivateIdentifiers replaces IPv4 addresses and long numeric account
// identifiers in s with fixed placeholders, for responses routed through a
// privacy-mode boundary (the MCP proxy's client-facing side).
func MaskPrivateIdentifiers(s string) string {
	out := privateIPv4.ReplaceAllString(s, "[ip]")
	out = accountIDPattern.ReplaceAllString(out, "[account]")
	return out
}
