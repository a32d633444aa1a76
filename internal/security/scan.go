// Package security guards what leaves and enters this store.
//
// The content scanner finds credentials and personal data in knowledge
// content before it is shared with a peer and validates inbound content the
// same way. The URL validator blocks outbound federation requests from being
// steered at private networks or metadata endpoints.
package security

import (
	"fmt"
	"regexp"
	"strings"
)

// Finding is one sensitive match in scanned content.
type Finding struct {
	Rule  string
	Match string
}

// secretRule pairs a rule name with its detection pattern.
type secretRule struct {
	name string
	re   *regexp.Regexp
}

// secretRules covers credential shapes that must never leave the store.
// Patterns favor precision: a false positive blocks useful sharing, a false
// negative leaks a secret, and the redaction path means a match is cheap.
var secretRules = []secretRule{
	{"aws-access-key", regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`)},
	{"github-token", regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`)},
	{"google-api-key", regexp.MustCompile(`\bAIza[0-9A-Za-z_-]{35}\b`)},
	{"slack-token", regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9-]{10,}\b`)},
	{"private-key-block", regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`)},
	{"bearer-token", regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_.~+/-]{20,}=*`)},
	{"basic-auth-url", regexp.MustCompile(`\b[a-z][a-z0-9+.-]*://[^/\s:@]+:[^/\s:@]+@`)},
	{"jwt", regexp.MustCompile(`\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`)},
	{"assignment-secret", regexp.MustCompile(`(?i)\b(api[_-]?key|secret|password|passwd|token|credentials?|private[_-]?key|signing[_-]?key)\b\s*[:=]\s*['"]?[^\s'"]{8,}`)},
}

// piiRules covers personal identifiers stripped during anonymization.
var piiRules = []secretRule{
	{"email", regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"home-path", regexp.MustCompile(`(?:/home/|/Users/|C:\\Users\\)[^/\\\s]+`)},
	{"ipv4", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// Redacted replaces each match in cleaned output.
const Redacted = "[REDACTED]"

// Scanner detects secrets and personal data in text.
type Scanner struct {
	secrets []secretRule
	pii     []secretRule
}

// NewScanner creates a Scanner with the default rule set.
func NewScanner() *Scanner {
	return &Scanner{secrets: secretRules, pii: piiRules}
}

// ScanSecrets returns all credential findings in content.
func (s *Scanner) ScanSecrets(content string) []Finding {
	return scan(s.secrets, content)
}

// ScanPII returns all personal-data findings in content.
func (s *Scanner) ScanPII(content string) []Finding {
	return scan(s.pii, content)
}

// CheckShareable returns an error describing the first credential finding,
// or nil when content is safe to share. PII is not checked here; it is
// redacted, not blocking.
func (s *Scanner) CheckShareable(content string) error {
	if f := scan(s.secrets, content); len(f) > 0 {
		return fmt.Errorf("content contains %s", f[0].Rule)
	}
	return nil
}

// Redact replaces all secret and PII matches with the redaction marker.
func (s *Scanner) Redact(content string) string {
	for _, r := range s.secrets {
		content = r.re.ReplaceAllString(content, Redacted)
	}
	for _, r := range s.pii {
		content = r.re.ReplaceAllString(content, Redacted)
	}
	return content
}

func scan(rules []secretRule, content string) []Finding {
	var out []Finding
	for _, r := range rules {
		for _, m := range r.re.FindAllString(content, -1) {
			out = append(out, Finding{Rule: r.name, Match: truncateMatch(m)})
		}
	}
	return out
}

// truncateMatch keeps findings loggable without reproducing the secret.
func truncateMatch(m string) string {
	const keep = 12
	if len(m) <= keep {
		return m
	}
	return m[:keep] + "..."
}

// StripIdentifiers removes store and session identifiers from a string
// slice, keeping only values that match none of the given prefixes.
func StripIdentifiers(values []string, prefixes ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		keep := true
		for _, p := range prefixes {
			if strings.HasPrefix(v, p) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, v)
		}
	}
	return out
}
