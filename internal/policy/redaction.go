// Package policy masks personal data before turns are persisted.
package policy

import "regexp"

// Rule replaces every match of Pattern with Marker.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Marker  string
}

// DefaultRules run in order. Cards run before phones so long digit runs are not
// classified as phone numbers.
var DefaultRules = []Rule{
	{
		Name:    "email",
		Pattern: regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`),
		Marker:  "[REDACTED_EMAIL]",
	},
	{
		Name:    "secret",
		Pattern: regexp.MustCompile(`\b(?:sk|pk|ghp|xox[bp])[-_][A-Za-z0-9_\-]{16,}\b`),
		Marker:  "[REDACTED_SECRET]",
	},
	{
		Name:    "card",
		Pattern: regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
		Marker:  "[REDACTED_CARD]",
	},
	{
		Name:    "phone",
		Pattern: regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`),
		Marker:  "[REDACTED_PHONE]",
	},
}

type Redactor struct {
	rules []Rule
}

// NewRedactor uses DefaultRules when none are given.
func NewRedactor(rules ...Rule) *Redactor {
	if len(rules) == 0 {
		rules = DefaultRules
	}
	return &Redactor{rules: rules}
}

// Redact returns the masked text, whether anything changed, and the names of the
// rules that matched.
func (r *Redactor) Redact(input string) (redacted string, changed bool, matched []string) {
	out := input
	for _, rule := range r.rules {
		next := rule.Pattern.ReplaceAllString(out, rule.Marker)
		if next != out {
			changed = true
			matched = append(matched, rule.Name)
		}
		out = next
	}
	return out, changed, matched
}

// RedactPII masks common high-risk PII patterns with the default rules.
func RedactPII(input string) (redacted string, changed bool) {
	out, changed, _ := defaultRedactor.Redact(input)
	return out, changed
}

var defaultRedactor = NewRedactor()
