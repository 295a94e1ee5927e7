package monitor

import (
	"regexp"
	"strings"
)

// MatchKind selects the optional gate applied before a change is recorded.
type MatchKind string

// Match rule kinds.
const (
	MatchNone    MatchKind = "none"
	MatchKeyword MatchKind = "keyword"
	MatchRegex   MatchKind = "regex"
)

// MatchRule gates change recording and notification on extracted content.
type MatchRule struct {
	Kind    MatchKind `json:"kind"`
	Pattern string    `json:"pattern"`

	// CaseSensitive opts out of the default case-insensitive matching.
	CaseSensitive bool `json:"case_sensitive"`
}

// Matches reports whether the rule passes for the given content. Kind "none"
// or an empty pattern always passes. A regex that fails to compile is a
// non-match, not an error.
func (r MatchRule) Matches(content string) bool {
	pattern := strings.TrimSpace(r.Pattern)
	if pattern == "" || r.Kind == MatchNone || r.Kind == "" {
		return true
	}

	switch r.Kind {
	case MatchKeyword:
		if r.CaseSensitive {
			return strings.Contains(content, pattern)
		}
		return strings.Contains(strings.ToLower(content), strings.ToLower(pattern))
	case MatchRegex:
		if !r.CaseSensitive {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false
		}
		return re.MatchString(content)
	default:
		return true
	}
}
