// Package htmlutil prepares serialized page HTML for archival.
package htmlutil

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	baseTagRe  = regexp.MustCompile(`(?i)<base\b[^>]*>`)
	headTagRe  = regexp.MustCompile(`(?i)<head\b[^>]*>`)
	htmlTagRe  = regexp.MustCompile(`(?i)<html\b[^>]*>`)
	attrEscape = strings.NewReplacer("&", "&amp;", `"`, "&quot;", "<", "&lt;", ">", "&gt;")
)

// InjectBaseHref rewrites archived HTML so relative links resolve against the
// original page URL. An existing <base> tag is replaced; otherwise the tag is
// inserted at the top of <head>, synthesizing one if the document has none.
func InjectBaseHref(html, baseHref string) string {
	safe := attrEscape.Replace(baseHref)
	if html == "" || safe == "" {
		return html
	}

	baseTag := fmt.Sprintf(`<base href="%s">`, safe)

	if loc := baseTagRe.FindStringIndex(html); loc != nil {
		return html[:loc[0]] + baseTag + html[loc[1]:]
	}
	if loc := headTagRe.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + "\n" + baseTag + html[loc[1]:]
	}
	if loc := htmlTagRe.FindStringIndex(html); loc != nil {
		return html[:loc[1]] + "\n<head>\n" + baseTag + "\n</head>" + html[loc[1]:]
	}
	return "<head>\n" + baseTag + "\n</head>\n" + html
}
