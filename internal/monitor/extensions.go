package monitor

import "strings"

// DefaultAttachmentExtensions is the allow-list applied when a monitor does
// not configure its own.
var DefaultAttachmentExtensions = []string{
	"pdf", "doc", "docx", "xls", "xlsx", "ppt", "pptx",
	"zip", "rar", "7z", "tar", "gz",
	"csv", "txt",
}

// NormalizeExtensions cleans an extension allow-list: trims, lowercases,
// strips leading dots, and drops empties and duplicates.
func NormalizeExtensions(exts []string) map[string]bool {
	set := make(map[string]bool, len(exts))
	for _, e := range exts {
		v := strings.ToLower(strings.TrimSpace(e))
		v = strings.TrimPrefix(v, ".")
		if v != "" {
			set[v] = true
		}
	}
	return set
}

// AllowedExtensions resolves a monitor's effective allow-list, falling back
// to the default set when none is configured.
func (m Monitor) AllowedExtensions() map[string]bool {
	if len(m.AttachmentTypes) > 0 {
		if set := NormalizeExtensions(m.AttachmentTypes); len(set) > 0 {
			return set
		}
	}
	return NormalizeExtensions(DefaultAttachmentExtensions)
}
