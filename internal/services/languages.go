package services

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

var titleCaser = cases.Title(language.English)

// NormalizeLanguages maps each entry to an English language name, accepting
// either a BCP 47 tag ("de", "pt-BR") or a name ("german"). Blank entries
// and duplicates are dropped; input order is kept.
func NormalizeLanguages(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, raw := range in {
		name := normalizeLanguage(raw)
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, name)
	}
	return out
}

func normalizeLanguage(raw string) string {
	raw = strings.Join(strings.Fields(raw), " ")
	if raw == "" {
		return ""
	}
	if len(raw) <= 3 || strings.ContainsAny(raw, "-_") {
		if tag, err := language.Parse(raw); err == nil {
			if name := display.English.Tags().Name(tag); name != "" {
				return name
			}
		}
	}
	return titleCaser.String(raw)
}
