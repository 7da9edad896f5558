package identity

import "strings"

const DefaultLanguage = "en"

var SupportedLanguages = []string{"en", "lt", "tr", "lv", "ru"}

// NormalizeLanguage maps v onto a supported language code, falling back to
// DefaultLanguage.
func NormalizeLanguage(v string) string {
	lang := strings.ToLower(strings.TrimSpace(v))
	for _, supported := range SupportedLanguages {
		if lang == supported {
			return lang
		}
	}
	return DefaultLanguage
}
