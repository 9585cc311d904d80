package logging

import (
	"regexp"
	"unicode/utf8"
)

// MaskedKey replaces any API-key shaped token in user-visible text.
const MaskedKey = "***API_KEY_MASKED***"

// MaxMessageLen bounds masked messages.
const MaxMessageLen = 200

var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{10,}`),
	regexp.MustCompile(`sk-[A-Za-z0-9_\-]{16,}`),
	regexp.MustCompile(`AIza[0-9A-Za-z_\-]{20,}`),
	regexp.MustCompile(`xai-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)["']?\s*[:=]\s*["']?)[A-Za-z0-9_\-\.]{12,}`),
}

// Mask hides secrets and truncates s to MaxMessageLen characters.
func Mask(s string) string {
	for i, re := range secretPatterns {
		if i == len(secretPatterns)-1 {
			s = re.ReplaceAllString(s, "${1}"+MaskedKey)
			continue
		}
		s = re.ReplaceAllString(s, MaskedKey)
	}
	return Truncate(s, MaxMessageLen)
}

// Truncate cuts s to n runes, appending "..." when it was shortened.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}
