package message

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/leisurelyCoder/chattle/apperr"
	"github.com/microcosm-cc/bluemonday"
)

const MaxContentLength = 5000

var strictPolicy = bluemonday.StrictPolicy()

// Sanitize strips markup and returns plain text. Only complete <...> tags count
// as markup; a '<' that is never closed stays in the text.
func Sanitize(content string) string {
	stripped := strictPolicy.Sanitize(escapeStrayBrackets(content))
	return strings.TrimSpace(html.UnescapeString(stripped))
}

// escapeStrayBrackets escapes every '<' not followed by a '>' before the next '<'.
func escapeStrayBrackets(s string) string {
	if !strings.Contains(s, "<") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '<' {
			b.WriteByte(s[i])
			continue
		}
		rest := s[i+1:]
		closeAt := strings.IndexByte(rest, '>')
		openAt := strings.IndexByte(rest, '<')
		if closeAt < 0 || (openAt >= 0 && openAt < closeAt) {
			b.WriteString("&lt;")
			continue
		}
		b.WriteByte('<')
	}
	return b.String()
}

// ValidateContent sanitizes content and enforces the non-empty and length rules.
func ValidateContent(content string) (string, error) {
	clean := Sanitize(content)
	if clean == "" {
		return "", apperr.Validation("Message content cannot be empty")
	}
	if utf8.RuneCountInString(clean) > MaxContentLength {
		return "", apperr.Validation("Message cannot exceed 5000 characters")
	}
	return clean, nil
}
