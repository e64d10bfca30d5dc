package usecase

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"chat-relay/internal/domain"
)

const (
	titleMaxWords = 10
	titleMaxChars = 56
	titleEllipsis = "…"
)

var titleQuotes = strings.NewReplacer(
	`"`, "", "'", "", "`", "",
	"“", "", "”", "", "‘", "", "’", "", "«", "", "»", "",
)

// InferTitle derives a short conversation title from the first user message,
// falling back to the first assistant text when the message yields nothing.
func InferTitle(userText, assistantText string) string {
	for _, src := range []string{userText, assistantText} {
		if title := titleFrom(src); title != "" {
			return title
		}
	}
	return domain.DefaultTitle
}

func titleFrom(s string) string {
	words := strings.Fields(titleQuotes.Replace(s))
	if len(words) == 0 {
		return ""
	}
	truncated := false
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
		truncated = true
	}
	title := strings.Join(words, " ")
	if utf8.RuneCountInString(title) > titleMaxChars {
		title = strings.TrimSpace(string([]rune(title)[:titleMaxChars]))
		truncated = true
	}
	if truncated {
		title += titleEllipsis
	}
	r, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(r)) + title[size:]
}
