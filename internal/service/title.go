package service

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	titleMaxWords = 8
	titleMaxChars = 60
)

// DeriveTitle builds a conversation title from the first user message: the
// first words, cut to titleMaxChars with an ellipsis, first letter upper-cased.
func DeriveTitle(content string) string {
	words := strings.Fields(content)
	if len(words) == 0 {
		return ""
	}
	if len(words) > titleMaxWords {
		words = words[:titleMaxWords]
	}
	title := strings.Join(words, " ")
	if runes := []rune(title); len(runes) > titleMaxChars {
		title = strings.TrimRightFunc(string(runes[:titleMaxChars]), unicode.IsSpace) + "…"
	}
	first, size := utf8.DecodeRuneInString(title)
	return string(unicode.ToUpper(first)) + title[size:]
}
