package telegram

import (
	"regexp"
	"strings"
)

var (
	// invisible and direction-changing characters that garble plain-text rendering
	unicodeReplacer = strings.NewReplacer(
		"\u2060", "", "\u180E", "",
		"\u2028", "\n", "\u2029", "\n\n",
		"\u200B", "", "\u200C", "",
		"\u200D", "", "\uFEFF", "",
		"\u00AD", "", "\u205F", " ",
		"\u202A", "", "\u202B", "",
		"\u202C", "", "\u202D", "", "\u202E", "",
	)

	controlCharsRegex     = regexp.MustCompile(`[\x00-\x08\x0B\x0C\x0E-\x1F\x7F]`)
	multipleNewlinesRegex = regexp.MustCompile(`\n{3,}`)
)

// sanitizeText prepares assistant text for a plain-text Telegram message.
func sanitizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = unicodeReplacer.Replace(text)
	text = controlCharsRegex.ReplaceAllString(text, "")
	text = multipleNewlinesRegex.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
