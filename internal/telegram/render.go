package telegram

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-telegram/bot/models"

	"github.com/edgard/ledgerchat/internal/transcript"
)

// maxMessageLength stays under Telegram's 4096 character limit.
const maxMessageLength = 4000

const receiptPrefix = "🧾 "

// SessionID maps a Telegram chat to its session.
func SessionID(chatID int64) string {
	return "tg-" + strconv.FormatInt(chatID, 10)
}

// ProfileID identifies the sender of a message, falling back to the chat.
func ProfileID(msg *models.Message) string {
	if msg.From != nil {
		return "tg-user-" + strconv.FormatInt(msg.From.ID, 10)
	}
	return SessionID(msg.Chat.ID)
}

// FormatReply renders an assistant message as one or more Telegram
// messages.
func FormatReply(msg transcript.Message) []string {
	text := sanitizeText(msg.Text)
	if msg.Receipt() {
		text = receiptPrefix + text
	}
	return splitMessage(text, maxMessageLength)
}

// splitMessage cuts text into pieces of at most limit bytes. A cut falls on
// the last newline or space in the second half of the window when there is
// one, and always on a rune boundary.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if i := strings.LastIndexByte(text[:cut], '\n'); i > limit/2 {
			cut = i
		} else if i := strings.LastIndexByte(text[:cut], ' '); i > limit/2 {
			cut = i
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n ")
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}

// RenderHistory renders groups as plain-text chunks, each short enough for a
// single Telegram message. A group header is never split from its first line.
func RenderHistory(groups []transcript.Group, loc *time.Location) []string {
	if loc == nil {
		loc = time.Local
	}

	var chunks []string
	var b strings.Builder
	flush := func() {
		if chunk := strings.TrimRight(b.String(), "\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		b.Reset()
	}
	write := func(line string) {
		if b.Len() > 0 && b.Len()+len(line)+1 > maxMessageLength {
			flush()
		}
		if len(line) < maxMessageLength {
			b.WriteString(line)
			b.WriteByte('\n')
			return
		}
		for _, part := range splitMessage(line, maxMessageLength) {
			flush()
			b.WriteString(part)
		}
		flush()
	}

	for i, g := range groups {
		if i > 0 {
			write("")
		}
		header := "📅 " + g.DateLabel
		for j, m := range g.Messages {
			line := formatLine(m, loc)
			if j == 0 {
				line = header + "\n" + line
			}
			write(line)
		}
	}
	flush()
	return chunks
}

func formatLine(m transcript.Message, loc *time.Location) string {
	speaker := "You"
	if m.IsBot {
		speaker = "Bot"
	}
	text := sanitizeText(m.Text)
	if m.Receipt() {
		text = receiptPrefix + text
	}
	return "[" + m.Timestamp.In(loc).Format("15:04") + "] " + speaker + ": " + text
}
