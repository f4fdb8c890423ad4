package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/sells-group/feedback-cli/internal/model"
)

// CleanText normalizes feedback text to NFKC, drops characters outside the
// allow-list (letters, digits, whitespace and . , ! ? ' " - : ; ( ) %),
// collapses whitespace runs to one space and trims.
func CleanText(s string) string {
	s = norm.NFKC.String(s)

	var b strings.Builder
	b.Grow(len(s))
	pendingSpace := false
	for _, r := range s {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
			continue
		case unicode.IsLetter(r), unicode.IsDigit(r), strings.ContainsRune(`.,!?'"-:;()%`, r):
		default:
			continue
		}
		if pendingSpace {
			b.WriteByte(' ')
			pendingSpace = false
		}
		b.WriteRune(r)
	}
	return b.String()
}

// CleanItems returns a copy of items with CleanedContent populated.
func CleanItems(items []model.FeedbackItem) []model.FeedbackItem {
	out := make([]model.FeedbackItem, len(items))
	for i, it := range items {
		it.CleanedContent = CleanText(it.Content)
		out[i] = it
	}
	return out
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}
