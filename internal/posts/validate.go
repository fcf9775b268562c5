package posts

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"postbot/internal/clock"
)

// DefaultBatchDelimiter separates posts in batch input when it appears
// alone on a line.
const DefaultBatchDelimiter = "---"

// ValidateText trims s and checks it fits a single Telegram message.
func ValidateText(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalid("text", "Text cannot be empty. Please enter the post text:")
	}
	if n := utf8.RuneCountInString(s); n > MaxTextLen {
		return "", invalid("text", fmt.Sprintf(
			"Text is too long (%d chars). Telegram limit is %d characters. Please shorten it:", n, MaxTextLen))
	}
	return s, nil
}

// ValidateTime parses a HH:MM answer.
func ValidateTime(s string) (clock.TimeOfDay, error) {
	t, err := clock.ParseTimeOfDay(s)
	if err != nil {
		return clock.TimeOfDay{}, invalid("time", "Invalid time format. Please use HH:MM (e.g., 14:30)")
	}
	return t, nil
}

// ParseRecurrence accepts "once" or "daily" in any case.
func ParseRecurrence(s string) (Recurrence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "once":
		return Once, nil
	case "daily":
		return Daily, nil
	default:
		return Once, invalid("frequency", "Please choose 'Once' or 'Daily'")
	}
}

// SplitBatch splits batch input into post texts. A line consisting only of
// delim (surrounding spaces ignored) ends a segment; blank segments are
// dropped. Validation is all-or-nothing: one oversized segment rejects the
// whole input.
func SplitBatch(input, delim string) ([]string, error) {
	if strings.TrimSpace(delim) == "" {
		delim = DefaultBatchDelimiter
	}
	delim = strings.TrimSpace(delim)

	var (
		out []string
		cur []string
	)
	flush := func() {
		seg := strings.TrimSpace(strings.Join(cur, "\n"))
		if seg != "" {
			out = append(out, seg)
		}
		cur = cur[:0]
	}
	for _, line := range strings.Split(strings.ReplaceAll(input, "\r\n", "\n"), "\n") {
		if strings.TrimSpace(line) == delim {
			flush()
			continue
		}
		cur = append(cur, line)
	}
	flush()

	if len(out) == 0 {
		return nil, invalid("texts", fmt.Sprintf(
			"No posts found. Send one or more texts separated by a line containing only %s:", delim))
	}
	for i, seg := range out {
		if n := utf8.RuneCountInString(seg); n > MaxTextLen {
			return nil, invalid("texts", fmt.Sprintf(
				"Post #%d is too long (%d chars). Telegram limit is %d characters. Please resend the whole batch:", i+1, n, MaxTextLen))
		}
	}
	return out, nil
}
