// Package posts owns scheduled posts: the data model, input validation, the
// in-memory registry and the service that commits posts to the trigger
// engine and delivers them when they fire.
package posts

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"postbot/internal/clock"
)

const (
	// MaxTextLen is Telegram's hard message length limit, in characters.
	MaxTextLen = 4096
	// PreviewLen is how many characters of a post are shown in listings.
	PreviewLen = 50
	// SummaryLen is used in confirmations after a flow completes.
	SummaryLen = 100
)

type Recurrence int

const (
	Once Recurrence = iota
	Daily
)

func (r Recurrence) String() string {
	if r == Daily {
		return "Daily"
	}
	return "Once"
}

// Destination is where a post is sent. Channels may be addressed by
// @username, groups by numeric chat id.
type Destination struct {
	ChatID   int64
	Username string
	Title    string
}

// Display is the human-readable destination name used in listings and stats.
func (d Destination) Display() string {
	switch {
	case strings.TrimSpace(d.Title) != "":
		return d.Title
	case d.Username != "":
		return d.Username
	default:
		return strconv.FormatInt(d.ChatID, 10)
	}
}

// Key identifies the chat itself, independent of its title. ChatID wins
// over Username, the same way sends address it.
func (d Destination) Key() string {
	if d.ChatID != 0 {
		return strconv.FormatInt(d.ChatID, 10)
	}
	return strings.ToLower(d.Username)
}

func (d Destination) IsZero() bool { return d.ChatID == 0 && d.Username == "" }

// ParseDestination reads a configured channel reference: a numeric chat id
// ("-1001234567890") or a public username ("@mychannel").
func ParseDestination(raw, title string) (Destination, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Destination{}, false
	}
	if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return Destination{ChatID: id, Title: title}, true
	}
	if !strings.HasPrefix(raw, "@") {
		raw = "@" + raw
	}
	return Destination{Username: raw, Title: title}, true
}

// Delivery is one scheduled post.
type Delivery struct {
	ID          string
	OwnerID     int64
	Destination Destination
	Text        string
	Preview     string
	At          clock.TimeOfDay
	Recurrence  Recurrence
	CreatedAt   time.Time
}

// Line renders the numbered listing row shared by /list and the selection
// menus, so the index a user types matches what they were shown.
func (d Delivery) Line(index int) string {
	return strconv.Itoa(index) + ". [" + d.At.String() + " - " + d.Recurrence.String() + "] (" + d.Destination.Display() + ") " + d.Preview
}

// Truncate keeps the first n characters of s and appends "..." when it cut.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	rs := []rune(s)
	return string(rs[:n]) + "..."
}

// Preview is the listing form of a post body.
func Preview(text string) string { return Truncate(text, PreviewLen) }
