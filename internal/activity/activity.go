// Package activity remembers the civil date each user was last seen and
// decides when the once-a-day greeting is due.
package activity

import (
	"fmt"
	"strings"
	"sync"

	"postbot/internal/clock"
)

type Tracker struct {
	res *clock.Resolver

	mu       sync.Mutex
	lastSeen map[int64]clock.Date
}

func New(res *clock.Resolver) *Tracker {
	return &Tracker{res: res, lastSeen: map[int64]clock.Date{}}
}

// Touch records an interaction from user today and reports whether it is
// the user's first one of the day.
func (t *Tracker) Touch(user int64) bool {
	today := t.res.Today()
	t.mu.Lock()
	defer t.mu.Unlock()
	prev := t.lastSeen[user]
	t.lastSeen[user] = today
	return prev != today
}

// ActiveOn counts users whose last interaction fell on day.
func (t *Tracker) ActiveOn(day clock.Date) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, d := range t.lastSeen {
		if d == day {
			n++
		}
	}
	return n
}

// ActiveToday is ActiveOn for the current civil date.
func (t *Tracker) ActiveToday() int { return t.ActiveOn(t.res.Today()) }

// Greeting renders the daily welcome for name, who has count posts.
func (t *Tracker) Greeting(name string, count int) string {
	if strings.TrimSpace(name) == "" {
		name = "there"
	}
	part := clock.PartOfDay(t.res.Now().Hour())
	return fmt.Sprintf("Good %s, %s! Welcome back!\n\nYou have %d scheduled post(s).\nUse /schedule to create a new one.", part, name, count)
}
