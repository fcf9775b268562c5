// Package admin computes the operator-only statistics report.
package admin

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"postbot/internal/posts"
)

var ErrUnauthorized = errors.New("admin: unauthorized")

// TopN caps the per-owner and per-destination breakdowns.
const TopN = 10

// Source supplies the figures a report is built from.
type Source interface {
	Aggregate() posts.Aggregate
	Counters() posts.Counters
}

type Activity interface {
	ActiveToday() int
}

type Stats struct {
	Total         int
	Once          int
	Daily         int
	ActiveToday   int
	Sent          uint64
	Failed        uint64
	ByOwner       []posts.OwnerCount
	ByDestination []posts.DestinationCount
}

type Aggregator struct {
	operator atomic.Int64
	src      Source
	act      Activity
}

// New returns an Aggregator that only answers operator. An operator of 0
// denies everyone.
func New(operator int64, src Source, act Activity) *Aggregator {
	a := &Aggregator{src: src, act: act}
	a.operator.Store(operator)
	return a
}

// SetOperator changes who may read reports.
func (a *Aggregator) SetOperator(id int64) { a.operator.Store(id) }

func (a *Aggregator) Authorized(requester int64) bool {
	op := a.operator.Load()
	return op != 0 && requester == op
}

// Report returns current statistics for requester, or ErrUnauthorized.
// Breakdowns are sorted by descending count; equal counts keep the order
// in which owners and destinations first appeared.
func (a *Aggregator) Report(requester int64) (Stats, error) {
	if !a.Authorized(requester) {
		return Stats{}, ErrUnauthorized
	}
	agg := a.src.Aggregate()
	c := a.src.Counters()
	st := Stats{
		Total:  agg.Total,
		Once:   agg.ByRecurrence[posts.Once],
		Daily:  agg.ByRecurrence[posts.Daily],
		Sent:   c.Sent,
		Failed: c.Failed,
	}
	if a.act != nil {
		st.ActiveToday = a.act.ActiveToday()
	}

	st.ByOwner = append([]posts.OwnerCount(nil), agg.ByOwner...)
	sort.SliceStable(st.ByOwner, func(i, j int) bool { return st.ByOwner[i].Count > st.ByOwner[j].Count })
	if len(st.ByOwner) > TopN {
		st.ByOwner = st.ByOwner[:TopN]
	}

	st.ByDestination = append([]posts.DestinationCount(nil), agg.ByDestination...)
	sort.SliceStable(st.ByDestination, func(i, j int) bool { return st.ByDestination[i].Count > st.ByDestination[j].Count })
	if len(st.ByDestination) > TopN {
		st.ByDestination = st.ByDestination[:TopN]
	}
	return st, nil
}

// Render formats s for a chat message.
func Render(s Stats) string {
	var b strings.Builder
	b.WriteString("Bot statistics\n\n")
	fmt.Fprintf(&b, "Scheduled posts: %d (once: %d, daily: %d)\n", s.Total, s.Once, s.Daily)
	fmt.Fprintf(&b, "Active users today: %d\n", s.ActiveToday)
	fmt.Fprintf(&b, "Deliveries: %d sent, %d failed\n", s.Sent, s.Failed)

	if len(s.ByOwner) > 0 {
		b.WriteString("\nTop users:\n")
		for i, o := range s.ByOwner {
			fmt.Fprintf(&b, "%d. %s: %d\n", i+1, strconv.FormatInt(o.OwnerID, 10), o.Count)
		}
	}
	if len(s.ByDestination) > 0 {
		b.WriteString("\nTop destinations:\n")
		for i, d := range s.ByDestination {
			fmt.Fprintf(&b, "%d. %s: %d\n", i+1, d.Destination, d.Count)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
