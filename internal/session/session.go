// Package session drives the per-user multi-step conversations that collect
// and commit scheduled posts: Create, Edit, Delete and Batch.
//
// A user holds at most one session. Input for one user is handled
// serially; different users never contend beyond a map lookup. Nothing is
// written to the posts service until a flow's final step.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/clock"
	"postbot/internal/posts"
	logx "postbot/pkg/logx"
)

var ErrNoSession = errors.New("session: no active session")

// DefaultTTL is how long an untouched session survives before Sweep evicts it.
const DefaultTTL = 30 * time.Minute

type Flow int

const (
	Create Flow = iota + 1
	Edit
	Delete
	Batch
)

func (f Flow) String() string {
	switch f {
	case Create:
		return "create"
	case Edit:
		return "edit"
	case Delete:
		return "delete"
	case Batch:
		return "batch"
	default:
		return "unknown"
	}
}

type Step int

const (
	AwaitText Step = iota + 1
	AwaitTime
	AwaitFrequency
	AwaitSelect
	AwaitFieldChoice
	AwaitNewText
	AwaitNewTime
	AwaitTexts
)

// Posts is the subset of posts.Service a session commits through.
type Posts interface {
	ScheduleBatch(ctx context.Context, drafts []posts.Draft) ([]posts.Delivery, error)
	UpdateText(ctx context.Context, actor int64, id, text string) (posts.Delivery, error)
	Reschedule(ctx context.Context, actor int64, id string, at clock.TimeOfDay) (posts.Delivery, error)
	Remove(ctx context.Context, actor int64, id string) (posts.Delivery, error)
	ListByOwner(owner int64) []posts.Delivery
}

// Reply is what the transport should send back. Keyboard, when set, is a
// one-time reply keyboard; Done means the flow ended and any keyboard
// should be removed.
type Reply struct {
	Text     string
	Keyboard []string
	Done     bool
}

// Session is the scratch state of one flow.
type Session struct {
	Flow        Flow
	Step        Step
	Destination posts.Destination
	Texts       []string
	At          clock.TimeOfDay
	Listed      []posts.Delivery
	Selected    int // 1-based index into Listed
}

type entry struct {
	mu     sync.Mutex
	s      Session
	prompt Reply
	last   time.Time
	dead   bool
}

type Options struct {
	Log            logx.Logger
	Clock          clock.Clock
	TTL            time.Duration // 0 disables eviction
	BatchDelimiter string
}

type Machine struct {
	posts Posts
	log   logx.Logger
	clock clock.Clock
	delim string
	ttl   atomic.Int64

	mu       sync.Mutex
	sessions map[int64]*entry
}

func New(p Posts, opt Options) *Machine {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := opt.Clock
	if c == nil {
		c = clock.System{}
	}
	delim := opt.BatchDelimiter
	if delim == "" {
		delim = posts.DefaultBatchDelimiter
	}
	m := &Machine{
		posts:    p,
		log:      log.With(logx.String("comp", "session")),
		clock:    c,
		delim:    delim,
		sessions: map[int64]*entry{},
	}
	m.ttl.Store(int64(opt.TTL))
	return m
}

// SetTTL changes the idle eviction window. Safe to call while running.
func (m *Machine) SetTTL(d time.Duration) { m.ttl.Store(int64(d)) }

func (m *Machine) TTL() time.Duration { return time.Duration(m.ttl.Load()) }

// Begin starts flow for user, replacing any session the user already had.
// dest is where Create and Batch posts go; Edit and Delete ignore it.
// Edit and Delete with nothing to act on reply and create no session.
func (m *Machine) Begin(user int64, flow Flow, dest posts.Destination) Reply {
	s := Session{Flow: flow, Destination: dest}
	var r Reply
	switch flow {
	case Create:
		s.Step = AwaitText
		r = Reply{Text: msgCreateStart}
	case Batch:
		s.Step = AwaitTexts
		r = Reply{Text: batchStart(m.delim)}
	case Edit, Delete:
		list := m.posts.ListByOwner(user)
		if len(list) == 0 {
			m.drop(user)
			if flow == Edit {
				return Reply{Text: msgNothingToEdit, Done: true}
			}
			return Reply{Text: msgNothingToDelete, Done: true}
		}
		s.Step = AwaitSelect
		s.Listed = list
		r = Reply{Text: selectPrompt(flow, list)}
	default:
		return Reply{Text: msgInternal, Done: true}
	}

	en := &entry{s: s, prompt: r, last: m.clock.Now()}
	m.mu.Lock()
	old := m.sessions[user]
	m.sessions[user] = en
	m.mu.Unlock()
	if old != nil {
		old.mu.Lock()
		old.dead = true
		old.mu.Unlock()
		m.log.Debug("session replaced", logx.Int64("user_id", user), logx.String("old_flow", old.s.Flow.String()))
	}
	m.log.Debug("session started", logx.Int64("user_id", user), logx.String("flow", flow.String()))
	return r
}

// Handle feeds one line of user input to the user's current step.
// ErrNoSession means the input belongs to no flow. Any other error is an
// internal failure; the returned Reply already tells the user.
func (m *Machine) Handle(ctx context.Context, user int64, input string) (Reply, error) {
	en := m.get(user)
	if en == nil {
		return Reply{}, ErrNoSession
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.dead {
		return Reply{}, ErrNoSession
	}
	en.last = m.clock.Now()

	r, err := m.step(ctx, user, &en.s, input)
	if r.Done {
		en.dead = true
		m.remove(user, en)
		m.log.Debug("session finished", logx.Int64("user_id", user), logx.String("flow", en.s.Flow.String()))
	} else {
		en.prompt = r
	}
	return r, err
}

// Prompt returns the prompt of the user's current step.
func (m *Machine) Prompt(user int64) (Reply, error) {
	en := m.get(user)
	if en == nil {
		return Reply{}, ErrNoSession
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.dead {
		return Reply{}, ErrNoSession
	}
	return en.prompt, nil
}

// Current returns a copy of the user's session.
func (m *Machine) Current(user int64) (Session, bool) {
	en := m.get(user)
	if en == nil {
		return Session{}, false
	}
	en.mu.Lock()
	defer en.mu.Unlock()
	if en.dead {
		return Session{}, false
	}
	s := en.s
	s.Texts = append([]string(nil), en.s.Texts...)
	s.Listed = append([]posts.Delivery(nil), en.s.Listed...)
	return s, true
}

// Cancel discards the user's session, if any. Nothing collected so far is
// committed.
func (m *Machine) Cancel(user int64) Reply {
	if m.drop(user) {
		m.log.Debug("session cancelled", logx.Int64("user_id", user))
	}
	return Reply{Text: msgCancelled, Done: true}
}

func (m *Machine) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Sweep evicts sessions idle for longer than the TTL and returns how many
// went. Sessions busy handling input are skipped.
func (m *Machine) Sweep(now time.Time) int {
	ttl := m.TTL()
	if ttl <= 0 {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for user, en := range m.sessions {
		if !en.mu.TryLock() {
			continue
		}
		if now.Sub(en.last) > ttl {
			en.dead = true
			delete(m.sessions, user)
			n++
			m.log.Info("session evicted", logx.Int64("user_id", user), logx.String("flow", en.s.Flow.String()), logx.Duration("idle", now.Sub(en.last)))
		}
		en.mu.Unlock()
	}
	return n
}

func (m *Machine) get(user int64) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[user]
}

func (m *Machine) remove(user int64, en *entry) {
	m.mu.Lock()
	if m.sessions[user] == en {
		delete(m.sessions, user)
	}
	m.mu.Unlock()
}

func (m *Machine) drop(user int64) bool {
	m.mu.Lock()
	en := m.sessions[user]
	delete(m.sessions, user)
	m.mu.Unlock()
	if en == nil {
		return false
	}
	en.mu.Lock()
	en.dead = true
	en.mu.Unlock()
	return true
}
