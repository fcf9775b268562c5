package posts

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"postbot/internal/clock"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
	logx "postbot/pkg/logx"
)

// Trigger arms and cancels the timers that fire posts. Implemented by
// trigger.Engine.
type Trigger interface {
	ArmOnce(id string, at clock.TimeOfDay, fn func(ctx context.Context)) (time.Time, error)
	ArmDaily(id string, at clock.TimeOfDay, fn func(ctx context.Context)) (time.Time, error)
	// Cancel reports whether a timer was armed for id.
	Cancel(id string) bool
	// Armed reports whether id has a timer that has not fired yet. A Once
	// timer stops being armed the moment it fires.
	Armed(id string) bool
}

// Deliverer sends a post body to its destination.
type Deliverer interface {
	Deliver(ctx context.Context, to Destination, text string) error
}

// Draft is a fully validated post waiting to be committed.
type Draft struct {
	OwnerID     int64
	Destination Destination
	Text        string
	At          clock.TimeOfDay
	Recurrence  Recurrence
}

type Options struct {
	Store storage.Store // optional audit trail
	Bus   eventbus.Bus  // optional lifecycle events
	Log   logx.Logger
	Clock clock.Clock
}

type Counters struct {
	Sent   uint64
	Failed uint64
}

// Event is the payload of every post lifecycle event on the bus.
type Event struct {
	Delivery Delivery
	Actor    int64
	Next     time.Time // zero unless a timer was armed
	Err      error
}

// Service commits posts to the Registry and the Trigger together and runs
// the fire path. Registry and Trigger are only ever mutated under mu, so a
// post is in the Registry exactly when it has an armed timer.
type Service struct {
	mu   sync.Mutex
	reg  *Registry
	trig Trigger
	out  Deliverer

	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger
	clock clock.Clock

	sent   atomic.Uint64
	failed atomic.Uint64
}

func NewService(reg *Registry, trig Trigger, out Deliverer, opt Options) *Service {
	if reg == nil {
		reg = NewRegistry()
	}
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	c := opt.Clock
	if c == nil {
		c = clock.System{}
	}
	return &Service{
		reg:   reg,
		trig:  trig,
		out:   out,
		store: opt.Store,
		bus:   opt.Bus,
		log:   log.With(logx.String("comp", "posts")),
		clock: c,
	}
}

// Schedule creates one post and arms its timer.
func (s *Service) Schedule(ctx context.Context, d Draft) (Delivery, error) {
	out, err := s.ScheduleBatch(ctx, []Draft{d})
	if err != nil {
		return Delivery{}, err
	}
	return out[0], nil
}

// ScheduleBatch commits every draft or none of them.
func (s *Service) ScheduleBatch(ctx context.Context, drafts []Draft) ([]Delivery, error) {
	if len(drafts) == 0 {
		return nil, invalid("texts", "Nothing to schedule.")
	}
	drafts = append([]Draft(nil), drafts...)
	for i := range drafts {
		txt, err := ValidateText(drafts[i].Text)
		if err != nil {
			return nil, err
		}
		drafts[i].Text = txt
		if drafts[i].Destination.IsZero() {
			return nil, fmt.Errorf("posts: draft %d has no destination", i+1)
		}
	}

	type armed struct {
		d    Delivery
		next time.Time
	}
	committed := make([]armed, 0, len(drafts))

	s.mu.Lock()
	for _, dr := range drafts {
		d := Delivery{
			OwnerID:     dr.OwnerID,
			Destination: dr.Destination,
			Text:        dr.Text,
			At:          dr.At,
			Recurrence:  dr.Recurrence,
			CreatedAt:   s.clock.Now(),
		}
		id := s.reg.Create(d)
		next, err := s.arm(id, dr.At, dr.Recurrence)
		if err != nil {
			s.reg.Delete(id)
			for _, c := range committed {
				s.trig.Cancel(c.d.ID)
				s.reg.Delete(c.d.ID)
			}
			s.mu.Unlock()
			return nil, fmt.Errorf("posts: arm %s: %w", id, err)
		}
		d, _ = s.reg.Get(id)
		committed = append(committed, armed{d: d, next: next})
	}
	s.mu.Unlock()

	out := make([]Delivery, 0, len(committed))
	for _, c := range committed {
		s.log.Info("post scheduled",
			logx.String("post_id", c.d.ID),
			logx.Int64("owner_id", c.d.OwnerID),
			logx.String("recurrence", c.d.Recurrence.String()),
			logx.String("at", c.d.At.String()),
			logx.Time("next", c.next),
		)
		s.audit(ctx, storage.ActionCreate, c.d.OwnerID, c.d, "", nil)
		s.publish(eventbus.PostScheduled, Event{Delivery: c.d, Actor: c.d.OwnerID, Next: c.next})
		out = append(out, c.d)
	}
	return out, nil
}

// UpdateText replaces the body of actor's post id. The timer is untouched;
// the fire path reads the text at fire time.
func (s *Service) UpdateText(ctx context.Context, actor int64, id, text string) (Delivery, error) {
	text, err := ValidateText(text)
	if err != nil {
		return Delivery{}, err
	}

	s.mu.Lock()
	if _, err := s.mutable(actor, id); err != nil {
		s.mu.Unlock()
		return Delivery{}, err
	}
	d, err := s.reg.UpdateText(id, text)
	s.mu.Unlock()
	if err != nil {
		return Delivery{}, err
	}

	s.log.Info("post text updated", logx.String("post_id", id), logx.Int64("owner_id", actor))
	s.audit(ctx, storage.ActionEdit, actor, d, "text", nil)
	s.publish(eventbus.PostUpdated, Event{Delivery: d, Actor: actor})
	return d, nil
}

// Reschedule moves actor's post id to a new time of day, keeping its id
// and recurrence. The old timer is cancelled before the new one is armed.
// ErrTimerMissing means the post had no armed timer (for example a Once post
// that is firing right now).
func (s *Service) Reschedule(ctx context.Context, actor int64, id string, at clock.TimeOfDay) (Delivery, error) {
	s.mu.Lock()
	cur, err := s.mutable(actor, id)
	if err != nil {
		s.mu.Unlock()
		return Delivery{}, err
	}
	if !s.trig.Cancel(id) {
		s.mu.Unlock()
		s.log.Error("reschedule: timer missing", logx.String("post_id", id))
		return Delivery{}, ErrTimerMissing
	}
	next, err := s.arm(id, at, cur.Recurrence)
	if err != nil {
		// Put the old timer back so the post is not orphaned.
		if _, rerr := s.arm(id, cur.At, cur.Recurrence); rerr != nil {
			s.reg.Delete(id)
			s.mu.Unlock()
			s.log.Error("reschedule: post dropped, cannot re-arm", logx.String("post_id", id), logx.Err(rerr))
			return Delivery{}, fmt.Errorf("posts: re-arm %s: %w", id, err)
		}
		s.mu.Unlock()
		return Delivery{}, fmt.Errorf("posts: arm %s: %w", id, err)
	}
	d, err := s.reg.UpdateTime(id, at)
	s.mu.Unlock()
	if err != nil {
		return Delivery{}, err
	}

	s.log.Info("post rescheduled",
		logx.String("post_id", id),
		logx.String("from", cur.At.String()),
		logx.String("at", at.String()),
		logx.Time("next", next),
	)
	s.audit(ctx, storage.ActionEdit, actor, d, "time "+cur.At.String()+" -> "+at.String(), nil)
	s.publish(eventbus.PostUpdated, Event{Delivery: d, Actor: actor, Next: next})
	return d, nil
}

// Remove cancels and deletes actor's post id. ErrDelivering means a Once
// post is already on its way out; it leaves the Registry when the send ends.
func (s *Service) Remove(ctx context.Context, actor int64, id string) (Delivery, error) {
	s.mu.Lock()
	if _, err := s.mutable(actor, id); err != nil {
		s.mu.Unlock()
		return Delivery{}, err
	}
	s.trig.Cancel(id)
	d, _ := s.reg.Delete(id)
	s.mu.Unlock()

	s.log.Info("post removed", logx.String("post_id", id), logx.Int64("owner_id", actor))
	s.audit(ctx, storage.ActionDelete, actor, d, "", nil)
	s.publish(eventbus.PostRemoved, Event{Delivery: d, Actor: actor})
	return d, nil
}

func (s *Service) ListByOwner(owner int64) []Delivery { return s.reg.ListByOwner(owner) }
func (s *Service) Get(id string) (Delivery, error)    { return s.reg.Get(id) }
func (s *Service) Aggregate() Aggregate               { return s.reg.Aggregate() }
func (s *Service) Len() int                           { return s.reg.Len() }

func (s *Service) Counters() Counters {
	return Counters{Sent: s.sent.Load(), Failed: s.failed.Load()}
}

func (s *Service) owned(actor int64, id string) (Delivery, error) {
	d, err := s.reg.Get(id)
	if err != nil {
		return Delivery{}, err
	}
	if d.OwnerID != actor {
		return Delivery{}, ErrNotFound
	}
	return d, nil
}

// mutable is owned plus a check that a Once post has not started firing.
// Must be called with mu held.
func (s *Service) mutable(actor int64, id string) (Delivery, error) {
	d, err := s.owned(actor, id)
	if err != nil {
		return Delivery{}, err
	}
	if d.Recurrence == Once && !s.trig.Armed(id) {
		return Delivery{}, ErrDelivering
	}
	return d, nil
}

// arm must be called with mu held.
func (s *Service) arm(id string, at clock.TimeOfDay, r Recurrence) (time.Time, error) {
	fn := func(ctx context.Context) { s.fire(ctx, id) }
	if r == Daily {
		return s.trig.ArmDaily(id, at, fn)
	}
	return s.trig.ArmOnce(id, at, fn)
}

// fire delivers the current text of id. Once posts leave the Registry
// afterwards whether or not the send succeeded; their timer is already
// consumed and the sender has exhausted its retries.
func (s *Service) fire(ctx context.Context, id string) {
	// Read under mu so an edit that passed its Armed check lands first.
	s.mu.Lock()
	d, err := s.reg.Get(id)
	s.mu.Unlock()
	if err != nil {
		s.log.Debug("fire: post gone", logx.String("post_id", id))
		return
	}

	start := time.Now()
	sendErr := s.out.Deliver(ctx, d.Destination, d.Text)

	if d.Recurrence == Once {
		s.mu.Lock()
		s.reg.Delete(id)
		s.mu.Unlock()
	}

	fields := []logx.Field{
		logx.String("post_id", id),
		logx.Int64("owner_id", d.OwnerID),
		logx.String("recurrence", d.Recurrence.String()),
		logx.String("destination", d.Destination.Display()),
		logx.Duration("took", time.Since(start)),
	}
	if sendErr != nil {
		s.failed.Add(1)
		s.log.Error("post delivery failed", append(fields, logx.Err(sendErr))...)
		s.audit(ctx, storage.ActionFailed, 0, d, "", sendErr)
		s.publish(eventbus.PostFailed, Event{Delivery: d, Err: sendErr})
		return
	}
	s.sent.Add(1)
	s.log.Info("post sent", fields...)
	s.audit(ctx, storage.ActionSent, 0, d, "", nil)
	s.publish(eventbus.PostSent, Event{Delivery: d})
}

func (s *Service) audit(ctx context.Context, action string, actor int64, d Delivery, detail string, failure error) {
	if s.store == nil {
		return
	}
	e := storage.AuditEntry{
		At:          s.clock.Now(),
		ActorID:     actor,
		Action:      action,
		PostID:      d.ID,
		Destination: d.Destination.Display(),
		Recurrence:  d.Recurrence.String(),
		TimeOfDay:   d.At.String(),
		Detail:      detail,
	}
	if failure != nil {
		e.Error = failure.Error()
	}
	// Audit must not fail a commit whose request context just expired.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := s.store.AppendAudit(actx, e); err != nil {
		s.log.Warn("audit append failed", logx.String("post_id", d.ID), logx.String("action", action), logx.Err(err))
	}
}

func (s *Service) publish(typ string, ev Event) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: s.clock.Now(), Data: ev})
}
