package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"postbot/internal/clock"
	logx "postbot/pkg/logx"
)

var ErrAlreadyArmed = errors.New("trigger: id already armed")

const DefaultFireTimeout = 2 * time.Minute

// Timer is the part of *time.Timer the engine uses.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d. Tests replace it to control Once timers.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type Options struct {
	Log         logx.Logger
	FireTimeout time.Duration
	AfterFunc   AfterFunc
}

type entry struct {
	daily  bool
	at     clock.TimeOfDay
	cronID cron.EntryID
	timer  Timer
	onceAt time.Time
	ver    uint64
}

type Engine struct {
	res         *clock.Resolver
	log         logx.Logger
	afterFunc   AfterFunc
	fireTimeout time.Duration

	mu      sync.Mutex
	c       *cron.Cron
	ctx     context.Context
	entries map[string]*entry
	ver     uint64
}

func New(res *clock.Resolver, opt Options) *Engine {
	log := opt.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "trigger"))
	af := opt.AfterFunc
	if af == nil {
		af = realAfterFunc
	}
	ft := opt.FireTimeout
	if ft <= 0 {
		ft = DefaultFireTimeout
	}
	cl := cronLogger{log: log}
	return &Engine{
		res:         res,
		log:         log,
		afterFunc:   af,
		fireTimeout: ft,
		c: cron.New(
			cron.WithLocation(res.Location()),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl)),
		),
		ctx:     context.Background(),
		entries: map[string]*entry{},
	}
}

// Start begins cron triggering. Fired callbacks derive their context from ctx.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	n := len(e.entries)
	e.mu.Unlock()
	e.c.Start()
	e.log.Info("trigger engine started", logx.String("tz", e.res.Location().String()), logx.Int("armed", n))
}

// Stop halts cron and every pending Once timer. Running callbacks are
// waited for until ctx expires.
func (e *Engine) Stop(ctx context.Context) {
	start := time.Now()
	e.mu.Lock()
	for _, en := range e.entries {
		if en.timer != nil {
			en.timer.Stop()
		}
	}
	e.mu.Unlock()

	select {
	case <-e.c.Stop().Done():
	case <-ctx.Done():
	}
	e.log.Info("trigger engine stopped", logx.Duration("took", time.Since(start)))
}

// ArmOnce schedules a single firing of fn at the next occurrence of at.
func (e *Engine) ArmOnce(id string, at clock.TimeOfDay, fn func(ctx context.Context)) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[id]; ok {
		return time.Time{}, ErrAlreadyArmed
	}

	now := e.res.Now()
	next := clock.NextOccurrence(now, at)
	e.ver++
	ver := e.ver
	en := &entry{at: at, onceAt: next, ver: ver}
	en.timer = e.afterFunc(next.Sub(now), func() {
		e.mu.Lock()
		cur, ok := e.entries[id]
		if !ok || cur.ver != ver {
			e.mu.Unlock()
			return
		}
		// Consumed before running: Cancel now reports false.
		delete(e.entries, id)
		e.mu.Unlock()
		e.run(id, fn)
	})
	e.entries[id] = en
	e.log.Debug("once armed", logx.String("post_id", id), logx.Time("at", next))
	return next, nil
}

// ArmDaily schedules fn every day at at, until cancelled.
func (e *Engine) ArmDaily(id string, at clock.TimeOfDay, fn func(ctx context.Context)) (time.Time, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.entries[id]; ok {
		return time.Time{}, ErrAlreadyArmed
	}

	spec := fmt.Sprintf("%d %d * * *", at.Minute, at.Hour)
	cid, err := e.c.AddFunc(spec, func() { e.run(id, fn) })
	if err != nil {
		return time.Time{}, fmt.Errorf("trigger: cron %q: %w", spec, err)
	}
	e.ver++
	e.entries[id] = &entry{daily: true, at: at, cronID: cid, ver: e.ver}
	next := e.nextLocked(e.entries[id])
	e.log.Debug("daily armed", logx.String("post_id", id), logx.String("spec", spec), logx.Time("next", next))
	return next, nil
}

// Cancel removes the armed timer for id and reports whether there was one.
func (e *Engine) Cancel(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return false
	}
	delete(e.entries, id)
	if en.daily {
		e.c.Remove(en.cronID)
	} else if en.timer != nil {
		en.timer.Stop()
	}
	return true
}

func (e *Engine) Armed(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.entries[id]
	return ok
}

// Next returns the next fire instant of id.
func (e *Engine) Next(id string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	en, ok := e.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.nextLocked(en), true
}

func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.entries)
}

func (e *Engine) nextLocked(en *entry) time.Time {
	if !en.daily {
		return en.onceAt
	}
	if ce := e.c.Entry(en.cronID); ce.Valid() {
		return ce.Schedule.Next(e.res.Now())
	}
	return clock.NextOccurrence(e.res.Now(), en.at)
}

func (e *Engine) run(id string, fn func(ctx context.Context)) {
	e.mu.Lock()
	base := e.ctx
	e.mu.Unlock()

	ctx, cancel := context.WithTimeout(base, e.fireTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("fire panic", logx.String("post_id", id), logx.Any("panic", r))
		}
	}()
	e.log.Debug("firing", logx.String("post_id", id))
	fn(ctx)
}
