package trigger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"postbot/internal/clock"
)

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeTimers struct {
	mu  sync.Mutex
	all []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) Timer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.all = append(ft.all, t)
	return t
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.all[len(ft.all)-1]
}

func newTestEngine(t *testing.T, now time.Time) (*Engine, *fakeTimers) {
	t.Helper()
	ft := &fakeTimers{}
	res := clock.Fixed(now.Location(), clock.Func(func() time.Time { return now }))
	return New(res, Options{AfterFunc: ft.afterFunc}), ft
}

func TestArmOnceNotYetPassedFiresToday(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	e, ft := newTestEngine(t, now)

	next, err := e.ArmOnce("a", clock.TimeOfDay{Hour: 12, Minute: 30}, func(context.Context) {})
	if err != nil {
		t.Fatalf("ArmOnce: %v", err)
	}
	if want := time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if d := ft.last().d; d != 150*time.Minute {
		t.Fatalf("delay = %v", d)
	}
	if got, ok := e.Next("a"); !ok || !got.Equal(next) {
		t.Fatalf("Next = %v, %v", got, ok)
	}
}

func TestArmOncePassedFiresTomorrow(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, now)

	next, err := e.ArmOnce("a", clock.TimeOfDay{Hour: 9, Minute: 0}, func(context.Context) {})
	if err != nil {
		t.Fatalf("ArmOnce: %v", err)
	}
	if want := time.Date(2026, 5, 5, 9, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
}

func TestOnceFireConsumesTimer(t *testing.T) {
	t.Parallel()
	e, ft := newTestEngine(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	fired := 0
	var gotDeadline bool
	_, _ = e.ArmOnce("a", clock.TimeOfDay{Hour: 11}, func(ctx context.Context) {
		fired++
		_, gotDeadline = ctx.Deadline()
		if e.Armed("a") {
			t.Error("timer still armed while firing")
		}
	})
	ft.last().f()

	if fired != 1 || !gotDeadline {
		t.Fatalf("fired=%d deadline=%v", fired, gotDeadline)
	}
	if e.Cancel("a") {
		t.Fatal("Cancel after fire should report no timer")
	}
	// A duplicate callback is ignored.
	ft.last().f()
	if fired != 1 {
		t.Fatalf("fired twice")
	}
}

func TestCancelOnceIgnoresStaleCallback(t *testing.T) {
	t.Parallel()
	e, ft := newTestEngine(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	fired := false
	_, _ = e.ArmOnce("a", clock.TimeOfDay{Hour: 11}, func(context.Context) { fired = true })
	tm := ft.last()
	if !e.Cancel("a") {
		t.Fatal("Cancel should report armed timer")
	}
	if !tm.stopped {
		t.Fatal("timer not stopped")
	}
	tm.f()
	if fired {
		t.Fatal("cancelled timer fired")
	}
	if e.Cancel("a") {
		t.Fatal("second Cancel should be a no-op")
	}
}

func TestRearmAfterCancelUsesNewTimer(t *testing.T) {
	t.Parallel()
	e, ft := newTestEngine(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	var which string
	_, _ = e.ArmOnce("a", clock.TimeOfDay{Hour: 11}, func(context.Context) { which = "old" })
	old := ft.last()
	if _, err := e.ArmOnce("a", clock.TimeOfDay{Hour: 12}, func(context.Context) {}); !errors.Is(err, ErrAlreadyArmed) {
		t.Fatalf("double arm err = %v", err)
	}
	e.Cancel("a")
	_, _ = e.ArmOnce("a", clock.TimeOfDay{Hour: 12}, func(context.Context) { which = "new" })

	old.f()
	if which != "" {
		t.Fatalf("old callback ran: %q", which)
	}
	ft.last().f()
	if which != "new" {
		t.Fatalf("which = %q", which)
	}
}

func TestArmDaily(t *testing.T) {
	t.Parallel()
	loc, err := time.LoadLocation("Europe/Kyiv")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, loc)
	e, _ := newTestEngine(t, now)

	next, err := e.ArmDaily("d", clock.TimeOfDay{Hour: 8, Minute: 15}, func(context.Context) {})
	if err != nil {
		t.Fatalf("ArmDaily: %v", err)
	}
	if want := time.Date(2026, 5, 5, 8, 15, 0, 0, loc); !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	if _, err := e.ArmDaily("d", clock.TimeOfDay{Hour: 9}, func(context.Context) {}); !errors.Is(err, ErrAlreadyArmed) {
		t.Fatalf("double arm err = %v", err)
	}
	if len(e.c.Entries()) != 1 {
		t.Fatalf("cron entries = %d", len(e.c.Entries()))
	}
	if !e.Cancel("d") || len(e.c.Entries()) != 0 || e.Armed("d") {
		t.Fatal("Cancel did not remove cron entry")
	}
}

func TestDailyJobStaysArmedAndRecoversPanics(t *testing.T) {
	t.Parallel()
	e, _ := newTestEngine(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))

	calls := 0
	_, _ = e.ArmDaily("d", clock.TimeOfDay{Hour: 12}, func(context.Context) {
		calls++
		panic("boom")
	})
	job := e.c.Entry(e.entries["d"].cronID).WrappedJob
	job.Run()
	job.Run()

	if calls != 2 {
		t.Fatalf("calls = %d", calls)
	}
	if !e.Armed("d") {
		t.Fatal("daily entry dropped after firing")
	}
	if next, _ := e.Next("d"); !next.Equal(time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("Next = %v", next)
	}
}

func TestStopHaltsOnceTimers(t *testing.T) {
	t.Parallel()
	e, ft := newTestEngine(t, time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	e.Start(context.Background())
	_, _ = e.ArmOnce("a", clock.TimeOfDay{Hour: 11}, func(context.Context) {})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	e.Stop(ctx)
	if !ft.last().stopped {
		t.Fatal("once timer still running after Stop")
	}
}
