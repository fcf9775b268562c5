package posts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"postbot/internal/clock"
	"postbot/internal/eventbus"
	"postbot/internal/storage"
)

type armedTimer struct {
	at    clock.TimeOfDay
	daily bool
	fn    func(ctx context.Context)
}

type fakeTrigger struct {
	mu      sync.Mutex
	timers  map[string]armedTimer
	arms    int
	cancels int
	failArm bool
}

func newFakeTrigger() *fakeTrigger { return &fakeTrigger{timers: map[string]armedTimer{}} }

func (f *fakeTrigger) ArmOnce(id string, at clock.TimeOfDay, fn func(ctx context.Context)) (time.Time, error) {
	return f.arm(id, at, false, fn)
}

func (f *fakeTrigger) ArmDaily(id string, at clock.TimeOfDay, fn func(ctx context.Context)) (time.Time, error) {
	return f.arm(id, at, true, fn)
}

func (f *fakeTrigger) arm(id string, at clock.TimeOfDay, daily bool, fn func(ctx context.Context)) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failArm {
		return time.Time{}, errors.New("arm failed")
	}
	if _, dup := f.timers[id]; dup {
		panic("two timers armed for " + id)
	}
	f.timers[id] = armedTimer{at: at, daily: daily, fn: fn}
	f.arms++
	return time.Date(2026, 1, 1, at.Hour, at.Minute, 0, 0, time.UTC), nil
}

func (f *fakeTrigger) Cancel(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.timers[id]; !ok {
		return false
	}
	delete(f.timers, id)
	f.cancels++
	return true
}

func (f *fakeTrigger) Armed(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.timers[id]
	return ok
}

// fire simulates the engine: a Once timer is consumed before its callback runs.
func (f *fakeTrigger) fire(id string) {
	f.mu.Lock()
	t, ok := f.timers[id]
	if ok && !t.daily {
		delete(f.timers, id)
	}
	f.mu.Unlock()
	if ok {
		t.fn(context.Background())
	}
}

func (f *fakeTrigger) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

type sentMsg struct {
	to   Destination
	text string
}

type fakeDeliverer struct {
	mu   sync.Mutex
	sent []sentMsg
	err  error
}

func (f *fakeDeliverer) Deliver(_ context.Context, to Destination, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sentMsg{to: to, text: text})
	return nil
}

// gateDeliverer blocks every send until release is closed.
type gateDeliverer struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	sent    []string
}

func (g *gateDeliverer) Deliver(_ context.Context, _ Destination, text string) error {
	g.started <- struct{}{}
	<-g.release
	g.mu.Lock()
	g.sent = append(g.sent, text)
	g.mu.Unlock()
	return nil
}

type memStore struct {
	mu      sync.Mutex
	entries []storage.AuditEntry
}

func (m *memStore) AppendAudit(_ context.Context, e storage.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

var testChannel = Destination{Username: "@news", Title: "News"}

func newTestService(t *testing.T) (*Service, *fakeTrigger, *fakeDeliverer, *memStore) {
	t.Helper()
	trig := newFakeTrigger()
	out := &fakeDeliverer{}
	st := &memStore{}
	svc := NewService(newTestRegistry(), trig, out, Options{Store: st})
	return svc, trig, out, st
}

func draft(owner int64, text string, at string, r Recurrence) Draft {
	tod, _ := clock.ParseTimeOfDay(at)
	return Draft{OwnerID: owner, Destination: testChannel, Text: text, At: tod, Recurrence: r}
}

func TestServiceScheduleThenList(t *testing.T) {
	t.Parallel()
	svc, trig, _, st := newTestService(t)
	ctx := context.Background()

	text := strings.Repeat("w", 70)
	d, err := svc.Schedule(ctx, draft(1, text, "14:30", Daily))
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	list := svc.ListByOwner(1)
	if len(list) != 1 {
		t.Fatalf("list len = %d", len(list))
	}
	got := list[0]
	if got.ID != d.ID || got.At.String() != "14:30" || got.Recurrence != Daily {
		t.Fatalf("listed = %+v", got)
	}
	if got.Preview != strings.Repeat("w", 50)+"..." {
		t.Fatalf("preview = %q", got.Preview)
	}
	if trig.len() != 1 {
		t.Fatalf("armed timers = %d", trig.len())
	}
	if a := st.actions(); len(a) != 1 || a[0] != storage.ActionCreate {
		t.Fatalf("audit = %v", a)
	}
}

func TestServiceScheduleBatchRollsBack(t *testing.T) {
	t.Parallel()
	svc, trig, _, _ := newTestService(t)
	trig.failArm = true
	_, err := svc.ScheduleBatch(context.Background(), []Draft{
		draft(1, "a", "10:00", Once),
		draft(1, "b", "10:00", Once),
	})
	if err == nil {
		t.Fatal("expected arm error")
	}
	if svc.Len() != 0 || trig.len() != 0 {
		t.Fatalf("partial commit: posts=%d timers=%d", svc.Len(), trig.len())
	}
}

func TestServiceScheduleBatchDistinctIDs(t *testing.T) {
	t.Parallel()
	svc, trig, _, _ := newTestService(t)
	out, err := svc.ScheduleBatch(context.Background(), []Draft{
		draft(1, "a", "10:00", Daily),
		draft(1, "b", "10:00", Daily),
		draft(1, "c", "10:00", Daily),
	})
	if err != nil {
		t.Fatalf("ScheduleBatch: %v", err)
	}
	seen := map[string]bool{}
	for _, d := range out {
		seen[d.ID] = true
	}
	if len(seen) != 3 || trig.len() != 3 {
		t.Fatalf("ids=%v timers=%d", seen, trig.len())
	}
}

func TestServiceRescheduleCancelsThenRearms(t *testing.T) {
	t.Parallel()
	svc, trig, _, _ := newTestService(t)
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "x", "08:00", Daily))

	at := clock.TimeOfDay{Hour: 21, Minute: 15}
	got, err := svc.Reschedule(ctx, 1, d.ID, at)
	if err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if got.ID != d.ID || got.Recurrence != Daily || got.At != at || got.Text != "x" {
		t.Fatalf("after reschedule = %+v", got)
	}
	if trig.cancels != 1 || trig.arms != 2 || trig.len() != 1 {
		t.Fatalf("cancels=%d arms=%d timers=%d", trig.cancels, trig.arms, trig.len())
	}
	if tm := trig.timers[d.ID]; !tm.daily || tm.at != at {
		t.Fatalf("armed timer = %+v", tm)
	}
	if svc.Len() != 1 {
		t.Fatalf("registry len = %d", svc.Len())
	}
}

func TestServiceRescheduleTimerMissing(t *testing.T) {
	t.Parallel()
	svc, trig, _, _ := newTestService(t)
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "x", "08:00", Once))
	trig.Cancel(d.ID)

	if _, err := svc.Reschedule(ctx, 1, d.ID, clock.TimeOfDay{Hour: 9}); !errors.Is(err, ErrTimerMissing) {
		t.Fatalf("err = %v, want ErrTimerMissing", err)
	}
}

func TestServiceOwnership(t *testing.T) {
	t.Parallel()
	svc, _, _, _ := newTestService(t)
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "mine", "08:00", Once))

	if _, err := svc.Remove(ctx, 2, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign Remove err = %v", err)
	}
	if _, err := svc.UpdateText(ctx, 2, d.ID, "hijack"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign UpdateText err = %v", err)
	}
}

func TestServiceUpdateTextUsedAtFire(t *testing.T) {
	t.Parallel()
	svc, trig, out, _ := newTestService(t)
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "old", "08:00", Daily))

	if _, err := svc.UpdateText(ctx, 1, d.ID, "  "); !IsValidation(err) {
		t.Fatalf("blank text err = %v", err)
	}
	if _, err := svc.UpdateText(ctx, 1, d.ID, "new"); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}
	trig.fire(d.ID)
	if len(out.sent) != 1 || out.sent[0].text != "new" || out.sent[0].to != testChannel {
		t.Fatalf("sent = %+v", out.sent)
	}
}

func TestServiceRemoveTwice(t *testing.T) {
	t.Parallel()
	svc, trig, _, st := newTestService(t)
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "x", "08:00", Daily))

	if _, err := svc.Remove(ctx, 1, d.ID); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := svc.Remove(ctx, 1, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Remove err = %v", err)
	}
	if trig.len() != 0 || len(svc.ListByOwner(1)) != 0 || svc.Aggregate().Total != 0 {
		t.Fatal("post still present after Remove")
	}
	if a := st.actions(); a[len(a)-1] != storage.ActionDelete {
		t.Fatalf("audit = %v", a)
	}
}

func TestServiceFireOnceRemovesEntry(t *testing.T) {
	t.Parallel()
	svc, trig, out, st := newTestService(t)
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()
	svc.bus = bus

	d, _ := svc.Schedule(context.Background(), draft(1, "once", "08:00", Once))
	trig.fire(d.ID)

	if len(out.sent) != 1 {
		t.Fatalf("sent = %d", len(out.sent))
	}
	if _, err := svc.Get(d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("once post still in registry: %v", err)
	}
	if c := svc.Counters(); c.Sent != 1 || c.Failed != 0 {
		t.Fatalf("counters = %+v", c)
	}
	if a := st.actions(); a[len(a)-1] != storage.ActionSent {
		t.Fatalf("audit = %v", a)
	}
	var types []string
	for len(events) > 0 {
		types = append(types, (<-events).Type)
	}
	if strings.Join(types, ",") != eventbus.PostScheduled+","+eventbus.PostSent {
		t.Fatalf("events = %v", types)
	}
}

func TestServiceFireDailyKeepsEntry(t *testing.T) {
	t.Parallel()
	svc, trig, out, _ := newTestService(t)
	d, _ := svc.Schedule(context.Background(), draft(1, "daily", "08:00", Daily))
	trig.fire(d.ID)
	trig.fire(d.ID)
	if len(out.sent) != 2 {
		t.Fatalf("sent = %d", len(out.sent))
	}
	if _, err := svc.Get(d.ID); err != nil {
		t.Fatalf("daily post removed: %v", err)
	}
	if trig.len() != 1 {
		t.Fatalf("timers = %d", trig.len())
	}
}

func TestServiceFireFailure(t *testing.T) {
	t.Parallel()
	svc, trig, out, st := newTestService(t)
	out.err = errors.New("chat not found")

	once, _ := svc.Schedule(context.Background(), draft(1, "once", "08:00", Once))
	daily, _ := svc.Schedule(context.Background(), draft(1, "daily", "08:00", Daily))
	trig.fire(once.ID)
	trig.fire(daily.ID)

	// A failed Once post does not linger without a timer.
	if _, err := svc.Get(once.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("failed once post kept: %v", err)
	}
	if _, err := svc.Get(daily.ID); err != nil {
		t.Fatalf("failed daily post dropped: %v", err)
	}
	if c := svc.Counters(); c.Failed != 2 || c.Sent != 0 {
		t.Fatalf("counters = %+v", c)
	}
	if a := st.actions(); a[len(a)-1] != storage.ActionFailed {
		t.Fatalf("audit = %v", a)
	}
}

func TestServiceRescheduleDuringOnceFire(t *testing.T) {
	t.Parallel()
	svc, trig, _, _ := newTestService(t)
	d, _ := svc.Schedule(context.Background(), draft(1, "x", "08:00", Once))

	// Timer consumed, callback not yet run.
	trig.mu.Lock()
	delete(trig.timers, d.ID)
	trig.mu.Unlock()

	if _, err := svc.Reschedule(context.Background(), 1, d.ID, clock.TimeOfDay{Hour: 9}); !errors.Is(err, ErrTimerMissing) {
		t.Fatalf("err = %v", err)
	}
	if trig.len() != 0 {
		t.Fatal("reschedule armed a second timer")
	}
}

func TestServiceOnceLockedWhileSending(t *testing.T) {
	t.Parallel()
	trig := newFakeTrigger()
	out := &gateDeliverer{started: make(chan struct{}, 1), release: make(chan struct{})}
	svc := NewService(nil, trig, out, Options{})
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "old", "08:00", Once))

	done := make(chan struct{})
	go func() {
		trig.fire(d.ID)
		close(done)
	}()
	select {
	case <-out.started:
	case <-time.After(2 * time.Second):
		t.Fatal("send never started")
	}

	if _, err := svc.UpdateText(ctx, 1, d.ID, "new"); !errors.Is(err, ErrDelivering) {
		t.Fatalf("UpdateText during send err = %v", err)
	}
	if _, err := svc.Remove(ctx, 1, d.ID); !errors.Is(err, ErrDelivering) {
		t.Fatalf("Remove during send err = %v", err)
	}
	if _, err := svc.Reschedule(ctx, 1, d.ID, clock.TimeOfDay{Hour: 9}); !errors.Is(err, ErrDelivering) {
		t.Fatalf("Reschedule during send err = %v", err)
	}
	if got, _ := svc.Get(d.ID); got.Text != "old" {
		t.Fatalf("text changed mid-send: %q", got.Text)
	}

	close(out.release)
	<-done
	if len(out.sent) != 1 || out.sent[0] != "old" {
		t.Fatalf("sent = %q", out.sent)
	}
	if svc.Len() != 0 {
		t.Fatal("once post kept after send")
	}
}

func TestServiceDailyEditableWhileSending(t *testing.T) {
	t.Parallel()
	svc, trig, _, _ := newTestService(t)
	ctx := context.Background()
	d, _ := svc.Schedule(ctx, draft(1, "old", "08:00", Daily))

	// A daily timer stays armed while a firing is in flight.
	if !trig.Armed(d.ID) {
		t.Fatal("daily timer not armed")
	}
	if _, err := svc.UpdateText(ctx, 1, d.ID, "new"); err != nil {
		t.Fatalf("UpdateText: %v", err)
	}
}
