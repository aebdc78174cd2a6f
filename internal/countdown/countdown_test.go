package countdown

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/certlab/exam-runtime/internal/bus"
	"github.com/certlab/exam-runtime/internal/exams"
	"github.com/certlab/exam-runtime/internal/store"
	"github.com/certlab/exam-runtime/internal/store/storetest"
	log "github.com/sirupsen/logrus"
)

type countingTerminator struct {
	calls atomic.Int32
	after func(examSessionID string)
}

func (c *countingTerminator) Expire(_ context.Context, examSessionID string) error {
	c.calls.Add(1)
	if c.after != nil {
		c.after(examSessionID)
	}
	return nil
}

// stepClock advances by step on every reading. A reading listed in skew is
// shifted instead, simulating a clock that jumps backwards.
type stepClock struct {
	mu    sync.Mutex
	now   time.Time
	step  time.Duration
	reads int
	skew  map[int]time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reads++
	if d, ok := c.skew[c.reads]; ok {
		return c.now.Add(d)
	}
	c.now = c.now.Add(c.step)
	return c.now
}

func putExam(t *testing.T, repo *exams.Repository, id string, started time.Time, seconds int) {
	t.Helper()
	exam := &exams.Session{
		ID: id, UserID: "u1", LabID: "lab-1", Type: exams.TypeFull, Status: exams.StatusActive,
		StartedAt: &started, TotalAllocatedSeconds: seconds,
	}
	if err := repo.Put(context.Background(), exam); err != nil {
		t.Fatalf("Put exam: %v", err)
	}
}

func newBroadcaster(t *testing.T, id string, repo *exams.Repository, s *store.Store, b bus.Bus, term Terminator) *Broadcaster {
	t.Helper()
	br, err := New(id, repo, s, b, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	br.SetTerminator(term)
	t.Cleanup(func() { br.Close() })
	return br
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// drain reads events until the listener channel closes.
func drain(t *testing.T, l *Listener) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-l.C:
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatalf("listener never closed; got %d events", len(events))
		}
	}
}

func TestTicksAreMonotonicAndExpireOnce(t *testing.T) {
	s, _ := storetest.New(t)
	repo := exams.NewRepository(s)
	start := time.Now()
	putExam(t, repo, "e1", start, 3)

	term := &countingTerminator{}
	br := newBroadcaster(t, "a", repo, s, bus.NewLocalBus(), term)
	clock := &stepClock{now: start, step: 300 * time.Millisecond, skew: map[int]time.Duration{4: -2 * time.Second}}
	br.SetNowFunc(clock.Now)

	l, err := br.Join(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if l.Initial.Type != TypeTick || l.Initial.RemainingSeconds != 2 {
		t.Errorf("unexpected initial state %+v", l.Initial)
	}
	if err := br.Start(context.Background(), "e1"); err != nil {
		t.Fatalf("Start: %v", err)
	}

	events := drain(t, l)
	if len(events) < 2 {
		t.Fatalf("expected ticks and an expiry, got %+v", events)
	}
	last := l.Initial.RemainingSeconds
	for _, ev := range events[:len(events)-1] {
		if ev.Type != TypeTick {
			t.Fatalf("unexpected event before expiry: %+v", ev)
		}
		if ev.RemainingSeconds > last {
			t.Errorf("remaining went up from %d to %d", last, ev.RemainingSeconds)
		}
		last = ev.RemainingSeconds
	}
	if last != 0 {
		t.Errorf("final tick should reach 0, got %d", last)
	}
	if final := events[len(events)-1]; final.Type != TypeExpired {
		t.Errorf("expected expired event last, got %+v", final)
	}
	waitFor(t, "termination", func() bool { return term.calls.Load() > 0 })
	time.Sleep(20 * time.Millisecond)
	if n := term.calls.Load(); n != 1 {
		t.Errorf("expected one termination, got %d", n)
	}
	if br.Running("e1") {
		t.Error("timer should stop at zero")
	}
}

func TestSingleTickerAcrossInstances(t *testing.T) {
	s, mr := storetest.New(t)
	repo := exams.NewRepository(s)
	shared := bus.NewLocalBus()
	start := time.Now()
	putExam(t, repo, "e1", start, 2)

	term := &countingTerminator{}
	a := newBroadcaster(t, "a", repo, s, shared, term)
	b := newBroadcaster(t, "b", repo, s, shared, term)
	clock := &stepClock{now: start, step: 200 * time.Millisecond}
	a.SetNowFunc(clock.Now)
	b.SetNowFunc(clock.Now)

	l, err := b.Join(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	ctx := context.Background()
	if err := a.Start(ctx, "e1"); err != nil {
		t.Fatalf("Start a: %v", err)
	}
	if err := b.Start(ctx, "e1"); err != nil {
		t.Fatalf("Start b: %v", err)
	}
	if b.Running("e1") {
		t.Fatal("second instance must not tick an owned exam")
	}

	events := drain(t, l)
	if len(events) == 0 || events[len(events)-1].Type != TypeExpired {
		t.Fatalf("sibling listener should see relayed ticks then expiry, got %+v", events)
	}
	for _, ev := range events {
		if ev.Origin != "" {
			t.Errorf("relayed events should not leak origin: %+v", ev)
		}
	}
	waitFor(t, "owner lease release", func() bool { return !mr.Exists("examrt:countdown:owner:e1") })
	if n := term.calls.Load(); n != 1 {
		t.Errorf("expected exactly one termination, got %d", n)
	}
}

func TestExpiryClaimedOnce(t *testing.T) {
	s, _ := storetest.New(t)
	repo := exams.NewRepository(s)
	shared := bus.NewLocalBus()
	term := &countingTerminator{}
	a := newBroadcaster(t, "a", repo, s, shared, term)
	b := newBroadcaster(t, "b", repo, s, shared, term)

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		br := a
		if i%2 == 1 {
			br = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if br.fireExpiry("e1", time.Now()) {
				fired.Add(1)
			}
		}()
	}
	wg.Wait()

	if fired.Load() != 1 || term.calls.Load() != 1 {
		t.Errorf("expected one expiry, fired=%d terminations=%d", fired.Load(), term.calls.Load())
	}
}

func TestTerminatorMayStopTheTimer(t *testing.T) {
	s, _ := storetest.New(t)
	repo := exams.NewRepository(s)
	putExam(t, repo, "e1", time.Now().Add(-time.Minute), 30)

	term := &countingTerminator{}
	br := newBroadcaster(t, "a", repo, s, bus.NewLocalBus(), term)
	term.after = func(id string) { br.Stop(context.Background(), id) }

	if err := br.Start(context.Background(), "e1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitFor(t, "expiry of an overdue exam", func() bool { return term.calls.Load() == 1 })
	waitFor(t, "timer stop", func() bool { return !br.Running("e1") })
}

func TestJoinReportsCurrentState(t *testing.T) {
	s, _ := storetest.New(t)
	repo := exams.NewRepository(s)
	br := newBroadcaster(t, "a", repo, s, bus.NewLocalBus(), &countingTerminator{})
	ctx := context.Background()

	putExam(t, repo, "over", time.Now().Add(-time.Hour), 60)
	l, err := br.Join(ctx, "over")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if l.Initial.Type != TypeExpired {
		t.Errorf("expected immediate expiry, got %+v", l.Initial)
	}
	if _, ok := <-l.C; ok {
		t.Error("listener of an expired exam should be closed")
	}

	pending := &exams.Session{ID: "later", UserID: "u1", Type: exams.TypeFull, Status: exams.StatusPending, TotalAllocatedSeconds: 7200}
	if err := repo.Put(ctx, pending); err != nil {
		t.Fatalf("Put: %v", err)
	}
	l, err = br.Join(ctx, "later")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer l.Close()
	if l.Initial.Type != TypePending || l.Initial.RemainingSeconds != 7200 {
		t.Errorf("unexpected pending state %+v", l.Initial)
	}

	if _, err := br.Join(ctx, "missing"); err == nil {
		t.Error("expected error joining an unknown exam")
	}
}

func TestRelayIgnoresOwnOrigin(t *testing.T) {
	s, _ := storetest.New(t)
	repo := exams.NewRepository(s)
	shared := bus.NewLocalBus()
	br := newBroadcaster(t, "a", repo, s, shared, &countingTerminator{})
	putExam(t, repo, "e1", time.Now(), 3600)

	l, err := br.Join(context.Background(), "e1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	defer l.Close()

	publish := func(ev Event) {
		data, _ := json.Marshal(ev)
		if err := shared.Publish(context.Background(), Subject, data); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	publish(Event{Type: TypeTick, ExamSessionID: "e1", RemainingSeconds: 100, Origin: "a"})
	publish(Event{Type: TypeTick, ExamSessionID: "e1", RemainingSeconds: 99, Origin: "z"})

	select {
	case ev := <-l.C:
		if ev.RemainingSeconds != 99 || ev.Origin != "" {
			t.Errorf("expected the sibling tick only, got %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("sibling tick was not relayed")
	}
	select {
	case ev := <-l.C:
		t.Errorf("unexpected extra event %+v", ev)
	default:
	}
}

func TestAdoptAfterOwnerLeaves(t *testing.T) {
	s, _ := storetest.New(t)
	repo := exams.NewRepository(s)
	shared := bus.NewLocalBus()
	putExam(t, repo, "e1", time.Now(), 3600)
	ctx := context.Background()

	term := &countingTerminator{}
	a, err := New("a", repo, s, shared, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.SetTerminator(term)
	b := newBroadcaster(t, "b", repo, s, shared, term)

	if err := a.Start(ctx, "e1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n, _ := b.Adopt(ctx, []string{"e1"}); n != 0 {
		t.Errorf("owned timer must not be adopted, adopted %d", n)
	}

	a.Close()
	n, err := b.Adopt(ctx, []string{"e1"})
	if err != nil {
		t.Fatalf("Adopt: %v", err)
	}
	if n != 1 || !b.Running("e1") {
		t.Errorf("expected b to take over, adopted %d", n)
	}
}

func TestStopNotifiesListeners(t *testing.T) {
	s, mr := storetest.New(t)
	repo := exams.NewRepository(s)
	br := newBroadcaster(t, "a", repo, s, bus.NewLocalBus(), &countingTerminator{})
	putExam(t, repo, "e1", time.Now(), 3600)
	ctx := context.Background()

	l, err := br.Join(ctx, "e1")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if err := br.Start(ctx, "e1"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	br.Stop(ctx, "e1")

	events := drain(t, l)
	if len(events) == 0 || events[len(events)-1].Type != TypeTerminated {
		t.Errorf("expected a terminated event last, got %+v", events)
	}
	if br.Running("e1") {
		t.Error("timer should be stopped")
	}
	if mr.Exists("examrt:countdown:owner:e1") {
		t.Error("owner lease should be released")
	}
}

func TestLeaseReleaseFailureIsLogged(t *testing.T) {
	s, mr := storetest.New(t)
	br := newBroadcaster(t, "a", exams.NewRepository(s), s, bus.NewLocalBus(), &countingTerminator{})

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	mr.SetError("ERR store unavailable")
	br.releaseLease(context.Background(), "e1")
	mr.SetError("")

	out := buf.String()
	if !strings.Contains(out, "[countdown] release ticker lease") || !strings.Contains(out, "e1") {
		t.Fatalf("expected the failed release to be logged, got %q", out)
	}
}
