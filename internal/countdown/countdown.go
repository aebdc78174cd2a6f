// Package countdown runs the server-authoritative exam clock. One instance
// owns the ticker of each exam; every tick recomputes remaining time from
// the stored exam record, fans out to local listeners and is relayed over
// the bus to listeners on sibling instances. At zero the exam is expired
// exactly once cluster-wide.
package countdown

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/bus"
	"github.com/certlab/exam-runtime/internal/exams"
	"github.com/certlab/exam-runtime/internal/fanout"
	"github.com/certlab/exam-runtime/internal/metrics"
	"github.com/certlab/exam-runtime/internal/store"
	log "github.com/sirupsen/logrus"
)

// Subject is the bus subject ticks are relayed on.
const Subject = "examrt.countdown"

// Event types.
const (
	TypeTick       = "tick"
	TypeExpired    = "expired"
	TypePending    = "pending"
	TypeTerminated = "terminated"
)

// Event is what listeners receive.
type Event struct {
	Type             string    `json:"type"`
	ExamSessionID    string    `json:"examSessionId"`
	RemainingSeconds int       `json:"remainingSeconds"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty"`
	Origin           string    `json:"origin,omitempty"`
}

// Terminator ends an exam whose time ran out. Implementations must be
// idempotent.
type Terminator interface {
	Expire(ctx context.Context, examSessionID string) error
}

func ownerKey(examSessionID string) string   { return "countdown:owner:" + examSessionID }
func expiredKey(examSessionID string) string { return "countdown:expired:" + examSessionID }

type timer struct {
	cancel context.CancelFunc
	done   chan struct{}
	last   int // last broadcast remaining seconds, -1 before the first tick
}

// Broadcaster owns the exam tickers of this instance.
type Broadcaster struct {
	instanceID string
	exams      *exams.Repository
	store      *store.Store
	bus        bus.Bus
	listeners  *fanout.Fanout[Event]

	interval   time.Duration
	ownerTTL   time.Duration
	claimTTL   time.Duration
	expireWait time.Duration
	nowFn      func() time.Time

	mu     sync.Mutex
	timers map[string]*timer
	term   Terminator
	sub    bus.Subscription
}

// New builds a Broadcaster and subscribes it to sibling ticks.
func New(instanceID string, repo *exams.Repository, s *store.Store, b bus.Bus, interval time.Duration) (*Broadcaster, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ownerTTL := 3 * interval
	if ownerTTL < 3*time.Second {
		ownerTTL = 3 * time.Second
	}
	br := &Broadcaster{
		instanceID: instanceID,
		exams:      repo,
		store:      s,
		bus:        b,
		listeners:  fanout.New[Event](),
		interval:   interval,
		ownerTTL:   ownerTTL,
		claimTTL:   time.Hour,
		expireWait: 2 * time.Minute,
		nowFn:      time.Now,
		timers:     map[string]*timer{},
	}
	sub, err := b.Subscribe(Subject, br.relay)
	if err != nil {
		return nil, err
	}
	br.sub = sub
	return br, nil
}

// SetTerminator wires the component that expires exams at zero.
func (b *Broadcaster) SetTerminator(t Terminator) {
	b.mu.Lock()
	b.term = t
	b.mu.Unlock()
}

// Start begins ticking an exam on this instance unless another instance
// already owns its ticker. Starting an exam that is already ticking here is
// a no-op.
func (b *Broadcaster) Start(ctx context.Context, examSessionID string) error {
	b.mu.Lock()
	_, running := b.timers[examSessionID]
	b.mu.Unlock()
	if running {
		return nil
	}

	won, err := b.store.SetNX(ctx, ownerKey(examSessionID), []byte(b.instanceID), b.ownerTTL)
	if err != nil {
		return err
	}
	if !won {
		holder, err := b.store.Get(ctx, ownerKey(examSessionID))
		if err != nil || string(holder) != b.instanceID {
			return nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if _, running := b.timers[examSessionID]; running {
		return nil
	}
	tctx, cancel := context.WithCancel(context.Background())
	t := &timer{cancel: cancel, done: make(chan struct{}), last: -1}
	b.timers[examSessionID] = t
	metrics.CountdownTimers.Inc()
	go b.run(tctx, examSessionID, t)
	log.WithField("exam", examSessionID).Info("[countdown] started")
	return nil
}

// detach removes t from the running set if it is still registered and
// reports whether it was.
func (b *Broadcaster) detach(examSessionID string, t *timer) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.timers[examSessionID] != t {
		return false
	}
	delete(b.timers, examSessionID)
	metrics.CountdownTimers.Dec()
	return true
}

func (b *Broadcaster) run(ctx context.Context, examSessionID string, t *timer) {
	defer close(t.done)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	logger := log.WithField("exam", examSessionID)
	for {
		if done := b.tick(ctx, examSessionID, t, logger); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick performs one recomputation and reports whether the timer should
// stop.
func (b *Broadcaster) tick(ctx context.Context, examSessionID string, t *timer, logger *log.Entry) bool {
	kept, err := b.store.ExpireIfEqual(ctx, ownerKey(examSessionID), []byte(b.instanceID), b.ownerTTL)
	if err != nil {
		if ctx.Err() == nil {
			logger.Warnf("[countdown] refresh owner lease: %v", err)
		}
		return false
	}
	if !kept {
		logger.Warn("[countdown] lost ticker ownership, stopping local timer")
		b.detach(examSessionID, t)
		return true
	}

	exam, err := b.exams.Get(ctx, examSessionID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			logger.Warn("[countdown] exam record gone, stopping")
			b.detach(examSessionID, t)
			b.releaseLease(context.Background(), examSessionID)
			return true
		}
		if ctx.Err() == nil {
			logger.Warnf("[countdown] load exam: %v", err)
		}
		return false
	}

	now := b.nowFn()
	remaining, started := exam.Remaining(now)
	if !started {
		return false
	}
	secs := int(remaining / time.Second)
	if exam.Status == exams.StatusExpired {
		secs = 0
	}
	if t.last >= 0 && secs > t.last {
		secs = t.last
	}
	t.last = secs

	deadline, _ := exam.Deadline()
	b.emit(ctx, Event{Type: TypeTick, ExamSessionID: examSessionID, RemainingSeconds: secs, ExpiresAt: deadline})

	if secs > 0 {
		return false
	}
	if !b.detach(examSessionID, t) {
		return true
	}
	b.fireExpiry(examSessionID, deadline)
	b.releaseLease(context.Background(), examSessionID)
	return true
}

// fireExpiry claims the cluster-wide expiry of an exam and, if this
// instance won the claim, notifies listeners and invokes the Terminator.
// It reports whether this call performed the expiry.
func (b *Broadcaster) fireExpiry(examSessionID string, deadline time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), b.expireWait)
	defer cancel()
	logger := log.WithField("exam", examSessionID)

	won, err := b.store.SetNX(ctx, expiredKey(examSessionID), []byte(b.instanceID), b.claimTTL)
	if err != nil {
		logger.Errorf("[countdown] claim expiry: %v", err)
		return false
	}
	if !won {
		logger.Debug("[countdown] expiry already claimed by another instance")
		return false
	}

	b.emit(ctx, Event{Type: TypeExpired, ExamSessionID: examSessionID, ExpiresAt: deadline})
	b.listeners.Close(examSessionID)

	b.mu.Lock()
	term := b.term
	b.mu.Unlock()
	if term == nil {
		logger.Error("[countdown] no terminator configured; exam not terminated")
		return true
	}
	if err := term.Expire(ctx, examSessionID); err != nil {
		logger.Errorf("[countdown] expire: %v", err)
		// Let a later adoption retry.
		if _, err := b.store.DeleteIfEqual(context.Background(), expiredKey(examSessionID), []byte(b.instanceID)); err != nil {
			logger.Errorf("[countdown] drop expiry claim: %v", err)
		}
		return true
	}
	logger.Info("[countdown] exam expired")
	return true
}

// emit broadcasts ev to local listeners and relays it to siblings.
func (b *Broadcaster) emit(ctx context.Context, ev Event) {
	b.listeners.Broadcast(ev.ExamSessionID, ev)
	ev.Origin = b.instanceID
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	if err := b.bus.Publish(ctx, Subject, data); err != nil {
		log.WithField("exam", ev.ExamSessionID).Warnf("[countdown] relay: %v", err)
	}
}

// relay re-broadcasts sibling ticks to local listeners. Our own ticks were
// already delivered locally and are ignored.
func (b *Broadcaster) relay(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		log.Warnf("[countdown] bad relay message: %v", err)
		return
	}
	if ev.Origin == b.instanceID || ev.ExamSessionID == "" {
		return
	}
	ev.Origin = ""
	b.listeners.Broadcast(ev.ExamSessionID, ev)
	if ev.Type == TypeExpired || ev.Type == TypeTerminated {
		b.listeners.Close(ev.ExamSessionID)
	}
}

// Stop ends the exam's local timer, if any, releases ticker ownership and
// tells listeners the exam was terminated.
func (b *Broadcaster) Stop(ctx context.Context, examSessionID string) {
	b.mu.Lock()
	t := b.timers[examSessionID]
	if t != nil {
		delete(b.timers, examSessionID)
		metrics.CountdownTimers.Dec()
	}
	b.mu.Unlock()

	if t != nil {
		t.cancel()
		<-t.done
		log.WithField("exam", examSessionID).Info("[countdown] stopped")
	}
	b.releaseLease(ctx, examSessionID)
	b.emit(ctx, Event{Type: TypeTerminated, ExamSessionID: examSessionID})
	b.listeners.Close(examSessionID)
}

// Running reports whether this instance ticks the exam.
func (b *Broadcaster) Running(examSessionID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.timers[examSessionID]
	return ok
}

// Adopt starts timers for active exams whose ticker owner has gone away,
// such as after an instance crash. It returns how many it took over.
func (b *Broadcaster) Adopt(ctx context.Context, examSessionIDs []string) (int, error) {
	adopted := 0
	for _, id := range examSessionIDs {
		if b.Running(id) {
			continue
		}
		if err := b.Start(ctx, id); err != nil {
			return adopted, err
		}
		if b.Running(id) {
			adopted++
		}
	}
	if adopted > 0 {
		log.Infof("[countdown] adopted %d exam timers", adopted)
	}
	return adopted, nil
}

// Listener is one joined client.
type Listener struct {
	// Initial is the state at join time, delivered before any tick.
	Initial Event
	// C receives subsequent events. It is closed after an expired or
	// terminated event, or if the listener falls behind.
	C <-chan Event

	sub *fanout.Subscription[Event]
}

func (l *Listener) Close() { l.sub.Unsubscribe() }

// Join subscribes to an exam's ticks. The current state is computed at
// once; an exam already out of time yields an expired event instead of a
// stale countdown.
func (b *Broadcaster) Join(ctx context.Context, examSessionID string) (*Listener, error) {
	exam, err := b.exams.Get(ctx, examSessionID)
	if err != nil {
		return nil, err
	}
	sub := b.listeners.Subscribe(examSessionID, 16)
	l := &Listener{C: sub.C, sub: sub}

	deadline, _ := exam.Deadline()
	remaining, started := exam.Remaining(b.nowFn())
	switch {
	case exam.Status == exams.StatusExpired || exam.Status == exams.StatusCompleted || (started && remaining == 0):
		l.Initial = Event{Type: TypeExpired, ExamSessionID: examSessionID, ExpiresAt: deadline}
		sub.Unsubscribe()
	case !started:
		l.Initial = Event{Type: TypePending, ExamSessionID: examSessionID, RemainingSeconds: exam.TotalAllocatedSeconds}
	default:
		l.Initial = Event{Type: TypeTick, ExamSessionID: examSessionID, RemainingSeconds: int(remaining / time.Second), ExpiresAt: deadline}
	}
	return l, nil
}

// Close stops every local timer and releases their ownership so siblings
// can adopt them.
func (b *Broadcaster) Close() error {
	b.mu.Lock()
	timers := b.timers
	b.timers = map[string]*timer{}
	b.mu.Unlock()

	for id, t := range timers {
		t.cancel()
		<-t.done
		metrics.CountdownTimers.Dec()
		b.releaseLease(context.Background(), id)
	}
	if b.sub != nil {
		return b.sub.Unsubscribe()
	}
	return nil
}

// releaseLease gives up the ticker lease if this instance still holds it.
func (b *Broadcaster) releaseLease(ctx context.Context, examSessionID string) {
	if _, err := b.store.DeleteIfEqual(ctx, ownerKey(examSessionID), []byte(b.instanceID)); err != nil {
		log.WithField("exam", examSessionID).Warnf("[countdown] release ticker lease: %v", err)
	}
}

// SetNowFunc replaces the clock. Tests only.
func (b *Broadcaster) SetNowFunc(fn func() time.Time) { b.nowFn = fn }
