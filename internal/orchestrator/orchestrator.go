// Package orchestrator sequences port allocation, runtime spawning and
// configuration into one session lifecycle per exam, persists that
// lifecycle, and unwinds it in reverse on failure, termination or expiry.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/audit"
	"github.com/certlab/exam-runtime/internal/containers"
	"github.com/certlab/exam-runtime/internal/exams"
	"github.com/certlab/exam-runtime/internal/keylock"
	"github.com/certlab/exam-runtime/internal/labruntime"
	"github.com/certlab/exam-runtime/internal/metrics"
	"github.com/certlab/exam-runtime/internal/ports"
	"github.com/certlab/exam-runtime/internal/store"
	"github.com/certlab/exam-runtime/internal/terminal"
	log "github.com/sirupsen/logrus"
)

// PortAllocator leases one port per range for a session.
type PortAllocator interface {
	Allocate(ctx context.Context, sessionID string, ttl time.Duration) (*ports.Allocation, error)
	Release(ctx context.Context, sessionID string) error
}

// RuntimeManager owns the container pair of an exam.
type RuntimeManager interface {
	Create(ctx context.Context, req labruntime.CreateRequest) (*labruntime.Session, error)
	GetRoutingForUser(ctx context.Context, examSessionID, userID string) (*labruntime.Routing, error)
	Terminate(ctx context.Context, examSessionID string) error
}

// Terminals binds terminal sessions to exams and gates attaches.
type Terminals interface {
	CreateOrGet(ctx context.Context, examSessionID, userID string, expiresAt time.Time) (*terminal.Session, error)
	Attach(ctx context.Context, terminalSessionID, examSessionID, userID string, dial terminal.DialFunc) (*terminal.Attachment, error)
	Invalidate(ctx context.Context, examSessionID string) error
}

// Countdown runs exam clocks.
type Countdown interface {
	Start(ctx context.Context, examSessionID string) error
	Stop(ctx context.Context, examSessionID string)
}

// Executor runs one-shot commands in a container.
type Executor interface {
	Exec(ctx context.Context, name string, cmd []string) (string, int, error)
}

// Deps are the collaborators of an Orchestrator. Auditor may be nil.
type Deps struct {
	Store     *store.Store
	Exams     *exams.Repository
	Ports     PortAllocator
	Runtime   RuntimeManager
	Exec      Executor
	Terminals Terminals
	Countdown Countdown
	Dialer    terminal.Dialer
	Auditor   *audit.Auditor
}

// Session is the persisted lifecycle record of one exam.
type Session struct {
	ExamSessionID     string         `json:"examSessionId"`
	UserID            string         `json:"userId,omitempty"`
	TemplateID        string         `json:"templateId,omitempty"`
	AssetPath         string         `json:"assetPath,omitempty"`
	State             State          `json:"state"`
	Ports             map[string]int `json:"ports,omitempty"`
	TerminalSessionID string         `json:"terminalSessionId,omitempty"`
	Error             string         `json:"error,omitempty"`
	ExpiresAt         time.Time      `json:"expiresAt"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
	ActivatedAt       *time.Time     `json:"activatedAt,omitempty"`
	TerminatedAt      *time.Time     `json:"terminatedAt,omitempty"`
}

// CreateRequest asks for a runtime session for an exam. UserID is empty
// only for anonymous mock exams. Config is written verbatim into the shell
// container.
type CreateRequest struct {
	ExamSessionID string          `json:"examSessionId"`
	UserID        string          `json:"userId,omitempty"`
	ExpiresAt     time.Time       `json:"expiresAt"`
	TemplateID    string          `json:"templateId,omitempty"`
	AssetPath     string          `json:"assetPath,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// CreateResult is what a successful CreateSession returns.
type CreateResult struct {
	Routing           *labruntime.Routing `json:"routing"`
	Ports             map[string]int      `json:"ports"`
	Status            State               `json:"status"`
	TerminalSessionID string              `json:"terminalSessionId"`
}

// AccessResult answers ValidateAccess. Reason is set when Valid is false.
type AccessResult struct {
	Valid     bool      `json:"valid"`
	Reason    string    `json:"reason,omitempty"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

const activeSet = "sessions:active"

func sessionKey(examSessionID string) string { return "session:" + examSessionID }
func userActiveKey(userID string) string     { return "user:active:" + userID }

// Orchestrator drives exam sessions through their lifecycle.
type Orchestrator struct {
	store     *store.Store
	exams     *exams.Repository
	ports     PortAllocator
	runtime   RuntimeManager
	exec      Executor
	terminals Terminals
	countdown Countdown
	dialer    terminal.Dialer
	auditor   *audit.Auditor

	locks keylock.Map
	grace time.Duration
	// staleAfter is how long a session may sit in a provisioning state
	// before a new create treats it as abandoned by a crashed instance.
	staleAfter time.Duration
	nowFn      func() time.Time
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{
		store:      d.Store,
		exams:      d.Exams,
		ports:      d.Ports,
		runtime:    d.Runtime,
		exec:       d.Exec,
		terminals:  d.Terminals,
		countdown:  d.Countdown,
		dialer:     d.Dialer,
		auditor:    d.Auditor,
		grace:      10 * time.Minute,
		staleAfter: 5 * time.Minute,
		nowFn:      time.Now,
	}
}

// Get loads the lifecycle record of an exam.
func (o *Orchestrator) Get(ctx context.Context, examSessionID string) (*Session, error) {
	var s Session
	if err := o.store.GetJSON(ctx, sessionKey(examSessionID), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New("orchestrator.get", apperr.NotFound, "no session for exam %s", examSessionID)
		}
		return nil, err
	}
	return &s, nil
}

func (o *Orchestrator) save(ctx context.Context, s *Session) error {
	s.UpdatedAt = o.nowFn().UTC()
	if err := o.store.SetJSON(ctx, sessionKey(s.ExamSessionID), s, store.TTLUntil(s.ExpiresAt, o.grace)); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// transition moves s to next and persists it.
func (o *Orchestrator) transition(ctx context.Context, s *Session, next State) error {
	if !CanTransition(s.State, next) {
		return apperr.New("orchestrator.transition", apperr.StateConflict,
			"illegal transition %s -> %s for exam %s", s.State, next, s.ExamSessionID)
	}
	s.State = next
	if err := o.save(ctx, s); err != nil {
		return err
	}
	metrics.SessionTransitions.WithLabelValues(string(next)).Inc()
	log.WithField("exam", s.ExamSessionID).Debugf("[orchestrator] -> %s", next)
	return nil
}

func (o *Orchestrator) denyOwner(op string, s *Session, userID, details string) error {
	o.auditor.Log(audit.Entry{
		Event:   audit.EventIsolationViolation,
		UserID:  userID,
		ExamID:  s.ExamSessionID,
		Details: details,
	})
	return apperr.New(op, apperr.IsolationViolation, "exam %s does not belong to the caller", s.ExamSessionID)
}

// CreateSession allocates ports, spawns and configures the runtime and
// binds a terminal session. A failure at any stage undoes the stages that
// succeeded, in reverse, and leaves the session FAILED; the returned error
// keeps the kind of the stage that failed. Retrying for the same user
// returns the existing session once it is READY or ACTIVE.
func (o *Orchestrator) CreateSession(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	const op = "orchestrator.create"
	if req.ExamSessionID == "" {
		return nil, apperr.New(op, apperr.Invalid, "exam session id is required")
	}
	if !labruntime.ValidExamID(req.ExamSessionID) {
		return nil, apperr.New(op, apperr.Invalid, "invalid exam session id %q", req.ExamSessionID)
	}
	if !req.ExpiresAt.After(o.nowFn()) {
		return nil, apperr.New(op, apperr.Invalid, "expiresAt must be in the future")
	}
	if len(req.Config) > 0 && !json.Valid(req.Config) {
		return nil, apperr.New(op, apperr.Invalid, "config is not valid JSON")
	}

	unlock := o.locks.Lock(req.ExamSessionID)
	defer unlock()

	logger := log.WithFields(log.Fields{"exam": req.ExamSessionID, "user": req.UserID})

	existing, err := o.Get(ctx, req.ExamSessionID)
	switch {
	case err == nil:
		if existing.UserID != req.UserID {
			o.auditor.Log(audit.Entry{
				Event:   audit.EventOwnershipConflict,
				UserID:  req.UserID,
				ExamID:  req.ExamSessionID,
				Details: "session create for exam owned by another user",
			})
			return nil, apperr.New(op, apperr.OwnershipConflict, "exam %s belongs to another user", req.ExamSessionID)
		}
		switch {
		case existing.State.Routable():
			return o.result(ctx, existing)
		case existing.State == StateTerminated || existing.State == StateTerminating:
			return nil, apperr.New(op, apperr.StateConflict, "exam %s is %s", req.ExamSessionID, existing.State)
		case existing.State.Provisioning():
			if o.nowFn().Sub(existing.UpdatedAt) < o.staleAfter {
				return nil, apperr.New(op, apperr.StateConflict, "exam %s is already being provisioned (%s)", req.ExamSessionID, existing.State)
			}
			logger.Warnf("[orchestrator] reclaiming session stuck in %s since %s", existing.State, existing.UpdatedAt.Format(time.RFC3339))
			o.unwind(existing.ExamSessionID, true, true)
		}
		// FAILED and reclaimed sessions are rebuilt from scratch.
	case !apperr.Is(err, apperr.NotFound):
		return nil, err
	}

	now := o.nowFn().UTC()
	s := &Session{
		ExamSessionID: req.ExamSessionID,
		UserID:        req.UserID,
		TemplateID:    req.TemplateID,
		AssetPath:     req.AssetPath,
		State:         StateInitializing,
		ExpiresAt:     req.ExpiresAt,
		CreatedAt:     now,
	}
	if err := o.save(ctx, s); err != nil {
		return nil, err
	}
	if err := o.store.SAdd(ctx, activeSet, s.ExamSessionID); err != nil {
		return nil, err
	}
	metrics.SessionTransitions.WithLabelValues(string(StateInitializing)).Inc()

	var portsHeld, runtimeSpawned bool
	fail := func(cause error) (*CreateResult, error) {
		logger.Errorf("[orchestrator] create failed in %s: %v", s.State, cause)
		o.unwind(s.ExamSessionID, runtimeSpawned, portsHeld)
		s.Error = cause.Error()
		if err := o.transition(context.Background(), s, StateFailed); err != nil {
			logger.Errorf("[orchestrator] record failure: %v", err)
		}
		if err := o.store.SRem(context.Background(), activeSet, s.ExamSessionID); err != nil {
			logger.Warnf("[orchestrator] drop failed session from active set: %v", err)
		}
		return nil, apperr.Wrap(op, apperr.KindUnknown, cause)
	}

	if err := o.transition(ctx, s, StateAllocatingPorts); err != nil {
		return fail(err)
	}
	alloc, err := o.ports.Allocate(ctx, s.ExamSessionID, store.TTLUntil(s.ExpiresAt, o.grace))
	if err != nil {
		return fail(err)
	}
	portsHeld = true
	s.Ports = alloc.Ports

	if err := o.transition(ctx, s, StateSpawningRuntime); err != nil {
		return fail(err)
	}
	// A failed Create cleans up after itself and may have refused because
	// the names belong to someone else, so only a successful one is undone.
	if _, err := o.runtime.Create(ctx, labruntime.CreateRequest{
		ExamSessionID: s.ExamSessionID,
		UserID:        s.UserID,
		ExpiresAt:     s.ExpiresAt,
		TemplateID:    s.TemplateID,
		Ports:         s.Ports,
	}); err != nil {
		return fail(err)
	}
	runtimeSpawned = true

	if err := o.transition(ctx, s, StateConfiguring); err != nil {
		return fail(err)
	}
	if err := o.configure(ctx, s, req.Config); err != nil {
		return fail(err)
	}
	routing, err := o.runtime.GetRoutingForUser(ctx, s.ExamSessionID, s.UserID)
	if err != nil {
		return fail(err)
	}
	term, err := o.terminals.CreateOrGet(ctx, s.ExamSessionID, s.UserID, s.ExpiresAt)
	if err != nil {
		return fail(err)
	}
	s.TerminalSessionID = term.ID

	if err := o.transition(ctx, s, StateReady); err != nil {
		return fail(err)
	}
	logger.Infof("[orchestrator] session ready with ports %v", s.Ports)
	return &CreateResult{Routing: routing, Ports: s.Ports, Status: s.State, TerminalSessionID: s.TerminalSessionID}, nil
}

func (o *Orchestrator) result(ctx context.Context, s *Session) (*CreateResult, error) {
	routing, err := o.runtime.GetRoutingForUser(ctx, s.ExamSessionID, s.UserID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Routing: routing, Ports: s.Ports, Status: s.State, TerminalSessionID: s.TerminalSessionID}, nil
}

// unwind undoes provisioning in reverse order with a fresh context so
// cleanup still runs when the caller's context has ended.
func (o *Orchestrator) unwind(examSessionID string, runtimeSpawned, portsHeld bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	logger := log.WithField("exam", examSessionID)
	if runtimeSpawned {
		// The terminal is only ever bound after the runtime exists.
		if err := o.terminals.Invalidate(ctx, examSessionID); err != nil {
			logger.Warnf("[orchestrator] unwind: invalidate terminal: %v", err)
		}
		if err := o.runtime.Terminate(ctx, examSessionID); err != nil {
			logger.Errorf("[orchestrator] unwind: destroy runtime: %v", err)
		}
	}
	if portsHeld {
		if err := o.ports.Release(ctx, examSessionID); err != nil {
			logger.Errorf("[orchestrator] unwind: release ports: %v", err)
		}
	}
}

// Activate starts the exam: only from READY, and only while the user has
// no other ACTIVE exam. The countdown starts ticking on success.
func (o *Orchestrator) Activate(ctx context.Context, examSessionID, userID string) error {
	const op = "orchestrator.activate"
	unlock := o.locks.Lock(examSessionID)
	defer unlock()

	s, err := o.Get(ctx, examSessionID)
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return o.denyOwner(op, s, userID, "activate requested for another user's exam")
	}
	if s.State != StateReady {
		return apperr.New(op, apperr.StateConflict, "cannot activate exam %s from state %s", examSessionID, s.State)
	}

	if userID != "" {
		ttl := store.TTLUntil(s.ExpiresAt, o.grace)
		won, err := o.store.SetNX(ctx, userActiveKey(userID), []byte(examSessionID), ttl)
		if err != nil {
			return err
		}
		if !won {
			holder, err := o.store.Get(ctx, userActiveKey(userID))
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return err
			}
			if string(holder) != examSessionID {
				return apperr.New(op, apperr.StateConflict, "user already has an active exam %s", string(holder))
			}
		}
	}

	if err := o.markExamStarted(ctx, s); err != nil {
		if userID != "" {
			if _, derr := o.store.DeleteIfEqual(ctx, userActiveKey(userID), []byte(examSessionID)); derr != nil {
				log.WithField("exam", examSessionID).Warnf("[orchestrator] release active-exam marker for %s: %v", userID, derr)
			}
		}
		return err
	}

	now := o.nowFn().UTC()
	s.ActivatedAt = &now
	if err := o.transition(ctx, s, StateActive); err != nil {
		return err
	}
	if err := o.countdown.Start(ctx, examSessionID); err != nil {
		// The adoption job picks up ACTIVE exams without a ticker.
		log.WithField("exam", examSessionID).Warnf("[orchestrator] start countdown: %v", err)
	}
	log.WithFields(log.Fields{"exam": examSessionID, "user": userID}).Info("[orchestrator] session active")
	return nil
}

// markExamStarted makes sure the exam record the countdown reads from has
// a start time and ends no later than the session, so the countdown and
// access checks agree on one deadline. Exams created without the
// exam-management service get a record derived from the session.
func (o *Orchestrator) markExamStarted(ctx context.Context, s *Session) error {
	now := o.nowFn().UTC()
	expires := s.ExpiresAt
	exam, err := o.exams.Get(ctx, s.ExamSessionID)
	switch {
	case apperr.Is(err, apperr.NotFound):
		typ := exams.TypeFull
		if s.UserID == "" {
			typ = exams.TypeMock
		}
		exam = &exams.Session{
			ID:        s.ExamSessionID,
			UserID:    s.UserID,
			LabID:     s.TemplateID,
			Type:      typ,
			Status:    exams.StatusActive,
			StartedAt: &now,
			ExpiresAt: &expires,
		}
	case err != nil:
		return err
	default:
		clamped := exam.ExpiresAt == nil || exam.ExpiresAt.After(expires)
		if exam.StartedAt != nil && exam.Status == exams.StatusActive && !clamped {
			return nil
		}
		if exam.StartedAt == nil {
			exam.StartedAt = &now
		}
		if clamped {
			exam.ExpiresAt = &expires
		}
		exam.Status = exams.StatusActive
	}
	return o.exams.Put(ctx, exam)
}

// TerminateSession ends a session on behalf of its owner. Terminating an
// already terminated or failed session is a no-op.
func (o *Orchestrator) TerminateSession(ctx context.Context, examSessionID, userID string) error {
	const op = "orchestrator.terminate"
	unlock := o.locks.Lock(examSessionID)
	defer unlock()

	s, err := o.Get(ctx, examSessionID)
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.UserID != userID {
		return o.denyOwner(op, s, userID, "terminate requested for another user's exam")
	}
	if s.State.Final() {
		return nil
	}
	return o.teardown(ctx, s, audit.EventSessionTerminated, exams.StatusCompleted)
}

// Expire ends a session whose time ran out. It is the countdown's
// termination hook and is safe to call repeatedly.
func (o *Orchestrator) Expire(ctx context.Context, examSessionID string) error {
	unlock := o.locks.Lock(examSessionID)
	defer unlock()

	s, err := o.Get(ctx, examSessionID)
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.State.Final() {
		return nil
	}
	return o.teardown(ctx, s, audit.EventSessionExpired, exams.StatusExpired)
}

// teardown runs the termination sequence. Each step is idempotent; if one
// fails the session stays TERMINATING so a retry repeats the whole
// sequence.
func (o *Orchestrator) teardown(ctx context.Context, s *Session, event string, examStatus exams.Status) error {
	logger := log.WithFields(log.Fields{"exam": s.ExamSessionID, "user": s.UserID})
	if s.State != StateTerminating {
		if err := o.transition(ctx, s, StateTerminating); err != nil {
			return err
		}
	}

	o.countdown.Stop(ctx, s.ExamSessionID)
	var errs []error
	if err := o.terminals.Invalidate(ctx, s.ExamSessionID); err != nil {
		errs = append(errs, fmt.Errorf("invalidate terminal: %w", err))
	}
	if err := o.runtime.Terminate(ctx, s.ExamSessionID); err != nil {
		errs = append(errs, fmt.Errorf("destroy runtime: %w", err))
	}
	if err := o.ports.Release(ctx, s.ExamSessionID); err != nil {
		errs = append(errs, fmt.Errorf("release ports: %w", err))
	}
	if len(errs) > 0 {
		err := errors.Join(errs...)
		logger.Errorf("[orchestrator] teardown incomplete: %v", err)
		return err
	}

	if s.UserID != "" {
		if _, err := o.store.DeleteIfEqual(ctx, userActiveKey(s.UserID), []byte(s.ExamSessionID)); err != nil {
			logger.Warnf("[orchestrator] clear active exam marker: %v", err)
		}
	}
	if err := o.exams.MarkStatus(ctx, s.ExamSessionID, examStatus); err != nil && !apperr.Is(err, apperr.NotFound) {
		logger.Warnf("[orchestrator] mark exam %s: %v", examStatus, err)
	}

	o.auditor.Log(audit.Entry{Event: event, UserID: s.UserID, ExamID: s.ExamSessionID, SessionID: s.TerminalSessionID})

	now := o.nowFn().UTC()
	s.TerminatedAt = &now
	if err := o.store.SRem(ctx, activeSet, s.ExamSessionID); err != nil {
		logger.Warnf("[orchestrator] drop from active set: %v", err)
	}
	if err := o.transition(ctx, s, StateTerminated); err != nil {
		return err
	}
	logger.Infof("[orchestrator] session %s", s.State)
	return nil
}

// Owned loads the session and checks it belongs to userID. A mismatch is
// recorded as a security event.
func (o *Orchestrator) Owned(ctx context.Context, examSessionID, userID string) (*Session, error) {
	s, err := o.Get(ctx, examSessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, o.denyOwner("orchestrator.owned", s, userID, "session lookup for another user's exam")
	}
	return s, nil
}

// GetRouting resolves the caller's own routing. Sessions that are gone
// report NotFound; sessions not yet or no longer live report
// RuntimeUnavailable.
func (o *Orchestrator) GetRouting(ctx context.Context, examSessionID, userID string) (*labruntime.Routing, error) {
	const op = "orchestrator.routing"
	s, err := o.Get(ctx, examSessionID)
	if err != nil {
		return nil, err
	}
	if s.UserID != userID {
		return nil, o.denyOwner(op, s, userID, "routing requested for another user's exam")
	}
	switch {
	case s.State.Routable():
		return o.runtime.GetRoutingForUser(ctx, examSessionID, userID)
	case s.State.Final():
		return nil, apperr.New(op, apperr.NotFound, "exam %s is %s", examSessionID, s.State)
	default:
		return nil, apperr.New(op, apperr.RuntimeUnavailable, "exam %s is %s", examSessionID, s.State)
	}
}

// ValidateAccess reports whether the user may use the exam's runtime now.
// Expiry is compared against the stored expiresAt only.
func (o *Orchestrator) ValidateAccess(ctx context.Context, examSessionID, userID string) (AccessResult, error) {
	s, err := o.Get(ctx, examSessionID)
	if apperr.Is(err, apperr.NotFound) {
		return AccessResult{Reason: "session not found"}, nil
	}
	if err != nil {
		return AccessResult{}, err
	}
	if s.UserID != userID {
		o.denyOwner("orchestrator.access", s, userID, "access check for another user's exam")
		return AccessResult{Reason: "session belongs to another user"}, nil
	}
	if !s.State.Routable() {
		return AccessResult{Reason: "session is " + string(s.State), ExpiresAt: s.ExpiresAt}, nil
	}
	if !o.nowFn().Before(s.ExpiresAt) {
		return AccessResult{Reason: "session expired", ExpiresAt: s.ExpiresAt}, nil
	}
	return AccessResult{Valid: true, ExpiresAt: s.ExpiresAt}, nil
}

// AttachTerminal validates the attach through the terminal registry and
// joins the exam's shared shell. The upstream is only dialed for the
// first client of a terminal session.
func (o *Orchestrator) AttachTerminal(ctx context.Context, terminalSessionID, examSessionID, userID string) (*terminal.Attachment, error) {
	dial := func(ctx context.Context) (terminal.Upstream, error) {
		routing, err := o.runtime.GetRoutingForUser(ctx, examSessionID, userID)
		if err != nil {
			return nil, err
		}
		return o.dialer.Dial(ctx, terminal.Target{
			Container: labruntime.ShellName(examSessionID),
			Host:      routing.Shell.Host,
			Port:      routing.Shell.Port,
		})
	}
	return o.terminals.Attach(ctx, terminalSessionID, examSessionID, userID, dial)
}

// ListActive returns every session that has not reached a final state,
// oldest first. Entries whose record has expired are dropped from the
// active set.
func (o *Orchestrator) ListActive(ctx context.Context) ([]*Session, error) {
	ids, err := o.store.SMembers(ctx, activeSet)
	if err != nil {
		return nil, err
	}
	out := make([]*Session, 0, len(ids))
	for _, id := range ids {
		s, err := o.Get(ctx, id)
		if apperr.Is(err, apperr.NotFound) || (err == nil && s.State.Final()) {
			if err := o.store.SRem(ctx, activeSet, id); err != nil {
				log.WithField("exam", id).Warnf("[orchestrator] prune active set: %v", err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ActiveExamIDs returns the exams in ACTIVE state, whose countdowns must
// be ticking somewhere.
func (o *Orchestrator) ActiveExamIDs(ctx context.Context) ([]string, error) {
	list, err := o.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, s := range list {
		if s.State == StateActive {
			ids = append(ids, s.ExamSessionID)
		}
	}
	return ids, nil
}

// SetNowFunc replaces the clock. Tests only.
func (o *Orchestrator) SetNowFunc(fn func() time.Time) { o.nowFn = fn }

var _ Executor = (containers.Runtime)(nil)
