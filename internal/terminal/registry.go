// Package terminal binds exactly one shell session to each exam and its
// owner, validates every socket attach against that binding, and
// multiplexes the attached sockets onto one upstream shell.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/audit"
	"github.com/certlab/exam-runtime/internal/keylock"
	"github.com/certlab/exam-runtime/internal/store"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Status of a terminal session.
type Status string

const (
	StatusActive     Status = "active"
	StatusTerminated Status = "terminated"
)

func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusActive, StatusTerminated:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown terminal status %q", s)
}

// Session is the capability binding of one exam's shell to its owner. ID
// is a random token and is never derived from the exam id.
type Session struct {
	ID            string     `json:"id"`
	ExamSessionID string     `json:"examSessionId"`
	UserID        string     `json:"userId"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	ExpiresAt     time.Time  `json:"expiresAt"`
	TerminatedAt  *time.Time `json:"terminatedAt,omitempty"`
}

func sessionKey(id string) string         { return "terminal:" + id }
func examKey(examSessionID string) string { return "terminal-exam:" + examSessionID }

// Registry stores terminal sessions and gates attaches.
type Registry struct {
	store   *store.Store
	hub     *Hub
	auditor *audit.Auditor
	locks   keylock.Map
	grace   time.Duration
	nowFn   func() time.Time
}

// NewRegistry builds a Registry. auditor may be nil.
func NewRegistry(s *store.Store, hub *Hub, auditor *audit.Auditor) *Registry {
	return &Registry{store: s, hub: hub, auditor: auditor, grace: 10 * time.Minute, nowFn: time.Now}
}

// Hub returns the multiplexer attaches go through.
func (r *Registry) Hub() *Hub { return r.hub }

// Get loads a terminal session by token.
func (r *Registry) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.store.GetJSON(ctx, sessionKey(id), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New("terminal.get", apperr.NotFound, "terminal session not found")
		}
		return nil, err
	}
	return &s, nil
}

// ForExam loads the terminal session bound to an exam.
func (r *Registry) ForExam(ctx context.Context, examSessionID string) (*Session, error) {
	raw, err := r.store.Get(ctx, examKey(examSessionID))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New("terminal.get", apperr.NotFound, "no terminal session for exam %s", examSessionID)
		}
		return nil, err
	}
	return r.Get(ctx, string(raw))
}

func (r *Registry) save(ctx context.Context, s *Session) error {
	ttl := store.TTLUntil(s.ExpiresAt, r.grace)
	if err := r.store.SetJSON(ctx, sessionKey(s.ID), s, ttl); err != nil {
		return fmt.Errorf("save terminal session: %w", err)
	}
	return nil
}

// CreateOrGet returns the exam's terminal session, creating it on first
// call. A session owned by another user fails with OwnershipConflict.
func (r *Registry) CreateOrGet(ctx context.Context, examSessionID, userID string, expiresAt time.Time) (*Session, error) {
	const op = "terminal.create"
	unlock := r.locks.Lock(examSessionID)
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		existing, err := r.ForExam(ctx, examSessionID)
		switch {
		case err == nil:
			if existing.UserID != userID {
				r.auditor.Log(audit.Entry{
					Event:     audit.EventOwnershipConflict,
					UserID:    userID,
					ExamID:    examSessionID,
					SessionID: existing.ID,
					Details:   "terminal session requested for exam owned by another user",
				})
				return nil, apperr.New(op, apperr.OwnershipConflict,
					"terminal session for exam %s belongs to another user", examSessionID)
			}
			if existing.Status == StatusActive && r.nowFn().Before(existing.ExpiresAt) {
				return existing, nil
			}
			// Replace a terminated binding only if nobody replaced it first.
			if _, err := r.store.DeleteIfEqual(ctx, examKey(examSessionID), []byte(existing.ID)); err != nil {
				return nil, err
			}
		case !apperr.Is(err, apperr.NotFound):
			return nil, err
		}

		s := &Session{
			ID:            uuid.NewString(),
			ExamSessionID: examSessionID,
			UserID:        userID,
			Status:        StatusActive,
			StartedAt:     r.nowFn().UTC(),
			ExpiresAt:     expiresAt,
		}
		if err := r.save(ctx, s); err != nil {
			return nil, err
		}
		won, err := r.store.SetNX(ctx, examKey(examSessionID), []byte(s.ID), store.TTLUntil(expiresAt, r.grace))
		if err != nil {
			return nil, err
		}
		if won {
			log.WithFields(log.Fields{"exam": examSessionID, "user": userID}).Info("[terminal] session created")
			return s, nil
		}
		// Another instance bound the exam first; discard ours and re-read.
		if err := r.store.Delete(ctx, sessionKey(s.ID)); err != nil {
			log.WithField("exam", examSessionID).Warnf("[terminal] discard losing session %s: %v", s.ID, err)
		}
	}
	return nil, apperr.New(op, apperr.StateConflict, "terminal session for exam %s is contended", examSessionID)
}

// ValidateAttach is the single check every socket attach passes. The
// session must be active and unexpired, and both its user and its exam
// must match the request. A binding mismatch is a security event.
func (r *Registry) ValidateAttach(ctx context.Context, terminalSessionID, examSessionID, userID string) (*Session, error) {
	const op = "terminal.attach"
	s, err := r.Get(ctx, terminalSessionID)
	if err != nil {
		if apperr.Is(err, apperr.NotFound) {
			r.auditor.Log(audit.Entry{
				Event:   audit.EventTerminalDenied,
				UserID:  userID,
				ExamID:  examSessionID,
				Details: "attach with unknown terminal token",
			})
		}
		return nil, err
	}
	if s.UserID != userID || s.ExamSessionID != examSessionID {
		r.auditor.Log(audit.Entry{
			Event:     audit.EventTerminalDenied,
			UserID:    userID,
			ExamID:    examSessionID,
			SessionID: terminalSessionID,
			Details:   fmt.Sprintf("binding mismatch: bound to exam %s user %s", s.ExamSessionID, s.UserID),
		})
		return nil, apperr.New(op, apperr.IsolationViolation, "terminal session is not bound to this exam and user")
	}
	if s.Status != StatusActive {
		return nil, apperr.New(op, apperr.StateConflict, "terminal session is %s", s.Status)
	}
	if !r.nowFn().Before(s.ExpiresAt) {
		return nil, apperr.New(op, apperr.StateConflict, "terminal session expired at %s", s.ExpiresAt.Format(time.RFC3339))
	}
	return s, nil
}

// Attach validates the request and joins the shared upstream for the
// terminal session.
func (r *Registry) Attach(ctx context.Context, terminalSessionID, examSessionID, userID string, dial DialFunc) (*Attachment, error) {
	if _, err := r.ValidateAttach(ctx, terminalSessionID, examSessionID, userID); err != nil {
		return nil, err
	}
	return r.hub.Attach(ctx, terminalSessionID, dial)
}

// Invalidate terminates the exam's terminal session and closes its
// upstream. Invalidating an exam without one is not an error.
func (r *Registry) Invalidate(ctx context.Context, examSessionID string) error {
	unlock := r.locks.Lock(examSessionID)
	defer unlock()

	s, err := r.ForExam(ctx, examSessionID)
	if apperr.Is(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	r.hub.Close(s.ID)
	if s.Status == StatusTerminated {
		return nil
	}
	now := r.nowFn().UTC()
	s.Status = StatusTerminated
	s.TerminatedAt = &now
	if err := r.save(ctx, s); err != nil {
		return err
	}
	log.WithField("exam", examSessionID).Info("[terminal] session invalidated")
	return nil
}

// SetNowFunc replaces the clock. Tests only.
func (r *Registry) SetNowFunc(fn func() time.Time) { r.nowFn = fn }
