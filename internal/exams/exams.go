// Package exams holds the ExamSession record written by the exam-management
// service. The runtime core only reads it to learn ownership and timing.
package exams

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/store"
)

// ExamType is the kind of exam.
type ExamType string

const (
	TypeMock ExamType = "mock"
	TypeFull ExamType = "full"
)

// ParseExamType rejects unknown exam types.
func ParseExamType(s string) (ExamType, error) {
	switch ExamType(s) {
	case TypeMock, TypeFull:
		return ExamType(s), nil
	}
	return "", fmt.Errorf("unknown exam type %q", s)
}

// Status is the exam-management status of an exam.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusExpired   Status = "expired"
)

// ParseStatus rejects unknown statuses.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusActive, StatusCompleted, StatusExpired:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown exam status %q", s)
}

// Session is one exam attempt.
type Session struct {
	ID     string   `json:"id"`
	UserID string   `json:"userId,omitempty"` // empty only for anonymous mock exams
	LabID  string   `json:"labId"`
	Type   ExamType `json:"examType"`
	Status Status   `json:"status"`

	StartedAt             *time.Time `json:"startedAt,omitempty"`
	ExpiresAt             *time.Time `json:"expiresAt,omitempty"`
	TotalAllocatedSeconds int        `json:"totalAllocatedSeconds"`
}

// Validate checks the closed fields and the ownership rule for full exams.
func (s *Session) Validate() error {
	if s.ID == "" {
		return errors.New("exam session id is required")
	}
	if _, err := ParseExamType(string(s.Type)); err != nil {
		return err
	}
	if _, err := ParseStatus(string(s.Status)); err != nil {
		return err
	}
	if s.Type == TypeFull && s.UserID == "" {
		return errors.New("full exams require a user")
	}
	if s.TotalAllocatedSeconds < 0 {
		return errors.New("allocated seconds must not be negative")
	}
	return nil
}

// Deadline returns when the exam ends: startedAt plus the allocated
// duration, never later than the stored expiresAt. The second return is
// false when neither is known (exam not started).
func (s *Session) Deadline() (time.Time, bool) {
	if s.StartedAt != nil && s.TotalAllocatedSeconds > 0 {
		end := s.StartedAt.Add(time.Duration(s.TotalAllocatedSeconds) * time.Second)
		if s.ExpiresAt != nil && s.ExpiresAt.Before(end) {
			return *s.ExpiresAt, true
		}
		return end, true
	}
	if s.ExpiresAt != nil {
		return *s.ExpiresAt, true
	}
	return time.Time{}, false
}

// Remaining returns max(0, deadline - now) truncated to whole seconds.
func (s *Session) Remaining(now time.Time) (time.Duration, bool) {
	deadline, ok := s.Deadline()
	if !ok {
		return 0, false
	}
	left := deadline.Sub(now)
	if left < 0 {
		return 0, true
	}
	return left.Truncate(time.Second), true
}

// Repository reads and writes exam sessions in the shared store.
type Repository struct {
	store *store.Store
	grace time.Duration
}

func NewRepository(s *store.Store) *Repository {
	return &Repository{store: s, grace: 10 * time.Minute}
}

func key(id string) string { return "exam:" + id }

// Get loads an exam session.
func (r *Repository) Get(ctx context.Context, id string) (*Session, error) {
	var s Session
	if err := r.store.GetJSON(ctx, key(id), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New("exams.get", apperr.NotFound, "exam session %s not found", id)
		}
		return nil, err
	}
	return &s, nil
}

// Put validates and stores an exam session with a TTL bounded by its
// deadline.
func (r *Repository) Put(ctx context.Context, s *Session) error {
	if err := s.Validate(); err != nil {
		return apperr.Wrap("exams.put", apperr.Invalid, err)
	}
	ttl := 24 * time.Hour
	if deadline, ok := s.Deadline(); ok {
		ttl = store.TTLUntil(deadline, r.grace)
	}
	return r.store.SetJSON(ctx, key(s.ID), s, ttl)
}

// MarkStatus updates the status field, keeping the remaining TTL.
func (r *Repository) MarkStatus(ctx context.Context, id string, status Status) error {
	s, err := r.Get(ctx, id)
	if err != nil {
		return err
	}
	s.Status = status
	return r.Put(ctx, s)
}
