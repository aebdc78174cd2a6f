// Package audit persists security-relevant runtime events (denied isolation
// checks, forced terminations) to a local SQLite database so operators can
// review them after the fact.
package audit

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/certlab/exam-runtime/internal/logging"
	"github.com/certlab/exam-runtime/internal/metrics"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Event types.
const (
	EventIsolationViolation = "isolation_violation"
	EventOwnershipConflict  = "ownership_conflict"
	EventTerminalDenied     = "terminal_attach_denied"
	EventSessionTerminated  = "session_terminated"
	EventSessionExpired     = "session_expired"
)

// DefaultRetentionDays is used when no retention is configured.
const DefaultRetentionDays = 90

// Record is one stored audit event.
type Record struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Event     string    `gorm:"index;not null" json:"event"`
	UserID    string    `gorm:"index" json:"userId"`
	ExamID    string    `gorm:"index" json:"examId"`
	SessionID string    `json:"sessionId"`
	Details   string    `json:"details"`
	CreatedAt time.Time `gorm:"index" json:"createdAt"`
}

func (Record) TableName() string { return "audit_events" }

// Entry holds the fields a caller supplies for a new event.
type Entry struct {
	Event     string
	UserID    string
	ExamID    string
	SessionID string
	Details   string
}

// Open opens (creating if needed) the audit database under dataPath.
func Open(dataPath string) (*gorm.DB, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dsn := filepath.Join(dataPath, "audit.db") + "?_journal_mode=WAL&_busy_timeout=5000"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return db, nil
}

// Auditor records and queries audit events.
type Auditor struct {
	mu            sync.RWMutex
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
}

// NewAuditor migrates the audit table and returns an Auditor. A non-positive
// retentionDays selects DefaultRetentionDays.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Auditor{db: db, retentionDays: retentionDays, nowFn: time.Now}, nil
}

// IsSecurity reports whether event is a denied isolation or ownership check.
func IsSecurity(event string) bool {
	switch event {
	case EventIsolationViolation, EventOwnershipConflict, EventTerminalDenied:
		return true
	}
	return false
}

// Log stores an event. Security events are mirrored to the error log and
// counted. A nil Auditor only logs, so callers do not need to guard optional
// auditing.
func (a *Auditor) Log(e Entry) error {
	if IsSecurity(e.Event) {
		metrics.SecurityEvents.WithLabelValues(e.Event).Inc()
		logging.Security(e.Event, log.Fields{
			"user":    e.UserID,
			"exam":    e.ExamID,
			"session": e.SessionID,
			"details": e.Details,
		})
	} else {
		log.Infof("[audit] %s exam=%s session=%s %s", e.Event,
			logging.Sanitize(e.ExamID), logging.Sanitize(e.SessionID), logging.Sanitize(e.Details))
	}
	if a == nil {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	rec := Record{
		Event:     e.Event,
		UserID:    e.UserID,
		ExamID:    e.ExamID,
		SessionID: e.SessionID,
		Details:   e.Details,
		CreatedAt: a.nowFn(),
	}
	if err := a.db.Create(&rec).Error; err != nil {
		log.Errorf("[audit] failed to write event: %v", err)
		return err
	}
	return nil
}

// QueryOptions filters Query results.
type QueryOptions struct {
	Event  string
	UserID string
	ExamID string
	Since  *time.Time
	Limit  int
	Offset int
}

// QueryResult is one page of events, newest first.
type QueryResult struct {
	Entries []Record `json:"entries"`
	Total   int64    `json:"total"`
	Limit   int      `json:"limit"`
	Offset  int      `json:"offset"`
}

func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	tx := a.db.Model(&Record{})
	if opts.Event != "" {
		tx = tx.Where("event = ?", opts.Event)
	}
	if opts.UserID != "" {
		tx = tx.Where("user_id = ?", opts.UserID)
	}
	if opts.ExamID != "" {
		tx = tx.Where("exam_id = ?", opts.ExamID)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	var entries []Record
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}
	return &QueryResult{Entries: entries, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// PurgeOlderThan deletes events older than days (the configured retention
// when days <= 0) and returns how many were removed.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	cutoff := a.nowFn().AddDate(0, 0, -days)
	res := a.db.Where("created_at < ?", cutoff).Delete(&Record{})
	if res.Error != nil {
		log.Errorf("[audit] purge failed: %v", res.Error)
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		log.Infof("[audit] purged %d events older than %d days", res.RowsAffected, days)
	}
	return res.RowsAffected, nil
}

func (a *Auditor) RetentionDays() int { return a.retentionDays }

// SetNowFunc replaces the clock. Tests only.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.mu.Lock()
	a.nowFn = fn
	a.mu.Unlock()
}
