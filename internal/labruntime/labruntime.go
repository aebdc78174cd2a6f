// Package labruntime owns the isolated desktop+shell container pair of each
// exam: spawning and health-verifying it, resolving per-user routing to it,
// and destroying it.
//
// Routing is only ever resolved to the caller's own containers. There is no
// shared or default endpoint anywhere in this package.
package labruntime

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/audit"
	"github.com/certlab/exam-runtime/internal/config"
	"github.com/certlab/exam-runtime/internal/containers"
	"github.com/certlab/exam-runtime/internal/keylock"
	"github.com/certlab/exam-runtime/internal/metrics"
	"github.com/certlab/exam-runtime/internal/store"
	log "github.com/sirupsen/logrus"
)

// Status of a runtime record.
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
	return "", fmt.Errorf("unknown runtime status %q", s)
}

// Container ports inside the shell image published on the leased host ports.
const (
	shellTerminalPort = 7681
	clusterAPIPort    = 6443
)

var examIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]{0,100}$`)

// ValidExamID reports whether id can be embedded in container names.
func ValidExamID(id string) bool { return examIDPattern.MatchString(id) }

// DesktopName and ShellName are the deterministic container names for an
// exam. Determinism is what makes name collisions detectable.
func DesktopName(examSessionID string) string { return "examrt-" + examSessionID + "-desktop" }
func ShellName(examSessionID string) string   { return "examrt-" + examSessionID + "-shell" }

// Endpoint is one routable address.
type Endpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// Routing is where a user's browser reaches their own containers.
type Routing struct {
	Desktop Endpoint `json:"desktop"`
	Shell   Endpoint `json:"shell"`
}

// Session is the persisted runtime record of one exam.
type Session struct {
	ExamSessionID      string         `json:"examSessionId"`
	UserID             string         `json:"userId"`
	TemplateID         string         `json:"templateId,omitempty"`
	DesktopContainer   string         `json:"desktopContainer"`
	ShellContainer     string         `json:"shellContainer"`
	DesktopContainerID string         `json:"desktopContainerId"`
	ShellContainerID   string         `json:"shellContainerId"`
	Ports              map[string]int `json:"ports,omitempty"`
	Status             Status         `json:"status"`
	CreatedAt          time.Time      `json:"createdAt"`
	ExpiresAt          time.Time      `json:"expiresAt"`
	TerminatedAt       *time.Time     `json:"terminatedAt,omitempty"`
}

// CreateRequest describes the runtime to spawn.
type CreateRequest struct {
	ExamSessionID string
	UserID        string
	ExpiresAt     time.Time
	TemplateID    string
	Ports         map[string]int // leased host ports by range name
}

// Options configures images, limits and timeouts.
type Options struct {
	DesktopImage   string
	ShellImage     string
	TemplateImages map[string]string // template id -> shell image
	DesktopPort    int
	ShellPort      int
	CPULimit       string
	MemoryLimit    string
	SpawnTimeout   time.Duration
	PollInterval   time.Duration
	// RecordGrace keeps records around after expiry so late terminations
	// still find them.
	RecordGrace time.Duration
}

// OptionsFromConfig reads Options from config.Cfg.
func OptionsFromConfig() Options {
	return Options{
		DesktopImage:   config.Cfg.DesktopImage,
		ShellImage:     config.Cfg.ShellImage,
		TemplateImages: config.Cfg.TemplateImages,
		DesktopPort:    config.Cfg.DesktopPort,
		ShellPort:      config.Cfg.ShellPort,
		CPULimit:       config.Cfg.CPULimit,
		MemoryLimit:    config.Cfg.MemoryLimit,
		SpawnTimeout:   config.Cfg.SpawnTimeout,
		PollInterval:   time.Second,
		RecordGrace:    10 * time.Minute,
	}
}

// Manager owns runtime records and their containers.
type Manager struct {
	store   *store.Store
	rt      containers.Runtime
	auditor *audit.Auditor
	opts    Options
	locks   keylock.Map
}

// NewManager builds a Manager. auditor may be nil.
func NewManager(s *store.Store, rt containers.Runtime, auditor *audit.Auditor, opts Options) *Manager {
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.SpawnTimeout <= 0 {
		opts.SpawnTimeout = 90 * time.Second
	}
	return &Manager{store: s, rt: rt, auditor: auditor, opts: opts}
}

func recordKey(examSessionID string) string { return "runtime:" + examSessionID }

// Get loads the runtime record of an exam.
func (m *Manager) Get(ctx context.Context, examSessionID string) (*Session, error) {
	var s Session
	if err := m.store.GetJSON(ctx, recordKey(examSessionID), &s); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.New("runtime.get", apperr.NotFound, "no runtime for exam %s", examSessionID)
		}
		return nil, err
	}
	return &s, nil
}

func (m *Manager) save(ctx context.Context, s *Session) error {
	return m.store.SetJSON(ctx, recordKey(s.ExamSessionID), s, store.TTLUntil(s.ExpiresAt, m.opts.RecordGrace))
}

func (m *Manager) shellImage(templateID string) string {
	if img, ok := m.opts.TemplateImages[templateID]; ok && img != "" {
		return img
	}
	return m.opts.ShellImage
}

// Create spawns the container pair for an exam. Calling it again for the
// same user returns the existing runtime; calling it for another user fails
// with OwnershipConflict. A running container already holding one of the
// deterministic names fails closed with IsolationViolation.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Session, error) {
	const op = "runtime.create"
	if !ValidExamID(req.ExamSessionID) {
		return nil, apperr.New(op, apperr.Invalid, "invalid exam session id %q", req.ExamSessionID)
	}
	unlock := m.locks.Lock(req.ExamSessionID)
	defer unlock()

	logger := log.WithFields(log.Fields{"exam": req.ExamSessionID, "user": req.UserID})

	existing, err := m.Get(ctx, req.ExamSessionID)
	switch {
	case err == nil:
		if existing.UserID != req.UserID {
			m.auditor.Log(audit.Entry{
				Event:   audit.EventOwnershipConflict,
				UserID:  req.UserID,
				ExamID:  req.ExamSessionID,
				Details: "runtime create for exam owned by another user",
			})
			return nil, apperr.New(op, apperr.OwnershipConflict,
				"runtime for exam %s belongs to another user", req.ExamSessionID)
		}
		if existing.Status == StatusActive {
			return existing, nil
		}
	case !apperr.Is(err, apperr.NotFound):
		return nil, err
	}

	desktop := DesktopName(req.ExamSessionID)
	shell := ShellName(req.ExamSessionID)
	for _, name := range []string{desktop, shell} {
		if err := m.claimName(ctx, name, req); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	spawnCtx, cancel := context.WithTimeout(ctx, m.opts.SpawnTimeout)
	defer cancel()

	labels := func(role string) map[string]string {
		return map[string]string{
			containers.LabelManagedBy:   containers.ManagedByValue,
			containers.LabelExamSession: req.ExamSessionID,
			containers.LabelUser:        req.UserID,
			containers.LabelRole:        role,
		}
	}
	env := []string{"EXAMRT_EXAM_SESSION=" + req.ExamSessionID}
	specs := []containers.Spec{
		{
			Name:        desktop,
			Image:       m.opts.DesktopImage,
			Env:         env,
			Labels:      labels("desktop"),
			Ports:       map[int]int{m.opts.DesktopPort: req.Ports["desktop"]},
			CPULimit:    m.opts.CPULimit,
			MemoryLimit: m.opts.MemoryLimit,
		},
		{
			Name:   shell,
			Image:  m.shellImage(req.TemplateID),
			Env:    env,
			Labels: labels("shell"),
			Ports: map[int]int{
				m.opts.ShellPort:  req.Ports["jumphost"],
				shellTerminalPort: req.Ports["terminal"],
				clusterAPIPort:    req.Ports["cluster-api"],
			},
			CPULimit:    m.opts.CPULimit,
			MemoryLimit: m.opts.MemoryLimit,
		},
	}

	var created []string
	ids := map[string]string{}
	fail := func(cause error) (*Session, error) {
		metrics.RuntimeSpawnSeconds.WithLabelValues("failure").Observe(time.Since(start).Seconds())
		logger.Errorf("[runtime] spawn failed, destroying %v: %v", created, cause)
		m.destroy(created)
		return nil, apperr.Wrap(op, apperr.RuntimeUnavailable, cause)
	}

	for _, spec := range specs {
		id, err := m.rt.Create(spawnCtx, spec)
		if err != nil {
			return fail(err)
		}
		created = append(created, spec.Name)
		ids[spec.Name] = id
		if err := m.rt.Start(spawnCtx, spec.Name); err != nil {
			return fail(err)
		}
	}
	for _, name := range created {
		if err := m.waitReady(spawnCtx, name); err != nil {
			return fail(err)
		}
	}

	rec := &Session{
		ExamSessionID:      req.ExamSessionID,
		UserID:             req.UserID,
		TemplateID:         req.TemplateID,
		DesktopContainer:   desktop,
		ShellContainer:     shell,
		DesktopContainerID: ids[desktop],
		ShellContainerID:   ids[shell],
		Ports:              req.Ports,
		Status:             StatusActive,
		CreatedAt:          time.Now().UTC(),
		ExpiresAt:          req.ExpiresAt,
	}
	if err := m.save(ctx, rec); err != nil {
		return fail(fmt.Errorf("save runtime record: %w", err))
	}
	metrics.RuntimeSpawnSeconds.WithLabelValues("success").Observe(time.Since(start).Seconds())
	logger.Infof("[runtime] spawned %s and %s in %s", desktop, shell, time.Since(start).Round(time.Millisecond))
	return rec, nil
}

// claimName makes sure name is free. A running container with the name may
// belong to someone else and is never reused; a dead one is removed.
func (m *Manager) claimName(ctx context.Context, name string, req CreateRequest) error {
	st, err := m.rt.Inspect(ctx, name)
	if errors.Is(err, containers.ErrNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Wrap("runtime.create", apperr.RuntimeUnavailable, err)
	}
	if st.Running {
		m.auditor.Log(audit.Entry{
			Event:   audit.EventIsolationViolation,
			UserID:  req.UserID,
			ExamID:  req.ExamSessionID,
			Details: "container name " + name + " already held by a running container",
		})
		return apperr.New("runtime.create", apperr.IsolationViolation,
			"container %s is already running; refusing to reuse it", name)
	}
	log.WithField("exam", req.ExamSessionID).Warnf("[runtime] removing stale container %s (%s)", name, st.Status)
	if err := m.rt.Remove(ctx, name); err != nil {
		return apperr.Wrap("runtime.create", apperr.RuntimeUnavailable, err)
	}
	return nil
}

// waitReady polls until the container is running (and healthy, if it has a
// health check) or the context ends. An unhealthy container fails at once.
func (m *Manager) waitReady(ctx context.Context, name string) error {
	ticker := time.NewTicker(m.opts.PollInterval)
	defer ticker.Stop()
	for {
		st, err := m.rt.Inspect(ctx, name)
		if err == nil {
			if st.Ready() {
				return nil
			}
			if st.Health == "unhealthy" {
				return fmt.Errorf("container %s is unhealthy", name)
			}
			if !st.Running && st.Status == "exited" {
				return fmt.Errorf("container %s exited during startup", name)
			}
		} else if !errors.Is(err, containers.ErrNotFound) {
			log.Debugf("[runtime] inspect %s: %v", name, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("container %s not ready: %w", name, ctx.Err())
		case <-ticker.C:
		}
	}
}

// destroy removes containers with a fresh context so cleanup still runs
// after the spawn deadline fired.
func (m *Manager) destroy(names []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, name := range names {
		if err := m.rt.Remove(ctx, name); err != nil {
			log.Errorf("[runtime] remove %s: %v", name, err)
		}
	}
}

// GetRoutingForUser resolves routing for userID's own runtime. Both
// containers are re-inspected on every call. Errors distinguish a missing
// runtime (NotFound), a runtime that is not currently live
// (RuntimeUnavailable) and a request for someone else's runtime
// (IsolationViolation); none of them come with a fallback address.
func (m *Manager) GetRoutingForUser(ctx context.Context, examSessionID, userID string) (*Routing, error) {
	const op = "runtime.routing"
	rec, err := m.Get(ctx, examSessionID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		m.auditor.Log(audit.Entry{
			Event:   audit.EventIsolationViolation,
			UserID:  userID,
			ExamID:  examSessionID,
			Details: "routing requested for another user's runtime",
		})
		return nil, apperr.New(op, apperr.IsolationViolation, "runtime for exam %s does not belong to the caller", examSessionID)
	}
	if rec.Status != StatusActive {
		return nil, apperr.New(op, apperr.NotFound, "runtime for exam %s is %s", examSessionID, rec.Status)
	}

	desktop, err := m.verify(ctx, rec, rec.DesktopContainer)
	if err != nil {
		return nil, err
	}
	shell, err := m.verify(ctx, rec, rec.ShellContainer)
	if err != nil {
		return nil, err
	}
	return &Routing{
		Desktop: Endpoint{Host: desktop.IP, Port: m.opts.DesktopPort},
		Shell:   Endpoint{Host: shell.IP, Port: m.opts.ShellPort},
	}, nil
}

// verify re-inspects one container of rec and checks it is live and
// labelled for the same exam and user.
func (m *Manager) verify(ctx context.Context, rec *Session, name string) (*containers.State, error) {
	const op = "runtime.routing"
	st, err := m.rt.Inspect(ctx, name)
	if err != nil {
		return nil, apperr.Wrap(op, apperr.RuntimeUnavailable, fmt.Errorf("inspect %s: %w", name, err))
	}
	if st.Labels[containers.LabelExamSession] != rec.ExamSessionID || st.Labels[containers.LabelUser] != rec.UserID {
		m.auditor.Log(audit.Entry{
			Event:   audit.EventIsolationViolation,
			UserID:  rec.UserID,
			ExamID:  rec.ExamSessionID,
			Details: "container " + name + " is labelled for a different exam or user",
		})
		return nil, apperr.New(op, apperr.IsolationViolation, "container %s does not belong to exam %s", name, rec.ExamSessionID)
	}
	if !st.Ready() || st.IP == "" {
		return nil, apperr.New(op, apperr.RuntimeUnavailable, "container %s is not running (%s)", name, st.Status)
	}
	return st, nil
}

// Terminate stops and removes both containers and marks the record
// terminated. Only containers labelled for the record's exam and user are
// touched, so without a record nothing is removed by name; leftovers are
// the sweep's job. Container errors are logged and never block the record
// transition. Terminating a missing or already terminated runtime is not
// an error.
func (m *Manager) Terminate(ctx context.Context, examSessionID string) error {
	unlock := m.locks.Lock(examSessionID)
	defer unlock()

	logger := log.WithField("exam", examSessionID)
	rec, err := m.Get(ctx, examSessionID)
	if apperr.Is(err, apperr.NotFound) {
		logger.Debug("[runtime] terminate: no runtime record, leaving containers alone")
		return nil
	}
	if err != nil {
		return err
	}

	for _, name := range []string{rec.DesktopContainer, rec.ShellContainer} {
		if !m.owns(ctx, rec, name) {
			continue
		}
		if err := m.rt.Stop(ctx, name); err != nil {
			logger.Warnf("[runtime] stop %s: %v", name, err)
		}
		if err := m.rt.Remove(ctx, name); err != nil {
			logger.Errorf("[runtime] remove %s: %v", name, err)
		}
	}

	if rec.Status == StatusTerminated {
		return nil
	}
	now := time.Now().UTC()
	rec.Status = StatusTerminated
	rec.TerminatedAt = &now
	if err := m.save(ctx, rec); err != nil {
		return fmt.Errorf("save runtime record: %w", err)
	}
	logger.Info("[runtime] terminated")
	return nil
}

// owns reports whether the container called name exists and carries rec's
// exam and user labels. A foreign container under the name is audited and
// left running.
func (m *Manager) owns(ctx context.Context, rec *Session, name string) bool {
	st, err := m.rt.Inspect(ctx, name)
	if errors.Is(err, containers.ErrNotFound) {
		return false
	}
	if err != nil {
		log.WithField("exam", rec.ExamSessionID).Errorf("[runtime] inspect %s before removal: %v", name, err)
		return false
	}
	if st.Labels[containers.LabelExamSession] != rec.ExamSessionID || st.Labels[containers.LabelUser] != rec.UserID {
		m.auditor.Log(audit.Entry{
			Event:   audit.EventIsolationViolation,
			UserID:  rec.UserID,
			ExamID:  rec.ExamSessionID,
			Details: "refused to remove container " + name + " labelled for a different exam or user",
		})
		return false
	}
	return true
}

// Sweep removes managed containers that no active runtime record accounts
// for, such as leftovers from a crash mid-spawn. Containers younger than
// the spawn timeout are skipped since they may still be starting.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	list, err := m.rt.ListManaged(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, c := range list {
		if time.Since(c.Created) < 2*m.opts.SpawnTimeout {
			continue
		}
		examID := c.Labels[containers.LabelExamSession]
		if m.sweepOne(ctx, examID, c.Name) {
			removed++
		}
	}
	return removed, nil
}

func (m *Manager) sweepOne(ctx context.Context, examID, name string) bool {
	unlock := m.locks.Lock(examID)
	defer unlock()

	rec, err := m.Get(ctx, examID)
	if err == nil && rec.Status == StatusActive {
		return false
	}
	if err != nil && !apperr.Is(err, apperr.NotFound) {
		log.Warnf("[runtime] sweep: lookup %s: %v", examID, err)
		return false
	}
	if err := m.rt.Remove(ctx, name); err != nil {
		log.Errorf("[runtime] sweep: remove %s: %v", name, err)
		return false
	}
	log.WithField("exam", examID).Infof("[runtime] sweep removed orphan %s", name)
	return true
}
