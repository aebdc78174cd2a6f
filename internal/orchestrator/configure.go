package orchestrator

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/certlab/exam-runtime/internal/apperr"
	"github.com/certlab/exam-runtime/internal/labruntime"
)

// Paths inside the shell container.
const (
	PathSessionDir    = "/etc/examrt"
	PathSessionConfig = PathSessionDir + "/session.json"
)

// sessionFile is what the shell image reads at login to set up the exam
// environment.
type sessionFile struct {
	ExamSessionID string            `json:"examSessionId"`
	UserID        string            `json:"userId,omitempty"`
	TemplateID    string            `json:"templateId,omitempty"`
	ExpiresAt     time.Time         `json:"expiresAt"`
	Env           map[string]string `json:"env,omitempty"`
	Config        json.RawMessage   `json:"config,omitempty"`
}

// configure writes the session file into the shell container. The payload
// travels base64-encoded so no shell quoting applies to it.
func (o *Orchestrator) configure(ctx context.Context, s *Session, config json.RawMessage) error {
	const op = "orchestrator.configure"
	f := sessionFile{
		ExamSessionID: s.ExamSessionID,
		UserID:        s.UserID,
		TemplateID:    s.TemplateID,
		ExpiresAt:     s.ExpiresAt,
		Config:        config,
	}
	if s.AssetPath != "" {
		f.Env = map[string]string{"EXAMRT_ASSET_PATH": s.AssetPath}
	}
	data, err := json.Marshal(f)
	if err != nil {
		return apperr.Wrap(op, apperr.Invalid, err)
	}

	b64 := base64.StdEncoding.EncodeToString(data)
	cmd := []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && echo '%s' | base64 -d > %s", PathSessionDir, b64, PathSessionConfig)}
	out, code, err := o.exec.Exec(ctx, labruntime.ShellName(s.ExamSessionID), cmd)
	if err != nil {
		return apperr.Wrap(op, apperr.RuntimeUnavailable, fmt.Errorf("write session config: %w", err))
	}
	if code != 0 {
		return apperr.New(op, apperr.RuntimeUnavailable, "write session config exited %d: %s", code, strings.TrimSpace(out))
	}
	return nil
}
