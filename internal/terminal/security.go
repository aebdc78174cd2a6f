package terminal

import (
	"encoding/json"
	"fmt"

	"golang.org/x/time/rate"
)

// Limits applied to client sockets.
const (
	// MaxInputMessageSize caps a single client message.
	MaxInputMessageSize = 64 * 1024

	MaxTermCols = 500
	MaxTermRows = 200

	// MessageRateLimit is the sustained messages per second allowed from one
	// client socket; MessageRateBurst is the bucket size.
	MessageRateLimit = 100
	MessageRateBurst = 200
)

// NewInputLimiter returns the per-socket message rate limiter.
func NewInputLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Limit(MessageRateLimit), MessageRateBurst)
}

// ControlMessage is a text-frame message from the browser. Keystrokes
// travel as binary frames; text frames carry control messages only.
type ControlMessage struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// ParseControl decodes and validates a control message.
func ParseControl(data []byte) (*ControlMessage, error) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode control message: %w", err)
	}
	switch msg.Type {
	case "resize":
		if msg.Cols == 0 || msg.Rows == 0 || msg.Cols > MaxTermCols || msg.Rows > MaxTermRows {
			return nil, fmt.Errorf("terminal size %dx%d out of range", msg.Cols, msg.Rows)
		}
	default:
		return nil, fmt.Errorf("unknown control message %q", msg.Type)
	}
	return &msg, nil
}

// AllowedShells is the set of shells a terminal upstream may start.
var AllowedShells = []string{"/bin/bash", "/bin/sh", "/bin/zsh"}

// ValidateShell rejects shells outside AllowedShells. Empty means the
// default shell.
func ValidateShell(shell string) error {
	if shell == "" {
		return nil
	}
	for _, allowed := range AllowedShells {
		if shell == allowed {
			return nil
		}
	}
	return fmt.Errorf("shell %q is not allowed; permitted shells: %v", shell, AllowedShells)
}
