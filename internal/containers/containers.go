// Package containers is the outbound boundary to the container engine. The
// runtime manager only ever addresses containers by their deterministic
// name on the fixed exam network.
package containers

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotFound is returned by Inspect when no container has the name.
var ErrNotFound = errors.New("container not found")

// Label keys set on every container the runtime creates.
const (
	LabelManagedBy   = "managed-by"
	LabelExamSession = "exam-session"
	LabelUser        = "user"
	LabelRole        = "role"

	ManagedByValue = "examrt"
)

// Spec describes a container to create.
type Spec struct {
	Name   string
	Image  string
	Env    []string
	Labels map[string]string

	// Ports maps a container TCP port to the host port it is published on.
	// A zero host port exposes the container port on the network only.
	Ports map[int]int

	CPULimit    string // e.g. "2" or "500m"
	MemoryLimit string // e.g. "4g"

	// HealthCmd, when set, becomes the container health check.
	HealthCmd []string
}

// State is the result of inspecting a container.
type State struct {
	ID      string
	Name    string
	Status  string // created, running, exited, ...
	Health  string // "", starting, healthy, unhealthy
	IP      string // address on the exam network
	Labels  map[string]string
	Running bool
	Created time.Time
}

// Ready reports whether the container is running and, if it has a health
// check, healthy.
func (s *State) Ready() bool {
	return s.Running && (s.Health == "" || s.Health == "healthy")
}

// ExecSession is an interactive TTY exec into a container.
type ExecSession struct {
	Stdin  io.Writer
	Stdout io.Reader
	Resize func(cols, rows uint16) error
	Close  func() error
}

// Runtime is the container engine as seen by the runtime manager.
// Stop and Remove treat a missing container as success.
type Runtime interface {
	EnsureNetwork(ctx context.Context) error
	Create(ctx context.Context, spec Spec) (string, error)
	Start(ctx context.Context, name string) error
	Inspect(ctx context.Context, name string) (*State, error)
	Stop(ctx context.Context, name string) error
	Remove(ctx context.Context, name string) error
	Exec(ctx context.Context, name string, cmd []string) (stdout string, exitCode int, err error)
	ExecInteractive(ctx context.Context, name string, cmd []string) (*ExecSession, error)
	ListManaged(ctx context.Context) ([]State, error)
}
