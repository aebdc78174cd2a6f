// Package containerstest provides an in-memory containers.Runtime for tests.
package containerstest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/certlab/exam-runtime/internal/containers"
)

// Container is the fake's view of one container.
type Container struct {
	Spec    containers.Spec
	Running bool
	Health  string
	IP      string
	Created time.Time
}

// Fake is an in-memory container engine. Failure injection is keyed by
// name suffix ("-desktop", "-shell") so tests can break one half of a pair.
type Fake struct {
	mu         sync.Mutex
	containers map[string]*Container
	nextIP     int

	// FailCreate and FailStart return the mapped error for names ending in
	// the key.
	FailCreate map[string]error
	FailStart  map[string]error
	// Unhealthy marks containers with a matching suffix as unhealthy after
	// start; Starting leaves their health check pending forever.
	Unhealthy map[string]bool
	Starting  map[string]bool
	// FailExec makes non-interactive execs in matching containers exit
	// with the mapped code.
	FailExec map[string]int

	Execs   []ExecCall
	Removed []string
}

// ExecCall records a non-interactive exec.
type ExecCall struct {
	Name string
	Cmd  []string
}

func New() *Fake {
	return &Fake{
		containers: map[string]*Container{},
		FailCreate: map[string]error{},
		FailStart:  map[string]error{},
		Unhealthy:  map[string]bool{},
		Starting:   map[string]bool{},
		FailExec:   map[string]int{},
	}
}

func matchSuffix[V any](m map[string]V, name string) (V, bool) {
	for suffix, v := range m {
		if strings.HasSuffix(name, suffix) {
			return v, true
		}
	}
	var zero V
	return zero, false
}

func (f *Fake) EnsureNetwork(context.Context) error { return nil }

func (f *Fake) Create(_ context.Context, spec containers.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := matchSuffix(f.FailCreate, spec.Name); ok {
		return "", err
	}
	if _, exists := f.containers[spec.Name]; exists {
		return "", fmt.Errorf("conflict: container name %s already in use", spec.Name)
	}
	f.nextIP++
	f.containers[spec.Name] = &Container{Spec: spec, IP: fmt.Sprintf("10.99.0.%d", f.nextIP), Created: time.Now()}
	return "id-" + spec.Name, nil
}

func (f *Fake) Start(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := matchSuffix(f.FailStart, name); ok {
		return err
	}
	c, ok := f.containers[name]
	if !ok {
		return containers.ErrNotFound
	}
	c.Running = true
	if len(c.Spec.HealthCmd) > 0 {
		c.Health = "healthy"
	}
	if unhealthy, _ := matchSuffix(f.Unhealthy, name); unhealthy {
		c.Health = "unhealthy"
	}
	if starting, _ := matchSuffix(f.Starting, name); starting {
		c.Health = "starting"
	}
	return nil
}

func (f *Fake) Inspect(_ context.Context, name string) (*containers.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return nil, containers.ErrNotFound
	}
	return c.state(name), nil
}

func (c *Container) state(name string) *containers.State {
	status := "created"
	if c.Running {
		status = "running"
	}
	return &containers.State{
		ID:      "id-" + name,
		Name:    name,
		Status:  status,
		Health:  c.Health,
		IP:      c.IP,
		Labels:  c.Spec.Labels,
		Running: c.Running,
		Created: c.Created,
	}
}

func (f *Fake) Stop(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.Running = false
	}
	return nil
}

func (f *Fake) Remove(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.containers[name]; ok {
		delete(f.containers, name)
		f.Removed = append(f.Removed, name)
	}
	return nil
}

func (f *Fake) Exec(_ context.Context, name string, cmd []string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok || !c.Running {
		return "", -1, fmt.Errorf("container %s is not running", name)
	}
	f.Execs = append(f.Execs, ExecCall{Name: name, Cmd: append([]string(nil), cmd...)})
	if code, ok := matchSuffix(f.FailExec, name); ok {
		return "exec failed", code, nil
	}
	return "", 0, nil
}

// ExecInteractive returns a session that echoes stdin back on stdout, like
// a shell running cat.
func (f *Fake) ExecInteractive(_ context.Context, name string, _ []string) (*containers.ExecSession, error) {
	f.mu.Lock()
	c, ok := f.containers[name]
	f.mu.Unlock()
	if !ok || !c.Running {
		return nil, fmt.Errorf("container %s is not running", name)
	}
	r, w := io.Pipe()
	var once sync.Once
	return &containers.ExecSession{
		Stdin:  w,
		Stdout: r,
		Resize: func(cols, rows uint16) error { return nil },
		Close: func() error {
			once.Do(func() { w.Close() })
			return nil
		},
	}, nil
}

func (f *Fake) ListManaged(context.Context) ([]containers.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]containers.State, 0, len(f.containers))
	for name, c := range f.containers {
		if c.Spec.Labels[containers.LabelManagedBy] == containers.ManagedByValue {
			out = append(out, *c.state(name))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns a copy of the named container.
func (f *Fake) Get(name string) (Container, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[name]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

// Put inserts a container directly, for simulating pre-existing or foreign
// containers.
func (f *Fake) Put(name string, c Container) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c.Spec.Name = name
	if c.IP == "" {
		f.nextIP++
		c.IP = fmt.Sprintf("10.99.0.%d", f.nextIP)
	}
	f.containers[name] = &c
}

// Kill marks a container as no longer running.
func (f *Fake) Kill(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[name]; ok {
		c.Running = false
	}
}

// Names lists current container names.
func (f *Fake) Names() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.containers))
	for n := range f.containers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
