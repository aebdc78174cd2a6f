package containers

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	log "github.com/sirupsen/logrus"
)

// Docker implements Runtime on the Docker Engine API.
type Docker struct {
	client      *dockerclient.Client
	network     string
	stopTimeout int
}

// NewDocker connects to the daemon (DOCKER_HOST from the environment unless
// host is set) and verifies it answers.
func NewDocker(ctx context.Context, host, networkName string, stopTimeout int) (*Docker, error) {
	opts := []dockerclient.Opt{
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	}
	if host != "" {
		opts = append(opts, dockerclient.WithHost(host))
	}
	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("docker ping: %w", err)
	}
	log.Infof("[containers] docker daemon connected (network %s)", networkName)
	return &Docker{client: cli, network: networkName, stopTimeout: stopTimeout}, nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) EnsureNetwork(ctx context.Context) error {
	if _, err := d.client.NetworkInspect(ctx, d.network, network.InspectOptions{}); err == nil {
		return nil
	}
	_, err := d.client.NetworkCreate(ctx, d.network, network.CreateOptions{
		Driver: "bridge",
		Labels: map[string]string{LabelManagedBy: ManagedByValue},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", d.network, err)
	}
	log.Infof("[containers] created network %s", d.network)
	return nil
}

func (d *Docker) ensureImage(ctx context.Context, img string) error {
	if _, err := d.client.ImageInspect(ctx, img); err == nil {
		return nil
	}
	log.Infof("[containers] pulling image %s", img)
	reader, err := d.client.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", img, err)
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}

// parseCPU converts "2", "1.5" or "500m" to NanoCPUs.
func parseCPU(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	if strings.HasSuffix(s, "m") {
		n, err := strconv.ParseInt(strings.TrimSuffix(s, "m"), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid cpu limit %q", s)
		}
		return n * 1_000_000, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid cpu limit %q", s)
	}
	return int64(f * 1e9), nil
}

// parseMemory converts human sizes ("4g", "512m") to bytes.
func parseMemory(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid memory limit %q: %w", s, err)
	}
	return n, nil
}

func portConfig(ports map[int]int) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		p, err := nat.NewPort("tcp", strconv.Itoa(containerPort))
		if err != nil {
			return nil, nil, err
		}
		exposed[p] = struct{}{}
		if hostPort > 0 {
			bindings[p] = []nat.PortBinding{{HostIP: "127.0.0.1", HostPort: strconv.Itoa(hostPort)}}
		}
	}
	return exposed, bindings, nil
}

func (d *Docker) Create(ctx context.Context, spec Spec) (string, error) {
	if err := d.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}
	nanoCPUs, err := parseCPU(spec.CPULimit)
	if err != nil {
		return "", err
	}
	memory, err := parseMemory(spec.MemoryLimit)
	if err != nil {
		return "", err
	}
	exposed, bindings, err := portConfig(spec.Ports)
	if err != nil {
		return "", err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	if len(spec.HealthCmd) > 0 {
		cfg.Healthcheck = &container.HealthConfig{
			Test:          append([]string{"CMD"}, spec.HealthCmd...),
			Interval:      5 * time.Second,
			Timeout:       3 * time.Second,
			Retries:       3,
			StartInterval: time.Second,
		}
	}
	hostCfg := &container.HostConfig{
		PortBindings: bindings,
		Resources: container.Resources{
			NanoCPUs: nanoCPUs,
			Memory:   memory,
		},
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyDisabled},
	}
	netCfg := &network.NetworkingConfig{
		EndpointsConfig: map[string]*network.EndpointSettings{d.network: {}},
	}

	resp, err := d.client.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}
	for _, w := range resp.Warnings {
		log.Warnf("[containers] %s: %s", spec.Name, w)
	}
	return resp.ID, nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	if err := d.client.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Inspect(ctx context.Context, name string) (*State, error) {
	inspect, err := d.client.ContainerInspect(ctx, name)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("inspect container %s: %w", name, err)
	}
	st := &State{
		ID:   inspect.ID,
		Name: strings.TrimPrefix(inspect.Name, "/"),
	}
	if created, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
		st.Created = created
	}
	if inspect.Config != nil {
		st.Labels = inspect.Config.Labels
	}
	if inspect.State != nil {
		st.Status = string(inspect.State.Status)
		st.Running = inspect.State.Running
		if inspect.State.Health != nil {
			st.Health = string(inspect.State.Health.Status)
		}
	}
	if inspect.NetworkSettings != nil {
		if ep, ok := inspect.NetworkSettings.Networks[d.network]; ok && ep != nil {
			st.IP = ep.IPAddress
		}
	}
	return st, nil
}

func (d *Docker) Stop(ctx context.Context, name string) error {
	timeout := d.stopTimeout
	err := d.client.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("stop container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	err := d.client.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// stripStreamHeaders removes the 8-byte frame headers Docker puts on
// non-TTY exec output.
func stripStreamHeaders(data []byte) string {
	var out strings.Builder
	for len(data) > 0 {
		if len(data) >= 8 && data[0] <= 2 && data[1] == 0 && data[2] == 0 && data[3] == 0 {
			size := int(data[4])<<24 | int(data[5])<<16 | int(data[6])<<8 | int(data[7])
			data = data[8:]
			if size <= len(data) {
				out.Write(data[:size])
				data = data[size:]
				continue
			}
		}
		out.Write(data)
		break
	}
	return out.String()
}

func (d *Docker) Exec(ctx context.Context, name string, cmd []string) (string, int, error) {
	created, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("exec create: %w", err)
	}
	resp, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	raw, err := io.ReadAll(resp.Reader)
	if err != nil {
		return "", -1, fmt.Errorf("read exec output: %w", err)
	}
	inspect, err := d.client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stripStreamHeaders(raw), -1, fmt.Errorf("exec inspect: %w", err)
	}
	return stripStreamHeaders(raw), inspect.ExitCode, nil
}

func (d *Docker) ExecInteractive(ctx context.Context, name string, cmd []string) (*ExecSession, error) {
	created, err := d.client.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  &[2]uint{24, 80},
	})
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	resp, err := d.client.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: true})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	// Resize outlives the attach request context.
	return &ExecSession{
		Stdin:  resp.Conn,
		Stdout: resp.Reader,
		Resize: func(cols, rows uint16) error {
			return d.client.ContainerExecResize(context.Background(), created.ID, container.ResizeOptions{
				Width:  uint(cols),
				Height: uint(rows),
			})
		},
		Close: func() error {
			resp.Close()
			return nil
		},
	}, nil
}

// ListManaged returns every container (running or not) labelled as created
// by this system.
func (d *Docker) ListManaged(ctx context.Context) ([]State, error) {
	list, err := d.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", LabelManagedBy+"="+ManagedByValue)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]State, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, State{
			ID:      c.ID,
			Name:    name,
			Status:  string(c.State),
			Labels:  c.Labels,
			Running: c.State == "running",
			Created: time.Unix(c.Created, 0),
		})
	}
	return out, nil
}
