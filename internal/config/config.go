package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

// PortRange is a closed numeric interval written as "min-max".
type PortRange struct {
	Min int
	Max int
}

// Decode implements envconfig.Decoder.
func (r *PortRange) Decode(value string) error {
	parsed, err := ParsePortRange(value)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

func (r PortRange) String() string {
	return fmt.Sprintf("%d-%d", r.Min, r.Max)
}

// Size returns the number of ports in the range.
func (r PortRange) Size() int {
	return r.Max - r.Min + 1
}

// ParsePortRange parses "min-max" into a PortRange.
func ParsePortRange(value string) (PortRange, error) {
	lo, hi, ok := strings.Cut(strings.TrimSpace(value), "-")
	if !ok {
		return PortRange{}, fmt.Errorf("port range %q: expected min-max", value)
	}
	first, err := strconv.Atoi(strings.TrimSpace(lo))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", value, err)
	}
	last, err := strconv.Atoi(strings.TrimSpace(hi))
	if err != nil {
		return PortRange{}, fmt.Errorf("port range %q: %w", value, err)
	}
	if first < 1 || last > 65535 || first > last {
		return PortRange{}, fmt.Errorf("port range %q: bounds must satisfy 1 <= min <= max <= 65535", value)
	}
	return PortRange{Min: first, Max: last}, nil
}

type Settings struct {
	InstanceID string `envconfig:"INSTANCE_ID" default:""`
	ListenAddr string `envconfig:"LISTEN_ADDR" default:":8000"`
	DataPath   string `envconfig:"DATA_PATH" default:"/var/lib/examrt"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info"`
	LogPath    string `envconfig:"LOG_PATH" default:""`

	// Persisted store and message bus
	RedisURL string `envconfig:"REDIS_URL" default:"redis://localhost:6379/0"`
	Bus      string `envconfig:"BUS" default:"redis"`
	NATSURL  string `envconfig:"NATS_URL" default:"nats://localhost:4222"`

	// Port ranges
	PortsDesktop    PortRange `envconfig:"PORTS_DESKTOP" default:"6080-6179"`
	PortsTerminal   PortRange `envconfig:"PORTS_TERMINAL" default:"7080-7179"`
	PortsJumphost   PortRange `envconfig:"PORTS_JUMPHOST" default:"2200-2299"`
	PortsClusterAPI PortRange `envconfig:"PORTS_CLUSTER_API" default:"16443-16542"`

	// Container runtime
	DockerHost     string            `envconfig:"DOCKER_HOST" default:""`
	Network        string            `envconfig:"NETWORK" default:"examrt"`
	DesktopImage   string            `envconfig:"DESKTOP_IMAGE" default:"examrt/desktop:latest"`
	ShellImage     string            `envconfig:"SHELL_IMAGE" default:"examrt/shell:latest"`
	TemplateImages map[string]string `envconfig:"TEMPLATE_IMAGES" default:""`
	DesktopPort    int               `envconfig:"DESKTOP_PORT" default:"6901"`
	ShellPort      int               `envconfig:"SHELL_PORT" default:"22"`
	CPULimit       string            `envconfig:"CPU_LIMIT" default:"2"`
	MemoryLimit    string            `envconfig:"MEMORY_LIMIT" default:"4g"`
	SpawnTimeout   time.Duration     `envconfig:"SPAWN_TIMEOUT" default:"90s"`
	StopTimeout    int               `envconfig:"STOP_TIMEOUT_SECONDS" default:"10"`

	// Terminal
	TerminalTransport string `envconfig:"TERMINAL_TRANSPORT" default:"exec"`
	ShellUser         string `envconfig:"SHELL_USER" default:"candidate"`
	ShellPassword     string `envconfig:"SHELL_PASSWORD" default:""`
	ShellCommand      string `envconfig:"SHELL_COMMAND" default:"/bin/bash"`

	// Countdown
	TickInterval time.Duration `envconfig:"TICK_INTERVAL" default:"1s"`

	// Security audit
	AuditRetentionDays int `envconfig:"AUDIT_RETENTION_DAYS" default:"90"`
}

var Cfg Settings

func Load() {
	if err := envconfig.Process("EXAMRT", &Cfg); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := Cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}
	if Cfg.InstanceID == "" {
		Cfg.InstanceID = defaultInstanceID()
	}
}

// defaultInstanceID must differ between replicas on the same host, so the
// hostname alone is not enough.
func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "examrt"
	}
	return host + "-" + uuid.NewString()[:8]
}

// Ranges returns the four port ranges keyed by range name.
func (s Settings) Ranges() map[string]PortRange {
	return map[string]PortRange{
		"desktop":     s.PortsDesktop,
		"terminal":    s.PortsTerminal,
		"jumphost":    s.PortsJumphost,
		"cluster-api": s.PortsClusterAPI,
	}
}

// Validate checks cross-field constraints envconfig cannot express.
func (s Settings) Validate() error {
	ranges := s.Ranges()
	names := make([]string, 0, len(ranges))
	for name, r := range ranges {
		if r.Min == 0 && r.Max == 0 {
			return fmt.Errorf("port range %s is not set", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	for i, a := range names {
		for _, b := range names[i+1:] {
			ra, rb := ranges[a], ranges[b]
			if ra.Min <= rb.Max && rb.Min <= ra.Max {
				return fmt.Errorf("port ranges %s (%s) and %s (%s) overlap", a, ra, b, rb)
			}
		}
	}
	switch s.Bus {
	case "nats", "redis", "local":
	default:
		return fmt.Errorf("unknown bus %q (want nats, redis or local)", s.Bus)
	}
	switch s.TerminalTransport {
	case "ssh", "exec":
	default:
		return fmt.Errorf("unknown terminal transport %q (want ssh or exec)", s.TerminalTransport)
	}
	if s.SpawnTimeout <= 0 {
		return fmt.Errorf("spawn timeout must be positive")
	}
	if s.TickInterval <= 0 {
		return fmt.Errorf("tick interval must be positive")
	}
	return nil
}
