package terminal

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/certlab/exam-runtime/internal/config"
	"github.com/certlab/exam-runtime/internal/containers"
	"golang.org/x/crypto/ssh"
)

// Target identifies the shell container to connect to. SSH uses Host and
// Port from the runtime's routing; exec uses Container.
type Target struct {
	Container string
	Host      string
	Port      int
}

// Dialer opens upstream shells.
type Dialer interface {
	Dial(ctx context.Context, t Target) (Upstream, error)
}

// NewDialer returns the dialer selected by config.Cfg.TerminalTransport.
func NewDialer(rt containers.Runtime) (Dialer, error) {
	switch config.Cfg.TerminalTransport {
	case "ssh":
		return &SSHDialer{
			User:     config.Cfg.ShellUser,
			Password: config.Cfg.ShellPassword,
			Shell:    config.Cfg.ShellCommand,
			Timeout:  10 * time.Second,
		}, nil
	case "exec":
		return &ExecDialer{Runtime: rt, Shell: config.Cfg.ShellCommand}, nil
	default:
		return nil, fmt.Errorf("unknown terminal transport %q", config.Cfg.TerminalTransport)
	}
}

// SSHDialer opens a PTY shell over SSH on the shell container's jumphost
// port.
type SSHDialer struct {
	User     string
	Password string
	Shell    string
	Timeout  time.Duration
}

func (d *SSHDialer) Dial(ctx context.Context, t Target) (Upstream, error) {
	if err := ValidateShell(d.Shell); err != nil {
		return nil, err
	}
	shell := d.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	if t.Host == "" || t.Port == 0 {
		return nil, fmt.Errorf("ssh target has no address")
	}
	addr := net.JoinHostPort(t.Host, strconv.Itoa(t.Port))

	// Exam shell containers are ephemeral and generate their host key at
	// boot, so there is nothing to pin. They are only reachable on the
	// private exam network.
	cfg := &ssh.ClientConfig{
		User:            d.User,
		Auth:            []ssh.AuthMethod{ssh.Password(d.Password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         d.Timeout,
	}

	dialer := net.Dialer{Timeout: d.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	cc, chans, reqs, err := ssh.NewClientConn(nc, addr, cfg)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(cc, chans, reqs)

	session, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := session.Start(shell); err != nil {
		session.Close()
		client.Close()
		return nil, fmt.Errorf("start shell %q: %w", shell, err)
	}
	return &sshUpstream{client: client, session: session, stdin: stdin, stdout: stdout}, nil
}

type sshUpstream struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

func (u *sshUpstream) Read(p []byte) (int, error)  { return u.stdout.Read(p) }
func (u *sshUpstream) Write(p []byte) (int, error) { return u.stdin.Write(p) }

func (u *sshUpstream) Resize(cols, rows uint16) error {
	return u.session.WindowChange(int(rows), int(cols))
}

func (u *sshUpstream) Close() error {
	u.session.Close()
	return u.client.Close()
}

// ExecDialer starts the shell through the container engine's exec API.
type ExecDialer struct {
	Runtime containers.Runtime
	Shell   string
}

func (d *ExecDialer) Dial(ctx context.Context, t Target) (Upstream, error) {
	if err := ValidateShell(d.Shell); err != nil {
		return nil, err
	}
	shell := d.Shell
	if shell == "" {
		shell = "/bin/bash"
	}
	if t.Container == "" {
		return nil, fmt.Errorf("exec target has no container")
	}
	sess, err := d.Runtime.ExecInteractive(ctx, t.Container, []string{shell, "-l"})
	if err != nil {
		return nil, err
	}
	return &execUpstream{sess: sess}, nil
}

type execUpstream struct {
	sess *containers.ExecSession
}

func (u *execUpstream) Read(p []byte) (int, error)  { return u.sess.Stdout.Read(p) }
func (u *execUpstream) Write(p []byte) (int, error) { return u.sess.Stdin.Write(p) }

func (u *execUpstream) Resize(cols, rows uint16) error {
	if u.sess.Resize == nil {
		return nil
	}
	return u.sess.Resize(cols, rows)
}

func (u *execUpstream) Close() error {
	if u.sess.Close == nil {
		return nil
	}
	return u.sess.Close()
}
