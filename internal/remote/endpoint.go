// Package remote implements the client side of the remote endpoint: an SSH
// connection carrying an interactive PTY shell and an SFTP subsystem for file
// operations. The rest of the relay consumes it through the Endpoint,
// ShellSession, and FileClient interfaces so transports and tests can swap in
// fakes.
package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Config describes one remote connection.
type Config struct {
	Host       string
	Port       int
	Username   string
	AuthMode   string // "password" or "key"
	Password   string
	PrivateKey string // PEM, used when AuthMode == "key"
}

// Addr returns host:port.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// ShellSession is an interactive PTY-backed shell on the endpoint. Read
// returns shell output; Write feeds shell stdin.
type ShellSession interface {
	io.Reader
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
}

// FileClient exposes the endpoint's file operations.
type FileClient interface {
	List(path string) ([]os.FileInfo, error)
	Open(path string) (io.ReadCloser, error)
	Create(path string) (io.WriteCloser, error)
	Stat(path string) (os.FileInfo, error)
	Mkdir(path string) error
	Remove(path string) error
	Rename(oldPath, newPath string) error
	Chmod(path string, mode os.FileMode) error
}

// Endpoint is one authenticated connection to a remote host.
type Endpoint interface {
	StartShell(ctx context.Context, cols, rows int) (ShellSession, error)
	Exec(ctx context.Context, command string) ([]byte, error)
	Files() (FileClient, error)
	Close() error
}

// Dialer establishes endpoint connections. The relay holds a Dialer rather
// than calling Dial directly so reconnection logic can be exercised against
// mock endpoints.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Endpoint, error)
}

// SSHDialer is the production Dialer backed by golang.org/x/crypto/ssh.
type SSHDialer struct {
	Timeout time.Duration
}

// Dial connects and authenticates to the endpoint described by cfg.
func (d *SSHDialer) Dial(ctx context.Context, cfg Config) (Endpoint, error) {
	auth, err := authMethods(cfg)
	if err != nil {
		return nil, err
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	clientCfg := &ssh.ClientConfig{
		User:            cfg.Username,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         timeout,
	}

	addr := cfg.Addr()
	dialer := net.Dialer{Timeout: timeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, clientCfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}

	return &sshEndpoint{client: ssh.NewClient(sshConn, chans, reqs)}, nil
}

func authMethods(cfg Config) ([]ssh.AuthMethod, error) {
	switch cfg.AuthMode {
	case "key":
		signer, err := ssh.ParsePrivateKey([]byte(cfg.PrivateKey))
		if err != nil {
			return nil, fmt.Errorf("parse private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	case "password", "":
		return []ssh.AuthMethod{ssh.Password(cfg.Password)}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// sshEndpoint wraps an *ssh.Client. The SFTP client is created lazily on
// first file operation and shared for the connection's lifetime.
type sshEndpoint struct {
	client *ssh.Client
	files  *sftpClient
}

func (e *sshEndpoint) StartShell(ctx context.Context, cols, rows int) (ShellSession, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}

	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	if err := session.RequestPty("xterm-256color", rows, cols, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}

	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("start shell: %w", err)
	}

	return &ptySession{stdin: stdin, stdout: stdout, session: session}, nil
}

func (e *sshEndpoint) Exec(ctx context.Context, command string) ([]byte, error) {
	session, err := e.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("create ssh session: %w", err)
	}
	defer session.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			session.Close()
		case <-done:
		}
	}()

	out, err := session.CombinedOutput(command)
	if err != nil {
		return out, fmt.Errorf("exec %q: %w", command, err)
	}
	return out, nil
}

func (e *sshEndpoint) Files() (FileClient, error) {
	if e.files != nil {
		return e.files, nil
	}
	c, err := sftp.NewClient(e.client)
	if err != nil {
		return nil, fmt.Errorf("open sftp subsystem: %w", err)
	}
	e.files = &sftpClient{c: c}
	return e.files, nil
}

func (e *sshEndpoint) Close() error {
	if e.files != nil {
		e.files.c.Close()
	}
	return e.client.Close()
}

// ptySession implements ShellSession over an ssh.Session with a PTY.
type ptySession struct {
	stdin   io.WriteCloser
	stdout  io.Reader
	session *ssh.Session
}

func (p *ptySession) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *ptySession) Write(b []byte) (int, error) { return p.stdin.Write(b) }

func (p *ptySession) Resize(cols, rows uint16) error {
	return p.session.WindowChange(int(rows), int(cols))
}

func (p *ptySession) Close() error {
	return p.session.Close()
}

// sftpClient adapts *sftp.Client to FileClient.
type sftpClient struct {
	c *sftp.Client
}

func (s *sftpClient) List(path string) ([]os.FileInfo, error) { return s.c.ReadDir(path) }
func (s *sftpClient) Stat(path string) (os.FileInfo, error)   { return s.c.Stat(path) }
func (s *sftpClient) Mkdir(path string) error                 { return s.c.MkdirAll(path) }
func (s *sftpClient) Rename(oldPath, newPath string) error    { return s.c.Rename(oldPath, newPath) }

func (s *sftpClient) Open(path string) (io.ReadCloser, error) {
	return s.c.Open(path)
}

func (s *sftpClient) Create(path string) (io.WriteCloser, error) {
	return s.c.Create(path)
}

func (s *sftpClient) Remove(path string) error {
	// RemoveAll handles both files and directories
	return s.c.RemoveAll(path)
}

func (s *sftpClient) Chmod(path string, mode os.FileMode) error {
	return s.c.Chmod(path, mode)
}
