package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/termgate/termgate/internal/gateway/location"
)

const sshDialTimeout = 10 * time.Second

// sshConn attaches to a tmux session on a remote host over SSH with a
// requested PTY.
type sshConn struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	mu      sync.Mutex
	stopped bool
}

func openSSH(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h Handlers) (conn TerminalConn, err error) {
	if loc.SSHHost == "" {
		return nil, errors.New("ssh host is required")
	}
	port := loc.SSHPort
	if port == 0 {
		port = 22
	}
	user := loc.SSHUsername
	if user == "" {
		user = os.Getenv("USER")
	}

	auth, err := sshAuthMethods()
	if err != nil {
		return nil, err
	}

	cfg := &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback(),
		Timeout:         sshDialTimeout,
	}

	addr := net.JoinHostPort(loc.SSHHost, strconv.Itoa(port))
	dialer := net.Dialer{Timeout: sshDialTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	sconn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	client := ssh.NewClient(sconn, chans, reqs)
	defer func() {
		if err != nil {
			_ = client.Close()
		}
	}()

	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("open ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err = session.RequestPty("xterm-256color", int(rows), int(cols), modes); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("ssh stdin pipe: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("ssh stdout pipe: %w", err)
	}

	target := loc.TmuxTarget()
	if err = session.Start(remoteAttachCommand(target)); err != nil {
		_ = session.Close()
		return nil, fmt.Errorf("start remote tmux attach %q: %w", target, err)
	}

	c := &sshConn{client: client, session: session, stdin: stdin}
	go pump(stdout.Read, h, c.isStopped)
	go func() {
		// Reap the remote command; the pump observes stdout EOF.
		_ = session.Wait()
	}()

	slog.Debug("ssh tmux attach started", "addr", addr, "user", user, "target", target)
	return c, nil
}

// remoteAttachCommand builds the shell command run on the remote host.
// The target is single-quoted so tmux names with spaces or shell
// metacharacters survive the remote shell.
func remoteAttachCommand(target string) string {
	return "tmux attach-session -d -t " + shellQuote(target)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// sshAuthMethods collects auth in preference order: a running ssh
// agent first, then the default private key files.
func sshAuthMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		} else {
			slog.Warn("ssh agent unavailable", "error", err)
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range []string{"id_ed25519", "id_rsa"} {
			key, err := os.ReadFile(filepath.Join(home, ".ssh", name))
			if err != nil {
				continue
			}
			signer, err := ssh.ParsePrivateKey(key)
			if err != nil {
				slog.Warn("skipping unparsable ssh key", "key", name, "error", err)
				continue
			}
			methods = append(methods, ssh.PublicKeys(signer))
		}
	}

	if len(methods) == 0 {
		return nil, errors.New("no ssh auth available: no agent and no usable key in ~/.ssh")
	}
	return methods, nil
}

// hostKeyCallback verifies against ~/.ssh/known_hosts when present and
// logs-and-accepts otherwise. Sessions carry no secrets of their own;
// the terminal bytes are the payload.
func hostKeyCallback() ssh.HostKeyCallback {
	home, err := os.UserHomeDir()
	if err == nil {
		path := filepath.Join(home, ".ssh", "known_hosts")
		if cb, err := knownhosts.New(path); err == nil {
			return cb
		}
	}
	slog.Warn("known_hosts unavailable, skipping ssh host key verification")
	return ssh.InsecureIgnoreHostKey()
}

func (c *sshConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	_, err := c.stdin.Write(data)
	return err
}

func (c *sshConn) Resize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	return c.session.WindowChange(int(rows), int(cols))
}

func (c *sshConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	_ = c.session.Close()
	return c.client.Close()
}

func (c *sshConn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
