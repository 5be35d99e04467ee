package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/termgate/termgate/internal/gateway/location"
)

// dockerConn attaches to a tmux session inside a container by running
// a tmux client through a TTY exec.
type dockerConn struct {
	cli    *client.Client
	execID string
	hijack types.HijackedResponse

	mu      sync.Mutex
	stopped bool
}

func openDocker(ctx context.Context, loc *location.SessionLocation, cols, rows uint16, h Handlers) (conn TerminalConn, err error) {
	if loc.DockerContainerID == "" {
		return nil, errors.New("docker container id is required")
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	defer func() {
		if err != nil {
			_ = cli.Close()
		}
	}()

	target := loc.TmuxTarget()
	consoleSize := &[2]uint{uint(rows), uint(cols)}

	created, err := cli.ContainerExecCreate(ctx, loc.DockerContainerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
		ConsoleSize:  consoleSize,
		Env:          []string{defaultTerm},
		Cmd:          append([]string{"tmux"}, attachArgs(target)...),
	})
	if err != nil {
		return nil, fmt.Errorf("create exec in container %s: %w", loc.DockerContainerID, err)
	}

	hijack, err := cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{
		Tty:         true,
		ConsoleSize: consoleSize,
	})
	if err != nil {
		return nil, fmt.Errorf("attach exec %s: %w", created.ID, err)
	}

	c := &dockerConn{
		cli:    cli,
		execID: created.ID,
		hijack: hijack,
	}
	go pump(hijack.Reader.Read, h, c.isStopped)

	slog.Debug("docker tmux attach started",
		"container", loc.DockerContainerID, "exec_id", created.ID, "target", target)
	return c, nil
}

func (c *dockerConn) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	_, err := c.hijack.Conn.Write(data)
	return err
}

func (c *dockerConn) Resize(cols, rows uint16) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return errors.New("connection closed")
	}
	return c.cli.ContainerExecResize(context.Background(), c.execID, container.ResizeOptions{
		Height: uint(rows),
		Width:  uint(cols),
	})
}

func (c *dockerConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil
	}
	c.stopped = true

	c.hijack.Close()
	return c.cli.Close()
}

func (c *dockerConn) isStopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}
