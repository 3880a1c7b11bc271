package docker

import (
	"context"
	"fmt"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
)

// ExecOptions describes an interactive command inside a container.
type ExecOptions struct {
	Cmd  []string
	Env  []string
	User string
	Cols uint
	Rows uint
}

// ExecSession is an attached TTY exec. Read yields terminal output, Write
// feeds stdin.
type ExecSession struct {
	id     string
	client *Client
	resp   types.HijackedResponse
	once   sync.Once
}

// Exec starts cmd in the container with a TTY attached.
func (c *Client) Exec(ctx context.Context, nameOrID string, opts ExecOptions) (*ExecSession, error) {
	if len(opts.Cmd) == 0 {
		return nil, fmt.Errorf("exec command cannot be empty")
	}
	created, err := c.inner.ContainerExecCreate(ctx, nameOrID, container.ExecOptions{
		User:         opts.User,
		Tty:          true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Env:          opts.Env,
		Cmd:          opts.Cmd,
	})
	if err != nil {
		return nil, translate("exec create", err)
	}
	attachOpts := container.ExecAttachOptions{Tty: true}
	if opts.Cols > 0 && opts.Rows > 0 {
		attachOpts.ConsoleSize = &[2]uint{opts.Rows, opts.Cols}
	}
	resp, err := c.inner.ContainerExecAttach(ctx, created.ID, attachOpts)
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	return &ExecSession{id: created.ID, client: c, resp: resp}, nil
}

func (s *ExecSession) Read(p []byte) (int, error) {
	return s.resp.Reader.Read(p)
}

func (s *ExecSession) Write(p []byte) (int, error) {
	return s.resp.Conn.Write(p)
}

// Resize changes the TTY dimensions.
func (s *ExecSession) Resize(ctx context.Context, cols, rows uint) error {
	if cols == 0 || rows == 0 {
		return fmt.Errorf("terminal size must be positive")
	}
	if err := s.client.inner.ContainerExecResize(ctx, s.id, container.ResizeOptions{Width: cols, Height: rows}); err != nil {
		return fmt.Errorf("exec resize: %w", err)
	}
	return nil
}

// Close detaches from the exec. The shell receives EOF/SIGHUP and exits.
func (s *ExecSession) Close() error {
	s.once.Do(s.resp.Close)
	return nil
}
