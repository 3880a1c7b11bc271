package docker

import (
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
)

// LogsOptions controls a log read.
type LogsOptions struct {
	Tail   int
	Since  string
	Follow bool
}

// Logs opens the container's log stream with timestamps. Multiplexed streams
// are demultiplexed into stdout and stderr; TTY containers write everything
// to stdout.
func (c *Client) Logs(ctx context.Context, nameOrID string, opts LogsOptions, stdout, stderr io.Writer) error {
	state, err := c.Inspect(ctx, nameOrID)
	if err != nil {
		return err
	}
	tail := "all"
	if opts.Tail >= 0 {
		tail = strconv.Itoa(opts.Tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, nameOrID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Timestamps: true,
		Since:      opts.Since,
		Tail:       tail,
	})
	if err != nil {
		return translate("container logs", err)
	}
	defer rc.Close()

	go func() {
		<-ctx.Done()
		rc.Close()
	}()

	if state.Tty {
		_, err = io.Copy(stdout, rc)
	} else {
		_, err = stdcopy.StdCopy(stdout, stderr, rc)
	}
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("read container logs: %w", err)
	}
	return nil
}
