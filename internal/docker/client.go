package docker

import (
	"context"
	"errors"
	"fmt"

	"github.com/docker/docker/api/types/versions"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// MinAPIVersion is the oldest engine API hostd drives. Exec console sizing
// and compose v2 labels need at least this.
const MinAPIVersion = "1.41"

// ErrNotFound is returned when a project container does not exist.
var ErrNotFound = errors.New("docker: container not found")

// Client talks to the engine that runs project containers.
type Client struct {
	inner *client.Client
}

// Daemon describes the engine behind a Client.
type Daemon struct {
	Version    string
	APIVersion string
	OS         string
	Arch       string
}

// New connects to host, or to DOCKER_HOST and friends when host is empty.
// The API version is negotiated on first use.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping fails when the engine is unreachable or older than MinAPIVersion.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.inner == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return checkAPIVersion(ping.APIVersion)
}

// Daemon reports the engine version for startup logs and the health
// endpoint.
func (c *Client) Daemon(ctx context.Context) (Daemon, error) {
	v, err := c.inner.ServerVersion(ctx)
	if err != nil {
		return Daemon{}, fmt.Errorf("docker version: %w", err)
	}
	if err := checkAPIVersion(v.APIVersion); err != nil {
		return Daemon{}, err
	}
	return Daemon{Version: v.Version, APIVersion: v.APIVersion, OS: v.Os, Arch: v.Arch}, nil
}

// Close releases the engine connection.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

func checkAPIVersion(v string) error {
	if v == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	if versions.LessThan(v, MinAPIVersion) {
		return fmt.Errorf("docker API %s is older than %s", v, MinAPIVersion)
	}
	return nil
}

// translate maps engine not-found errors onto ErrNotFound and wraps the rest
// with op.
func translate(op string, err error) error {
	if errdefs.IsNotFound(err) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
