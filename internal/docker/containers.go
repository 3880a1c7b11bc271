package docker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/samber/lo"
)

// ContainerState is the subset of inspect output hostd relies on.
type ContainerState struct {
	ID        string
	Name      string
	Status    string
	Running   bool
	Tty       bool
	StartedAt time.Time
	Labels    map[string]string
}

// Inspect returns the state of the container with the given name or id.
// ErrNotFound is returned when the container does not exist.
func (c *Client) Inspect(ctx context.Context, nameOrID string) (ContainerState, error) {
	if strings.TrimSpace(nameOrID) == "" {
		return ContainerState{}, fmt.Errorf("container name cannot be empty")
	}
	info, err := c.inner.ContainerInspect(ctx, nameOrID)
	if err != nil {
		return ContainerState{}, translate("container inspect", err)
	}
	state := ContainerState{
		ID:   info.ID,
		Name: strings.TrimPrefix(info.Name, "/"),
	}
	if info.State != nil {
		state.Status = info.State.Status
		state.Running = info.State.Running
		if started, err := time.Parse(time.RFC3339Nano, info.State.StartedAt); err == nil {
			state.StartedAt = started
		}
	}
	if info.Config != nil {
		state.Tty = info.Config.Tty
		state.Labels = info.Config.Labels
	}
	return state, nil
}

// PublishedPorts returns the sorted, de-duplicated host ports published by
// running containers.
func (c *Client) PublishedPorts(ctx context.Context) ([]int, error) {
	list, err := c.inner.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("container list: %w", err)
	}
	var ports []int
	for _, ctr := range list {
		for _, p := range ctr.Ports {
			if p.PublicPort != 0 {
				ports = append(ports, int(p.PublicPort))
			}
		}
	}
	ports = lo.Uniq(ports)
	sort.Ints(ports)
	return ports, nil
}

// RemoveContainer removes an existing container if it exists.
func (c *Client) RemoveContainer(ctx context.Context, name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("container name cannot be empty")
	}
	err := c.inner.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err == nil {
		return nil
	}
	if err = translate("remove container", err); errors.Is(err, ErrNotFound) {
		return nil
	}
	return err
}
