// Package compose renders and parses the per-project docker compose descriptor.
package compose

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/docker/go-connections/nat"
	"gopkg.in/yaml.v3"
)

// FileName is the descriptor written into every working copy.
const FileName = "docker-compose.hostd.yml"

const (
	LabelProjectID   = "hostd.project.id"
	LabelProjectName = "hostd.project.name"
	DefaultNetwork   = "hostd"
	logMountPath     = "/var/log/app"
	networkKey       = "hostd"
)

// Spec is the input to Render.
type Spec struct {
	ProjectID     string
	Name          string
	HostPort      int
	ContainerPort int
	Environment   map[string]string
	Network       string
}

// File mirrors the subset of the compose schema hostd writes.
type File struct {
	Services map[string]Service `yaml:"services"`
	Volumes  map[string]Volume  `yaml:"volumes,omitempty"`
	Networks map[string]Network `yaml:"networks,omitempty"`
}

type Service struct {
	Build         Build             `yaml:"build"`
	ContainerName string            `yaml:"container_name"`
	Ports         []PortBinding     `yaml:"ports,omitempty"`
	Environment   map[string]string `yaml:"environment,omitempty"`
	Volumes       []string          `yaml:"volumes,omitempty"`
	Networks      []string          `yaml:"networks,omitempty"`
	Restart       string            `yaml:"restart,omitempty"`
	Labels        map[string]string `yaml:"labels,omitempty"`
}

type Build struct {
	Context string `yaml:"context"`
}

type Volume struct{}

type Network struct {
	External bool   `yaml:"external,omitempty"`
	Name     string `yaml:"name,omitempty"`
}

// PortBinding is a HOST:CONTAINER entry. It is always written quoted so
// YAML 1.1 readers cannot take it for a base-60 integer.
type PortBinding string

// MarshalYAML emits the binding as a double-quoted scalar.
func (b PortBinding) MarshalYAML() (any, error) {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Style: yaml.DoubleQuotedStyle, Value: string(b)}, nil
}

// PortMapping is a parsed host:container binding.
type PortMapping struct {
	HostPort      int
	ContainerPort int
}

// File constructs the descriptor for spec.
func (s Spec) File() (File, error) {
	if s.Name == "" {
		return File{}, fmt.Errorf("compose: service name is required")
	}
	mapping, err := portMapping(s.HostPort, s.ContainerPort)
	if err != nil {
		return File{}, err
	}
	network := s.Network
	if network == "" {
		network = DefaultNetwork
	}
	env := make(map[string]string, len(s.Environment)+1)
	for k, v := range s.Environment {
		env[k] = v
	}
	env["PORT"] = strconv.Itoa(s.ContainerPort)

	volume := s.Name + "-logs"
	return File{
		Services: map[string]Service{
			s.Name: {
				Build:         Build{Context: "."},
				ContainerName: "hostd-" + s.Name,
				Ports:         []PortBinding{mapping},
				Environment:   env,
				Volumes:       []string{volume + ":" + logMountPath},
				Networks:      []string{networkKey},
				Restart:       "unless-stopped",
				Labels: map[string]string{
					LabelProjectID:   s.ProjectID,
					LabelProjectName: s.Name,
				},
			},
		},
		Volumes:  map[string]Volume{volume: {}},
		Networks: map[string]Network{networkKey: {External: true, Name: network}},
	}, nil
}

// Render produces the YAML descriptor for spec.
func Render(spec Spec) ([]byte, error) {
	file, err := spec.File()
	if err != nil {
		return nil, err
	}
	out, err := yaml.Marshal(file)
	if err != nil {
		return nil, fmt.Errorf("compose: marshal: %w", err)
	}
	return out, nil
}

// Parse decodes a descriptor.
func Parse(data []byte) (File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("compose: parse: %w", err)
	}
	if len(f.Services) == 0 {
		return File{}, fmt.Errorf("compose: no services defined")
	}
	return f, nil
}

// Write renders spec into dir and returns the descriptor path.
func Write(dir string, spec Spec) (string, error) {
	data, err := Render(spec)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("compose: write %s: %w", path, err)
	}
	return path, nil
}

// Read parses the descriptor stored in dir.
func Read(dir string) (File, error) {
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		return File{}, fmt.Errorf("compose: read: %w", err)
	}
	return Parse(data)
}

// Ports returns the parsed port bindings of the named service.
func (f File) Ports(service string) ([]PortMapping, error) {
	svc, ok := f.Services[service]
	if !ok {
		return nil, fmt.Errorf("compose: service %q not defined", service)
	}
	var out []PortMapping
	for _, raw := range svc.Ports {
		mappings, err := nat.ParsePortSpec(string(raw))
		if err != nil {
			return nil, fmt.Errorf("compose: port %q: %w", raw, err)
		}
		for _, m := range mappings {
			host, err := strconv.Atoi(m.Binding.HostPort)
			if err != nil {
				return nil, fmt.Errorf("compose: port %q has no host binding", raw)
			}
			out = append(out, PortMapping{HostPort: host, ContainerPort: m.Port.Int()})
		}
	}
	return out, nil
}

func portMapping(host, container int) (PortBinding, error) {
	if host < 1 || host > 65535 {
		return "", fmt.Errorf("compose: host port %d out of range", host)
	}
	port, err := nat.NewPort("tcp", strconv.Itoa(container))
	if err != nil {
		return "", fmt.Errorf("compose: container port: %w", err)
	}
	if port.Int() < 1 || port.Int() > 65535 {
		return "", fmt.Errorf("compose: container port %d out of range", container)
	}
	return PortBinding(fmt.Sprintf("%d:%s", host, port.Port())), nil
}
