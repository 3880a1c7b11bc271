package compose

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func blogSpec() Spec {
	return Spec{
		ProjectID:     "0f7c",
		Name:          "blog",
		HostPort:      3001,
		ContainerPort: 3000,
		Environment:   map[string]string{"NODE_ENV": "production"},
		Network:       "hostd",
	}
}

func TestRenderParseRoundTrip(t *testing.T) {
	data, err := Render(blogSpec())
	require.NoError(t, err)
	assert.Contains(t, string(data), `- "3001:3000"`)

	file, err := Parse(data)
	require.NoError(t, err)
	svc, ok := file.Services["blog"]
	require.True(t, ok)
	assert.Equal(t, "hostd-blog", svc.ContainerName)
	assert.Equal(t, "production", svc.Environment["NODE_ENV"])
	assert.Equal(t, "3000", svc.Environment["PORT"])
	assert.Equal(t, []string{"blog-logs:/var/log/app"}, svc.Volumes)
	assert.Equal(t, "unless-stopped", svc.Restart)
	assert.Equal(t, "0f7c", svc.Labels[LabelProjectID])
	assert.True(t, file.Networks["hostd"].External)

	ports, err := file.Ports("blog")
	require.NoError(t, err)
	assert.Equal(t, []PortMapping{{HostPort: 3001, ContainerPort: 3000}}, ports)
}

func TestRenderIsDeterministic(t *testing.T) {
	spec := blogSpec()
	spec.Environment = map[string]string{"B": "2", "A": "1", "C": "3"}
	first, err := Render(spec)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Render(spec)
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
	assert.Less(t, strings.Index(string(first), "A: \"1\""), strings.Index(string(first), "B: \"2\""))
}

func TestRenderRejectsBadPorts(t *testing.T) {
	spec := blogSpec()
	spec.HostPort = 0
	_, err := Render(spec)
	assert.Error(t, err)

	spec = blogSpec()
	spec.ContainerPort = 70000
	_, err = Render(spec)
	assert.Error(t, err)
}

func TestWriteAndRead(t *testing.T) {
	dir := t.TempDir()
	spec := blogSpec()
	spec.HostPort = 4000

	path, err := Write(dir, spec)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, FileName), path)
	_, err = os.Stat(path)
	require.NoError(t, err)

	file, err := Read(dir)
	require.NoError(t, err)
	ports, err := file.Ports("blog")
	require.NoError(t, err)
	assert.Equal(t, 4000, ports[0].HostPort)
	assert.Equal(t, 3000, ports[0].ContainerPort)
}

func TestParseRejectsEmpty(t *testing.T) {
	_, err := Parse([]byte("services: {}\n"))
	assert.Error(t, err)
}

func TestRenderQuotesShortPortBindings(t *testing.T) {
	spec := blogSpec()
	spec.HostPort = 2222
	spec.ContainerPort = 22
	data, err := Render(spec)
	require.NoError(t, err)
	assert.Contains(t, string(data), `- "2222:22"`)

	file, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, []PortBinding{"2222:22"}, file.Services["blog"].Ports)
	ports, err := file.Ports("blog")
	require.NoError(t, err)
	assert.Equal(t, []PortMapping{{HostPort: 2222, ContainerPort: 22}}, ports)
}
