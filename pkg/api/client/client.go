// Package client is a typed HTTP and WebSocket client for the hostd API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultBaseURL is used when no API address is configured.
const DefaultBaseURL = "http://localhost:4000"

// Client provides typed access to the hostd API for interactive tools.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	dialer     *websocket.Dialer
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithToken authenticates every request with a bearer token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL. Requests
// are bounded by the caller's context.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = DefaultBaseURL
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{},
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d %s): %s", e.Status, e.Code, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return extractError(resp.StatusCode, resp.Body)
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(status int, body io.Reader) APIError {
	apiErr := APIError{Status: status}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var payload struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		apiErr.Message = strings.TrimSpace(string(data))
		return apiErr
	}
	apiErr.Code = payload.Code
	apiErr.Message = strings.TrimSpace(payload.Message)
	return apiErr
}

// Token is an issued bearer token.
type Token struct {
	Token     string `json:"token"`
	Subject   string `json:"subject"`
	Admin     bool   `json:"admin"`
	ExpiresAt string `json:"expiresAt"`
}

// Login exchanges the operator password for a token. An empty project list
// requests an admin token.
func (c *Client) Login(ctx context.Context, password string, projects []string) (Token, error) {
	body := map[string]any{"password": password}
	if len(projects) > 0 {
		body["projects"] = projects
	}
	var tok Token
	if err := c.do(ctx, http.MethodPost, "/auth/token", body, &tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Project describes a hosted project.
type Project struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Domain       string   `json:"domain"`
	RepoURL      string   `json:"repoUrl"`
	Branch       string   `json:"branch"`
	BuildCommand string   `json:"buildCommand"`
	Port         int      `json:"port"`
	AssignedPort int      `json:"assignedPort"`
	AutoPort     bool     `json:"autoPort"`
	Type         string   `json:"type"`
	Environment  []string `json:"environment"`
	Status       string   `json:"status"`
	ContainerID  string   `json:"containerId"`
	LastError    string   `json:"lastError"`
	LastDeployed string   `json:"lastDeployed"`
	CreatedAt    string   `json:"createdAt"`
	UpdatedAt    string   `json:"updatedAt"`
}

// ListProjects returns the projects visible to the token, optionally
// narrowed to one status.
func (c *Client) ListProjects(ctx context.Context, status string) ([]Project, error) {
	path := "/projects"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var projects []Project
	if err := c.do(ctx, http.MethodGet, path, nil, &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// GetProject fetches detailed information about a project.
func (c *Client) GetProject(ctx context.Context, projectID string) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodGet, "/projects/"+url.PathEscape(projectID), nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeployInput captures the payload for a new deployment.
type DeployInput struct {
	Name         string            `json:"name"`
	Domain       string            `json:"domain,omitempty"`
	RepoURL      string            `json:"repoUrl"`
	Branch       string            `json:"branch,omitempty"`
	BuildCommand string            `json:"buildCommand,omitempty"`
	Port         int               `json:"port,omitempty"`
	AutoPort     bool              `json:"autoPort"`
	Type         string            `json:"type,omitempty"`
	Environment  map[string]string `json:"environment,omitempty"`
}

// Deploy registers and deploys a project. It returns once the first
// deployment finished.
func (c *Client) Deploy(ctx context.Context, input DeployInput) (Project, error) {
	var project Project
	if err := c.do(ctx, http.MethodPost, "/projects", input, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// Action runs a lifecycle action: start, stop, restart or redeploy.
func (c *Client) Action(ctx context.Context, projectID, action string) (Project, error) {
	path := fmt.Sprintf("/projects/%s/%s", url.PathEscape(projectID), url.PathEscape(action))
	var project Project
	if err := c.do(ctx, http.MethodPost, path, nil, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// UpdatePort moves a project to a new host port.
func (c *Client) UpdatePort(ctx context.Context, projectID string, port int) (Project, error) {
	path := fmt.Sprintf("/projects/%s/port", url.PathEscape(projectID))
	var project Project
	if err := c.do(ctx, http.MethodPut, path, map[string]int{"port": port}, &project); err != nil {
		return Project{}, err
	}
	return project, nil
}

// DeleteProject removes a project; purge also deletes its working copy.
func (c *Client) DeleteProject(ctx context.Context, projectID string, purge bool) error {
	path := "/projects/" + url.PathEscape(projectID)
	if purge {
		path += "?purge=true"
	}
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// DialSession opens a streaming connection to path, e.g. /ws/logs. The
// token travels as a query parameter.
func (c *Client) DialSession(ctx context.Context, path string) (*websocket.Conn, error) {
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid session url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	if c.token != "" {
		q := u.Query()
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, extractError(resp.StatusCode, resp.Body)
		}
		return nil, fmt.Errorf("dial %s: %w", path, err)
	}
	return conn, nil
}
