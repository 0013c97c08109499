package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/HatimBenzahra/agent/internal/domain"
)

// Client is the request/response collaborator for the studio's REST API.
// It is deliberately tolerant: absent collections decode as empty, and the
// caller decides whether a failure matters (the session swallows them and
// keeps the prior projection).
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a REST client for the studio server. httpClient may be
// nil, in which case http.DefaultClient is used.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    httpClient,
	}
}

// ListProjects fetches all projects.
func (c *Client) ListProjects(ctx context.Context) ([]domain.Project, error) {
	var out struct {
		Projects []projectPayload `json:"projects"`
	}
	if err := c.getJSON(ctx, "/api/projects", &out); err != nil {
		return nil, err
	}
	projects := make([]domain.Project, 0, len(out.Projects))
	for _, p := range out.Projects {
		projects = append(projects, p.toDomain())
	}
	return projects, nil
}

// ListFiles fetches the current workspace listing for a project.
func (c *Client) ListFiles(ctx context.Context, projectID string) ([]domain.FileInfo, error) {
	var out struct {
		Files []domain.FileInfo `json:"files"`
	}
	path := fmt.Sprintf("/api/projects/%s/files", url.PathEscape(projectID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Files, nil
}

// ChatHistory fetches the persisted transcript for a project. Used only to
// seed the transcript before the live stream contributes turns.
func (c *Client) ChatHistory(ctx context.Context, projectID string) ([]domain.ChatMessage, error) {
	var out struct {
		Messages []domain.ChatMessage `json:"messages"`
	}
	path := fmt.Sprintf("/api/projects/%s/chat/history", url.PathEscape(projectID))
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request %s: %w", path, err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("request %s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response %s: %w", path, err)
	}
	return nil
}

// projectPayload is the API's project shape with string timestamps.
type projectPayload struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Status      string `json:"status"`
}

func (p projectPayload) toDomain() domain.Project {
	return domain.Project{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Status:      p.Status,
	}
}
