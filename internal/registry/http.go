package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/r3e-network/taskengine/internal/domain/task"
	"github.com/r3e-network/taskengine/internal/errs"
)

// HTTPAuth configures one of the three auth modes spec.md §4.2's HTTP
// source supports.
type HTTPAuth struct {
	Bearer       string
	Username     string
	Password     string
	APIKeyHeader string
	APIKey       string
}

func (a HTTPAuth) apply(req *http.Request) {
	switch {
	case a.Bearer != "":
		req.Header.Set("Authorization", "Bearer "+a.Bearer)
	case a.Username != "" || a.Password != "":
		req.SetBasicAuth(a.Username, a.Password)
	case a.APIKeyHeader != "" && a.APIKey != "":
		req.Header.Set(a.APIKeyHeader, a.APIKey)
	}
}

// HTTPSource discovers and loads tasks from a registry HTTP API:
// GET /tasks returns metadata, GET /tasks/{name}/{version} returns
// content.
type HTTPSource struct {
	BaseURL string
	Auth    HTTPAuth
	Client  *http.Client
}

func NewHTTPSource(baseURL string, auth HTTPAuth, client *http.Client) *HTTPSource {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSource{BaseURL: baseURL, Auth: auth, Client: client}
}

type httpTaskMetadata struct {
	UUID      string    `json:"uuid"`
	Name      string    `json:"name"`
	Version   string    `json:"version"`
	Tags      []string  `json:"tags,omitempty"`
	Checksum  string    `json:"checksum"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *HTTPSource) Discover(ctx context.Context) ([]DiscoveredTask, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.BaseURL+"/tasks", nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "registry.http", s.BaseURL, err)
	}
	s.Auth.apply(req)

	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.KindUnavailable, "registry.http", s.BaseURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errs.New(errs.KindUnavailable, "registry.http", s.BaseURL, fmt.Sprintf("GET /tasks: status %d", resp.StatusCode))
	}

	var items []httpTaskMetadata
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, errs.Wrap(errs.KindInvalidInput, "registry.http", s.BaseURL, err)
	}

	now := time.Now().UTC()
	out := make([]DiscoveredTask, 0, len(items))
	for _, item := range items {
		out = append(out, DiscoveredTask{
			Reference:    task.Reference{Name: item.Name, Version: item.Version, SourceURI: s.BaseURL},
			UUID:         item.UUID,
			Tags:         item.Tags,
			Checksum:     item.Checksum,
			CreatedAt:    item.CreatedAt,
			UpdatedAt:    item.UpdatedAt,
			DiscoveredAt: now,
		})
	}
	return out, nil
}

type httpTaskContent struct {
	UUID         string          `json:"uuid"`
	Name         string          `json:"name"`
	Version      string          `json:"version"`
	Source       string          `json:"source"`
	InputSchema  json.RawMessage `json:"input_schema"`
	OutputSchema json.RawMessage `json:"output_schema"`
	Tags         []string        `json:"tags,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (s *HTTPSource) Load(ctx context.Context, ref task.Reference) (task.Content, error) {
	url := fmt.Sprintf("%s/tasks/%s/%s", s.BaseURL, ref.Name, ref.Version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return task.Content{}, errs.Wrap(errs.KindInternal, "registry.http", ref.Name, err)
	}
	s.Auth.apply(req)

	resp, err := s.Client.Do(req)
	if err != nil {
		return task.Content{}, errs.Wrap(errs.KindUnavailable, "registry.http", ref.Name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return task.Content{}, errs.NotFound("task", ref.Name)
	}
	if resp.StatusCode != http.StatusOK {
		return task.Content{}, errs.New(errs.KindUnavailable, "registry.http", ref.Name, fmt.Sprintf("GET %s: status %d", url, resp.StatusCode))
	}

	var c httpTaskContent
	if err := json.NewDecoder(resp.Body).Decode(&c); err != nil {
		return task.Content{}, errs.Wrap(errs.KindInvalidInput, "registry.http", ref.Name, err)
	}

	return task.Content{
		Name:         c.Name,
		Version:      c.Version,
		SourceURI:    s.BaseURL,
		Source:       c.Source,
		InputSchema:  c.InputSchema,
		OutputSchema: c.OutputSchema,
		Tags:         c.Tags,
		UUID:         c.UUID,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}, nil
}

func (s *HTTPSource) Push(ctx context.Context, ref task.Reference, content task.Content) error {
	return errs.Wrap(errs.KindUnsupported, "registry.http", ref.Name, errs.ErrUnsupported)
}
