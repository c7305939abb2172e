package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/reelforge/render/internal/compositor"
	"github.com/reelforge/render/internal/config"
	"github.com/reelforge/render/internal/model"
)

// SceneClient drives the headless scene renderer over HTTP. Each render
// opens a session, pulls one image per timestamp, then closes it.
type SceneClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type openSessionRequest struct {
	Project *model.Project `json:"project"`
	Width   int            `json:"width"`
	Height  int            `json:"height"`
}

type openSessionResponse struct {
	SessionID string `json:"sessionId"`
}

// NewSceneClient creates a new scene renderer client
func NewSceneClient(cfg config.CollaboratorConfig) *SceneClient {
	return &SceneClient{
		httpClient: newHTTPClient(cfg.Timeout),
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
	}
}

// Open implements compositor.SceneRenderer.
func (c *SceneClient) Open(ctx context.Context, project *model.Project, width, height int) (compositor.Scene, error) {
	if !c.IsConfigured() {
		return nil, errors.New("scene renderer not configured")
	}

	var resp openSessionResponse
	req := openSessionRequest{Project: project, Width: width, Height: height}
	if err := doJSON(ctx, c.httpClient, "scene renderer", http.MethodPost, c.baseURL+"/sessions", c.token, req, &resp); err != nil {
		return nil, err
	}
	if resp.SessionID == "" {
		return nil, errors.New("scene renderer returned no session id")
	}
	return &sceneSession{client: c, id: resp.SessionID}, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SceneClient) IsConfigured() bool {
	return c.baseURL != ""
}

type sceneSession struct {
	client *SceneClient
	id     string
}

func (s *sceneSession) url() string {
	return s.client.baseURL + "/sessions/" + url.PathEscape(s.id)
}

// Frame returns the encoded image of the scene at t seconds.
func (s *sceneSession) Frame(ctx context.Context, t float64) ([]byte, error) {
	u := s.url() + "/frame?t=" + strconv.FormatFloat(t, 'f', 6, 64)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "image/png")
	if s.client.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.client.token)
	}
	data, err := do(s.client.httpClient, "scene renderer", req)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("scene renderer returned an empty frame at %.3fs", t)
	}
	return data, nil
}

// Close releases the session. It uses a fresh context so a cancelled render
// still frees renderer resources.
func (s *sceneSession) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.client.httpClient.Timeout)
	defer cancel()
	return doJSON(ctx, s.client.httpClient, "scene renderer", http.MethodDelete, s.url(), s.client.token, nil, nil)
}
