package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/reelforge/render/internal/config"
	"github.com/reelforge/render/internal/model"
)

// ProjectClient hydrates timeline documents from the project service.
type ProjectClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type hydrateRequest struct {
	UserID    string `json:"userId"`
	ProjectID string `json:"projectId"`
	BranchID  string `json:"branchId"`
}

// NewProjectClient creates a new project hydration client
func NewProjectClient(cfg config.CollaboratorConfig) *ProjectClient {
	return &ProjectClient{
		httpClient: newHTTPClient(cfg.Timeout),
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
	}
}

// Hydrate fetches the project document for a branch.
func (c *ProjectClient) Hydrate(ctx context.Context, owner model.OwnerRef) (*model.Project, error) {
	if !c.IsConfigured() {
		return nil, errors.New("project service not configured")
	}

	var project model.Project
	req := hydrateRequest{UserID: owner.UserID, ProjectID: owner.ProjectID, BranchID: owner.BranchID}
	if err := doJSON(ctx, c.httpClient, "project service", http.MethodPost, c.baseURL+"/hydrate", c.token, req, &project); err != nil {
		return nil, err
	}
	if project.FPS <= 0 || project.Resolution.Width <= 0 || project.Resolution.Height <= 0 {
		return nil, fmt.Errorf("project %s has invalid resolution or fps", owner.ProjectID)
	}
	return &project, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *ProjectClient) IsConfigured() bool {
	return c.baseURL != ""
}
