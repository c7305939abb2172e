package client

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/reelforge/render/internal/config"
)

// AssetClient registers finished renders with the asset service.
type AssetClient struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

type registerRequest struct {
	StoragePath string                 `json:"storagePath"`
	Metadata    map[string]interface{} `json:"metadata"`
}

type registerResponse struct {
	AssetID string `json:"assetId"`
}

// NewAssetClient creates a new asset registration client
func NewAssetClient(cfg config.CollaboratorConfig) *AssetClient {
	return &AssetClient{
		httpClient: newHTTPClient(cfg.Timeout),
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		token:      cfg.Token,
	}
}

// Register records an artifact and returns the new asset id.
func (c *AssetClient) Register(ctx context.Context, storagePath string, metadata map[string]interface{}) (string, error) {
	if !c.IsConfigured() {
		return "", errors.New("asset service not configured")
	}

	var resp registerResponse
	req := registerRequest{StoragePath: storagePath, Metadata: metadata}
	if err := doJSON(ctx, c.httpClient, "asset service", http.MethodPost, c.baseURL+"/assets", c.token, req, &resp); err != nil {
		return "", err
	}
	if resp.AssetID == "" {
		return "", errors.New("asset service returned no asset id")
	}
	return resp.AssetID, nil
}

// IsConfigured returns true if the client has valid configuration
func (c *AssetClient) IsConfigured() bool {
	return c.baseURL != ""
}
