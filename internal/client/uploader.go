package client

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"
)

// Uploader PUTs finished artifacts to pre-signed URLs.
type Uploader struct {
	httpClient *http.Client
}

// NewUploader creates an uploader. Uploads of large renders can be slow, so
// the timeout is independent of the collaborator timeouts.
func NewUploader(timeout time.Duration) *Uploader {
	return &Uploader{httpClient: newHTTPClient(timeout)}
}

// Put streams the file at path to target and returns the bytes sent.
func (u *Uploader) Put(ctx context.Context, target, path, contentType string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open artifact: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, target, f)
	if err != nil {
		return 0, fmt.Errorf("failed to create upload request: %w", err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", contentType)

	if _, err := do(u.httpClient, "upload target", req); err != nil {
		return 0, err
	}
	return info.Size(), nil
}
