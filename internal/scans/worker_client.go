package scans

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/revulnera/revulnera/internal/config"
	"github.com/revulnera/revulnera/internal/core"
)

// httpWorkerClient talks to the external scan worker. Both calls are
// acknowledgement-only with short timeouts; the worker performs the scan
// asynchronously and reports back through the ingestion API.
type httpWorkerClient struct {
	cfg    config.WorkerConfig
	client *http.Client
}

func NewWorkerClient(cfg config.WorkerConfig) core.WorkerClient {
	return &httpWorkerClient{
		cfg:    cfg,
		client: &http.Client{},
	}
}

func (c *httpWorkerClient) StartJob(ctx context.Context, req core.StartJobRequest) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.DispatchTimeout)
	defer cancel()
	return c.post(ctx, "/scan", req)
}

func (c *httpWorkerClient) CancelJob(ctx context.Context, scanID string) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.CancelTimeout)
	defer cancel()
	return c.post(ctx, "/cancel", map[string]string{"scan_id": scanID})
}

func (c *httpWorkerClient) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("worker returned status %d", resp.StatusCode)
	}
	return nil
}
