// Package workspace is the outbound client for the workspace service: tier
// resource defaults and workspace snapshots. The engine never owns workspace
// state; when the service is unconfigured or unreachable it falls back to the
// built-in tier profiles and runs without a snapshot.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/emberhost/crucible/internal/alloc"
)

// maxSnapshotBytes caps a fetched snapshot archive.
const maxSnapshotBytes = 128 << 20

// Client talks to the workspace service. A nil base URL makes every call
// resolve locally.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// New creates a workspace client. An empty baseURL disables remote calls.
func New(baseURL string, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// Configured reports whether a workspace service URL is set.
func (c *Client) Configured() bool { return c.baseURL != "" }

// TierDefaults returns the resource profiles per workspace tier. Unreachable
// service or a malformed response falls back to the built-in profiles; the
// request still proceeds.
func (c *Client) TierDefaults(ctx context.Context) map[string]alloc.TierProfile {
	if c.baseURL == "" {
		return alloc.DefaultTiers
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/tiers", nil)
	if err != nil {
		return alloc.DefaultTiers
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("workspace tier lookup failed, using built-in defaults", "error", err)
		return alloc.DefaultTiers
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("workspace tier lookup failed, using built-in defaults", "status", resp.StatusCode)
		return alloc.DefaultTiers
	}

	var tiers map[string]alloc.TierProfile
	if err := json.NewDecoder(resp.Body).Decode(&tiers); err != nil {
		c.logger.Warn("workspace tier response malformed, using built-in defaults", "error", err)
		return alloc.DefaultTiers
	}
	if len(tiers) == 0 {
		return alloc.DefaultTiers
	}

	// Fill gaps from the built-ins so an incomplete response never leaves a
	// tier without a profile.
	for name, profile := range alloc.DefaultTiers {
		if _, ok := tiers[name]; !ok {
			tiers[name] = profile
		}
	}
	return tiers
}

// Snapshot fetches the workspace's file snapshot as a tar.gz archive. A 404
// means the workspace has no snapshot; that is not an error. Any other
// failure is returned so the caller can decide whether to run without it.
func (c *Client) Snapshot(ctx context.Context, workspaceID string) ([]byte, error) {
	if c.baseURL == "" || workspaceID == "" {
		return nil, nil
	}

	url := fmt.Sprintf("%s/v1/workspaces/%s/snapshot", c.baseURL, workspaceID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build snapshot request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot for workspace %s: %w", workspaceID, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("fetch snapshot for workspace %s: status %d", workspaceID, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSnapshotBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read snapshot body: %w", err)
	}
	if len(data) > maxSnapshotBytes {
		return nil, fmt.Errorf("snapshot for workspace %s exceeds %d bytes", workspaceID, maxSnapshotBytes)
	}
	return data, nil
}
