package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/nocloudhq/cloudbridge/internal/errors"
	"github.com/nocloudhq/cloudbridge/internal/server/handlers"
)

// adminClient talks to the /admin API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(baseURL, token string, timeout time.Duration) (*adminClient, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("server URL is required (set --server or rpc.server_url)")
	}
	if strings.TrimSpace(token) == "" {
		return nil, fmt.Errorf("admin token is required (set admin.token or CLOUDBRIDGE_ADMIN_TOKEN)")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &adminClient{
		baseURL: base,
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

func (c *adminClient) Windows(ctx context.Context) (handlers.WindowsResponse, error) {
	var resp handlers.WindowsResponse
	err := c.do(ctx, http.MethodGet, "/admin/rate-limit/windows", nil, &resp)
	return resp, err
}

func (c *adminClient) Reset(ctx context.Context, req handlers.ResetRequest) (handlers.ResetResponse, error) {
	var resp handlers.ResetResponse
	err := c.do(ctx, http.MethodPost, "/admin/rate-limit/reset", req, &resp)
	return resp, err
}

func (c *adminClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck // best-effort cleanup

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var failure apperrors.HTTPErrorResponse
		if json.Unmarshal(data, &failure) == nil && failure.Error.Message != "" {
			return fmt.Errorf("admin request failed: %s (%s)", failure.Error.Message, failure.Error.Code)
		}
		return fmt.Errorf("admin request failed: unexpected status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
