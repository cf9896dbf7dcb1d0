// Package vault is a minimal client for the external KV v2 secret store.
// Secret content never touches the local database; only vault paths do.
package vault

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sysmanage/sysmanage-server/common/retry"
	"github.com/sysmanage/sysmanage-server/internal/server/config"
	"github.com/sysmanage/sysmanage-server/internal/server/faults"
)

// contentKey is the single field each secret is stored under.
const contentKey = "content"

// Client talks to one vault server. Safe for concurrent use.
type Client struct {
	baseURL   string
	token     string
	mountPath string
	http      *http.Client
	retryCfg  retry.Config
}

func New(cfg config.Vault) *Client {
	return &Client{
		baseURL:   strings.TrimRight(cfg.URL, "/"),
		token:     cfg.Token,
		mountPath: cfg.MountPath,
		http:      &http.Client{Timeout: cfg.Timeout},
		retryCfg: retry.Config{
			MaxAttempts:  3,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     5 * time.Second,
		},
	}
}

// kvData is the KV v2 read envelope: {"data": {"data": {...}}}.
type kvData struct {
	Data struct {
		Data map[string]string `json:"data"`
	} `json:"data"`
}

// Write stores content at path, overwriting any previous version.
func (c *Client) Write(ctx context.Context, path, content string) error {
	body, err := json.Marshal(map[string]map[string]string{
		"data": {contentKey: content},
	})
	if err != nil {
		return fmt.Errorf("failed to encode secret: %w", err)
	}

	err = retry.Do(ctx, c.retryCfg, func() error {
		return c.do(ctx, http.MethodPost, c.dataURL(path), body, nil)
	})
	if err != nil {
		return faults.Wrap(faults.DependencyFailed, "vault write failed", err)
	}
	return nil
}

// Read fetches the content stored at path.
func (c *Client) Read(ctx context.Context, path string) (string, error) {
	var envelope kvData
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.do(ctx, http.MethodGet, c.dataURL(path), nil, &envelope)
	})
	if err != nil {
		return "", faults.Wrap(faults.DependencyFailed, "vault read failed", err)
	}

	content, ok := envelope.Data.Data[contentKey]
	if !ok {
		return "", faults.New(faults.DependencyFailed, "vault secret has no content field")
	}
	return content, nil
}

// Delete removes all versions and metadata of the secret at path.
func (c *Client) Delete(ctx context.Context, path string) error {
	url := fmt.Sprintf("%s/v1/%s/metadata/%s", c.baseURL, c.mountPath, strings.TrimLeft(path, "/"))
	err := retry.Do(ctx, c.retryCfg, func() error {
		return c.do(ctx, http.MethodDelete, url, nil, nil)
	})
	if err != nil {
		return faults.Wrap(faults.DependencyFailed, "vault delete failed", err)
	}
	return nil
}

// Health checks the vault is reachable and unsealed.
func (c *Client) Health(ctx context.Context) error {
	if err := c.do(ctx, http.MethodGet, c.baseURL+"/v1/sys/health", nil, nil); err != nil {
		return faults.Wrap(faults.DependencyFailed, "vault health check failed", err)
	}
	return nil
}

func (c *Client) dataURL(path string) string {
	return fmt.Sprintf("%s/v1/%s/data/%s", c.baseURL, c.mountPath, strings.TrimLeft(path, "/"))
}

func (c *Client) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build vault request: %w", err)
	}
	req.Header.Set("X-Vault-Token", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("vault request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("vault returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode vault response: %w", err)
		}
	}
	return nil
}
