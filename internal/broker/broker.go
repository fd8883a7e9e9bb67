// Package broker provides an HTTP client for the vehicle signal broker the
// deployed apps talk to. The agent itself uses it for readiness probes and
// for resolving the broker address handed to apps.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Client talks to the signal broker's HTTP facade.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds broker client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger
}

// DefaultConfig returns the local-broker defaults.
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:55555",
		Timeout: 5 * time.Second,
	}
}

// Signal is one vehicle signal value.
type Signal struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// New creates a signal broker client.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// Address returns the base URL handed to apps via KUKSA_DATA_BROKER_ADDRESS.
func (c *Client) Address() string { return c.baseURL }

// IsReachable checks whether the broker answers at all.
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("broker unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode < http.StatusInternalServerError
}

// Get reads the current value of one signal path.
func (c *Client) Get(ctx context.Context, path string) (Signal, error) {
	u := fmt.Sprintf("%s/signals/%s", c.baseURL, url.PathEscape(path))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Signal{}, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Signal{}, fmt.Errorf("get signal %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Signal{}, statusError(resp)
	}
	var sig Signal
	if err := json.NewDecoder(resp.Body).Decode(&sig); err != nil {
		return Signal{}, fmt.Errorf("decode signal %s: %w", path, err)
	}
	if sig.Path == "" {
		sig.Path = path
	}
	return sig, nil
}

// Set writes one signal value.
func (c *Client) Set(ctx context.Context, path string, value any) error {
	body, err := json.Marshal(Signal{Path: path, Value: value})
	if err != nil {
		return fmt.Errorf("marshal signal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/signals", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("set signal %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return statusError(resp)
	}
	return nil
}

func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(b) > 0 {
		return fmt.Errorf("broker returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}
	return fmt.Errorf("broker returned %d", resp.StatusCode)
}
