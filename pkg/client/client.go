// Package client is a Go client for the patchgate agent HTTP API.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// DefaultBaseURL matches the agent's default listen address.
const DefaultBaseURL = "http://127.0.0.1:8080"

// Client provides HTTP client functionality to communicate with the patchgate agent
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL  string
	Timeout  time.Duration
	Logger   *slog.Logger // Optional logger for client operations
	TLS      *TLSClientConfig
	Insecure bool   // Skip TLS verification
	Token    string // Sent as a bearer token when set
}

// TLSClientConfig holds TLS configuration for client
type TLSClientConfig struct {
	Enabled    bool   // Enable TLS
	CACert     string // CA certificate file path
	ClientCert string // Client certificate file
	ClientKey  string // Client private key file
	ServerName string // Server name for verification
	SkipVerify bool   // Skip certificate verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 30 * time.Second,
	}
}

// New creates a new patchgate API client with TLS support
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	transport := &http.Transport{}
	if config.TLS != nil && config.TLS.Enabled || config.Insecure {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			config.Logger.Error("TLS setup failed", "error", err)
		} else {
			transport.TLSClientConfig = tlsConfig
		}
	}

	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		logger:  config.Logger,
		client: &http.Client{
			Timeout:   config.Timeout,
			Transport: transport,
		},
	}
}

// BaseURL returns the agent URL requests are sent to.
func (c *Client) BaseURL() string { return c.baseURL }

// Health calls GET /healthz and returns the reported status.
func (c *Client) Health(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/healthz", nil, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Status returns the runtime snapshot.
func (c *Client) Status(ctx context.Context) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Pause pauses the agent's work loop. Idempotent.
func (c *Client) Pause(ctx context.Context) error {
	c.logger.Debug("Pausing runtime", "url", c.baseURL)
	return c.do(ctx, http.MethodPost, "/control/pause", nil, nil)
}

// Resume resumes the agent's work loop. Idempotent.
func (c *Client) Resume(ctx context.Context) error {
	c.logger.Debug("Resuming runtime", "url", c.baseURL)
	return c.do(ctx, http.MethodPost, "/control/resume", nil, nil)
}

// Submit queues a patch. The agent must be paused.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	c.logger.Debug("Submitting patch", "patch_id", req.PatchID, "artifact_uri", req.ArtifactURI)
	var out SubmitResponse
	err := c.do(ctx, http.MethodPost, "/patches", req, &out)
	return out, err
}

// List returns the pending patches in submission order.
func (c *Client) List(ctx context.Context) ([]Patch, error) {
	var out []Patch
	err := c.do(ctx, http.MethodGet, "/patches", nil, &out)
	return out, err
}

// Get returns a single pending patch.
func (c *Client) Get(ctx context.Context, id string) (Patch, error) {
	var out Patch
	err := c.do(ctx, http.MethodGet, "/patches/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Applied returns the patches applied since the agent started.
func (c *Client) Applied(ctx context.Context) ([]AppliedPatch, error) {
	var out []AppliedPatch
	err := c.do(ctx, http.MethodGet, "/patches/applied", nil, &out)
	return out, err
}

// Audit returns the full audit log.
func (c *Client) Audit(ctx context.Context) ([]AuditRecord, error) {
	var out []AuditRecord
	err := c.do(ctx, http.MethodGet, "/patches/audit", nil, &out)
	return out, err
}

// Apply applies a pending patch. An executor failure is reported through
// Result.Status, not as an error.
func (c *Client) Apply(ctx context.Context, id string) (Result, error) {
	c.logger.Debug("Applying patch", "patch_id", id)
	var out Result
	err := c.do(ctx, http.MethodPost, "/patches/"+url.PathEscape(id)+"/apply", nil, &out)
	return out, err
}

// Rollback rolls back a pending patch.
func (c *Client) Rollback(ctx context.Context, id string) (Result, error) {
	c.logger.Debug("Rolling back patch", "patch_id", id)
	var out Result
	err := c.do(ctx, http.MethodPost, "/patches/"+url.PathEscape(id)+"/rollback", nil, &out)
	return out, err
}

// setupClientTLS configures TLS settings for HTTP client
func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{}

	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		return tlsConfig, nil
	}

	if config.TLS != nil {
		if config.TLS.SkipVerify {
			tlsConfig.InsecureSkipVerify = true // #nosec G402 explicit opt-in
		}
		if config.TLS.ServerName != "" {
			tlsConfig.ServerName = config.TLS.ServerName
		}
		if config.TLS.CACert != "" {
			if err := loadCACert(tlsConfig, config.TLS.CACert); err != nil {
				return nil, fmt.Errorf("failed to load CA certificate: %w", err)
			}
		}
		if config.TLS.ClientCert != "" && config.TLS.ClientKey != "" {
			cert, err := tls.LoadX509KeyPair(config.TLS.ClientCert, config.TLS.ClientKey)
			if err != nil {
				return nil, fmt.Errorf("failed to load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
	}

	return tlsConfig, nil
}

// loadCACert loads CA certificate from file and adds it to TLS config
func loadCACert(tlsConfig *tls.Config, caCertPath string) error {
	caCert, err := os.ReadFile(caCertPath) // #nosec G304 operator supplied path
	if err != nil {
		return fmt.Errorf("failed to read CA certificate file: %w", err)
	}

	caCertPool := x509.NewCertPool()
	if !caCertPool.AppendCertsFromPEM(caCert) {
		return fmt.Errorf("failed to parse CA certificate")
	}

	tlsConfig.RootCAs = caCertPool
	return nil
}

// do performs a JSON request and decodes a 2xx body into out when non-nil.
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	u := c.baseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if err := c.handleErrorResponse(resp); err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// handleErrorResponse converts non-2xx responses into *APIError.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		c.logger.Debug("Failed to decode error response", "status", resp.StatusCode)
		return &APIError{StatusCode: resp.StatusCode}
	}

	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: errorResp.Error}
}
