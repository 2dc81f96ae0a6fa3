package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"gpufleet/internal/addrutil"
	"gpufleet/internal/model"
)

// Client is a thin HTTP client for the aggregator query surface.
type Client struct {
	baseURL string
	http    *http.Client
}

// APIError is returned for non-2xx responses.
type APIError struct {
	StatusCode int
	Status     string
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("request failed: %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("request failed: %s", e.Status)
}

// NewClient creates a client for the given base URL (e.g. http://host:port).
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(BaseURL(baseURL), "/"),
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Hosts fetches every known host with its derived liveness.
func (c *Client) Hosts(ctx context.Context) (HostsResponse, error) {
	var resp HostsResponse
	if err := c.getJSON(ctx, "/api/gpu-stats", &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Host fetches a single host.
func (c *Client) Host(ctx context.Context, hostname string) (HostStatus, error) {
	var resp HostStatus
	if err := c.getJSON(ctx, "/api/hosts/"+url.PathEscape(hostname), &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// KillProcesses dispatches a kill command. Success means dispatched, not completed.
func (c *Client) KillProcesses(ctx context.Context, req KillRequest) (KillResponse, error) {
	var resp KillResponse
	if err := c.postJSON(ctx, "/api/kill-processes", req, &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// Command fetches the tracked state of a dispatched command.
func (c *Client) Command(ctx context.Context, commandID string) (model.CommandRecord, error) {
	var resp model.CommandRecord
	if err := c.getJSON(ctx, "/api/commands/"+url.PathEscape(commandID), &resp); err != nil {
		return resp, err
	}
	return resp, nil
}

// ReportSnapshot pushes one snapshot without a duplex connection.
func (c *Client) ReportSnapshot(ctx context.Context, snap model.HostSnapshot) error {
	return c.postJSON(ctx, "/api/report-gpu-stats", snap, nil)
}

func (c *Client) postJSON(ctx context.Context, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(res.Body)
		apiErr := &APIError{
			StatusCode: res.StatusCode,
			Status:     res.Status,
			Body:       strings.TrimSpace(string(body)),
		}
		var parsed ErrorResponse
		if json.Unmarshal(body, &parsed) == nil {
			apiErr.Code = parsed.Code
		}
		return apiErr
	}

	if out == nil {
		return nil
	}

	decoder := json.NewDecoder(res.Body)
	return decoder.Decode(out)
}

// BaseURL turns "host[:port]" into an http URL, leaving full URLs as they are.
func BaseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addrutil.WithDefaultPort(addr, DefaultPort)
}

// AgentSocketURL derives the websocket URL agents dial from an aggregator address.
func AgentSocketURL(addr string) string {
	base := strings.TrimRight(BaseURL(addr), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	default:
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + AgentSocketPath
}
