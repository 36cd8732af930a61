// Package client is a Go client for the framed control API. The CLI uses it
// against the local daemon; it speaks the same response envelope the API
// emits, so API errors surface as typed *APIError values.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIError is a failure envelope returned by the daemon.
type APIError struct {
	Code    string
	Message string
	Status  int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client talks to one framed daemon.
type Client struct {
	base  string
	token string
	http  *http.Client
}

// New returns a client for the daemon at baseURL (e.g.
// "http://127.0.0.1:30000"). token may be empty for read-only use.
func New(baseURL, token string) *Client {
	return &Client{
		base:  baseURL,
		token: token,
		http:  &http.Client{Timeout: 60 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reqBody)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request to daemon failed: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("undecodable response from daemon (status %d): %w", resp.StatusCode, err)
	}
	if !env.Success {
		return &APIError{Code: env.Code, Message: env.Error, Status: resp.StatusCode}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("unexpected response payload: %w", err)
		}
	}
	return nil
}

// DaemonStatus mirrors GET /status.
type DaemonStatus struct {
	State         string         `json:"state"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Instances     map[string]int `json:"instances"`
	Ports         struct {
		RangeStart int `json:"range_start"`
		RangeEnd   int `json:"range_end"`
		Allocated  int `json:"allocated"`
		Available  int `json:"available"`
	} `json:"ports"`
}

func (c *Client) Status(ctx context.Context) (DaemonStatus, error) {
	var out DaemonStatus
	err := c.do(ctx, http.MethodGet, "/status", nil, &out)
	return out, err
}

// Instance mirrors one entry of GET /instances.
type Instance struct {
	Tenant       string `json:"tenant"`
	State        string `json:"state"`
	Port         int    `json:"port"`
	PID          int    `json:"pid"`
	Package      string `json:"package"`
	RestartCount int    `json:"restart_count"`
	Usage        struct {
		MemoryBytes int64   `json:"memory_bytes"`
		CPUPercent  float64 `json:"cpu_percent"`
	} `json:"usage"`
}

func (c *Client) Instances(ctx context.Context) ([]Instance, error) {
	var out struct {
		Instances []Instance `json:"instances"`
	}
	err := c.do(ctx, http.MethodGet, "/instances", nil, &out)
	return out.Instances, err
}

// InstanceDetail mirrors GET /instances/{tenant}.
type InstanceDetail struct {
	Instance
	UptimeSeconds int64    `json:"uptime_seconds"`
	Apps          []string `json:"apps"`
}

func (c *Client) Instance(ctx context.Context, tenant string) (InstanceDetail, error) {
	var out InstanceDetail
	err := c.do(ctx, http.MethodGet, "/instances/"+tenant, nil, &out)
	return out, err
}

// StartResult mirrors the start/restart payload.
type StartResult struct {
	Port int `json:"port"`
	PID  int `json:"pid"`
}

func (c *Client) Start(ctx context.Context, tenant string) (StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/instances/"+tenant+"/start", nil, &out)
	return out, err
}

// StopResult reports whether a process was actually stopped.
type StopResult struct {
	Stopped bool   `json:"stopped"`
	Code    string `json:"code"`
}

func (c *Client) Stop(ctx context.Context, tenant string) (StopResult, error) {
	var out StopResult
	err := c.do(ctx, http.MethodPost, "/instances/"+tenant+"/stop", nil, &out)
	return out, err
}

func (c *Client) Restart(ctx context.Context, tenant string) (StartResult, error) {
	var out StartResult
	err := c.do(ctx, http.MethodPost, "/instances/"+tenant+"/restart", nil, &out)
	return out, err
}

func (c *Client) Logs(ctx context.Context, tenant string, count int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	path := fmt.Sprintf("/instances/%s/logs?count=%d", tenant, count)
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Lines, err
}

func (c *Client) CreateInstance(ctx context.Context, tenant, pkg string) error {
	var body any
	if pkg != "" {
		body = map[string]string{"package": pkg}
	}
	return c.do(ctx, http.MethodPut, "/instances/"+tenant, body, nil)
}

func (c *Client) RemoveInstance(ctx context.Context, tenant string) error {
	return c.do(ctx, http.MethodDelete, "/instances/"+tenant, nil, nil)
}

// PortSnapshot mirrors GET /ports.
type PortSnapshot struct {
	RangeStart int            `json:"range_start"`
	RangeEnd   int            `json:"range_end"`
	Allocated  int            `json:"allocated"`
	Available  int            `json:"available"`
	Ports      map[string]int `json:"ports"`
}

func (c *Client) Ports(ctx context.Context) (PortSnapshot, error) {
	var out PortSnapshot
	err := c.do(ctx, http.MethodGet, "/ports", nil, &out)
	return out, err
}

func (c *Client) AllocatePort(ctx context.Context, tenant string) (int, error) {
	var out struct {
		Port int `json:"port"`
	}
	err := c.do(ctx, http.MethodPost, "/ports/allocate", map[string]string{"tenant": tenant}, &out)
	return out.Port, err
}

func (c *Client) ReleasePort(ctx context.Context, tenant string) (bool, error) {
	var out struct {
		Released bool `json:"released"`
	}
	err := c.do(ctx, http.MethodPost, "/ports/release", map[string]string{"tenant": tenant}, &out)
	return out.Released, err
}

func (c *Client) ReloadConfig(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/config/reload", nil, nil)
}

// Event mirrors one entry of GET /events.
type Event struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Tenant    string `json:"tenant"`
	Timestamp int64  `json:"timestamp"`
	Fields    string `json:"fields"`
}

func (c *Client) Events(ctx context.Context, tenant string, limit int) ([]Event, error) {
	var out struct {
		Events []Event `json:"events"`
	}
	path := fmt.Sprintf("/events?limit=%d", limit)
	if tenant != "" {
		path += "&tenant=" + tenant
	}
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out.Events, err
}
