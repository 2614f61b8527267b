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

	"github.com/orris-inc/sshfwd/internal/forward"
	"github.com/orris-inc/sshfwd/internal/service"
	"github.com/orris-inc/sshfwd/internal/status"
)

// Error is a failed API call.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("api: %d %s", e.StatusCode, e.Message)
}

// Client talks to a running control API.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		hc:      &http.Client{Timeout: timeout},
	}
}

func (c *Client) ListForwards(ctx context.Context, connectionID string) ([]forward.Rule, error) {
	path := "/api/forwards"
	if connectionID != "" {
		path += "?connectionId=" + url.QueryEscape(connectionID)
	}
	var rules []forward.Rule
	return rules, c.do(ctx, http.MethodGet, path, nil, &rules)
}

func (c *Client) AddForward(ctx context.Context, req AddForwardRequest) (forward.Rule, error) {
	var rule forward.Rule
	return rule, c.do(ctx, http.MethodPost, "/api/forwards", req, &rule)
}

func (c *Client) GetForward(ctx context.Context, id string) (forward.Rule, error) {
	var rule forward.Rule
	return rule, c.do(ctx, http.MethodGet, "/api/forwards/"+url.PathEscape(id), nil, &rule)
}

// StartForward starts id, on connectionID when it is not empty.
func (c *Client) StartForward(ctx context.Context, id, connectionID string) (forward.Rule, error) {
	var rule forward.Rule
	return rule, c.do(ctx, http.MethodPost, "/api/forwards/"+url.PathEscape(id)+"/start",
		ConnectionRequest{ConnectionID: connectionID}, &rule)
}

func (c *Client) StopForward(ctx context.Context, id string) (forward.Rule, error) {
	var rule forward.Rule
	return rule, c.do(ctx, http.MethodPost, "/api/forwards/"+url.PathEscape(id)+"/stop", nil, &rule)
}

func (c *Client) DeleteForward(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/forwards/"+url.PathEscape(id), nil, nil)
}

func (c *Client) AutoStart(ctx context.Context, connectionID string) (service.AutoStartResult, error) {
	var res service.AutoStartResult
	return res, c.do(ctx, http.MethodPost, "/api/connections/"+url.PathEscape(connectionID)+"/autostart", nil, &res)
}

func (c *Client) Traffic(ctx context.Context) ([]forward.TrafficStats, error) {
	var stats []forward.TrafficStats
	return stats, c.do(ctx, http.MethodGet, "/api/traffic", nil, &stats)
}

func (c *Client) ResetTraffic(ctx context.Context, id string) (forward.TrafficStats, error) {
	var stats forward.TrafficStats
	return stats, c.do(ctx, http.MethodPost, "/api/traffic/"+url.PathEscape(id)+"/reset", nil, &stats)
}

func (c *Client) Instantiate(ctx context.Context, templateID, connectionID string) (forward.Rule, error) {
	var rule forward.Rule
	return rule, c.do(ctx, http.MethodPost, "/api/templates/"+url.PathEscape(templateID)+"/instantiate",
		ConnectionRequest{ConnectionID: connectionID}, &rule)
}

func (c *Client) Status(ctx context.Context) (*status.Status, error) {
	var st status.Status
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool            `json:"success"`
		Data    json.RawMessage `json:"data"`
		Error   string          `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &Error{StatusCode: resp.StatusCode, Message: fmt.Sprintf("decode response: %v", err)}
	}
	if !env.Success {
		return &Error{StatusCode: resp.StatusCode, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}
