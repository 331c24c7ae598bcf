package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/genmeter/internal/catalog"
	"github.com/mbd888/genmeter/internal/gateway"
	"github.com/mbd888/genmeter/internal/ledger"
)

// Config holds the configuration for connecting to a genmeter gateway.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	APIKey  string // API key, e.g. "sk_..."
	Timeout time.Duration
}

// Client is a plain HTTP client for the genmeter API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client. Generation can queue behind the
// admission interval, so the default timeout is generous.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// APIError is an error response from the gateway.
type APIError struct {
	Status     int
	Code       string `json:"error"`
	Message    string `json:"message"`
	RetryAfter int
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	s := fmt.Sprintf("API error (%d): %s", e.Status, msg)
	if e.RetryAfter > 0 {
		s += fmt.Sprintf(" (retry after %ds)", e.RetryAfter)
	}
	return s
}

// doRequest makes an HTTP request to the gateway and returns the body and headers.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) ([]byte, http.Header, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = string(respBody)
		}
		apiErr.RetryAfter, _ = strconv.Atoi(resp.Header.Get("Retry-After"))
		return nil, nil, apiErr
	}
	return respBody, resp.Header, nil
}

// ListServices returns the price list, optionally for one service type.
func (c *Client) ListServices(ctx context.Context, serviceType string) ([]catalog.Price, error) {
	q := url.Values{}
	if serviceType != "" {
		q.Set("serviceType", serviceType)
	}
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/v1/services", q, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Services []catalog.Price `json:"services"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode services: %w", err)
	}
	return resp.Services, nil
}

// GetBalance returns the caller's account.
func (c *Client) GetBalance(ctx context.Context) (*ledger.Account, error) {
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/v1/balance", nil, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Account *ledger.Account `json:"account"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Account == nil {
		return nil, fmt.Errorf("decode balance: unexpected response")
	}
	return resp.Account, nil
}

// Generation is a decoded generation response.
type Generation struct {
	Result      json.RawMessage  `json:"result"`
	ContentType string           `json:"contentType"`
	Worker      string           `json:"worker"`
	Cache       string           `json:"cache"`
	Charged     int64            `json:"charged"`
	Balances    *ledger.Balances `json:"balances,omitempty"`
	CacheKey    string           `json:"-"`
}

// Generate runs one generation.
func (c *Client) Generate(ctx context.Context, serviceType string, params map[string]any) (*Generation, error) {
	raw, header, err := c.doRequest(ctx, http.MethodPost, "/v1/generate/"+url.PathEscape(serviceType), nil,
		gateway.GenerateBody{Params: params})
	if err != nil {
		return nil, err
	}
	var g Generation
	if err := json.Unmarshal(raw, &g); err != nil {
		return nil, fmt.Errorf("decode generation: %w", err)
	}
	g.CacheKey = header.Get("X-Cache-Key")
	return &g, nil
}

// ListGenerations returns the caller's recent requests.
func (c *Client) ListGenerations(ctx context.Context, limit int) ([]gateway.RequestLog, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	raw, _, err := c.doRequest(ctx, http.MethodGet, "/v1/generations", q, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Generations []gateway.RequestLog `json:"generations"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode generations: %w", err)
	}
	return resp.Generations, nil
}
