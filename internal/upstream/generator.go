package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxResponseSize = 32 * 1024 * 1024 // generated media can be large

// HTTPGenerator posts requests to <address>/generate.
type HTTPGenerator struct {
	client  *http.Client
	maxBody int64
}

// NewHTTPGenerator creates an HTTP generator. Deadlines come from the
// caller's context, so the client itself has no timeout.
func NewHTTPGenerator(client *http.Client) *HTTPGenerator {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPGenerator{client: client, maxBody: maxResponseSize}
}

// Generate sends one request and classifies the outcome: 2xx succeeds, 4xx
// is a client error, everything else is transient.
func (g *HTTPGenerator) Generate(ctx context.Context, address string, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Worker: address, Class: ClassClient, Local: true, Err: fmt.Errorf("marshal request: %w", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, address+"/generate", bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Worker: address, Class: ClassServer, Err: fmt.Errorf("create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, &Error{
			Worker:  address,
			Class:   ClassServer,
			Timeout: errors.Is(err, context.DeadlineExceeded),
			Err:     fmt.Errorf("http request failed: %w", err),
		}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, g.maxBody+1))
	if err != nil {
		return nil, &Error{Worker: address, Class: ClassServer, StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err)}
	}
	if int64(len(respBody)) > g.maxBody {
		return nil, &Error{
			Worker:     address,
			Class:      ClassServer,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("response exceeds %d bytes", g.maxBody),
		}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return &Response{
			StatusCode:  resp.StatusCode,
			ContentType: resp.Header.Get("Content-Type"),
			Body:        respBody,
			LatencyMs:   latency,
		}, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return nil, &Error{
			Worker:     address,
			Class:      ClassClient,
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Err:        fmt.Errorf("worker rejected request"),
		}
	default:
		return nil, &Error{
			Worker:     address,
			Class:      ClassServer,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("worker returned HTTP %d", resp.StatusCode),
		}
	}
}
