// SPDX-License-Identifier: GPL-3.0-or-later

// Copyright (c) 2025 Spruce Health

package callapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sprucehealth/ivrdialer/engine"
)

// DefaultRetryAfter is used when a 429 response carries no retry hint
const DefaultRetryAfter = 60 * time.Second

// Client talks to the call initiation backend over JSON HTTP
type Client struct {
	base   string
	client *http.Client
}

// NewClient creates a client for the backend at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		base: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

type errorDetail struct {
	Error      string   `json:"error"`
	RetryAfter *float64 `json:"retry_after"`
}

// InitiateCall asks the backend to dial req.PhoneNumber
func (c *Client) InitiateCall(ctx context.Context, req engine.CallRequest) (*engine.CallResponse, error) {
	if req.RowData == nil {
		req.RowData = map[string]string{}
	}
	target := c.base + "/initiate-call"
	var out engine.CallResponse
	if err := c.post(ctx, target, req, &out); err != nil {
		return nil, err
	}
	if out.ContactID == "" {
		return nil, &engine.TransportError{Op: "POST", URL: target, Err: errors.New("response has no contact_id")}
	}
	return &out, nil
}

// HangupCall asks the backend to stop the contact
func (c *Client) HangupCall(ctx context.Context, contactID string) error {
	return c.post(ctx, c.base+"/stop-call/"+url.PathEscape(contactID), nil, nil)
}

func (c *Client) post(ctx context.Context, target string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ivrdialer/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return &engine.TransportError{Op: "POST", URL: target, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &engine.TransportError{Op: "POST", URL: target, Status: resp.StatusCode, Err: fmt.Errorf("failed to read response body: %w", err)}
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		detail := parseDetail(data)
		retry := DefaultRetryAfter
		if detail.RetryAfter != nil && *detail.RetryAfter > 0 {
			retry = time.Duration(*detail.RetryAfter * float64(time.Second))
		}
		return &engine.RateLimitedError{RetryAfter: retry, Message: detail.Error}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := parseDetail(data).Error
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &engine.TransportError{Op: "POST", URL: target, Status: resp.StatusCode, Err: errors.New(msg)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &engine.TransportError{Op: "POST", URL: target, Status: resp.StatusCode, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	return nil
}

// parseDetail reads {"detail": {...}} or {"detail": "..."} error bodies
func parseDetail(data []byte) errorDetail {
	var env struct {
		Detail json.RawMessage `json:"detail"`
	}
	if err := json.Unmarshal(data, &env); err != nil || len(env.Detail) == 0 {
		return errorDetail{}
	}
	var d errorDetail
	if err := json.Unmarshal(env.Detail, &d); err == nil {
		return d
	}
	var s string
	if err := json.Unmarshal(env.Detail, &s); err == nil {
		return errorDetail{Error: s}
	}
	return errorDetail{}
}

// MockClient is a test double for capturing initiation calls
type MockClient struct {
	mu    sync.Mutex
	Calls []MockCall
	// ResponseFunc allows tests to control responses
	ResponseFunc func(req engine.CallRequest) (*engine.CallResponse, error)
	Hangups      []string
}

// MockCall records an initiation request
type MockCall struct {
	Request engine.CallRequest
	Time    time.Time
}

// NewMockClient creates a mock. Without a ResponseFunc it answers with
// sequential contact ids contact-1, contact-2, ...
func NewMockClient() *MockClient {
	return &MockClient{}
}

// InitiateCall records the call and returns the configured response
func (m *MockClient) InitiateCall(ctx context.Context, req engine.CallRequest) (*engine.CallResponse, error) {
	m.mu.Lock()
	m.Calls = append(m.Calls, MockCall{Request: req, Time: time.Now()})
	n := len(m.Calls)
	fn := m.ResponseFunc
	m.mu.Unlock()
	if fn == nil {
		return &engine.CallResponse{ContactID: fmt.Sprintf("contact-%d", n)}, nil
	}
	return fn(req)
}

// HangupCall records the hangup
func (m *MockClient) HangupCall(ctx context.Context, contactID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Hangups = append(m.Hangups, contactID)
	return nil
}

// CallCount returns the number of recorded initiation requests
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

var (
	_ engine.Dialer = (*Client)(nil)
	_ engine.Hanger = (*Client)(nil)
	_ engine.Dialer = (*MockClient)(nil)
	_ engine.Hanger = (*MockClient)(nil)
)
