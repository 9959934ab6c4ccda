// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package client talks to the orchestrator HTTP API.
package client

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
	"time"

	"github.com/google/uuid"
)

// DefaultBaseURL is the orchestrator address used when none is given
const DefaultBaseURL = "http://localhost:8001"

// Client is a client for the orchestrator API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client

	// sendAttempts bounds retries of a send on transport errors. Every
	// attempt reuses the same Idempotency-Key.
	sendAttempts int
	newKey       func() string
}

// RunRequest is the body of POST /run
type RunRequest struct {
	Prompt          string   `json:"prompt"`
	SessionID       string   `json:"session_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	EndConversation bool     `json:"end_conversation,omitempty"`
	Agents          []string `json:"agents,omitempty"`
}

// RunResponse is the orchestrator reply to one turn
type RunResponse struct {
	Status           string                 `json:"status"`
	AgentCalled      string                 `json:"agent_called,omitempty"`
	AgentsCalled     []string               `json:"agents_called,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	IsContinuation   bool                   `json:"is_continuation"`
	TaskStatus       string                 `json:"task_status,omitempty"`
	Results          map[string]interface{} `json:"results,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ErrorType        string                 `json:"error_type,omitempty"`
	Endpoint         string                 `json:"endpoint,omitempty"`
	ConnectionFailed bool                   `json:"connection_failed,omitempty"`

	// Replayed is set when the orchestrator answered from its idempotency cache
	Replayed bool `json:"-"`
}

// AgentHealth is one entry of GET /api/v1/agents/health
type AgentHealth struct {
	URL     string `json:"url"`
	Healthy bool   `json:"healthy"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// NewClient creates a client for the orchestrator at baseURL. token, when
// set, is sent as a bearer token.
func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
		sendAttempts: 2,
		newKey:       uuid.NewString,
	}
}

// Send runs one turn. The request carries a fresh Idempotency-Key so a
// retried send is never dispatched twice.
func (c *Client) Send(ctx context.Context, req RunRequest) (*RunResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}
	key := c.newKey()

	var lastErr error
	for attempt := 1; attempt <= c.sendAttempts; attempt++ {
		resp, err := c.sendOnce(ctx, body, key)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		var transport *transportError
		if !errors.As(err, &transport) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

type transportError struct{ err error }

func (e *transportError) Error() string { return fmt.Sprintf("executing request: %v", e.err) }
func (e *transportError) Unwrap() error { return e.err }

func (c *Client) sendOnce(ctx context.Context, body []byte, key string) (*RunResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Idempotency-Key", key)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transportError{err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	var out RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding response (HTTP %d): %w", resp.StatusCode, err)
	}
	out.Replayed = resp.Header.Get("Idempotent-Replayed") == "true"

	// Turn-level failures still carry a full body worth rendering
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusConflict {
		return nil, fmt.Errorf("orchestrator rejected request (HTTP %d): %s", resp.StatusCode, out.Error)
	}
	return &out, nil
}

// EndConversation deletes a session on the orchestrator
func (c *Client) EndConversation(ctx context.Context, sessionID string) (*RunResponse, error) {
	if sessionID == "" {
		return nil, errors.New("session id is required")
	}

	var out RunResponse
	if err := c.do(ctx, http.MethodDelete, "/api/v1/sessions/"+url.PathEscape(sessionID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AgentsHealth probes every registered agent through the orchestrator
func (c *Client) AgentsHealth(ctx context.Context) (map[string]AgentHealth, error) {
	out := map[string]AgentHealth{}
	if err := c.do(ctx, http.MethodGet, "/api/v1/agents/health", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("executing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("API error (HTTP %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// setHeaders sets the common headers for orchestrator requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
