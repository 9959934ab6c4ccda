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

package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"agentrouter/shared/logger"
)

const (
	// DefaultMaxAttempts is the number of outbound calls per dispatch
	DefaultMaxAttempts = 3
	// DefaultRetryDelay is the fixed wait between attempts
	DefaultRetryDelay = 2 * time.Second
	// DefaultDispatchTimeout bounds a single attempt
	DefaultDispatchTimeout = 60 * time.Second

	maxAgentResponseSize = 10 << 20
	maxConcurrentAgents  = 8
)

// AgentTask is the payload sent to an agent's /run endpoint
type AgentTask struct {
	Prompt         string   `json:"prompt"`
	SessionID      string   `json:"session_id"`
	UserID         string   `json:"user_id,omitempty"`
	SessionContext *Session `json:"session_context"`
}

// DispatchResult is the outcome of one dispatch. It is a value, not an
// error: a failed dispatch is reported here and never panics or returns.
type DispatchResult struct {
	Success          bool                   `json:"success"`
	Agent            string                 `json:"agent"`
	Endpoint         string                 `json:"endpoint"`
	StatusCode       int                    `json:"status_code,omitempty"`
	Body             map[string]interface{} `json:"body,omitempty"`
	Attempts         int                    `json:"attempts"`
	ConnectionFailed bool                   `json:"connection_failed"`
	Error            string                 `json:"error,omitempty"`
	Duration         time.Duration          `json:"duration"`
}

// DispatcherConfig controls retry behavior
type DispatcherConfig struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Timeout     time.Duration
}

// Dispatcher posts tasks to agent endpoints with a bounded number of
// sequential attempts separated by a constant delay. The delay does not
// grow between attempts.
type Dispatcher struct {
	client *http.Client
	config DispatcherConfig
	log    *logger.Logger
}

// NewDispatcher creates a dispatcher. Unset attempts and timeout use the
// defaults; a zero RetryDelay retries immediately.
func NewDispatcher(config DispatcherConfig, log *logger.Logger) *Dispatcher {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultMaxAttempts
	}
	if config.RetryDelay < 0 {
		config.RetryDelay = DefaultRetryDelay
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultDispatchTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		client: &http.Client{},
		config: config,
		log:    log,
	}
}

// Config returns the effective configuration
func (d *Dispatcher) Config() DispatcherConfig {
	return d.config
}

// Dispatch sends task to endpoint. A transport failure, timeout or 5xx
// response consumes an attempt; any other response is returned as is so
// agent-level errors reach the caller inside results.
func (d *Dispatcher) Dispatch(ctx context.Context, agentID, endpoint string, task AgentTask) DispatchResult {
	start := time.Now()
	result := DispatchResult{Agent: agentID, Endpoint: endpoint}
	requestID := requestIDFromContext(ctx)

	payload, err := json.Marshal(task)
	if err != nil {
		result.Error = fmt.Sprintf("failed to marshal task: %v", err)
		result.Duration = time.Since(start)
		return result
	}

	var lastErr error
retry:
	for attempt := 1; attempt <= d.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			d.log.Info(task.SessionID, requestID, "Retrying agent call", map[string]interface{}{
				"agent":   agentID,
				"attempt": attempt,
				"delay":   d.config.RetryDelay.String(),
			})
			select {
			case <-ctx.Done():
				lastErr = fmt.Errorf("cancelled during retry: %w", ctx.Err())
				break retry
			case <-time.After(d.config.RetryDelay):
			}
		}

		result.Attempts = attempt
		status, body, err := d.attempt(ctx, endpoint, payload)
		if err == nil {
			promDispatchAttempts.WithLabelValues(agentID, "success").Inc()
			result.Success = true
			result.StatusCode = status
			result.Body = body
			result.Duration = time.Since(start)
			promDispatchDuration.WithLabelValues(agentID).Observe(float64(result.Duration.Milliseconds()))
			return result
		}

		promDispatchAttempts.WithLabelValues(agentID, "failure").Inc()
		lastErr = err
		result.StatusCode = status
		d.log.Warn(task.SessionID, requestID, "Agent call failed", map[string]interface{}{
			"agent":    agentID,
			"endpoint": endpoint,
			"attempt":  attempt,
			"error":    err.Error(),
		})
	}

	result.ConnectionFailed = true
	if lastErr != nil {
		result.Error = lastErr.Error()
	}
	result.Duration = time.Since(start)
	promDispatchDuration.WithLabelValues(agentID).Observe(float64(result.Duration.Milliseconds()))
	return result
}

// attempt makes one bounded call. It returns an error only for failures worth retrying.
func (d *Dispatcher) attempt(ctx context.Context, endpoint string, payload []byte) (int, map[string]interface{}, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if id := requestIDFromContext(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAgentResponseSize))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.StatusCode, nil, fmt.Errorf("agent returned HTTP %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	return resp.StatusCode, decodeAgentBody(data, resp.StatusCode), nil
}

// decodeAgentBody keeps JSON objects as is and wraps anything else under "response"
func decodeAgentBody(data []byte, status int) map[string]interface{} {
	var obj map[string]interface{}
	if err := json.Unmarshal(data, &obj); err == nil && obj != nil {
		return obj
	}

	var value interface{}
	if err := json.Unmarshal(data, &value); err == nil {
		return map[string]interface{}{"response": value}
	}

	body := map[string]interface{}{"response": string(data)}
	if status >= http.StatusBadRequest {
		body["error"] = fmt.Sprintf("agent returned HTTP %d", status)
	}
	return body
}

// DispatchTarget is one agent of a fan-out
type DispatchTarget struct {
	AgentID  string
	Endpoint string
}

// DispatchMany dispatches task to every target concurrently. Each agent is
// independent: one failure never cancels or rolls back the others.
func (d *Dispatcher) DispatchMany(ctx context.Context, targets []DispatchTarget, task AgentTask) map[string]DispatchResult {
	results := make([]DispatchResult, len(targets))

	var g errgroup.Group
	g.SetLimit(maxConcurrentAgents)
	for i, t := range targets {
		i, t := i, t
		g.Go(func() error {
			results[i] = d.Dispatch(ctx, t.AgentID, t.Endpoint, task)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]DispatchResult, len(targets))
	for _, r := range results {
		out[r.Agent] = r
	}
	return out
}
