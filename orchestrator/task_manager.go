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
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"agentrouter/shared/logger"
	"agentrouter/shared/types"
)

// Overall turn status values
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// DefaultSessionID is used when a request carries neither session_id nor user_id
const DefaultSessionID = "default_session"

const maxHistoryContent = 2000

// TaskRequest is the inbound body of POST /run
type TaskRequest struct {
	Prompt          string   `json:"prompt"`
	SessionID       string   `json:"session_id,omitempty"`
	UserID          string   `json:"user_id,omitempty"`
	EndConversation bool     `json:"end_conversation,omitempty"`
	Agents          []string `json:"agents,omitempty"`
}

// TaskResponse is the aggregated result of one turn
type TaskResponse struct {
	Status           string                 `json:"status"`
	AgentCalled      string                 `json:"agent_called,omitempty"`
	AgentsCalled     []string               `json:"agents_called,omitempty"`
	SessionID        string                 `json:"session_id,omitempty"`
	IsContinuation   bool                   `json:"is_continuation"`
	TaskStatus       types.TaskStatus       `json:"task_status,omitempty"`
	Results          map[string]interface{} `json:"results,omitempty"`
	Message          string                 `json:"message,omitempty"`
	Error            string                 `json:"error,omitempty"`
	ErrorType        string                 `json:"error_type,omitempty"`
	Endpoint         string                 `json:"endpoint,omitempty"`
	ConnectionFailed bool                   `json:"connection_failed,omitempty"`
}

// TaskManager runs one turn end to end: resolve the session, pick the
// agent, persist, dispatch, detect completion. Turns for different
// sessions may run concurrently. Two concurrent turns for the same session
// are not ordered; callers must serialize turns per session.
type TaskManager struct {
	registry   *AgentRegistry
	store      SessionStore
	analyzer   *ContinuationAnalyzer
	dispatcher *Dispatcher
	completion CompletionDetector
	recorder   TurnRecorder
	metrics    *MetricsCollector
	log        *logger.Logger
	now        func() time.Time
}

// NewTaskManager wires the orchestration components
func NewTaskManager(registry *AgentRegistry, store SessionStore, analyzer *ContinuationAnalyzer, dispatcher *Dispatcher, log *logger.Logger) *TaskManager {
	if log == nil {
		log = logger.Discard()
	}
	return &TaskManager{
		registry:   registry,
		store:      store,
		analyzer:   analyzer,
		dispatcher: dispatcher,
		completion: NewKeywordCompletionDetector(),
		log:        log,
		now:        time.Now,
	}
}

// WithCompletionDetector swaps the completion predicate
func (m *TaskManager) WithCompletionDetector(d CompletionDetector) *TaskManager {
	m.completion = d
	return m
}

// WithRecorder enables the turn audit log
func (m *TaskManager) WithRecorder(r TurnRecorder) *TaskManager {
	m.recorder = r
	return m
}

// WithMetrics enables the JSON metrics snapshot
func (m *TaskManager) WithMetrics(c *MetricsCollector) *TaskManager {
	m.metrics = c
	return m
}

// Store returns the session store
func (m *TaskManager) Store() SessionStore {
	return m.store
}

// ResolveSessionID prefers session_id, then user_id, then DefaultSessionID
func ResolveSessionID(req TaskRequest) string {
	if id := strings.TrimSpace(req.SessionID); id != "" {
		return id
	}
	if id := strings.TrimSpace(req.UserID); id != "" {
		return id
	}
	return DefaultSessionID
}

// Run processes one turn. It never returns nil and never panics: every
// failure becomes a TaskResponse with Status "error".
func (m *TaskManager) Run(ctx context.Context, req TaskRequest) (resp *TaskResponse) {
	start := m.now()
	requestID := requestIDFromContext(ctx)
	path := ""

	defer func() {
		if r := recover(); r != nil {
			m.log.Error(req.SessionID, requestID, "Recovered from panic in turn", map[string]interface{}{
				"panic": fmt.Sprint(r),
			})
			resp = &TaskResponse{
				Status:    StatusError,
				SessionID: req.SessionID,
				Error:     "internal error while processing request",
				ErrorType: ErrorTypeInternal,
			}
		}
		m.finish(ctx, req, resp, path, m.now().Sub(start))
	}()

	if strings.TrimSpace(req.Prompt) == "" {
		return &TaskResponse{
			Status:    StatusError,
			Error:     fmt.Sprintf("%v: prompt is required", ErrMalformedRequest),
			ErrorType: ErrorTypeMalformedRequest,
		}
	}
	if req.UserID == "" {
		req.UserID = userIDFromContext(ctx)
	}

	sessionID := ResolveSessionID(req)
	req.SessionID = sessionID

	if req.EndConversation {
		return m.EndConversation(ctx, sessionID)
	}

	session := m.loadSession(ctx, sessionID)
	m.log.Info(sessionID, requestID, "Session resolved", map[string]interface{}{
		"existing":     session != nil,
		"active_agent": activeAgentOf(session),
	})

	if len(req.Agents) > 0 {
		path = PathExplicit
		return m.runMany(ctx, req, session)
	}

	analysis, err := m.analyzer.Analyze(ctx, req.Prompt, session)
	if err != nil {
		m.log.Error(sessionID, requestID, "Agent selection failed", map[string]interface{}{"error": err.Error()})
		return &TaskResponse{
			Status:    StatusError,
			SessionID: sessionID,
			Error:     fmt.Sprintf("agent selection failed: %v", err),
			ErrorType: ErrorTypeInternal,
		}
	}
	path = analysis.Path
	agentID := analysis.RecommendedAgent

	m.log.Info(sessionID, requestID, "Agent selected", map[string]interface{}{
		"agent":           agentID,
		"path":            analysis.Path,
		"reason":          analysis.Reason,
		"is_continuation": analysis.IsContinuation,
	})

	// Resolve before persisting so a configuration error leaves the session untouched
	endpoint, err := m.registry.Resolve(agentID)
	if err != nil {
		m.log.Error(sessionID, requestID, "Agent endpoint unresolved", map[string]interface{}{
			"agent": agentID,
			"error": err.Error(),
		})
		return &TaskResponse{
			Status:         StatusError,
			AgentCalled:    agentID,
			SessionID:      sessionID,
			IsContinuation: analysis.IsContinuation,
			Error:          err.Error(),
			ErrorType:      ErrorTypeConfiguration,
		}
	}

	updated := m.nextSession(session, sessionID, req.Prompt, agentID, analysis.TaskStatus)
	m.saveSession(ctx, updated)

	result := m.dispatcher.Dispatch(ctx, agentID, endpoint, AgentTask{
		Prompt:         req.Prompt,
		SessionID:      sessionID,
		UserID:         req.UserID,
		SessionContext: updated.Clone(),
	})

	if !result.Success {
		m.log.Error(sessionID, requestID, "Dispatch failed, session kept for retry", map[string]interface{}{
			"agent":    agentID,
			"endpoint": endpoint,
			"attempts": result.Attempts,
			"error":    result.Error,
		})
		return &TaskResponse{
			Status:           StatusError,
			AgentCalled:      agentID,
			SessionID:        sessionID,
			IsContinuation:   analysis.IsContinuation,
			TaskStatus:       updated.TaskStatus,
			Error:            fmt.Sprintf("failed to reach agent '%s': %s", agentID, result.Error),
			ErrorType:        ErrorTypeDispatchFailure,
			Endpoint:         endpoint,
			ConnectionFailed: result.ConnectionFailed,
		}
	}

	status := m.afterDispatch(ctx, updated, map[string]DispatchResult{agentID: result})

	return &TaskResponse{
		Status:         StatusSuccess,
		AgentCalled:    agentID,
		SessionID:      sessionID,
		IsContinuation: analysis.IsContinuation,
		TaskStatus:     status,
		Results:        map[string]interface{}{agentID: result.Body},
	}
}

// runMany dispatches the same prompt to every requested agent
func (m *TaskManager) runMany(ctx context.Context, req TaskRequest, session *Session) *TaskResponse {
	promClassifications.WithLabelValues(PathExplicit).Inc()

	results := make(map[string]interface{}, len(req.Agents))
	var targets []DispatchTarget
	var called []string
	seen := make(map[string]bool, len(req.Agents))
	configFailures := 0

	for _, id := range req.Agents {
		if seen[id] {
			continue
		}
		seen[id] = true
		// Unknown ids are reported in results only; called feeds metric labels
		if m.registry.Known(id) {
			called = append(called, id)
		}

		endpoint, err := m.registry.Resolve(id)
		if err != nil {
			configFailures++
			results[id] = map[string]interface{}{
				"status":     StatusError,
				"error":      err.Error(),
				"error_type": ErrorTypeConfiguration,
			}
			continue
		}
		targets = append(targets, DispatchTarget{AgentID: id, Endpoint: endpoint})
	}

	resp := &TaskResponse{
		AgentCalled:  strings.Join(called, ","),
		AgentsCalled: called,
		SessionID:    req.SessionID,
		Results:      results,
	}

	if len(targets) == 0 {
		resp.Status = StatusError
		resp.Error = "none of the requested agents is configured"
		resp.ErrorType = ErrorTypeConfiguration
		return resp
	}

	updated := m.nextSession(session, req.SessionID, req.Prompt, "", types.TaskStatusNew)
	updated.ConversationHistory[len(updated.ConversationHistory)-1].AgentCalled = resp.AgentCalled
	m.saveSession(ctx, updated)

	dispatched := m.dispatcher.DispatchMany(ctx, targets, AgentTask{
		Prompt:         req.Prompt,
		SessionID:      req.SessionID,
		UserID:         req.UserID,
		SessionContext: updated.Clone(),
	})

	succeeded := make(map[string]DispatchResult, len(dispatched))
	for id, r := range dispatched {
		if r.Success {
			results[id] = r.Body
			succeeded[id] = r
			continue
		}
		results[id] = map[string]interface{}{
			"status":            StatusError,
			"error":             r.Error,
			"endpoint":          r.Endpoint,
			"connection_failed": r.ConnectionFailed,
		}
	}

	if len(succeeded) == 0 {
		resp.Status = StatusError
		resp.Error = "every requested agent failed"
		resp.ErrorType = ErrorTypeDispatchFailure
		resp.ConnectionFailed = true
		return resp
	}

	resp.Status = StatusSuccess
	resp.TaskStatus = m.afterDispatch(ctx, updated, succeeded)
	return resp
}

// afterDispatch deletes the session when every successful response looks
// completed, otherwise records the assistant turns and marks the task in progress.
func (m *TaskManager) afterDispatch(ctx context.Context, session *Session, results map[string]DispatchResult) types.TaskStatus {
	completed := len(results) > 0
	for _, r := range results {
		if !m.completion.LooksCompleted(r.Body) {
			completed = false
			break
		}
	}

	if completed {
		if err := m.store.Delete(ctx, session.SessionID); err != nil {
			m.log.Warn(session.SessionID, requestIDFromContext(ctx), "Failed to delete completed session", map[string]interface{}{
				"error": err.Error(),
			})
		}
		promSessionsDeleted.WithLabelValues("completed").Inc()
		m.log.Info(session.SessionID, requestIDFromContext(ctx), "Task completed, session cleared", nil)
		return types.TaskStatusCompleted
	}

	now := m.now().UTC()
	for _, id := range sortedKeys(results) {
		session.ConversationHistory = append(session.ConversationHistory, Turn{
			Role:        "assistant",
			Content:     assistantContent(results[id].Body),
			AgentCalled: id,
			Timestamp:   now,
		})
	}
	session.TaskStatus = types.TaskStatusInProgress
	session.UpdatedAt = now
	m.saveSession(ctx, session)
	return session.TaskStatus
}

// EndConversation deletes the session without dispatching
func (m *TaskManager) EndConversation(ctx context.Context, sessionID string) *TaskResponse {
	if err := m.store.Delete(ctx, sessionID); err != nil {
		m.log.Error(sessionID, requestIDFromContext(ctx), "Failed to end conversation", map[string]interface{}{
			"error": err.Error(),
		})
		return &TaskResponse{
			Status:    StatusError,
			SessionID: sessionID,
			Error:     fmt.Sprintf("failed to end conversation: %v", err),
			ErrorType: ErrorTypeInternal,
		}
	}
	promSessionsDeleted.WithLabelValues("ended").Inc()
	m.log.Info(sessionID, requestIDFromContext(ctx), "Conversation ended by caller", nil)

	return &TaskResponse{
		Status:     StatusSuccess,
		SessionID:  sessionID,
		TaskStatus: types.TaskStatusCompleted,
		Message:    "Conversation ended",
	}
}

// loadSession treats a store failure like a missing session
func (m *TaskManager) loadSession(ctx context.Context, sessionID string) *Session {
	session, ok, err := m.store.Get(ctx, sessionID)
	if err != nil {
		m.log.Warn(sessionID, requestIDFromContext(ctx), "Session store read failed, continuing without context", map[string]interface{}{
			"store": m.store.Name(),
			"error": err.Error(),
		})
		return nil
	}
	if !ok {
		return nil
	}
	return session
}

// saveSession logs and continues on failure; the turn itself still proceeds
func (m *TaskManager) saveSession(ctx context.Context, session *Session) {
	if err := m.store.Put(ctx, session.SessionID, session); err != nil {
		m.log.Warn(session.SessionID, requestIDFromContext(ctx), "Session store write failed", map[string]interface{}{
			"store": m.store.Name(),
			"error": err.Error(),
		})
	}
}

// nextSession overwrites the turn fields and carries history forward with the user turn appended
func (m *TaskManager) nextSession(prev *Session, sessionID, prompt, agentID string, status types.TaskStatus) *Session {
	now := m.now().UTC()

	next := prev.Clone()
	if next == nil {
		next = &Session{SessionID: sessionID, CreatedAt: now}
	}
	next.SessionID = sessionID
	next.ActiveAgent = agentID
	next.LastPrompt = prompt
	next.TaskStatus = status
	next.UpdatedAt = now
	next.ConversationHistory = append(next.ConversationHistory, Turn{
		Role:        "user",
		Content:     prompt,
		AgentCalled: agentID,
		Timestamp:   now,
	})
	return next
}

func (m *TaskManager) finish(ctx context.Context, req TaskRequest, resp *TaskResponse, path string, latency time.Duration) {
	if resp == nil {
		return
	}
	if m.metrics != nil {
		m.metrics.RecordTurn(resp, path, latency)
	}
	if m.recorder != nil {
		m.recorder.RecordTurn(TurnRecord{
			RequestID:      requestIDFromContext(ctx),
			SessionID:      resp.SessionID,
			UserID:         req.UserID,
			Agent:          resp.AgentCalled,
			Path:           path,
			IsContinuation: resp.IsContinuation,
			Status:         resp.Status,
			ErrorType:      resp.ErrorType,
			ErrorMessage:   resp.Error,
			LatencyMs:      latency.Milliseconds(),
			Timestamp:      m.now().UTC(),
		})
	}
	m.log.InfoWithDuration(resp.SessionID, requestIDFromContext(ctx), "Turn finished", float64(latency.Microseconds())/1000, map[string]interface{}{
		"status": resp.Status,
		"agent":  resp.AgentCalled,
	})
}

// assistantContent extracts the text an agent meant for the user
func assistantContent(body map[string]interface{}) string {
	for _, key := range []string{"response", "message"} {
		if s, ok := body[key].(string); ok && s != "" {
			return truncate(s, maxHistoryContent)
		}
	}
	data, err := json.Marshal(body)
	if err != nil {
		return ""
	}
	return truncate(string(data), maxHistoryContent)
}

func activeAgentOf(s *Session) string {
	if s == nil {
		return ""
	}
	return s.ActiveAgent
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
