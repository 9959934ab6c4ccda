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
	"time"

	"agentrouter/shared/types"
)

// Turn is one entry of a session's conversation history
type Turn struct {
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	AgentCalled string    `json:"agent_called,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Session is the per-conversation state tracked across user turns.
// A missing session is equivalent to an empty one.
type Session struct {
	SessionID           string           `json:"session_id"`
	ActiveAgent         string           `json:"active_agent,omitempty"`
	LastPrompt          string           `json:"last_prompt"`
	TaskStatus          types.TaskStatus `json:"task_status"`
	ConversationHistory []Turn           `json:"conversation_history"`
	CreatedAt           time.Time        `json:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// Clone returns a deep copy so callers never share history slices with a store
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.ConversationHistory != nil {
		c.ConversationHistory = make([]Turn, len(s.ConversationHistory))
		copy(c.ConversationHistory, s.ConversationHistory)
	}
	return &c
}

// HasActiveTask reports whether an agent currently owns a task in this session
func (s *Session) HasActiveTask() bool {
	return s != nil && s.ActiveAgent != ""
}
