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
	"encoding/json"
	"strings"

	"agentrouter/shared/types"
)

// CompletionDetector decides whether an agent response finished the session's task.
// Implementations must return false when unsure.
type CompletionDetector interface {
	LooksCompleted(response map[string]interface{}) bool
}

// defaultCompletionPhrases are scanned in the lowercased JSON text of a response
var defaultCompletionPhrases = []string{
	"successfully created",
	"successfully deleted",
	"created successfully",
	"deleted successfully",
	"successfully configured",
	"has been created",
	"has been deleted",
	"task completed",
	"task is complete",
}

// KeywordCompletionDetector honors an explicit task_status field and
// otherwise scans the serialized response for completion phrases.
type KeywordCompletionDetector struct {
	phrases []string
}

// NewKeywordCompletionDetector uses phrases, or the defaults when none are given
func NewKeywordCompletionDetector(phrases ...string) *KeywordCompletionDetector {
	if len(phrases) == 0 {
		phrases = defaultCompletionPhrases
	}
	lowered := make([]string, len(phrases))
	for i, p := range phrases {
		lowered[i] = strings.ToLower(p)
	}
	return &KeywordCompletionDetector{phrases: lowered}
}

// LooksCompleted reports whether response signals a finished task
func (k *KeywordCompletionDetector) LooksCompleted(response map[string]interface{}) bool {
	if len(response) == 0 {
		return false
	}

	if status, ok := response["task_status"].(string); ok {
		return status == string(types.TaskStatusCompleted)
	}

	data, err := json.Marshal(response)
	if err != nil {
		return false
	}
	text := strings.ToLower(string(data))
	for _, p := range k.phrases {
		if strings.Contains(text, p) {
			return true
		}
	}
	return false
}
