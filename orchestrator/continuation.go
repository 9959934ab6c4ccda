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
	"strings"

	"agentrouter/shared/types"
)

// Selection paths reported in logs and metrics
const (
	PathContinuation = "continuation"
	PathClassified   = "classified"
	PathExplicit     = "explicit"
)

// Analysis is the ephemeral routing decision for one turn
type Analysis struct {
	IsContinuation   bool             `json:"is_continuation"`
	ActiveAgent      string           `json:"active_agent,omitempty"`
	TaskStatus       types.TaskStatus `json:"task_status"`
	RecommendedAgent string           `json:"recommended_agent"`
	Path             string           `json:"path"`
	// Reason names the rule that decided the turn
	Reason string `json:"reason"`
}

// ContinuationAnalyzer decides whether a prompt continues the session's
// in-progress task or starts a new one. It is a conservative layered
// keyword heuristic, not a learned model: ambiguous prompts are reclassified.
type ContinuationAnalyzer struct {
	classifier Classifier
	triggers   []string
	cues       map[string]CueSet
}

// NewContinuationAnalyzer uses the built-in trigger and cue sets
func NewContinuationAnalyzer(classifier Classifier) *ContinuationAnalyzer {
	return &ContinuationAnalyzer{
		classifier: classifier,
		triggers:   newTaskTriggers,
		cues:       defaultContinuationCues(),
	}
}

// WithCues replaces the continuation cues of one agent
func (a *ContinuationAnalyzer) WithCues(agentID string, cues CueSet) *ContinuationAnalyzer {
	a.cues[agentID] = cues
	return a
}

// Analyze applies, in order: no session, new-task trigger, continuation cue, default reclassify
func (a *ContinuationAnalyzer) Analyze(ctx context.Context, prompt string, session *Session) (Analysis, error) {
	if !session.HasActiveTask() {
		return a.reclassify(ctx, prompt, "no active task")
	}

	lowered := strings.ToLower(prompt)
	if containsAnyKeyword(lowered, a.triggers) {
		return a.reclassify(ctx, prompt, "new task trigger")
	}

	if cues, ok := a.cues[session.ActiveAgent]; ok && cues.Matches(lowered) {
		promClassifications.WithLabelValues(PathContinuation).Inc()
		return Analysis{
			IsContinuation:   true,
			ActiveAgent:      session.ActiveAgent,
			TaskStatus:       types.TaskStatusInProgress,
			RecommendedAgent: session.ActiveAgent,
			Path:             PathContinuation,
			Reason:           "continuation cue",
		}, nil
	}

	return a.reclassify(ctx, prompt, "no continuation cue")
}

func (a *ContinuationAnalyzer) reclassify(ctx context.Context, prompt, reason string) (Analysis, error) {
	agent, err := a.classifier.Classify(ctx, prompt)
	if err != nil {
		return Analysis{}, err
	}
	return Analysis{
		IsContinuation:   false,
		TaskStatus:       types.TaskStatusNew,
		RecommendedAgent: agent,
		Path:             PathClassified,
		Reason:           reason,
	}, nil
}
