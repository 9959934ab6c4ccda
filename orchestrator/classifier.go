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
	"strings"
	"time"

	"agentrouter/shared/logger"
	"agentrouter/shared/types"
)

// Classifier picks the single agent that should own a fresh task
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// KeywordRule routes prompts containing any keyword to Agent
type KeywordRule struct {
	Agent    string
	Keywords []string
}

// KeywordClassifier is the deterministic stage. Rules are evaluated in
// order and the first match wins, so action verbs (management) outrank
// descriptive ones (architecture); anything else goes to the default agent.
// It always returns exactly one agent and never fails.
type KeywordClassifier struct {
	rules        []KeywordRule
	defaultAgent string
}

// NewKeywordClassifier returns the built-in management > architecture > advisor ordering
func NewKeywordClassifier() *KeywordClassifier {
	return NewKeywordClassifierWithRules([]KeywordRule{
		{Agent: string(types.AgentManagement), Keywords: managementKeywords},
		{Agent: string(types.AgentArchitecture), Keywords: architectureKeywords},
	}, string(types.AgentAdvisor))
}

// NewKeywordClassifierWithRules builds a classifier from custom ordered rules
func NewKeywordClassifierWithRules(rules []KeywordRule, defaultAgent string) *KeywordClassifier {
	return &KeywordClassifier{rules: rules, defaultAgent: defaultAgent}
}

// Classify never returns an error
func (k *KeywordClassifier) Classify(ctx context.Context, prompt string) (string, error) {
	return k.Match(prompt), nil
}

// Match returns the agent of the first matching rule
func (k *KeywordClassifier) Match(prompt string) string {
	lowered := strings.ToLower(prompt)
	for _, rule := range k.rules {
		if containsAnyKeyword(lowered, rule.Keywords) {
			return rule.Agent
		}
	}
	return k.defaultAgent
}

// LLMClassifier is the probabilistic stage: it asks a language model to name
// one registered agent. Any transport failure or unrecognised answer is
// returned as an error for the fallback stage to absorb.
type LLMClassifier struct {
	provider LLMProvider
	registry *AgentRegistry
	timeout  time.Duration
}

// NewLLMClassifier creates a model-backed classifier
func NewLLMClassifier(provider LLMProvider, registry *AgentRegistry, timeout time.Duration) *LLMClassifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &LLMClassifier{provider: provider, registry: registry, timeout: timeout}
}

// Instruction builds the system prompt from the registry so newly
// registered agents become candidates without code changes.
func (c *LLMClassifier) Instruction() string {
	var b strings.Builder
	b.WriteString("You are a classification expert for a multi-agent system. ")
	b.WriteString("Your task is to recommend the best agent for a given user prompt. ")
	b.WriteString("The available agents are:\n")
	for i, a := range c.registry.Agents() {
		fmt.Fprintf(&b, "%d. '%s': %s\n", i+1, a.ID, a.Description)
	}
	b.WriteString("Respond with only the agent's name (e.g., 'gcp_management_agent').")
	return b.String()
}

// Classify queries the model with a bounded timeout
func (c *LLMClassifier) Classify(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.provider.Query(ctx, fmt.Sprintf("Prompt: '%s'", prompt), QueryOptions{
		SystemPrompt: c.Instruction(),
		Temperature:  0,
		MaxTokens:    64,
	})
	if err != nil {
		return "", fmt.Errorf("llm classification via %s: %w", c.provider.Name(), err)
	}

	agent, ok := parseAgentAnswer(resp.Content, c.registry.IDs())
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnrecognizedClassification, truncate(resp.Content, 80))
	}
	return agent, nil
}

// parseAgentAnswer accepts a bare identifier, a quoted one, a JSON string,
// a JSON array (first element) or any of those inside a ```json fence.
func parseAgentAnswer(content string, known []string) (string, bool) {
	s := strings.TrimSpace(content)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	candidate := s
	var list []string
	var single string
	switch {
	case json.Unmarshal([]byte(s), &list) == nil:
		if len(list) == 0 {
			return "", false
		}
		candidate = list[0]
	case json.Unmarshal([]byte(s), &single) == nil:
		candidate = single
	}

	candidate = strings.Trim(strings.TrimSpace(candidate), "'\"`.")
	for _, id := range known {
		if candidate == id {
			return id, true
		}
	}
	return "", false
}

// FallbackClassifier composes a primary and a secondary classifier: the
// secondary runs whenever the primary is absent or fails. With a keyword
// secondary the composition never fails.
type FallbackClassifier struct {
	primary   Classifier
	secondary Classifier
	log       *logger.Logger
}

// WithFallback composes primary and secondary. primary may be nil.
func WithFallback(primary, secondary Classifier, log *logger.Logger) *FallbackClassifier {
	if log == nil {
		log = logger.Discard()
	}
	return &FallbackClassifier{primary: primary, secondary: secondary, log: log}
}

// Classify tries the primary then the secondary
func (f *FallbackClassifier) Classify(ctx context.Context, prompt string) (string, error) {
	if f.primary != nil {
		agent, err := f.primary.Classify(ctx, prompt)
		if err == nil {
			promClassifications.WithLabelValues("llm").Inc()
			return agent, nil
		}
		f.log.Warn("", requestIDFromContext(ctx), "LLM classification degraded, using keyword fallback", map[string]interface{}{
			"error": err.Error(),
		})
	}

	promClassifications.WithLabelValues("fallback").Inc()
	return f.secondary.Classify(ctx, prompt)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
