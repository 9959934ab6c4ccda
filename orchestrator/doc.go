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


/*
Package orchestrator routes natural-language requests to a small set of
downstream agent services and tracks each conversation across turns.

# Overview

Every agent is a black-box HTTP endpoint that accepts
{"prompt", "session_id", "session_context"} and returns a JSON object.
The orchestrator decides which agent owns a turn, keeps the session state,
dispatches with bounded retries and reports the aggregated result.

# Turn pipeline

	Request → Session Store → Continuation Analyzer → Agent Registry → Dispatcher → Completion Detector

  - The session is loaded; a missing session is the same as an empty one.
  - The ContinuationAnalyzer keeps the active agent when the prompt looks
    like a follow-up answer and otherwise asks the Classifier.
  - The agent endpoint is resolved. An unusable endpoint fails the turn
    with a ConfigurationError and leaves the session untouched.
  - The updated session is persisted before dispatch.
  - The Dispatcher makes up to DISPATCH_MAX_ATTEMPTS calls with a fixed delay.
  - When the CompletionDetector recognises a finished task the session is deleted.

# Classification

The Classifier is two-stage. An LLMClassifier (Gemini, OpenAI, Ollama or
Bedrock) is tried first; on any failure or unrecognised answer the
KeywordClassifier decides. Keyword rules are ordered management, then
architecture, then the advisor default, so "design and create a bucket"
always resolves to the management agent.

# Concurrency

Sessions are independent: the memory store is lock-striped and the redis
store is keyed per session. Two concurrent turns for the same session id
are not ordered or queued; callers must serialize turns per session.

# HTTP API

	POST   /run                      orchestrator turn
	GET    /health                   service health
	GET    /metrics                  JSON metrics
	GET    /prometheus               Prometheus metrics
	GET    /api/v1/agents            agent registry
	GET    /api/v1/agents/health     downstream probe
	GET    /api/v1/sessions/{id}     stored session
	DELETE /api/v1/sessions/{id}     end conversation

POST /run honors an Idempotency-Key header and, when JWT_SECRET is set,
derives user_id from an HS256 bearer token.
*/
package orchestrator
