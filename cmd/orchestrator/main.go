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


// Package main is the entry point for the agentrouter orchestrator service.
//
// The orchestrator fronts a set of specialist agents behind one
// conversational endpoint:
// - Keeps per-session state so follow-up prompts reach the agent that asked
// - Classifies new tasks by keywords, optionally ahead of an LLM router
// - Dispatches to the chosen agent with bounded retries
// - Clears the session once the agent reports the task complete
//
// Usage:
//
//	./orchestrator
//
// Environment Variables:
//
//	PORT - HTTP server port (default: 8001)
//	GCP_ADVISOR_URL, ARCHITECTURE_URL, GCP_MANAGEMENT_URL - agent endpoints
//	SESSION_BACKEND - memory or redis (default: memory)
//	LLM_PROVIDER - gemini, openai, ollama or bedrock (optional)
//	DATABASE_URL - PostgreSQL turn audit log (optional)
package main

import (
	"agentrouter/orchestrator"
)

func main() {
	orchestrator.Run()
}
