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
Command orchestrator runs the agentrouter orchestrator service.

# Usage

	orchestrator

# Environment Variables

Agents:
  - GCP_ADVISOR_URL: general cloud questions
  - ARCHITECTURE_URL: design and diagram requests
  - GCP_MANAGEMENT_URL: resource create/delete/configure tasks
  - AGENT_REGISTRY_FILE: YAML file registering more agents; each one is
    also settable through <UPPER_ID>_URL

An agent whose URL is unset or equals "not-set-in-cloud" is reported as not
configured and never contacted.

Sessions:
  - SESSION_BACKEND: memory (default) or redis
  - REDIS_URL: redis connection URL (default: redis://localhost:6379/0)
  - SESSION_TTL: idle session lifetime (default: 24h)

Dispatch:
  - DISPATCH_MAX_ATTEMPTS: attempts per agent call (default: 3)
  - DISPATCH_RETRY_DELAY: pause between attempts (default: 2s)
  - DISPATCH_TIMEOUT: per-attempt timeout (default: 60s)

Classification:
  - LLM_PROVIDER: gemini, openai, ollama or bedrock. Without it, prompts are
    routed by keywords alone.
  - GEMINI_API_KEY, OPENAI_API_KEY, OLLAMA_ENDPOINT, BEDROCK_REGION and the
    matching *_MODEL variables
  - CLASSIFIER_TIMEOUT: LLM routing deadline (default: 10s)

Optional:
  - DATABASE_URL: PostgreSQL connection string for the turn audit log
  - JWT_SECRET: HS256 secret; when set, bearer tokens on /run supply the user id
  - IDEMPOTENCY_TTL: how long Idempotency-Key replays are kept (default: 2m)

# Endpoints

	POST   /run                     orchestrate one turn
	GET    /health                  service health
	GET    /metrics                 JSON metrics snapshot
	GET    /prometheus              Prometheus exposition
	GET    /api/v1/agents           registered agents
	GET    /api/v1/agents/health    live agent probes
	GET    /api/v1/sessions/{id}    session state
	DELETE /api/v1/sessions/{id}    end a conversation
*/
package main
