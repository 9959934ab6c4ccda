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
Package types provides shared type definitions used by the orchestrator
service and the agentctl CLI.

# Agents

Three downstream agents are built in:

  - gcp_advisor_agent: service recommendations, cost estimates, compliance guidance
  - architecture_agent: system architecture design and diagrams
  - gcp_management_agent: resource creation, deletion and configuration

Deployments may register further agents through the registry file; the
constants here only cover the agents the keyword classifier knows about.

# Task Status

A session's task moves through new_task, in_progress and completed.
A completed task causes the session to be deleted.

# Thread Safety

All types in this package are value types and are safe for concurrent use.
*/
package types
