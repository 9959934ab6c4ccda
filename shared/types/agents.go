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

package types

// AgentID identifies a downstream agent service
type AgentID string

const (
	// AgentAdvisor recommends GCP services, estimates costs and gives compliance guidance
	AgentAdvisor AgentID = "gcp_advisor_agent"
	// AgentArchitecture designs system architectures and diagrams
	AgentArchitecture AgentID = "architecture_agent"
	// AgentManagement creates, deletes and configures GCP resources
	AgentManagement AgentID = "gcp_management_agent"
)

// NotConfiguredSentinel is the endpoint placeholder deployments use for agents
// that are not reachable in that environment.
const NotConfiguredSentinel = "not-set-in-cloud"

// KnownAgents returns the built-in agent identifiers in registry order
func KnownAgents() []AgentID {
	return []AgentID{AgentAdvisor, AgentArchitecture, AgentManagement}
}

// String returns the string representation of the AgentID
func (a AgentID) String() string {
	return string(a)
}

// IsValid returns true if the AgentID is one of the built-in agents
func (a AgentID) IsValid() bool {
	switch a {
	case AgentAdvisor, AgentArchitecture, AgentManagement:
		return true
	default:
		return false
	}
}

// TaskStatus is the lifecycle state of the task owned by a session
type TaskStatus string

const (
	TaskStatusNew        TaskStatus = "new_task"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
)

// String returns the string representation of the TaskStatus
func (s TaskStatus) String() string {
	return string(s)
}

// IsValid returns true if the TaskStatus is a known value
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusNew, TaskStatusInProgress, TaskStatusCompleted:
		return true
	default:
		return false
	}
}
