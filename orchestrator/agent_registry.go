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
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"agentrouter/shared/types"
)

// AgentEndpoint describes one downstream agent service
type AgentEndpoint struct {
	ID          string `yaml:"id" json:"id"`
	Endpoint    string `yaml:"endpoint" json:"endpoint"`
	Description string `yaml:"description" json:"description"`
}

// AgentRegistryFile is the on-disk registry format
type AgentRegistryFile struct {
	Agents []AgentEndpoint `yaml:"agents"`
}

// AgentRegistry maps agent identifiers to endpoints. Lookups never block on
// the network; an unusable endpoint fails immediately with a ConfigurationError.
type AgentRegistry struct {
	mu     sync.RWMutex
	agents map[string]*AgentEndpoint
	order  []string
}

// NewAgentRegistry creates an empty registry
func NewAgentRegistry() *AgentRegistry {
	return &AgentRegistry{
		agents: make(map[string]*AgentEndpoint),
	}
}

// builtinAgents carries the default endpoints of a local deployment
var builtinAgents = []AgentEndpoint{
	{
		ID:          string(types.AgentAdvisor),
		Endpoint:    "http://localhost:8002/run",
		Description: "Recommends GCP services, provides cost estimates, compliance guidance and helps choose between GCP services.",
	},
	{
		ID:          string(types.AgentArchitecture),
		Endpoint:    "http://localhost:8003/run",
		Description: "Designs system architectures, creates diagrams, and advises on design patterns, scalability and system structure.",
	},
	{
		ID:          string(types.AgentManagement),
		Endpoint:    "http://localhost:8004/run",
		Description: "Manages GCP resources: creates, deletes and configures storage buckets, Firestore databases and compute instances.",
	},
}

// agentEnvVars are the deployment variables for the built-in agents
var agentEnvVars = map[string]string{
	string(types.AgentAdvisor):      "GCP_ADVISOR_URL",
	string(types.AgentArchitecture): "ARCHITECTURE_URL",
	string(types.AgentManagement):   "GCP_MANAGEMENT_URL",
}

// DefaultAgentRegistry returns a registry holding the built-in agents
func DefaultAgentRegistry() *AgentRegistry {
	r := NewAgentRegistry()
	for _, a := range builtinAgents {
		r.Register(a.ID, a.Endpoint, a.Description)
	}
	return r
}

// Register adds or replaces an agent
func (r *AgentRegistry) Register(id, endpoint, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[id]; !exists {
		r.order = append(r.order, id)
	}
	r.agents[id] = &AgentEndpoint{ID: id, Endpoint: endpoint, Description: description}
}

// SetEndpoint changes the endpoint of a registered agent
func (r *AgentRegistry) SetEndpoint(id, endpoint string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	agent.Endpoint = endpoint
	return nil
}

// LoadFromFile merges agents from a YAML registry file. Entries for known
// agents keep their description when the file omits one.
func (r *AgentRegistry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read agent registry %s: %w", path, err)
	}

	var file AgentRegistryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse agent registry %s: %w", path, err)
	}

	for i, a := range file.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agent registry %s: entry %d has no id", path, i)
		}
		description := a.Description
		if description == "" {
			if existing, ok := r.Lookup(a.ID); ok {
				description = existing.Description
			}
		}
		r.Register(a.ID, a.Endpoint, description)
	}
	return nil
}

// ApplyEnvOverrides replaces endpoints with deployment variables. Built-in
// agents use their historical names (GCP_ADVISOR_URL, ...); any agent may
// also be set through <UPPER_ID>_URL.
func (r *AgentRegistry) ApplyEnvOverrides(lookup func(string) string) {
	for _, id := range r.IDs() {
		names := []string{strings.ToUpper(id) + "_URL"}
		if legacy, ok := agentEnvVars[id]; ok {
			names = append([]string{legacy}, names...)
		}
		for _, name := range names {
			if v := lookup(name); v != "" {
				_ = r.SetEndpoint(id, v)
				break
			}
		}
	}
}

// Lookup returns a copy of an agent's registration
func (r *AgentRegistry) Lookup(id string) (AgentEndpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[id]
	if !ok {
		return AgentEndpoint{}, false
	}
	return *a, true
}

// Known reports whether id is registered
func (r *AgentRegistry) Known(id string) bool {
	_, ok := r.Lookup(id)
	return ok
}

// Resolve returns the endpoint URL of an agent or a *ConfigurationError
func (r *AgentRegistry) Resolve(id string) (string, error) {
	a, ok := r.Lookup(id)
	if !ok {
		return "", &ConfigurationError{AgentID: id, Reason: "agent is not registered", Err: ErrUnknownAgent}
	}

	endpoint := strings.TrimSpace(a.Endpoint)
	if endpoint == "" || endpoint == types.NotConfiguredSentinel {
		return "", &ConfigurationError{AgentID: id, Reason: "its URL is not set", Err: ErrAgentNotConfigured}
	}

	u, err := url.Parse(endpoint)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", &ConfigurationError{AgentID: id, Reason: fmt.Sprintf("invalid endpoint URL %q", endpoint), Err: ErrAgentNotConfigured}
	}

	return endpoint, nil
}

// IDs returns agent identifiers in registration order
func (r *AgentRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Agents returns copies of every registration in registration order
func (r *AgentRegistry) Agents() []AgentEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]AgentEndpoint, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.agents[id])
	}
	return out
}
