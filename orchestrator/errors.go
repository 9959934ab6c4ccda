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
	"errors"
	"fmt"
)

var (
	// ErrAgentNotConfigured marks an agent whose endpoint is unset or a placeholder
	ErrAgentNotConfigured = errors.New("agent endpoint not configured")
	// ErrUnknownAgent marks an identifier absent from the registry
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrUnrecognizedClassification marks a model answer that names no known agent
	ErrUnrecognizedClassification = errors.New("classification did not name a known agent")
	// ErrMalformedRequest marks an inbound request missing required fields
	ErrMalformedRequest = errors.New("malformed request")
)

// Error types reported in TaskResponse.ErrorType
const (
	ErrorTypeMalformedRequest = "malformed_request"
	ErrorTypeConfiguration    = "configuration_error"
	ErrorTypeDispatchFailure  = "dispatch_failure"
	ErrorTypeInternal         = "internal_error"
	ErrorTypeUnauthorized     = "unauthorized"
	ErrorTypeDuplicateRequest = "duplicate_request"
	ErrorTypeNotFound         = "not_found"
)

// ConfigurationError is returned when an agent cannot be resolved to a usable endpoint
type ConfigurationError struct {
	AgentID string
	Reason  string
	Err     error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("agent '%s' is not configured: %s", e.AgentID, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
