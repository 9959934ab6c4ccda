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
Package logger writes one JSON object per line to stdout for the
orchestrator service and its CLI.

# Entry fields

	timestamp    RFC3339Nano
	level        DEBUG, INFO, WARN or ERROR
	component    set by New
	instance_id  from INSTANCE_ID
	container    from the hostname
	session_id   conversation the entry belongs to (omitted when empty)
	request_id   turn the entry belongs to
	message
	fields       free-form

# Usage

	log := logger.New("orchestrator")

	log.Info(sessionID, requestID, "Agent selected", map[string]interface{}{
	    "agent": "architecture_agent",
	    "path":  "fallback",
	})

	log.ErrorWithCode(sessionID, requestID, "Dispatch failed", 502, err, nil)

	log.InfoWithDuration(sessionID, requestID, "Turn completed",
	    float64(time.Since(start).Milliseconds()), nil)

A session-less event passes "" for the session id.

Tests either call Discard or redirect entries with SetOutput and decode the
lines they care about. A Logger may be shared between goroutines.
*/
package logger
