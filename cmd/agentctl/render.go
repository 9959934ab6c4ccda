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


package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"agentrouter/cmd/agentctl/internal/client"
)

// renderResponse prints a turn the way a chat front-end would: each agent's
// response field, or its error field when the agent failed.
func renderResponse(w io.Writer, resp *client.RunResponse) {
	if resp.Status != "success" && len(resp.Results) == 0 {
		fmt.Fprintf(w, "error (%s): %s\n", resp.ErrorType, resp.Error)
		return
	}
	if resp.Message != "" && len(resp.Results) == 0 {
		fmt.Fprintln(w, resp.Message)
	}

	agents := make([]string, 0, len(resp.Results))
	for id := range resp.Results {
		agents = append(agents, id)
	}
	sort.Strings(agents)

	for _, id := range agents {
		fmt.Fprintf(w, "[%s] %s\n", id, agentText(resp.Results[id]))
	}

	if resp.Replayed {
		fmt.Fprintln(w, "(replayed)")
	}
	if resp.TaskStatus == "completed" && len(resp.Results) > 0 {
		fmt.Fprintln(w, "Task completed.")
	}
}

// agentText picks the displayable part of one agent's result
func agentText(result interface{}) string {
	if m, ok := result.(map[string]interface{}); ok {
		for _, field := range []string{"response", "error"} {
			if s, ok := m[field].(string); ok && s != "" {
				if field == "error" {
					return "error: " + s
				}
				return s
			}
		}
	}
	if s, ok := result.(string); ok {
		return s
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		return fmt.Sprintf("%v", result)
	}
	return strings.TrimRight(buf.String(), "\n")
}
