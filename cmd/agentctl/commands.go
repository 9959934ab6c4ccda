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
	"bufio"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"agentrouter/cmd/agentctl/internal/client"
)

// chatCmd returns the interactive chat command.
func chatCmd(opts *options) *cobra.Command {
	var sessionID string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive conversation",
		Long: `Start an interactive conversation with the orchestrator.

Each line is sent as one prompt. The session id returned by the orchestrator
is kept for the next prompt, so follow-ups reach the agent that asked.

Commands inside the chat:
  /end    end the current conversation and start a new one
  /quit   leave the chat

Examples:
  agentctl chat
  agentctl chat --session my-session --user dana`,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := opts.client()
			out := cmd.OutOrStdout()
			if sessionID == "" {
				sessionID = newSessionID()
			}

			fmt.Fprintf(out, "Connected to %s (session %s). Type /quit to leave.\n", opts.baseURL, sessionID)

			scanner := bufio.NewScanner(cmd.InOrStdin())
			for {
				fmt.Fprint(out, "> ")
				if !scanner.Scan() {
					fmt.Fprintln(out)
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())

				switch line {
				case "":
					continue
				case "/quit", "/exit":
					return nil
				case "/end":
					resp, err := c.EndConversation(cmd.Context(), sessionID)
					if err != nil {
						fmt.Fprintf(out, "error: %v\n", err)
						continue
					}
					renderResponse(out, resp)
					sessionID = newSessionID()
					fmt.Fprintf(out, "New session %s\n", sessionID)
					continue
				}

				resp, err := c.Send(cmd.Context(), client.RunRequest{
					Prompt:    line,
					SessionID: sessionID,
					UserID:    opts.userID,
				})
				if err != nil {
					fmt.Fprintf(out, "error: %v\n", err)
					continue
				}
				if resp.SessionID != "" {
					sessionID = resp.SessionID
				}
				renderResponse(out, resp)
			}
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id to resume (default: a new one)")

	return cmd
}

// sendCmd returns the command for sending a single prompt.
func sendCmd(opts *options) *cobra.Command {
	var sessionID string
	var agents []string

	cmd := &cobra.Command{
		Use:   "send <prompt>",
		Short: "Send one prompt to the orchestrator",
		Long: `Send one prompt and print each agent's reply.

Examples:
  agentctl send "what is pub/sub"
  agentctl send --session s-1 "us-central1"
  agentctl send --agent gcp_advisor_agent --agent architecture_agent "compare storage options"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().Send(cmd.Context(), client.RunRequest{
				Prompt:    strings.Join(args, " "),
				SessionID: sessionID,
				UserID:    opts.userID,
				Agents:    agents,
			})
			if err != nil {
				return err
			}

			renderResponse(cmd.OutOrStdout(), resp)
			if resp.Status != "success" {
				return fmt.Errorf("turn failed: %s", resp.ErrorType)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "Session id")
	cmd.Flags().StringSliceVarP(&agents, "agent", "a", nil, "Send to these agents concurrently instead of routing")

	return cmd
}

// endCmd returns the command for ending a conversation.
func endCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "end <session>",
		Short: "End a conversation",
		Long: `End a conversation so the next prompt starts a new task.

Examples:
  agentctl end s-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := opts.client().EndConversation(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("failed to end conversation: %w", err)
			}
			renderResponse(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	return cmd
}

// agentsCmd returns the command for checking agent health.
func agentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agents",
		Short: "Show registered agents and their health",
		Long: `Probe every registered agent through the orchestrator.

Examples:
  agentctl agents`,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := opts.client().AgentsHealth(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to probe agents: %w", err)
			}

			out := cmd.OutOrStdout()
			ids := make([]string, 0, len(health))
			for id := range health {
				ids = append(ids, id)
			}
			sort.Strings(ids)

			fmt.Fprintf(out, "Agents (%d):\n", len(ids))
			fmt.Fprintln(out, strings.Repeat("-", 60))
			for _, id := range ids {
				h := health[id]
				line := fmt.Sprintf("%-24s %-15s %s", id, h.Status, h.URL)
				if h.Error != "" {
					line += "  (" + h.Error + ")"
				}
				fmt.Fprintln(out, line)
			}
			fmt.Fprintln(out, strings.Repeat("-", 60))
			return nil
		},
	}

	return cmd
}

func newSessionID() string {
	return "cli-" + uuid.NewString()[:8]
}
