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


// Package main implements the agentctl CLI, a terminal front-end for the
// agentrouter orchestrator.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"agentrouter/cmd/agentctl/internal/client"
)

var version = "1.0.0"

// options are the flags shared by every subcommand
type options struct {
	baseURL string
	token   string
	userID  string
}

func (o *options) client() *client.Client {
	return client.NewClient(o.baseURL, o.token)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:           "agentctl",
		Short:         "agentrouter CLI tool",
		Long:          `agentctl talks to the agentrouter orchestrator: chat with the agents, send single prompts, end conversations and check agent health.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.baseURL, "url", envOr("AGENTROUTER_URL", client.DefaultBaseURL), "Orchestrator base URL")
	rootCmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("AGENTROUTER_TOKEN"), "Bearer token sent to the orchestrator")
	rootCmd.PersistentFlags().StringVar(&opts.userID, "user", "", "User id sent with each prompt")

	// Add subcommands
	rootCmd.AddCommand(chatCmd(opts))
	rootCmd.AddCommand(sendCmd(opts))
	rootCmd.AddCommand(endCmd(opts))
	rootCmd.AddCommand(agentsCmd(opts))

	return rootCmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
