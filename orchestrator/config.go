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
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the service configuration read from the environment
type Config struct {
	Port              string
	AgentRegistryFile string

	SessionBackend string
	RedisURL       string
	SessionTTL     time.Duration

	Dispatch DispatcherConfig

	LLM               LLMConfig
	ClassifierTimeout time.Duration

	DatabaseURL    string
	JWTSecret      string
	IdempotencyTTL time.Duration
}

// Session backends
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// LoadConfig reads the configuration from the process environment
func LoadConfig() (Config, error) {
	return loadConfig(os.Getenv)
}

func loadConfig(lookup func(string) string) (Config, error) {
	cfg := Config{
		Port:              getEnv(lookup, "PORT", "8001"),
		AgentRegistryFile: lookup("AGENT_REGISTRY_FILE"),
		SessionBackend:    strings.ToLower(getEnv(lookup, "SESSION_BACKEND", SessionBackendMemory)),
		RedisURL:          getEnv(lookup, "REDIS_URL", "redis://localhost:6379/0"),
		SessionTTL:        getEnvDuration(lookup, "SESSION_TTL", 24*time.Hour),
		Dispatch: DispatcherConfig{
			MaxAttempts: getEnvInt(lookup, "DISPATCH_MAX_ATTEMPTS", DefaultMaxAttempts),
			RetryDelay:  getEnvDuration(lookup, "DISPATCH_RETRY_DELAY", DefaultRetryDelay),
			Timeout:     getEnvDuration(lookup, "DISPATCH_TIMEOUT", DefaultDispatchTimeout),
		},
		LLM: LLMConfig{
			Provider:       strings.ToLower(lookup("LLM_PROVIDER")),
			GeminiKey:      lookup("GEMINI_API_KEY"),
			GeminiModel:    lookup("GEMINI_MODEL"),
			OpenAIKey:      lookup("OPENAI_API_KEY"),
			OpenAIModel:    lookup("OPENAI_MODEL"),
			OllamaEndpoint: lookup("OLLAMA_ENDPOINT"),
			OllamaModel:    lookup("OLLAMA_MODEL"),
			BedrockRegion:  lookup("BEDROCK_REGION"),
			BedrockModel:   lookup("BEDROCK_MODEL"),
		},
		ClassifierTimeout: getEnvDuration(lookup, "CLASSIFIER_TIMEOUT", 10*time.Second),
		DatabaseURL:       lookup("DATABASE_URL"),
		JWTSecret:         lookup("JWT_SECRET"),
		IdempotencyTTL:    getEnvDuration(lookup, "IDEMPOTENCY_TTL", DefaultIdempotencyTTL),
	}

	switch cfg.SessionBackend {
	case SessionBackendMemory, SessionBackendRedis:
	default:
		return cfg, fmt.Errorf("unsupported SESSION_BACKEND %q (want memory or redis)", cfg.SessionBackend)
	}
	if cfg.Dispatch.MaxAttempts < 1 {
		return cfg, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be at least 1, got %d", cfg.Dispatch.MaxAttempts)
	}

	return cfg, nil
}

func getEnv(lookup func(string) string, key, defaultValue string) string {
	if value := lookup(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(lookup func(string) string, key string, defaultValue int) int {
	value := lookup(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return n
}

// getEnvDuration accepts Go durations ("2s") or a bare number of seconds
func getEnvDuration(lookup func(string) string, key string, defaultValue time.Duration) time.Duration {
	value := lookup(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}
