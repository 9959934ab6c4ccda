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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envLookup(env map[string]string) func(string) string {
	return func(key string) string { return env[key] }
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig(envLookup(nil))
	require.NoError(t, err)

	assert.Equal(t, "8001", cfg.Port)
	assert.Equal(t, SessionBackendMemory, cfg.SessionBackend)
	assert.Equal(t, 24*time.Hour, cfg.SessionTTL)
	assert.Equal(t, 3, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Dispatch.RetryDelay)
	assert.Equal(t, 60*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, 10*time.Second, cfg.ClassifierTimeout)
	assert.Equal(t, DefaultIdempotencyTTL, cfg.IdempotencyTTL)
	assert.Empty(t, cfg.LLM.Provider)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadConfig_Overrides(t *testing.T) {
	cfg, err := loadConfig(envLookup(map[string]string{
		"PORT":                  "9000",
		"SESSION_BACKEND":       "Redis",
		"REDIS_URL":             "redis://cache:6379/1",
		"DISPATCH_MAX_ATTEMPTS": "5",
		"DISPATCH_RETRY_DELAY":  "500ms",
		"DISPATCH_TIMEOUT":      "30",
		"LLM_PROVIDER":          "Gemini",
		"GEMINI_API_KEY":        "key",
		"JWT_SECRET":            "s3cret",
	}))
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, SessionBackendRedis, cfg.SessionBackend)
	assert.Equal(t, "redis://cache:6379/1", cfg.RedisURL)
	assert.Equal(t, 5, cfg.Dispatch.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.Dispatch.RetryDelay)
	assert.Equal(t, 30*time.Second, cfg.Dispatch.Timeout)
	assert.Equal(t, "gemini", cfg.LLM.Provider)
	assert.Equal(t, "key", cfg.LLM.GeminiKey)
	assert.Equal(t, "s3cret", cfg.JWTSecret)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig(envLookup(map[string]string{"SESSION_BACKEND": "etcd"}))
	assert.Error(t, err)

	_, err = loadConfig(envLookup(map[string]string{"DISPATCH_MAX_ATTEMPTS": "0"}))
	assert.Error(t, err)
}

func TestGetEnvHelpers_BadValuesUseDefaults(t *testing.T) {
	lookup := envLookup(map[string]string{"N": "abc", "D": "soon"})
	assert.Equal(t, 7, getEnvInt(lookup, "N", 7))
	assert.Equal(t, time.Minute, getEnvDuration(lookup, "D", time.Minute))
	assert.Equal(t, "fallback", getEnv(lookup, "MISSING", "fallback"))
}
