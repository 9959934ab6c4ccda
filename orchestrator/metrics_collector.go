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
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics
var (
	promRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_turns_total",
			Help: "Total number of orchestrator turns",
		},
		[]string{"status", "agent"},
	)
	promRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrouter_turn_duration_milliseconds",
			Help:    "Orchestrator turn duration in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"status"},
	)
	promClassifications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_classifications_total",
			Help: "Agent selections by path (llm, fallback, continuation, explicit)",
		},
		[]string{"path"},
	)
	promDispatchAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_dispatch_attempts_total",
			Help: "Outbound agent calls by agent and outcome",
		},
		[]string{"agent", "outcome"},
	)
	promDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentrouter_dispatch_duration_milliseconds",
			Help:    "Dispatch duration including retries in milliseconds",
			Buckets: []float64{10, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000},
		},
		[]string{"agent"},
	)
	promSessionsDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentrouter_sessions_deleted_total",
			Help: "Sessions removed by reason (completed, ended)",
		},
		[]string{"reason"},
	)
)

func init() {
	prometheus.MustRegister(promRequestsTotal)
	prometheus.MustRegister(promRequestDuration)
	prometheus.MustRegister(promClassifications)
	prometheus.MustRegister(promDispatchAttempts)
	prometheus.MustRegister(promDispatchDuration)
	prometheus.MustRegister(promSessionsDeleted)
}

const maxLatencySamples = 1000

// MetricsCollector aggregates per-agent turn metrics for the JSON /metrics endpoint
type MetricsCollector struct {
	mu        sync.RWMutex
	startTime time.Time
	agents    map[string]*agentStats
	paths     map[string]int64

	totalTurns   int64
	successTurns int64
	failedTurns  int64
}

type agentStats struct {
	turns         int64
	failures      int64
	continuations int64
	latencies     []int64
}

// AgentMetrics is the per-agent section of a snapshot
type AgentMetrics struct {
	Turns         int64   `json:"turns"`
	Failures      int64   `json:"failures"`
	Continuations int64   `json:"continuations"`
	AvgLatencyMs  float64 `json:"avg_latency_ms"`
	P95LatencyMs  float64 `json:"p95_latency_ms"`
}

// MetricsSnapshot is the JSON body of /metrics
type MetricsSnapshot struct {
	UptimeSeconds  int64                   `json:"uptime_seconds"`
	TotalTurns     int64                   `json:"total_turns"`
	SuccessTurns   int64                   `json:"success_turns"`
	FailedTurns    int64                   `json:"failed_turns"`
	SelectionPaths map[string]int64        `json:"selection_paths"`
	Agents         map[string]AgentMetrics `json:"agents"`
	Timestamp      time.Time               `json:"timestamp"`
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		startTime: time.Now(),
		agents:    make(map[string]*agentStats),
		paths:     make(map[string]int64),
	}
}

// RecordTurn records one completed turn
func (c *MetricsCollector) RecordTurn(resp *TaskResponse, path string, latency time.Duration) {
	if resp == nil {
		return
	}
	latencyMs := latency.Milliseconds()

	agents := agentsOf(resp)
	if len(agents) == 0 {
		promRequestsTotal.WithLabelValues(resp.Status, "").Inc()
	}
	for _, agent := range agents {
		promRequestsTotal.WithLabelValues(resp.Status, agent).Inc()
	}
	promRequestDuration.WithLabelValues(resp.Status).Observe(float64(latencyMs))

	c.mu.Lock()
	defer c.mu.Unlock()

	c.totalTurns++
	if resp.Status == StatusSuccess {
		c.successTurns++
	} else {
		c.failedTurns++
	}
	if path != "" {
		c.paths[path]++
	}

	for _, agent := range agents {
		c.recordAgent(agent, resp, latencyMs)
	}
}

// agentsOf lists the agents a turn reached: each fan-out target, or the
// single routed agent
func agentsOf(resp *TaskResponse) []string {
	if len(resp.AgentsCalled) > 0 {
		return resp.AgentsCalled
	}
	if resp.AgentCalled == "" {
		return nil
	}
	return []string{resp.AgentCalled}
}

func (c *MetricsCollector) recordAgent(agent string, resp *TaskResponse, latencyMs int64) {
	stats, ok := c.agents[agent]
	if !ok {
		stats = &agentStats{latencies: make([]int64, 0, 64)}
		c.agents[agent] = stats
	}
	stats.turns++
	if resp.Status != StatusSuccess {
		stats.failures++
	}
	if resp.IsContinuation {
		stats.continuations++
	}
	stats.latencies = append(stats.latencies, latencyMs)
	// Keep only the most recent samples for percentile calculation
	if len(stats.latencies) > maxLatencySamples {
		stats.latencies = stats.latencies[len(stats.latencies)-maxLatencySamples:]
	}
}

// Snapshot returns a copy of the current metrics
func (c *MetricsCollector) Snapshot() MetricsSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := MetricsSnapshot{
		UptimeSeconds:  int64(time.Since(c.startTime).Seconds()),
		TotalTurns:     c.totalTurns,
		SuccessTurns:   c.successTurns,
		FailedTurns:    c.failedTurns,
		SelectionPaths: make(map[string]int64, len(c.paths)),
		Agents:         make(map[string]AgentMetrics, len(c.agents)),
		Timestamp:      time.Now().UTC(),
	}
	for p, n := range c.paths {
		snap.SelectionPaths[p] = n
	}
	for id, s := range c.agents {
		snap.Agents[id] = AgentMetrics{
			Turns:         s.turns,
			Failures:      s.failures,
			Continuations: s.continuations,
			AvgLatencyMs:  calculateAverage(s.latencies),
			P95LatencyMs:  calculatePercentile(s.latencies, 95),
		}
	}
	return snap
}

func calculateAverage(timings []int64) float64 {
	if len(timings) == 0 {
		return 0
	}
	var sum int64
	for _, t := range timings {
		sum += t
	}
	return float64(sum) / float64(len(timings))
}

func calculatePercentile(timings []int64, percentile float64) float64 {
	if len(timings) == 0 {
		return 0
	}
	sorted := make([]int64, len(timings))
	copy(sorted, timings)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	index := int(float64(len(sorted)-1) * percentile / 100)
	return float64(sorted[index])
}
