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
	"sync"
	"time"
)

// DefaultIdempotencyTTL is how long a completed response is replayed
const DefaultIdempotencyTTL = 2 * time.Minute

// IdempotencyState is the outcome of claiming a key
type IdempotencyState int

const (
	// IdempotencyNew means the caller owns the key and must Complete or Release it
	IdempotencyNew IdempotencyState = iota
	// IdempotencyInFlight means another request with the key is still running
	IdempotencyInFlight
	// IdempotencyReplay means a cached response is available
	IdempotencyReplay
)

// CachedResponse is a completed response kept for replay
type CachedResponse struct {
	StatusCode int
	Body       []byte
}

type idempotencyEntry struct {
	done     bool
	response CachedResponse
	expires  time.Time
}

// IdempotencyCache suppresses duplicate submissions keyed by the
// Idempotency-Key header. Entries expire; the cache never grows without bound.
type IdempotencyCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*idempotencyEntry
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewIdempotencyCache creates a cache and starts its cleanup routine
func NewIdempotencyCache(ttl time.Duration) *IdempotencyCache {
	if ttl <= 0 {
		ttl = DefaultIdempotencyTTL
	}
	c := &IdempotencyCache{
		ttl:     ttl,
		entries: make(map[string]*idempotencyEntry),
		now:     time.Now,
		stop:    make(chan struct{}),
	}

	go c.cleanupRoutine()

	return c
}

// Claim registers key as in flight unless it is already known
func (c *IdempotencyCache) Claim(key string) (IdempotencyState, CachedResponse) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if e, ok := c.entries[key]; ok && now.Before(e.expires) {
		if e.done {
			return IdempotencyReplay, e.response
		}
		return IdempotencyInFlight, CachedResponse{}
	}

	// In-flight entries also expire so a crashed handler cannot pin a key forever
	c.entries[key] = &idempotencyEntry{expires: now.Add(c.ttl)}
	return IdempotencyNew, CachedResponse{}
}

// Complete stores the response for replay until the entry expires
func (c *IdempotencyCache) Complete(key string, statusCode int, body []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(body))
	copy(stored, body)
	c.entries[key] = &idempotencyEntry{
		done:     true,
		response: CachedResponse{StatusCode: statusCode, Body: stored},
		expires:  c.now().Add(c.ttl),
	}
}

// Release forgets an in-flight key so the request can be retried
func (c *IdempotencyCache) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok && !e.done {
		delete(c.entries, key)
	}
}

// Len returns the number of tracked keys, expired ones included until purged
func (c *IdempotencyCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge drops expired entries
func (c *IdempotencyCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, k)
		}
	}
}

// Close stops the cleanup routine
func (c *IdempotencyCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *IdempotencyCache) cleanupRoutine() {
	ticker := time.NewTicker(c.ttl)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Purge()
		case <-c.stop:
			return
		}
	}
}
