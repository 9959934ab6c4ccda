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
	"context"
	"hash/fnv"
	"sync"
	"time"
)

// SessionStore persists conversation state keyed by session id.
//
// Get returns (nil, false, nil) for an absent session; absence is never an
// error. Delete of an absent session is a no-op. Implementations must be safe
// for concurrent use across different session ids.
type SessionStore interface {
	Get(ctx context.Context, sessionID string) (*Session, bool, error)
	Put(ctx context.Context, sessionID string, session *Session) error
	Delete(ctx context.Context, sessionID string) error
	Name() string
}

const defaultSessionShards = 32

type sessionShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// MemorySessionStore is a single-process store striped across shards so that
// unrelated sessions do not contend on one lock. State is lost on restart.
type MemorySessionStore struct {
	shards []*sessionShard
	ttl    time.Duration
	now    func() time.Time
}

// NewMemorySessionStore creates an in-memory store. A zero ttl keeps
// sessions until they are deleted.
func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	shards := make([]*sessionShard, defaultSessionShards)
	for i := range shards {
		shards[i] = &sessionShard{sessions: make(map[string]*Session)}
	}
	return &MemorySessionStore{
		shards: shards,
		ttl:    ttl,
		now:    time.Now,
	}
}

func (m *MemorySessionStore) shard(sessionID string) *sessionShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return m.shards[h.Sum32()%uint32(len(m.shards))]
}

func (m *MemorySessionStore) expired(s *Session) bool {
	return m.ttl > 0 && m.now().Sub(s.UpdatedAt) > m.ttl
}

// Get returns a copy of the stored session
func (m *MemorySessionStore) Get(ctx context.Context, sessionID string) (*Session, bool, error) {
	sh := m.shard(sessionID)

	sh.mu.RLock()
	s, ok := sh.sessions[sessionID]
	sh.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if m.expired(s) {
		sh.mu.Lock()
		if cur, ok := sh.sessions[sessionID]; ok && m.expired(cur) {
			delete(sh.sessions, sessionID)
		}
		sh.mu.Unlock()
		return nil, false, nil
	}

	return s.Clone(), true, nil
}

// Put overwrites the session wholesale
func (m *MemorySessionStore) Put(ctx context.Context, sessionID string, session *Session) error {
	stored := session.Clone()
	stored.SessionID = sessionID
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = m.now()
	}

	sh := m.shard(sessionID)
	sh.mu.Lock()
	sh.sessions[sessionID] = stored
	sh.mu.Unlock()
	return nil
}

// Delete removes the session if present
func (m *MemorySessionStore) Delete(ctx context.Context, sessionID string) error {
	sh := m.shard(sessionID)
	sh.mu.Lock()
	delete(sh.sessions, sessionID)
	sh.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions, expired ones included
func (m *MemorySessionStore) Len() int {
	n := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Name identifies the backend in health output
func (m *MemorySessionStore) Name() string {
	return "memory"
}
