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
	"database/sql"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // PostgreSQL driver

	"agentrouter/shared/logger"
)

const (
	auditQueueSize     = 10000
	auditBatchSize     = 100
	auditFlushInterval = 5 * time.Second
)

// TurnRecord is one row of the orchestrator_turns audit table
type TurnRecord struct {
	ID             string
	RequestID      string
	SessionID      string
	UserID         string
	Agent          string
	Path           string
	IsContinuation bool
	Status         string
	ErrorType      string
	ErrorMessage   string
	LatencyMs      int64
	Timestamp      time.Time
}

// TurnRecorder receives a record for every completed turn. Implementations must not block.
type TurnRecorder interface {
	RecordTurn(record TurnRecord)
}

// TurnAuditor writes turn records to PostgreSQL in batches from a
// background goroutine. A full queue drops records with a warning.
type TurnAuditor struct {
	db      *sql.DB
	queue   chan TurnRecord
	pending []TurnRecord
	log     *logger.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	shutdown  chan struct{}
	flushEach time.Duration
}

// OpenTurnAuditor connects to databaseURL and creates the audit table
func OpenTurnAuditor(databaseURL string, log *logger.Logger) (*TurnAuditor, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	return startTurnAuditor(db, log)
}

// startTurnAuditor takes ownership of db and closes it when setup fails
func startTurnAuditor(db *sql.DB, log *logger.Logger) (*TurnAuditor, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach audit database: %w", err)
	}

	auditor, err := NewTurnAuditor(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return auditor, nil
}

// NewTurnAuditor uses an existing connection
func NewTurnAuditor(db *sql.DB, log *logger.Logger) (*TurnAuditor, error) {
	if log == nil {
		log = logger.Discard()
	}
	if err := createTurnTable(db); err != nil {
		return nil, fmt.Errorf("failed to create audit table: %w", err)
	}

	a := &TurnAuditor{
		db:        db,
		queue:     make(chan TurnRecord, auditQueueSize),
		pending:   make([]TurnRecord, 0, auditBatchSize),
		log:       log,
		shutdown:  make(chan struct{}),
		flushEach: auditFlushInterval,
	}

	a.wg.Add(1)
	go a.processQueue()

	return a, nil
}

// RecordTurn enqueues record without blocking
func (a *TurnAuditor) RecordTurn(record TurnRecord) {
	if record.ID == "" {
		record.ID = "turn_" + uuid.NewString()
	}
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now().UTC()
	}
	record.fitColumns()

	select {
	case a.queue <- record:
	default:
		a.log.Warn(record.SessionID, record.RequestID, "Audit queue full, dropping turn record", nil)
	}
}

// IsHealthy pings the database
func (a *TurnAuditor) IsHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	return a.db.PingContext(ctx) == nil
}

// Close flushes queued records and closes the database
func (a *TurnAuditor) Close() error {
	a.closeOnce.Do(func() {
		close(a.shutdown)
		a.wg.Wait()
	})
	return a.db.Close()
}

func (a *TurnAuditor) processQueue() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.flushEach)
	defer ticker.Stop()

	for {
		select {
		case record := <-a.queue:
			a.pending = append(a.pending, record)
			if len(a.pending) >= auditBatchSize {
				a.flush()
			}
		case <-ticker.C:
			a.flush()
		case <-a.shutdown:
			// Drain what is already queued
			for {
				select {
				case record := <-a.queue:
					a.pending = append(a.pending, record)
				default:
					a.flush()
					return
				}
			}
		}
	}
}

func (a *TurnAuditor) flush() {
	if len(a.pending) == 0 {
		return
	}
	if err := a.write(a.pending); err != nil {
		a.log.Error("", "", "Failed to write audit batch", map[string]interface{}{
			"error":   err.Error(),
			"records": len(a.pending),
		})
	}
	a.pending = a.pending[:0]
}

// fitColumns trims caller-supplied values to the column widths of
// orchestrator_turns. An oversized value would fail its batch.
func (r *TurnRecord) fitColumns() {
	r.ID = fitColumn(r.ID, 255)
	r.RequestID = fitColumn(r.RequestID, 255)
	r.SessionID = fitColumn(r.SessionID, 255)
	r.UserID = fitColumn(r.UserID, 255)
	r.Agent = fitColumn(r.Agent, 255)
	r.Path = fitColumn(r.Path, 50)
	r.Status = fitColumn(r.Status, 20)
	r.ErrorType = fitColumn(r.ErrorType, 50)
}

// fitColumn cuts s to at most n characters
func fitColumn(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func (a *TurnAuditor) write(records []TurnRecord) error {
	tx, err := a.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO orchestrator_turns (
			id, request_id, session_id, user_id, agent, path, is_continuation,
			status, error_type, error_message, latency_ms, timestamp
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, r := range records {
		if _, err := stmt.Exec(
			r.ID,
			r.RequestID,
			r.SessionID,
			r.UserID,
			r.Agent,
			r.Path,
			r.IsContinuation,
			r.Status,
			r.ErrorType,
			r.ErrorMessage,
			r.LatencyMs,
			r.Timestamp,
		); err != nil {
			return fmt.Errorf("insert turn %s: %w", r.ID, err)
		}
	}

	return tx.Commit()
}

func createTurnTable(db *sql.DB) error {
	query := `
	CREATE TABLE IF NOT EXISTS orchestrator_turns (
		id VARCHAR(255) PRIMARY KEY,
		request_id VARCHAR(255) NOT NULL,
		session_id VARCHAR(255) NOT NULL,
		user_id VARCHAR(255),
		agent VARCHAR(255),
		path VARCHAR(50),
		is_continuation BOOLEAN NOT NULL DEFAULT FALSE,
		status VARCHAR(20) NOT NULL,
		error_type VARCHAR(50),
		error_message TEXT,
		latency_ms BIGINT,
		timestamp TIMESTAMP NOT NULL,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_orchestrator_turns_session_id ON orchestrator_turns(session_id);
	CREATE INDEX IF NOT EXISTS idx_orchestrator_turns_timestamp ON orchestrator_turns(timestamp);
	`

	_, err := db.Exec(query)
	return err
}
