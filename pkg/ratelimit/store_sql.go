// Copyright 2025 Kadir Pekel
//
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

package ratelimit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
)

const createBucketTableSQL = `
CREATE TABLE IF NOT EXISTS quota_buckets (
    client_key VARCHAR(255) NOT NULL,
    policy_id VARCHAR(255) NOT NULL,
    window_start_ms BIGINT NOT NULL DEFAULT 0,
    current_count BIGINT NOT NULL DEFAULT 0,
    previous_count BIGINT NOT NULL DEFAULT 0,
    tokens DOUBLE PRECISION NOT NULL DEFAULT 0,
    last_refill_ms BIGINT NOT NULL DEFAULT 0,
    last_seen_ms BIGINT NOT NULL DEFAULT 0,
    settle_ms BIGINT NOT NULL DEFAULT 0,
    PRIMARY KEY (client_key, policy_id)
)`

// maxAttempts bounds how often a check is retried after losing a race: its
// row was evicted before the locking read, or the database aborted the
// transaction as a deadlock, lock timeout, or serialization victim.
const maxAttempts = 5

const retryBackoff = 5 * time.Millisecond

// SQLStore is a Store shared by all replicas through a SQL database.
// It supports Postgres, MySQL, and SQLite.
//
// Each check runs in its own transaction and holds a row lock on the bucket
// (SELECT ... FOR UPDATE; SQLite serializes writers instead).
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// NewSQLStore creates a SQL-backed store and its schema.
// Supported dialects: "postgres", "mysql", "sqlite".
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}

	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{
		db:      db,
		dialect: dialect,
	}

	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return s, nil
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, createBucketTableSQL); err != nil {
		return fmt.Errorf("failed to create quota_buckets table: %w", err)
	}

	// MySQL has no CREATE INDEX IF NOT EXISTS; eviction scans there.
	if s.dialect != "mysql" {
		idx := `CREATE INDEX IF NOT EXISTS idx_quota_buckets_last_seen ON quota_buckets(last_seen_ms)`
		if _, err := s.db.ExecContext(ctx, idx); err != nil {
			return fmt.Errorf("failed to create quota_buckets index: %w", err)
		}
	}

	return nil
}

// rebind rewrites ? placeholders to $N for Postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) insertIgnoreSQL() string {
	const cols = `quota_buckets (client_key, policy_id) VALUES (?, ?)`
	switch s.dialect {
	case "postgres":
		return s.rebind(`INSERT INTO ` + cols + ` ON CONFLICT (client_key, policy_id) DO NOTHING`)
	case "mysql":
		return `INSERT IGNORE INTO ` + cols
	default:
		return `INSERT OR IGNORE INTO ` + cols
	}
}

func (s *SQLStore) selectForUpdateSQL() string {
	q := `SELECT window_start_ms, current_count, previous_count, tokens, last_refill_ms, last_seen_ms
		FROM quota_buckets WHERE client_key = ? AND policy_id = ?`
	if s.dialect != "sqlite" {
		q += ` FOR UPDATE`
	}
	return s.rebind(q)
}

// CheckAndIncrement evaluates and counts one request inside a transaction.
func (s *SQLStore) CheckAndIncrement(ctx context.Context, key BucketKey, p *Policy, now time.Time) (*Bucket, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, time.Duration(attempt)*retryBackoff); err != nil {
				return nil, newStoreError("sql", "check_and_increment", err)
			}
		}
		b, err := s.checkOnce(ctx, key, p, now)
		if err == nil {
			return b, nil
		}
		if !isRetryableSQLError(err) {
			return nil, newStoreError("sql", "check_and_increment", err)
		}
		lastErr = err
	}
	return nil, newStoreError("sql", "check_and_increment", lastErr)
}

// isRetryableSQLError reports whether err means the transaction lost a race
// and may succeed when run again.
func isRetryableSQLError(err error) bool {
	if errors.Is(err, sql.ErrNoRows) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		// ER_LOCK_DEADLOCK, ER_LOCK_WAIT_TIMEOUT
		return myErr.Number == 1213 || myErr.Number == 1205
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// serialization_failure, deadlock_detected
		return pqErr.Code == "40001" || pqErr.Code == "40P01"
	}
	var liteErr sqlite3.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code == sqlite3.ErrBusy || liteErr.Code == sqlite3.ErrLocked
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (s *SQLStore) checkOnce(ctx context.Context, key BucketKey, p *Policy, now time.Time) (*Bucket, error) {
	// Postgres and MySQL create the row outside the transaction. On MySQL an
	// INSERT IGNORE that hits an existing row leaves a shared lock, and two
	// transactions upgrading it with FOR UPDATE deadlock each other. SQLite
	// transactions already hold the write lock from BEGIN IMMEDIATE.
	if s.dialect != "sqlite" {
		if _, err := s.db.ExecContext(ctx, s.insertIgnoreSQL(), key.ClientKey, key.PolicyID); err != nil {
			return nil, fmt.Errorf("insert bucket: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if s.dialect == "sqlite" {
		if _, err := tx.ExecContext(ctx, s.insertIgnoreSQL(), key.ClientKey, key.PolicyID); err != nil {
			return nil, fmt.Errorf("insert bucket: %w", err)
		}
	}

	var ws windowState
	var ts tokenState
	err = tx.QueryRowContext(ctx, s.selectForUpdateSQL(), key.ClientKey, key.PolicyID).Scan(
		&ws.WindowStart, &ws.Current, &ws.Previous, &ts.Tokens, &ts.LastRefill, &ws.LastSeen,
	)
	if err != nil {
		return nil, err
	}
	ts.LastSeen = ws.LastSeen

	b := &Bucket{Key: key}
	var effNow int64
	if p.EffectiveAlgorithm() == AlgorithmTokenBucket {
		b.Allowed, effNow = ts.take(p, now.UnixMilli())
		b.Tokens = ts.Tokens
		ws.LastSeen = ts.LastSeen
	} else {
		b.Allowed, effNow = ws.take(p, now.UnixMilli())
		b.WindowStart = time.UnixMilli(ws.WindowStart)
		b.Current = ws.Current
		b.Previous = ws.Previous
	}
	b.Now = time.UnixMilli(effNow)

	update := s.rebind(`UPDATE quota_buckets
		SET window_start_ms = ?, current_count = ?, previous_count = ?, tokens = ?,
		    last_refill_ms = ?, last_seen_ms = ?, settle_ms = ?
		WHERE client_key = ? AND policy_id = ?`)
	if _, err := tx.ExecContext(ctx, update,
		ws.WindowStart, ws.Current, ws.Previous, ts.Tokens,
		ts.LastRefill, ws.LastSeen, p.SettleTime().Milliseconds(),
		key.ClientKey, key.PolicyID,
	); err != nil {
		return nil, fmt.Errorf("update bucket: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return b, nil
}

// EvictIdle deletes rows idle for longer than ttl or their settle time.
// A row touched after it was selected survives the delete.
func (s *SQLStore) EvictIdle(ctx context.Context, ttl time.Duration, now time.Time) ([]BucketKey, error) {
	nowMs := now.UnixMilli()
	ttlMs := ttl.Milliseconds()

	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT client_key, policy_id, last_seen_ms, settle_ms FROM quota_buckets WHERE last_seen_ms < ?`),
		nowMs-ttlMs,
	)
	if err != nil {
		return nil, newStoreError("sql", "evict_idle", err)
	}

	type candidate struct {
		key      BucketKey
		lastSeen int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var settle int64
		if err := rows.Scan(&c.key.ClientKey, &c.key.PolicyID, &c.lastSeen, &settle); err != nil {
			_ = rows.Close()
			return nil, newStoreError("sql", "evict_idle", err)
		}
		if nowMs-c.lastSeen > max(ttlMs, settle) {
			candidates = append(candidates, c)
		}
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, newStoreError("sql", "evict_idle", err)
	}
	_ = rows.Close()

	del := s.rebind(`DELETE FROM quota_buckets WHERE client_key = ? AND policy_id = ? AND last_seen_ms = ?`)
	var evicted []BucketKey
	for _, c := range candidates {
		res, err := s.db.ExecContext(ctx, del, c.key.ClientKey, c.key.PolicyID, c.lastSeen)
		if err != nil {
			return evicted, newStoreError("sql", "evict_idle", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			evicted = append(evicted, c.key)
		}
	}
	return evicted, nil
}

// Ping checks connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return newStoreError("sql", "ping", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
