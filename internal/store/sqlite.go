package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/hamardikan/pelajari-edge/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS offline_queue (
		id TEXT PRIMARY KEY,
		scenario_id TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp_ms INTEGER NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_queue_scenario ON offline_queue(scenario_id);
	CREATE INDEX IF NOT EXISTS idx_queue_timestamp ON offline_queue(timestamp_ms);

	CREATE TABLE IF NOT EXISTS cache_entries (
		partition TEXT NOT NULL,
		url TEXT NOT NULL,
		status_code INTEGER NOT NULL,
		headers_json TEXT NOT NULL,
		body BLOB NOT NULL,
		fetched_at INTEGER NOT NULL,
		PRIMARY KEY (partition, url)
	);
	CREATE INDEX IF NOT EXISTS idx_cache_url ON cache_entries(url);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendQueued appends a message to the end of the offline queue. Enqueue
// order is preserved via the implicit rowid.
func (s *SQLiteStore) AppendQueued(ctx context.Context, msg *domain.QueuedMessage) error {
	query := `
	INSERT INTO offline_queue (id, scenario_id, content, timestamp_ms, retry_count)
	VALUES (?, ?, ?, ?, ?)`

	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			msg.ID, msg.ScenarioID, msg.Content, msg.Timestamp, msg.RetryCount,
		)
		if err != nil {
			return fmt.Errorf("append queued message: %w", err)
		}
		return nil
	})
}

// ListQueued returns queued messages in enqueue order.
func (s *SQLiteStore) ListQueued(ctx context.Context, scenarioID string) ([]*domain.QueuedMessage, error) {
	query := `
		SELECT id, scenario_id, content, timestamp_ms, retry_count
		FROM offline_queue`
	args := []interface{}{}
	if scenarioID != "" {
		query += ` WHERE scenario_id = ?`
		args = append(args, scenarioID)
	}
	query += ` ORDER BY rowid`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query queued messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.QueuedMessage
	for rows.Next() {
		var msg domain.QueuedMessage
		if err := rows.Scan(&msg.ID, &msg.ScenarioID, &msg.Content, &msg.Timestamp, &msg.RetryCount); err != nil {
			return nil, fmt.Errorf("scan queued message row: %w", err)
		}
		msgs = append(msgs, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queued messages: %w", err)
	}

	return msgs, nil
}

// DeleteQueued removes a queued message by ID.
func (s *SQLiteStore) DeleteQueued(ctx context.Context, id string) error {
	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM offline_queue WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("delete queued message: %w", err)
		}
		return nil
	})
}

// IncrementRetry bumps the retry count only while below maxRetry. The guard
// lives in the WHERE clause so the read-modify-write is a single statement.
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string, maxRetry int) error {
	query := `
	UPDATE offline_queue SET retry_count = retry_count + 1
	WHERE id = ? AND retry_count < ?`

	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query, id, maxRetry)
		if err != nil {
			return fmt.Errorf("increment retry count: %w", err)
		}
		return nil
	})
}

// DeleteExpiredQueued removes entries older than cutoff or at the retry cap.
func (s *SQLiteStore) DeleteExpiredQueued(ctx context.Context, cutoff time.Time, maxRetry int) (int64, error) {
	query := `DELETE FROM offline_queue WHERE timestamp_ms < ? OR retry_count >= ?`

	var removed int64
	err := withBusyRetry(ctx, func() error {
		result, err := s.db.ExecContext(ctx, query, cutoff.UnixMilli(), maxRetry)
		if err != nil {
			return fmt.Errorf("delete expired queued messages: %w", err)
		}
		removed, err = result.RowsAffected()
		return err
	})
	return removed, err
}

// CountQueued returns the number of queued messages.
func (s *SQLiteStore) CountQueued(ctx context.Context, scenarioID string) (int, error) {
	query := `SELECT COUNT(*) FROM offline_queue`
	args := []interface{}{}
	if scenarioID != "" {
		query += ` WHERE scenario_id = ?`
		args = append(args, scenarioID)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count queued messages: %w", err)
	}
	return count, nil
}

// GetCachedResponse retrieves a cached response from a specific partition.
func (s *SQLiteStore) GetCachedResponse(ctx context.Context, partition, url string) (*domain.CachedResponse, error) {
	query := `
		SELECT partition, url, status_code, headers_json, body, fetched_at
		FROM cache_entries WHERE partition = ? AND url = ?`

	return s.scanCachedResponse(s.db.QueryRowContext(ctx, query, partition, url))
}

// FindCachedResponse retrieves a cached response for a URL from any partition.
func (s *SQLiteStore) FindCachedResponse(ctx context.Context, url string) (*domain.CachedResponse, error) {
	query := `
		SELECT partition, url, status_code, headers_json, body, fetched_at
		FROM cache_entries WHERE url = ?
		ORDER BY fetched_at DESC LIMIT 1`

	return s.scanCachedResponse(s.db.QueryRowContext(ctx, query, url))
}

func (s *SQLiteStore) scanCachedResponse(row *sql.Row) (*domain.CachedResponse, error) {
	var resp domain.CachedResponse
	var headersJSON string
	var fetchedAt int64

	err := row.Scan(&resp.Partition, &resp.URL, &resp.StatusCode, &headersJSON, &resp.Body, &fetchedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan cache entry row: %w", err)
	}

	if err := json.Unmarshal([]byte(headersJSON), &resp.Header); err != nil {
		return nil, fmt.Errorf("decode cached headers: %w", err)
	}
	resp.FetchedAt = time.Unix(fetchedAt, 0)

	return &resp, nil
}

// PutCachedResponse stores a response, overwriting any existing entry for the
// same (partition, URL) pair.
func (s *SQLiteStore) PutCachedResponse(ctx context.Context, resp *domain.CachedResponse) error {
	headersJSON, err := json.Marshal(resp.Header)
	if err != nil {
		return fmt.Errorf("encode cached headers: %w", err)
	}

	query := `
	INSERT INTO cache_entries (partition, url, status_code, headers_json, body, fetched_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(partition, url) DO UPDATE SET
		status_code = excluded.status_code,
		headers_json = excluded.headers_json,
		body = excluded.body,
		fetched_at = excluded.fetched_at`

	return withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx, query,
			resp.Partition, resp.URL, resp.StatusCode, string(headersJSON),
			resp.Body, resp.FetchedAt.Unix(),
		)
		if err != nil {
			return fmt.Errorf("put cache entry: %w", err)
		}
		return nil
	})
}

// DeleteCachePartitionsExcept drops every cache partition not named in keep.
func (s *SQLiteStore) DeleteCachePartitionsExcept(ctx context.Context, keep ...string) (int64, error) {
	query := `DELETE FROM cache_entries`
	args := []interface{}{}
	if len(keep) > 0 {
		query += ` WHERE partition NOT IN (?` + repeatPlaceholder(len(keep)-1) + `)`
		for _, p := range keep {
			args = append(args, p)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete cache partitions: %w", err)
	}
	return result.RowsAffected()
}

func repeatPlaceholder(n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += ", ?"
	}
	return out
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
