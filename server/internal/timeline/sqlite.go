package timeline

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"homework-live/server/internal/model"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// 按顺序执行的迁移
var migrations = []string{"001_initial"}

// SQLiteStore 基于 SQLite 的历史存储，进程重启后仍可回看对话。
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite 打开数据库并执行迁移。path 可以是 ":memory:"。
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// 单连接：写入串行，且 :memory: 库不会因连接池而分裂
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	for _, version := range migrations {
		var count int
		if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", version).Scan(&count); err != nil {
			return fmt.Errorf("failed to check migration status: %w", err)
		}
		if count > 0 {
			continue
		}

		migrationSQL, err := migrationFS.ReadFile("migrations/" + version + ".sql")
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", version, err)
		}
		if _, err := db.Exec(string(migrationSQL)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", version, err)
		}
		if _, err := db.Exec("INSERT INTO schema_migrations (version) VALUES (?)", version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", version, err)
		}
	}
	return nil
}

// Append 在事务内分配 seq；相同 EventID 返回已有 seq。
func (s *SQLiteStore) Append(ctx context.Context, sessionID string, entry *model.HistoryEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if entry.EventID != "" {
		var seq int64
		err := tx.QueryRowContext(ctx,
			"SELECT seq FROM history WHERE session_id = ? AND event_id = ?", sessionID, entry.EventID).Scan(&seq)
		switch {
		case err == nil:
			return seq, nil
		case !errors.Is(err, sql.ErrNoRows):
			return 0, fmt.Errorf("lookup event id: %w", err)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM history WHERE session_id = ?", sessionID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next seq: %w", err)
	}

	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	eventID := sql.NullString{String: entry.EventID, Valid: entry.EventID != ""}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO history (session_id, seq, event_id, role, content, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		sessionID, seq, eventID, entry.Role, entry.Content, ts.UTC()); err != nil {
		return 0, fmt.Errorf("insert history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return seq, nil
}

// List 按 seq 升序返回
func (s *SQLiteStore) List(ctx context.Context, sessionID string) ([]model.HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT seq, event_id, role, content, created_at FROM history WHERE session_id = ? ORDER BY seq", sessionID)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	out := []model.HistoryEntry{}
	for rows.Next() {
		var (
			e       model.HistoryEntry
			eventID sql.NullString
		)
		if err := rows.Scan(&e.Seq, &eventID, &e.Role, &e.Content, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		e.SessionID = sessionID
		e.EventID = eventID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close 关闭数据库连接
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
