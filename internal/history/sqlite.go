// ABOUTME: SQLite implementation of the history Log using modernc.org/sqlite
// ABOUTME: One table keyed by chat, view and message id with automatic schema creation

package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/switchboard/internal/state"
)

// SQLiteLog implements Log on a SQLite database.
type SQLiteLog struct {
	db     *sql.DB
	limit  int
	logger *slog.Logger
}

// NewSQLiteLog opens (or creates) the database at path. Parent directories
// are created if needed. FindLog returns at most limit messages; zero or
// less returns everything.
func NewSQLiteLog(path string, limit int) (*SQLiteLog, error) {
	logger := slog.Default().With("component", "history")

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if path == ":memory:" {
		// Every pooled connection would otherwise get its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	l := &SQLiteLog{
		db:     db,
		limit:  limit,
		logger: logger,
	}

	if err := l.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite history initialized", "path", path)
	return l, nil
}

func (l *SQLiteLog) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS chat_messages (
			chat_id     TEXT NOT NULL,
			view        TEXT NOT NULL,
			id          TEXT NOT NULL,
			author_type TEXT NOT NULL,
			author_id   TEXT NOT NULL,
			session_id  TEXT NOT NULL,
			type        TEXT NOT NULL DEFAULT 'message',
			text        TEXT NOT NULL,
			meta_json   TEXT,
			created_at  TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			PRIMARY KEY (chat_id, view, id),

			CHECK (view IN ('customer', 'operator'))
		);

		CREATE INDEX IF NOT EXISTS idx_chat_messages_log
			ON chat_messages(chat_id, view, seq);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Close closes the database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

// RecordMessage implements Log.
func (l *SQLiteLog) RecordMessage(ctx context.Context, view View, chatID string, msg state.Message) error {
	if err := checkView(view); err != nil {
		return err
	}

	msgType := msg.Type
	if msgType == "" {
		msgType = state.MessageTypeMessage
	}

	var meta any
	if len(msg.Meta) > 0 {
		raw, err := json.Marshal(msg.Meta)
		if err != nil {
			return fmt.Errorf("encoding message meta: %w", err)
		}
		meta = string(raw)
	}

	created := msg.Timestamp
	if created.IsZero() {
		created = time.Now()
	}

	query := `
		INSERT OR IGNORE INTO chat_messages
			(chat_id, view, id, author_type, author_id, session_id, type, text, meta_json, created_at, seq)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?,
			(SELECT COALESCE(MAX(seq), 0) + 1 FROM chat_messages WHERE chat_id = ? AND view = ?))
	`
	_, err := l.db.ExecContext(ctx, query,
		chatID,
		string(view),
		msg.ID,
		string(msg.AuthorType),
		msg.AuthorID,
		msg.SessionID,
		string(msgType),
		msg.Text,
		meta,
		created.UTC().Format(time.RFC3339Nano),
		chatID,
		string(view),
	)
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}

	l.logger.Debug("recorded message", "chat_id", chatID, "view", view, "id", msg.ID)
	return nil
}

// FindLog implements Log. When a limit is set the most recent messages are
// returned, still oldest first.
func (l *SQLiteLog) FindLog(ctx context.Context, view View, chatID string) ([]state.Message, error) {
	if err := checkView(view); err != nil {
		return nil, err
	}

	var query string
	var args []any
	if l.limit > 0 {
		query = `
			SELECT id, author_type, author_id, session_id, type, text, meta_json, created_at
			FROM (
				SELECT id, author_type, author_id, session_id, type, text, meta_json, created_at, seq
				FROM chat_messages
				WHERE chat_id = ? AND view = ?
				ORDER BY seq DESC
				LIMIT ?
			)
			ORDER BY seq ASC
		`
		args = []any{chatID, string(view), l.limit}
	} else {
		query = `
			SELECT id, author_type, author_id, session_id, type, text, meta_json, created_at
			FROM chat_messages
			WHERE chat_id = ? AND view = ?
			ORDER BY seq ASC
		`
		args = []any{chatID, string(view)}
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []state.Message
	for rows.Next() {
		var msg state.Message
		var authorType, msgType, createdAt string
		var meta *string

		if err := rows.Scan(&msg.ID, &authorType, &msg.AuthorID, &msg.SessionID, &msgType, &msg.Text, &meta, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.AuthorType = state.AuthorType(authorType)
		msg.Type = state.MessageType(msgType)

		msg.Timestamp, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}

		if meta != nil {
			if err := json.Unmarshal([]byte(*meta), &msg.Meta); err != nil {
				return nil, fmt.Errorf("decoding message meta: %w", err)
			}
		}

		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}

	return messages, nil
}
