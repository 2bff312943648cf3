package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLite is the default durable Directory.
type SQLite struct {
	db     *sql.DB
	dbPath string
}

// OpenSQLite opens (creating if needed) the database at dbPath and brings the
// schema up to date.
func OpenSQLite(dbPath string) (*SQLite, error) {
	if dbPath == "" {
		return nil, errors.New("sqlite store path is empty")
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection serializes writers and keeps ":memory:" a single database.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, dbPath: dbPath}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		username TEXT PRIMARY KEY,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		ip_address TEXT
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		sender TEXT NOT NULL,
		recipient TEXT NOT NULL,
		msg_type TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_type_ts ON messages(msg_type, timestamp);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	// Databases created before address pinning lack the column.
	if _, err := s.db.Exec("ALTER TABLE users ADD COLUMN ip_address TEXT"); err != nil &&
		!strings.Contains(err.Error(), "duplicate column") {
		return fmt.Errorf("add ip_address column: %w", err)
	}
	return nil
}

func (s *SQLite) AddUser(ctx context.Context, username, ip string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO users (username, ip_address, created_at) VALUES (?, ?, ?)",
		username, ip, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE users SET ip_address = ? WHERE username = ? AND ip_address IS NULL",
		ip, username,
	); err != nil {
		return fmt.Errorf("backfill ip: %w", err)
	}
	return tx.Commit()
}

func (s *SQLite) UserIP(ctx context.Context, username string) (string, error) {
	var ip sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT ip_address FROM users WHERE username = ?", username,
	).Scan(&ip)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", err
	}
	return ip.String, nil
}

func (s *SQLite) StoreMessage(ctx context.Context, msg StoredMessage) error {
	ts := msg.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO messages (sender, recipient, msg_type, content, timestamp) VALUES (?, ?, ?, ?, ?)",
		msg.Sender, msg.Recipient, string(msg.Kind), msg.Content, ts.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *SQLite) PublicHistory(ctx context.Context) ([]Entry, error) {
	return s.query(ctx, `
		SELECT sender, recipient, content, timestamp FROM messages
		WHERE msg_type = ?
		ORDER BY timestamp ASC, id ASC`,
		string(KindBroadcast),
	)
}

func (s *SQLite) PrivateHistory(ctx context.Context, a, b string) ([]Entry, error) {
	return s.query(ctx, `
		SELECT sender, recipient, content, timestamp FROM messages
		WHERE msg_type = ?
		AND ((sender = ? AND recipient = ?) OR (sender = ? AND recipient = ?))
		ORDER BY timestamp ASC, id ASC`,
		string(KindPrivate), a, b, b, a,
	)
}

func (s *SQLite) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Sender, &e.Recipient, &e.Content, &e.Timestamp); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
