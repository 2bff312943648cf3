// Package directory stores who may use which username and what was said.
//
// A username is pinned to the IP address of its first login. AddUser never
// overwrites an existing pin, which is what makes concurrent first logins for
// the same name converge on a single winner.
package directory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// ErrUserNotFound is returned by UserIP for a username that never logged in.
var ErrUserNotFound = errors.New("user not found")

// Kind tells broadcast rows from private ones.
type Kind string

const (
	KindBroadcast Kind = "BROADCAST"
	KindPrivate   Kind = "PRIVATE"
)

// Everyone is the recipient recorded for broadcast rows.
const Everyone = "all"

// StoredMessage is one persisted chat line.
type StoredMessage struct {
	Sender    string
	Recipient string
	Kind      Kind
	Content   string
	Timestamp time.Time
}

// Entry is a history row as replayed to clients.
type Entry struct {
	Sender    string
	Recipient string
	Content   string
	Timestamp time.Time
}

// Directory is the narrow persistence interface the chat server consumes.
type Directory interface {
	// AddUser records username with ip unless a pin already exists.
	AddUser(ctx context.Context, username, ip string) error
	// UserIP returns the pinned address or ErrUserNotFound.
	UserIP(ctx context.Context, username string) (string, error)
	StoreMessage(ctx context.Context, msg StoredMessage) error
	// PublicHistory returns broadcast rows, oldest first.
	PublicHistory(ctx context.Context) ([]Entry, error)
	// PrivateHistory returns private rows exchanged between a and b, oldest first.
	PrivateHistory(ctx context.Context, a, b string) ([]Entry, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Driver   string
	Path     string
	RedisURL string
}

// Open builds the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config) (Directory, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "redis":
		return OpenRedis(ctx, cfg.RedisURL)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// ClaimIP pins username to ip if it has no pin yet and returns the pin that
// is in effect afterwards.
func ClaimIP(ctx context.Context, d Directory, username, ip string) (string, error) {
	pinned, err := d.UserIP(ctx, username)
	if err == nil && pinned != "" {
		return pinned, nil
	}
	if err != nil && !errors.Is(err, ErrUserNotFound) {
		return "", err
	}

	if err := d.AddUser(ctx, username, ip); err != nil {
		return "", fmt.Errorf("add user: %w", err)
	}
	// Re-read: a concurrent first login may have won the insert.
	return d.UserIP(ctx, username)
}

// sortOldestFirst orders rows by timestamp, keeping insertion order for ties.
func sortOldestFirst(entries []Entry) {
	slices.SortStableFunc(entries, func(a, b Entry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
}
