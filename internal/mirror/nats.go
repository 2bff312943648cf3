// Package mirror republishes persisted chat messages to NATS so other
// systems (archivers, moderation tools) can follow the conversation without
// touching the relay's store.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/andy6609/lanchat/internal/directory"
)

// Event is the JSON body published for each message.
type Event struct {
	Sender    string    `json:"sender"`
	Recipient string    `json:"recipient"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type NATS struct {
	conn   *nats.Conn
	prefix string
}

func Connect(url, prefix string) (*NATS, error) {
	nc, err := nats.Connect(url, nats.Name("lanchat-mirror"))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return &NATS{conn: nc, prefix: prefix}, nil
}

// Publish sends msg on its subject. The context is accepted for symmetry with
// the store; core NATS publishes are buffered and do not block on the server.
func (m *NATS) Publish(_ context.Context, msg directory.StoredMessage) error {
	data, err := json.Marshal(Event{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Kind:      string(msg.Kind),
		Content:   msg.Content,
		Timestamp: msg.Timestamp.UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	return m.conn.Publish(Subject(m.prefix, msg), data)
}

func (m *NATS) Close() {
	if err := m.conn.Drain(); err != nil {
		m.conn.Close()
	}
}

// Subject maps a message to "<prefix>.broadcast" or
// "<prefix>.private.<recipient>".
func Subject(prefix string, msg directory.StoredMessage) string {
	if prefix == "" {
		prefix = "chat.messages"
	}
	if msg.Kind == directory.KindPrivate {
		return prefix + ".private." + token(msg.Recipient)
	}
	return prefix + ".broadcast"
}

var tokenReplacer = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_", "\t", "_")

// token makes a username safe to use as a single subject token.
func token(s string) string {
	if s == "" {
		return "_"
	}
	return tokenReplacer.Replace(s)
}
