package directory

import (
	"context"
	"sync"
	"time"
)

type memoryUser struct {
	ip        string
	createdAt time.Time
}

// Memory is an in-process Directory. History does not survive a restart.
type Memory struct {
	mu       sync.Mutex
	users    map[string]memoryUser
	messages []StoredMessage
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		users: make(map[string]memoryUser),
		now:   time.Now,
	}
}

func (m *Memory) AddUser(_ context.Context, username, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if ok && u.ip != "" {
		return nil
	}
	if !ok {
		u.createdAt = m.now()
	}
	u.ip = ip
	m.users[username] = u
	return nil
}

func (m *Memory) UserIP(_ context.Context, username string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[username]
	if !ok {
		return "", ErrUserNotFound
	}
	return u.ip, nil
}

func (m *Memory) StoreMessage(_ context.Context, msg StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if msg.Timestamp.IsZero() {
		msg.Timestamp = m.now()
	}
	m.messages = append(m.messages, msg)
	return nil
}

func (m *Memory) PublicHistory(_ context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, msg := range m.messages {
		if msg.Kind == KindBroadcast {
			out = append(out, entryOf(msg))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

func (m *Memory) PrivateHistory(_ context.Context, a, b string) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, msg := range m.messages {
		if msg.Kind != KindPrivate {
			continue
		}
		if (msg.Sender == a && msg.Recipient == b) || (msg.Sender == b && msg.Recipient == a) {
			out = append(out, entryOf(msg))
		}
	}
	sortOldestFirst(out)
	return out, nil
}

// Messages returns a copy of every stored row in insertion order.
func (m *Memory) Messages() []StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StoredMessage(nil), m.messages...)
}

func (m *Memory) Close() error { return nil }

func entryOf(msg StoredMessage) Entry {
	return Entry{
		Sender:    msg.Sender,
		Recipient: msg.Recipient,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
}
