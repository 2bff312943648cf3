package protocol

import (
	"encoding/json"
	"fmt"
)

// Kind identifies the purpose of a message on the wire.
type Kind string

const (
	KindLogin    Kind = "LOGIN"
	KindChat     Kind = "MSG"
	KindUserList Kind = "USER_LIST"
	KindInfo     Kind = "INFO"
	KindError    Kind = "ERROR"
	KindHistory  Kind = "HISTORY"
)

// Everyone is the reserved recipient for broadcast chat.
const Everyone = "all"

// TimestampLayout is the format of Message.Timestamp on replayed history.
const TimestampLayout = "2006-01-02 15:04:05"

func (k Kind) valid() bool {
	switch k {
	case KindLogin, KindChat, KindUserList, KindInfo, KindError, KindHistory:
		return true
	}
	return false
}

// Message is a single protocol value. Users carries the roster of a
// USER_LIST message; every other kind uses Content. A nil Users decodes as
// an empty roster, so build roster pushes with UserList.
type Message struct {
	Kind      Kind
	From      string
	To        string
	Content   string
	Users     []string
	Private   bool
	Timestamp string
}

type wireMessage struct {
	Type      Kind            `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	Private   bool            `json:"private,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := wireMessage{
		Type:      m.Kind,
		From:      m.From,
		To:        m.To,
		Private:   m.Private,
		Timestamp: m.Timestamp,
	}

	var (
		content []byte
		err     error
	)
	switch {
	case m.Kind == KindUserList:
		users := m.Users
		if users == nil {
			users = []string{}
		}
		content, err = json.Marshal(users)
	case m.Content != "":
		content, err = json.Marshal(m.Content)
	}
	if err != nil {
		return nil, err
	}
	w.Content = content

	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if !w.Type.valid() {
		return fmt.Errorf("unknown message type %q", w.Type)
	}

	out := Message{
		Kind:      w.Type,
		From:      w.From,
		To:        w.To,
		Private:   w.Private,
		Timestamp: w.Timestamp,
	}
	if len(w.Content) > 0 && string(w.Content) != "null" {
		if w.Type == KindUserList {
			if err := json.Unmarshal(w.Content, &out.Users); err != nil {
				return fmt.Errorf("user list content: %w", err)
			}
		} else if err := json.Unmarshal(w.Content, &out.Content); err != nil {
			return fmt.Errorf("content: %w", err)
		}
	}
	if out.Kind == KindUserList && out.Users == nil {
		out.Users = []string{}
	}

	*m = out
	return nil
}

// Login builds the first message a client sends.
func Login(username string) Message {
	return Message{Kind: KindLogin, Content: username}
}

// Info builds a server notice.
func Info(text string) Message {
	return Message{Kind: KindInfo, Content: text}
}

// Error builds a user-visible failure notice.
func Error(text string) Message {
	return Message{Kind: KindError, Content: text}
}

// UserList builds a roster push. A nil roster is stored as an empty one,
// which is how it decodes.
func UserList(users []string) Message {
	if users == nil {
		users = []string{}
	}
	return Message{Kind: KindUserList, Users: users}
}
