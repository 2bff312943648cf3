package chat

import "github.com/andy6609/lanchat/internal/protocol"

type EventType int

const (
	EventRegister EventType = iota
	EventUnregister
	EventBroadcast
	EventRoster
	EventLookup
	EventUsers
)

func (t EventType) String() string {
	switch t {
	case EventRegister:
		return "register"
	case EventUnregister:
		return "unregister"
	case EventBroadcast:
		return "broadcast"
	case EventRoster:
		return "roster"
	case EventLookup:
		return "lookup"
	case EventUsers:
		return "users"
	default:
		return "unknown"
	}
}

type Event struct {
	Type     EventType
	Session  *Session
	Username string
	Message  protocol.Message
	Reply    chan Result
}

// Result is the registry's answer to an Event.
type Result struct {
	Err     error
	Session *Session
	Users   []string
	OK      bool
}

var (
	ErrUsernameTaken     = errorString("username_taken")
	ErrUsernameInvalid   = errorString("username_invalid")
	ErrAccessDenied      = errorString("access_denied")
	ErrRecipientNotFound = errorString("recipient_not_found")
	ErrRegistryStopped   = errorString("registry_stopped")
)

type errorString string

func (e errorString) Error() string { return string(e) }
