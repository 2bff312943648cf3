package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andy6609/lanchat/internal/directory"
	"github.com/andy6609/lanchat/internal/protocol"
)

// Mirror receives every message after it has been persisted.
type Mirror interface {
	Publish(ctx context.Context, msg directory.StoredMessage) error
}

// Router applies the routing policy to messages from authenticated sessions.
type Router struct {
	reg    *Registry
	dir    directory.Directory
	mirror Mirror
	logger *slog.Logger
	now    func() time.Time
}

func NewRouter(reg *Registry, dir directory.Directory, mirror Mirror, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		reg:    reg,
		dir:    dir,
		mirror: mirror,
		logger: logger,
		now:    time.Now,
	}
}

// Join runs after s has been registered: welcome, roster push, then the
// public history for s alone.
func (rt *Router) Join(ctx context.Context, s *Session) {
	s.Send(protocol.Info(fmt.Sprintf("Welcome %s!", s.Username)))
	rt.reg.BroadcastRoster()
	rt.replayPublic(ctx, s)
}

// Leave deregisters s and pushes the new roster. Only the call that actually
// removed s pushes a roster.
func (rt *Router) Leave(s *Session) {
	if rt.reg.Deregister(s) {
		rt.reg.BroadcastRoster()
	}
}

// Handle processes one inbound message from s.
func (rt *Router) Handle(ctx context.Context, s *Session, msg protocol.Message) {
	MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

	switch msg.Kind {
	case protocol.KindChat:
		rt.chat(ctx, s, msg)
	case protocol.KindHistory:
		rt.history(ctx, s, msg)
	case protocol.KindLogin:
		s.Send(protocol.Error("Already logged in"))
	default:
		s.Send(protocol.Error(fmt.Sprintf("Unsupported message type %s", msg.Kind)))
	}
}

func (rt *Router) chat(ctx context.Context, s *Session, msg protocol.Message) {
	switch {
	case msg.Content == "":
		s.Send(protocol.Error("Empty message"))
	case msg.To == "":
		s.Send(protocol.Error("Missing recipient"))
	case msg.To == protocol.Everyone:
		rt.broadcast(ctx, s, msg.Content)
	case msg.To == s.Username:
		s.Send(protocol.Error("Cannot send a private message to yourself"))
	default:
		rt.direct(ctx, s, msg.To, msg.Content)
	}
}

func (rt *Router) broadcast(ctx context.Context, s *Session, content string) {
	rt.persist(ctx, directory.StoredMessage{
		Sender:    s.Username,
		Recipient: directory.Everyone,
		Kind:      directory.KindBroadcast,
		Content:   content,
		Timestamp: rt.now(),
	})
	rt.reg.Broadcast(protocol.Message{
		Kind:    protocol.KindChat,
		From:    s.Username,
		To:      protocol.Everyone,
		Content: content,
	})
}

// recipient returns the online session for to, or ErrRecipientNotFound.
func (rt *Router) recipient(to string) (*Session, error) {
	target, ok := rt.reg.Lookup(to)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRecipientNotFound, to)
	}
	return target, nil
}

func (rt *Router) direct(ctx context.Context, s *Session, to, content string) {
	target, err := rt.recipient(to)
	if errors.Is(err, ErrRecipientNotFound) {
		rt.logger.Debug("direct message to offline user", "username", s.Username, "to", to, "error", err)
		s.Send(protocol.Error(fmt.Sprintf("User %s not found.", to)))
		return
	}

	rt.persist(ctx, directory.StoredMessage{
		Sender:    s.Username,
		Recipient: to,
		Kind:      directory.KindPrivate,
		Content:   content,
		Timestamp: rt.now(),
	})

	out := protocol.Message{
		Kind:    protocol.KindChat,
		From:    s.Username,
		To:      to,
		Content: content,
		Private: true,
	}
	target.Send(out)
	// The sender's client keeps no record of its own private lines.
	s.Send(out)
}

// persist stores msg and offers it to the mirror. Failures are logged and
// never block delivery.
func (rt *Router) persist(ctx context.Context, msg directory.StoredMessage) {
	if err := rt.dir.StoreMessage(ctx, msg); err != nil {
		PersistenceFailures.WithLabelValues("store_message").Inc()
		rt.logger.Error("failed to store message", "username", msg.Sender, "to", msg.Recipient, "error", err)
		return
	}
	if rt.mirror == nil {
		return
	}
	if err := rt.mirror.Publish(ctx, msg); err != nil {
		rt.logger.Warn("failed to mirror message", "username", msg.Sender, "error", err)
	}
}

func (rt *Router) history(ctx context.Context, s *Session, msg protocol.Message) {
	switch msg.To {
	case "", protocol.Everyone:
		rt.replayPublic(ctx, s)
		return
	}

	entries, err := rt.dir.PrivateHistory(ctx, s.Username, msg.To)
	if err != nil {
		PersistenceFailures.WithLabelValues("private_history").Inc()
		rt.logger.Error("failed to load private history", "username", s.Username, "to", msg.To, "error", err)
		s.Send(protocol.Error("History unavailable"))
		return
	}
	for _, e := range entries {
		if !s.SendWait(ctx, protocol.Message{
			Kind:      protocol.KindChat,
			From:      e.Sender,
			To:        e.Recipient,
			Content:   e.Content,
			Private:   true,
			Timestamp: formatTimestamp(e.Timestamp),
		}) {
			return
		}
	}
}

func (rt *Router) replayPublic(ctx context.Context, s *Session) {
	entries, err := rt.dir.PublicHistory(ctx)
	if err != nil {
		PersistenceFailures.WithLabelValues("public_history").Inc()
		rt.logger.Error("failed to load public history", "username", s.Username, "error", err)
		return
	}
	for _, e := range entries {
		if !s.SendWait(ctx, protocol.Message{
			Kind:      protocol.KindChat,
			From:      e.Sender,
			To:        protocol.Everyone,
			Content:   e.Content,
			Timestamp: formatTimestamp(e.Timestamp),
		}) {
			return
		}
	}
}

func formatTimestamp(t time.Time) string {
	return t.UTC().Format(protocol.TimestampLayout)
}
