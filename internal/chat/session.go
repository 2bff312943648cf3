package chat

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andy6609/lanchat/internal/protocol"
)

// Session is one client connection. Username is set once the login
// handshake succeeds and never changes afterwards.
type Session struct {
	ID       string
	Username string
	IP       string
	Conn     net.Conn

	out        chan protocol.Message
	done       chan struct{}
	closeOnce  sync.Once
	writerDone <-chan struct{}
}

func newSession(conn net.Conn, buffer int, writeTimeout time.Duration, logger *slog.Logger) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	s := &Session{
		ID:   uuid.NewString(),
		IP:   remoteIP(conn.RemoteAddr()),
		Conn: conn,
		out:  make(chan protocol.Message, buffer),
		done: make(chan struct{}),
	}
	s.writerDone = StartOutboundWriter(conn, s.out, s.done, writeTimeout, logger.With("conn_id", s.ID))
	return s
}

// Send queues m for delivery without blocking. It reports false when the
// queue is full or the session is closing; the message is then dropped.
func (s *Session) Send(m protocol.Message) bool {
	select {
	case <-s.done:
		DroppedMessages.Inc()
		return false
	default:
	}
	select {
	case s.out <- m:
		return true
	default:
		DroppedMessages.Inc()
		return false
	}
}

// SendWait queues m, waiting for room if the queue is full. Only the
// session's own worker should use it.
func (s *Session) SendWait(ctx context.Context, m protocol.Message) bool {
	select {
	case s.out <- m:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// close stops accepting messages, waits up to grace for queued messages to be
// written, then closes the connection. Safe to call more than once.
func (s *Session) close(grace time.Duration) {
	s.closeOnce.Do(func() {
		close(s.done)
	})

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.writerDone:
	case <-timer.C:
	}
	_ = s.Conn.Close()
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
