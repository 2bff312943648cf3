package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/andy6609/lanchat/internal/directory"
	"github.com/andy6609/lanchat/internal/protocol"
)

var usernameRe = regexp.MustCompile(`^[\p{L}\p{N}_.\-]{1,32}$`)

// Options tunes a Server. Zero values pick defaults.
type Options struct {
	MaxPayload     int
	OutboundBuffer int
	WriteTimeout   time.Duration
	// CloseGrace bounds how long a closing session waits for its queue to drain.
	CloseGrace time.Duration
	Mirror     Mirror
}

type Server struct {
	addr     string
	opts     Options
	logger   *slog.Logger
	dir      directory.Directory
	reg      *Registry
	router   *Router
	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	wg     sync.WaitGroup

	regOnce  sync.Once
	stopOnce sync.Once
}

func NewServer(addr string, dir directory.Directory, opts Options, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.CloseGrace <= 0 {
		opts.CloseGrace = 2 * time.Second
	}
	reg := NewRegistry(128, logger)
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:   addr,
		opts:   opts,
		logger: logger,
		dir:    dir,
		reg:    reg,
		router: NewRouter(reg, dir, opts.Mirror, logger),
		ctx:    ctx,
		cancel: cancel,
		conns:  make(map[net.Conn]struct{}),
	}
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.Serve(ln)
	return nil
}

// Serve starts the registry and accepts connections from ln in the background.
func (s *Server) Serve(ln net.Listener) {
	s.listener = ln

	s.startRegistry()
	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
}

// Addr returns the listening address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Registry exposes the online table, mainly for tests and metrics.
func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) startRegistry() {
	s.regOnce.Do(func() {
		go s.reg.Run()
	})
}

func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("shutting down")
		s.cancel()

		if s.listener != nil {
			s.listener.Close()
		}

		// Unblock every worker stuck in a read, logged in or not.
		s.connMu.Lock()
		for c := range s.conns {
			_ = c.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()

		// Make sure Run is there to be stopped even if nothing was served.
		s.startRegistry()
		s.reg.Stop()
		s.reg.Wait()

		s.logger.Info("shutdown complete")
	})
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			// Closing the listener ends the loop.
			if !errors.Is(err, net.ErrClosed) {
				s.logger.Error("accept failed", "error", err)
			}
			return
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())
		if !s.handle(conn) {
			return
		}
	}
}

// handle spawns the worker for conn. It reports false once the server is
// stopping, in which case conn has been closed.
func (s *Server) handle(conn net.Conn) bool {
	if !s.track(conn) {
		conn.Close()
		return false
	}
	go func() {
		defer s.wg.Done()
		defer s.untrack(conn)
		s.serveConn(s.ctx, conn)
	}()
	return true
}

func (s *Server) track(conn net.Conn) bool {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.ctx.Err() != nil {
		return false
	}
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

// serveConn runs one connection through login and its receive loop. It
// returns when the connection is finished and always closes it.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) {
	sess := newSession(conn, s.opts.OutboundBuffer, s.opts.WriteTimeout, s.logger)
	log := s.logger.With("conn_id", sess.ID, "addr", conn.RemoteAddr().String())
	defer sess.close(s.opts.CloseGrace)

	dec := protocol.NewDecoder(conn, s.opts.MaxPayload)

	if err := s.login(ctx, sess, dec); err != nil {
		log.Info("login rejected", "username", sess.Username, "error", err)
		return
	}
	log = log.With("username", sess.Username)
	defer s.router.Leave(sess)

	s.router.Join(ctx, sess)

	for {
		msg, err := dec.Decode()
		if err != nil {
			if protocol.IsDecodeError(err) {
				log.Warn("dropping connection after malformed frame", "error", err)
			} else {
				log.Info("client disconnected")
			}
			return
		}
		s.router.Handle(ctx, sess, msg)
	}
}

// login drives AwaitingLogin -> Authenticated. On error the session was not
// registered and the caller closes it.
func (s *Server) login(ctx context.Context, sess *Session, dec *protocol.Decoder) error {
	msg, err := dec.Decode()
	if err != nil {
		LoginsTotal.WithLabelValues("no_login").Inc()
		return fmt.Errorf("read login: %w", err)
	}
	if msg.Kind != protocol.KindLogin {
		LoginsTotal.WithLabelValues("no_login").Inc()
		return fmt.Errorf("first message was %s, not %s", msg.Kind, protocol.KindLogin)
	}

	username := strings.TrimSpace(msg.Content)
	if username == protocol.Everyone || !usernameRe.MatchString(username) {
		LoginsTotal.WithLabelValues("invalid").Inc()
		sess.Send(protocol.Error("Invalid username"))
		return ErrUsernameInvalid
	}
	sess.Username = username

	pinned, err := directory.ClaimIP(ctx, s.dir, username, sess.IP)
	if err != nil {
		LoginsTotal.WithLabelValues("directory_error").Inc()
		PersistenceFailures.WithLabelValues("claim_ip").Inc()
		sess.Send(protocol.Error("Access Denied: directory unavailable"))
		return fmt.Errorf("%w: %v", ErrAccessDenied, err)
	}
	if pinned != sess.IP {
		LoginsTotal.WithLabelValues("ip_mismatch").Inc()
		sess.Send(protocol.Error("Access Denied: username is registered from another address"))
		return ErrAccessDenied
	}

	if err := s.reg.Register(sess); err != nil {
		LoginsTotal.WithLabelValues("taken").Inc()
		if errors.Is(err, ErrUsernameTaken) {
			sess.Send(protocol.Error("Username taken"))
		}
		return err
	}

	LoginsTotal.WithLabelValues("ok").Inc()
	return nil
}
