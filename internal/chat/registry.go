package chat

import (
	"log/slog"
	"sort"
	"time"

	"github.com/andy6609/lanchat/internal/protocol"
)

// Registry owns the username -> Session table. Every read and write happens
// on the Run goroutine, so each event sees a consistent table.
type Registry struct {
	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}
	logger *slog.Logger
}

func NewRegistry(buffer int, logger *slog.Logger) *Registry {
	if buffer <= 0 {
		buffer = 64
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		events: make(chan Event, buffer),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		logger: logger,
	}
}

// Stop signals the Run loop to exit.
func (r *Registry) Stop() {
	close(r.stopCh)
}

// Wait blocks until the Run loop has completely finished.
func (r *Registry) Wait() {
	<-r.doneCh
}

func (r *Registry) Run() {
	defer close(r.doneCh)
	// Single-writer ownership: this map is only accessed in this goroutine.
	sessions := make(map[string]*Session)

	for {
		select {
		case ev := <-r.events:
			start := time.Now()
			var res Result

			switch ev.Type {
			case EventRegister:
				res = r.handleRegister(sessions, ev)
				ConnectedClients.Set(float64(len(sessions)))
			case EventUnregister:
				res = r.handleUnregister(sessions, ev)
				ConnectedClients.Set(float64(len(sessions)))
			case EventBroadcast:
				r.deliverAll(sessions, ev.Message)
			case EventRoster:
				r.deliverAll(sessions, protocol.UserList(usernames(sessions)))
			case EventLookup:
				res.Session, res.OK = sessions[ev.Username]
			case EventUsers:
				res.Users = usernames(sessions)
			}

			if ev.Reply != nil {
				ev.Reply <- res
			}
			EventProcessingDuration.WithLabelValues(ev.Type.String()).Observe(time.Since(start).Seconds())
		case <-r.stopCh:
			return
		}
	}
}

func (r *Registry) handleRegister(sessions map[string]*Session, ev Event) Result {
	s := ev.Session
	if s == nil || s.Username == "" {
		return Result{Err: ErrUsernameInvalid}
	}
	if _, exists := sessions[s.Username]; exists {
		return Result{Err: ErrUsernameTaken}
	}
	sessions[s.Username] = s
	r.logger.Info("user registered", "username", s.Username, "conn_id", s.ID)
	return Result{OK: true}
}

func (r *Registry) handleUnregister(sessions map[string]*Session, ev Event) Result {
	s := ev.Session
	if s == nil || s.Username == "" {
		return Result{}
	}
	// A stale session must not evict a newer one holding the same name.
	if cur, ok := sessions[s.Username]; !ok || cur != s {
		return Result{}
	}
	delete(sessions, s.Username)
	r.logger.Info("user left", "username", s.Username, "conn_id", s.ID)
	return Result{OK: true}
}

func (r *Registry) deliverAll(sessions map[string]*Session, msg protocol.Message) {
	for name, s := range sessions {
		if !s.Send(msg) {
			r.logger.Warn("dropped outbound message", "username", name, "kind", string(msg.Kind))
		}
	}
}

func usernames(sessions map[string]*Session) []string {
	names := make([]string, 0, len(sessions))
	for name := range sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// submit hands ev to the Run loop and waits for its answer. It reports false
// if the registry stopped first.
func (r *Registry) submit(ev Event) (Result, bool) {
	ev.Reply = make(chan Result, 1)
	select {
	case r.events <- ev:
	case <-r.doneCh:
		return Result{}, false
	}
	select {
	case res := <-ev.Reply:
		return res, true
	case <-r.doneCh:
		return Result{}, false
	}
}

// Register claims s.Username for s. Exactly one of several concurrent
// registrations for the same name succeeds; the rest get ErrUsernameTaken.
func (r *Registry) Register(s *Session) error {
	res, ok := r.submit(Event{Type: EventRegister, Session: s})
	if !ok {
		return ErrRegistryStopped
	}
	return res.Err
}

// Deregister removes s if it is still the session registered under its name.
// It reports whether anything was removed, so repeated calls are harmless.
func (r *Registry) Deregister(s *Session) bool {
	res, ok := r.submit(Event{Type: EventUnregister, Session: s})
	return ok && res.OK
}

func (r *Registry) Lookup(username string) (*Session, bool) {
	res, ok := r.submit(Event{Type: EventLookup, Username: username})
	if !ok {
		return nil, false
	}
	return res.Session, res.OK
}

// Usernames returns the online usernames in sorted order.
func (r *Registry) Usernames() []string {
	res, _ := r.submit(Event{Type: EventUsers})
	return res.Users
}

// Broadcast queues msg for every registered session.
func (r *Registry) Broadcast(msg protocol.Message) {
	r.submit(Event{Type: EventBroadcast, Message: msg})
}

// BroadcastRoster sends the current roster to every registered session. The
// roster and the recipients come from the same snapshot.
func (r *Registry) BroadcastRoster() {
	r.submit(Event{Type: EventRoster})
}
