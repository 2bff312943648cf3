package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/andy6609/lanchat/internal/directory"
	"github.com/andy6609/lanchat/internal/protocol"
)

// addrConn gives one end of a net.Pipe a routable remote address.
type addrConn struct {
	net.Conn
	remote net.Addr
}

func (c addrConn) RemoteAddr() net.Addr { return c.remote }

type testClient struct {
	t    *testing.T
	conn net.Conn
	msgs chan protocol.Message
}

func newTestServer(t *testing.T, dir directory.Directory, opts Options) *Server {
	t.Helper()
	if dir == nil {
		dir = directory.NewMemory()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", dir, opts, logger)
	srv.startRegistry()
	t.Cleanup(srv.Stop)
	return srv
}

// connect attaches a client to srv as if it dialed in from ip.
func connect(t *testing.T, srv *Server, ip string) *testClient {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	remote := &net.TCPAddr{IP: net.ParseIP(ip), Port: 40000}
	require.True(t, srv.handle(addrConn{Conn: serverSide, remote: remote}))

	c := &testClient{t: t, conn: clientSide, msgs: make(chan protocol.Message, 512)}
	go func() {
		defer close(c.msgs)
		dec := protocol.NewDecoder(clientSide, 0)
		for {
			m, err := dec.Decode()
			if err != nil {
				return
			}
			c.msgs <- m
		}
	}()
	t.Cleanup(func() { clientSide.Close() })
	return c
}

// login connects, logs in and consumes the welcome notice.
func login(t *testing.T, srv *Server, username, ip string) *testClient {
	t.Helper()
	c := connect(t, srv, ip)
	c.send(protocol.Login(username))
	welcome := c.next()
	require.Equal(t, protocol.Info("Welcome "+username+"!"), welcome)
	return c
}

func (c *testClient) send(m protocol.Message) {
	c.t.Helper()
	require.NoError(c.t, protocol.WriteMessage(c.conn, m))
}

func (c *testClient) next() protocol.Message {
	c.t.Helper()
	select {
	case m, ok := <-c.msgs:
		if !ok {
			c.t.Fatal("connection closed while waiting for a message")
		}
		return m
	case <-time.After(2 * time.Second):
		c.t.Fatal("timeout waiting for a message")
	}
	return protocol.Message{}
}

func (c *testClient) roster() []string {
	c.t.Helper()
	return waitForKind(c.t, c.msgs, protocol.KindUserList).Users
}

func (c *testClient) expectClosed() {
	c.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-c.msgs:
			if !ok {
				return
			}
		case <-deadline:
			c.t.Fatal("connection was not closed")
		}
	}
}

func chatTo(to, content string) protocol.Message {
	return protocol.Message{Kind: protocol.KindChat, To: to, Content: content}
}

func TestServer_Scenario(t *testing.T) {
	dir := directory.NewMemory()
	srv := newTestServer(t, dir, Options{})

	alice := login(t, srv, "alice", "10.0.0.5")
	assert.Equal(t, []string{"alice"}, alice.roster())

	bob := login(t, srv, "bob", "10.0.0.9")
	assert.Equal(t, []string{"alice", "bob"}, bob.roster())
	assert.Equal(t, []string{"alice", "bob"}, alice.roster())

	alice.send(chatTo(protocol.Everyone, "hi"))
	want := protocol.Message{Kind: protocol.KindChat, From: "alice", To: protocol.Everyone, Content: "hi"}
	assert.Equal(t, want, alice.next())
	assert.Equal(t, want, bob.next())

	bob.send(chatTo("alice", "yo"))
	dm := protocol.Message{Kind: protocol.KindChat, From: "bob", To: "alice", Content: "yo", Private: true}
	assert.Equal(t, dm, alice.next())
	assert.Equal(t, dm, bob.next())

	rows := dir.Messages()
	require.Len(t, rows, 2)
	assert.Equal(t, directory.KindBroadcast, rows[0].Kind)
	assert.Equal(t, "alice", rows[0].Sender)
	assert.Equal(t, directory.Everyone, rows[0].Recipient)
	assert.Equal(t, directory.KindPrivate, rows[1].Kind)
	assert.Equal(t, "bob", rows[1].Sender)
	assert.Equal(t, "alice", rows[1].Recipient)

	alice.conn.Close()
	assert.Equal(t, []string{"bob"}, bob.roster())

	intruder := connect(t, srv, "10.0.0.99")
	intruder.send(protocol.Login("alice"))
	denied := intruder.next()
	assert.Equal(t, protocol.KindError, denied.Kind)
	assert.Contains(t, denied.Content, "Access Denied")
	intruder.expectClosed()

	assert.Equal(t, []string{"bob"}, srv.Registry().Usernames())
	assertQuiet(t, bob.msgs)

	pin, err := dir.UserIP(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", pin)
}

func TestServer_FirstLoginPinsAddress(t *testing.T) {
	dir := directory.NewMemory()
	srv := newTestServer(t, dir, Options{})

	c := login(t, srv, "carol", "192.168.1.20")
	pin, err := dir.UserIP(context.Background(), "carol")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.20", pin)

	c.conn.Close()
	c.expectClosed()
	require.Eventually(t, func() bool { return len(srv.Registry().Usernames()) == 0 }, 2*time.Second, 10*time.Millisecond)

	// Same address may come back.
	login(t, srv, "carol", "192.168.1.20")
}

func TestServer_UsernameTakenFromSameAddress(t *testing.T) {
	srv := newTestServer(t, nil, Options{})

	first := login(t, srv, "alice", "10.0.0.5")
	first.roster()

	second := connect(t, srv, "10.0.0.5")
	second.send(protocol.Login("alice"))
	assert.Equal(t, protocol.Error("Username taken"), second.next())
	second.expectClosed()

	assert.Equal(t, []string{"alice"}, srv.Registry().Usernames())
	assertQuiet(t, first.msgs)
}

func TestServer_FirstFrameMustBeLogin(t *testing.T) {
	srv := newTestServer(t, nil, Options{})

	c := connect(t, srv, "10.0.0.5")
	c.send(chatTo(protocol.Everyone, "sneaky"))
	c.expectClosed()
	assert.Empty(t, srv.Registry().Usernames())
}

func TestServer_MalformedLoginFrameCloses(t *testing.T) {
	srv := newTestServer(t, nil, Options{})

	c := connect(t, srv, "10.0.0.5")
	_, err := c.conn.Write([]byte("abc       "))
	require.NoError(t, err)
	c.expectClosed()
	assert.Empty(t, srv.Registry().Usernames())
}

func TestServer_InvalidUsername(t *testing.T) {
	srv := newTestServer(t, nil, Options{})

	for _, name := range []string{"", "   ", protocol.Everyone, "has space", "colon:name", "waytoolongusername_waytoolongusername"} {
		c := connect(t, srv, "10.0.0.5")
		c.send(protocol.Login(name))
		assert.Equal(t, protocol.Error("Invalid username"), c.next(), "name %q", name)
		c.expectClosed()
	}
	assert.Empty(t, srv.Registry().Usernames())
}

func TestServer_MalformedFrameAfterLoginDropsSession(t *testing.T) {
	srv := newTestServer(t, nil, Options{})

	alice := login(t, srv, "alice", "10.0.0.5")
	alice.roster()
	bob := login(t, srv, "bob", "10.0.0.9")
	bob.roster()
	alice.roster()

	_, err := bob.conn.Write([]byte("-1        "))
	require.NoError(t, err)
	bob.expectClosed()

	assert.Equal(t, []string{"alice"}, alice.roster())
}

func TestServer_ReplaysPublicHistoryOnJoin(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, dir.StoreMessage(ctx, directory.StoredMessage{
		Sender: "alice", Recipient: directory.Everyone, Kind: directory.KindBroadcast, Content: "first", Timestamp: base,
	}))
	require.NoError(t, dir.StoreMessage(ctx, directory.StoredMessage{
		Sender: "alice", Recipient: "bob", Kind: directory.KindPrivate, Content: "secret", Timestamp: base.Add(time.Second),
	}))
	require.NoError(t, dir.StoreMessage(ctx, directory.StoredMessage{
		Sender: "bob", Recipient: directory.Everyone, Kind: directory.KindBroadcast, Content: "second", Timestamp: base.Add(2 * time.Second),
	}))

	srv := newTestServer(t, dir, Options{})
	c := login(t, srv, "dave", "10.0.0.7")

	assert.Equal(t, protocol.UserList([]string{"dave"}), c.next())
	assert.Equal(t, protocol.Message{
		Kind: protocol.KindChat, From: "alice", To: protocol.Everyone, Content: "first", Timestamp: "2024-05-01 10:00:00",
	}, c.next())
	assert.Equal(t, protocol.Message{
		Kind: protocol.KindChat, From: "bob", To: protocol.Everyone, Content: "second", Timestamp: "2024-05-01 10:00:02",
	}, c.next())
	assertQuiet(t, c.msgs)
}

func TestServer_HistoryLargerThanQueueIsReplayedInFull(t *testing.T) {
	ctx := context.Background()
	dir := directory.NewMemory()
	const n = 40
	for i := 0; i < n; i++ {
		require.NoError(t, dir.StoreMessage(ctx, directory.StoredMessage{
			Sender: "alice", Recipient: directory.Everyone, Kind: directory.KindBroadcast, Content: "line",
		}))
	}

	srv := newTestServer(t, dir, Options{OutboundBuffer: 4})
	c := login(t, srv, "erin", "10.0.0.8")
	c.roster()
	for i := 0; i < n; i++ {
		assert.Equal(t, "line", c.next().Content)
	}
}

func TestServer_OverTCP(t *testing.T) {
	dir := directory.NewMemory()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("127.0.0.1:0", dir, Options{}, logger)
	require.NoError(t, srv.Start())
	t.Cleanup(srv.Stop)

	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteMessage(conn, protocol.Login("alice")))
	dec := protocol.NewDecoder(conn, 0)

	m, err := dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.Info("Welcome alice!"), m)

	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.UserList([]string{"alice"}), m)

	require.NoError(t, protocol.WriteMessage(conn, chatTo(protocol.Everyone, "over tcp")))
	m, err = dec.Decode()
	require.NoError(t, err)
	assert.Equal(t, protocol.Message{Kind: protocol.KindChat, From: "alice", To: protocol.Everyone, Content: "over tcp"}, m)

	pin, err := dir.UserIP(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", pin)
}

func TestServer_StopClosesEveryConnection(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv := NewServer("", directory.NewMemory(), Options{}, logger)
	srv.startRegistry()

	alice := login(t, srv, "alice", "10.0.0.5")
	pending := connect(t, srv, "10.0.0.6")

	done := make(chan struct{})
	go func() {
		srv.Stop()
		close(done)
	}()

	alice.expectClosed()
	pending.expectClosed()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Stop did not return")
	}

	serverSide, _ := net.Pipe()
	assert.False(t, srv.handle(serverSide))
}

type recordingMirror struct {
	mu   sync.Mutex
	msgs []directory.StoredMessage
}

func (m *recordingMirror) Publish(_ context.Context, msg directory.StoredMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.msgs = append(m.msgs, msg)
	return nil
}

func (m *recordingMirror) snapshot() []directory.StoredMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]directory.StoredMessage(nil), m.msgs...)
}

type failingStore struct {
	*directory.Memory
}

func (failingStore) StoreMessage(context.Context, directory.StoredMessage) error {
	return errors.New("disk full")
}

func TestServer_DirectoryFailureDeniesLogin(t *testing.T) {
	srv := newTestServer(t, brokenDirectory{directory.NewMemory()}, Options{})

	c := connect(t, srv, "10.0.0.5")
	c.send(protocol.Login("alice"))
	m := c.next()
	assert.Equal(t, protocol.KindError, m.Kind)
	assert.Contains(t, m.Content, "Access Denied")
	c.expectClosed()
}

type brokenDirectory struct {
	*directory.Memory
}

func (brokenDirectory) UserIP(context.Context, string) (string, error) {
	return "", errors.New("connection refused")
}
