// Command client is a line-oriented terminal client for the chat relay.
//
//	/w <user> <text>     private message
//	/history [user|all]  replay history
//	/users               show the last roster
//	/quit                disconnect
//
// Any other line is sent to everyone.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/andy6609/lanchat/internal/config"
	"github.com/andy6609/lanchat/internal/protocol"
)

var whisperRe = regexp.MustCompile(`^/w\s+(\S+)\s+(.+)$`)

type roster struct {
	mu    sync.Mutex
	users []string
}

func (r *roster) set(users []string) {
	r.mu.Lock()
	r.users = users
	r.mu.Unlock()
}

func (r *roster) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return strings.Join(r.users, ", ")
}

func main() {
	host := flag.String("host", "127.0.0.1", "server host")
	port := flag.Int("port", config.DefaultPort, "server port")
	user := flag.String("user", "", "username")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: client -user <name> [-host h] [-port p]")
		os.Exit(2)
	}

	conn, err := net.Dial("tcp", net.JoinHostPort(*host, strconv.Itoa(*port)))
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	if err := protocol.WriteMessage(conn, protocol.Login(*user)); err != nil {
		fmt.Fprintf(os.Stderr, "login: %v\n", err)
		os.Exit(1)
	}

	online := &roster{}
	go func() {
		receive(conn, *user, online)
		os.Exit(0)
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		msg, quit, err := parseLine(scanner.Text())
		if quit {
			return
		}
		if err != nil {
			fmt.Println("!", err)
			continue
		}
		if msg == nil {
			if strings.TrimSpace(scanner.Text()) == "/users" {
				fmt.Println("* online:", online)
			}
			continue
		}
		if err := protocol.WriteMessage(conn, *msg); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			return
		}
	}
}

// parseLine turns one input line into a request. A nil message with no error
// means there is nothing to send.
func parseLine(line string) (*protocol.Message, bool, error) {
	line = strings.TrimRight(line, "\r\n")
	trimmed := strings.TrimSpace(line)

	switch {
	case trimmed == "":
		return nil, false, nil
	case trimmed == "/quit" || trimmed == "/exit":
		return nil, true, nil
	case trimmed == "/users":
		return nil, false, nil
	case strings.HasPrefix(trimmed, "/history"):
		target := strings.TrimSpace(strings.TrimPrefix(trimmed, "/history"))
		if target == "" {
			target = protocol.Everyone
		}
		return &protocol.Message{Kind: protocol.KindHistory, To: target}, false, nil
	case strings.HasPrefix(trimmed, "/w"):
		m := whisperRe.FindStringSubmatch(trimmed)
		if m == nil {
			return nil, false, errors.New("usage: /w <user> <text>")
		}
		return &protocol.Message{Kind: protocol.KindChat, To: m[1], Content: strings.TrimSpace(m[2])}, false, nil
	case strings.HasPrefix(trimmed, "/"):
		return nil, false, fmt.Errorf("unknown command %s", strings.Fields(trimmed)[0])
	default:
		return &protocol.Message{Kind: protocol.KindChat, To: protocol.Everyone, Content: line}, false, nil
	}
}

func receive(conn net.Conn, self string, online *roster) {
	dec := protocol.NewDecoder(conn, 0)
	for {
		m, err := dec.Decode()
		if err != nil {
			if !errors.Is(err, protocol.ErrConnectionClosed) {
				fmt.Fprintf(os.Stderr, "receive: %v\n", err)
			}
			fmt.Println("* disconnected")
			return
		}
		fmt.Println(render(m, self, online))
	}
}

func render(m protocol.Message, self string, online *roster) string {
	stamp := ""
	if m.Timestamp != "" {
		stamp = "[" + m.Timestamp + "] "
	}
	switch m.Kind {
	case protocol.KindUserList:
		online.set(m.Users)
		return "* online: " + strings.Join(m.Users, ", ")
	case protocol.KindInfo:
		return "* " + m.Content
	case protocol.KindError:
		return "! " + m.Content
	case protocol.KindChat:
		if m.Private {
			partner := m.From
			if m.From == self {
				partner = m.To
			}
			return fmt.Sprintf("%s(%s) %s: %s", stamp, partner, m.From, m.Content)
		}
		return fmt.Sprintf("%s%s: %s", stamp, m.From, m.Content)
	default:
		return fmt.Sprintf("? %s %s", m.Kind, m.Content)
	}
}
