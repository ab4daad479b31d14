// Package testutil provides in-process test doubles, most notably a fake
// chat gateway speaking just enough of the IRC-over-websocket protocol to
// exercise the client and manager.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// IRCServer is an in-process websocket chat gateway. It accepts one or more
// sessions, answers the registration and join sequence, echoes PINGs, and
// records everything the client sends.
type IRCServer struct {
	t   *testing.T
	srv *httptest.Server

	// Behavior knobs, set before the client dials.
	RejectAuth  bool // answer PASS/NICK with a login-failure NOTICE
	SilentJoin  bool // never acknowledge JOIN (client should time out)
	IgnorePings bool // never answer client PINGs (keepalive should fire)

	mu       sync.Mutex
	received []string
	conns    []*websocket.Conn
	inject   chan string
}

// NewIRCServer starts the fake gateway. It is shut down with the test.
func NewIRCServer(t *testing.T) *IRCServer {
	t.Helper()
	s := &IRCServer{t: t, inject: make(chan string, 16)}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// URL returns the ws:// address clients should dial.
func (s *IRCServer) URL() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

// Close tears the server and all live sessions down.
func (s *IRCServer) Close() {
	s.mu.Lock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
	s.mu.Unlock()
	s.srv.Close()
}

// Received returns a copy of every line the client has sent so far.
func (s *IRCServer) Received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.received))
	copy(out, s.received)
	return out
}

// ReceivedMatching returns received lines with the given prefix.
func (s *IRCServer) ReceivedMatching(prefix string) []string {
	var out []string
	for _, l := range s.Received() {
		if strings.HasPrefix(l, prefix) {
			out = append(out, l)
		}
	}
	return out
}

// Inject queues a raw protocol line for delivery to the connected client.
func (s *IRCServer) Inject(line string) {
	s.inject <- line
}

// DropConnections closes every live session abruptly, simulating a network
// fault.
func (s *IRCServer) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

// WaitFor polls until a received line has the given prefix or the timeout
// elapses.
func (s *IRCServer) WaitFor(prefix string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.ReceivedMatching(prefix)) > 0 {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *IRCServer) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()

	writeMu := &sync.Mutex{}
	write := func(line string) {
		writeMu.Lock()
		defer writeMu.Unlock()
		_ = conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n"))
	}

	stop := make(chan struct{})
	go func() {
		for {
			select {
			case <-stop:
				return
			case line := <-s.inject:
				write(line)
			}
		}
	}()
	defer close(stop)

	var nick string
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line == "" {
				continue
			}
			s.mu.Lock()
			s.received = append(s.received, line)
			s.mu.Unlock()

			switch {
			case strings.HasPrefix(line, "NICK "):
				nick = strings.TrimPrefix(line, "NICK ")
				if s.RejectAuth {
					write(":tmi.example.test NOTICE * :Login authentication failed")
					continue
				}
				write(":tmi.example.test 001 " + nick + " :Welcome, GLHF!")
			case strings.HasPrefix(line, "JOIN "):
				if s.SilentJoin {
					continue
				}
				ch := strings.TrimPrefix(line, "JOIN ")
				write(":" + nick + "!" + nick + "@" + nick + ".tmi.example.test JOIN " + ch)
				write(":tmi.example.test 366 " + nick + " " + ch + " :End of /NAMES list")
			case strings.HasPrefix(line, "PART "):
				ch := strings.TrimPrefix(line, "PART ")
				write(":" + nick + "!" + nick + "@" + nick + ".tmi.example.test PART " + ch)
			case strings.HasPrefix(line, "PING"):
				if s.IgnorePings {
					continue
				}
				reply := "tmi.example.test"
				if _, rest, ok := strings.Cut(line, ":"); ok {
					reply = rest
				}
				write(":tmi.example.test PONG tmi.example.test :" + reply)
			}
		}
	}
}
