package irc

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/chat-tender/testutil"
)

type recorder struct {
	mu       sync.Mutex
	states   []State
	messages []*Message
	controls []*Control
	closed   chan error
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan error, 1)}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnState: func(_, to State) {
			r.mu.Lock()
			r.states = append(r.states, to)
			r.mu.Unlock()
		},
		OnMessage: func(m *Message) {
			r.mu.Lock()
			r.messages = append(r.messages, m)
			r.mu.Unlock()
		},
		OnControl: func(c *Control) {
			r.mu.Lock()
			r.controls = append(r.controls, c)
			r.mu.Unlock()
		},
		OnClosed: func(err error) { r.closed <- err },
	}
}

func (r *recorder) stateSeq() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]State, len(r.states))
	copy(out, r.states)
	return out
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestClient(srv *testutil.IRCServer, rec *recorder) *Client {
	return NewClient(Config{
		URL:              srv.URL(),
		Nick:             "bot",
		Token:            "token",
		Channel:          "somechannel",
		HandshakeTimeout: 2 * time.Second,
		KeepAliveEvery:   time.Hour, // keepalive inert unless a test opts in
		PongTimeout:      time.Second,
	}, rec.callbacks())
}

func TestConnectDrivesStateMachine(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)

	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect(context.Background())

	want := []State{StateConnecting, StateAuthenticating, StateJoining, StateConnected}
	got := rec.stateSeq()
	if len(got) < len(want) {
		t.Fatalf("states = %v, want prefix %v", got, want)
	}
	for i, s := range want {
		if got[i] != s {
			t.Fatalf("states = %v, want prefix %v", got, want)
		}
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v", c.State())
	}

	lines := srv.Received()
	var order []string
	for _, l := range lines {
		order = append(order, strings.Fields(l)[0])
	}
	joined := strings.Join(order, " ")
	if !strings.HasPrefix(joined, "CAP PASS NICK JOIN") {
		t.Errorf("registration order = %v", order)
	}
	for _, l := range lines {
		if strings.HasPrefix(l, "PASS ") && l != "PASS oauth:token" {
			t.Errorf("PASS line = %q", l)
		}
	}
}

func TestConnectAuthRejected(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	srv.RejectAuth = true
	rec := newRecorder()
	c := newTestClient(srv, rec)

	err := c.Connect(context.Background())
	if !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("err = %v, want ErrAuthFailed", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state after auth failure = %v, want idle", c.State())
	}
	// Connect failures report through the return value, not OnClosed.
	select {
	case err := <-rec.closed:
		t.Errorf("OnClosed fired during connect: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConnectJoinTimeout(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	srv.SilentJoin = true
	rec := newRecorder()
	c := NewClient(Config{
		URL:              srv.URL(),
		Nick:             "bot",
		Token:            "token",
		Channel:          "somechannel",
		HandshakeTimeout: 150 * time.Millisecond,
	}, rec.callbacks())

	var te *TransportError
	err := c.Connect(context.Background())
	if err == nil || !errors.As(err, &te) {
		t.Fatalf("err = %v, want TransportError", err)
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestConnectCanceledContext(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	srv.SilentJoin = true
	rec := newRecorder()
	c := newTestClient(srv, rec)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := c.Connect(ctx); err == nil {
		t.Fatal("Connect succeeded with a canceled context and a silent server")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestSendAndReceive(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(context.Background())

	if err := c.Send("hello chat"); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !srv.WaitFor("PRIVMSG #somechannel :hello chat", time.Second) {
		t.Errorf("server never received the message; got %v", srv.Received())
	}

	srv.Inject("@id=m1;display-name=Viewer :viewer!viewer@host PRIVMSG #somechannel :hey bot")
	deadline := time.Now().Add(time.Second)
	for rec.messageCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.messages) != 1 || rec.messages[0].Body != "hey bot" || rec.messages[0].Sender != "viewer" {
		t.Errorf("messages = %+v", rec.messages)
	}
}

func TestSendRequiresConnected(t *testing.T) {
	c := NewClient(Config{URL: "ws://unused", Nick: "bot", Token: "t", Channel: "c"}, Callbacks{})
	if err := c.Send("hi"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}
}

func TestDisconnectSendsPart(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := c.Disconnect(context.Background()); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Errorf("state = %v, want disconnected", c.State())
	}
	if got := srv.ReceivedMatching("PART #somechannel"); len(got) != 1 {
		t.Errorf("PART lines = %v", got)
	}
	// Local disconnect must not look like a fault.
	select {
	case err := <-rec.closed:
		t.Errorf("OnClosed fired on local disconnect: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	// Idempotent.
	if err := c.Disconnect(context.Background()); err != nil {
		t.Errorf("second Disconnect: %v", err)
	}
}

func TestRemoteReconnectFaultsSession(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv.Inject(":tmi.example.test RECONNECT")
	select {
	case err := <-rec.closed:
		if !errors.Is(err, ErrRemoteReconnect) {
			t.Errorf("closed err = %v, want ErrRemoteReconnect", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClosed never fired after RECONNECT")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestDroppedConnectionFaultsSession(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	srv.DropConnections()
	select {
	case err := <-rec.closed:
		var te *TransportError
		if !errors.As(err, &te) {
			t.Errorf("closed err = %v, want TransportError", err)
		}
	case <-time.After(time.Second):
		t.Fatal("OnClosed never fired after connection drop")
	}
	if c.State() != StateIdle {
		t.Errorf("state = %v, want idle", c.State())
	}
}

func TestKeepAliveTimeoutKillsSession(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	srv.IgnorePings = true
	rec := newRecorder()
	c := NewClient(Config{
		URL:              srv.URL(),
		Nick:             "bot",
		Token:            "token",
		Channel:          "somechannel",
		HandshakeTimeout: 2 * time.Second,
		KeepAliveEvery:   50 * time.Millisecond,
		PongTimeout:      50 * time.Millisecond,
	}, rec.callbacks())
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-rec.closed:
		if !errors.Is(err, ErrKeepAliveTimeout) {
			t.Errorf("closed err = %v, want ErrKeepAliveTimeout", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive never fired")
	}
}

func TestServerPingAnswered(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(context.Background())

	srv.Inject("PING :tmi.example.test")
	if !srv.WaitFor("PONG :tmi.example.test", time.Second) {
		t.Errorf("client never answered the server PING; got %v", srv.Received())
	}
}

func TestMalformedFrameDroppedSessionSurvives(t *testing.T) {
	srv := testutil.NewIRCServer(t)
	rec := newRecorder()
	c := newTestClient(srv, rec)
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect(context.Background())

	srv.Inject("@only-tags-no-command")
	srv.Inject("@id=ok :viewer!viewer@host PRIVMSG #somechannel :still alive")
	deadline := time.Now().Add(time.Second)
	for rec.messageCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rec.messageCount() != 1 {
		t.Errorf("messages after malformed frame = %d, want 1", rec.messageCount())
	}
	if c.State() != StateConnected {
		t.Errorf("state = %v, want connected", c.State())
	}
}

func TestStateStrings(t *testing.T) {
	if StateConnected.String() != "connected" || StateErroring.String() != "erroring" {
		t.Error("state names wrong")
	}
}
