package irc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/onnwee/chat-tender/telemetry"
)

// State is the session lifecycle position. Transitions are strictly ordered
// during connect (idle -> connecting -> authenticating -> joining ->
// connected); any fault after that collapses through erroring back to idle.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAuthenticating
	StateJoining
	StateConnected
	StateDisconnecting
	StateDisconnected
	StateErroring
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoining:
		return "joining"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateErroring:
		return "erroring"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrAuthFailed means the gateway rejected the credential during
	// registration. Reconnecting with the same token will not help.
	ErrAuthFailed = errors.New("irc: login authentication failed")

	// ErrKeepAliveTimeout means a PING went unanswered past the pong
	// deadline; the session is presumed dead.
	ErrKeepAliveTimeout = errors.New("irc: keepalive timeout")

	// ErrRemoteReconnect means the gateway asked us to drop and redial.
	ErrRemoteReconnect = errors.New("irc: server requested reconnect")

	// ErrNotConnected is returned by Send outside the connected state.
	ErrNotConnected = errors.New("irc: not connected")
)

// TransportError wraps a websocket-level failure with the operation that hit it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "irc: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// Config holds the parameters for one session.
type Config struct {
	URL     string // websocket gateway, e.g. wss://irc-ws.chat.twitch.tv:443
	Nick    string // login name, lowercase
	Token   string // bare OAuth access token (no oauth: prefix)
	Channel string // channel to join, no leading #

	HandshakeTimeout time.Duration // per-phase deadline during connect
	KeepAliveEvery   time.Duration // PING cadence once connected
	PongTimeout      time.Duration // how long to wait for the PONG
}

// Callbacks receive session output. All are optional and are invoked from the
// client's internal goroutines; handlers must not call back into the client.
type Callbacks struct {
	OnState   func(from, to State)
	OnMessage func(*Message)
	OnControl func(*Control)
	// OnClosed fires once when an established session dies for any reason
	// other than a local Disconnect.
	OnClosed func(err error)
}

// Client is one websocket chat session for one channel. A Client is
// single-use: after it reaches disconnected or faults back to idle, open a
// new one.
type Client struct {
	cfg Config
	cb  Callbacks
	log *slog.Logger

	mu    sync.Mutex
	state State
	conn  *websocket.Conn

	writeMu sync.Mutex

	pending []string // parsed-but-undelivered lines from the last frame

	pongCh    chan struct{}
	partCh    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closing   bool // set by Disconnect so read errors aren't reported as faults
}

// NewClient builds an idle client. Connect starts the session.
func NewClient(cfg Config, cb Callbacks) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 15 * time.Second
	}
	if cfg.KeepAliveEvery <= 0 {
		cfg.KeepAliveEvery = 60 * time.Second
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		cb:     cb,
		log:    slog.With(slog.String("component", "irc"), slog.String("channel", cfg.Channel)),
		state:  StateIdle,
		pongCh: make(chan struct{}, 1),
		partCh: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(to State) {
	c.mu.Lock()
	from := c.state
	c.state = to
	c.mu.Unlock()
	if from != to && c.cb.OnState != nil {
		c.cb.OnState(from, to)
	}
}

// Connect dials the gateway and drives registration through to the join
// acknowledgement. On return with nil error the client is connected and its
// read and keepalive loops are running. On any error the client has already
// collapsed back to idle.
func (c *Client) Connect(ctx context.Context) error {
	if st := c.State(); st != StateIdle {
		return fmt.Errorf("irc: connect from %s", st)
	}
	c.setState(StateConnecting)

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		c.abortConnect()
		return &TransportError{Op: "dial", Err: err}
	}
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	// A canceled ctx during the handshake unblocks the reads below by
	// closing the socket out from under them.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-watchDone:
		}
	}()

	if err := c.register(); err != nil {
		c.abortConnect()
		return err
	}
	c.setState(StateAuthenticating)
	if err := c.awaitAuthAck(ctx); err != nil {
		c.abortConnect()
		return err
	}
	c.setState(StateJoining)
	if err := c.writeLine("JOIN #" + c.cfg.Channel); err != nil {
		c.abortConnect()
		return err
	}
	if err := c.awaitJoinAck(ctx); err != nil {
		c.abortConnect()
		return err
	}
	c.setState(StateConnected)
	c.log.Info("session established")

	go c.readLoop()
	go c.keepAlive()
	return nil
}

// register sends the capability request and credentials.
func (c *Client) register() error {
	for _, line := range []string{
		"CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership",
		"PASS oauth:" + c.cfg.Token,
		"NICK " + c.cfg.Nick,
	} {
		if err := c.writeLine(line); err != nil {
			return err
		}
	}
	return nil
}

// awaitAuthAck reads until the welcome numeric (001). A login-failure NOTICE
// before the welcome maps to ErrAuthFailed.
func (c *Client) awaitAuthAck(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		f, err := c.nextFrame(deadline)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "await welcome", Err: err}
		}
		switch f.Command {
		case "001":
			return nil
		case "NOTICE":
			text := lastParam(f)
			if strings.Contains(strings.ToLower(text), "authentication failed") ||
				strings.Contains(strings.ToLower(text), "improperly formatted auth") {
				return ErrAuthFailed
			}
		case "PING":
			_ = c.writeLine("PONG :" + lastParam(f))
		}
	}
}

// awaitJoinAck reads until the end-of-names numeric (366) for our channel.
func (c *Client) awaitJoinAck(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	for {
		f, err := c.nextFrame(deadline)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &TransportError{Op: "await join", Err: err}
		}
		switch f.Command {
		case "366":
			return nil
		case "NOTICE":
			if c.cb.OnControl != nil {
				c.cb.OnControl(&Control{Kind: ControlNotice, Channel: c.cfg.Channel, Text: lastParam(f)})
			}
		case "PING":
			_ = c.writeLine("PONG :" + lastParam(f))
		}
	}
}

// abortConnect tears down a session that never finished connecting:
// erroring, then idle, without firing OnClosed.
func (c *Client) abortConnect() {
	c.setState(StateErroring)
	c.shutdown()
	c.setState(StateIdle)
}

// Send delivers one chat line to the joined channel. Rate limiting is the
// caller's concern; the client only enforces connection state.
func (c *Client) Send(text string) error {
	if c.State() != StateConnected {
		return ErrNotConnected
	}
	if err := c.writeLine("PRIVMSG #" + c.cfg.Channel + " :" + text); err != nil {
		return err
	}
	if telemetry.MessagesSent != nil {
		telemetry.MessagesSent.Inc()
	}
	return nil
}

// Disconnect leaves the channel and closes the session. It waits briefly for
// the server's leave acknowledgement, then closes regardless. Safe to call in
// any state; after return the client is disconnected.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	st := c.state
	if st == StateDisconnected || st == StateDisconnecting {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.setState(StateDisconnecting)
	if st == StateConnected {
		if err := c.writeLine("PART #" + c.cfg.Channel); err == nil {
			wait := 2 * time.Second
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem < wait {
					wait = rem
				}
			}
			select {
			case <-c.partCh:
			case <-time.After(wait):
				c.log.Debug("leave ack timed out; closing anyway")
			case <-ctx.Done():
			}
		}
	}
	c.shutdown()
	c.setState(StateDisconnected)
	c.log.Info("session closed")
	return nil
}

// fault handles an unexpected session death: erroring, teardown, idle, then
// the OnClosed notification. Idempotent; a fault racing Disconnect is
// swallowed.
func (c *Client) fault(err error) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	c.mu.Unlock()

	c.log.Warn("session fault", slog.Any("err", err))
	c.setState(StateErroring)
	c.shutdown()
	c.setState(StateIdle)
	if c.cb.OnClosed != nil {
		c.cb.OnClosed(err)
	}
}

// shutdown closes the socket and the done channel exactly once.
func (c *Client) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
	})
}

// readLoop delivers frames until the session dies.
func (c *Client) readLoop() {
	for {
		f, err := c.nextFrame(time.Time{})
		if err != nil {
			c.fault(&TransportError{Op: "read", Err: err})
			return
		}
		if fatal := c.handleFrame(f); fatal != nil {
			c.fault(fatal)
			return
		}
	}
}

// handleFrame routes one frame. A non-nil return kills the session.
func (c *Client) handleFrame(f *Frame) error {
	switch f.Command {
	case "PING":
		if err := c.writeLine("PONG :" + lastParam(f)); err != nil {
			return &TransportError{Op: "pong", Err: err}
		}
	case "PONG":
		select {
		case c.pongCh <- struct{}{}:
		default:
		}
	case "PRIVMSG":
		m, err := newMessage(f)
		if err != nil {
			c.dropFrame(err)
			return nil
		}
		if telemetry.MessagesReceived != nil {
			telemetry.MessagesReceived.Inc()
		}
		if c.cb.OnMessage != nil {
			c.cb.OnMessage(m)
		}
	case "JOIN", "PART":
		if len(f.Params) == 0 {
			c.dropFrame(fmt.Errorf("irc: %s without channel", f.Command))
			return nil
		}
		ctl := &Control{
			Kind:    ControlJoin,
			Channel: channelName(f.Params[0]),
			User:    prefixNick(f.Prefix),
		}
		if f.Command == "PART" {
			ctl.Kind = ControlPart
			if ctl.User == c.cfg.Nick {
				select {
				case c.partCh <- struct{}{}:
				default:
				}
			}
		}
		if c.cb.OnControl != nil {
			c.cb.OnControl(ctl)
		}
	case "NOTICE":
		if c.cb.OnControl != nil {
			ctl := &Control{Kind: ControlNotice, Text: lastParam(f)}
			if len(f.Params) > 1 {
				ctl.Channel = channelName(f.Params[0])
			}
			c.cb.OnControl(ctl)
		}
	case "CLEARCHAT":
		if c.cb.OnControl != nil {
			ctl := &Control{Kind: ControlClearChat}
			if len(f.Params) > 0 {
				ctl.Channel = channelName(f.Params[0])
			}
			if len(f.Params) > 1 {
				ctl.User = lastParam(f)
			}
			c.cb.OnControl(ctl)
		}
	case "RECONNECT":
		return ErrRemoteReconnect
	}
	return nil
}

// keepAlive probes the session with PING on a fixed cadence and kills it when
// the PONG misses its deadline.
func (c *Client) keepAlive() {
	t := time.NewTicker(c.cfg.KeepAliveEvery)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
		}
		// Drain a stale pong from a previous round.
		select {
		case <-c.pongCh:
		default:
		}
		if err := c.writeLine("PING :keepalive"); err != nil {
			c.fault(&TransportError{Op: "keepalive ping", Err: err})
			return
		}
		select {
		case <-c.pongCh:
		case <-time.After(c.cfg.PongTimeout):
			c.fault(ErrKeepAliveTimeout)
			return
		case <-c.done:
			return
		}
	}
}

// nextFrame returns the next parsed line, reading more websocket frames as
// needed. Unparseable lines are counted, logged, and skipped. A zero deadline
// means no read deadline. Only the session's single reader calls this.
func (c *Client) nextFrame(deadline time.Time) (*Frame, error) {
	for {
		for len(c.pending) > 0 {
			line := c.pending[0]
			c.pending = c.pending[1:]
			f, err := parseFrame(line)
			if err != nil {
				c.dropFrame(err)
				continue
			}
			return f, nil
		}
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return nil, errors.New("connection closed")
		}
		_ = conn.SetReadDeadline(deadline)
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		for _, line := range strings.Split(string(data), "\r\n") {
			if line = strings.TrimRight(line, "\r\n"); line != "" {
				c.pending = append(c.pending, line)
			}
		}
	}
}

// dropFrame records a malformed inbound line without killing the session.
func (c *Client) dropFrame(err error) {
	c.log.Warn("dropping malformed frame", slog.Any("err", err))
	if telemetry.FramesDropped != nil {
		telemetry.FramesDropped.Inc()
	}
}

// writeLine sends one protocol line. Serialized so concurrent Send calls and
// the keepalive probe never interleave partial writes.
func (c *Client) writeLine(line string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(line+"\r\n")); err != nil {
		return fmt.Errorf("write %q: %w", strings.Fields(line)[0], err)
	}
	return nil
}

func lastParam(f *Frame) string {
	if len(f.Params) == 0 {
		return ""
	}
	return f.Params[len(f.Params)-1]
}
