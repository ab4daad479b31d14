// Package manager orchestrates channel connections: it owns the connection
// table, acquires credentials, enforces the outbound rate limit, schedules
// reconnects after faults, and publishes lifecycle events on the bus.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/hashicorp/go-multierror"

	"github.com/onnwee/chat-tender/bus"
	"github.com/onnwee/chat-tender/config"
	"github.com/onnwee/chat-tender/irc"
	"github.com/onnwee/chat-tender/ratelimit"
	"github.com/onnwee/chat-tender/telemetry"
	"github.com/onnwee/chat-tender/token"
)

var (
	// ErrInvalidChannel means the name failed normalization: channels are
	// 2-25 characters of lowercase letters, digits, and underscores.
	ErrInvalidChannel = errors.New("manager: invalid channel name")

	// ErrNotConnected means no live session exists for the channel.
	ErrNotConnected = errors.New("manager: not connected")

	// ErrRateLimited means the sliding-window send budget is exhausted.
	// The message was not sent and not queued.
	ErrRateLimited = errors.New("manager: outbound rate limit reached")

	// ErrConnectInProgress rejects a connect while a previous attempt for
	// the same channel has not reached a terminal state.
	ErrConnectInProgress = errors.New("manager: connection attempt already in progress")

	// ErrShuttingDown rejects new work once Shutdown has begun.
	ErrShuttingDown = errors.New("manager: shutting down")

	// ErrConnectAborted means a disconnect arrived while the connect was
	// still in flight; the attempt was cancelled and any session it had
	// already opened was torn down.
	ErrConnectAborted = errors.New("manager: connect aborted by disconnect")
)

var channelRe = regexp.MustCompile(`^[a-z0-9_]{2,25}$`)

// Normalize lowercases a channel name, strips a leading #, and validates it.
func Normalize(raw string) (string, error) {
	ch := strings.ToLower(strings.TrimPrefix(strings.TrimSpace(raw), "#"))
	if !channelRe.MatchString(ch) {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
	}
	return ch, nil
}

// TokenSource yields a credential fit for opening a session. *token.Store
// satisfies it.
type TokenSource interface {
	Valid(ctx context.Context) (token.Credential, error)
}

// ChatClient is the slice of the protocol client the manager drives.
type ChatClient interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Send(text string) error
	State() irc.State
}

// Status is a point-in-time snapshot of one connection, shaped for the
// status endpoint.
type Status struct {
	Channel       string    `json:"channel"`
	State         string    `json:"state"`
	MessageCount  int64     `json:"message_count"`
	LastActivity  time.Time `json:"last_activity,omitzero"`
	EstablishedAt time.Time `json:"established_at,omitzero"`
	SendBudget    int       `json:"send_budget"`
	Reconnects    int       `json:"reconnects,omitempty"`
}

// Manager owns all channel connections. Safe for concurrent use.
type Manager struct {
	cfg    *config.Config
	bus    *bus.Bus
	tokens TokenSource

	// newClient is swapped in tests to avoid real sockets.
	newClient func(irc.Config, irc.Callbacks) ChatClient

	mu           sync.Mutex
	conns        map[string]*connection
	current      string
	shuttingDown bool
}

// connection pairs one protocol client with its per-connection state.
type connection struct {
	channel string

	mu            sync.Mutex
	client        ChatClient
	limiter       *ratelimit.Limiter
	cancel        context.CancelFunc // stops a pending reconnect loop
	closing       bool
	msgCount      int64
	lastActivity  time.Time
	establishedAt time.Time
	attempts      int
}

func (c *connection) connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.client != nil && c.client.State() == irc.StateConnected
}

// New builds a manager publishing on b and drawing credentials from tokens.
func New(cfg *config.Config, b *bus.Bus, tokens TokenSource) *Manager {
	m := &Manager{
		cfg:    cfg,
		bus:    b,
		tokens: tokens,
		conns:  make(map[string]*connection),
	}
	m.newClient = func(c irc.Config, cb irc.Callbacks) ChatClient {
		return irc.NewClient(c, cb)
	}
	return m
}

// Connect opens a session for channel. Connecting to an already-connected
// channel is a no-op; connecting while a previous attempt is still in flight
// is rejected. On failure the channel is not registered and the error is also
// published as a connection_error event.
func (m *Manager) Connect(ctx context.Context, channel string) error {
	ch, err := Normalize(channel)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return ErrShuttingDown
	}
	if existing, ok := m.conns[ch]; ok {
		m.mu.Unlock()
		if existing.connected() {
			return nil
		}
		return fmt.Errorf("%w: %s", ErrConnectInProgress, ch)
	}
	conn := &connection{
		channel: ch,
		limiter: ratelimit.New(m.cfg.RateLimitMessages, m.cfg.RateLimitWindow),
	}
	m.conns[ch] = conn
	if m.current == "" {
		m.current = ch
	}
	m.mu.Unlock()

	if err := m.establish(ctx, conn); err != nil {
		// An abort means a concurrent Disconnect already removed the
		// channel; that is an operator action, not a connection error.
		if !errors.Is(err, ErrConnectAborted) {
			m.bus.Publish(bus.Event{Type: bus.ConnectionError, Channel: ch, Payload: err.Error()})
		}
		m.drop(ch)
		return err
	}
	return nil
}

// establish acquires a credential and drives one session open. It updates the
// connection gauge on success; the caller handles failure.
func (m *Manager) establish(ctx context.Context, conn *connection) error {
	ctx, span := telemetry.StartSpan(ctx, "manager", "chat.connect", telemetry.ChannelAttr(conn.channel))
	defer span.End()

	cred, err := m.tokens.Valid(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		m.bus.Publish(bus.Event{Type: bus.AuthFailed, Channel: conn.channel, Payload: err.Error()})
		return fmt.Errorf("credential for %s: %w", conn.channel, err)
	}

	client := m.newClient(irc.Config{
		URL:              m.cfg.IRCURL,
		Nick:             m.cfg.BotUsername,
		Token:            cred.AccessToken,
		Channel:          conn.channel,
		HandshakeTimeout: m.cfg.HandshakeTimeout,
		KeepAliveEvery:   m.cfg.KeepAliveEvery,
		PongTimeout:      m.cfg.PongTimeout,
	}, m.callbacks(conn))

	// A Disconnect racing this connect sets closing; the client must not be
	// installed (or kept) past that point or the session leaks.
	conn.mu.Lock()
	if conn.closing {
		conn.mu.Unlock()
		return ErrConnectAborted
	}
	conn.client = client
	conn.mu.Unlock()

	var cerr error
	telemetry.TimeFunc(telemetry.ConnectDuration, func() {
		cerr = client.Connect(ctx)
	})
	if cerr != nil {
		telemetry.RecordError(span, cerr)
		return cerr
	}

	conn.mu.Lock()
	if conn.closing {
		conn.mu.Unlock()
		dctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = client.Disconnect(dctx)
		return ErrConnectAborted
	}
	conn.establishedAt = time.Now()
	conn.attempts = 0
	conn.mu.Unlock()
	m.updateGauge()
	telemetry.SetSpanSuccess(span)
	return nil
}

// callbacks maps protocol client events for one connection onto the bus.
func (m *Manager) callbacks(conn *connection) irc.Callbacks {
	ch := conn.channel
	return irc.Callbacks{
		OnState: func(_, to irc.State) {
			switch to {
			case irc.StateJoining:
				// Registration was acknowledged; the credential works.
				m.bus.Publish(bus.Event{Type: bus.AuthSuccess, Channel: ch})
			case irc.StateConnected:
				m.bus.Publish(bus.Event{Type: bus.ChannelJoined, Channel: ch})
			case irc.StateDisconnected:
				m.bus.Publish(bus.Event{Type: bus.ChannelLeft, Channel: ch})
			}
		},
		OnMessage: func(msg *irc.Message) {
			conn.mu.Lock()
			conn.msgCount++
			conn.lastActivity = time.Now()
			conn.mu.Unlock()
			m.bus.Publish(bus.Event{Type: bus.MessageReceived, Channel: ch, Payload: msg})
		},
		OnControl: func(ctl *irc.Control) {
			if ctl.Kind == irc.ControlNotice || ctl.Kind == irc.ControlClearChat {
				m.bus.Publish(bus.Event{Type: bus.Error, Channel: ch, Payload: ctl})
			}
		},
		OnClosed: func(cause error) {
			m.bus.Publish(bus.Event{Type: bus.ConnectionLost, Channel: ch, Payload: cause.Error()})
			m.updateGauge()
			m.scheduleReconnect(conn)
		},
	}
}

// scheduleReconnect runs the bounded exponential-backoff redial loop for a
// faulted connection. If every attempt fails the channel is dropped and a
// terminal connection_error is published.
func (m *Manager) scheduleReconnect(conn *connection) {
	conn.mu.Lock()
	if conn.closing {
		conn.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn.cancel = cancel
	conn.mu.Unlock()

	go func() {
		defer cancel()
		pol := backoff.NewExponentialBackOff()
		pol.InitialInterval = m.cfg.ReconnectBaseDelay
		pol.MaxInterval = m.cfg.ReconnectMaxDelay
		pol.Multiplier = 2

		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			conn.mu.Lock()
			conn.attempts++
			attempt := conn.attempts
			conn.mu.Unlock()
			if telemetry.Reconnects != nil {
				telemetry.Reconnects.Inc()
			}
			slog.Info("reconnecting", slog.String("channel", conn.channel), slog.Int("attempt", attempt))

			attemptCtx, done := context.WithTimeout(ctx, m.cfg.HandshakeTimeout+10*time.Second)
			err := m.establish(attemptCtx, conn)
			done()
			if err == nil {
				slog.Info("reconnected", slog.String("channel", conn.channel), slog.Int("attempts", attempt))
				return struct{}{}, nil
			}
			// A rejected credential won't heal by retrying the dial.
			if errors.Is(err, irc.ErrAuthFailed) || errors.Is(err, token.ErrAuthRequired) {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, backoff.WithBackOff(pol), backoff.WithMaxTries(uint(m.cfg.ReconnectMaxAttempts)))

		if err != nil && ctx.Err() == nil {
			slog.Error("reconnect attempts exhausted", slog.String("channel", conn.channel), slog.Any("err", err))
			m.bus.Publish(bus.Event{Type: bus.ConnectionError, Channel: conn.channel, Payload: err.Error()})
			m.drop(conn.channel)
		}
	}()
}

// Disconnect closes the channel's session and removes it from the table.
func (m *Manager) Disconnect(ctx context.Context, channel string) error {
	ch, err := Normalize(channel)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn, ok := m.conns[ch]
	if !ok {
		m.mu.Unlock()
		return ErrNotConnected
	}
	delete(m.conns, ch)
	if m.current == ch {
		m.current = m.anyChannelLocked()
	}
	m.mu.Unlock()

	derr := closeConnection(ctx, conn)
	m.updateGauge()
	return derr
}

// closeConnection stops a pending reconnect and closes the live session.
func closeConnection(ctx context.Context, conn *connection) error {
	conn.mu.Lock()
	conn.closing = true
	cancel := conn.cancel
	client := conn.client
	conn.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client == nil {
		return nil
	}
	return client.Disconnect(ctx)
}

// Send delivers one message to a connected channel, subject to the
// per-connection rate limit. Denied sends are dropped, not queued.
func (m *Manager) Send(channel, text string) error {
	ch, err := Normalize(channel)
	if err != nil {
		return err
	}
	m.mu.Lock()
	conn, ok := m.conns[ch]
	m.mu.Unlock()
	if !ok {
		return ErrNotConnected
	}

	conn.mu.Lock()
	client := conn.client
	if client == nil || client.State() != irc.StateConnected {
		conn.mu.Unlock()
		return ErrNotConnected
	}
	if !conn.limiter.Allow() {
		conn.mu.Unlock()
		if telemetry.SendsRejected != nil {
			telemetry.SendsRejected.Inc()
		}
		return fmt.Errorf("%w: %s", ErrRateLimited, ch)
	}
	conn.lastActivity = time.Now()
	conn.mu.Unlock()

	if err := client.Send(text); err != nil {
		return err
	}
	// The gateway doesn't echo our own messages back; publish the echo so
	// consumers see outbound traffic in the same stream.
	m.bus.Publish(bus.Event{Type: bus.MessageSent, Channel: ch, Payload: text})
	return nil
}

// Channels returns the registered channel names, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.conns))
	for ch := range m.conns {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// IsConnected reports whether the channel has a live session.
func (m *Manager) IsConnected(channel string) bool {
	ch, err := Normalize(channel)
	if err != nil {
		return false
	}
	m.mu.Lock()
	conn, ok := m.conns[ch]
	m.mu.Unlock()
	return ok && conn.connected()
}

// Status returns a snapshot of one connection.
func (m *Manager) Status(channel string) (Status, error) {
	ch, err := Normalize(channel)
	if err != nil {
		return Status{}, err
	}
	m.mu.Lock()
	conn, ok := m.conns[ch]
	m.mu.Unlock()
	if !ok {
		return Status{}, ErrNotConnected
	}
	return conn.snapshot(), nil
}

// Statuses returns snapshots of every connection, sorted by channel.
func (m *Manager) Statuses() []Status {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	out := make([]Status, 0, len(conns))
	for _, c := range conns {
		out = append(out, c.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

func (c *connection) snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Status{
		Channel:       c.channel,
		State:         irc.StateIdle.String(),
		MessageCount:  c.msgCount,
		LastActivity:  c.lastActivity,
		EstablishedAt: c.establishedAt,
		SendBudget:    c.limiter.Remaining(),
		Reconnects:    c.attempts,
	}
	if c.client != nil {
		st.State = c.client.State().String()
	}
	return st
}

// Current returns the channel currently in focus, if any.
func (m *Manager) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// SetCurrent moves focus to a registered channel.
func (m *Manager) SetCurrent(channel string) error {
	ch, err := Normalize(channel)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.conns[ch]; !ok {
		return ErrNotConnected
	}
	m.current = ch
	return nil
}

// Shutdown closes every connection. The ctx bounds the whole drain; errors
// from individual disconnects are folded together rather than short-circuiting.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.shuttingDown = true
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.conns = make(map[string]*connection)
	m.current = ""
	m.mu.Unlock()

	var result *multierror.Error
	for _, conn := range conns {
		if err := closeConnection(ctx, conn); err != nil {
			result = multierror.Append(result, fmt.Errorf("disconnect %s: %w", conn.channel, err))
		}
	}
	telemetry.SetConnections(0)
	return result.ErrorOrNil()
}

// drop removes a channel after a terminal failure.
func (m *Manager) drop(channel string) {
	m.mu.Lock()
	delete(m.conns, channel)
	if m.current == channel {
		m.current = m.anyChannelLocked()
	}
	m.mu.Unlock()
	m.updateGauge()
}

// anyChannelLocked picks a replacement focus channel. Caller holds m.mu.
func (m *Manager) anyChannelLocked() string {
	best := ""
	for ch := range m.conns {
		if best == "" || ch < best {
			best = ch
		}
	}
	return best
}

// updateGauge recounts live sessions.
func (m *Manager) updateGauge() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	n := 0
	for _, c := range conns {
		if c.connected() {
			n++
		}
	}
	telemetry.SetConnections(n)
}
