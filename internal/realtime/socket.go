// Package realtime holds the agent's persistent event connections. One
// Socket exists per namespace; screens and services subscribe to events on
// it but never own it.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"

	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/observability"
)

const (
	NamespaceOrders = "/orders"
	NamespaceChat   = "/chat"

	EventAuth      = "auth"
	EventConnected = "connected"
	EventError     = "error"
)

var (
	ErrSocketClosed       = errors.New("socket closed")
	ErrNotConnected       = errors.New("socket not connected")
	ErrReconnectExhausted = errors.New("socket reconnect attempts exhausted")
)

type State string

const (
	StateIdle         State = "idle"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
	StateClosed       State = "closed"
)

// Event is one frame on the wire: {"event": "...", "data": {...}}.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no data", e.Name)
	}
	return json.Unmarshal(e.Data, v)
}

type Handler func(Event)

// TokenSource returns the access token to present in the handshake.
type TokenSource func(ctx context.Context) (string, error)

type Options struct {
	URL               string // ws(s)://host, namespace is appended
	Token             TokenSource
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	HandshakeTimeout  time.Duration
	PingInterval      time.Duration
	Dialer            *websocket.Dialer
	Logger            *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ReconnectAttempts <= 0 {
		o.ReconnectAttempts = 5
	}
	if o.ReconnectDelay < 0 {
		o.ReconnectDelay = 0
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.Dialer == nil {
		o.Dialer = &websocket.Dialer{HandshakeTimeout: o.HandshakeTimeout}
	}
	o.Logger = logging.OrDefault(o.Logger)
	return o
}

// Socket is a lazily-connected, self-reconnecting event connection to one
// namespace. Listeners attach and detach freely; the connection outlives
// them until Close.
type Socket struct {
	namespace string
	opts      Options
	logger    *slog.Logger

	dialMu sync.Mutex // one dial cycle at a time
	mu     sync.Mutex
	conn   *websocket.Conn
	state  State
	closed bool
	done   chan struct{}

	writeMu sync.Mutex

	nextID    int
	listeners map[string]map[int]Handler
	terminal  map[int]func(error)
}

func NewSocket(namespace string, opts Options) *Socket {
	opts = opts.withDefaults()
	return &Socket{
		namespace: namespace,
		opts:      opts,
		logger:    opts.Logger.With("namespace", namespace),
		state:     StateIdle,
		done:      make(chan struct{}),
		listeners: make(map[string]map[int]Handler),
		terminal:  make(map[int]func(error)),
	}
}

func (s *Socket) Namespace() string { return s.namespace }

func (s *Socket) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Socket) setState(st State) {
	s.mu.Lock()
	if !s.closed {
		s.state = st
	}
	s.mu.Unlock()
}

// On registers fn for event and returns a func that unregisters it.
func (s *Socket) On(event string, fn Handler) (off func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	if s.listeners[event] == nil {
		s.listeners[event] = make(map[int]Handler)
	}
	s.listeners[event][id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.listeners[event], id)
			if len(s.listeners[event]) == 0 {
				delete(s.listeners, event)
			}
			s.mu.Unlock()
		})
	}
}

// OnTerminalError registers fn to run when reconnection gives up.
func (s *Socket) OnTerminalError(fn func(error)) (off func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.terminal[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.terminal, id)
			s.mu.Unlock()
		})
	}
}

// Listeners returns how many handlers are attached to event.
func (s *Socket) Listeners(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.listeners[event])
}

// Connect dials the namespace if not already connected. Failed dials are
// retried with a fixed delay up to the configured attempt budget.
func (s *Socket) Connect(ctx context.Context) error {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	switch {
	case s.closed:
		s.mu.Unlock()
		return ErrSocketClosed
	case s.state == StateConnected:
		s.mu.Unlock()
		return nil
	}
	s.state = StateConnecting
	s.mu.Unlock()

	return s.dialWithRetry(ctx)
}

func (s *Socket) dialWithRetry(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	go func() {
		select {
		case <-s.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.opts.ReconnectDelay), uint64(s.opts.ReconnectAttempts-1)),
		ctx,
	)
	attempt := 0
	op := func() error {
		attempt++
		conn, err := s.dial(ctx)
		if err != nil {
			return err
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return backoff.Permanent(ErrSocketClosed)
		}
		s.conn = conn
		s.state = StateConnected
		s.mu.Unlock()
		return nil
	}
	notify := func(err error, wait time.Duration) {
		observability.SocketReconnects.WithLabelValues(s.namespace).Inc()
		s.logger.Warn("socket_dial_failed", "attempt", attempt, "max_attempts", s.opts.ReconnectAttempts, "retry_in", wait.String(), "error", err)
	}

	err := backoff.RetryNotify(op, policy, notify)
	if err != nil {
		if errors.Is(err, ErrSocketClosed) || s.isClosed() {
			return ErrSocketClosed
		}
		if parent.Err() != nil {
			s.setState(StateIdle)
			return parent.Err()
		}
		s.fail(fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err))
		return fmt.Errorf("%w after %d attempts: %v", ErrReconnectExhausted, attempt, err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	s.logger.Info("socket_connected", "attempts", attempt)
	go s.readLoop(conn)
	go s.pingLoop(conn)
	s.dispatch(Event{Name: EventConnected})
	return nil
}

func (s *Socket) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := s.opts.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("socket token: %w", err)
	}
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	url := strings.TrimRight(s.opts.URL, "/") + s.namespace
	conn, resp, err := s.opts.Dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", url, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	if err := conn.WriteJSON(map[string]any{"event": EventAuth, "data": map[string]string{"token": token}}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send handshake: %w", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(s.opts.HandshakeTimeout))
	var ack Event
	if err := conn.ReadJSON(&ack); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read handshake: %w", err)
	}
	if ack.Name != EventConnected {
		_ = conn.Close()
		return nil, fmt.Errorf("handshake rejected: %s %s", ack.Name, string(ack.Data))
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
	})
	return conn, nil
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		var ev Event
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.handleDrop(conn, err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(2 * s.opts.PingInterval))
		if err := json.Unmarshal(data, &ev); err != nil || ev.Name == "" {
			s.logger.Warn("socket_bad_frame", "frame", string(data))
			continue
		}
		observability.SocketEvents.WithLabelValues(s.namespace, ev.Name).Inc()
		s.dispatch(ev)
	}
}

func (s *Socket) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.mu.Lock()
			current := s.conn == conn
			s.mu.Unlock()
			if !current {
				return
			}
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Socket) handleDrop(conn *websocket.Conn, err error) {
	s.mu.Lock()
	if s.closed || s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	s.state = StateReconnecting
	s.mu.Unlock()
	_ = conn.Close()

	s.logger.Warn("socket_dropped", "error", err)
	go func() {
		s.dialMu.Lock()
		defer s.dialMu.Unlock()
		if s.isClosed() || s.State() == StateConnected {
			return
		}
		_ = s.dialWithRetry(context.Background())
	}()
}

func (s *Socket) fail(err error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.state = StateFailed
	hooks := make([]func(error), 0, len(s.terminal))
	for _, fn := range s.terminal {
		hooks = append(hooks, fn)
	}
	s.mu.Unlock()

	observability.SocketTerminalFailures.WithLabelValues(s.namespace).Inc()
	s.logger.Error("socket_failed", "error", err)
	for _, fn := range hooks {
		fn(err)
	}
}

func (s *Socket) dispatch(ev Event) {
	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.listeners[ev.Name]))
	for _, fn := range s.listeners[ev.Name] {
		handlers = append(handlers, fn)
	}
	s.mu.Unlock()
	for _, fn := range handlers {
		fn(ev)
	}
}

// Emit sends an event to the server.
func (s *Socket) Emit(event string, data any) error {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return ErrSocketClosed
	}
	if conn == nil {
		return ErrNotConnected
	}
	frame := map[string]any{"event": event}
	if data != nil {
		frame["data"] = data
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("emit %s: %w", event, err)
	}
	return nil
}

func (s *Socket) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the connection down for good. Further Connect calls fail.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	close(s.done)
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	s.writeMu.Unlock()
	s.logger.Info("socket_closed")
	return conn.Close()
}
