package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-agent/internal/logging"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// eventServer performs the auth handshake and hands each connection to serve.
type eventServer struct {
	dials int32
	serve func(n int32, conn *websocket.Conn)
}

func (e *eventServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := atomic.AddInt32(&e.dials, 1)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var auth Event
	if err := conn.ReadJSON(&auth); err != nil || auth.Name != EventAuth {
		_ = conn.Close()
		return
	}
	var payload struct{ Token string }
	_ = auth.Decode(&payload)
	if payload.Token != "t0k3n" {
		_ = conn.WriteJSON(Event{Name: EventError, Data: []byte(`{"message":"unauthorized"}`)})
		_ = conn.Close()
		return
	}
	_ = conn.WriteJSON(Event{Name: EventConnected})
	e.serve(n, conn)
}

func testOptions(srv *httptest.Server) Options {
	return Options{
		URL:               "ws" + strings.TrimPrefix(srv.URL, "http"),
		Token:             func(context.Context) (string, error) { return "t0k3n", nil },
		ReconnectAttempts: 5,
		ReconnectDelay:    10 * time.Millisecond,
		HandshakeTimeout:  time.Second,
		Logger:            logging.Discard(),
	}
}

func TestSocketReceivesEventsAndEmits(t *testing.T) {
	received := make(chan Event, 1)
	es := &eventServer{serve: func(_ int32, conn *websocket.Conn) {
		_ = conn.WriteJSON(Event{Name: "order:ready", Data: []byte(`{"orderId":"abc123"}`)})
		var ev Event
		if err := conn.ReadJSON(&ev); err == nil {
			received <- ev
		}
		_, _, _ = conn.ReadMessage()
	}}
	srv := httptest.NewServer(es)
	defer srv.Close()

	s := NewSocket(NamespaceOrders, testOptions(srv))
	defer s.Close()

	got := make(chan string, 1)
	off := s.On("order:ready", func(ev Event) {
		var p struct {
			OrderID string `json:"orderId"`
		}
		_ = ev.Decode(&p)
		got <- p.OrderID
	})
	defer off()

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateConnected, s.State())

	select {
	case id := <-got:
		assert.Equal(t, "abc123", id)
	case <-time.After(2 * time.Second):
		t.Fatal("order:ready not delivered")
	}

	require.NoError(t, s.Emit("typing", map[string]string{"conversationId": "c1"}))
	select {
	case ev := <-received:
		assert.Equal(t, "typing", ev.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("emit not received")
	}

	// connecting twice reuses the live connection
	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, int32(1), atomic.LoadInt32(&es.dials))
}

func TestSocketStopsAfterFiveFailedAttempts(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := NewSocket(NamespaceOrders, testOptions(srv))
	defer s.Close()

	var terminal int32
	s.OnTerminalError(func(err error) {
		assert.ErrorIs(t, err, ErrReconnectExhausted)
		atomic.AddInt32(&terminal, 1)
	})

	err := s.Connect(context.Background())
	require.ErrorIs(t, err, ErrReconnectExhausted)
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&terminal))
	assert.Equal(t, StateFailed, s.State())

	// no background retries after giving up
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(5), atomic.LoadInt32(&hits))
}

func TestSocketReconnectsAfterDrop(t *testing.T) {
	es := &eventServer{serve: func(n int32, conn *websocket.Conn) {
		if n == 1 {
			_ = conn.Close()
			return
		}
		_ = conn.WriteJSON(Event{Name: "order:picked-up", Data: []byte(`{"orderId":"o9"}`)})
		_, _, _ = conn.ReadMessage()
	}}
	srv := httptest.NewServer(es)
	defer srv.Close()

	s := NewSocket(NamespaceOrders, testOptions(srv))
	defer s.Close()

	var mu sync.Mutex
	var events []string
	s.On("order:picked-up", func(ev Event) {
		mu.Lock()
		events = append(events, ev.Name)
		mu.Unlock()
	})
	var connects int32
	s.On(EventConnected, func(Event) { atomic.AddInt32(&connects, 1) })

	require.NoError(t, s.Connect(context.Background()))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(events) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&connects) == 2 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
}

func TestSocketRejectedHandshakeCountsAsFailure(t *testing.T) {
	es := &eventServer{serve: func(int32, *websocket.Conn) {}}
	srv := httptest.NewServer(es)
	defer srv.Close()

	opts := testOptions(srv)
	opts.Token = func(context.Context) (string, error) { return "wrong", nil }
	opts.ReconnectAttempts = 2
	s := NewSocket(NamespaceChat, opts)
	defer s.Close()

	require.ErrorIs(t, s.Connect(context.Background()), ErrReconnectExhausted)
	assert.Equal(t, int32(2), atomic.LoadInt32(&es.dials))
}

func TestListenerUnsubscribe(t *testing.T) {
	s := NewSocket(NamespaceChat, Options{Token: func(context.Context) (string, error) { return "", nil }})
	off1 := s.On("new-message", func(Event) {})
	off2 := s.On("new-message", func(Event) {})
	assert.Equal(t, 2, s.Listeners("new-message"))
	off1()
	off1()
	assert.Equal(t, 1, s.Listeners("new-message"))
	off2()
	assert.Equal(t, 0, s.Listeners("new-message"))
}

func TestClosedSocketRefusesWork(t *testing.T) {
	s := NewSocket(NamespaceChat, Options{Token: func(context.Context) (string, error) { return "", nil }})
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Connect(context.Background()), ErrSocketClosed)
	assert.ErrorIs(t, s.Emit("typing", nil), ErrSocketClosed)
	assert.Equal(t, StateClosed, s.State())
}

func TestHubSharesSocketsPerNamespace(t *testing.T) {
	h := NewHub(Options{Token: func(context.Context) (string, error) { return "", nil }})
	a := h.Get(NamespaceOrders)
	assert.Same(t, a, h.Get(NamespaceOrders))
	assert.NotSame(t, a, h.Get(NamespaceChat))

	require.NoError(t, h.Close(NamespaceOrders))
	assert.Equal(t, StateClosed, a.State())
	assert.NotSame(t, a, h.Get(NamespaceOrders))

	h.CloseAll()
	assert.Empty(t, h.Active())
}
