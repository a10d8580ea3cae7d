package fakeapi

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/rider-agent/internal/realtime"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// session is one connected client socket.
type session struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *session) send(ev realtime.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(ev)
}

// registry holds live sessions per namespace and what clients emitted.
type registry struct {
	mu       sync.RWMutex
	sessions map[string]map[*session]struct{}
	received map[string][]realtime.Event
	dials    map[string]int
	reject   bool
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[string]map[*session]struct{}),
		received: make(map[string][]realtime.Event),
		dials:    make(map[string]int),
	}
}

func (r *registry) add(ns string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[ns] == nil {
		r.sessions[ns] = make(map[*session]struct{})
	}
	r.sessions[ns][s] = struct{}{}
}

func (r *registry) remove(ns string, s *session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions[ns], s)
}

func (r *registry) broadcast(ns string, ev realtime.Event) int {
	r.mu.RLock()
	targets := make([]*session, 0, len(r.sessions[ns]))
	for s := range r.sessions[ns] {
		targets = append(targets, s)
	}
	r.mu.RUnlock()
	sent := 0
	for _, s := range targets {
		if s.send(ev) == nil {
			sent++
		}
	}
	return sent
}

func (r *registry) drop(ns string) {
	r.mu.Lock()
	targets := r.sessions[ns]
	r.sessions[ns] = nil
	r.mu.Unlock()
	for s := range targets {
		_ = s.conn.Close()
	}
}

func (r *registry) record(ns string, ev realtime.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.received[ns] = append(r.received[ns], ev)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	ns := "/" + mux.Vars(r)["namespace"]
	s.sockets.mu.Lock()
	s.sockets.dials[ns]++
	reject := s.sockets.reject
	s.sockets.mu.Unlock()
	if reject {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	var auth realtime.Event
	if err := conn.ReadJSON(&auth); err != nil || auth.Name != realtime.EventAuth {
		_ = conn.Close()
		return
	}
	var payload struct {
		Token string `json:"token"`
	}
	_ = json.Unmarshal(auth.Data, &payload)
	if !s.validToken(payload.Token) {
		_ = conn.WriteJSON(realtime.Event{Name: realtime.EventError, Data: json.RawMessage(`{"message":"unauthorized"}`)})
		_ = conn.Close()
		return
	}
	if err := conn.WriteJSON(realtime.Event{Name: realtime.EventConnected}); err != nil {
		_ = conn.Close()
		return
	}

	sess := &session{conn: conn}
	s.sockets.add(ns, sess)
	defer func() {
		s.sockets.remove(ns, sess)
		_ = conn.Close()
	}()
	for {
		var ev realtime.Event
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		s.sockets.record(ns, ev)
	}
}

// Push sends event to every client connected to namespace and returns how
// many received it.
func (s *Server) Push(namespace, event string, data any) int {
	ev := realtime.Event{Name: event}
	if data != nil {
		b, _ := json.Marshal(data)
		ev.Data = b
	}
	return s.sockets.broadcast(namespace, ev)
}

// DropSockets closes every client connection on namespace.
func (s *Server) DropSockets(namespace string) { s.sockets.drop(namespace) }

// RejectSockets makes socket upgrades fail until called with false.
func (s *Server) RejectSockets(reject bool) {
	s.sockets.mu.Lock()
	s.sockets.reject = reject
	s.sockets.mu.Unlock()
}

// SocketClients counts live client connections on namespace.
func (s *Server) SocketClients(namespace string) int {
	s.sockets.mu.RLock()
	defer s.sockets.mu.RUnlock()
	return len(s.sockets.sessions[namespace])
}

// SocketDials counts connection attempts on namespace, rejected ones included.
func (s *Server) SocketDials(namespace string) int {
	s.sockets.mu.RLock()
	defer s.sockets.mu.RUnlock()
	return s.sockets.dials[namespace]
}

// Received returns the events clients emitted on namespace, filtered by name
// when names are given.
func (s *Server) Received(namespace string, names ...string) []realtime.Event {
	s.sockets.mu.RLock()
	defer s.sockets.mu.RUnlock()
	var out []realtime.Event
	for _, ev := range s.sockets.received[namespace] {
		if len(names) == 0 {
			out = append(out, ev)
			continue
		}
		for _, n := range names {
			if ev.Name == n {
				out = append(out, ev)
				break
			}
		}
	}
	return out
}
