package realtime

import (
	"context"
	"sync"
)

// Hub owns the process-wide sockets, one per namespace. It is held by the
// agent coordinator; everything else borrows sockets from it.
type Hub struct {
	opts Options

	mu      sync.Mutex
	sockets map[string]*Socket
}

func NewHub(opts Options) *Hub {
	return &Hub{opts: opts, sockets: make(map[string]*Socket)}
}

// Get returns the socket for namespace, creating it (unconnected) on first use.
func (h *Hub) Get(namespace string) *Socket {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sockets[namespace]
	if !ok {
		s = NewSocket(namespace, h.opts)
		h.sockets[namespace] = s
	}
	return s
}

// Lookup returns the namespace socket without creating one.
func (h *Hub) Lookup(namespace string) (*Socket, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sockets[namespace]
	return s, ok
}

// Connect returns the namespace socket, dialing it if needed.
func (h *Hub) Connect(ctx context.Context, namespace string) (*Socket, error) {
	s := h.Get(namespace)
	if err := s.Connect(ctx); err != nil {
		return s, err
	}
	return s, nil
}

// Close tears down one namespace; the next Get builds a fresh socket.
func (h *Hub) Close(namespace string) error {
	h.mu.Lock()
	s, ok := h.sockets[namespace]
	delete(h.sockets, namespace)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return s.Close()
}

func (h *Hub) CloseAll() {
	h.mu.Lock()
	sockets := h.sockets
	h.sockets = make(map[string]*Socket)
	h.mu.Unlock()
	for _, s := range sockets {
		_ = s.Close()
	}
}

// Active lists namespaces with a live socket object.
func (h *Hub) Active() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.sockets))
	for ns := range h.sockets {
		out = append(out, ns)
	}
	return out
}
