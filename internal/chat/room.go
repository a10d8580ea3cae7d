// Package chat runs the rider side of per-order conversations with the
// customer: REST for history and sending, the /chat socket for live
// updates. Incoming events never patch messages in place; they invalidate
// the cached thread and the next read refetches it.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/realtime"
)

// Socket events. The first group is emitted by the agent, the second is
// pushed by the server.
const (
	EventJoin       = "join-conversation"
	EventLeave      = "leave-conversation"
	EventRead       = "read-conversation"
	EventTyping     = "typing"
	EventStopTyping = "stop-typing"

	EventNewMessage   = "new-message"
	EventMessagesRead = "messages-read"
	EventReadOnly     = "conversation-read-only"
	EventUserTyping   = "user-typing"
)

var (
	ErrReadOnlyConversation = errors.New("conversation is read-only")
	ErrEmptyMessage         = errors.New("message is empty")
	ErrRoomClosed           = errors.New("chat room closed")
)

// API is the chat part of the rider API.
type API interface {
	Conversations(ctx context.Context) (models.ConversationList, error)
	ConversationForOrder(ctx context.Context, orderID string) (*models.Conversation, error)
	Messages(ctx context.Context, conversationID, cursor string, limit int) (*models.MessagePage, error)
	SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

type Config struct {
	PageSize int
	Logger   *slog.Logger
}

// Service opens rooms on the shared /chat socket.
type Service struct {
	api    API
	cache  *query.Cache
	hub    *realtime.Hub
	cfg    Config
	logger *slog.Logger
}

func NewService(a API, cache *query.Cache, hub *realtime.Hub, cfg Config) *Service {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 20
	}
	return &Service{api: a, cache: cache, hub: hub, cfg: cfg, logger: logging.OrDefault(cfg.Logger)}
}

// Conversations lists the rider's conversations (cached).
func (s *Service) Conversations(ctx context.Context) (models.ConversationList, error) {
	v, err := s.cache.Fetch(ctx, query.KeyConversations, func(ctx context.Context) (any, error) {
		return s.api.Conversations(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(models.ConversationList), nil
}

// Open resolves the conversation for an order, connects the chat socket if
// needed and joins the conversation's room.
func (s *Service) Open(ctx context.Context, orderID string) (*Room, error) {
	conv, err := s.api.ConversationForOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load conversation for order %s: %w", orderID, err)
	}
	sock, err := s.hub.Connect(ctx, realtime.NamespaceChat)
	if err != nil {
		return nil, fmt.Errorf("connect chat: %w", err)
	}
	r := &Room{
		svc:      s,
		sock:     sock,
		conv:     *conv,
		key:      query.MessagesKey(conv.ID),
		readOnly: conv.ReadOnly,
		pages:    1,
		logger:   s.logger.With("conversation_id", conv.ID, "order_id", orderID),
	}
	r.offs = []func(){
		sock.On(EventNewMessage, r.onNewMessage),
		sock.On(EventMessagesRead, r.onMessagesRead),
		sock.On(EventReadOnly, r.onReadOnly),
		sock.On(EventUserTyping, r.onUserTyping),
		// rooms are per connection; join again after a reconnect
		sock.On(realtime.EventConnected, func(realtime.Event) { r.join() }),
	}
	if err := r.join(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// Thread is the loaded part of a conversation, newest message first.
type Thread struct {
	Messages []models.Message
	HasMore  bool
}

// Typing is a typing indicator from the other participant.
type Typing struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	IsTyping       bool   `json:"isTyping"`
}

// Room is one open conversation. It stays subscribed to the chat socket
// until Close.
type Room struct {
	svc    *Service
	sock   *realtime.Socket
	conv   models.Conversation
	key    string
	logger *slog.Logger

	mu       sync.Mutex
	readOnly bool
	pages    int
	closed   bool
	offs     []func()
	onTyping func(Typing)
}

func (r *Room) Conversation() models.Conversation { return r.conv }

func (r *Room) ReadOnly() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readOnly
}

// OnTyping sets the callback for the other side's typing indicator.
func (r *Room) OnTyping(fn func(Typing)) {
	r.mu.Lock()
	r.onTyping = fn
	r.mu.Unlock()
}

func (r *Room) payload() map[string]string {
	return map[string]string{"conversationId": r.conv.ID}
}

func (r *Room) join() error {
	if err := r.sock.Emit(EventJoin, r.payload()); err != nil {
		return fmt.Errorf("join conversation: %w", err)
	}
	return nil
}

// load fetches every page the room has asked for so far.
func (r *Room) load(ctx context.Context) (any, error) {
	r.mu.Lock()
	pages := r.pages
	r.mu.Unlock()

	th := Thread{}
	cursor := ""
	for i := 0; i < pages; i++ {
		page, err := r.svc.api.Messages(ctx, r.conv.ID, cursor, r.svc.cfg.PageSize)
		if err != nil {
			return nil, err
		}
		th.Messages = append(th.Messages, page.Messages...)
		th.HasMore = page.HasMore
		if !page.HasMore {
			break
		}
		cursor = page.NextCursor
	}
	return th, nil
}

// Messages returns the loaded thread, fetching it if the cache has none.
func (r *Room) Messages(ctx context.Context) (Thread, error) {
	v, err := r.svc.cache.Fetch(ctx, r.key, r.load)
	if err != nil {
		return Thread{}, err
	}
	return v.(Thread), nil
}

// LoadMore extends the thread by one older page.
func (r *Room) LoadMore(ctx context.Context) (Thread, error) {
	cur, err := r.Messages(ctx)
	if err != nil {
		return Thread{}, err
	}
	if !cur.HasMore {
		return cur, nil
	}
	r.mu.Lock()
	r.pages++
	r.mu.Unlock()
	return r.refetch(ctx)
}

func (r *Room) refetch(ctx context.Context) (Thread, error) {
	r.svc.cache.Invalidate(r.key)
	v, err := r.svc.cache.Refetch(ctx, r.key, r.load)
	if err != nil {
		return Thread{}, err
	}
	return v.(Thread), nil
}

// Send posts a message. The thread is refetched before Send returns so the
// message is visible to the next Messages call.
func (r *Room) Send(ctx context.Context, content string) (*models.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	r.mu.Lock()
	readOnly, closed := r.readOnly, r.closed
	r.mu.Unlock()
	if closed {
		return nil, ErrRoomClosed
	}
	if readOnly {
		return nil, ErrReadOnlyConversation
	}

	msg, err := r.svc.api.SendMessage(ctx, r.conv.ID, content)
	if err != nil {
		if api.IsCode(err, api.CodeConversationReadOnly) {
			r.setReadOnly()
			return nil, fmt.Errorf("%w: %w", ErrReadOnlyConversation, err)
		}
		return nil, err
	}
	_ = r.StopTyping()
	if _, err := r.refetch(ctx); err != nil {
		r.logger.Warn("chat_refetch_failed", "error", err)
	}
	r.svc.cache.Invalidate(query.KeyConversations)
	return msg, nil
}

// MarkRead marks the customer's messages read on the server and tells the
// room over the socket.
func (r *Room) MarkRead(ctx context.Context) error {
	if err := r.svc.api.MarkConversationRead(ctx, r.conv.ID); err != nil {
		return err
	}
	if err := r.sock.Emit(EventRead, r.payload()); err != nil {
		r.logger.Debug("chat_read_emit_failed", "error", err)
	}
	r.svc.cache.Invalidate(r.key, query.KeyConversations)
	return nil
}

func (r *Room) Typing() error     { return r.sock.Emit(EventTyping, r.payload()) }
func (r *Room) StopTyping() error { return r.sock.Emit(EventStopTyping, r.payload()) }

// Close leaves the room and drops the socket listeners. The socket itself
// stays up for other rooms.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	offs := r.offs
	r.offs = nil
	r.mu.Unlock()

	for _, off := range offs {
		off()
	}
	if err := r.sock.Emit(EventLeave, r.payload()); err != nil {
		r.logger.Debug("chat_leave_emit_failed", "error", err)
	}
}

func (r *Room) setReadOnly() {
	r.mu.Lock()
	r.readOnly = true
	r.mu.Unlock()
}

// mine reports whether an event payload belongs to this conversation.
func (r *Room) mine(ev realtime.Event) bool {
	var p struct {
		ConversationID string `json:"conversationId"`
	}
	if err := json.Unmarshal(ev.Data, &p); err != nil {
		return false
	}
	return p.ConversationID == r.conv.ID
}

func (r *Room) onNewMessage(ev realtime.Event) {
	if !r.mine(ev) {
		return
	}
	r.svc.cache.Invalidate(query.KeyConversations)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := r.refetch(ctx); err != nil {
			r.logger.Warn("chat_refetch_failed", "error", err)
		}
	}()
}

func (r *Room) onMessagesRead(ev realtime.Event) {
	if r.mine(ev) {
		r.svc.cache.Invalidate(r.key)
	}
}

func (r *Room) onReadOnly(ev realtime.Event) {
	if r.mine(ev) {
		r.setReadOnly()
		r.logger.Info("chat_read_only")
	}
}

func (r *Room) onUserTyping(ev realtime.Event) {
	var t Typing
	if err := ev.Decode(&t); err != nil || t.ConversationID != r.conv.ID {
		return
	}
	r.mu.Lock()
	fn := r.onTyping
	r.mu.Unlock()
	if fn != nil {
		fn(t)
	}
}
