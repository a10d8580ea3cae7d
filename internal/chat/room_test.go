package chat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/rider-agent/internal/api"
	"github.com/example/rider-agent/internal/logging"
	"github.com/example/rider-agent/internal/models"
	"github.com/example/rider-agent/internal/query"
	"github.com/example/rider-agent/internal/realtime"
	"github.com/example/rider-agent/internal/testutil/fakeapi"
	"github.com/example/rider-agent/internal/tokenstore"
)

func newTestService(t *testing.T, pageSize int) (*Service, *fakeapi.Server) {
	t.Helper()
	srv := fakeapi.New(t)
	srv.AddOrder(fakeapi.NewOrder("ord-1"), "4821")

	tokens := tokenstore.NewMemoryStore()
	require.NoError(t, tokens.SaveAuthToken(context.Background(), srv.IssueTokens()))
	client := api.New(srv.URL(), nil, tokens, logging.Discard())
	hub := realtime.NewHub(realtime.Options{
		URL:            srv.SocketURL(),
		Token:          client.AccessToken,
		ReconnectDelay: 10 * time.Millisecond,
		Logger:         logging.Discard(),
	})
	t.Cleanup(hub.CloseAll)
	return NewService(client, query.New(time.Minute), hub, Config{PageSize: pageSize, Logger: logging.Discard()}), srv
}

func openRoom(t *testing.T, svc *Service, srv *fakeapi.Server) *Room {
	t.Helper()
	room, err := svc.Open(context.Background(), "ord-1")
	require.NoError(t, err)
	t.Cleanup(room.Close)
	require.Eventually(t, func() bool { return len(srv.Received(realtime.NamespaceChat, EventJoin)) == 1 }, time.Second, 5*time.Millisecond)
	return room
}

func TestSentMessageAppearsOnRefetch(t *testing.T) {
	ctx := context.Background()
	svc, srv := newTestService(t, 20)
	room := openRoom(t, svc, srv)
	assert.Equal(t, "conv-ord-1", room.Conversation().ID)

	msg, err := room.Send(ctx, "  On my way, 5 minutes out  ")
	require.NoError(t, err)
	assert.Equal(t, "On my way, 5 minutes out", msg.Content)

	th, err := room.Messages(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, th.Messages)
	assert.Equal(t, msg.ID, th.Messages[0].ID)
	assert.Equal(t, "On my way, 5 minutes out", th.Messages[0].Content)
	assert.Equal(t, fakeapi.RiderID, th.Messages[0].SenderID)
	assert.Equal(t, models.RoleRider, th.Messages[0].SenderRole)

	_, err = room.Send(ctx, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestCustomerMessageTriggersRefetch(t *testing.T) {
	ctx := context.Background()
	svc, srv := newTestService(t, 20)
	room := openRoom(t, svc, srv)

	th, err := room.Messages(ctx)
	require.NoError(t, err)
	assert.Empty(t, th.Messages)
	require.Equal(t, 1, srv.Calls("chat.messages"))

	require.Eventually(t, func() bool { return srv.SocketClients(realtime.NamespaceChat) == 1 }, time.Second, 5*time.Millisecond)
	srv.CustomerSays("ord-1", "Gate code is 1990")
	require.Eventually(t, func() bool { return srv.Calls("chat.messages") == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		v, ok := svc.cache.Get(query.MessagesKey("conv-ord-1"))
		return ok && len(v.(Thread).Messages) == 1
	}, 2*time.Second, 5*time.Millisecond)

	th, err = room.Messages(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Gate code is 1990", th.Messages[0].Content)
	assert.Equal(t, models.RoleUser, th.Messages[0].SenderRole)
}

func TestCursorPagination(t *testing.T) {
	ctx := context.Background()
	svc, srv := newTestService(t, 10)
	for i := 1; i <= 25; i++ {
		srv.CustomerSays("ord-1", fmt.Sprintf("message %d", i))
	}
	room := openRoom(t, svc, srv)

	th, err := room.Messages(ctx)
	require.NoError(t, err)
	assert.Len(t, th.Messages, 10)
	assert.True(t, th.HasMore)
	assert.Equal(t, "message 25", th.Messages[0].Content)

	th, err = room.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, th.Messages, 20)

	th, err = room.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, th.Messages, 25)
	assert.False(t, th.HasMore)
	assert.Equal(t, "message 1", th.Messages[24].Content)

	calls := srv.Calls("chat.messages")
	th, err = room.LoadMore(ctx)
	require.NoError(t, err)
	assert.Len(t, th.Messages, 25)
	assert.Equal(t, calls, srv.Calls("chat.messages"))
}

func TestReadOnlyConversationRejectsSend(t *testing.T) {
	ctx := context.Background()
	svc, srv := newTestService(t, 20)
	room := openRoom(t, svc, srv)
	require.Eventually(t, func() bool { return srv.SocketClients(realtime.NamespaceChat) == 1 }, time.Second, 5*time.Millisecond)

	srv.Push(realtime.NamespaceChat, EventReadOnly, map[string]string{"conversationId": "conv-other"})
	srv.Push(realtime.NamespaceChat, EventReadOnly, map[string]string{"conversationId": "conv-ord-1"})
	require.Eventually(t, room.ReadOnly, time.Second, 5*time.Millisecond)

	_, err := room.Send(ctx, "hello?")
	assert.ErrorIs(t, err, ErrReadOnlyConversation)
	assert.Zero(t, srv.Calls("chat.send"))
	assert.Equal(t, "This chat is closed because the order has been delivered.", api.UserMessage(fmt.Errorf("%w: %w", err, &api.Error{Status: 403, Code: api.CodeConversationReadOnly})))
}

func TestMarkReadTypingAndClose(t *testing.T) {
	ctx := context.Background()
	svc, srv := newTestService(t, 20)
	room := openRoom(t, svc, srv)
	require.Eventually(t, func() bool { return srv.SocketClients(realtime.NamespaceChat) == 1 }, time.Second, 5*time.Millisecond)

	typing := make(chan Typing, 1)
	room.OnTyping(func(tp Typing) { typing <- tp })
	srv.Push(realtime.NamespaceChat, EventUserTyping, Typing{ConversationID: "conv-ord-1", UserID: fakeapi.UserID, IsTyping: true})
	select {
	case tp := <-typing:
		assert.True(t, tp.IsTyping)
		assert.Equal(t, fakeapi.UserID, tp.UserID)
	case <-time.After(time.Second):
		t.Fatal("typing indicator not delivered")
	}

	require.NoError(t, room.Typing())
	require.NoError(t, room.MarkRead(ctx))
	assert.Equal(t, 1, srv.Calls("chat.read"))

	room.Close()
	room.Close()
	assert.Zero(t, room.sock.Listeners(EventNewMessage))
	require.Eventually(t, func() bool {
		return len(srv.Received(realtime.NamespaceChat, EventTyping)) == 1 &&
			len(srv.Received(realtime.NamespaceChat, EventRead)) == 1 &&
			len(srv.Received(realtime.NamespaceChat, EventLeave)) == 1
	}, time.Second, 5*time.Millisecond)

	_, err := room.Send(ctx, "still there?")
	assert.ErrorIs(t, err, ErrRoomClosed)
}

func TestConversationsAreCached(t *testing.T) {
	ctx := context.Background()
	svc, srv := newTestService(t, 20)

	for i := 0; i < 3; i++ {
		list, err := svc.Conversations(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "ord-1", list[0].OrderID)
	}
	assert.Equal(t, 1, srv.Calls("chat.conversations"))
}
