package api

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/example/rider-agent/internal/models"
)

func (c *Client) Conversations(ctx context.Context) (models.ConversationList, error) {
	var out models.ConversationList
	err := c.get(ctx, "chat.conversations", "/chat/conversations", &out)
	return out, err
}

func (c *Client) ConversationForOrder(ctx context.Context, orderID string) (*models.Conversation, error) {
	var out models.Conversation
	if err := c.get(ctx, "chat.conversation", "/chat/conversations/order/"+url.PathEscape(orderID), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Messages fetches one page, newest first. An empty cursor starts from the
// most recent message.
func (c *Client) Messages(ctx context.Context, conversationID, cursor string, limit int) (*models.MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out models.MessagePage
	err := c.t.Do(ctx, Request{
		Name:   "chat.messages",
		Method: http.MethodGet,
		Path:   "/chat/conversations/" + url.PathEscape(conversationID) + "/messages",
		Query:  q,
		Auth:   true,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SendMessage(ctx context.Context, conversationID, content string) (*models.Message, error) {
	var out models.Message
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages"
	if err := c.post(ctx, "chat.send", path, map[string]string{"content": content}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) MarkConversationRead(ctx context.Context, conversationID string) error {
	return c.post(ctx, "chat.read", "/chat/conversations/"+url.PathEscape(conversationID)+"/read", nil, nil)
}
