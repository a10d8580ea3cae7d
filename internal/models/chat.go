package models

import (
	"fmt"
	"time"
)

type ParticipantRole string

const (
	RoleUser  ParticipantRole = "user"
	RoleRider ParticipantRole = "rider"
)

func (r ParticipantRole) IsValid() bool { return r == RoleUser || r == RoleRider }

type Participant struct {
	ID   string          `json:"id"`
	Role ParticipantRole `json:"role"`
	Name string          `json:"name,omitempty"`
}

// Conversation is the chat thread attached to a single order.
type Conversation struct {
	ID           string        `json:"id"`
	OrderID      string        `json:"orderId"`
	Participants []Participant `json:"participants"`
	ReadOnly     bool          `json:"isReadOnly"`
	UnreadCount  int           `json:"unreadCount"`
	LastMessage  *Message      `json:"lastMessage,omitempty"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

func (c Conversation) Validate() error {
	if c.ID == "" || c.OrderID == "" {
		return fmt.Errorf("%w: conversation missing id or orderId", ErrInvalidPayload)
	}
	for _, p := range c.Participants {
		if !p.Role.IsValid() {
			return fmt.Errorf("%w: conversation %s has participant with role %q", ErrInvalidPayload, c.ID, p.Role)
		}
	}
	return nil
}

type ConversationList []Conversation

func (l ConversationList) Validate() error {
	for _, c := range l {
		if err := c.Validate(); err != nil {
			return err
		}
	}
	return nil
}

type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversationId"`
	SenderID       string          `json:"senderId"`
	SenderRole     ParticipantRole `json:"senderRole"`
	Content        string          `json:"content"`
	Read           bool            `json:"isRead"`
	CreatedAt      time.Time       `json:"createdAt"`
}

func (m Message) Validate() error {
	if m.ID == "" || m.SenderID == "" {
		return fmt.Errorf("%w: message missing id or sender", ErrInvalidPayload)
	}
	if !m.SenderRole.IsValid() {
		return fmt.Errorf("%w: message %s has sender role %q", ErrInvalidPayload, m.ID, m.SenderRole)
	}
	return nil
}

// MessagePage is one cursor page of a conversation, newest first.
type MessagePage struct {
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"nextCursor,omitempty"`
	HasMore    bool      `json:"hasMore"`
}

func (p MessagePage) Validate() error {
	for _, m := range p.Messages {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	if p.HasMore && p.NextCursor == "" {
		return fmt.Errorf("%w: page reports more messages without a cursor", ErrInvalidPayload)
	}
	return nil
}
