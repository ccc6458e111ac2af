package models

import "time"

type ChatType string

const (
	ChatTypeDM    ChatType = "dm"
	ChatTypeGroup ChatType = "group"
)

func (t ChatType) Valid() bool {
	return t == ChatTypeDM || t == ChatTypeGroup
}

type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeImage  MessageType = "image"
	MessageTypeSystem MessageType = "system"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeSystem:
		return true
	}
	return false
}

type Chat struct {
	ID           string    `json:"id"`
	Type         ChatType  `json:"type"`
	Name         string    `json:"name,omitempty"`
	Participants []*User   `json:"participants"`
	LastMessage  *Message  `json:"lastMessage,omitempty"`
	UnreadCount  int       `json:"unreadCount"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ActivityAt is the instant chat lists are ordered by: the last message
// time, or the creation time for a chat without messages.
func (c *Chat) ActivityAt() time.Time {
	if c.LastMessage != nil {
		return c.LastMessage.CreatedAt
	}
	return c.CreatedAt
}

func (c *Chat) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.ID == userID {
			return true
		}
	}
	return false
}

func (c *Chat) ParticipantIDs() []string {
	ids := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		ids = append(ids, p.ID)
	}
	return ids
}

func (c *Chat) Clone() *Chat {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Participants = make([]*User, len(c.Participants))
	for i, p := range c.Participants {
		cp.Participants[i] = p.Clone()
	}
	if c.LastMessage != nil {
		m := *c.LastMessage
		cp.LastMessage = &m
	}
	return &cp
}

type Message struct {
	ID        string      `json:"id"`
	ChatID    string      `json:"chatId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
	CreatedAt time.Time   `json:"createdAt"`
	Seq       int64       `json:"seq"`
}

// HistoryOptions bounds a history read. The zero value returns the full history.
type HistoryOptions struct {
	Limit     int
	BeforeSeq int64
}

type CreateChatRequest struct {
	ParticipantIDs []string `json:"participantIds"`
	Type           ChatType `json:"type"`
	Name           string   `json:"name,omitempty"`
}

type RegisterDeviceRequest struct {
	Token string `json:"token"`
}
