package models

import "time"

type EventType string

const (
	EventConnected    EventType = "connected"
	EventMessageNew   EventType = "message.new"
	EventChatCreated  EventType = "chat.created"
	EventStatusChange EventType = "user.status_change"
	EventError        EventType = "error"
)

// Event is the server to client envelope. Only the fields relevant to Type are set.
type Event struct {
	Type      EventType     `json:"type"`
	ChatID    string        `json:"chatId,omitempty"`
	Message   *Message      `json:"message,omitempty"`
	Chat      *Chat         `json:"chat,omitempty"`
	UserID    string        `json:"userId,omitempty"`
	Status    UserStatus    `json:"status,omitempty"`
	LastSeen  *time.Time    `json:"lastSeen,omitempty"`
	ClientRef string        `json:"clientRef,omitempty"`
	Error     *ErrorPayload `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func NewMessageEvent(msg *Message, clientRef string) Event {
	return Event{Type: EventMessageNew, ChatID: msg.ChatID, Message: msg, ClientRef: clientRef}
}

func NewChatCreatedEvent(chat *Chat) Event {
	return Event{Type: EventChatCreated, Chat: chat}
}

func NewStatusEvent(entry PresenceEntry) Event {
	return Event{
		Type:     EventStatusChange,
		UserID:   entry.UserID,
		Status:   entry.Status,
		LastSeen: entry.LastSeen,
	}
}

func NewErrorEvent(err error, clientRef string) Event {
	return Event{
		Type:      EventError,
		ClientRef: clientRef,
		Error:     &ErrorPayload{Code: CodeOf(err), Message: err.Error()},
	}
}

type CommandType string

const (
	CommandSendMessage CommandType = "sendMessage"
	CommandCreateChat  CommandType = "createChat"
	CommandMarkRead    CommandType = "markRead"
	CommandSetStatus   CommandType = "setStatus"
	CommandLogout      CommandType = "logout"
)

// Command is the client to server envelope. Kind is the message type for
// sendMessage and the chat type for createChat.
type Command struct {
	Type           CommandType `json:"type"`
	ChatID         string      `json:"chatId,omitempty"`
	Content        string      `json:"content,omitempty"`
	Kind           string      `json:"kind,omitempty"`
	ParticipantIDs []string    `json:"participantIds,omitempty"`
	Name           string      `json:"name,omitempty"`
	Status         UserStatus  `json:"status,omitempty"`
	ClientRef      string      `json:"clientRef,omitempty"`
}
