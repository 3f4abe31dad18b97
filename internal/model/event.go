package model

type EventType string

const (
	EventNewMessage    EventType = "new_message"
	EventStatusChanged EventType = "status_changed"
	EventUnreadChanged EventType = "unread_changed"
	EventChatUpdated   EventType = "chat_updated"
	EventAck           EventType = "ack"
	EventHistory       EventType = "history"
	EventError         EventType = "error"
)

// Event is what the server pushes over the real-time channel.
// Payload is one of the typed payloads below.
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

type StatusChangedPayload struct {
	ChatID    string        `json:"chat_id"`
	MessageID string        `json:"message_id"`
	Status    MessageStatus `json:"status"`
}

type UnreadChangedPayload struct {
	ChatID string `json:"chat_id"`
	Unread int    `json:"unread"`
}

type AckPayload struct {
	ClientID string  `json:"client_id,omitempty"`
	Message  Message `json:"message"`
}

type HistoryPayload struct {
	ChatID     string    `json:"chat_id"`
	Messages   []Message `json:"messages"`
	NextCursor string    `json:"next_cursor,omitempty"`
	Done       bool      `json:"done"`
}

type ErrorPayload struct {
	ClientID string `json:"client_id,omitempty"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

func NewMessageEvent(m *Message) Event {
	return Event{Type: EventNewMessage, Payload: m}
}

func StatusChangedEvent(m *Message) Event {
	return Event{Type: EventStatusChanged, Payload: StatusChangedPayload{ChatID: m.ChatID, MessageID: m.ID, Status: m.Status}}
}

func ErrorEvent(clientID string, err error) Event {
	return Event{Type: EventError, Payload: ErrorPayload{ClientID: clientID, Code: ErrorCode(err), Message: err.Error()}}
}

type IntentType string

const (
	IntentSendMessage   IntentType = "send_message"
	IntentMarkRead      IntentType = "mark_read"
	IntentMarkDelivered IntentType = "mark_delivered"
	IntentSync          IntentType = "sync"
)

// Intent is what a client sends over the real-time channel. The chat is the
// connection's room, never taken from the frame.
type Intent struct {
	Type      IntentType  `json:"type"`
	ClientID  string      `json:"client_id,omitempty"`
	MsgType   MessageType `json:"message_type,omitempty"`
	Content   string      `json:"content,omitempty"`
	File      *Attachment `json:"file,omitempty"`
	ReplyTo   string      `json:"reply_to,omitempty"`
	MessageID string      `json:"message_id,omitempty"`
	After     string      `json:"after,omitempty"`
}
