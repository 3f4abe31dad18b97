package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
	MessageTypeVoice MessageType = "voice"
)

// MaxTextLength: лимит текста сообщения в символах.
const MaxTextLength = 4000

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

var statusOrder = []MessageStatus{MessageStatusSent, MessageStatusDelivered, MessageStatusRead}

// Rank is the position of s in sent < delivered < read, or -1 for an unknown status.
func (s MessageStatus) Rank() int {
	for i, st := range statusOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (s MessageStatus) Valid() bool { return s.Rank() >= 0 }

// Advance returns the status after a transition to `to`. Status never moves backward:
// if `to` does not raise the rank, s is returned with changed=false.
func (s MessageStatus) Advance(to MessageStatus) (next MessageStatus, changed bool) {
	if !to.Valid() || to.Rank() <= s.Rank() {
		return s, false
	}
	return to, true
}

// StatusesBelow lists the statuses from which a transition to s is allowed.
func StatusesBelow(s MessageStatus) []MessageStatus {
	r := s.Rank()
	if r <= 0 {
		return nil
	}
	out := make([]MessageStatus, r)
	copy(out, statusOrder[:r])
	return out
}

// Attachment: файл, переданный inline (base64 в JSON).
type Attachment struct {
	Name     string `json:"name"`
	Size     int64  `json:"size"`
	MimeType string `json:"mime_type,omitempty"`
	Data     []byte `json:"data"`
}

// Body is the tagged payload of a message. The concrete type is the tag.
type Body interface {
	Type() MessageType
	isBody()
}

type TextBody struct{ Text string }

type ImageBody struct{ Attachment }

type FileBody struct{ Attachment }

type VoiceBody struct{ Attachment }

func (TextBody) Type() MessageType  { return MessageTypeText }
func (ImageBody) Type() MessageType { return MessageTypeImage }
func (FileBody) Type() MessageType  { return MessageTypeFile }
func (VoiceBody) Type() MessageType { return MessageTypeVoice }

func (TextBody) isBody()  {}
func (ImageBody) isBody() {}
func (FileBody) isBody()  {}
func (VoiceBody) isBody() {}

// NewBody validates client input and builds the body for type t (empty t means text).
// maxAttachment <= 0 disables the size limit.
func NewBody(t MessageType, content string, file *Attachment, maxAttachment int64) (Body, error) {
	if t == "" {
		t = MessageTypeText
	}
	if t == MessageTypeText {
		if file != nil {
			return nil, fmt.Errorf("text message cannot carry a file: %w", ErrInvalidArgument)
		}
		text := strings.TrimSpace(content)
		if text == "" {
			return nil, fmt.Errorf("content required: %w", ErrInvalidArgument)
		}
		if utf8.RuneCountInString(text) > MaxTextLength {
			return nil, fmt.Errorf("content longer than %d characters: %w", MaxTextLength, ErrInvalidArgument)
		}
		return TextBody{Text: text}, nil
	}

	if content != "" {
		return nil, fmt.Errorf("%s message cannot carry text content: %w", t, ErrInvalidArgument)
	}
	if file == nil || len(file.Data) == 0 {
		return nil, fmt.Errorf("%s message requires file data: %w", t, ErrInvalidArgument)
	}
	a := *file
	a.Name = strings.TrimSpace(strings.ReplaceAll(a.Name, "+", " "))
	if a.Name == "" {
		return nil, fmt.Errorf("file name required: %w", ErrInvalidArgument)
	}
	if a.Size == 0 {
		a.Size = int64(len(a.Data))
	}
	if a.Size != int64(len(a.Data)) {
		return nil, fmt.Errorf("file size %d does not match data length %d: %w", a.Size, len(a.Data), ErrInvalidArgument)
	}
	if maxAttachment > 0 && a.Size > maxAttachment {
		return nil, fmt.Errorf("file larger than %d bytes: %w", maxAttachment, ErrInvalidArgument)
	}
	switch t {
	case MessageTypeImage:
		return ImageBody{a}, nil
	case MessageTypeFile:
		return FileBody{a}, nil
	case MessageTypeVoice:
		return VoiceBody{a}, nil
	}
	return nil, fmt.Errorf("unknown message type %q: %w", t, ErrInvalidArgument)
}

// BodyRecord is the flat storage form of a Body.
type BodyRecord struct {
	Type     MessageType
	Text     string
	FileName string
	FileSize int64
	MimeType string
	Data     []byte
}

func RecordOf(b Body) BodyRecord {
	switch v := b.(type) {
	case TextBody:
		return BodyRecord{Type: MessageTypeText, Text: v.Text}
	case ImageBody:
		return attachmentRecord(MessageTypeImage, v.Attachment)
	case FileBody:
		return attachmentRecord(MessageTypeFile, v.Attachment)
	case VoiceBody:
		return attachmentRecord(MessageTypeVoice, v.Attachment)
	}
	return BodyRecord{}
}

func attachmentRecord(t MessageType, a Attachment) BodyRecord {
	return BodyRecord{Type: t, FileName: a.Name, FileSize: a.Size, MimeType: a.MimeType, Data: a.Data}
}

// Body restores the tagged body; the Type column is the only discriminator.
func (r BodyRecord) Body() (Body, error) {
	a := Attachment{Name: r.FileName, Size: r.FileSize, MimeType: r.MimeType, Data: r.Data}
	switch r.Type {
	case MessageTypeText:
		return TextBody{Text: r.Text}, nil
	case MessageTypeImage:
		return ImageBody{a}, nil
	case MessageTypeFile:
		return FileBody{a}, nil
	case MessageTypeVoice:
		return VoiceBody{a}, nil
	}
	return nil, fmt.Errorf("unknown message type %q", r.Type)
}

type Message struct {
	ID        string
	ChatID    string
	SenderID  string
	Seq       int64
	Body      Body
	ReplyTo   string
	Status    MessageStatus
	CreatedAt time.Time
}

// Text returns the text of a text message and "" otherwise.
func (m *Message) Text() string {
	if t, ok := m.Body.(TextBody); ok {
		return t.Text
	}
	return ""
}

type messageJSON struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	SenderID  string        `json:"sender_id"`
	Seq       int64         `json:"seq"`
	Type      MessageType   `json:"type"`
	Content   string        `json:"content,omitempty"`
	File      *Attachment   `json:"file,omitempty"`
	ReplyTo   string        `json:"reply_to,omitempty"`
	Status    MessageStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

func (m Message) MarshalJSON() ([]byte, error) {
	w := messageJSON{
		ID:        m.ID,
		ChatID:    m.ChatID,
		SenderID:  m.SenderID,
		Seq:       m.Seq,
		ReplyTo:   m.ReplyTo,
		Status:    m.Status,
		CreatedAt: m.CreatedAt,
	}
	if m.Body != nil {
		rec := RecordOf(m.Body)
		w.Type = rec.Type
		if rec.Type == MessageTypeText {
			w.Content = rec.Text
		} else {
			w.File = &Attachment{Name: rec.FileName, Size: rec.FileSize, MimeType: rec.MimeType, Data: rec.Data}
		}
	}
	return json.Marshal(w)
}

func (m *Message) UnmarshalJSON(data []byte) error {
	var w messageJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	rec := BodyRecord{Type: w.Type, Text: w.Content}
	if w.File != nil {
		rec.FileName, rec.FileSize, rec.MimeType, rec.Data = w.File.Name, w.File.Size, w.File.MimeType, w.File.Data
	}
	body, err := rec.Body()
	if err != nil {
		return err
	}
	*m = Message{
		ID:        w.ID,
		ChatID:    w.ChatID,
		SenderID:  w.SenderID,
		Seq:       w.Seq,
		Body:      body,
		ReplyTo:   w.ReplyTo,
		Status:    w.Status,
		CreatedAt: w.CreatedAt,
	}
	return nil
}
