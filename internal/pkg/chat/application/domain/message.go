package chat

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrEmptyMessage     = errors.New("chat: empty message (no content or attachment)")
	ErrMessageNotFound  = errors.New("chat: message not found")
	ErrNotMessageSender = errors.New("chat: user may not act on this message")
)

// MessageType classifies message content.
type MessageType string

const (
	MessageTypeText   MessageType = "text"
	MessageTypeFile   MessageType = "file"
	MessageTypeSystem MessageType = "system"
)

// Message is an immutable log entry in a room. Rows are never updated;
// the only mutation is deletion by the sender or a privileged role.
type Message struct {
	ID             string      `db:"id"`
	RoomID         string      `db:"room_id"`
	SenderID       string      `db:"sender_id"`
	SenderName     string      `db:"sender_name"`
	Content        *string     `db:"content"`
	Type           MessageType `db:"message_type"`
	ReplyToID      *string     `db:"reply_to_id"`
	AttachmentName *string     `db:"attachment_name"`
	CreatedAt      time.Time   `db:"created_at"`
}

// ReplyPreview is the denormalized snippet carried on broadcasts when a
// message replies to another message in the same room.
type ReplyPreview struct {
	MessageID  string `json:"message_id"`
	Content    string `json:"content"`
	SenderName string `json:"sender_name"`
}

// PreviewText is the string shown for this message inside a reply preview:
// the trimmed content, or the attachment name for attachment-only messages.
func (m Message) PreviewText() string {
	if m.Content != nil {
		if s := strings.TrimSpace(*m.Content); s != "" {
			return s
		}
	}
	if m.AttachmentName != nil {
		return *m.AttachmentName
	}
	return ""
}

// NewMessage normalizes and validates a message before persistence.
// System messages may be contentless carriers of an event; anything else
// needs either content or an attachment.
func NewMessage(m Message) (*Message, error) {
	if m.RoomID == "" || m.SenderID == "" {
		return nil, errors.New("chat: room_id and sender_id are required")
	}

	if m.Content != nil {
		trimmed := strings.TrimSpace(*m.Content)
		if trimmed == "" {
			m.Content = nil
		} else {
			m.Content = &trimmed
		}
	}

	if m.Type == "" {
		m.Type = MessageTypeText
	}

	if m.Type != MessageTypeSystem && m.Content == nil && m.AttachmentName == nil {
		return nil, ErrEmptyMessage
	}

	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	return &m, nil
}
