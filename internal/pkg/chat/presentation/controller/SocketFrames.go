package controller

import (
	"encoding/json"
	"time"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/usecase"
)

// Inbound frame kinds. The set is closed: the dispatcher switches over
// exactly these values and silently ignores anything else, including
// frames that fail to decode.
const (
	frameMessage       = "message"
	frameDeleteMessage = "delete_message"
	frameTyping        = "typing"
	frameMarkRead      = "mark_read"
	frameStartCall     = "start-call"
	frameAcceptCall    = "accept-call" // alias of join-call
	frameJoinCall      = "join-call"
	frameLeaveCall     = "leave-call"
	frameEndCall       = "end-call"
	frameOffer         = "offer"
	frameAnswer        = "answer"
	frameIceCandidate  = "ice-candidate"
)

// envelope carries the discriminator plus the raw bytes so each frame kind
// can decode its own strongly-typed payload.
type envelope struct {
	Type string `json:"type"`
}

type messagePayload struct {
	RoomID         string  `json:"roomId"`
	Content        *string `json:"content"`
	MessageType    string  `json:"message_type"`
	ReplyTo        *string `json:"reply_to"`
	AttachmentName *string `json:"attachment_name"`
}

type deleteMessagePayload struct {
	MessageID string `json:"messageId"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type callTargetPayload struct {
	CallID string `json:"callId"`
}

type signalPayload struct {
	Target  string          `json:"target"`
	Payload json.RawMessage `json:"payload"`
}

// Outbound frames. Naming follows the wire contract the portal clients
// already speak: chat frames use snake_case fields, call frames camelCase.

type errorFrame struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

type messageFrame struct {
	Type           string             `json:"type"`
	ID             string             `json:"id"`
	RoomID         string             `json:"room_id"`
	SenderID       string             `json:"sender_id"`
	SenderName     string             `json:"sender_name"`
	Content        *string            `json:"content"`
	MessageType    chat.MessageType   `json:"message_type"`
	AttachmentName *string            `json:"attachment_name,omitempty"`
	ReplyPreview   *chat.ReplyPreview `json:"reply_preview,omitempty"`
	ReadBy         []string           `json:"read_by"`
	MemberCount    int                `json:"member_count"`
	CreatedAt      time.Time          `json:"created_at"`
}

type historyFrame struct {
	Type        string         `json:"type"`
	RoomID      string         `json:"room_id"`
	MemberCount int            `json:"member_count"`
	Messages    []messageFrame `json:"messages"`
}

type deleteMessageFrame struct {
	Type      string `json:"type"`
	RoomID    string `json:"room_id"`
	MessageID string `json:"message_id"`
}

type typingFrame struct {
	Type       string `json:"type"`
	RoomID     string `json:"room_id"`
	UserID     string `json:"user_id"`
	SenderName string `json:"sender_name"`
}

type readReceiptFrame struct {
	Type   string    `json:"type"`
	RoomID string    `json:"room_id"`
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

type roomNoticeFrame struct {
	Type        string `json:"type"` // "join" or "leave"
	RoomID      string `json:"room_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
}

type globalMessageFrame struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// signalFrame is the relayed signaling envelope with the sender stamped on.
// The payload itself is forwarded verbatim, never interpreted.
type signalFrame struct {
	Type     string          `json:"type"`
	From     string          `json:"from"`
	FromName string          `json:"from_name,omitempty"`
	Payload  json.RawMessage `json:"payload"`
}

func toMessageFrame(m chat.Message, preview *chat.ReplyPreview, readBy []string, memberCount int) messageFrame {
	if readBy == nil {
		readBy = []string{}
	}
	return messageFrame{
		Type:           frameMessage,
		ID:             m.ID,
		RoomID:         m.RoomID,
		SenderID:       m.SenderID,
		SenderName:     m.SenderName,
		Content:        m.Content,
		MessageType:    m.Type,
		AttachmentName: m.AttachmentName,
		ReplyPreview:   preview,
		ReadBy:         readBy,
		MemberCount:    memberCount,
		CreatedAt:      m.CreatedAt,
	}
}

func toHistoryFrame(roomID string, res *usecase.RoomHistoryResult) historyFrame {
	msgs := make([]messageFrame, 0, len(res.Messages))
	for _, dm := range res.Messages {
		msgs = append(msgs, toMessageFrame(dm.Message, dm.ReplyPreview, dm.ReadBy, res.MemberCount))
	}
	return historyFrame{
		Type:        "history",
		RoomID:      roomID,
		MemberCount: res.MemberCount,
		Messages:    msgs,
	}
}
