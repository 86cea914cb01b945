package usecase

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	repository "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/port"
)

// DefaultReadTolerance widens the read-by window so members who mark a room
// read at essentially the same instant the message lands still appear as
// readers. The exact bound is a heuristic, not a contract; override via
// READ_TOLERANCE_MS.
const DefaultReadTolerance = time.Second

// SendMessageInput carries the data needed to send a new message.
type SendMessageInput struct {
	RoomID         string
	SenderID       string
	SenderName     string
	Content        *string
	Type           chat.MessageType
	ReplyToID      *string
	AttachmentName *string
}

// SendMessageResult is everything the controller needs to fan the message
// out: the persisted message, its decorations, and the full membership so
// global connections of members can receive the inbox-changed nudge.
type SendMessageResult struct {
	Message      chat.Message
	ReplyPreview *chat.ReplyPreview
	ReadBy       []string
	MemberCount  int
	MemberIDs    []string
}

// SendMessageUseCase validates, persists, and decorates one chat message.
// Membership is re-checked against the store on every send rather than
// cached from connect time, because membership may be revoked mid-session.
type SendMessageUseCase struct {
	Repo          repository.ChatRepository
	ReadTolerance time.Duration
}

func NewSendMessageUseCase(repo repository.ChatRepository) *SendMessageUseCase {
	return &SendMessageUseCase{Repo: repo, ReadTolerance: readToleranceFromEnv()}
}

// readToleranceFromEnv reads READ_TOLERANCE_MS, falling back to the default
// for missing or unusable values.
func readToleranceFromEnv() time.Duration {
	if v := os.Getenv("READ_TOLERANCE_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultReadTolerance
}

func (uc *SendMessageUseCase) Execute(ctx context.Context, in SendMessageInput) (*SendMessageResult, error) {
	if in.RoomID == "" || in.SenderID == "" {
		return nil, fmt.Errorf("room_id and sender_id are required")
	}

	isMember, err := uc.Repo.IsMember(ctx, in.RoomID, in.SenderID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !isMember {
		return nil, chat.ErrNotMember
	}

	// A reply linkage pointing outside the room is dropped silently; the
	// message itself still goes through.
	replyTo, preview, err := uc.resolveReply(ctx, in.RoomID, in.ReplyToID)
	if err != nil {
		return nil, err
	}

	msg, err := chat.NewMessage(chat.Message{
		RoomID:         in.RoomID,
		SenderID:       in.SenderID,
		SenderName:     in.SenderName,
		Content:        in.Content,
		Type:           in.Type,
		ReplyToID:      replyTo,
		AttachmentName: in.AttachmentName,
	})
	if err != nil {
		return nil, err
	}

	id, err := uc.Repo.SaveMessage(ctx, *msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	msg.ID = id

	readBy, err := uc.Repo.ReadersSince(ctx, in.RoomID, msg.CreatedAt.Add(-uc.tolerance()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	memberIDs, err := uc.Repo.ListMemberIDs(ctx, in.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	return &SendMessageResult{
		Message:      *msg,
		ReplyPreview: preview,
		ReadBy:       readBy,
		MemberCount:  len(memberIDs),
		MemberIDs:    memberIDs,
	}, nil
}

func (uc *SendMessageUseCase) resolveReply(ctx context.Context, roomID string, replyToID *string) (*string, *chat.ReplyPreview, error) {
	if replyToID == nil || *replyToID == "" {
		return nil, nil, nil
	}
	parent, err := uc.Repo.MessageByID(ctx, *replyToID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if parent == nil || parent.RoomID != roomID {
		return nil, nil, nil
	}
	return replyToID, &chat.ReplyPreview{
		MessageID:  parent.ID,
		Content:    parent.PreviewText(),
		SenderName: parent.SenderName,
	}, nil
}

func (uc *SendMessageUseCase) tolerance() time.Duration {
	if uc.ReadTolerance > 0 {
		return uc.ReadTolerance
	}
	return DefaultReadTolerance
}
