package usecase

import (
	"context"
	"fmt"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	repository "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/port"
)

// DeleteMessageInput identifies the message and the acting user.
type DeleteMessageInput struct {
	MessageID string
	UserID    string
	Role      chat.UserRole
}

// DeleteMessageUseCase removes a message on behalf of its sender or a
// privileged role. The row is gone afterwards; callers broadcast the
// deletion event to the room returned here.
type DeleteMessageUseCase struct {
	Repo repository.ChatRepository
}

func NewDeleteMessageUseCase(repo repository.ChatRepository) *DeleteMessageUseCase {
	return &DeleteMessageUseCase{Repo: repo}
}

// Execute returns the room the message belonged to so the caller can
// address the deletion broadcast.
func (uc *DeleteMessageUseCase) Execute(ctx context.Context, in DeleteMessageInput) (roomID string, err error) {
	if in.MessageID == "" || in.UserID == "" {
		return "", fmt.Errorf("message_id and user_id are required")
	}

	msg, err := uc.Repo.MessageByID(ctx, in.MessageID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if msg == nil {
		return "", chat.ErrMessageNotFound
	}
	if msg.SenderID != in.UserID && !in.Role.Privileged() {
		return "", chat.ErrNotMessageSender
	}

	deleted, err := uc.Repo.DeleteMessage(ctx, in.MessageID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !deleted {
		// Raced with another delete; treat as not found.
		return "", chat.ErrMessageNotFound
	}
	return msg.RoomID, nil
}
