package usecase

import (
	"context"
	"fmt"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	repository "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/port"
)

// JoinRoomInput validates a request to attach a connection to a room.
type JoinRoomInput struct {
	RoomID string
	UserID string
}

// JoinRoomUseCase enforces the room-scope handshake rules: the room must
// exist, must be active, and the caller must be a persisted member.
type JoinRoomUseCase struct {
	Repo repository.ChatRepository
}

func NewJoinRoomUseCase(repo repository.ChatRepository) *JoinRoomUseCase {
	return &JoinRoomUseCase{Repo: repo}
}

func (uc *JoinRoomUseCase) Execute(ctx context.Context, in JoinRoomInput) (*chat.Room, error) {
	if in.RoomID == "" || in.UserID == "" {
		return nil, fmt.Errorf("room_id and user_id are required")
	}

	room, err := uc.Repo.RoomByID(ctx, in.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if room == nil {
		return nil, chat.ErrRoomNotFound
	}
	if !room.Open() {
		return nil, chat.ErrRoomInactive
	}

	isMember, err := uc.Repo.IsMember(ctx, in.RoomID, in.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if !isMember {
		return nil, chat.ErrNotMember
	}
	return room, nil
}
