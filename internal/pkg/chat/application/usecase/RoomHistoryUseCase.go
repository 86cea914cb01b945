package usecase

import (
	"context"
	"fmt"
	"time"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	repository "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/port"
)

// DefaultHistoryWindow bounds the backlog delivered on room join.
const DefaultHistoryWindow = 60

// RoomHistoryInput wraps the room whose backlog should be loaded.
type RoomHistoryInput struct {
	RoomID string
	Limit  int
}

// DecoratedMessage pairs a stored message with the same decorations the
// live broadcast path computes, so the history frame and live frames render
// identically on the client.
type DecoratedMessage struct {
	Message      chat.Message
	ReplyPreview *chat.ReplyPreview
	ReadBy       []string
}

// RoomHistoryResult is one history frame's worth of backlog, oldest first.
type RoomHistoryResult struct {
	Messages    []DecoratedMessage
	MemberCount int
}

// RoomHistoryUseCase fetches the bounded, decorated backlog delivered on a
// successful room subscribe.
type RoomHistoryUseCase struct {
	Repo          repository.ChatRepository
	ReadTolerance time.Duration
}

func NewRoomHistoryUseCase(repo repository.ChatRepository) *RoomHistoryUseCase {
	return &RoomHistoryUseCase{Repo: repo, ReadTolerance: readToleranceFromEnv()}
}

func (uc *RoomHistoryUseCase) Execute(ctx context.Context, in RoomHistoryInput) (*RoomHistoryResult, error) {
	if in.RoomID == "" {
		return nil, fmt.Errorf("room_id is required")
	}
	limit := in.Limit
	if limit <= 0 || limit > 200 {
		limit = DefaultHistoryWindow
	}

	msgs, err := uc.Repo.RecentMessages(ctx, in.RoomID, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	memberCount, err := uc.Repo.CountMembers(ctx, in.RoomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	tolerance := uc.ReadTolerance
	if tolerance <= 0 {
		tolerance = DefaultReadTolerance
	}

	out := make([]DecoratedMessage, 0, len(msgs))
	for _, m := range msgs {
		dm := DecoratedMessage{Message: m}

		if m.ReplyToID != nil {
			parent, err := uc.Repo.MessageByID(ctx, *m.ReplyToID)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
			}
			if parent != nil && parent.RoomID == m.RoomID {
				dm.ReplyPreview = &chat.ReplyPreview{
					MessageID:  parent.ID,
					Content:    parent.PreviewText(),
					SenderName: parent.SenderName,
				}
			}
		}

		readBy, err := uc.Repo.ReadersSince(ctx, in.RoomID, m.CreatedAt.Add(-tolerance))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
		}
		dm.ReadBy = readBy

		out = append(out, dm)
	}

	return &RoomHistoryResult{Messages: out, MemberCount: memberCount}, nil
}
