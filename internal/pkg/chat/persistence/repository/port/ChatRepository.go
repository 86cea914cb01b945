package repository

import (
	"context"
	"time"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
)

// ChatRepository defines persistence operations for the communication hub.
// Fetches return (nil, nil) when the row does not exist; callers translate
// that into the matching domain error. All writes are single-statement and
// idempotent so statements from different sockets may interleave without
// multi-statement transactions.
type ChatRepository interface {
	// Rooms and membership (rows created by the admin surfaces, read-only here).
	RoomByID(ctx context.Context, roomID string) (*chat.Room, error)
	IsMember(ctx context.Context, roomID, userID string) (bool, error)
	ListMemberIDs(ctx context.Context, roomID string) ([]string, error)
	CountMembers(ctx context.Context, roomID string) (int, error)

	// Users.
	UserByID(ctx context.Context, userID string) (*chat.User, error)
	SetLoggedIn(ctx context.Context, userID string, loggedIn bool, at time.Time) error

	// Messages.
	SaveMessage(ctx context.Context, m chat.Message) (string, error)
	MessageByID(ctx context.Context, messageID string) (*chat.Message, error)
	RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error)
	DeleteMessage(ctx context.Context, messageID string) (bool, error)

	// Read watermarks (written by the read-receipt surface, read-only here).
	ReadersSince(ctx context.Context, roomID string, since time.Time) ([]string, error)

	// Call sessions and rosters.
	CreateCallSession(ctx context.Context, s chat.CallSession) (string, error)
	JoinableCallByRoom(ctx context.Context, roomID string) (*chat.CallSession, error)
	CallByID(ctx context.Context, callID string) (*chat.CallSession, error)
	SetCallStatus(ctx context.Context, callID string, status chat.CallStatus) error
	EndCallSession(ctx context.Context, callID string, at time.Time) error
	UpsertCallParticipant(ctx context.Context, p chat.CallParticipant) error
	MarkParticipantLeft(ctx context.Context, callID, userID string, at time.Time) error
	ActiveCallParticipants(ctx context.Context, callID string) ([]chat.CallParticipant, error)

	// Notification outbox, drained by the external notifier surfaces.
	SaveNotification(ctx context.Context, userID, roomID, messageID string) error
}
