package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	qport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/port"
	repoAdapter "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/adapter"
)

// OfflineNotifyTaskType is the queue task name for recording an unread
// notification for a member with no live global connection. The outbox row
// it writes is drained by the mail/push surfaces.
const OfflineNotifyTaskType = "chat:offline_notify"

// OfflineNotifyTaskPayload is the JSON payload transported via the queue.
// Kept decoupled from domain types to avoid tight coupling with JSON tags.
type OfflineNotifyTaskPayload struct {
	UserID    string `json:"userId"`
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
}

// RegisterOfflineNotifyTask binds the task handler to the provided server.
// The handler writes the notification_outbox row using the provided pool.
func RegisterOfflineNotifyTask(srv qport.Server, pool *pgxpool.Pool) {
	srv.Register(OfflineNotifyTaskType, func(ctx context.Context, t qport.Task) error {
		var p OfflineNotifyTaskPayload
		if err := json.Unmarshal(t.Payload, &p); err != nil {
			// malformed payload: do not retry indefinitely
			return err
		}
		if p.UserID == "" || p.RoomID == "" || p.MessageID == "" {
			return nil
		}

		repo := repoAdapter.NewPgChatRepository(pool)

		ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()

		return repo.SaveNotification(ctx, p.UserID, p.RoomID, p.MessageID)
	})
}
