package controller

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/usecase"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/adapter"
)

// RoomHistoryController serves the room backlog over plain HTTP for
// surfaces that render chat without holding a socket (one controller per
// endpoint).
type RoomHistoryController struct {
	UC *usecase.RoomHistoryUseCase
}

func NewRoomHistoryController(pool *pgxpool.Pool) *RoomHistoryController {
	repo := adapter.NewPgChatRepository(pool)
	return &RoomHistoryController{UC: usecase.NewRoomHistoryUseCase(repo)}
}

func (h *RoomHistoryController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		roomID := c.Param("roomId")
		if roomID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "roomId is required"})
			return
		}

		limit := usecase.DefaultHistoryWindow
		if v := c.Query("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 200 {
				limit = n
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()

		res, err := h.UC.Execute(ctx, usecase.RoomHistoryInput{RoomID: roomID, Limit: limit})
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, usecase.ErrPersistence) {
				status = http.StatusInternalServerError
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}

		out := make([]gin.H, 0, len(res.Messages))
		for _, dm := range res.Messages {
			m := dm.Message
			out = append(out, gin.H{
				"id":              m.ID,
				"room_id":         m.RoomID,
				"sender_id":       m.SenderID,
				"sender_name":     m.SenderName,
				"content":         m.Content,
				"message_type":    m.Type,
				"attachment_name": m.AttachmentName,
				"reply_preview":   dm.ReplyPreview,
				"read_by":         dm.ReadBy,
				"created_at":      m.CreatedAt,
			})
		}

		c.JSON(http.StatusOK, gin.H{
			"messages":     out,
			"member_count": res.MemberCount,
			"count":        len(out),
		})
	}
}
