package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log"

	"github.com/gin-gonic/gin"

	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/usecase"
)

// Call frames ride the same socket as chat; the manager owns the success
// path, the controller translates failures into call-error frames.

func (ctl *ChatSocketController) handleStartCall(c *gin.Context, conn *realtime.Connection, p roomPayload) {
	roomID := p.RoomID
	if roomID == "" && !conn.Global() {
		roomID = conn.Scope
	}
	if roomID == "" {
		ctl.replyCallError(conn, "roomId is required")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	isMember, err := ctl.repo.IsMember(ctx, roomID, conn.UserID)
	if err != nil {
		log.Printf("chat: start-call membership check: %v", err)
		return
	}
	if !isMember {
		ctl.replyCallError(conn, "not a member of this room")
		return
	}

	if err := ctl.calls.Start(ctx, roomID, conn); err != nil {
		ctl.handleCallError(conn, err)
	}
}

func (ctl *ChatSocketController) handleJoinCall(c *gin.Context, conn *realtime.Connection, p callTargetPayload) {
	if p.CallID == "" {
		ctl.replyCallError(conn, "callId is required")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	if err := ctl.calls.Join(ctx, p.CallID, conn); err != nil {
		ctl.handleCallError(conn, err)
	}
}

func (ctl *ChatSocketController) handleLeaveCall(c *gin.Context, conn *realtime.Connection, p callTargetPayload) {
	if p.CallID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	if err := ctl.calls.Leave(ctx, p.CallID, conn); err != nil {
		if errors.Is(err, usecase.ErrPersistence) {
			log.Printf("chat: leave-call %s: %v", p.CallID, err)
		}
	}
}

func (ctl *ChatSocketController) handleEndCall(c *gin.Context, conn *realtime.Connection, p callTargetPayload) {
	if p.CallID == "" {
		ctl.replyCallError(conn, "callId is required")
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	if err := ctl.calls.End(ctx, p.CallID, conn); err != nil {
		ctl.handleCallError(conn, err)
	}
}

// handleSignal relays an opaque offer/answer/ice-candidate payload to the
// target user's reachable connection, stamping the sender on. Unreachable
// targets drop the frame silently; the caller's own state machine times out.
func (ctl *ChatSocketController) handleSignal(conn *realtime.Connection, kind string, p signalPayload) {
	if p.Target == "" || len(p.Payload) == 0 {
		return
	}
	frame := signalFrame{Type: kind, From: conn.UserID, FromName: conn.DisplayName, Payload: p.Payload}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	ctl.hub.ForwardSignal(p.Target, payload)
}

func (ctl *ChatSocketController) handleCallError(conn *realtime.Connection, err error) {
	switch {
	case errors.Is(err, chat.ErrCallNotFound):
		ctl.replyCallError(conn, "call not found")
	case errors.Is(err, chat.ErrCallOver):
		ctl.replyCallError(conn, "call already ended")
	case errors.Is(err, chat.ErrNotCallOwner):
		ctl.replyCallError(conn, "only the initiator or an admin may end the call")
	case errors.Is(err, chat.ErrAlreadyOnCall):
		ctl.replyCallError(conn, "already participating in another call")
	case errors.Is(err, usecase.ErrPersistence):
		log.Printf("chat: call operation: %v", err)
	default:
		ctl.replyCallError(conn, err.Error())
	}
}

func (ctl *ChatSocketController) replyCallError(conn *realtime.Connection, message string) {
	frame := struct {
		Type  string `json:"type"`
		Error string `json:"error"`
	}{Type: "call-error", Error: message}
	if payload, err := json.Marshal(frame); err == nil {
		_ = conn.Send(payload)
	}
}
