package controller

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"

	authport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/auth/port"
	cacheport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/cache/port"
	qport "github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/queue/port"
	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/call"
	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/task"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/usecase"
	repoAdapter "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/adapter"
)

// Handshake close codes. 4000-range codes are application-defined per
// RFC 6455; the portal clients map them to login/room error screens.
const (
	CloseMissingToken = 4001
	CloseInvalidToken = 4002
	CloseRoomClosed   = 4003
	CloseNotMember    = 4004
)

const (
	defaultReadTimeout = 60 * time.Second
	presenceTTL        = 90 * time.Second
)

// ChatSocketController is the connection gatekeeper and frame dispatcher
// for the realtime hub. One websocket endpoint serves both scopes: the
// literal "global" (presence, inbox badges, call signaling) and a single
// chat room.
type ChatSocketController struct {
	hub      *realtime.Hub
	verifier authport.TokenVerifier
	cache    cacheport.Cache
	queue    qport.Client

	sendMessageUC *usecase.SendMessageUseCase
	deleteMsgUC   *usecase.DeleteMessageUseCase
	joinRoomUC    *usecase.JoinRoomUseCase
	historyUC     *usecase.RoomHistoryUseCase
	calls         *call.Manager
	repo          *repoAdapter.PgChatRepository

	inflightTimeout time.Duration
}

// NewChatSocketController wires the socket stack. cache and queue may be
// nil; the presence mirror and offline notifications degrade gracefully.
func NewChatSocketController(pool *pgxpool.Pool, hub *realtime.Hub, verifier authport.TokenVerifier, cache cacheport.Cache, queue qport.Client) *ChatSocketController {
	repo := repoAdapter.NewPgChatRepository(pool)
	ctl := &ChatSocketController{
		hub:             hub,
		verifier:        verifier,
		cache:           cache,
		queue:           queue,
		sendMessageUC:   usecase.NewSendMessageUseCase(repo),
		deleteMsgUC:     usecase.NewDeleteMessageUseCase(repo),
		joinRoomUC:      usecase.NewJoinRoomUseCase(repo),
		historyUC:       usecase.NewRoomHistoryUseCase(repo),
		repo:            repo,
		inflightTimeout: 5 * time.Second,
	}
	ctl.calls = call.NewManager(repo, ctl)
	return ctl
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The portal fronts this behind its own origin; tighten when the
		// reverse proxy stops stripping Origin.
		return true
	},
}

// Handle upgrades HTTP connections to websocket, runs the handshake
// gatekeeping, and processes frames until the client disconnects.
func (ctl *ChatSocketController) Handle() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Query("token")
		roomSel := c.Query("room")

		ws, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade already wrote the response; just return.
			return
		}

		if token == "" || roomSel == "" {
			closeWith(ws, CloseMissingToken, "missing credential")
			return
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
		identity, err := ctl.verifier.Verify(ctx, token)
		cancel()
		if err != nil {
			closeWith(ws, CloseInvalidToken, "invalid or expired credential")
			return
		}

		conn := realtime.NewConnection(identity.UserID, identity.DisplayName, identity.Role, roomSel, ws)

		if conn.Global() {
			ctl.attachGlobal(c, conn)
		} else {
			if !ctl.attachRoom(c, conn, ws) {
				return
			}
		}
		defer ctl.cleanup(conn)

		ws.SetReadLimit(1 << 20) // 1MB payload cap
		_ = ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(defaultReadTimeout))
		})

		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			ctl.dispatch(c, conn, data)
		}
	}
}

// attachGlobal registers presence and signaling reachability and marks the
// user logged in. The store write happens after registration so a crash
// between the two leaves the socket authoritative.
func (ctl *ChatSocketController) attachGlobal(c *gin.Context, conn *realtime.Connection) {
	ctl.hub.Register(conn)
	ctl.hub.SetPresence(conn.UserID, conn)
	ctl.hub.SetSignaling(conn.UserID, conn)

	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()
	if err := ctl.repo.SetLoggedIn(ctx, conn.UserID, true, time.Now().UTC()); err != nil {
		log.Printf("chat: mark logged in user=%s: %v", conn.UserID, err)
	}
	if ctl.cache != nil {
		_ = ctl.cache.Set(ctx, "presence:user:"+conn.UserID, "1", presenceTTL)
	}
}

// attachRoom runs the room-scope gatekeeping and, on success, subscribes
// the connection and delivers history before any live broadcast. Returns
// false when the connection was refused.
func (ctl *ChatSocketController) attachRoom(c *gin.Context, conn *realtime.Connection, ws *websocket.Conn) bool {
	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	_, err := ctl.joinRoomUC.Execute(ctx, usecase.JoinRoomInput{RoomID: conn.Scope, UserID: conn.UserID})
	switch {
	case err == nil:
	case errors.Is(err, chat.ErrRoomNotFound), errors.Is(err, chat.ErrRoomInactive):
		closeWith(ws, CloseRoomClosed, "room not found or inactive")
		return false
	case errors.Is(err, chat.ErrNotMember):
		closeWith(ws, CloseNotMember, "not a member of this room")
		return false
	default:
		closeWith(ws, websocket.CloseInternalServerErr, "handshake failed")
		return false
	}

	// Subscribe before the history fetch so a message persisted during the
	// fetch reaches this socket. Live broadcasts are parked until the
	// history frame is flushed; the release filter drops any frame whose
	// message already made it into the backlog.
	conn.HoldOutbound()
	ctl.hub.Register(conn)
	ctl.hub.Join(conn.Scope, conn)

	history, err := ctl.historyUC.Execute(ctx, usecase.RoomHistoryInput{RoomID: conn.Scope})
	if err != nil {
		ctl.hub.Leave(conn.Scope, conn)
		ctl.hub.Unregister(conn)
		closeWith(ws, websocket.CloseInternalServerErr, "history unavailable")
		return false
	}

	inBacklog := make(map[string]struct{}, len(history.Messages))
	for _, dm := range history.Messages {
		inBacklog[dm.Message.ID] = struct{}{}
	}
	payload, err := json.Marshal(toHistoryFrame(conn.Scope, history))
	if err != nil {
		ctl.hub.Leave(conn.Scope, conn)
		ctl.hub.Unregister(conn)
		closeWith(ws, websocket.CloseInternalServerErr, "history unavailable")
		return false
	}
	conn.ReleaseOutbound(payload, func(parked []byte) bool {
		var head struct {
			Type string `json:"type"`
			ID   string `json:"id"`
		}
		if json.Unmarshal(parked, &head) != nil || head.Type != frameMessage {
			return true
		}
		_, dup := inBacklog[head.ID]
		return !dup
	})

	notice := roomNoticeFrame{Type: "join", RoomID: conn.Scope, UserID: conn.UserID, DisplayName: conn.DisplayName}
	if payload, err := json.Marshal(notice); err == nil {
		ctl.hub.Broadcast(conn.Scope, payload, "")
	}
	return true
}

// cleanup is the only teardown path: transport close runs presence
// removal and the call-leave path synchronously.
func (ctl *ChatSocketController) cleanup(conn *realtime.Connection) {
	ctx, cancel := context.WithTimeout(context.Background(), ctl.inflightTimeout)
	defer cancel()

	ctl.calls.HandleDisconnect(ctx, conn)

	if conn.Global() {
		// The persisted logged-in flag flips only when no other global
		// connection of the user remains; DropPresence fails over to a
		// surviving tab and keeps the user online otherwise.
		if ctl.hub.DropPresence(conn.UserID, conn) {
			now := time.Now().UTC()
			if err := ctl.repo.SetLoggedIn(ctx, conn.UserID, false, now); err != nil {
				log.Printf("chat: mark logged out user=%s: %v", conn.UserID, err)
			}
			if ctl.cache != nil {
				_, _ = ctl.cache.Del(ctx, "presence:user:"+conn.UserID)
				_ = ctl.cache.Set(ctx, "lastseen:"+conn.UserID, now.Format(time.RFC3339), 0)
			}
		}
	} else {
		ctl.hub.Leave(conn.Scope, conn)
		notice := roomNoticeFrame{Type: "leave", RoomID: conn.Scope, UserID: conn.UserID, DisplayName: conn.DisplayName}
		if payload, err := json.Marshal(notice); err == nil {
			ctl.hub.Broadcast(conn.Scope, payload, conn.UserID)
		}
	}

	ctl.hub.Unregister(conn)
	conn.Close(websocket.CloseNormalClosure, "session closed")
}

// dispatch decodes the envelope and routes the frame. Malformed frames and
// unknown kinds are dropped without a reply.
func (ctl *ChatSocketController) dispatch(c *gin.Context, conn *realtime.Connection, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
		return
	}

	switch env.Type {
	case frameMessage:
		var p messagePayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleMessage(c, conn, p)
		}
	case frameDeleteMessage:
		var p deleteMessagePayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleDeleteMessage(c, conn, p)
		}
	case frameTyping:
		var p roomPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleTyping(conn, p)
		}
	case frameMarkRead:
		var p roomPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleMarkRead(conn, p)
		}
	case frameStartCall:
		var p roomPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleStartCall(c, conn, p)
		}
	case frameAcceptCall, frameJoinCall:
		var p callTargetPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleJoinCall(c, conn, p)
		}
	case frameLeaveCall:
		var p callTargetPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleLeaveCall(c, conn, p)
		}
	case frameEndCall:
		var p callTargetPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleEndCall(c, conn, p)
		}
	case frameOffer, frameAnswer, frameIceCandidate:
		var p signalPayload
		if json.Unmarshal(data, &p) == nil {
			ctl.handleSignal(conn, env.Type, p)
		}
	}
}

func (ctl *ChatSocketController) handleMessage(c *gin.Context, conn *realtime.Connection, p messagePayload) {
	roomID := p.RoomID
	if roomID == "" && !conn.Global() {
		roomID = conn.Scope
	}
	if roomID == "" {
		ctl.replyError(conn, "bad_request", "roomId is required")
		return
	}

	msgType := chat.MessageType(p.MessageType)
	if msgType == "" {
		msgType = chat.MessageTypeText
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	result, err := ctl.sendMessageUC.Execute(ctx, usecase.SendMessageInput{
		RoomID:         roomID,
		SenderID:       conn.UserID,
		SenderName:     conn.DisplayName,
		Content:        p.Content,
		Type:           msgType,
		ReplyToID:      p.ReplyTo,
		AttachmentName: p.AttachmentName,
	})
	if err != nil {
		ctl.handleUseCaseError(conn, err)
		return
	}

	ctl.fanOut(ctx, result)
}

// fanOut broadcasts the persisted message to the room (sender included,
// for optimistic-UI reconciliation) and nudges each member's global
// connection; members without one get an offline-notify task.
func (ctl *ChatSocketController) fanOut(ctx context.Context, result *usecase.SendMessageResult) {
	payload, err := json.Marshal(toMessageFrame(result.Message, result.ReplyPreview, result.ReadBy, result.MemberCount))
	if err != nil {
		return
	}
	ctl.hub.Broadcast(result.Message.RoomID, payload, "")

	nudge, err := json.Marshal(globalMessageFrame{Type: "global_message", RoomID: result.Message.RoomID})
	if err != nil {
		return
	}
	for _, memberID := range result.MemberIDs {
		if memberID == result.Message.SenderID {
			continue
		}
		if ctl.hub.NotifyUser(memberID, nudge) {
			continue
		}
		if ctl.queue == nil {
			continue
		}
		body, err := json.Marshal(task.OfflineNotifyTaskPayload{
			UserID:    memberID,
			RoomID:    result.Message.RoomID,
			MessageID: result.Message.ID,
		})
		if err != nil {
			continue
		}
		opts := qport.EnqueueOption{Queue: "notify", MaxRetry: 10}
		if _, err := ctl.queue.Enqueue(ctx, qport.Task{Type: task.OfflineNotifyTaskType, Payload: body}, opts); err != nil {
			log.Printf("chat: enqueue offline notify user=%s: %v", memberID, err)
		}
	}
}

func (ctl *ChatSocketController) handleDeleteMessage(c *gin.Context, conn *realtime.Connection, p deleteMessagePayload) {
	if p.MessageID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), ctl.inflightTimeout)
	defer cancel()

	roomID, err := ctl.deleteMsgUC.Execute(ctx, usecase.DeleteMessageInput{
		MessageID: p.MessageID,
		UserID:    conn.UserID,
		Role:      chat.UserRole(conn.Role),
	})
	if err != nil {
		// Unknown message and unauthorized delete are both silent no-ops;
		// only store failures get logged.
		if errors.Is(err, usecase.ErrPersistence) {
			log.Printf("chat: delete message %s: %v", p.MessageID, err)
		}
		return
	}

	frame := deleteMessageFrame{Type: frameDeleteMessage, RoomID: roomID, MessageID: p.MessageID}
	if payload, err := json.Marshal(frame); err == nil {
		ctl.hub.Broadcast(roomID, payload, "")
	}
}

func (ctl *ChatSocketController) handleTyping(conn *realtime.Connection, p roomPayload) {
	roomID := p.RoomID
	if roomID == "" && !conn.Global() {
		roomID = conn.Scope
	}
	if roomID == "" {
		return
	}
	frame := typingFrame{Type: frameTyping, RoomID: roomID, UserID: conn.UserID, SenderName: conn.DisplayName}
	if payload, err := json.Marshal(frame); err == nil {
		ctl.hub.Broadcast(roomID, payload, conn.UserID)
	}
}

func (ctl *ChatSocketController) handleMarkRead(conn *realtime.Connection, p roomPayload) {
	roomID := p.RoomID
	if roomID == "" && !conn.Global() {
		roomID = conn.Scope
	}
	if roomID == "" {
		return
	}
	// The watermark row itself is persisted by the read-receipt surface;
	// this is only the ephemeral fan-out.
	frame := readReceiptFrame{Type: "read_receiptUpdate", RoomID: roomID, UserID: conn.UserID, ReadAt: time.Now().UTC()}
	if payload, err := json.Marshal(frame); err == nil {
		ctl.hub.Broadcast(roomID, payload, conn.UserID)
	}
}

// PostSystemMessage satisfies call.SystemPoster: call announcements are
// persisted and fanned out exactly like member-sent messages.
func (ctl *ChatSocketController) PostSystemMessage(ctx context.Context, roomID, senderID, senderName, content string) error {
	result, err := ctl.sendMessageUC.Execute(ctx, usecase.SendMessageInput{
		RoomID:     roomID,
		SenderID:   senderID,
		SenderName: senderName,
		Content:    &content,
		Type:       chat.MessageTypeSystem,
	})
	if err != nil {
		return err
	}
	ctl.fanOut(ctx, result)
	return nil
}

func (ctl *ChatSocketController) handleUseCaseError(conn *realtime.Connection, err error) {
	switch {
	case errors.Is(err, usecase.ErrPersistence):
		log.Printf("chat: persistence: %v", err)
		ctl.replyError(conn, "internal_error", "unexpected persistence error")
	case errors.Is(err, chat.ErrNotMember):
		ctl.replyError(conn, "forbidden", "user is not a member of this room")
	case errors.Is(err, chat.ErrEmptyMessage):
		ctl.replyError(conn, "bad_request", "message has no content")
	default:
		ctl.replyError(conn, "bad_request", err.Error())
	}
}

func (ctl *ChatSocketController) replyError(conn *realtime.Connection, code string, message string) {
	frame := errorFrame{Type: "error", Code: code, Error: message}
	if payload, err := json.Marshal(frame); err == nil {
		_ = conn.Send(payload)
	}
}

func closeWith(ws *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(time.Second)
	_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	_ = ws.Close()
}
