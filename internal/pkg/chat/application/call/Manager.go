package call

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Celicular/Clarity-ERP-sub002/internal/infrastructure/realtime"
	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
	"github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/usecase"
	repository "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/persistence/repository/port"
)

// SystemPoster persists a system chat message in a room and broadcasts it
// to the room's subscribers. The controller wires this to the message
// pipeline so call announcements travel the same path as ordinary sends.
type SystemPoster interface {
	PostSystemMessage(ctx context.Context, roomID, senderID, senderName, content string) error
}

// Manager is the call session state machine. The persisted session and
// roster are the durable source of truth; the in-memory participant table
// is only a fast fan-out index and is always a subset of the persisted
// non-left roster. All mutations for a room are serialized through a
// per-room lock so that state read before a store round-trip is
// re-validated before it is acted on.
type Manager struct {
	repo   repository.ChatRepository
	poster SystemPoster

	rooms keyedMutex

	mu    sync.Mutex
	calls map[string]*liveCall // call id -> in-memory participant set
}

type liveCall struct {
	roomID string
	parts  map[string]*realtime.Connection // user id -> connection
}

func NewManager(repo repository.ChatRepository, poster SystemPoster) *Manager {
	return &Manager{
		repo:   repo,
		poster: poster,
		calls:  make(map[string]*liveCall),
	}
}

// Outbound call frames. The roster entry mirrors what signaling clients
// key their peer tables on.

type participantInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type callJoinedFrame struct {
	Type         string            `json:"type"`
	CallID       string            `json:"callId"`
	RoomID       string            `json:"roomId"`
	Participants []participantInfo `json:"participants"`
	IsInitiator  bool              `json:"isInitiator"`
}

type participantJoinedFrame struct {
	Type        string `json:"type"`
	CallID      string `json:"callId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}

type participantLeftFrame struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
	UserID string `json:"userId"`
}

type callEndedFrame struct {
	Type   string `json:"type"`
	CallID string `json:"callId"`
}

// Start opens a call for the room, or joins the existing one when a
// ringing/active session is already present: two near-simultaneous starts
// collapse into a single persisted session.
func (m *Manager) Start(ctx context.Context, roomID string, conn *realtime.Connection) error {
	unlock := m.rooms.lock(roomID)
	defer unlock()

	existing, err := m.repo.JoinableCallByRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}
	if existing != nil {
		return m.joinLocked(ctx, existing, conn)
	}

	if conn.CallID() != "" {
		return chat.ErrAlreadyOnCall
	}

	now := time.Now().UTC()
	id, err := m.repo.CreateCallSession(ctx, chat.CallSession{
		RoomID:      roomID,
		InitiatorID: conn.UserID,
		Status:      chat.CallStatusActive,
		CreatedAt:   now,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}
	if id == "" {
		// Lost the insert race; the winner's session is the call.
		existing, err = m.repo.JoinableCallByRoom(ctx, roomID)
		if err != nil {
			return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
		}
		if existing == nil {
			return chat.ErrCallNotFound
		}
		return m.joinLocked(ctx, existing, conn)
	}

	if err := m.repo.UpsertCallParticipant(ctx, chat.CallParticipant{
		CallID:   id,
		UserID:   conn.UserID,
		JoinedAt: now,
	}); err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}

	m.track(id, roomID, conn)
	conn.AttachCall(id)

	if m.poster != nil {
		if err := m.poster.PostSystemMessage(ctx, roomID, conn.UserID, conn.DisplayName,
			fmt.Sprintf("📞 %s started a voice call", conn.DisplayName)); err != nil {
			return err
		}
	}

	m.send(conn, callJoinedFrame{
		Type:         "call-joined",
		CallID:       id,
		RoomID:       roomID,
		Participants: []participantInfo{},
		IsInitiator:  true,
	})
	return nil
}

// Join adds the user to an existing session. The roster returned to the
// joiner comes from the persisted store, not memory, so a reconnect after
// a restart still sees the authoritative participant list.
func (m *Manager) Join(ctx context.Context, callID string, conn *realtime.Connection) error {
	session, err := m.repo.CallByID(ctx, callID)
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}
	if session == nil {
		return chat.ErrCallNotFound
	}

	unlock := m.rooms.lock(session.RoomID)
	defer unlock()

	// Re-validate after the await: the session may have ended while we
	// were waiting for the lock.
	session, err = m.repo.CallByID(ctx, callID)
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}
	if session == nil {
		return chat.ErrCallNotFound
	}
	return m.joinLocked(ctx, session, conn)
}

// joinLocked requires the room lock to be held.
func (m *Manager) joinLocked(ctx context.Context, session *chat.CallSession, conn *realtime.Connection) error {
	if !session.Joinable() {
		return chat.ErrCallOver
	}
	if cur := conn.CallID(); cur != "" && cur != session.ID {
		return chat.ErrAlreadyOnCall
	}

	if session.Status == chat.CallStatusRinging {
		if err := m.repo.SetCallStatus(ctx, session.ID, chat.CallStatusActive); err != nil {
			return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
		}
	}

	if err := m.repo.UpsertCallParticipant(ctx, chat.CallParticipant{
		CallID:   session.ID,
		UserID:   conn.UserID,
		JoinedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}

	roster, err := m.repo.ActiveCallParticipants(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}

	others, rejoin := m.track(session.ID, session.RoomID, conn)
	conn.AttachCall(session.ID)

	participants := make([]participantInfo, 0, len(roster))
	for _, p := range roster {
		if p.UserID == conn.UserID {
			continue
		}
		info := participantInfo{UserID: p.UserID}
		if other, ok := others[p.UserID]; ok {
			info.DisplayName = other.DisplayName
		}
		participants = append(participants, info)
	}

	m.send(conn, callJoinedFrame{
		Type:         "call-joined",
		CallID:       session.ID,
		RoomID:       session.RoomID,
		Participants: participants,
		IsInitiator:  conn.UserID == session.InitiatorID,
	})

	// A re-join (same user, e.g. a duplicated frame) must not announce the
	// participant to the others again.
	if !rejoin {
		joined := participantJoinedFrame{
			Type:        "call-participant-joined",
			CallID:      session.ID,
			UserID:      conn.UserID,
			DisplayName: conn.DisplayName,
		}
		for _, other := range others {
			m.send(other, joined)
		}
	}
	return nil
}

// Leave removes the user from the call and ends the session once the
// in-memory participant set empties.
func (m *Manager) Leave(ctx context.Context, callID string, conn *realtime.Connection) error {
	session, err := m.repo.CallByID(ctx, callID)
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}
	if session == nil {
		return chat.ErrCallNotFound
	}

	unlock := m.rooms.lock(session.RoomID)
	defer unlock()

	if !m.isTracked(callID, conn.UserID) {
		conn.DetachCall()
		return nil
	}

	// Persist the departure before touching memory: a failed store write
	// leaves the member tracked so a retried leave runs the full path.
	if err := m.repo.MarkParticipantLeft(ctx, callID, conn.UserID, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}

	remaining, _ := m.untrack(callID, conn.UserID)
	conn.DetachCall()

	left := participantLeftFrame{Type: "call-participant-left", CallID: callID, UserID: conn.UserID}
	for _, other := range remaining {
		m.send(other, left)
	}

	if len(remaining) == 0 {
		if err := m.repo.EndCallSession(ctx, callID, time.Now().UTC()); err != nil {
			return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
		}
	}
	return nil
}

// End tears the call down for everyone. Only the initiator or a privileged
// role may do this.
func (m *Manager) End(ctx context.Context, callID string, conn *realtime.Connection) error {
	session, err := m.repo.CallByID(ctx, callID)
	if err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}
	if session == nil {
		return chat.ErrCallNotFound
	}
	if session.InitiatorID != conn.UserID && !chat.UserRole(conn.Role).Privileged() {
		return chat.ErrNotCallOwner
	}

	unlock := m.rooms.lock(session.RoomID)
	defer unlock()

	if err := m.repo.EndCallSession(ctx, callID, time.Now().UTC()); err != nil {
		return fmt.Errorf("%w: %v", usecase.ErrPersistence, err)
	}

	members := m.drop(callID)
	ended := callEndedFrame{Type: "call-ended", CallID: callID}
	for _, member := range members {
		m.send(member, ended)
		member.DetachCall()
	}

	if m.poster != nil {
		if err := m.poster.PostSystemMessage(ctx, session.RoomID, conn.UserID, conn.DisplayName,
			"Voice call ended"); err != nil {
			return err
		}
	}
	return nil
}

// HandleDisconnect runs the leave path for a connection that closed while
// attached to a call.
func (m *Manager) HandleDisconnect(ctx context.Context, conn *realtime.Connection) {
	callID := conn.CallID()
	if callID == "" {
		return
	}
	_ = m.Leave(ctx, callID, conn)
}

// Live reports whether the call id is present in the in-memory registry.
func (m *Manager) Live(callID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.calls[callID]
	return ok
}

// track adds conn to the call's in-memory set and returns the other
// members as they were before the add, plus whether the user was already
// tracked on this call.
func (m *Manager) track(callID, roomID string, conn *realtime.Connection) (map[string]*realtime.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc := m.calls[callID]
	if lc == nil {
		lc = &liveCall{roomID: roomID, parts: make(map[string]*realtime.Connection)}
		m.calls[callID] = lc
	}
	_, rejoin := lc.parts[conn.UserID]
	others := make(map[string]*realtime.Connection, len(lc.parts))
	for id, c := range lc.parts {
		if id != conn.UserID {
			others[id] = c
		}
	}
	lc.parts[conn.UserID] = conn
	return others, rejoin
}

// isTracked reports whether the user is in the call's in-memory set.
func (m *Manager) isTracked(callID, userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc := m.calls[callID]
	if lc == nil {
		return false
	}
	_, ok := lc.parts[userID]
	return ok
}

// untrack removes the user from the call's set, pruning the call entry
// when it empties. It returns the remaining members and whether the user
// was present at all.
func (m *Manager) untrack(callID, userID string) (map[string]*realtime.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc := m.calls[callID]
	if lc == nil {
		return nil, false
	}
	if _, ok := lc.parts[userID]; !ok {
		return nil, false
	}
	delete(lc.parts, userID)
	remaining := make(map[string]*realtime.Connection, len(lc.parts))
	for id, c := range lc.parts {
		remaining[id] = c
	}
	if len(lc.parts) == 0 {
		delete(m.calls, callID)
	}
	return remaining, true
}

// drop removes the whole call entry and returns its members.
func (m *Manager) drop(callID string) []*realtime.Connection {
	m.mu.Lock()
	defer m.mu.Unlock()
	lc := m.calls[callID]
	if lc == nil {
		return nil
	}
	delete(m.calls, callID)
	members := make([]*realtime.Connection, 0, len(lc.parts))
	for _, c := range lc.parts {
		members = append(members, c)
	}
	return members
}

func (m *Manager) send(conn *realtime.Connection, frame any) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}

// keyedMutex hands out one mutex per key so call mutations for different
// rooms never contend with each other.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*roomLock)
	}
	rl := k.locks[key]
	if rl == nil {
		rl = &roomLock{}
		k.locks[key] = rl
	}
	rl.refs++
	k.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		k.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
