package chat

import (
	"errors"
	"time"
)

var (
	ErrCallNotFound  = errors.New("chat: call session not found")
	ErrCallOver      = errors.New("chat: call session already ended")
	ErrNotCallOwner  = errors.New("chat: only the initiator or an admin may end the call")
	ErrAlreadyOnCall = errors.New("chat: user already participates in a call for this room")
)

// CallStatus is the lifecycle of a voice call session. This deployment
// transitions straight to active on creation; ringing is retained so an
// accept/decline flow can be added without a schema change.
type CallStatus string

const (
	CallStatusRinging CallStatus = "ringing"
	CallStatusActive  CallStatus = "active"
	CallStatusEnded   CallStatus = "ended"
)

// CallSession is the persisted record of one call tied to a chat room.
// It is the durable source of truth; the hub's in-memory participant set
// is only a fan-out index over it.
type CallSession struct {
	ID          string     `db:"id"`
	RoomID      string     `db:"room_id"`
	InitiatorID string     `db:"initiator_id"`
	Status      CallStatus `db:"status"`
	CreatedAt   time.Time  `db:"created_at"`
	EndedAt     *time.Time `db:"ended_at"`
}

// Joinable reports whether new participants may still enter the session.
func (s CallSession) Joinable() bool {
	return s.Status == CallStatusRinging || s.Status == CallStatusActive
}

// CallParticipant is one user's membership in a call. Rows are upserted on
// join and stamped on leave, never deleted, so the roster doubles as a
// call history for the reporting surfaces.
type CallParticipant struct {
	CallID   string     `db:"call_id"`
	UserID   string     `db:"user_id"`
	JoinedAt time.Time  `db:"joined_at"`
	LeftAt   *time.Time `db:"left_at"`
}
