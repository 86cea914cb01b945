package chat

import "errors"

// Room-level errors surfaced to the gatekeeper and the message pipeline.
var (
	ErrRoomNotFound = errors.New("chat: room not found")
	ErrRoomInactive = errors.New("chat: room is not active")
	ErrNotMember    = errors.New("chat: user is not a member of the room")
)

// RoomStatus is managed by the administrative surfaces; the hub treats
// anything other than "active" as closed for new connections.
type RoomStatus string

const (
	RoomStatusActive   RoomStatus = "active"
	RoomStatusInactive RoomStatus = "inactive"
)

// Room is read-only inside the hub. Rooms and their membership are created
// by an external administrative flow; the hub only ever observes the rows.
type Room struct {
	ID     string     `db:"id"`
	Name   string     `db:"name"`
	Status RoomStatus `db:"status"`
}

// Open reports whether the room accepts new subscriptions.
func (r Room) Open() bool {
	return r.Status == RoomStatusActive
}
