package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	chat "github.com/Celicular/Clarity-ERP-sub002/internal/pkg/chat/application/domain"
)

// PgChatRepository implements the chat repository port on a pgx pool.
type PgChatRepository struct {
	pool *pgxpool.Pool
}

func NewPgChatRepository(pool *pgxpool.Pool) *PgChatRepository {
	return &PgChatRepository{pool: pool}
}

func (r *PgChatRepository) RoomByID(ctx context.Context, roomID string) (*chat.Room, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	var room chat.Room
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, name, status
		FROM chat_rooms
		WHERE id = $1::uuid
	`, roomID).Scan(&room.ID, &room.Name, &room.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &room, nil
}

func (r *PgChatRepository) IsMember(ctx context.Context, roomID, userID string) (bool, error) {
	if r == nil || r.pool == nil {
		return false, errors.New("PgChatRepository: nil pool")
	}
	var member bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM chat_room_members
			WHERE room_id = $1::uuid AND user_id = $2::uuid
		)
	`, roomID, userID).Scan(&member)
	return member, err
}

func (r *PgChatRepository) ListMemberIDs(ctx context.Context, roomID string) ([]string, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id::text FROM chat_room_members WHERE room_id = $1::uuid
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgChatRepository) CountMembers(ctx context.Context, roomID string) (int, error) {
	if r == nil || r.pool == nil {
		return 0, errors.New("PgChatRepository: nil pool")
	}
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM chat_room_members WHERE room_id = $1::uuid
	`, roomID).Scan(&n)
	return n, err
}

func (r *PgChatRepository) UserByID(ctx context.Context, userID string) (*chat.User, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	var u chat.User
	err := r.pool.QueryRow(ctx, `
		SELECT id::text, display_name, role FROM users WHERE id = $1::uuid
	`, userID).Scan(&u.ID, &u.DisplayName, &u.Role)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *PgChatRepository) SetLoggedIn(ctx context.Context, userID string, loggedIn bool, at time.Time) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE users SET is_logged_in = $2, last_seen_at = $3 WHERE id = $1::uuid
	`, userID, loggedIn, at)
	return err
}

func (r *PgChatRepository) SaveMessage(ctx context.Context, m chat.Message) (string, error) {
	if r == nil || r.pool == nil {
		return "", errors.New("PgChatRepository: nil pool")
	}
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO chat_messages (
			room_id, sender_id, content, message_type, reply_to_id, attachment_name, created_at
		) VALUES ($1::uuid, $2::uuid, $3, $4, NULLIF($5, '')::uuid, $6, $7)
		RETURNING id::text
	`, m.RoomID, m.SenderID, m.Content, m.Type, deref(m.ReplyToID), m.AttachmentName, m.CreatedAt).Scan(&id)
	return id, err
}

func (r *PgChatRepository) MessageByID(ctx context.Context, messageID string) (*chat.Message, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	m, err := scanMessage(r.pool.QueryRow(ctx, `
		SELECT m.id::text, m.room_id::text, m.sender_id::text, u.display_name,
		       m.content, m.message_type, m.reply_to_id::text, m.attachment_name, m.created_at
		FROM chat_messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.id = $1::uuid
	`, messageID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// RecentMessages returns the newest `limit` messages of the room in
// oldest-first order, ready for a history frame.
func (r *PgChatRepository) RecentMessages(ctx context.Context, roomID string, limit int) ([]chat.Message, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	if limit <= 0 {
		limit = 60
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id::text, room_id::text, sender_id::text, display_name,
		       content, message_type, reply_to_id::text, attachment_name, created_at
		FROM (
			SELECT m.*, u.display_name
			FROM chat_messages m
			JOIN users u ON u.id = m.sender_id
			WHERE m.room_id = $1::uuid
			ORDER BY m.created_at DESC, m.id DESC
			LIMIT $2
		) latest
		ORDER BY created_at ASC, id ASC
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *m)
	}
	return msgs, rows.Err()
}

func (r *PgChatRepository) DeleteMessage(ctx context.Context, messageID string) (bool, error) {
	if r == nil || r.pool == nil {
		return false, errors.New("PgChatRepository: nil pool")
	}
	ct, err := r.pool.Exec(ctx, `DELETE FROM chat_messages WHERE id = $1::uuid`, messageID)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() > 0, nil
}

func (r *PgChatRepository) ReadersSince(ctx context.Context, roomID string, since time.Time) ([]string, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT user_id::text FROM chat_room_reads
		WHERE room_id = $1::uuid AND last_read_at >= $2
	`, roomID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateCallSession inserts a session unless the room already has a
// non-ended one; the partial unique index on chat room id makes concurrent
// starts collapse into a single row. Returns "" when the insert lost.
func (r *PgChatRepository) CreateCallSession(ctx context.Context, s chat.CallSession) (string, error) {
	if r == nil || r.pool == nil {
		return "", errors.New("PgChatRepository: nil pool")
	}
	var id string
	err := r.pool.QueryRow(ctx, `
		INSERT INTO call_sessions (room_id, initiator_id, status, created_at)
		VALUES ($1::uuid, $2::uuid, $3, $4)
		ON CONFLICT (room_id) WHERE status <> 'ended' DO NOTHING
		RETURNING id::text
	`, s.RoomID, s.InitiatorID, s.Status, s.CreatedAt).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return id, err
}

func (r *PgChatRepository) JoinableCallByRoom(ctx context.Context, roomID string) (*chat.CallSession, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	s, err := scanCall(r.pool.QueryRow(ctx, `
		SELECT id::text, room_id::text, initiator_id::text, status, created_at, ended_at
		FROM call_sessions
		WHERE room_id = $1::uuid AND status IN ('ringing', 'active')
		ORDER BY created_at DESC
		LIMIT 1
	`, roomID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PgChatRepository) CallByID(ctx context.Context, callID string) (*chat.CallSession, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	s, err := scanCall(r.pool.QueryRow(ctx, `
		SELECT id::text, room_id::text, initiator_id::text, status, created_at, ended_at
		FROM call_sessions
		WHERE id = $1::uuid
	`, callID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (r *PgChatRepository) SetCallStatus(ctx context.Context, callID string, status chat.CallStatus) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE call_sessions SET status = $2 WHERE id = $1::uuid AND status <> 'ended'
	`, callID, status)
	return err
}

// EndCallSession is idempotent: an already-ended session keeps its
// original ended_at stamp.
func (r *PgChatRepository) EndCallSession(ctx context.Context, callID string, at time.Time) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE call_sessions SET status = 'ended', ended_at = $2
		WHERE id = $1::uuid AND status <> 'ended'
	`, callID, at)
	return err
}

// UpsertCallParticipant re-arms the row on rejoin: left_at is cleared and
// joined_at refreshed, so the roster reflects the current leg of the call.
func (r *PgChatRepository) UpsertCallParticipant(ctx context.Context, p chat.CallParticipant) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO call_participants (call_id, user_id, joined_at, left_at)
		VALUES ($1::uuid, $2::uuid, $3, NULL)
		ON CONFLICT (call_id, user_id)
		DO UPDATE SET joined_at = EXCLUDED.joined_at, left_at = NULL
	`, p.CallID, p.UserID, p.JoinedAt)
	return err
}

func (r *PgChatRepository) MarkParticipantLeft(ctx context.Context, callID, userID string, at time.Time) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE call_participants SET left_at = $3
		WHERE call_id = $1::uuid AND user_id = $2::uuid AND left_at IS NULL
	`, callID, userID, at)
	return err
}

func (r *PgChatRepository) ActiveCallParticipants(ctx context.Context, callID string) ([]chat.CallParticipant, error) {
	if r == nil || r.pool == nil {
		return nil, errors.New("PgChatRepository: nil pool")
	}
	rows, err := r.pool.Query(ctx, `
		SELECT call_id::text, user_id::text, joined_at, left_at
		FROM call_participants
		WHERE call_id = $1::uuid AND left_at IS NULL
		ORDER BY joined_at ASC
	`, callID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []chat.CallParticipant
	for rows.Next() {
		var p chat.CallParticipant
		if err := rows.Scan(&p.CallID, &p.UserID, &p.JoinedAt, &p.LeftAt); err != nil {
			return nil, err
		}
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (r *PgChatRepository) SaveNotification(ctx context.Context, userID, roomID, messageID string) error {
	if r == nil || r.pool == nil {
		return errors.New("PgChatRepository: nil pool")
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_outbox (user_id, room_id, message_id)
		VALUES ($1::uuid, $2::uuid, $3::uuid)
	`, userID, roomID, messageID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*chat.Message, error) {
	var (
		m       chat.Message
		content *string
		replyTo *string
		attName *string
	)
	if err := row.Scan(&m.ID, &m.RoomID, &m.SenderID, &m.SenderName,
		&content, &m.Type, &replyTo, &attName, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Content = content
	m.ReplyToID = replyTo
	m.AttachmentName = attName
	return &m, nil
}

func scanCall(row rowScanner) (*chat.CallSession, error) {
	var s chat.CallSession
	if err := row.Scan(&s.ID, &s.RoomID, &s.InitiatorID, &s.Status, &s.CreatedAt, &s.EndedAt); err != nil {
		return nil, err
	}
	return &s, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
