package chat

// UserRole mirrors the role column managed by the HR/admin surfaces.
// The hub only cares about elevated roles for moderation and call teardown.
type UserRole string

const (
	UserRoleEmployee UserRole = "employee"
	UserRoleManager  UserRole = "manager"
	UserRoleAdmin    UserRole = "admin"
)

// Privileged reports whether the role may act on resources it does not own
// (delete another member's message, end a call it did not start).
func (r UserRole) Privileged() bool {
	return r == UserRoleAdmin || r == UserRoleManager
}

// User is the identity attached to a connection after the handshake.
// The verification service is trusted for all three fields.
type User struct {
	ID          string   `db:"id"`
	DisplayName string   `db:"display_name"`
	Role        UserRole `db:"role"`
}
