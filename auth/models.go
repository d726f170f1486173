package auth

import "time"

// Role distinguishes platform members from arbitration admins.
type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

func isValidRole(r Role) bool {
	return r == RoleMember || r == RoleAdmin
}

// User is a platform account. Buyer/seller authentication lives with an
// external collaborator; this table backs only the admin arbitration surface.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	CreatedAt    time.Time
}

// RegisterRequest carries the inputs for account creation.
type RegisterRequest struct {
	Email    string
	FullName string
	Password string
	Role     Role
}
