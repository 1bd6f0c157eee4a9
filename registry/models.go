package registry

import "time"

// Role identifies what a participant is allowed to do in the case pipeline.
type Role string

const (
	RoleComplainant Role = "complainant"
	RoleEnterprise  Role = "enterprise"
	RoleValidator   Role = "validator"
	RoleAdmin       Role = "admin"
)

// Participant is the domain representation of a registered account.
// It mirrors the participants table and should not include JSON annotations so
// it can be reused by different presentation layers.
type Participant struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Reputation   int
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RegisterRequest contains account registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains account login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
