package entity

import "time"

const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// User is read-only here; accounts are owned by the identity service.
type User struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	Role      string    `json:"role"` // USER, ADMIN
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"created_at"`
}
