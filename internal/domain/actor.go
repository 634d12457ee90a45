package domain

import "github.com/google/uuid"

// Role identifies what kind of principal is acting on a booking.
type Role string

const (
	RoleUser     Role = "user"
	RoleMerchant Role = "merchant"
	RoleAdmin    Role = "admin"
	// RoleSystem is used by scheduled jobs; it is never accepted from a token.
	RoleSystem Role = "system"
)

// Actor is the verified principal behind a request.
type Actor struct {
	UserID     string
	Role       Role
	MerchantID uuid.UUID
}

// SystemActor is the principal scheduled jobs act as.
func SystemActor() Actor {
	return Actor{UserID: "system", Role: RoleSystem}
}

// IsMerchantOf reports whether the actor is the merchant with the given id.
func (a Actor) IsMerchantOf(merchantID uuid.UUID) bool {
	return a.Role == RoleMerchant && a.MerchantID != uuid.Nil && a.MerchantID == merchantID
}

// IsPrivileged is true for admins and the scheduler.
func (a Actor) IsPrivileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}
