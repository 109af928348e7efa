// Package auth turns bearer credentials into chat identities.
package auth

import (
	"fmt"
	"slices"
	"time"
)

// Role names the capability class of an Identity.
type Role string

const (
	RoleUser     Role = "user"
	RoleGuest    Role = "guest"
	RoleMerchant Role = "merchant"
	RoleObserver Role = "observer"
)

// Identity is the closed set of participants: User, Guest, Merchant and
// Observer.
type Identity interface {
	Role() Role
	// SenderID is the id stamped on messages and used for presence.
	SenderID() int64
	String() string
	isIdentity()
}

// User holds a long-lived session credential.
type User struct {
	ID            int64
	DisplayName   string
	AvatarURL     string
	RestaurantIDs []int64
}

// Guest holds a short-lived credential bound to exactly one room.
type Guest struct {
	RoomID      int64
	UserID      int64
	DisplayName string
	AvatarURL   string
	IssuedAt    time.Time
	ExpiresAt   time.Time
}

// Merchant receives messages for its restaurant's room but cannot send.
type Merchant struct {
	MerchantID   int64
	RestaurantID int64
	Name         string
}

// Observer is an anonymous read-only participant. IDs are negative so they
// never collide with user ids.
type Observer struct {
	ID  int64
	Tag string
}

func (User) Role() Role     { return RoleUser }
func (Guest) Role() Role    { return RoleGuest }
func (Merchant) Role() Role { return RoleMerchant }
func (Observer) Role() Role { return RoleObserver }

func (u User) SenderID() int64     { return u.ID }
func (g Guest) SenderID() int64    { return g.UserID }
func (m Merchant) SenderID() int64 { return m.MerchantID }
func (o Observer) SenderID() int64 { return o.ID }

func (u User) String() string     { return fmt.Sprintf("user:%d", u.ID) }
func (g Guest) String() string    { return fmt.Sprintf("guest:%d@room:%d", g.UserID, g.RoomID) }
func (m Merchant) String() string { return fmt.Sprintf("merchant:%d", m.MerchantID) }
func (o Observer) String() string {
	if o.Tag == "" {
		return fmt.Sprintf("observer:%d", o.ID)
	}
	return fmt.Sprintf("observer:%d(%s)", o.ID, o.Tag)
}

func (User) isIdentity()     {}
func (Guest) isIdentity()    {}
func (Merchant) isIdentity() {}
func (Observer) isIdentity() {}

// BelongsTo reports whether the user is a member of the restaurant.
func (u User) BelongsTo(restaurantID int64) bool {
	return slices.Contains(u.RestaurantIDs, restaurantID)
}

// Expired reports whether the credential is no longer valid at now. A guest
// without an expiry is treated as expired.
func (g Guest) Expired(now time.Time) bool {
	return g.ExpiresAt.IsZero() || !now.Before(g.ExpiresAt)
}

// CanSend reports whether the identity may send chat messages.
func CanSend(id Identity) bool {
	switch id.(type) {
	case User, Guest:
		return true
	default:
		return false
	}
}
