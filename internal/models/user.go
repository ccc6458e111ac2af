package models

import "time"

type UserStatus string

const (
	StatusOnline  UserStatus = "ONLINE"
	StatusAway    UserStatus = "AWAY"
	StatusOffline UserStatus = "OFFLINE"
)

func (s UserStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

type User struct {
	ID           string     `json:"id"`
	Username     string     `json:"username"`
	Avatar       string     `json:"avatar"`
	Status       UserStatus `json:"status"`
	LastSeen     *time.Time `json:"lastSeen,omitempty"`
	PasswordHash string     `json:"-"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// Clone returns a copy that does not share the LastSeen pointer.
func (u *User) Clone() *User {
	if u == nil {
		return nil
	}
	c := *u
	if u.LastSeen != nil {
		ls := *u.LastSeen
		c.LastSeen = &ls
	}
	return &c
}

// PresenceEntry is the transient reachability record kept by the presence store.
type PresenceEntry struct {
	UserID    string     `json:"userId"`
	Status    UserStatus `json:"status"`
	LastSeen  *time.Time `json:"lastSeen,omitempty"`
	SessionID string     `json:"-"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password,omitempty"`
}

type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}
