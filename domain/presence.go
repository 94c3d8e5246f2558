package domain

import "time"

// PresenceStatus is the last known status of a user.
// Absence of a status means unknown, never offline.
type PresenceStatus struct {
	UserID   string    `json:"userId"`
	IsOnline bool      `json:"isOnline"`
	LastSeen time.Time `json:"lastSeen"`
}
