// Package domain contains core concepts of the messaging client.
// This file defines Participant entities and related invariants.
// No runtime, network, or UI logic should be added here.
package domain

import "strings"

type Role string

const (
	RoleMember Role = "member"
	RoleAdmin  Role = "admin"
)

// UserProfile is the minimal profile embedded in a conversation snapshot.
type UserProfile struct {
	FirstName   string `json:"firstName,omitempty"`
	LastName    string `json:"lastName,omitempty"`
	Avatar      string `json:"avatar,omitempty"`
	CompanyName string `json:"companyName,omitempty"`
	CompanyLogo string `json:"companyLogo,omitempty"`
}

func (u UserProfile) DisplayName() string {
	if u.CompanyName != "" && u.FirstName == "" && u.LastName == "" {
		return u.CompanyName
	}
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// Participant is immutable once attached to a conversation snapshot.
// A refetch replaces the whole list.
type Participant struct {
	UserID string      `json:"userId"`
	Role   Role        `json:"role"`
	User   UserProfile `json:"user"`
}

func (p Participant) IsAdmin() bool {
	return p.Role == RoleAdmin
}
