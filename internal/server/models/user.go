// Package models defines server-side data models persisted in the database.
package models

import "time"

// User is an account. Exactly one of PasswordHash and ExternalID may be
// empty; an account linked to an external identity provider can also keep
// a password.
type User struct {
	ID            string    `json:"id" db:"id"`
	Username      string    `json:"username" db:"username"`
	Email         string    `json:"email" db:"email"`
	PasswordHash  string    `json:"-" db:"password_hash"`
	ExternalID    string    `json:"-" db:"external_id"`
	DisplayName   string    `json:"displayName,omitempty" db:"display_name"`
	AvatarURL     string    `json:"avatarUrl,omitempty" db:"avatar_url"`
	EmailVerified bool      `json:"emailVerified" db:"email_verified"`
	Timezone      string    `json:"timezone" db:"timezone"`
	CreatedAt     time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time `json:"updatedAt" db:"updated_at"`
}

// HasPassword reports whether the account can sign in with a password.
func (u *User) HasPassword() bool {
	return u.PasswordHash != ""
}

// Summary is the public projection of u shown to other users.
func (u *User) Summary() *UserSummary {
	return &UserSummary{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		AvatarURL:   u.AvatarURL,
	}
}

// UserSummary is what one user may see about another.
type UserSummary struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	Email       string `json:"email"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// ProfileUpdate carries the optional fields of a profile edit. Nil means
// "leave unchanged".
type ProfileUpdate struct {
	Email       *string
	DisplayName *string
	Timezone    *string
}

// Empty reports whether nothing would change.
func (p ProfileUpdate) Empty() bool {
	return p.Email == nil && p.DisplayName == nil && p.Timezone == nil
}

// UserMatch is a search hit: a user plus the association status between the
// searcher and that user in either direction, or nil (JSON null) when there
// is none.
type UserMatch struct {
	UserSummary
	AssociationStatus *AssociationStatus `json:"associationStatus"`
}
