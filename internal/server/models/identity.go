package models

import (
	"strings"
	"time"
)

// ExternalIdentity is the claim an external identity provider makes about a
// user after a successful sign-in.
type ExternalIdentity struct {
	ExternalID    string
	Email         string
	DisplayName   string
	FirstName     string
	LastName      string
	AvatarURL     string
	EmailVerified bool
}

// Name is DisplayName, or FirstName and LastName joined when the provider
// sent no display name.
func (e ExternalIdentity) Name() string {
	if e.DisplayName != "" {
		return e.DisplayName
	}
	return strings.TrimSpace(e.FirstName + " " + e.LastName)
}

// ProviderTokens are the provider's own OAuth tokens, carried opaquely in the
// session assertion so clients can call the provider on the user's behalf.
type ProviderTokens struct {
	Provider     string `json:"provider"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// Session is an issued session assertion.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// AvatarUpload is a presigned location the client PUTs avatar bytes to.
type AvatarUpload struct {
	Key       string `json:"key"`
	UploadURL string `json:"uploadUrl"`
	AvatarURL string `json:"avatarUrl"`
}
