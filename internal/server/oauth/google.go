// Package oauth completes the authorization-code exchange with an external
// identity provider and turns the verified ID token into an
// models.ExternalIdentity for the identity reconciler.
package oauth

import (
	"context"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"
)

const ProviderGoogle = "google"

// ErrMissingIDToken is returned when the token response has no id_token.
var ErrMissingIDToken = errors.New("token response carries no id_token")

type Provider interface {
	Name() string
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*models.ExternalIdentity, *models.ProviderTokens, error)
}

var (
	exchangeCode = func(ctx context.Context, cfg *oauth2.Config, code string) (*oauth2.Token, error) {
		return cfg.Exchange(ctx, code)
	}
	validateIDToken = idtoken.Validate
)

// Google signs users in with their Google account (OpenID Connect).
type Google struct {
	config *oauth2.Config
}

func NewGoogle(clientID, clientSecret, redirectURL string) *Google {
	return &Google{
		config: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes: []string{
				"openid",
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
	}
}

func (g *Google) Name() string { return ProviderGoogle }

// AuthCodeURL is where the browser is sent to start the flow. Offline access
// is requested so the provider hands out a refresh token.
func (g *Google) AuthCodeURL(state string) string {
	return g.config.AuthCodeURL(state, oauth2.AccessTypeOffline)
}

// Exchange trades code for tokens and validates the ID token against this
// client's audience.
func (g *Google) Exchange(ctx context.Context, code string) (*models.ExternalIdentity, *models.ProviderTokens, error) {
	tok, err := exchangeCode(ctx, g.config, code)
	if err != nil {
		return nil, nil, fmt.Errorf("code exchange: %w", err)
	}

	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, nil, ErrMissingIDToken
	}

	payload, err := validateIDToken(ctx, raw, g.config.ClientID)
	if err != nil {
		return nil, nil, fmt.Errorf("id token: %w", err)
	}

	identity := identityFromClaims(payload.Subject, payload.Claims)
	tokens := &models.ProviderTokens{
		Provider:     ProviderGoogle,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	return identity, tokens, nil
}

func identityFromClaims(subject string, claims map[string]any) *models.ExternalIdentity {
	str := func(k string) string {
		s, _ := claims[k].(string)
		return s
	}
	verified := false
	switch v := claims["email_verified"].(type) {
	case bool:
		verified = v
	case string:
		verified = v == "true"
	}
	return &models.ExternalIdentity{
		ExternalID:    subject,
		Email:         str("email"),
		DisplayName:   str("name"),
		FirstName:     str("given_name"),
		LastName:      str("family_name"),
		AvatarURL:     str("picture"),
		EmailVerified: verified,
	}
}

// NewState returns an unguessable value for the state parameter.
func NewState() (string, error) {
	return common.MakeRandHexString(16)
}
