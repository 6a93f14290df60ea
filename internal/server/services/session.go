package services

import (
	"sync"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/cryptox"
	"github.com/dmitrijs2005/schedkeeper/internal/server/auth"
	"github.com/dmitrijs2005/schedkeeper/internal/server/config"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
)

const providerTokensPurpose = "schedkeeper/provider-tokens"

// SessionService issues and verifies stateless session assertions. Nothing
// is stored server-side, so revocation happens only by expiry.
type SessionService struct {
	secret   []byte
	validity time.Duration

	sealOnce sync.Once
	sealKey  []byte
}

func NewSessionService(cfg *config.Config) *SessionService {
	return &SessionService{
		secret:   []byte(cfg.SecretKey),
		validity: cfg.SessionValidityDuration,
	}
}

func (s *SessionService) key() []byte {
	s.sealOnce.Do(func() {
		s.sealKey = cryptox.DeriveKey(s.secret, providerTokensPurpose)
	})
	return s.sealKey
}

// Issue signs an assertion for user. Provider tokens, when given, are sealed
// into the assertion so only this server can read them back.
func (s *SessionService) Issue(user *models.User, provider *models.ProviderTokens) (*models.Session, error) {
	claims := auth.Claims{
		UserID:   user.ID,
		Username: user.Username,
		Email:    user.Email,
	}
	if provider != nil {
		sealed, err := cryptox.SealJSON(provider, s.key())
		if err != nil {
			return nil, passThrough("sealing provider tokens", err)
		}
		claims.ProviderTokens = sealed
	}

	token, expiresAt, err := auth.GenerateToken(claims, s.secret, s.validity)
	if err != nil {
		return nil, passThrough("signing session", err)
	}
	return &models.Session{Token: token, ExpiresAt: expiresAt}, nil
}

// Verify returns the claims of a valid assertion, common.ErrTokenExpired for
// an expired one and common.ErrInvalidToken for anything else.
func (s *SessionService) Verify(token string) (*auth.Claims, error) {
	if token == "" {
		return nil, common.ErrInvalidToken
	}
	return auth.ParseToken(token, s.secret)
}

// ProviderTokens unseals the provider tokens carried by claims, or returns
// nil when the session was not created through an external provider.
func (s *SessionService) ProviderTokens(claims *auth.Claims) (*models.ProviderTokens, error) {
	if claims.ProviderTokens == "" {
		return nil, nil
	}
	var pt models.ProviderTokens
	if err := cryptox.OpenJSON(claims.ProviderTokens, s.key(), &pt); err != nil {
		return nil, common.ErrInvalidToken
	}
	return &pt, nil
}
