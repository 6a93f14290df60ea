// Package auth holds the session assertion codec (HS256 JWT) and password
// hashing primitives.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/golang-jwt/jwt/v5"
)

// Claims is the payload of a session assertion.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	Username string `json:"username"`
	Email    string `json:"email"`
	// ProviderTokens is an opaque sealed blob, see cryptox.SealJSON.
	ProviderTokens string `json:"providerTokens,omitempty"`
}

// GenerateToken signs claims with secretKey, stamping issue time, subject and
// an expiry validityDuration from now. It returns the token and its expiry.
func GenerateToken(claims Claims, secretKey []byte, validityDuration time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(validityDuration)

	claims.Subject = claims.UserID
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(expiresAt)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	tokenString, err := token.SignedString(secretKey)
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// ParseToken verifies tokenString. An expired token yields
// common.ErrTokenExpired; every other failure yields common.ErrInvalidToken.
func ParseToken(tokenString string, secretKey []byte) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secretKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.UserID == "" {
		return nil, common.ErrInvalidToken
	}

	return claims, nil
}
