// Package users is the user directory: persistence of accounts, credential
// hashes, external-provider links and the candidate search.
package users

import (
	"context"

	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
)

type Repository interface {
	Create(ctx context.Context, user *models.User) (*models.User, error)
	GetByID(ctx context.Context, id string) (*models.User, error)
	// GetByLogin matches either username or email.
	GetByLogin(ctx context.Context, login string) (*models.User, error)
	GetByEmail(ctx context.Context, email string) (*models.User, error)
	GetByExternalID(ctx context.Context, externalID string) (*models.User, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	EmailExists(ctx context.Context, email string) (bool, error)

	UpdatePassword(ctx context.Context, id, passwordHash string) error
	UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error)
	SetAvatarURL(ctx context.Context, id, avatarURL string) (*models.User, error)

	// RefreshExternalProfile overwrites the provider-owned fields of an
	// already linked account.
	RefreshExternalProfile(ctx context.Context, id string, claim models.ExternalIdentity) (*models.User, error)
	// LinkExternalID links an unlinked account. It fails with
	// common.ErrorNotFound when the account is already linked.
	LinkExternalID(ctx context.Context, id string, claim models.ExternalIdentity) (*models.User, error)

	Search(ctx context.Context, searcherID, term string, limit int) ([]*models.UserMatch, error)
}
