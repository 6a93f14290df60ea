// Package services contains server-side business logic. Each service owns a
// *sql.DB and a repomanager.RepositoryManager and composes repository calls,
// inside dbx.WithTx where a write spans several statements.
//
// Every error returned from this package either wraps one of the common
// sentinels or is common.ErrorInternal; use common.KindOf to classify it.
package services

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/auth"
	"github.com/dmitrijs2005/schedkeeper/internal/server/config"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
)

// RegisterInput is a self-service registration request. DisplayName and
// Timezone are optional.
type RegisterInput struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
	Timezone    string
}

// UserService is the credential store plus the owner's own profile.
type UserService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	bcryptCost  int
	// dummyHash is compared against when the login matches nobody, so the
	// unknown-user path costs the same as a wrong password.
	dummyHash string
}

// NewUserService constructs a UserService using repositories and server config.
func NewUserService(db *sql.DB, m repomanager.RepositoryManager, cfg *config.Config) *UserService {
	seed, err := common.MakeRandHexString(16)
	if err != nil {
		panic(err)
	}
	dummy, err := auth.HashPassword(seed, cfg.BcryptCost)
	if err != nil {
		panic(err)
	}
	return &UserService{
		db:          db,
		repomanager: m,
		bcryptCost:  cfg.BcryptCost,
		dummyHash:   dummy,
	}
}

// Register creates a password account. Username and email uniqueness is
// checked before the insert; the unique indexes back the check up when two
// registrations race.
func (s *UserService) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	username, err := validateUsername(in.Username)
	if err != nil {
		return nil, err
	}
	email, err := normalizeEmail(in.Email)
	if err != nil {
		return nil, err
	}
	if err := validatePassword(in.Password); err != nil {
		return nil, err
	}
	tz, err := validateTimezone(in.Timezone)
	if err != nil {
		return nil, err
	}

	hash, err := auth.HashPassword(in.Password, s.bcryptCost)
	if err != nil {
		return nil, passThrough("hashing password", err)
	}

	var created *models.User
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)

		taken, err := repo.UsernameExists(ctx, username)
		if err != nil {
			return err
		}
		if taken {
			return conflict("username already taken")
		}

		taken, err = repo.EmailExists(ctx, email)
		if err != nil {
			return err
		}
		if taken {
			return conflict("email already registered")
		}

		created, err = repo.Create(ctx, &models.User{
			Username:     username,
			Email:        email,
			PasswordHash: hash,
			DisplayName:  strings.TrimSpace(in.DisplayName),
			Timezone:     tz,
		})
		return err
	})
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, conflict("username or email already registered")
		}
		return nil, passThrough("creating user", err)
	}
	return created, nil
}

// VerifyCredentials authenticates by username or email. Unknown login,
// wrong password and password-less accounts are indistinguishable to the
// caller: all yield common.ErrorUnauthorized.
func (s *UserService) VerifyCredentials(ctx context.Context, login, password string) (*models.User, error) {
	login = strings.TrimSpace(login)
	if strings.Contains(login, "@") {
		login = strings.ToLower(login)
	}
	if login == "" || password == "" {
		return nil, common.ErrorUnauthorized
	}

	user, err := s.repomanager.Users(s.db).GetByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, common.ErrorNotFound) {
			auth.VerifyPassword(s.dummyHash, password)
			return nil, common.ErrorUnauthorized
		}
		return nil, passThrough("looking up user", err)
	}

	if !user.HasPassword() {
		auth.VerifyPassword(s.dummyHash, password)
		return nil, common.ErrorUnauthorized
	}
	if !auth.VerifyPassword(user.PasswordHash, password) {
		return nil, common.ErrorUnauthorized
	}
	return user, nil
}

// UpdatePassword replaces the stored hash unconditionally. Existing session
// assertions stay valid until they expire.
func (s *UserService) UpdatePassword(ctx context.Context, userID, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	hash, err := auth.HashPassword(newPassword, s.bcryptCost)
	if err != nil {
		return passThrough("hashing password", err)
	}
	if err := s.repomanager.Users(s.db).UpdatePassword(ctx, userID, hash); err != nil {
		return passThrough("updating password", err)
	}
	return nil
}

// ChangePassword is UpdatePassword guarded by the current password. An
// account without a password cannot use it.
func (s *UserService) ChangePassword(ctx context.Context, userID, current, newPassword string) error {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return passThrough("looking up user", err)
	}
	if !user.HasPassword() || !auth.VerifyPassword(user.PasswordHash, current) {
		return common.ErrorUnauthorized
	}
	return s.UpdatePassword(ctx, userID, newPassword)
}

func (s *UserService) GetProfile(ctx context.Context, userID string) (*models.User, error) {
	user, err := s.repomanager.Users(s.db).GetByID(ctx, userID)
	if err != nil {
		return nil, passThrough("looking up user", err)
	}
	return user, nil
}

// Lookup finds an account by username or email.
func (s *UserService) Lookup(ctx context.Context, login string) (*models.User, error) {
	login = strings.TrimSpace(login)
	if strings.Contains(login, "@") {
		login = strings.ToLower(login)
	}
	user, err := s.repomanager.Users(s.db).GetByLogin(ctx, login)
	if err != nil {
		return nil, passThrough("looking up user", err)
	}
	return user, nil
}

// UpdateProfile applies the non-nil fields of upd. Changing the email to one
// held by another account is a conflict.
func (s *UserService) UpdateProfile(ctx context.Context, userID string, upd models.ProfileUpdate) (*models.User, error) {
	if upd.Email != nil {
		email, err := normalizeEmail(*upd.Email)
		if err != nil {
			return nil, err
		}
		upd.Email = &email
	}
	if upd.Timezone != nil {
		tz, err := validateTimezone(*upd.Timezone)
		if err != nil {
			return nil, err
		}
		upd.Timezone = &tz
	}
	if upd.DisplayName != nil {
		name := strings.TrimSpace(*upd.DisplayName)
		upd.DisplayName = &name
	}
	if upd.Empty() {
		return s.GetProfile(ctx, userID)
	}

	var updated *models.User
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Users(tx)
		if upd.Email != nil {
			other, err := repo.GetByEmail(ctx, *upd.Email)
			switch {
			case err == nil && other.ID != userID:
				return conflict("email already registered")
			case err != nil && !errors.Is(err, common.ErrorNotFound):
				return err
			}
		}
		var err error
		updated, err = repo.UpdateProfile(ctx, userID, upd)
		return err
	})
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, conflict("email already registered")
		}
		return nil, passThrough("updating profile", err)
	}
	return updated, nil
}
