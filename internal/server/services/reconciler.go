package services

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/users"
)

// maxUsernameProbes bounds the suffix search for a free username.
const maxUsernameProbes = 1000

// errLinkRace is returned when the account found by email was linked by a
// concurrent sign-in between the read and the link.
var errLinkRace = errors.New("account linked concurrently")

// IdentityReconciler maps an external identity claim onto exactly one local
// account.
type IdentityReconciler struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	logger      logging.Logger
}

func NewIdentityReconciler(db *sql.DB, m repomanager.RepositoryManager, l logging.Logger) *IdentityReconciler {
	return &IdentityReconciler{db: db, repomanager: m, logger: l}
}

// Reconcile resolves claim in this order, first match wins:
//
//  1. an account already linked to claim.ExternalID gets its provider-owned
//     profile fields refreshed;
//  2. an unlinked account with the same email is linked to claim.ExternalID;
//  3. otherwise a new account is created with a derived unique username.
//
// Each attempt runs in one transaction. A write conflict with a concurrent
// reconciliation restarts the sequence once. A second conflict, or any
// other storage failure, yields common.ErrReconciliationFailed.
func (r *IdentityReconciler) Reconcile(ctx context.Context, claim models.ExternalIdentity) (*models.User, error) {
	claim.ExternalID = strings.TrimSpace(claim.ExternalID)
	if claim.ExternalID == "" {
		return nil, invalidArgument("external id is required")
	}
	email, err := normalizeEmail(claim.Email)
	if err != nil {
		return nil, err
	}
	claim.Email = email

	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		user, err := r.reconcileOnce(ctx, claim)
		if err == nil {
			return user, nil
		}
		if errors.Is(err, common.ErrConflict) {
			return nil, err
		}
		if !dbx.IsUniqueViolation(err) && !errors.Is(err, errLinkRace) {
			return nil, fmt.Errorf("%w: %v", common.ErrReconciliationFailed, err)
		}
		r.logger.Warn(ctx, "identity reconciliation conflict",
			"attempt", attempt, "external_id", claim.ExternalID, "error", err)
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %v", common.ErrReconciliationFailed, lastErr)
}

func (r *IdentityReconciler) reconcileOnce(ctx context.Context, claim models.ExternalIdentity) (*models.User, error) {
	var user *models.User
	err := dbx.WithTx(ctx, r.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := r.repomanager.Users(tx)

		linked, err := repo.GetByExternalID(ctx, claim.ExternalID)
		switch {
		case err == nil:
			user, err = repo.RefreshExternalProfile(ctx, linked.ID, claim)
			return err
		case !errors.Is(err, common.ErrorNotFound):
			return err
		}

		byEmail, err := repo.GetByEmail(ctx, claim.Email)
		switch {
		case err == nil && byEmail.ExternalID == "":
			user, err = repo.LinkExternalID(ctx, byEmail.ID, claim)
			if errors.Is(err, common.ErrorNotFound) {
				return errLinkRace
			}
			return err
		case err == nil:
			return conflict("email is linked to a different external identity")
		case !errors.Is(err, common.ErrorNotFound):
			return err
		}

		username, err := freeUsername(ctx, repo, usernameBase(claim.Email))
		if err != nil {
			return err
		}
		user, err = repo.Create(ctx, &models.User{
			Username:      username,
			Email:         claim.Email,
			ExternalID:    claim.ExternalID,
			DisplayName:   claim.Name(),
			AvatarURL:     claim.AvatarURL,
			EmailVerified: claim.EmailVerified,
			Timezone:      DefaultTimezone,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug(ctx, "identity reconciled", "user_id", user.ID, "external_id", claim.ExternalID)
	return user, nil
}

// freeUsername returns base, or base followed by the smallest positive
// integer that makes it unused.
func freeUsername(ctx context.Context, repo users.Repository, base string) (string, error) {
	candidate := base
	for i := 1; i <= maxUsernameProbes; i++ {
		taken, err := repo.UsernameExists(ctx, candidate)
		if err != nil {
			return "", err
		}
		if !taken {
			return candidate, nil
		}
		candidate = base + strconv.Itoa(i)
	}
	return "", fmt.Errorf("no free username for %q", base)
}
