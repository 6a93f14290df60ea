package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/google/uuid"
)

const userColumns = `id, username, email, password_hash, external_id, display_name, avatar_url, email_verified, timezone, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var (
		u                                                models.User
		passwordHash, externalID, displayName, avatarURL sql.NullString
	)
	err := row.Scan(&u.ID, &u.Username, &u.Email, &passwordHash, &externalID, &displayName, &avatarURL,
		&u.EmailVerified, &u.Timezone, &u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return nil, err
	}
	u.PasswordHash = passwordHash.String
	u.ExternalID = externalID.String
	u.DisplayName = displayName.String
	u.AvatarURL = avatarURL.String
	return &u, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresRepository) queryUser(ctx context.Context, query string, args ...any) (*models.User, error) {
	u, err := scanUser(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return u, nil
}

func (r *PostgresRepository) Create(ctx context.Context, user *models.User) (*models.User, error) {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Timezone == "" {
		user.Timezone = "UTC"
	}

	query :=
		`INSERT INTO users (id, username, email, password_hash, external_id, display_name, avatar_url, email_verified, timezone)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		user.ID, user.Username, user.Email, nullString(user.PasswordHash), nullString(user.ExternalID),
		nullString(user.DisplayName), nullString(user.AvatarURL), user.EmailVerified, user.Timezone,
	).Scan(&user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return user, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) GetByLogin(ctx context.Context, login string) (*models.User, error) {
	return r.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE username = $1 OR email = $1 LIMIT 1`, login)
}

func (r *PostgresRepository) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
}

func (r *PostgresRepository) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return r.queryUser(ctx, `SELECT `+userColumns+` FROM users WHERE external_id = $1`, externalID)
}

func (r *PostgresRepository) exists(ctx context.Context, query string, arg string) (bool, error) {
	var found bool
	if err := r.db.QueryRowContext(ctx, query, arg).Scan(&found); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return found, nil
}

func (r *PostgresRepository) UsernameExists(ctx context.Context, username string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE username = $1)`, username)
}

func (r *PostgresRepository) EmailExists(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email)
}

func (r *PostgresRepository) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2, updated_at = now() WHERE id = $1`, id, passwordHash)
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	if n == 0 {
		return common.ErrorNotFound
	}
	return nil
}

// UpdateProfile only touches the fields set in upd.
func (r *PostgresRepository) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error) {
	sets := make([]string, 0, 4)
	args := []any{id}

	add := func(column string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if upd.Email != nil {
		add("email", *upd.Email)
	}
	if upd.DisplayName != nil {
		add("display_name", nullString(*upd.DisplayName))
	}
	if upd.Timezone != nil {
		add("timezone", *upd.Timezone)
	}
	sets = append(sets, "updated_at = now()")

	query := `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + userColumns
	return r.queryUser(ctx, query, args...)
}

func (r *PostgresRepository) SetAvatarURL(ctx context.Context, id, avatarURL string) (*models.User, error) {
	return r.queryUser(ctx,
		`UPDATE users SET avatar_url = $2, updated_at = now() WHERE id = $1 RETURNING `+userColumns,
		id, nullString(avatarURL))
}

func (r *PostgresRepository) RefreshExternalProfile(ctx context.Context, id string, claim models.ExternalIdentity) (*models.User, error) {
	query :=
		`UPDATE users
		 SET display_name = $2, email = $3, avatar_url = $4, email_verified = $5, updated_at = now()
		 WHERE id = $1
		 RETURNING ` + userColumns

	return r.queryUser(ctx, query,
		id, nullString(claim.Name()), claim.Email, nullString(claim.AvatarURL), claim.EmailVerified)
}

func (r *PostgresRepository) LinkExternalID(ctx context.Context, id string, claim models.ExternalIdentity) (*models.User, error) {
	query :=
		`UPDATE users
		 SET external_id = $2, avatar_url = COALESCE($3, avatar_url), email_verified = TRUE, updated_at = now()
		 WHERE id = $1 AND external_id IS NULL
		 RETURNING ` + userColumns

	return r.queryUser(ctx, query, id, claim.ExternalID, nullString(claim.AvatarURL))
}

// Search matches term case-insensitively as a literal substring of username,
// email or display name. The status column reports the searcher's own edge
// to the match when both directions exist.
func (r *PostgresRepository) Search(ctx context.Context, searcherID, term string, limit int) ([]*models.UserMatch, error) {
	query :=
		`SELECT u.id, u.username, u.email, u.display_name, u.avatar_url, a.status
		 FROM users u
		 LEFT JOIN LATERAL (
		     SELECT ua.status
		     FROM user_associations ua
		     WHERE (ua.owner_user_id = $1 AND ua.peer_user_id = u.id)
		        OR (ua.owner_user_id = u.id AND ua.peer_user_id = $1)
		     ORDER BY (ua.owner_user_id = $1) DESC
		     LIMIT 1
		 ) a ON TRUE
		 WHERE u.id <> $1
		   AND (LOWER(u.username) LIKE $2 ESCAPE '\'
		     OR LOWER(u.email) LIKE $2 ESCAPE '\'
		     OR LOWER(COALESCE(u.display_name, '')) LIKE $2 ESCAPE '\')
		 ORDER BY u.display_name NULLS LAST, u.username
		 LIMIT $3`

	rows, err := r.db.QueryContext(ctx, query, searcherID, LikePattern(term), limit)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	matches := make([]*models.UserMatch, 0)
	for rows.Next() {
		var (
			u                      models.User
			displayName, avatarURL sql.NullString
			status                 sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &displayName, &avatarURL, &status); err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		u.DisplayName = displayName.String
		u.AvatarURL = avatarURL.String

		m := &models.UserMatch{UserSummary: *u.Summary()}
		if status.Valid {
			st := models.AssociationStatus(status.String)
			m.AssociationStatus = &st
		}
		matches = append(matches, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return matches, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// LikePattern lower-cases term and wraps it for a literal substring LIKE.
func LikePattern(term string) string {
	return "%" + likeEscaper.Replace(strings.ToLower(term)) + "%"
}
