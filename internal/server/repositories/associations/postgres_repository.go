package associations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/google/uuid"
)

const associationColumns = `id, owner_user_id, peer_user_id, status, relationship_type, notes, requested_by, created_at, updated_at`

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAssociation(row rowScanner, extra ...any) (*models.Association, error) {
	var (
		a     models.Association
		notes sql.NullString
	)
	dest := append([]any{&a.ID, &a.OwnerID, &a.PeerID, &a.Status, &a.RelationshipType, &notes,
		&a.RequestedBy, &a.CreatedAt, &a.UpdatedAt}, extra...)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	a.Notes = notes.String
	return &a, nil
}

func (r *PostgresRepository) queryAssociation(ctx context.Context, query string, args ...any) (*models.Association, error) {
	a, err := scanAssociation(r.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return a, nil
}

// PairLockKey maps the unordered pair {a, b} onto an advisory lock key.
func PairLockKey(a, b string) int64 {
	if b < a {
		a, b = b, a
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte("association:" + a + ":" + b))
	return int64(h.Sum64())
}

func (r *PostgresRepository) LockPair(ctx context.Context, a, b string) error {
	if _, err := r.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, PairLockKey(a, b)); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ExistsBetween(ctx context.Context, a, b string) (bool, error) {
	query :=
		`SELECT EXISTS (
		     SELECT 1 FROM user_associations
		     WHERE (owner_user_id = $1 AND peer_user_id = $2)
		        OR (owner_user_id = $2 AND peer_user_id = $1)
		 )`

	var found bool
	if err := r.db.QueryRowContext(ctx, query, a, b).Scan(&found); err != nil {
		return false, fmt.Errorf("db error: %w", err)
	}
	return found, nil
}

func (r *PostgresRepository) Create(ctx context.Context, a *models.Association) (*models.Association, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}

	query :=
		`INSERT INTO user_associations (id, owner_user_id, peer_user_id, status, relationship_type, notes, requested_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at, updated_at`

	err := r.db.QueryRowContext(ctx, query,
		a.ID, a.OwnerID, a.PeerID, a.Status, a.RelationshipType,
		sql.NullString{String: a.Notes, Valid: a.Notes != ""}, a.RequestedBy,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}

	return a, nil
}

func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*models.Association, error) {
	return r.queryAssociation(ctx, `SELECT `+associationColumns+` FROM user_associations WHERE id = $1`, id)
}

func (r *PostgresRepository) GetForParticipant(ctx context.Context, id, userID string) (*models.Association, error) {
	query :=
		`SELECT ` + associationColumns + ` FROM user_associations
		 WHERE id = $1 AND (owner_user_id = $2 OR peer_user_id = $2)
		 FOR UPDATE`
	return r.queryAssociation(ctx, query, id, userID)
}

func (r *PostgresRepository) GetPendingForPeer(ctx context.Context, id, peerID string) (*models.Association, error) {
	query :=
		`SELECT ` + associationColumns + ` FROM user_associations
		 WHERE id = $1 AND peer_user_id = $2 AND status = 'pending'
		 FOR UPDATE`
	return r.queryAssociation(ctx, query, id, peerID)
}

func (r *PostgresRepository) SetStatus(ctx context.Context, id string, status models.AssociationStatus) (*models.Association, error) {
	query :=
		`UPDATE user_associations SET status = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING ` + associationColumns
	return r.queryAssociation(ctx, query, id, status)
}

func (r *PostgresRepository) Update(ctx context.Context, id string, upd models.AssociationUpdate) (*models.Association, error) {
	sets := make([]string, 0, 3)
	args := []any{id}

	if upd.RelationshipType != nil {
		args = append(args, *upd.RelationshipType)
		sets = append(sets, fmt.Sprintf("relationship_type = $%d", len(args)))
	}
	if upd.Notes != nil {
		args = append(args, sql.NullString{String: *upd.Notes, Valid: *upd.Notes != ""})
		sets = append(sets, fmt.Sprintf("notes = $%d", len(args)))
	}
	sets = append(sets, "updated_at = now()")

	query := `UPDATE user_associations SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + associationColumns
	return r.queryAssociation(ctx, query, args...)
}

func (r *PostgresRepository) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("db error: %w", err)
	}
	return n, nil
}

func (r *PostgresRepository) Delete(ctx context.Context, id string) (int64, error) {
	return r.exec(ctx, `DELETE FROM user_associations WHERE id = $1`, id)
}

func (r *PostgresRepository) DeleteReciprocal(ctx context.Context, ownerID, peerID, requestedBy string) (int64, error) {
	return r.exec(ctx,
		`DELETE FROM user_associations WHERE owner_user_id = $1 AND peer_user_id = $2 AND requested_by = $3`,
		ownerID, peerID, requestedBy)
}

func (r *PostgresRepository) listWithUser(ctx context.Context, query string, args ...any) ([]*models.Association, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	defer rows.Close()

	out := make([]*models.Association, 0)
	for rows.Next() {
		var (
			u                      models.User
			displayName, avatarURL sql.NullString
		)
		a, err := scanAssociation(rows, &u.ID, &u.Username, &displayName, &u.Email, &avatarURL)
		if err != nil {
			return nil, fmt.Errorf("db error: %w", err)
		}
		u.DisplayName = displayName.String
		u.AvatarURL = avatarURL.String
		a.Counterpart = u.Summary()
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("db error: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) ListByOwner(ctx context.Context, ownerID string, status *models.AssociationStatus) ([]*models.Association, error) {
	query :=
		`SELECT a.id, a.owner_user_id, a.peer_user_id, a.status, a.relationship_type, a.notes, a.requested_by,
		        a.created_at, a.updated_at,
		        u.id, u.username, u.display_name, u.email, u.avatar_url
		 FROM user_associations a
		 JOIN users u ON u.id = a.peer_user_id
		 WHERE a.owner_user_id = $1`
	args := []any{ownerID}

	if status != nil {
		query += ` AND a.status = $2`
		args = append(args, *status)
	}
	query += ` ORDER BY a.created_at DESC, a.id DESC`

	return r.listWithUser(ctx, query, args...)
}

func (r *PostgresRepository) ListPendingForPeer(ctx context.Context, peerID string) ([]*models.Association, error) {
	query :=
		`SELECT a.id, a.owner_user_id, a.peer_user_id, a.status, a.relationship_type, a.notes, a.requested_by,
		        a.created_at, a.updated_at,
		        u.id, u.username, u.display_name, u.email, u.avatar_url
		 FROM user_associations a
		 JOIN users u ON u.id = a.requested_by
		 WHERE a.peer_user_id = $1 AND a.status = 'pending'
		 ORDER BY a.created_at DESC, a.id DESC`

	return r.listWithUser(ctx, query, peerID)
}
