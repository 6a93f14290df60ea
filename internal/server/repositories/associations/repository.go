// Package associations persists the directed relationship edges between
// users. Multi-statement protocols (request, accept, remove) are composed by
// the service layer inside a single transaction.
package associations

import (
	"context"

	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
)

type Repository interface {
	// LockPair serializes writers touching the unordered pair {a, b} until
	// the surrounding transaction ends.
	LockPair(ctx context.Context, a, b string) error
	// ExistsBetween reports any edge between a and b in either direction.
	ExistsBetween(ctx context.Context, a, b string) (bool, error)

	Create(ctx context.Context, a *models.Association) (*models.Association, error)
	GetByID(ctx context.Context, id string) (*models.Association, error)
	// GetForParticipant returns the edge only when userID is its owner or
	// peer, locking it for the rest of the transaction.
	GetForParticipant(ctx context.Context, id, userID string) (*models.Association, error)
	// GetPendingForPeer returns the edge only when it is pending and
	// addressed to peerID, locking it for the rest of the transaction.
	GetPendingForPeer(ctx context.Context, id, peerID string) (*models.Association, error)

	SetStatus(ctx context.Context, id string, status models.AssociationStatus) (*models.Association, error)
	Update(ctx context.Context, id string, upd models.AssociationUpdate) (*models.Association, error)

	Delete(ctx context.Context, id string) (int64, error)
	// DeleteReciprocal removes the edge owned by ownerID towards peerID that
	// was requested by requestedBy, if any.
	DeleteReciprocal(ctx context.Context, ownerID, peerID, requestedBy string) (int64, error)

	// ListByOwner returns the owner's edges newest first, with the peer's
	// summary attached. A nil status means every status.
	ListByOwner(ctx context.Context, ownerID string, status *models.AssociationStatus) ([]*models.Association, error)
	// ListPendingForPeer returns incoming pending requests newest first,
	// with the requester's summary attached.
	ListPendingForPeer(ctx context.Context, peerID string) ([]*models.Association, error)
}
