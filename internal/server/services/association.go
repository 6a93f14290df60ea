package services

import (
	"context"
	"database/sql"
	"strings"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	"github.com/dmitrijs2005/schedkeeper/internal/server/events"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/repomanager"
	"github.com/google/uuid"
)

// MaxNotesLength bounds the free-text notes on an edge.
const MaxNotesLength = 1000

// AssociationService drives the relationship lifecycle:
//
//	(none) --request--> pending --accept--> accepted (+ mirror edge)
//	pending|accepted --remove--> (none)
//
// Every transition runs in one transaction that first takes the pair lock,
// so request, accept and remove on the same two users are serialized.
type AssociationService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	publisher   events.Publisher
	logger      logging.Logger
}

func NewAssociationService(db *sql.DB, m repomanager.RepositoryManager, p events.Publisher, l logging.Logger) *AssociationService {
	return &AssociationService{db: db, repomanager: m, publisher: p, logger: l}
}

// Request opens a pending edge from fromUserID to toUserID. Any existing
// edge between the two, in either direction and with any status, is a
// conflict.
func (s *AssociationService) Request(ctx context.Context, fromUserID, toUserID string, relType models.RelationshipType, notes string) (*models.Association, error) {
	if fromUserID == toUserID {
		return nil, invalidArgument("cannot associate with yourself")
	}
	if _, err := uuid.Parse(toUserID); err != nil {
		return nil, invalidArgument("malformed user id %q", toUserID)
	}
	relType, err := models.ParseRelationshipType(string(relType))
	if err != nil {
		return nil, invalidArgument("%v", err)
	}
	notes, err = validateNotes(notes)
	if err != nil {
		return nil, err
	}

	var created *models.Association
	err = dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Associations(tx)

		if err := repo.LockPair(ctx, fromUserID, toUserID); err != nil {
			return err
		}
		if _, err := s.repomanager.Users(tx).GetByID(ctx, toUserID); err != nil {
			return err
		}

		exists, err := repo.ExistsBetween(ctx, fromUserID, toUserID)
		if err != nil {
			return err
		}
		if exists {
			return conflict("an association between these users already exists")
		}

		created, err = repo.Create(ctx, &models.Association{
			OwnerID:          fromUserID,
			PeerID:           toUserID,
			Status:           models.AssociationPending,
			RelationshipType: relType,
			Notes:            notes,
			RequestedBy:      fromUserID,
		})
		return err
	})
	if err != nil {
		switch {
		case dbx.IsUniqueViolation(err):
			return nil, conflict("an association between these users already exists")
		case dbx.IsForeignKeyViolation(err):
			return nil, common.ErrorNotFound
		case dbx.IsCheckViolation(err):
			return nil, invalidArgument("association rejected by storage constraints")
		}
		return nil, passThrough("requesting association", err)
	}

	s.logger.Info(ctx, "association requested", "association_id", created.ID, "peer_id", toUserID)
	s.publish(ctx, events.NewAssociationEvent(events.AssociationRequested, created, fromUserID))
	return created, nil
}

// Accept turns a pending edge addressed to actingUserID into an accepted one
// and creates the mirror edge owned by actingUserID. Anything else,
// including an edge the caller may not see, is reported as not found.
func (s *AssociationService) Accept(ctx context.Context, associationID, actingUserID string) (*models.Association, error) {
	if _, err := uuid.Parse(associationID); err != nil {
		return nil, common.ErrorNotFound
	}

	var accepted *models.Association
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Associations(tx)

		edge, err := repo.GetByID(ctx, associationID)
		if err != nil {
			return err
		}
		if edge.PeerID != actingUserID {
			return common.ErrorNotFound
		}
		if err := repo.LockPair(ctx, edge.OwnerID, edge.PeerID); err != nil {
			return err
		}

		edge, err = repo.GetPendingForPeer(ctx, associationID, actingUserID)
		if err != nil {
			return err
		}

		accepted, err = repo.SetStatus(ctx, edge.ID, models.AssociationAccepted)
		if err != nil {
			return err
		}

		_, err = repo.Create(ctx, &models.Association{
			OwnerID:          actingUserID,
			PeerID:           edge.OwnerID,
			Status:           models.AssociationAccepted,
			RelationshipType: edge.RelationshipType,
			Notes:            edge.Notes,
			RequestedBy:      edge.RequestedBy,
		})
		return err
	})
	if err != nil {
		if dbx.IsUniqueViolation(err) {
			return nil, conflict("mirror association already exists")
		}
		return nil, passThrough("accepting association", err)
	}

	s.logger.Info(ctx, "association accepted", "association_id", accepted.ID, "requester_id", accepted.OwnerID)
	s.publish(ctx, events.NewAssociationEvent(events.AssociationAccepted, accepted, actingUserID))
	return accepted, nil
}

// Remove deletes the edge and the reciprocal edge sharing its requester.
// The caller must own the edge or be its peer. It reports whether anything
// was deleted; a second call on the same id is not found.
func (s *AssociationService) Remove(ctx context.Context, associationID, actingUserID string) (bool, error) {
	if _, err := uuid.Parse(associationID); err != nil {
		return false, common.ErrorNotFound
	}

	var (
		removed *models.Association
		deleted int64
	)
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Associations(tx)

		edge, err := repo.GetByID(ctx, associationID)
		if err != nil {
			return err
		}
		if edge.OwnerID != actingUserID && edge.PeerID != actingUserID {
			return common.ErrorNotFound
		}
		if err := repo.LockPair(ctx, edge.OwnerID, edge.PeerID); err != nil {
			return err
		}

		removed, err = repo.GetForParticipant(ctx, associationID, actingUserID)
		if err != nil {
			return err
		}

		n, err := repo.Delete(ctx, removed.ID)
		if err != nil {
			return err
		}
		m, err := repo.DeleteReciprocal(ctx, removed.PeerID, removed.OwnerID, removed.RequestedBy)
		if err != nil {
			return err
		}
		deleted = n + m
		return nil
	})
	if err != nil {
		return false, passThrough("removing association", err)
	}

	s.logger.Info(ctx, "association removed", "association_id", removed.ID, "edges", deleted)
	s.publish(ctx, events.NewAssociationEvent(events.AssociationRemoved, removed, actingUserID))
	return deleted > 0, nil
}

// Update relabels one edge. The mirror edge, if any, keeps its own labels.
func (s *AssociationService) Update(ctx context.Context, associationID, actingUserID string, upd models.AssociationUpdate) (*models.Association, error) {
	if _, err := uuid.Parse(associationID); err != nil {
		return nil, common.ErrorNotFound
	}
	if upd.RelationshipType != nil {
		rt, err := models.ParseRelationshipType(string(*upd.RelationshipType))
		if err != nil || *upd.RelationshipType == "" {
			return nil, invalidArgument("unknown relationship type %q", *upd.RelationshipType)
		}
		upd.RelationshipType = &rt
	}
	if upd.Notes != nil {
		notes, err := validateNotes(*upd.Notes)
		if err != nil {
			return nil, err
		}
		upd.Notes = &notes
	}

	var updated *models.Association
	err := dbx.WithTx(ctx, s.db, nil, func(ctx context.Context, tx dbx.DBTX) error {
		repo := s.repomanager.Associations(tx)

		edge, err := repo.GetForParticipant(ctx, associationID, actingUserID)
		if err != nil {
			return err
		}
		if upd.RelationshipType == nil && upd.Notes == nil {
			updated = edge
			return nil
		}
		updated, err = repo.Update(ctx, edge.ID, upd)
		return err
	})
	if err != nil {
		return nil, passThrough("updating association", err)
	}
	return updated, nil
}

// List returns the edges owned by userID, newest first. An empty status
// means every status.
func (s *AssociationService) List(ctx context.Context, userID, status string) ([]*models.Association, error) {
	var filter *models.AssociationStatus
	if status != "" {
		st, err := models.ParseAssociationStatus(status)
		if err != nil {
			return nil, invalidArgument("%v", err)
		}
		filter = &st
	}

	list, err := s.repomanager.Associations(s.db).ListByOwner(ctx, userID, filter)
	if err != nil {
		return nil, passThrough("listing associations", err)
	}
	return list, nil
}

// ListPending returns the requests waiting for userID's decision.
func (s *AssociationService) ListPending(ctx context.Context, userID string) ([]*models.Association, error) {
	list, err := s.repomanager.Associations(s.db).ListPendingForPeer(ctx, userID)
	if err != nil {
		return nil, passThrough("listing pending associations", err)
	}
	return list, nil
}

// publish is best effort: the transition has already committed.
func (s *AssociationService) publish(ctx context.Context, e events.Event) {
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.logger.Warn(ctx, "publishing association event failed", "type", e.Type, "error", err)
	}
}

func validateNotes(notes string) (string, error) {
	notes = strings.TrimSpace(notes)
	if len([]rune(notes)) > MaxNotesLength {
		return "", invalidArgument("notes longer than %d characters", MaxNotesLength)
	}
	return notes, nil
}
