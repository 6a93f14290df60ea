// Package events publishes association lifecycle events for out-of-process
// consumers (notification delivery lives elsewhere).
package events

import (
	"context"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/google/uuid"
)

type Type string

const (
	AssociationRequested Type = "association.requested"
	AssociationAccepted  Type = "association.accepted"
	AssociationRemoved   Type = "association.removed"
)

// Event is the JSON message body. RecipientID is the user the event is
// interesting to (the other side of the actor).
type Event struct {
	ID               string                  `json:"id"`
	Type             Type                    `json:"type"`
	OccurredAt       time.Time               `json:"occurredAt"`
	AssociationID    string                  `json:"associationId"`
	ActorID          string                  `json:"actorId"`
	RecipientID      string                  `json:"recipientId"`
	RelationshipType models.RelationshipType `json:"relationshipType,omitempty"`
}

// NewAssociationEvent builds an event about a, performed by actorID.
func NewAssociationEvent(t Type, a *models.Association, actorID string) Event {
	recipient := a.PeerID
	if recipient == actorID {
		recipient = a.OwnerID
	}
	return Event{
		ID:               uuid.NewString(),
		Type:             t,
		OccurredAt:       time.Now().UTC(),
		AssociationID:    a.ID,
		ActorID:          actorID,
		RecipientID:      recipient,
		RelationshipType: a.RelationshipType,
	}
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
