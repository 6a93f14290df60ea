package models

import (
	"fmt"
	"time"
)

type AssociationStatus string

const (
	AssociationPending  AssociationStatus = "pending"
	AssociationAccepted AssociationStatus = "accepted"
	// AssociationBlocked is stored and listed but no operation produces it yet.
	AssociationBlocked AssociationStatus = "blocked"
)

// ParseAssociationStatus validates s.
func ParseAssociationStatus(s string) (AssociationStatus, error) {
	switch st := AssociationStatus(s); st {
	case AssociationPending, AssociationAccepted, AssociationBlocked:
		return st, nil
	}
	return "", fmt.Errorf("unknown association status %q", s)
}

type RelationshipType string

const (
	RelationshipColleague  RelationshipType = "colleague"
	RelationshipFriend     RelationshipType = "friend"
	RelationshipFamily     RelationshipType = "family"
	RelationshipClient     RelationshipType = "client"
	RelationshipManager    RelationshipType = "manager"
	RelationshipTeamMember RelationshipType = "team_member"
)

// DefaultRelationshipType is used when a request names none.
const DefaultRelationshipType = RelationshipColleague

// ParseRelationshipType validates s; "" yields DefaultRelationshipType.
func ParseRelationshipType(s string) (RelationshipType, error) {
	if s == "" {
		return DefaultRelationshipType, nil
	}
	switch rt := RelationshipType(s); rt {
	case RelationshipColleague, RelationshipFriend, RelationshipFamily,
		RelationshipClient, RelationshipManager, RelationshipTeamMember:
		return rt, nil
	}
	return "", fmt.Errorf("unknown relationship type %q", s)
}

// Association is one directed edge owned by OwnerID and pointing at PeerID.
// An accepted relationship is two edges, one per direction, each carrying
// the original requester in RequestedBy.
type Association struct {
	ID               string            `json:"id"`
	OwnerID          string            `json:"ownerId"`
	PeerID           string            `json:"peerId"`
	Status           AssociationStatus `json:"status"`
	RelationshipType RelationshipType  `json:"relationshipType"`
	Notes            string            `json:"notes,omitempty"`
	RequestedBy      string            `json:"requestedBy"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`

	// Counterpart is populated by list queries: the peer for an owner's
	// list, the requester for a pending inbox.
	Counterpart *UserSummary `json:"user,omitempty"`
}

// AssociationUpdate carries the optional fields of an edge edit.
type AssociationUpdate struct {
	RelationshipType *RelationshipType
	Notes            *string
}
