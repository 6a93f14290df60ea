package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/logging"
	"github.com/dmitrijs2005/schedkeeper/internal/server/events"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type associationFixture struct {
	users        *UserService
	associations *AssociationService
	store        *memStore
	publisher    *recordingPublisher
	alice, bob   *models.User
}

func newAssociationFixture(t *testing.T) *associationFixture {
	t.Helper()
	db := newTxDB(t)
	store := newMemStore()
	m := &fakeManager{store}
	pub := &recordingPublisher{}

	f := &associationFixture{
		users:        NewUserService(db, m, testConfig()),
		associations: NewAssociationService(db, m, pub, logging.Nop{}),
		store:        store,
		publisher:    pub,
	}
	f.alice = mustRegister(t, f.users, "alice", "alice@x.com")
	f.bob = mustRegister(t, f.users, "bob", "bob@x.com")
	return f
}

func TestAssociation_Scenario(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()

	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, models.RelationshipColleague, "")
	require.NoError(t, err)
	assert.Equal(t, f.alice.ID, req.OwnerID)
	assert.Equal(t, f.bob.ID, req.PeerID)
	assert.Equal(t, models.AssociationPending, req.Status)
	assert.Equal(t, f.alice.ID, req.RequestedBy)

	pending, err := f.associations.ListPending(ctx, f.bob.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "alice", pending[0].Counterpart.Username)

	accepted, err := f.associations.Accept(ctx, req.ID, f.bob.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AssociationAccepted, accepted.Status)

	aliceList, err := f.associations.List(ctx, f.alice.ID, "accepted")
	require.NoError(t, err)
	require.Len(t, aliceList, 1)
	bobList, err := f.associations.List(ctx, f.bob.ID, "accepted")
	require.NoError(t, err)
	require.Len(t, bobList, 1)
	assert.Equal(t, f.alice.ID, bobList[0].PeerID)
	assert.Equal(t, aliceList[0].RelationshipType, bobList[0].RelationshipType)
	assert.Equal(t, f.alice.ID, bobList[0].RequestedBy)
	assert.Equal(t, 2, f.store.edgesBetween(f.alice.ID, f.bob.ID))

	pending, err = f.associations.ListPending(ctx, f.bob.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	removed, err := f.associations.Remove(ctx, aliceList[0].ID, f.alice.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	aliceList, err = f.associations.List(ctx, f.alice.ID, "accepted")
	require.NoError(t, err)
	assert.Empty(t, aliceList)
	bobList, err = f.associations.List(ctx, f.bob.ID, "")
	require.NoError(t, err)
	assert.Empty(t, bobList)

	assert.Equal(t, []string{
		"association.requested:" + f.bob.ID,
		"association.accepted:" + f.alice.ID,
		"association.removed:" + f.bob.ID,
	}, f.publisher.events)
}

func TestAssociation_RequestConflictsEitherDirection(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()

	_, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)

	_, err = f.associations.Request(ctx, f.bob.ID, f.alice.ID, models.RelationshipFriend, "")
	assert.ErrorIs(t, err, common.ErrConflict)
	_, err = f.associations.Request(ctx, f.alice.ID, f.bob.ID, models.RelationshipFriend, "")
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Equal(t, 1, f.store.edgesBetween(f.alice.ID, f.bob.ID))
}

func TestAssociation_RequestValidation(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()

	_, err := f.associations.Request(ctx, f.alice.ID, f.alice.ID, "", "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = f.associations.Request(ctx, f.alice.ID, "not-a-uuid", "", "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = f.associations.Request(ctx, f.alice.ID, f.bob.ID, "nemesis", "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	_, err = f.associations.Request(ctx, f.alice.ID, uuid.NewString(), "", "")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	a, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "  met at work ")
	require.NoError(t, err)
	assert.Equal(t, models.DefaultRelationshipType, a.RelationshipType)
	assert.Equal(t, "met at work", a.Notes)
}

func TestAssociation_RequestUniqueViolationIsConflict(t *testing.T) {
	f := newAssociationFixture(t)
	f.store.failNext("Associations.Create", uniqueViolation("user_associations_pending_pair_key"))

	_, err := f.associations.Request(context.Background(), f.alice.ID, f.bob.ID, "", "")
	assert.ErrorIs(t, err, common.ErrConflict)
	assert.Empty(t, f.publisher.events)
}

func TestAssociation_RequestConstraintViolations(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()

	f.store.failNext("Associations.Create", fmt.Errorf("db error: %w", &pgconn.PgError{Code: "23503"}))
	_, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	assert.ErrorIs(t, err, common.ErrorNotFound)

	f.store.failNext("Associations.Create", fmt.Errorf("db error: %w", &pgconn.PgError{Code: "23514"}))
	_, err = f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	assert.Empty(t, f.publisher.events)
}

// requireLockedFirst checks that the pair lock was taken before any of the
// listed calls, and that each of them happened.
func requireLockedFirst(t *testing.T, trace []string, after ...string) {
	t.Helper()
	index := func(method string) int {
		for i, m := range trace {
			if m == method {
				return i
			}
		}
		return -1
	}
	lock := index("Associations.LockPair")
	require.GreaterOrEqual(t, lock, 0, "pair lock not taken: %v", trace)
	for _, m := range after {
		i := index(m)
		require.GreaterOrEqual(t, i, 0, "%s not called: %v", m, trace)
		assert.Less(t, lock, i, "%s ran before the pair lock: %v", m, trace)
	}
}

func TestAssociation_PairLockPrecedesCheckAndWrite(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	f.store.takeTrace()

	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)
	requireLockedFirst(t, f.store.takeTrace(), "Associations.ExistsBetween", "Associations.Create")

	accepted, err := f.associations.Accept(ctx, req.ID, f.bob.ID)
	require.NoError(t, err)
	requireLockedFirst(t, f.store.takeTrace(), "Associations.GetPendingForPeer", "Associations.SetStatus", "Associations.Create")

	_, err = f.associations.Remove(ctx, accepted.ID, f.alice.ID)
	require.NoError(t, err)
	requireLockedFirst(t, f.store.takeTrace(), "Associations.GetForParticipant", "Associations.Delete", "Associations.DeleteReciprocal")
}

func TestAssociation_ConcurrentOppositeRequests(t *testing.T) {
	pairs := newPairLocks()
	store := newMemStore()
	store.pairs = pairs
	m := &fakeManager{store}
	db := newLockingTxDB(t, pairs)

	users := NewUserService(db, m, testConfig())
	svc := NewAssociationService(db, m, &recordingPublisher{}, logging.Nop{})
	alice := mustRegister(t, users, "alice", "alice@x.com")
	bob := mustRegister(t, users, "bob", "bob@x.com")

	// Widen the window between the duplicate check and the insert.
	store.afterExists = func() { time.Sleep(20 * time.Millisecond) }

	var (
		wg      sync.WaitGroup
		results [2]error
	)
	pairsToRequest := [2][2]string{{alice.ID, bob.ID}, {bob.ID, alice.ID}}
	for i, p := range pairsToRequest {
		wg.Add(1)
		go func(i int, from, to string) {
			defer wg.Done()
			ctx := withTxOwner(context.Background(), fmt.Sprintf("request-%d", i))
			_, results[i] = svc.Request(ctx, from, to, models.RelationshipFriend, "")
		}(i, p[0], p[1])
	}
	wg.Wait()

	succeeded := 0
	for _, err := range results {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, common.ErrConflict)
	}
	assert.Equal(t, 1, succeeded, "results: %v", results)
	assert.Equal(t, 1, store.edgesBetween(alice.ID, bob.ID))
}

func TestAssociation_AcceptOnlyByPeerWhilePending(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	carol := mustRegister(t, f.users, "carol", "carol@x.com")

	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)

	for _, actor := range []string{f.alice.ID, carol.ID} {
		_, err = f.associations.Accept(ctx, req.ID, actor)
		assert.ErrorIs(t, err, common.ErrorNotFound)
	}
	_, err = f.associations.Accept(ctx, uuid.NewString(), f.bob.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	_, err = f.associations.Accept(ctx, "garbage", f.bob.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	_, err = f.associations.Accept(ctx, req.ID, f.bob.ID)
	require.NoError(t, err)
	_, err = f.associations.Accept(ctx, req.ID, f.bob.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.Equal(t, 2, f.store.edgesBetween(f.alice.ID, f.bob.ID))
}

func TestAssociation_AcceptRollsBackWhenMirrorFails(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	const id = "3f1c0c1e-7d1e-4c55-9a8e-1f0f7f0b7a11"
	store := newMemStore()
	store.edges[id] = &models.Association{
		ID: id, OwnerID: "a", PeerID: "b",
		Status: models.AssociationPending, RelationshipType: models.RelationshipFriend, RequestedBy: "a",
	}
	store.failNext("Associations.Create", errBoom{})

	s := NewAssociationService(db, &fakeManager{store}, events.Nop{}, logging.Nop{})

	mock.ExpectBegin()
	mock.ExpectRollback()

	_, err = s.Accept(context.Background(), id, "b")
	assert.ErrorIs(t, err, common.ErrorInternal)
	assert.Equal(t, 1, store.calls["Associations.SetStatus"])
}

func TestAssociation_AcceptMirrorConflict(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)
	f.store.failNext("Associations.Create", uniqueViolation("user_associations_owner_peer_key"))

	_, err = f.associations.Accept(ctx, req.ID, f.bob.ID)
	assert.ErrorIs(t, err, common.ErrConflict)
}

func TestAssociation_RemoveIsIdempotentInEffect(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()

	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)
	_, err = f.associations.Accept(ctx, req.ID, f.bob.ID)
	require.NoError(t, err)

	// bob removes using alice's edge id, as the peer of that edge
	ok, err := f.associations.Remove(ctx, req.ID, f.bob.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.store.edgesBetween(f.alice.ID, f.bob.ID))

	ok, err = f.associations.Remove(ctx, req.ID, f.bob.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
	assert.False(t, ok)
}

func TestAssociation_RemoveCancelsPendingAndChecksParticipant(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	carol := mustRegister(t, f.users, "carol", "carol@x.com")

	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)

	_, err = f.associations.Remove(ctx, req.ID, carol.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)

	ok, err := f.associations.Remove(ctx, req.ID, f.alice.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Zero(t, f.store.edgesBetween(f.alice.ID, f.bob.ID))

	_, err = f.associations.Request(ctx, f.bob.ID, f.alice.ID, "", "")
	assert.NoError(t, err)
}

func TestAssociation_UpdateTouchesOneEdge(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()

	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, models.RelationshipColleague, "")
	require.NoError(t, err)
	_, err = f.associations.Accept(ctx, req.ID, f.bob.ID)
	require.NoError(t, err)

	bobEdges, err := f.associations.List(ctx, f.bob.ID, "")
	require.NoError(t, err)
	require.Len(t, bobEdges, 1)

	manager, notes := models.RelationshipManager, "my manager"
	updated, err := f.associations.Update(ctx, bobEdges[0].ID, f.bob.ID, models.AssociationUpdate{RelationshipType: &manager, Notes: &notes})
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipManager, updated.RelationshipType)
	assert.Equal(t, "my manager", updated.Notes)

	// The mirrored edges now label the relationship differently.
	aliceEdges, err := f.associations.List(ctx, f.alice.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipColleague, aliceEdges[0].RelationshipType)
	assert.Empty(t, aliceEdges[0].Notes)

	// The peer of an edge may relabel it as well.
	team := models.RelationshipTeamMember
	updated, err = f.associations.Update(ctx, req.ID, f.bob.ID, models.AssociationUpdate{RelationshipType: &team})
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipTeamMember, updated.RelationshipType)

	unchanged, err := f.associations.Update(ctx, req.ID, f.alice.ID, models.AssociationUpdate{})
	require.NoError(t, err)
	assert.Equal(t, models.RelationshipTeamMember, unchanged.RelationshipType)
}

func TestAssociation_UpdateErrors(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	carol := mustRegister(t, f.users, "carol", "carol@x.com")
	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)

	friend := models.RelationshipFriend
	_, err = f.associations.Update(ctx, req.ID, carol.ID, models.AssociationUpdate{RelationshipType: &friend})
	assert.ErrorIs(t, err, common.ErrorNotFound)
	_, err = f.associations.Update(ctx, "bad-id", f.alice.ID, models.AssociationUpdate{RelationshipType: &friend})
	assert.ErrorIs(t, err, common.ErrorNotFound)

	bogus := models.RelationshipType("nemesis")
	_, err = f.associations.Update(ctx, req.ID, f.alice.ID, models.AssociationUpdate{RelationshipType: &bogus})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	empty := models.RelationshipType("")
	_, err = f.associations.Update(ctx, req.ID, f.alice.ID, models.AssociationUpdate{RelationshipType: &empty})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestAssociation_ListFiltersAndOrder(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	carol := mustRegister(t, f.users, "carol", "carol@x.com")

	first, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)
	second, err := f.associations.Request(ctx, f.alice.ID, carol.ID, "", "")
	require.NoError(t, err)
	_, err = f.associations.Accept(ctx, first.ID, f.bob.ID)
	require.NoError(t, err)

	all, err := f.associations.List(ctx, f.alice.ID, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, second.ID, all[0].ID)

	pending, err := f.associations.List(ctx, f.alice.ID, "pending")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "carol", pending[0].Counterpart.Username)

	blocked, err := f.associations.List(ctx, f.alice.ID, "blocked")
	require.NoError(t, err)
	assert.Empty(t, blocked)

	_, err = f.associations.List(ctx, f.alice.ID, "friends")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}

func TestAssociation_BlockedRoundTrips(t *testing.T) {
	f := newAssociationFixture(t)
	ctx := context.Background()
	req, err := f.associations.Request(ctx, f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)
	f.store.edges[req.ID].Status = models.AssociationBlocked

	blocked, err := f.associations.List(ctx, f.alice.ID, "blocked")
	require.NoError(t, err)
	require.Len(t, blocked, 1)
	assert.Equal(t, models.AssociationBlocked, blocked[0].Status)

	_, err = f.associations.Accept(ctx, req.ID, f.bob.ID)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestAssociation_PublishFailureDoesNotFailTransition(t *testing.T) {
	f := newAssociationFixture(t)
	f.publisher.err = errBoom{}

	_, err := f.associations.Request(context.Background(), f.alice.ID, f.bob.ID, "", "")
	require.NoError(t, err)
	assert.Len(t, f.publisher.events, 1)
}

func TestAssociation_StorageErrorsAreInternal(t *testing.T) {
	f := newAssociationFixture(t)
	f.store.failNext("Associations.ListByOwner", errBoom{})
	_, err := f.associations.List(context.Background(), f.alice.ID, "")
	assert.ErrorIs(t, err, common.ErrorInternal)

	f.store.failNext("Associations.ListPendingForPeer", errBoom{})
	_, err = f.associations.ListPending(context.Background(), f.alice.ID)
	assert.ErrorIs(t, err, common.ErrorInternal)
}
