package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dmitrijs2005/schedkeeper/internal/common"
	"github.com/dmitrijs2005/schedkeeper/internal/dbx"
	"github.com/dmitrijs2005/schedkeeper/internal/server/events"
	"github.com/dmitrijs2005/schedkeeper/internal/server/models"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/associations"
	"github.com/dmitrijs2005/schedkeeper/internal/server/repositories/users"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "modernc.org/sqlite"
)

type errBoom struct{}

func (errBoom) Error() string { return "boom" }

// uniqueViolation mimics what the postgres repositories return for a
// duplicate key.
func uniqueViolation(constraint string) error {
	return fmt.Errorf("db error: %w", &pgconn.PgError{Code: "23505", ConstraintName: constraint})
}

// newTxDB returns a real *sql.DB so dbx.WithTx can begin and commit; the
// in-memory repositories below ignore the handle they are bound to.
func newTxDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// memStore is an in-memory user directory and association table with the
// same uniqueness rules as the schema.
type memStore struct {
	mu    sync.Mutex
	users map[string]*models.User
	edges map[string]*models.Association
	seq   int

	// fail pops one injected error per call of the named method.
	fail  map[string][]error
	calls map[string]int
	// trace lists every repository call in order.
	trace []string

	// pairs, when set, makes LockPair block like pg_advisory_xact_lock.
	pairs *pairLocks
	// afterExists runs after ExistsBetween answers, outside the store lock.
	afterExists func()
}

func newMemStore() *memStore {
	return &memStore{
		users: map[string]*models.User{},
		edges: map[string]*models.Association{},
		fail:  map[string][]error{},
		calls: map[string]int{},
	}
}

func (s *memStore) failNext(method string, errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = append(s.fail[method], errs...)
}

func (s *memStore) hit(method string) error {
	s.calls[method]++
	s.trace = append(s.trace, method)
	if q := s.fail[method]; len(q) > 0 {
		s.fail[method] = q[1:]
		return q[0]
	}
	return nil
}

// takeTrace returns the calls recorded so far and starts a new trace.
func (s *memStore) takeTrace() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.trace
	s.trace = nil
	return t
}

func (s *memStore) tick() time.Time {
	s.seq++
	return time.Date(2025, 1, 1, 0, 0, s.seq, 0, time.UTC)
}

func cloneUser(u *models.User) *models.User {
	c := *u
	return &c
}

func cloneEdge(a *models.Association) *models.Association {
	c := *a
	return &c
}

type fakeManager struct {
	store *memStore
}

func (m *fakeManager) RunMigrations(context.Context, *sql.DB) error { return nil }
func (m *fakeManager) Users(dbx.DBTX) users.Repository              { return &memUsers{m.store} }
func (m *fakeManager) Associations(dbx.DBTX) associations.Repository {
	return &memAssociations{m.store}
}

type memUsers struct{ s *memStore }

func (r *memUsers) find(pred func(*models.User) bool) *models.User {
	for _, u := range r.s.users {
		if pred(u) {
			return u
		}
	}
	return nil
}

func (r *memUsers) lookup(method string, pred func(*models.User) bool) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit(method); err != nil {
		return nil, err
	}
	if u := r.find(pred); u != nil {
		return cloneUser(u), nil
	}
	return nil, common.ErrorNotFound
}

func (r *memUsers) checkUnique(u *models.User) error {
	for _, o := range r.s.users {
		if o.ID == u.ID {
			continue
		}
		switch {
		case o.Username == u.Username:
			return uniqueViolation("users_username_key")
		case o.Email == u.Email:
			return uniqueViolation("users_email_key")
		case u.ExternalID != "" && o.ExternalID == u.ExternalID:
			return uniqueViolation("users_external_id_key")
		}
	}
	return nil
}

func (r *memUsers) Create(ctx context.Context, u *models.User) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit("Users.Create"); err != nil {
		return nil, err
	}
	c := cloneUser(u)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if err := r.checkUnique(c); err != nil {
		return nil, err
	}
	c.CreatedAt = r.s.tick()
	c.UpdatedAt = c.CreatedAt
	r.s.users[c.ID] = c
	return cloneUser(c), nil
}

func (r *memUsers) GetByID(ctx context.Context, id string) (*models.User, error) {
	return r.lookup("Users.GetByID", func(u *models.User) bool { return u.ID == id })
}

func (r *memUsers) GetByLogin(ctx context.Context, login string) (*models.User, error) {
	return r.lookup("Users.GetByLogin", func(u *models.User) bool { return u.Username == login || u.Email == login })
}

func (r *memUsers) GetByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.lookup("Users.GetByEmail", func(u *models.User) bool { return u.Email == email })
}

func (r *memUsers) GetByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return r.lookup("Users.GetByExternalID", func(u *models.User) bool { return u.ExternalID != "" && u.ExternalID == externalID })
}

func (r *memUsers) UsernameExists(ctx context.Context, username string) (bool, error) {
	_, err := r.lookup("Users.UsernameExists", func(u *models.User) bool { return u.Username == username })
	if err == common.ErrorNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *memUsers) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := r.lookup("Users.EmailExists", func(u *models.User) bool { return u.Email == email })
	if err == common.ErrorNotFound {
		return false, nil
	}
	return err == nil, err
}

func (r *memUsers) mutate(method, id string, fn func(u *models.User) error) (*models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit(method); err != nil {
		return nil, err
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	c := cloneUser(u)
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := r.checkUnique(c); err != nil {
		return nil, err
	}
	c.UpdatedAt = r.s.tick()
	r.s.users[id] = c
	return cloneUser(c), nil
}

func (r *memUsers) UpdatePassword(ctx context.Context, id, passwordHash string) error {
	_, err := r.mutate("Users.UpdatePassword", id, func(u *models.User) error {
		u.PasswordHash = passwordHash
		return nil
	})
	return err
}

func (r *memUsers) UpdateProfile(ctx context.Context, id string, upd models.ProfileUpdate) (*models.User, error) {
	return r.mutate("Users.UpdateProfile", id, func(u *models.User) error {
		if upd.Email != nil {
			u.Email = *upd.Email
		}
		if upd.DisplayName != nil {
			u.DisplayName = *upd.DisplayName
		}
		if upd.Timezone != nil {
			u.Timezone = *upd.Timezone
		}
		return nil
	})
}

func (r *memUsers) SetAvatarURL(ctx context.Context, id, avatarURL string) (*models.User, error) {
	return r.mutate("Users.SetAvatarURL", id, func(u *models.User) error {
		u.AvatarURL = avatarURL
		return nil
	})
}

func (r *memUsers) RefreshExternalProfile(ctx context.Context, id string, claim models.ExternalIdentity) (*models.User, error) {
	return r.mutate("Users.RefreshExternalProfile", id, func(u *models.User) error {
		u.DisplayName = claim.Name()
		u.Email = claim.Email
		u.AvatarURL = claim.AvatarURL
		u.EmailVerified = claim.EmailVerified
		return nil
	})
}

func (r *memUsers) LinkExternalID(ctx context.Context, id string, claim models.ExternalIdentity) (*models.User, error) {
	return r.mutate("Users.LinkExternalID", id, func(u *models.User) error {
		if u.ExternalID != "" {
			return common.ErrorNotFound
		}
		u.ExternalID = claim.ExternalID
		if claim.AvatarURL != "" {
			u.AvatarURL = claim.AvatarURL
		}
		u.EmailVerified = true
		return nil
	})
}

func (r *memUsers) Search(ctx context.Context, searcherID, term string, limit int) ([]*models.UserMatch, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit("Users.Search"); err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	var out []*models.UserMatch
	for _, u := range r.s.users {
		if u.ID == searcherID {
			continue
		}
		if !strings.Contains(strings.ToLower(u.Username), term) &&
			!strings.Contains(strings.ToLower(u.Email), term) &&
			!strings.Contains(strings.ToLower(u.DisplayName), term) {
			continue
		}
		m := &models.UserMatch{UserSummary: *u.Summary()}
		for _, e := range r.s.edges {
			if (e.OwnerID == searcherID && e.PeerID == u.ID) || (e.OwnerID == u.ID && e.PeerID == searcherID) {
				st := e.Status
				m.AssociationStatus = &st
				break
			}
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].Username < out[j].Username
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAssociations struct{ s *memStore }

func (r *memAssociations) LockPair(ctx context.Context, a, b string) error {
	r.s.mu.Lock()
	err := r.s.hit("Associations.LockPair")
	pairs := r.s.pairs
	r.s.mu.Unlock()
	if err != nil || pairs == nil {
		return err
	}
	return pairs.acquire(ctx, a, b)
}

func (r *memAssociations) ExistsBetween(ctx context.Context, a, b string) (bool, error) {
	found, err := func() (bool, error) {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if err := r.s.hit("Associations.ExistsBetween"); err != nil {
			return false, err
		}
		for _, e := range r.s.edges {
			if (e.OwnerID == a && e.PeerID == b) || (e.OwnerID == b && e.PeerID == a) {
				return true, nil
			}
		}
		return false, nil
	}()
	if r.s.afterExists != nil {
		r.s.afterExists()
	}
	return found, err
}

func (r *memAssociations) Create(ctx context.Context, a *models.Association) (*models.Association, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit("Associations.Create"); err != nil {
		return nil, err
	}
	for _, e := range r.s.edges {
		if e.OwnerID == a.OwnerID && e.PeerID == a.PeerID {
			return nil, uniqueViolation("user_associations_owner_peer_key")
		}
	}
	c := cloneEdge(a)
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = r.s.tick()
	c.UpdatedAt = c.CreatedAt
	r.s.edges[c.ID] = c
	return cloneEdge(c), nil
}

func (r *memAssociations) get(method, id string, pred func(*models.Association) bool) (*models.Association, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit(method); err != nil {
		return nil, err
	}
	e, ok := r.s.edges[id]
	if !ok || !pred(e) {
		return nil, common.ErrorNotFound
	}
	return cloneEdge(e), nil
}

func (r *memAssociations) GetByID(ctx context.Context, id string) (*models.Association, error) {
	return r.get("Associations.GetByID", id, func(*models.Association) bool { return true })
}

func (r *memAssociations) GetForParticipant(ctx context.Context, id, userID string) (*models.Association, error) {
	return r.get("Associations.GetForParticipant", id, func(e *models.Association) bool {
		return e.OwnerID == userID || e.PeerID == userID
	})
}

func (r *memAssociations) GetPendingForPeer(ctx context.Context, id, peerID string) (*models.Association, error) {
	return r.get("Associations.GetPendingForPeer", id, func(e *models.Association) bool {
		return e.PeerID == peerID && e.Status == models.AssociationPending
	})
}

func (r *memAssociations) change(method, id string, fn func(*models.Association)) (*models.Association, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit(method); err != nil {
		return nil, err
	}
	e, ok := r.s.edges[id]
	if !ok {
		return nil, common.ErrorNotFound
	}
	fn(e)
	e.UpdatedAt = r.s.tick()
	return cloneEdge(e), nil
}

func (r *memAssociations) SetStatus(ctx context.Context, id string, status models.AssociationStatus) (*models.Association, error) {
	return r.change("Associations.SetStatus", id, func(e *models.Association) { e.Status = status })
}

func (r *memAssociations) Update(ctx context.Context, id string, upd models.AssociationUpdate) (*models.Association, error) {
	return r.change("Associations.Update", id, func(e *models.Association) {
		if upd.RelationshipType != nil {
			e.RelationshipType = *upd.RelationshipType
		}
		if upd.Notes != nil {
			e.Notes = *upd.Notes
		}
	})
}

func (r *memAssociations) Delete(ctx context.Context, id string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit("Associations.Delete"); err != nil {
		return 0, err
	}
	if _, ok := r.s.edges[id]; !ok {
		return 0, nil
	}
	delete(r.s.edges, id)
	return 1, nil
}

func (r *memAssociations) DeleteReciprocal(ctx context.Context, ownerID, peerID, requestedBy string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit("Associations.DeleteReciprocal"); err != nil {
		return 0, err
	}
	var n int64
	for id, e := range r.s.edges {
		if e.OwnerID == ownerID && e.PeerID == peerID && e.RequestedBy == requestedBy {
			delete(r.s.edges, id)
			n++
		}
	}
	return n, nil
}

func (r *memAssociations) list(method string, pred func(*models.Association) bool, counterpart func(*models.Association) string) ([]*models.Association, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.hit(method); err != nil {
		return nil, err
	}
	var out []*models.Association
	for _, e := range r.s.edges {
		if !pred(e) {
			continue
		}
		c := cloneEdge(e)
		if u, ok := r.s.users[counterpart(e)]; ok {
			c.Counterpart = u.Summary()
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *memAssociations) ListByOwner(ctx context.Context, ownerID string, status *models.AssociationStatus) ([]*models.Association, error) {
	return r.list("Associations.ListByOwner", func(e *models.Association) bool {
		return e.OwnerID == ownerID && (status == nil || e.Status == *status)
	}, func(e *models.Association) string { return e.PeerID })
}

func (r *memAssociations) ListPendingForPeer(ctx context.Context, peerID string) ([]*models.Association, error) {
	return r.list("Associations.ListPendingForPeer", func(e *models.Association) bool {
		return e.PeerID == peerID && e.Status == models.AssociationPending
	}, func(e *models.Association) string { return e.OwnerID })
}

// edgesBetween counts edges between a and b in either direction.
func (s *memStore) edgesBetween(a, b string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.edges {
		if (e.OwnerID == a && e.PeerID == b) || (e.OwnerID == b && e.PeerID == a) {
			n++
		}
	}
	return n
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []string
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, string(e.Type)+":"+e.RecipientID)
	return p.err
}

type txOwnerKey struct{}

// withTxOwner tags ctx so that pair locks taken inside a transaction begun
// with it are released when that transaction ends.
func withTxOwner(ctx context.Context, owner string) context.Context {
	return context.WithValue(ctx, txOwnerKey{}, owner)
}

// pairLocks emulates transaction-scoped advisory locks on unordered pairs.
type pairLocks struct {
	mu    sync.Mutex
	held  map[int64]chan struct{}
	owned map[any][]int64
}

func newPairLocks() *pairLocks {
	return &pairLocks{held: map[int64]chan struct{}{}, owned: map[any][]int64{}}
}

func (p *pairLocks) acquire(ctx context.Context, a, b string) error {
	owner := ctx.Value(txOwnerKey{})
	key := associations.PairLockKey(a, b)
	for {
		p.mu.Lock()
		released, busy := p.held[key]
		if !busy {
			p.held[key] = make(chan struct{})
			p.owned[owner] = append(p.owned[owner], key)
			p.mu.Unlock()
			return nil
		}
		p.mu.Unlock()

		select {
		case <-released:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (p *pairLocks) release(owner any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, key := range p.owned[owner] {
		close(p.held[key])
		delete(p.held, key)
	}
	delete(p.owned, owner)
}

// newLockingTxDB returns a *sql.DB whose transactions release the pair
// locks of their owner on commit or rollback. It supports nothing but
// transactions, which is all the in-memory repositories need.
func newLockingTxDB(t *testing.T, pairs *pairLocks) *sql.DB {
	t.Helper()
	db := sql.OpenDB(lockingConnector{pairs})
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type lockingConnector struct{ pairs *pairLocks }

func (c lockingConnector) Connect(context.Context) (driver.Conn, error) {
	return &lockingConn{c.pairs}, nil
}

func (c lockingConnector) Driver() driver.Driver { return lockingDriver(c) }

type lockingDriver struct{ pairs *pairLocks }

func (d lockingDriver) Open(string) (driver.Conn, error) { return &lockingConn{d.pairs}, nil }

type lockingConn struct{ pairs *pairLocks }

func (c *lockingConn) Prepare(string) (driver.Stmt, error) {
	return nil, errors.New("statements are not supported")
}

func (c *lockingConn) Close() error { return nil }

func (c *lockingConn) Begin() (driver.Tx, error) {
	return &lockingTx{pairs: c.pairs}, nil
}

func (c *lockingConn) BeginTx(ctx context.Context, _ driver.TxOptions) (driver.Tx, error) {
	return &lockingTx{pairs: c.pairs, owner: ctx.Value(txOwnerKey{})}, nil
}

type lockingTx struct {
	pairs *pairLocks
	owner any
}

func (t *lockingTx) Commit() error {
	t.pairs.release(t.owner)
	return nil
}

func (t *lockingTx) Rollback() error {
	t.pairs.release(t.owner)
	return nil
}
