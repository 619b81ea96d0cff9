package groups

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"github.com/xxmessenger/courier/internal/transport/sim"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

type fixture struct {
	db   *store.DB
	net  *sim.Network
	res  *Resolver
	self transport.Identity
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	_, err = db.Migrate()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	self, err := sim.NewIdentity("me")
	require.NoError(t, err)
	b := bus.New()
	n := sim.New(self, b)
	return &fixture{
		db:   db,
		net:  n,
		res:  New(db, n, self.ID, b, metrics.New(), zap.NewNop()),
		self: self,
	}
}

func (f *fixture) peer(t *testing.T, username string) transport.Identity {
	t.Helper()
	p, err := sim.NewIdentity(username)
	require.NoError(t, err)
	f.net.Register(p)
	return p
}

func (f *fixture) friend(t *testing.T, username string) transport.Identity {
	t.Helper()
	p := f.peer(t, username)
	require.NoError(t, f.db.SaveContact(&store.Contact{
		ID:         p.ID,
		Marshaled:  p.Marshaled,
		Username:   p.Username,
		AuthStatus: store.Friend,
		CreatedAt:  time.Now().UnixMilli(),
	}))
	return p
}

func (f *fixture) group(t *testing.T, members ...*id.ID) transport.GroupInfo {
	t.Helper()
	gid := id.NewIdFromString("crew", id.Group, t)
	info := transport.GroupInfo{
		ID:        gid,
		Name:      "crew",
		LeaderID:  members[0],
		CreatedAt: time.Now(),
		Members:   members,
	}
	f.net.AddGroup(info)
	info.Serialized = gid.Marshal()
	return info
}

func (f *fixture) members(t *testing.T, gid *id.ID) map[id.ID]store.GroupMember {
	t.Helper()
	ms, err := f.db.FetchGroupMembers(store.MemberQuery{GroupID: gid})
	require.NoError(t, err)
	out := make(map[id.ID]store.GroupMember, len(ms))
	for _, m := range ms {
		out[*m.ContactID] = m
	}
	return out
}

func (f *fixture) settle() {
	f.net.Release()
	f.res.Wait()
}

func TestRequestResolvesKnownAndUnknownMembers(t *testing.T) {
	f := setup(t)
	f.net.SetPolicy(sim.Policy{Manual: true})
	a1 := f.friend(t, "a1")
	x1 := f.peer(t, "x1")
	x2 := f.peer(t, "x2")
	info := f.group(t, a1.ID, x1.ID, x2.ID, f.self.ID)

	g, err := f.res.HandleRequest(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, store.GroupPending, g.AuthStatus)

	ms := f.members(t, info.ID)
	require.Len(t, ms, 3, "self is not a member row")
	assert.Equal(t, store.MemberUsernameSet, ms[*a1.ID].Status)
	assert.Equal(t, "a1", ms[*a1.ID].Username)
	assert.Equal(t, store.MemberPendingUsername, ms[*x1.ID].Status)
	assert.Equal(t, PlaceholderUsername, ms[*x1.ID].Username)

	placeholder, err := f.db.GetContact(x1.ID)
	require.NoError(t, err)
	require.NotNil(t, placeholder)
	assert.Equal(t, store.Stranger, placeholder.AuthStatus)
	assert.Equal(t, PlaceholderUsername, placeholder.Username)

	f.settle()

	assert.Equal(t, 1, f.net.Calls().LookupIDs, "unknown members share one lookup")
	ms = f.members(t, info.ID)
	assert.Equal(t, store.MemberUsernameSet, ms[*x1.ID].Status)
	assert.Equal(t, "x1", ms[*x1.ID].Username)
	assert.Equal(t, "x2", ms[*x2.ID].Username)

	c, err := f.db.GetContact(x2.ID)
	require.NoError(t, err)
	assert.Equal(t, "x2", c.Username)
	assert.Equal(t, store.Stranger, c.AuthStatus)
}

func TestAllKnownMembersSkipLookup(t *testing.T) {
	f := setup(t)
	a1 := f.friend(t, "a1")
	a2 := f.friend(t, "a2")
	info := f.group(t, a1.ID, a2.ID)

	_, err := f.res.HandleRequest(context.Background(), info)
	require.NoError(t, err)
	f.res.Wait()

	assert.Zero(t, f.net.Calls().LookupIDs)
	for _, m := range f.members(t, info.ID) {
		assert.Equal(t, store.MemberUsernameSet, m.Status)
	}
}

func TestFailedLookupLeavesMembersPending(t *testing.T) {
	f := setup(t)
	f.net.SetPolicy(sim.Policy{FailLookups: true})
	x1 := f.peer(t, "x1")
	info := f.group(t, x1.ID)

	_, err := f.res.HandleRequest(context.Background(), info)
	require.NoError(t, err)
	f.res.Wait()

	assert.Equal(t, store.MemberPendingUsername, f.members(t, info.ID)[*x1.ID].Status)

	// The sweep picks the member up once lookups work again.
	f.net.SetPolicy(sim.Policy{})
	s, err := NewSweeper(f.res, "*/5 * * * *", 100, 1)
	require.NoError(t, err)
	n, err := s.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, f.net.Calls().LookupIDs)
	assert.Equal(t, store.MemberUsernameSet, f.members(t, info.ID)[*x1.ID].Status)

	n, err = s.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, 2, f.net.Calls().LookupIDs)
}

func TestSweepBatchesAcrossGroups(t *testing.T) {
	f := setup(t)
	f.net.SetPolicy(sim.Policy{FailLookups: true})
	x1 := f.peer(t, "x1")
	x2 := f.peer(t, "x2")

	g1 := f.group(t, x1.ID, x2.ID)
	_, err := f.res.HandleRequest(context.Background(), g1)
	require.NoError(t, err)
	gid2 := id.NewIdFromString("second", id.Group, t)
	g2 := transport.GroupInfo{ID: gid2, Name: "other", LeaderID: x1.ID, Members: []*id.ID{x1.ID}}
	f.net.AddGroup(g2)
	_, err = f.res.HandleRequest(context.Background(), g2)
	require.NoError(t, err)
	f.res.Wait()
	before := f.net.Calls().LookupIDs

	f.net.SetPolicy(sim.Policy{})
	s, err := NewSweeper(f.res, "@hourly", 100, 1)
	require.NoError(t, err)
	n, err := s.ResolvePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "x1 appears in both groups but is looked up once")
	assert.Equal(t, before+1, f.net.Calls().LookupIDs)
	assert.Equal(t, "x1", f.members(t, gid2)[*x1.ID].Username)
}

func TestSweepThrottlesBatches(t *testing.T) {
	f := setup(t)
	f.net.SetPolicy(sim.Policy{FailLookups: true})
	x1 := f.peer(t, "x1")
	x2 := f.peer(t, "x2")
	info := f.group(t, x1.ID, x2.ID)
	_, err := f.res.HandleRequest(context.Background(), info)
	require.NoError(t, err)
	f.res.Wait()
	before := f.net.Calls().LookupIDs

	f.net.SetPolicy(sim.Policy{})
	// One token every ~17 minutes: the first batch spends the burst and the
	// second cannot be admitted before the deadline.
	s, err := NewSweeper(f.res, "@hourly", 0.001, 1)
	require.NoError(t, err)
	s.batch = 1

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	n, err := s.ResolvePending(ctx)
	assert.Error(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, before+1, f.net.Calls().LookupIDs)

	pending := 0
	for _, m := range f.members(t, info.ID) {
		if m.Status == store.MemberPendingUsername {
			pending++
		}
	}
	assert.Equal(t, 1, pending, "the throttled batch stays pending for the next sweep")
}

func TestNewSweeperRejectsBadSchedule(t *testing.T) {
	f := setup(t)
	_, err := NewSweeper(f.res, "every minute", 1, 1)
	assert.Error(t, err)
}

func TestHandleRequestKeepsParticipation(t *testing.T) {
	f := setup(t)
	a1 := f.friend(t, "a1")
	info := f.group(t, a1.ID)

	g, err := f.res.Join(context.Background(), info.Serialized)
	require.NoError(t, err)
	assert.Equal(t, store.GroupParticipating, g.AuthStatus)

	g, err = f.res.HandleRequest(context.Background(), info)
	require.NoError(t, err)
	assert.Equal(t, store.GroupParticipating, g.AuthStatus)
}

func TestAccept(t *testing.T) {
	f := setup(t)
	a1 := f.friend(t, "a1")
	info := f.group(t, a1.ID)

	_, err := f.res.Accept(context.Background(), info.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.res.HandleRequest(context.Background(), info)
	require.NoError(t, err)
	g, err := f.res.Accept(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Equal(t, store.GroupParticipating, g.AuthStatus)

	_, err = f.res.Accept(context.Background(), info.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCreate(t *testing.T) {
	f := setup(t)
	a1 := f.friend(t, "a1")
	x1 := f.peer(t, "x1")

	require.ErrorIs(t, f.res.Create(context.Background(), "", []*id.ID{a1.ID}), ErrInvalidGroup)
	require.ErrorIs(t, f.res.Create(context.Background(), "crew", nil), ErrInvalidGroup)

	require.NoError(t, f.res.Create(context.Background(), "crew", []*id.ID{a1.ID, x1.ID}))
	f.res.Wait()

	groups, err := f.db.FetchGroups(store.GroupParticipating)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "crew", groups[0].Name)
	assert.True(t, groups[0].LeaderID.Cmp(f.self.ID))

	ms := f.members(t, groups[0].ID)
	require.Len(t, ms, 2)
	assert.Equal(t, store.MemberUsernameSet, ms[*x1.ID].Status)
}

func TestCreateFailureStoresNothing(t *testing.T) {
	f := setup(t)
	f.net.SetPolicy(sim.Policy{FailGroupOps: true})
	a1 := f.friend(t, "a1")

	require.NoError(t, f.res.Create(context.Background(), "crew", []*id.ID{a1.ID}))
	f.res.Wait()

	groups, err := f.db.FetchGroups()
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestLeave(t *testing.T) {
	f := setup(t)
	a1 := f.friend(t, "a1")
	info := f.group(t, a1.ID)
	_, err := f.res.Join(context.Background(), info.Serialized)
	require.NoError(t, err)

	require.NoError(t, f.res.Leave(context.Background(), info.ID))
	g, err := f.db.GetGroup(info.ID)
	require.NoError(t, err)
	assert.Nil(t, g)
	assert.Empty(t, f.members(t, info.ID))

	assert.ErrorIs(t, f.res.Leave(context.Background(), info.ID), ErrNotFound)
}
