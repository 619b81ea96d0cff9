// Package groups keeps local group and membership rows in line with the
// network. Members that are not yet contacts get placeholder rows whose
// usernames are filled in by one batched lookup per resolution.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

// PlaceholderUsername is shown for members whose username is being looked up.
const PlaceholderUsername = "Fetching..."

var (
	ErrNotFound = errors.New("group not found")
	// ErrInvalidState is returned when the group's status does not allow the
	// operation, such as accepting a group already joined.
	ErrInvalidState = errors.New("invalid group state")
	// ErrInvalidGroup is returned for malformed group parameters.
	ErrInvalidGroup = errors.New("invalid group")
)

// Network is the part of the transport the resolver needs.
type Network interface {
	transport.Groups
	LookupIDs(ctx context.Context, ids []*id.ID) (<-chan transport.Result[transport.BatchLookup], error)
}

// Resolver is the group membership resolver.
type Resolver struct {
	db      *store.DB
	net     Network
	self    *id.ID
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates a resolver for the local user self.
func New(db *store.DB, net Network, self *id.ID, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{
		db:      db,
		net:     net,
		self:    self,
		bus:     b,
		metrics: m,
		logger:  logger.Named("groups"),
	}
}

// Wait blocks until outstanding group creations and lookups have been
// applied.
func (r *Resolver) Wait() {
	r.wg.Wait()
}

func (r *Resolver) spawn(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

// Create asks the network for a new group. The group and its members are
// stored once the network answers.
func (r *Resolver) Create(ctx context.Context, name string, members []*id.ID) error {
	if name == "" {
		return fmt.Errorf("create group: empty name: %w", ErrInvalidGroup)
	}
	if len(members) == 0 {
		return fmt.Errorf("create group %q: no members: %w", name, ErrInvalidGroup)
	}
	ctx = context.WithoutCancel(ctx)
	pending := r.net.CreateGroup(ctx, name, members)
	r.spawn(func() {
		res := <-pending
		if res.Err != nil {
			r.logger.Warn("group creation failed", zap.Error(res.Err), zap.String("name", name))
			return
		}
		if _, err := r.resolve(ctx, res.Value, store.GroupParticipating); err != nil {
			r.logger.Error("failed to store created group", zap.Error(err), zap.String("name", name))
		}
	})
	return nil
}

// Join joins a group from its serialized form and resolves its members.
func (r *Resolver) Join(ctx context.Context, serialized []byte) (*store.Group, error) {
	if len(serialized) == 0 {
		return nil, fmt.Errorf("join group: %w", ErrInvalidGroup)
	}
	info, err := r.net.JoinGroup(ctx, serialized)
	if err != nil {
		return nil, fmt.Errorf("join group: %w", err)
	}
	return r.resolve(context.WithoutCancel(ctx), info, store.GroupParticipating)
}

// Accept joins a group we were invited to.
func (r *Resolver) Accept(ctx context.Context, gid *id.ID) (*store.Group, error) {
	g, err := r.db.GetGroup(gid)
	if err != nil {
		return nil, fmt.Errorf("accept group: %w", err)
	}
	if g == nil {
		return nil, fmt.Errorf("accept group %s: %w", gid, ErrNotFound)
	}
	if g.AuthStatus != store.GroupPending {
		return nil, fmt.Errorf("accept group %s (%s): %w", gid, g.AuthStatus, ErrInvalidState)
	}
	return r.Join(ctx, g.Serialized)
}

// HandleRequest stores a group we were invited to as pending. A group that
// is already known keeps its status.
func (r *Resolver) HandleRequest(ctx context.Context, info transport.GroupInfo) (*store.Group, error) {
	if info.ID == nil {
		return nil, fmt.Errorf("group request: %w", ErrInvalidGroup)
	}
	status := store.GroupPending
	existing, err := r.db.GetGroup(info.ID)
	if err != nil {
		return nil, fmt.Errorf("group request: %w", err)
	}
	if existing != nil {
		status = existing.AuthStatus
	}
	return r.resolve(context.WithoutCancel(ctx), info, status)
}

// Leave leaves a group and removes it with its members and messages.
func (r *Resolver) Leave(ctx context.Context, gid *id.ID) error {
	g, err := r.db.GetGroup(gid)
	if err != nil {
		return fmt.Errorf("leave group: %w", err)
	}
	if g == nil {
		return fmt.Errorf("leave group %s: %w", gid, ErrNotFound)
	}
	if err := r.net.LeaveGroup(ctx, gid); err != nil {
		return fmt.Errorf("leave group %s: %w", gid, err)
	}
	if err := r.db.DeleteGroup(gid); err != nil {
		return fmt.Errorf("leave group %s: %w", gid, err)
	}
	r.logger.Info("left group", zap.Stringer("group", gid))
	return nil
}

// resolve stores the group, reconciles its membership against known
// contacts and issues one batched lookup for the members that are not.
func (r *Resolver) resolve(ctx context.Context, info transport.GroupInfo, status store.GroupStatus) (*store.Group, error) {
	g := &store.Group{
		ID:         info.ID,
		Name:       info.Name,
		LeaderID:   info.LeaderID,
		CreatedAt:  info.CreatedAt.UnixMilli(),
		AuthStatus: status,
		Serialized: info.Serialized,
	}
	if g.CreatedAt <= 0 {
		g.CreatedAt = time.Now().UnixMilli()
	}
	if err := r.db.SaveGroup(g); err != nil {
		return nil, fmt.Errorf("save group: %w", err)
	}

	members, err := r.net.Membership(ctx, info.ID)
	if err != nil {
		r.logger.Warn("membership enumeration failed, using announced members",
			zap.Error(err), zap.Stringer("group", info.ID))
		members = info.Members
	}
	members = r.withoutSelf(members)

	known, err := r.db.FetchContacts(store.ContactQuery{IDs: members, AuthStatus: store.KnownStatuses})
	if err != nil {
		return nil, fmt.Errorf("fetch known members: %w", err)
	}
	isKnown := make(map[id.ID]bool, len(known))
	for _, c := range known {
		isKnown[*c.ID] = true
		if err := r.db.SaveGroupMember(&store.GroupMember{
			GroupID:   g.ID,
			ContactID: c.ID,
			Status:    store.MemberUsernameSet,
			Username:  c.Username,
			Photo:     c.Photo,
		}); err != nil {
			return nil, fmt.Errorf("save member: %w", err)
		}
	}

	var unknown []*id.ID
	for _, uid := range members {
		if isKnown[*uid] {
			continue
		}
		if _, err := r.db.UpsertContact(uid, func(c *store.Contact, found bool) error {
			if found {
				return store.ErrSkipUpdate
			}
			c.Username = PlaceholderUsername
			return nil
		}); err != nil && !errors.Is(err, store.ErrSkipUpdate) {
			return nil, fmt.Errorf("save placeholder contact: %w", err)
		}
		if err := r.db.SaveGroupMember(&store.GroupMember{
			GroupID:   g.ID,
			ContactID: uid,
			Status:    store.MemberPendingUsername,
			Username:  PlaceholderUsername,
		}); err != nil {
			return nil, fmt.Errorf("save member: %w", err)
		}
		unknown = append(unknown, uid)
	}

	r.logger.Info("group resolved", zap.Stringer("group", g.ID), zap.String("status", string(status)),
		zap.Int("known", len(known)), zap.Int("unknown", len(unknown)))
	r.bus.Emit(bus.GroupResolved, g.ID)

	if len(unknown) > 0 {
		pending, err := r.net.LookupIDs(ctx, unknown)
		if err != nil {
			r.logger.Warn("batched member lookup not issued", zap.Error(err), zap.Stringer("group", g.ID))
			return g, nil
		}
		r.spawn(func() {
			r.applyLookup(<-pending)
		})
	}
	return g, nil
}

func (r *Resolver) withoutSelf(ids []*id.ID) []*id.ID {
	out := make([]*id.ID, 0, len(ids))
	seen := make(map[id.ID]bool, len(ids))
	for _, uid := range ids {
		if uid == nil || (r.self != nil && uid.Cmp(r.self)) || seen[*uid] {
			continue
		}
		seen[*uid] = true
		out = append(out, uid)
	}
	return out
}

// applyLookup records the usernames a batched lookup resolved. Failed ids
// stay pendingUsername.
func (r *Resolver) applyLookup(res transport.Result[transport.BatchLookup]) {
	if res.Err != nil {
		r.logger.Warn("batched member lookup failed", zap.Error(res.Err))
		return
	}
	batch := res.Value
	r.metrics.Lookup(len(batch.Resolved), len(batch.FailedIDs))

	for _, ident := range batch.Resolved {
		if ident.ID == nil || ident.Username == "" {
			continue
		}
		if _, err := r.db.UpdateContact(ident.ID, func(c *store.Contact) error {
			if c.AuthStatus != store.Stranger {
				return store.ErrSkipUpdate
			}
			c.Username = ident.Username
			if len(c.Marshaled) == 0 {
				c.Marshaled = ident.Marshaled
			}
			return nil
		}); err != nil && !errors.Is(err, store.ErrSkipUpdate) {
			r.logger.Error("failed to update placeholder contact", zap.Error(err), zap.Stringer("contact", ident.ID))
		}
		if _, err := r.db.ResolveMember(ident.ID, ident.Username); err != nil {
			r.logger.Error("failed to resolve member", zap.Error(err), zap.Stringer("contact", ident.ID))
			continue
		}
		r.bus.Emit(bus.GroupMemberResolved, ident.ID)
	}
	if len(batch.FailedIDs) > 0 {
		r.logger.Info("members left unresolved", zap.Int("count", len(batch.FailedIDs)))
	}
}
