// Package sim is an in-memory xx network. It backs the daemon's development
// mode and the engine tests: peers and groups are registered up front,
// failures are injected through Policy, and inbound traffic is published on
// the bus as xx.* events.
package sim

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/elixxir/primitives/fact"
	"gitlab.com/xx_network/primitives/id"
)

// ErrUnknownPeer is returned for lookups of identities the network has
// never seen.
var ErrUnknownPeer = errors.New("unknown peer")

// ErrRejected is delivered when Policy makes an operation fail.
var ErrRejected = errors.New("rejected by network")

// Policy controls how the simulated network answers.
type Policy struct {
	RejectRequests bool
	RejectConfirms bool
	FailLookups    bool
	FailSends      bool
	FailGroupOps   bool
	// Outcome is reported for every awaited round unless HoldRounds is set.
	Outcome transport.RoundOutcome
	// HoldRounds parks round watchers until ResolveRound or their timeout.
	HoldRounds bool
	// Manual parks every asynchronous completion until Release is called.
	Manual bool
}

// Calls counts the operations the network has been asked to perform.
type Calls struct {
	AddContact     int
	ConfirmContact int
	RemoveContact  int
	LookupID       int
	LookupFact     int
	LookupIDs      int
	Send           int
	SendGroup      int
}

type roundWaiter struct {
	once sync.Once
	ch   chan transport.RoundOutcome
}

func (w *roundWaiter) deliver(o transport.RoundOutcome) {
	w.once.Do(func() { w.ch <- o })
}

// Network is the simulated transport.
type Network struct {
	mu       sync.Mutex
	self     transport.Identity
	peers    map[id.ID]transport.Identity
	groups   map[id.ID]transport.GroupInfo
	policy   Policy
	calls    Calls
	pending  []func()
	round    id.Round
	rounds   map[id.Round][]*roundWaiter
	resolved map[id.Round]transport.RoundOutcome
	status   transport.NetworkStatus
	watchers map[int]chan transport.NetworkStatus
	nextW    int
	bus      *bus.Bus
}

// New creates a network where self is the local identity. Inbound events
// are published on b. The network starts unavailable.
func New(self transport.Identity, b *bus.Bus) *Network {
	return &Network{
		self:     self,
		peers:    make(map[id.ID]transport.Identity),
		groups:   make(map[id.ID]transport.GroupInfo),
		policy:   Policy{Outcome: transport.RoundOutcome{Delivered: true}},
		rounds:   make(map[id.Round][]*roundWaiter),
		resolved: make(map[id.Round]transport.RoundOutcome),
		status:   transport.Unavailable,
		watchers: make(map[int]chan transport.NetworkStatus),
		bus:      b,
	}
}

// NewIdentity builds a random user identity with the given username.
func NewIdentity(username string) (transport.Identity, error) {
	uid, err := id.NewRandomID(rand.Reader, id.User)
	if err != nil {
		return transport.Identity{}, fmt.Errorf("generate id: %w", err)
	}
	return transport.Identity{
		ID:        uid,
		Marshaled: append([]byte("xx:"), uid.Marshal()...),
		Username:  username,
	}, nil
}

// Register makes a peer discoverable by id and by its facts.
func (n *Network) Register(peers ...transport.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, p := range peers {
		n.peers[*p.ID] = p
	}
}

// SetPolicy replaces the answering policy.
func (n *Network) SetPolicy(p Policy) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.policy = p
}

// Calls returns a snapshot of the call counters.
func (n *Network) Calls() Calls {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.calls
}

// Pending returns the number of parked completions.
func (n *Network) Pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending)
}

// Release runs every parked completion.
func (n *Network) Release() {
	n.mu.Lock()
	parked := n.pending
	n.pending = nil
	n.mu.Unlock()
	for _, fn := range parked {
		go fn()
	}
}

// async runs fn on a background goroutine, or parks it in Manual mode.
// Callers hold n.mu.
func (n *Network) async(fn func()) {
	if n.policy.Manual {
		n.pending = append(n.pending, fn)
		return
	}
	go fn()
}

func (n *Network) Self() transport.Identity {
	return n.self
}

func (n *Network) AddContact(_ context.Context, remote transport.Identity) <-chan error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.AddContact++
	reject := n.policy.RejectRequests
	ch := make(chan error, 1)
	n.async(func() {
		if reject {
			ch <- fmt.Errorf("request to %s: %w", remote.ID, ErrRejected)
			return
		}
		ch <- nil
	})
	return ch
}

func (n *Network) ConfirmContact(_ context.Context, remote transport.Identity) <-chan error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.ConfirmContact++
	reject := n.policy.RejectConfirms
	ch := make(chan error, 1)
	n.async(func() {
		if reject {
			ch <- fmt.Errorf("confirm %s: %w", remote.ID, ErrRejected)
			return
		}
		ch <- nil
	})
	return ch
}

func (n *Network) RemoveContact(_ context.Context, _ *id.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.RemoveContact++
	return nil
}

func (n *Network) LookupID(_ context.Context, uid *id.ID) (<-chan transport.Result[transport.Identity], error) {
	if uid == nil {
		return nil, errors.New("lookup: nil id")
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.LookupID++
	peer, ok := n.peers[*uid]
	fail := n.policy.FailLookups
	ch := make(chan transport.Result[transport.Identity], 1)
	n.async(func() {
		switch {
		case fail:
			ch <- transport.Result[transport.Identity]{Err: ErrRejected}
		case !ok:
			ch <- transport.Result[transport.Identity]{Err: ErrUnknownPeer}
		default:
			ch <- transport.Result[transport.Identity]{Value: peer}
		}
	})
	return ch, nil
}

func (n *Network) LookupFact(_ context.Context, f fact.Fact) (<-chan transport.Result[transport.Identity], error) {
	if _, err := fact.NewFact(f.T, f.Fact); err != nil {
		return nil, fmt.Errorf("lookup fact: %w", err)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.LookupFact++
	var found *transport.Identity
	for _, p := range n.peers {
		if matchFact(p, f) {
			p := p
			found = &p
			break
		}
	}
	fail := n.policy.FailLookups
	ch := make(chan transport.Result[transport.Identity], 1)
	n.async(func() {
		switch {
		case fail:
			ch <- transport.Result[transport.Identity]{Err: ErrRejected}
		case found == nil:
			ch <- transport.Result[transport.Identity]{Err: ErrUnknownPeer}
		default:
			ch <- transport.Result[transport.Identity]{Value: *found}
		}
	})
	return ch, nil
}

func matchFact(p transport.Identity, f fact.Fact) bool {
	switch f.T {
	case fact.Username:
		return p.Username == f.Fact
	case fact.Email:
		return p.Email == f.Fact
	case fact.Phone:
		return p.Phone == f.Fact
	}
	return false
}

func (n *Network) LookupIDs(_ context.Context, ids []*id.ID) (<-chan transport.Result[transport.BatchLookup], error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.LookupIDs++
	var batch transport.BatchLookup
	for _, uid := range ids {
		if p, ok := n.peers[*uid]; ok && !n.policy.FailLookups {
			batch.Resolved = append(batch.Resolved, p)
		} else {
			batch.FailedIDs = append(batch.FailedIDs, uid)
		}
	}
	ch := make(chan transport.Result[transport.BatchLookup], 1)
	n.async(func() {
		ch <- transport.Result[transport.BatchLookup]{Value: batch}
	})
	return ch, nil
}

// VerifyOwnership accepts the claim when it matches the registered blob.
func (n *Network) VerifyOwnership(claimed []byte, looked transport.Identity) bool {
	return len(claimed) > 0 && bytes.Equal(claimed, looked.Marshaled)
}

func (n *Network) Send(_ context.Context, _ []byte, recipient *id.ID) (transport.DeliveryReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.Send++
	if n.policy.FailSends {
		return transport.DeliveryReport{}, fmt.Errorf("send to %s: %w", recipient, ErrRejected)
	}
	return n.report(), nil
}

func (n *Network) SendGroup(_ context.Context, _ []byte, group *id.ID) (transport.DeliveryReport, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls.SendGroup++
	if n.policy.FailSends {
		return transport.DeliveryReport{}, fmt.Errorf("send to group %s: %w", group, ErrRejected)
	}
	return n.report(), nil
}

func (n *Network) report() transport.DeliveryReport {
	n.round++
	nid := uuid.New()
	return transport.DeliveryReport{
		NetworkID: nid[:],
		Timestamp: time.Now(),
		Round: transport.RoundRef{
			ID:  n.round,
			URL: fmt.Sprintf("https://dashboard.xx.network/rounds/%d", n.round),
		},
	}
}

func (n *Network) AwaitRoundOutcome(round transport.RoundRef, timeout time.Duration) <-chan transport.RoundOutcome {
	n.mu.Lock()
	defer n.mu.Unlock()
	w := &roundWaiter{ch: make(chan transport.RoundOutcome, 1)}
	if !n.policy.HoldRounds {
		outcome := n.policy.Outcome
		n.async(func() { w.deliver(outcome) })
		return w.ch
	}
	if outcome, ok := n.resolved[round.ID]; ok {
		w.deliver(outcome)
		return w.ch
	}
	n.rounds[round.ID] = append(n.rounds[round.ID], w)
	if timeout > 0 {
		time.AfterFunc(timeout, func() {
			w.deliver(transport.RoundOutcome{TimedOut: true})
		})
	}
	return w.ch
}

// ResolveRound reports outcome to every watcher of a held round, including
// watchers that register later.
func (n *Network) ResolveRound(round id.Round, outcome transport.RoundOutcome) {
	n.mu.Lock()
	waiters := n.rounds[round]
	delete(n.rounds, round)
	n.resolved[round] = outcome
	n.mu.Unlock()
	for _, w := range waiters {
		w.deliver(outcome)
	}
}

// LastRound returns the most recently scheduled round.
func (n *Network) LastRound() id.Round {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.round
}

func (n *Network) CreateGroup(_ context.Context, name string, members []*id.ID) <-chan transport.Result[transport.GroupInfo] {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan transport.Result[transport.GroupInfo], 1)
	if n.policy.FailGroupOps {
		n.async(func() { ch <- transport.Result[transport.GroupInfo]{Err: ErrRejected} })
		return ch
	}
	gid, err := id.NewRandomID(rand.Reader, id.Group)
	if err != nil {
		ch <- transport.Result[transport.GroupInfo]{Err: err}
		return ch
	}
	info := transport.GroupInfo{
		ID:         gid,
		Name:       name,
		LeaderID:   n.self.ID,
		CreatedAt:  time.Now(),
		Members:    append([]*id.ID{n.self.ID}, members...),
		Serialized: gid.Marshal(),
	}
	n.groups[*gid] = info
	n.async(func() { ch <- transport.Result[transport.GroupInfo]{Value: info} })
	return ch
}

func (n *Network) JoinGroup(_ context.Context, serialized []byte) (transport.GroupInfo, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.policy.FailGroupOps {
		return transport.GroupInfo{}, ErrRejected
	}
	gid, err := id.Unmarshal(serialized)
	if err != nil {
		return transport.GroupInfo{}, fmt.Errorf("join group: %w", err)
	}
	info, ok := n.groups[*gid]
	if !ok {
		return transport.GroupInfo{}, fmt.Errorf("join group %s: unknown group", gid)
	}
	return info, nil
}

func (n *Network) LeaveGroup(_ context.Context, group *id.ID) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.policy.FailGroupOps {
		return ErrRejected
	}
	delete(n.groups, *group)
	return nil
}

func (n *Network) Membership(_ context.Context, group *id.ID) ([]*id.ID, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	info, ok := n.groups[*group]
	if !ok {
		return nil, fmt.Errorf("membership of %s: unknown group", group)
	}
	return append([]*id.ID(nil), info.Members...), nil
}

// AddGroup registers a group so it can be joined or enumerated.
func (n *Network) AddGroup(info transport.GroupInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if info.Serialized == nil {
		info.Serialized = info.ID.Marshal()
	}
	n.groups[*info.ID] = info
}

func (n *Network) NetworkStatus(ctx context.Context) <-chan transport.NetworkStatus {
	ch := make(chan transport.NetworkStatus, 8)
	n.mu.Lock()
	key := n.nextW
	n.nextW++
	n.watchers[key] = ch
	ch <- n.status
	n.mu.Unlock()

	go func() {
		<-ctx.Done()
		n.mu.Lock()
		delete(n.watchers, key)
		n.mu.Unlock()
	}()
	return ch
}

// SetStatus changes connectivity and notifies every watcher.
func (n *Network) SetStatus(s transport.NetworkStatus) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.status == s {
		return
	}
	n.status = s
	for _, ch := range n.watchers {
		select {
		case ch <- s:
		default:
		}
	}
}

// InjectRequest simulates an incoming contact request.
func (n *Network) InjectRequest(requester transport.Identity, facts ...fact.Fact) {
	n.bus.Emit(bus.XXRequest, transport.RequestReceived{Requester: requester, Facts: facts})
}

// InjectConfirm simulates a peer accepting our request.
func (n *Network) InjectConfirm(partner *id.ID) {
	n.bus.Emit(bus.XXConfirm, transport.ConfirmReceived{Partner: partner})
}

// InjectGroupRequest registers the group and simulates an invitation.
func (n *Network) InjectGroupRequest(info transport.GroupInfo) {
	n.AddGroup(info)
	n.bus.Emit(bus.XXGroupRequest, transport.GroupRequestReceived{Group: info})
}

// InjectMessage simulates an incoming message.
func (n *Network) InjectMessage(msg transport.MessageReceived) {
	if msg.NetworkID == nil {
		nid := uuid.New()
		msg.NetworkID = nid[:]
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	n.bus.Emit(bus.XXMessage, msg)
}

// InjectTransfer simulates file transfer progress.
func (n *Network) InjectTransfer(p transport.TransferProgress) {
	n.bus.Emit(bus.XXTransfer, p)
}

var _ transport.Transport = (*Network)(nil)
