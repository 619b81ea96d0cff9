// Package transport declares the narrow xx network capability consumed by
// the engines. Every asynchronous call completes through a buffered channel
// that receives exactly one value, from whatever goroutine the network uses.
package transport

import (
	"context"
	"time"

	"gitlab.com/elixxir/primitives/fact"
	"gitlab.com/xx_network/primitives/id"
)

// Identity is a peer's public identity as known to the network.
type Identity struct {
	ID        *id.ID
	Marshaled []byte
	Username  string
	Email     string
	Phone     string
}

// Result is the single value delivered by an asynchronous lookup.
type Result[T any] struct {
	Value T
	Err   error
}

// RoundRef identifies the round a payload was scheduled into.
type RoundRef struct {
	ID  id.Round
	URL string
}

// DeliveryReport is returned when the network accepts a payload for sending.
type DeliveryReport struct {
	NetworkID []byte
	Timestamp time.Time
	Round     RoundRef
}

// RoundOutcome reports whether a round carried the payload.
type RoundOutcome struct {
	Delivered bool
	TimedOut  bool
}

// BatchLookup is the outcome of a multi-id lookup. Partial success is
// normal: ids that could not be resolved are listed in FailedIDs.
type BatchLookup struct {
	Resolved  []Identity
	FailedIDs []*id.ID
}

// GroupInfo describes a group as the network reports it.
type GroupInfo struct {
	ID         *id.ID
	Name       string
	LeaderID   *id.ID
	CreatedAt  time.Time
	Members    []*id.ID
	Serialized []byte
}

// NetworkStatus is the health of the connection to the network.
type NetworkStatus string

const (
	Unavailable NetworkStatus = "unavailable"
	Available   NetworkStatus = "available"
)

// Identities covers the handshake and lookup operations.
type Identities interface {
	Self() Identity
	AddContact(ctx context.Context, remote Identity) <-chan error
	ConfirmContact(ctx context.Context, remote Identity) <-chan error
	RemoveContact(ctx context.Context, remote *id.ID) error
	// The Lookup* calls return an error when the lookup cannot be issued.
	LookupID(ctx context.Context, uid *id.ID) (<-chan Result[Identity], error)
	LookupFact(ctx context.Context, f fact.Fact) (<-chan Result[Identity], error)
	LookupIDs(ctx context.Context, ids []*id.ID) (<-chan Result[BatchLookup], error)
	// VerifyOwnership checks a claimed identity blob against a looked-up one.
	VerifyOwnership(claimed []byte, looked Identity) bool
}

// Messaging sends payloads and reports per-round outcomes.
type Messaging interface {
	Send(ctx context.Context, payload []byte, recipient *id.ID) (DeliveryReport, error)
	SendGroup(ctx context.Context, payload []byte, group *id.ID) (DeliveryReport, error)
	AwaitRoundOutcome(round RoundRef, timeout time.Duration) <-chan RoundOutcome
}

// Groups manages group membership on the network.
type Groups interface {
	CreateGroup(ctx context.Context, name string, members []*id.ID) <-chan Result[GroupInfo]
	JoinGroup(ctx context.Context, serialized []byte) (GroupInfo, error)
	LeaveGroup(ctx context.Context, group *id.ID) error
	Membership(ctx context.Context, group *id.ID) ([]*id.ID, error)
}

// Network streams connectivity changes. The current status is delivered
// first.
type Network interface {
	NetworkStatus(ctx context.Context) <-chan NetworkStatus
}

// Transport is the full capability.
type Transport interface {
	Identities
	Messaging
	Groups
	Network
}

// RequestReceived is published as bus.XXRequest when a peer asks to become
// a contact.
type RequestReceived struct {
	Requester Identity
	Facts     []fact.Fact
}

// ConfirmReceived is published as bus.XXConfirm when a peer accepts our
// request.
type ConfirmReceived struct {
	Partner *id.ID
}

// GroupRequestReceived is published as bus.XXGroupRequest when we are
// invited to a group.
type GroupRequestReceived struct {
	Group GroupInfo
}

// MessageReceived is published as bus.XXMessage. GroupID is set for group
// messages.
type MessageReceived struct {
	NetworkID []byte
	Sender    *id.ID
	GroupID   *id.ID
	Payload   []byte
	Timestamp time.Time
	Round     RoundRef
}

// TransferProgress is published as bus.XXTransfer.
type TransferProgress struct {
	TransferID []byte
	Progress   float64
	Failed     bool
}
