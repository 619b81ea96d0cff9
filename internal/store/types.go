package store

import "gitlab.com/xx_network/primitives/id"

// AuthStatus is the handshake state of a contact.
type AuthStatus string

const (
	Stranger               AuthStatus = "stranger"
	Requesting             AuthStatus = "requesting"
	Requested              AuthStatus = "requested"
	RequestFailed          AuthStatus = "requestFailed"
	Confirming             AuthStatus = "confirming"
	ConfirmationFailed     AuthStatus = "confirmationFailed"
	Friend                 AuthStatus = "friend"
	VerificationInProgress AuthStatus = "verificationInProgress"
	Verified               AuthStatus = "verified"
	VerificationFailed     AuthStatus = "verificationFailed"
)

// KnownStatuses lists every status except Stranger.
var KnownStatuses = []AuthStatus{
	Requesting, Requested, RequestFailed,
	Confirming, ConfirmationFailed, Friend,
	VerificationInProgress, Verified, VerificationFailed,
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	Sending         MessageStatus = "sending"
	Sent            MessageStatus = "sent"
	SendingFailed   MessageStatus = "sendingFailed"
	SendingTimedOut MessageStatus = "sendingTimedOut"
	Receiving       MessageStatus = "receiving"
	Received        MessageStatus = "received"
	ReceivingFailed MessageStatus = "receivingFailed"
)

// GroupStatus is the local participation state of a group.
type GroupStatus string

const (
	GroupPending       GroupStatus = "pending"
	GroupParticipating GroupStatus = "participating"
)

// MemberStatus tells whether a group member's username is known.
type MemberStatus string

const (
	MemberPendingUsername MemberStatus = "pendingUsername"
	MemberUsernameSet     MemberStatus = "usernameSet"
)

// HandshakeKind names the transport call recorded in the handshake outbox.
type HandshakeKind string

const (
	HandshakeRequest HandshakeKind = "request"
	HandshakeConfirm HandshakeKind = "confirm"
)

// OutboxStatus tracks a handshake outbox entry.
type OutboxStatus string

const (
	OutboxQueued  OutboxStatus = "queued"
	OutboxSending OutboxStatus = "sending"
	OutboxSent    OutboxStatus = "sent"
	OutboxFailed  OutboxStatus = "failed"
)

// Contact is a peer identity and its handshake state.
type Contact struct {
	ID         *id.ID
	Marshaled  []byte
	Username   string
	Email      string
	Phone      string
	Nickname   string
	Photo      []byte
	AuthStatus AuthStatus
	IsRecent   bool
	IsBlocked  bool
	IsBanned   bool
	CreatedAt  int64
}

// Message is a direct or group message. Exactly one of RecipientID and
// GroupID is set.
type Message struct {
	ID             int64
	NetworkID      []byte
	SenderID       *id.ID
	RecipientID    *id.ID
	GroupID        *id.ID
	Date           int64
	Status         MessageStatus
	Text           string
	ReplyMessageID []byte
	RoundID        uint64
	RoundURL       string
	FileTransferID []byte
	Attempt        int
	IsUnread       bool
}

// IsGroup reports whether the message belongs to a group conversation.
func (m *Message) IsGroup() bool {
	return m.GroupID != nil
}

// Group is a group chat the local user was invited to or participates in.
type Group struct {
	ID         *id.ID
	Name       string
	LeaderID   *id.ID
	CreatedAt  int64
	AuthStatus GroupStatus
	Serialized []byte
}

// GroupMember links a contact id to a group.
type GroupMember struct {
	GroupID   *id.ID
	ContactID *id.ID
	Status    MemberStatus
	Username  string
	Photo     []byte
}

// FileTransfer tracks an incoming or outgoing file.
type FileTransfer struct {
	ID         []byte
	ContactID  *id.ID
	Name       string
	Type       string
	Progress   float64
	Failed     bool
	IsIncoming bool
	CreatedAt  int64
}

// Done reports whether the transfer reached a terminal state.
func (ft *FileTransfer) Done() bool {
	return ft.Failed || ft.Progress >= 1
}

// HandshakeEntry is a handshake transport call recorded in the outbox.
type HandshakeEntry struct {
	ID           int64
	ContactID    *id.ID
	Kind         HandshakeKind
	Status       OutboxStatus
	ErrorMessage string
	CreatedAt    int64
}

// ContactQuery filters FetchContacts. Zero fields match everything.
type ContactQuery struct {
	IDs        []*id.ID
	AuthStatus []AuthStatus
	Username   string
	IsRecent   *bool
}

// MessageQuery filters FetchMessages and DeleteMessages.
type MessageQuery struct {
	Status []MessageStatus
	// Conversation selects direct messages exchanged with this contact.
	Conversation   *id.ID
	GroupID        *id.ID
	FileTransferID []byte
	Limit          int
}

// MemberQuery filters FetchGroupMembers.
type MemberQuery struct {
	GroupID *id.ID
	Status  []MemberStatus
}

// TransferQuery filters FetchFileTransfers.
type TransferQuery struct {
	ContactID *id.ID
	Incoming  *bool
}
