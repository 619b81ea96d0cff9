package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Store change notifications, published on the store's own bus.
const (
	StoreContacts      = "store.contacts"
	StoreMessages      = "store.messages"
	StoreGroups        = "store.groups"
	StoreGroupMembers  = "store.group_members"
	StoreFileTransfers = "store.file_transfers"
)

// Domain events emitted by the engines.
const (
	ContactStatusChanged = "contact.status_changed"
	ContactDeleted       = "contact.deleted"
	MessageUpserted      = "message.upserted"
	MessageStatusChanged = "message.status_changed"
	GroupResolved        = "group.resolved"
	GroupMemberResolved  = "group.member_resolved"
	NetworkChanged       = "network.changed"
	DaemonStatusChanged  = "daemon.status_changed"
	NotificationPrefix   = "notification."
	RequestFailedNotice  = "notification.request_failed"
	ConfirmFailedNotice  = "notification.confirm_failed"
)

// Inbound transport events, published by the transport adapter and consumed
// by the inbound dispatcher.
const (
	XXRequest      = "xx.request"
	XXConfirm      = "xx.confirm"
	XXGroupRequest = "xx.group_request"
	XXMessage      = "xx.message"
	XXTransfer     = "xx.transfer"
)

// Notice is the payload of notification.* events: something the user should
// look at, such as a contact request that could not be sent.
type Notice struct {
	ID      string
	Subject string
	Detail  string
}
