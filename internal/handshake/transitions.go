package handshake

import (
	"slices"

	"github.com/xxmessenger/courier/internal/store"
)

// validTransitions lists the authStatus edges the engine may take. The soft
// reset to stranger performed by Delete is allowed from every status and is
// not listed. requesting -> friend covers a peer confirming before our own
// request callback lands. The verification statuses have no friend edge: a
// peer is trusted only once its identity check passed.
var validTransitions = map[store.AuthStatus][]store.AuthStatus{
	store.Stranger:               {store.Requesting, store.VerificationInProgress},
	store.Requesting:             {store.Requested, store.RequestFailed, store.Friend},
	store.Requested:              {store.Confirming, store.Friend},
	store.RequestFailed:          {store.Requesting, store.Requested, store.Friend},
	store.Confirming:             {store.Friend, store.ConfirmationFailed},
	store.ConfirmationFailed:     {store.Requesting, store.Confirming, store.Friend},
	store.VerificationInProgress: {store.Verified, store.VerificationFailed},
	store.Verified:               {store.Confirming, store.Friend},
	store.VerificationFailed:     {store.VerificationInProgress},
	store.Friend:                 {},
}

// canTransition reports whether from -> to is a valid edge. Staying in the
// same status is always allowed.
func canTransition(from, to store.AuthStatus) bool {
	return from == to || slices.Contains(validTransitions[from], to)
}

// In-flight statuses and the failed status each one is demoted to when its
// callback can no longer arrive.
var inFlight = map[store.AuthStatus]store.AuthStatus{
	store.Requesting:             store.RequestFailed,
	store.Confirming:             store.ConfirmationFailed,
	store.VerificationInProgress: store.VerificationFailed,
}

// FailureFor returns the failed counterpart of an in-flight status.
func FailureFor(s store.AuthStatus) (store.AuthStatus, bool) {
	to, ok := inFlight[s]
	return to, ok
}

// InFlightStatuses returns the statuses whose completion is owned by a live
// callback.
func InFlightStatuses() []store.AuthStatus {
	return []store.AuthStatus{store.Requesting, store.Confirming, store.VerificationInProgress}
}

// Statuses an existing row may be in for Add to reuse it.
var reusable = []store.AuthStatus{store.Stranger, store.RequestFailed, store.ConfirmationFailed}

// Statuses Confirm accepts.
var confirmable = []store.AuthStatus{store.Requested, store.ConfirmationFailed, store.Verified}
