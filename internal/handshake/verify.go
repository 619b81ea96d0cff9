package handshake

import (
	"context"
	"fmt"
	"slices"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/elixxir/primitives/fact"
	"go.uber.org/zap"
)

// Verify checks an incoming contact request. The requester is looked up by
// a published email or phone fact when there is one, otherwise by id, and
// the claimed identity is checked against the lookup result: a match
// becomes verified, a mismatch removes the row, a failed lookup becomes
// verificationFailed.
func (e *Engine) Verify(ctx context.Context, req transport.RequestReceived) (*store.Contact, error) {
	claim := req.Requester
	if claim.ID == nil {
		return nil, fmt.Errorf("verify: %w", ErrMissingIdentity)
	}

	var prev store.AuthStatus
	c, err := e.db.UpsertContact(claim.ID, func(c *store.Contact, found bool) error {
		if found && !slices.Contains([]store.AuthStatus{store.Stranger, store.VerificationFailed}, c.AuthStatus) {
			return fmt.Errorf("verify %s (%s): %w", claim.ID, c.AuthStatus, ErrInvalidState)
		}
		applyIdentity(c, claim)
		prev = c.AuthStatus
		c.AuthStatus = store.VerificationInProgress
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitStatus(c.ID, prev, store.VerificationInProgress)

	pending, err := e.lookupRequester(ctx, req)
	if err != nil {
		e.logger.Warn("cannot look up requester", zap.Error(err), zap.Stringer("contact", claim.ID))
		e.metrics.Handshake("verify", "failed")
		e.advance(claim.ID, []store.AuthStatus{store.VerificationInProgress}, store.VerificationFailed, nil)
		return c, nil
	}

	e.spawn(func() {
		res := <-pending
		from := []store.AuthStatus{store.VerificationInProgress}
		if res.Err != nil {
			e.logger.Warn("requester lookup failed", zap.Error(res.Err), zap.Stringer("contact", claim.ID))
			e.metrics.Handshake("verify", "failed")
			e.advance(claim.ID, from, store.VerificationFailed, nil)
			return
		}

		if !e.net.VerifyOwnership(claim.Marshaled, res.Value) {
			e.metrics.Handshake("verify", "mismatch")
			n, err := e.db.DeleteContactInStatus(claim.ID, store.VerificationInProgress)
			if err != nil {
				e.logger.Error("failed to remove unverified contact", zap.Error(err), zap.Stringer("contact", claim.ID))
				return
			}
			if n > 0 {
				e.logger.Warn("request identity mismatch, contact removed", zap.Stringer("contact", claim.ID))
				e.bus.Emit(bus.ContactDeleted, claim.ID)
			}
			return
		}

		e.metrics.Handshake("verify", "ok")
		e.advance(claim.ID, from, store.Verified, func(c *store.Contact) {
			if c.Username == "" {
				c.Username = res.Value.Username
			}
		})
	})
	return c, nil
}

// lookupRequester issues the lookup for a request, preferring an email or
// phone fact over the id. A malformed fact means no lookup can be issued.
func (e *Engine) lookupRequester(ctx context.Context, req transport.RequestReceived) (<-chan transport.Result[transport.Identity], error) {
	ctx = context.WithoutCancel(ctx)
	for _, f := range req.Facts {
		if f.T != fact.Email && f.T != fact.Phone {
			continue
		}
		valid, err := fact.NewFact(f.T, f.Fact)
		if err != nil {
			return nil, fmt.Errorf("requester fact %q: %w", f.Fact, err)
		}
		return e.net.LookupFact(ctx, valid)
	}
	return e.net.LookupID(ctx, req.Requester.ID)
}
