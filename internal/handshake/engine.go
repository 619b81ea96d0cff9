// Package handshake drives contacts through the request, confirm and verify
// exchanges. Calls return once the optimistic status is persisted; transport
// outcomes land later as terminal statuses observed through the store.
package handshake

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/metrics"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
)

// StatusChange is the payload of bus.ContactStatusChanged events.
type StatusChange struct {
	ContactID *id.ID
	From      store.AuthStatus
	To        store.AuthStatus
}

// Engine is the contact handshake engine.
type Engine struct {
	db      *store.DB
	net     transport.Identities
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger
	wg      sync.WaitGroup
}

// New creates a handshake engine.
func New(db *store.DB, net transport.Identities, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:      db,
		net:     net,
		bus:     b,
		metrics: m,
		logger:  logger.Named("handshake"),
	}
}

// Wait blocks until every outstanding transport completion has been handled.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Add sends a contact request to remote. A row left in stranger or a failed
// status is reused; any other existing row is rejected.
func (e *Engine) Add(ctx context.Context, remote transport.Identity) (*store.Contact, error) {
	if remote.ID == nil {
		return nil, fmt.Errorf("add contact: %w", ErrMissingIdentity)
	}
	self := e.net.Self()
	if (remote.Username != "" && remote.Username == self.Username) || (self.ID != nil && remote.ID.Cmp(self.ID)) {
		return nil, fmt.Errorf("add contact %s: cannot add yourself: %w", remote.ID, ErrInvalidOperation)
	}

	var prev store.AuthStatus
	c, err := e.db.UpsertContact(remote.ID, func(c *store.Contact, found bool) error {
		if found && !slices.Contains(reusable, c.AuthStatus) {
			return fmt.Errorf("add contact %s (%s): %w", remote.ID, c.AuthStatus, ErrAlreadyRequested)
		}
		applyIdentity(c, remote)
		if len(c.Marshaled) == 0 {
			return fmt.Errorf("add contact %s: %w", remote.ID, ErrMissingIdentity)
		}
		prev = c.AuthStatus
		c.AuthStatus = store.Requesting
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.emitStatus(c.ID, prev, store.Requesting)

	e.request(ctx, c, []store.AuthStatus{store.Requesting})
	return c, nil
}

// RetryRequest re-sends the request for a contact in requestFailed. Success
// moves it to requested; failure keeps requestFailed and refreshes its
// creation time.
func (e *Engine) RetryRequest(ctx context.Context, uid *id.ID) (*store.Contact, error) {
	c, err := e.db.GetContact(uid)
	if err != nil {
		return nil, fmt.Errorf("retry request: %w", err)
	}
	if c == nil {
		return nil, fmt.Errorf("retry request %s: %w", uid, ErrNotFound)
	}
	if c.AuthStatus != store.RequestFailed {
		return nil, fmt.Errorf("retry request %s (%s): %w", uid, c.AuthStatus, ErrInvalidState)
	}
	if len(c.Marshaled) == 0 {
		return nil, fmt.Errorf("retry request %s: %w", uid, ErrMissingIdentity)
	}

	e.request(ctx, c, []store.AuthStatus{store.RequestFailed})
	return c, nil
}

// request issues AddContact and settles the contact when it completes. The
// outcome is only applied while the contact is still in one of from.
func (e *Engine) request(ctx context.Context, c *store.Contact, from []store.AuthStatus) {
	if err := e.db.BeginHandshake(c.ID, store.HandshakeRequest); err != nil {
		e.logger.Error("failed to record handshake", zap.Error(err), zap.Stringer("contact", c.ID))
	}
	done := e.net.AddContact(context.WithoutCancel(ctx), identityOf(c))

	e.spawn(func() {
		callErr := <-done
		if err := e.db.FinishHandshake(c.ID, store.HandshakeRequest, callErr); err != nil {
			e.logger.Error("failed to record handshake outcome", zap.Error(err), zap.Stringer("contact", c.ID))
		}

		if callErr == nil {
			e.metrics.Handshake("request", "ok")
			e.advance(c.ID, from, store.Requested, nil)
			return
		}

		e.metrics.Handshake("request", "failed")
		e.logger.Warn("contact request failed", zap.Error(callErr), zap.Stringer("contact", c.ID))
		updated := e.advance(c.ID, from, store.RequestFailed, func(c *store.Contact) {
			c.CreatedAt = time.Now().UnixMilli()
		})
		if updated != nil {
			e.notify(bus.RequestFailedNotice, updated, callErr)
		}
	})
}

// Confirm accepts a contact in requested, confirmationFailed or verified.
func (e *Engine) Confirm(ctx context.Context, uid *id.ID) (*store.Contact, error) {
	var prev store.AuthStatus
	c, err := e.db.UpdateContact(uid, func(c *store.Contact) error {
		if !slices.Contains(confirmable, c.AuthStatus) {
			return fmt.Errorf("confirm %s (%s): %w", uid, c.AuthStatus, ErrInvalidState)
		}
		if len(c.Marshaled) == 0 {
			return fmt.Errorf("confirm %s: %w", uid, ErrMissingIdentity)
		}
		prev = c.AuthStatus
		c.AuthStatus = store.Confirming
		return nil
	})
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("confirm %s: %w", uid, ErrNotFound)
	}
	e.emitStatus(uid, prev, store.Confirming)

	if err := e.db.BeginHandshake(uid, store.HandshakeConfirm); err != nil {
		e.logger.Error("failed to record handshake", zap.Error(err), zap.Stringer("contact", uid))
	}
	done := e.net.ConfirmContact(context.WithoutCancel(ctx), identityOf(c))

	e.spawn(func() {
		callErr := <-done
		if err := e.db.FinishHandshake(uid, store.HandshakeConfirm, callErr); err != nil {
			e.logger.Error("failed to record handshake outcome", zap.Error(err), zap.Stringer("contact", uid))
		}

		from := []store.AuthStatus{store.Confirming}
		if callErr == nil {
			e.metrics.Handshake("confirm", "ok")
			e.advance(uid, from, store.Friend, func(c *store.Contact) {
				c.IsRecent = true
				c.CreatedAt = time.Now().UnixMilli()
			})
			return
		}

		e.metrics.Handshake("confirm", "failed")
		e.logger.Warn("contact confirmation failed", zap.Error(callErr), zap.Stringer("contact", uid))
		if updated := e.advance(uid, from, store.ConfirmationFailed, nil); updated != nil {
			e.notify(bus.ConfirmFailedNotice, updated, callErr)
		}
	})
	return c, nil
}

// HandleConfirmation records that the peer accepted our request.
func (e *Engine) HandleConfirmation(_ context.Context, uid *id.ID) (*store.Contact, error) {
	var prev store.AuthStatus
	c, err := e.db.UpdateContact(uid, func(c *store.Contact) error {
		if c.AuthStatus == store.Friend {
			return store.ErrSkipUpdate
		}
		if !canTransition(c.AuthStatus, store.Friend) {
			return fmt.Errorf("confirmation from %s in %s: %w", uid, c.AuthStatus, ErrInvalidState)
		}
		prev = c.AuthStatus
		c.AuthStatus = store.Friend
		c.IsRecent = true
		c.CreatedAt = time.Now().UnixMilli()
		return nil
	})
	if errors.Is(err, store.ErrSkipUpdate) {
		return e.db.GetContact(uid)
	}
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, fmt.Errorf("confirmation from %s: %w", uid, ErrNotFound)
	}
	if err := e.db.DropHandshakes(uid); err != nil {
		e.logger.Error("failed to clear handshake outbox", zap.Error(err), zap.Stringer("contact", uid))
	}
	e.metrics.Handshake("remote_confirm", "ok")
	e.emitStatus(uid, prev, store.Friend)
	return c, nil
}

// Delete removes a contact relationship. The row itself survives as a
// stranger with its personal fields blanked so group memberships keep
// pointing at it; direct messages are deleted. A file transfer with the
// contact that is still running blocks the delete.
func (e *Engine) Delete(ctx context.Context, uid *id.ID) error {
	c, err := e.db.GetContact(uid)
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	if c == nil {
		return fmt.Errorf("delete contact %s: %w", uid, ErrNotFound)
	}
	transfers, err := e.db.FetchFileTransfers(store.TransferQuery{ContactID: uid})
	if err != nil {
		return fmt.Errorf("delete contact: %w", err)
	}
	for _, ft := range transfers {
		if !ft.Done() {
			return fmt.Errorf("delete contact %s: %w", uid, ErrHasPendingTransfer)
		}
	}

	if err := e.net.RemoveContact(ctx, uid); err != nil {
		e.logger.Warn("transport remove contact failed", zap.Error(err), zap.Stringer("contact", uid))
	}
	if _, err := e.db.DeleteMessages(store.MessageQuery{Conversation: uid}); err != nil {
		return fmt.Errorf("delete contact messages: %w", err)
	}
	if err := e.db.DropHandshakes(uid); err != nil {
		e.logger.Error("failed to clear handshake outbox", zap.Error(err), zap.Stringer("contact", uid))
	}
	if _, err := e.db.UpdateContact(uid, func(c *store.Contact) error {
		c.Username, c.Email, c.Phone, c.Nickname = "", "", "", ""
		c.Photo = nil
		c.AuthStatus = store.Stranger
		c.IsRecent = false
		return nil
	}); err != nil {
		return fmt.Errorf("reset contact: %w", err)
	}

	e.logger.Info("contact deleted", zap.Stringer("contact", uid))
	e.bus.Emit(bus.ContactDeleted, uid)
	return nil
}

// advance re-reads the contact and moves it to to when it is still in one of
// from. It returns the updated row, or nil when the outcome was stale or
// could not be written.
func (e *Engine) advance(uid *id.ID, from []store.AuthStatus, to store.AuthStatus, mutate func(*store.Contact)) *store.Contact {
	var prev store.AuthStatus
	c, err := e.db.UpdateContact(uid, func(c *store.Contact) error {
		if !slices.Contains(from, c.AuthStatus) || !canTransition(c.AuthStatus, to) {
			return store.ErrSkipUpdate
		}
		prev = c.AuthStatus
		c.AuthStatus = to
		if mutate != nil {
			mutate(c)
		}
		return nil
	})
	switch {
	case errors.Is(err, store.ErrSkipUpdate):
		e.logger.Debug("stale handshake outcome ignored",
			zap.Stringer("contact", uid), zap.String("to", string(to)))
		return nil
	case err != nil:
		e.logger.Error("failed to persist contact status", zap.Error(err),
			zap.Stringer("contact", uid), zap.String("to", string(to)))
		return nil
	case c == nil:
		return nil
	}
	e.emitStatus(uid, prev, to)
	return c
}

func (e *Engine) emitStatus(uid *id.ID, from, to store.AuthStatus) {
	if from == to {
		return
	}
	e.logger.Info("contact status changed", zap.Stringer("contact", uid),
		zap.String("from", string(from)), zap.String("to", string(to)))
	e.bus.Emit(bus.ContactStatusChanged, StatusChange{ContactID: uid, From: from, To: to})
}

func (e *Engine) notify(kind string, c *store.Contact, cause error) {
	subject := c.Username
	if subject == "" {
		subject = c.ID.String()
	}
	e.bus.Emit(kind, bus.Notice{ID: uuid.NewString(), Subject: subject, Detail: cause.Error()})
}

// applyIdentity copies the non-empty identity fields onto c.
func applyIdentity(c *store.Contact, ident transport.Identity) {
	if len(ident.Marshaled) > 0 {
		c.Marshaled = ident.Marshaled
	}
	if ident.Username != "" {
		c.Username = ident.Username
	}
	if ident.Email != "" {
		c.Email = ident.Email
	}
	if ident.Phone != "" {
		c.Phone = ident.Phone
	}
}

func identityOf(c *store.Contact) transport.Identity {
	return transport.Identity{
		ID:        c.ID,
		Marshaled: c.Marshaled,
		Username:  c.Username,
		Email:     c.Email,
		Phone:     c.Phone,
	}
}
