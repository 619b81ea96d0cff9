package handshake

import (
	"context"
	"errors"
	"fmt"

	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/elixxir/primitives/fact"
)

// Search looks a username up on the network and records the result as a
// stranger. A contact already past stranger is returned unchanged.
func (e *Engine) Search(ctx context.Context, username string) (*store.Contact, error) {
	f, err := fact.NewFact(fact.Username, username)
	if err != nil {
		return nil, fmt.Errorf("search %q: %v: %w", username, err, ErrInvalidOperation)
	}
	if username == e.net.Self().Username {
		return nil, fmt.Errorf("search %q: cannot search yourself: %w", username, ErrInvalidOperation)
	}

	pending, err := e.net.LookupFact(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", username, err)
	}
	var res transport.Result[transport.Identity]
	select {
	case res = <-pending:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, fmt.Errorf("search %q: %v: %w", username, res.Err, ErrNotFound)
	}

	c, err := e.db.UpsertContact(res.Value.ID, func(c *store.Contact, exists bool) error {
		if exists && c.AuthStatus != store.Stranger {
			return store.ErrSkipUpdate
		}
		applyIdentity(c, res.Value)
		return nil
	})
	if errors.Is(err, store.ErrSkipUpdate) {
		return e.db.GetContact(res.Value.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", username, err)
	}
	return c, nil
}
