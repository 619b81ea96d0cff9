package api

import (
	"context"
	"fmt"

	"github.com/xxmessenger/courier/internal/handshake"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"google.golang.org/protobuf/types/known/structpb"
)

func contactReply(c *store.Contact, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, rpcError(err)
	}
	return reply(map[string]any{"contact": contactFields(c)})
}

// SearchContact looks a username up and records it as a stranger.
func (s *Service) SearchContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	username := argsOf(req).str("username")
	if username == "" {
		return nil, rpcError(fmt.Errorf("username is required: %w", errInvalidArgument))
	}
	return contactReply(s.Handshakes.Search(ctx, username))
}

// AddContact sends a contact request. The contact is named by id, which
// must already be known from a search or an incoming request, or by
// username, which is searched first.
func (s *Service) AddContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	var c *store.Contact
	var err error
	if username := a.str("username"); username != "" && !a.has("id") {
		c, err = s.Handshakes.Search(ctx, username)
	} else {
		uid, idErr := a.id("id")
		if idErr != nil {
			return nil, rpcError(idErr)
		}
		c, err = s.DB.GetContact(uid)
		if err == nil && c == nil {
			err = fmt.Errorf("add contact %s: %w", uid, handshake.ErrNotFound)
		}
	}
	if err != nil {
		return nil, rpcError(err)
	}
	return contactReply(s.Handshakes.Add(ctx, transport.Identity{
		ID:        c.ID,
		Marshaled: c.Marshaled,
		Username:  c.Username,
		Email:     c.Email,
		Phone:     c.Phone,
	}))
}

func (s *Service) ConfirmContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := argsOf(req).id("id")
	if err != nil {
		return nil, rpcError(err)
	}
	return contactReply(s.Handshakes.Confirm(ctx, uid))
}

func (s *Service) RetryRequest(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := argsOf(req).id("id")
	if err != nil {
		return nil, rpcError(err)
	}
	return contactReply(s.Handshakes.RetryRequest(ctx, uid))
}

func (s *Service) DeleteContact(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	uid, err := argsOf(req).id("id")
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.Handshakes.Delete(ctx, uid); err != nil {
		return nil, rpcError(err)
	}
	return reply(map[string]any{"deleted": true})
}

// ListContacts filters by "status" (a list), "username" and "recent".
func (s *Service) ListContacts(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	q := store.ContactQuery{Username: a.str("username")}
	for _, st := range a.strings("status") {
		q.AuthStatus = append(q.AuthStatus, store.AuthStatus(st))
	}
	if a.has("recent") {
		recent := a.bool("recent")
		q.IsRecent = &recent
	}
	contacts, err := s.DB.FetchContacts(q)
	if err != nil {
		return nil, rpcError(err)
	}
	list := make([]any, 0, len(contacts))
	for i := range contacts {
		list = append(list, contactFields(&contacts[i]))
	}
	return reply(map[string]any{"contacts": list})
}
