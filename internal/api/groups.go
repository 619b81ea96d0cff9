package api

import (
	"context"
	"fmt"

	"github.com/xxmessenger/courier/internal/groups"
	"github.com/xxmessenger/courier/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

// CreateGroup asks the network for a group. The group shows up in the store
// once the network answers.
func (s *Service) CreateGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	members, err := a.ids("members")
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.Groups.Create(ctx, a.str("name"), members); err != nil {
		return nil, rpcError(err)
	}
	return reply(map[string]any{"accepted": true})
}

// JoinGroup joins from a "serialized" group, or accepts the pending
// invitation named by "id".
func (s *Service) JoinGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	var g *store.Group
	if a.str("serialized") != "" {
		blob, err := a.bytes("serialized")
		if err != nil {
			return nil, rpcError(err)
		}
		if g, err = s.Groups.Join(ctx, blob); err != nil {
			return nil, rpcError(err)
		}
	} else {
		gid, err := a.id("id")
		if err != nil {
			return nil, rpcError(err)
		}
		if g, err = s.Groups.Accept(ctx, gid); err != nil {
			return nil, rpcError(err)
		}
	}
	return reply(map[string]any{"group": groupFields(g)})
}

func (s *Service) LeaveGroup(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	gid, err := argsOf(req).id("id")
	if err != nil {
		return nil, rpcError(err)
	}
	if err := s.Groups.Leave(ctx, gid); err != nil {
		return nil, rpcError(err)
	}
	return reply(map[string]any{"left": true})
}

// ListGroupMembers lists a "group" and its members.
func (s *Service) ListGroupMembers(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	gid, err := argsOf(req).id("group")
	if err != nil {
		return nil, rpcError(err)
	}
	g, err := s.DB.GetGroup(gid)
	if err != nil {
		return nil, rpcError(err)
	}
	if g == nil {
		return nil, rpcError(fmt.Errorf("group %s: %w", gid, groups.ErrNotFound))
	}
	members, err := s.DB.FetchGroupMembers(store.MemberQuery{GroupID: gid})
	if err != nil {
		return nil, rpcError(err)
	}
	list := make([]any, 0, len(members))
	for i := range members {
		list = append(list, memberFields(&members[i]))
	}
	return reply(map[string]any{
		"group":   groupFields(g),
		"members": list,
	})
}
