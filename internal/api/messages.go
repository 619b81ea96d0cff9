package api

import (
	"context"
	"fmt"

	"github.com/xxmessenger/courier/internal/delivery"
	"github.com/xxmessenger/courier/internal/store"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultMessageLimit = 50

func messageReply(m *store.Message, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, rpcError(err)
	}
	return reply(map[string]any{"message": messageFields(m)})
}

// SendMessage sends "text" to a "recipient" or a "group". An optional
// "file" object announces a transfer carried with the message.
func (s *Service) SendMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	var to delivery.Target
	var err error
	if to.Recipient, err = a.optionalID("recipient"); err != nil {
		return nil, rpcError(err)
	}
	if to.Group, err = a.optionalID("group"); err != nil {
		return nil, rpcError(err)
	}

	var opts delivery.SendOptions
	if opts.ReplyTo, err = a.bytes("reply_to"); err != nil {
		return nil, rpcError(err)
	}
	if file := a.fields["file"].GetStructValue(); file != nil {
		fa := argsOf(file)
		fid, err := fa.bytes("id")
		if err != nil {
			return nil, rpcError(err)
		}
		if len(fid) == 0 {
			return nil, rpcError(fmt.Errorf("file.id is required: %w", errInvalidArgument))
		}
		opts.File = &delivery.FileInfo{ID: fid, Name: fa.str("name"), Type: fa.str("type")}
	}

	return messageReply(s.Tracker.Send(ctx, a.str("text"), to, opts))
}

func (s *Service) RetryMessage(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	if !a.has("id") {
		return nil, rpcError(fmt.Errorf("id is required: %w", errInvalidArgument))
	}
	return messageReply(s.Tracker.Retry(ctx, int64(a.fields["id"].GetNumberValue())))
}

// ListMessages returns the newest messages of a "conversation" or a
// "group", up to "limit".
func (s *Service) ListMessages(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	a := argsOf(req)
	q := store.MessageQuery{Limit: a.int("limit", defaultMessageLimit)}
	var err error
	if q.Conversation, err = a.optionalID("conversation"); err != nil {
		return nil, rpcError(err)
	}
	if q.GroupID, err = a.optionalID("group"); err != nil {
		return nil, rpcError(err)
	}
	if q.Conversation == nil && q.GroupID == nil {
		return nil, rpcError(fmt.Errorf("conversation or group is required: %w", errInvalidArgument))
	}

	msgs, err := s.DB.FetchMessages(q)
	if err != nil {
		return nil, rpcError(err)
	}
	list := make([]any, 0, len(msgs))
	for i := range msgs {
		list = append(list, messageFields(&msgs[i]))
	}
	return reply(map[string]any{
		"messages": list,
		"has_more": len(msgs) == q.Limit,
	})
}
