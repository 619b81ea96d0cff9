package api

import (
	"strings"

	"github.com/google/uuid"
	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/delivery"
	"github.com/xxmessenger/courier/internal/handshake"
	"github.com/xxmessenger/courier/internal/status"
	"github.com/xxmessenger/courier/internal/transport"
	"gitlab.com/xx_network/primitives/id"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const watchBuffer = 256

// internalPrefixes are bus namespaces not streamed unless asked for.
var internalPrefixes = []string{"store.", "xx."}

// WatchEvents streams bus events whose kind starts with "namespace" (all
// by default). Store notifications and raw transport events are skipped
// unless "internal" is set.
func (s *Service) WatchEvents(req *structpb.Struct, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	a := argsOf(req)
	ch, unsub := s.Bus.Subscribe(a.str("namespace"), watchBuffer)
	defer unsub()
	internal := a.bool("internal")

	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-ch:
			if !internal && hasAnyPrefix(evt.Kind, internalPrefixes) {
				continue
			}
			out, err := eventStruct(evt)
			if err != nil {
				s.Logger.Warn("encode event", zap.String("kind", evt.Kind), zap.Error(err))
				continue
			}
			if err := stream.Send(out); err != nil {
				return err
			}
		}
	}
}

func hasAnyPrefix(kind string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(kind, p) {
			return true
		}
	}
	return false
}

func eventStruct(evt bus.Event) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		"event_id":            uuid.NewString(),
		"kind":                evt.Kind,
		"occurred_at_unix_ms": evt.Timestamp.UnixMilli(),
		"payload":             payloadFields(evt.Payload),
	})
}

func payloadFields(p any) map[string]any {
	switch v := p.(type) {
	case handshake.StatusChange:
		return map[string]any{"contact": EncodeID(v.ContactID), "from": string(v.From), "to": string(v.To)}
	case delivery.StatusChange:
		return map[string]any{"message": v.MessageID, "attempt": v.Attempt, "status": string(v.Status)}
	case status.StatusChange:
		return map[string]any{"from": string(v.From), "to": string(v.To)}
	case bus.Notice:
		return map[string]any{"id": v.ID, "subject": v.Subject, "detail": v.Detail}
	case transport.NetworkStatus:
		return map[string]any{"network": string(v)}
	case *id.ID:
		return map[string]any{"id": EncodeID(v)}
	case int64:
		return map[string]any{"message": v}
	default:
		return map[string]any{}
	}
}
