package api

import (
	"context"
	"fmt"
	"time"

	qrcode "github.com/skip2/go-qrcode"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultQRSize = 256

func (s *Service) GetStatus(_ context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	contacts, err := s.DB.ContactCount()
	if err != nil {
		return nil, rpcError(err)
	}
	messages, err := s.DB.MessageCount()
	if err != nil {
		return nil, rpcError(err)
	}
	fields := map[string]any{
		"profile":        s.Profile,
		"uptime_ms":      time.Since(s.startedAt).Milliseconds(),
		"id":             EncodeID(s.Self.ID),
		"username":       s.Self.Username,
		"contact_count":  contacts,
		"message_count":  messages,
		"dropped_events": s.Bus.Dropped(),
	}
	if s.Machine != nil {
		fields["status"] = string(s.Machine.Current())
		fields["status_since_ms"] = s.Machine.Since().UnixMilli()
	}
	return reply(fields)
}

// ShareContact renders the local identity as a QR code, both as a PNG of
// "size" pixels and as terminal text.
func (s *Service) ShareContact(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if len(s.Self.Marshaled) == 0 {
		return nil, rpcError(fmt.Errorf("no local identity: %w", errInvalidArgument))
	}
	size := argsOf(req).int("size", defaultQRSize)
	if size <= 0 {
		return nil, rpcError(fmt.Errorf("size must be positive: %w", errInvalidArgument))
	}

	content := b64(s.Self.Marshaled)
	qr, err := qrcode.New(content, qrcode.Low)
	if err != nil {
		return nil, rpcError(fmt.Errorf("encode qr: %w", err))
	}
	png, err := qr.PNG(size)
	if err != nil {
		return nil, rpcError(fmt.Errorf("render qr: %w", err))
	}
	return reply(map[string]any{
		"id":       EncodeID(s.Self.ID),
		"username": s.Self.Username,
		"contact":  content,
		"png":      b64(png),
		"text":     qr.ToSmallString(false),
	})
}
