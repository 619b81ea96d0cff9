package api

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/xxmessenger/courier/internal/delivery"
	"github.com/xxmessenger/courier/internal/groups"
	"github.com/xxmessenger/courier/internal/handshake"
	"github.com/xxmessenger/courier/internal/store"
	"gitlab.com/xx_network/primitives/id"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

var errInvalidArgument = errors.New("invalid argument")

// EncodeID renders an id for the wire.
func EncodeID(uid *id.ID) string {
	if uid == nil {
		return ""
	}
	return base64.StdEncoding.EncodeToString(uid.Marshal())
}

// DecodeID parses an id produced by EncodeID.
func DecodeID(s string) (*id.ID, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode id: %v: %w", err, errInvalidArgument)
	}
	uid, err := id.Unmarshal(raw)
	if err != nil {
		return nil, fmt.Errorf("decode id: %v: %w", err, errInvalidArgument)
	}
	return uid, nil
}

// args reads typed fields out of a request struct.
type args struct {
	fields map[string]*structpb.Value
}

func argsOf(req *structpb.Struct) args {
	return args{fields: req.GetFields()}
}

func (a args) has(key string) bool {
	_, ok := a.fields[key]
	return ok
}

func (a args) str(key string) string {
	return a.fields[key].GetStringValue()
}

func (a args) bool(key string) bool {
	return a.fields[key].GetBoolValue()
}

func (a args) int(key string, def int) int {
	v, ok := a.fields[key]
	if !ok {
		return def
	}
	return int(v.GetNumberValue())
}

func (a args) id(key string) (*id.ID, error) {
	s := a.str(key)
	if s == "" {
		return nil, fmt.Errorf("%s is required: %w", key, errInvalidArgument)
	}
	return DecodeID(s)
}

// optionalID is id for fields that may be absent.
func (a args) optionalID(key string) (*id.ID, error) {
	if a.str(key) == "" {
		return nil, nil
	}
	return DecodeID(a.str(key))
}

func (a args) ids(key string) ([]*id.ID, error) {
	var out []*id.ID
	for _, v := range a.fields[key].GetListValue().GetValues() {
		uid, err := DecodeID(v.GetStringValue())
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		out = append(out, uid)
	}
	return out, nil
}

func (a args) bytes(key string) ([]byte, error) {
	s := a.str(key)
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %v: %w", key, err, errInvalidArgument)
	}
	return b, nil
}

func (a args) strings(key string) []string {
	var out []string
	for _, v := range a.fields[key].GetListValue().GetValues() {
		out = append(out, v.GetStringValue())
	}
	return out
}

func b64(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

func reply(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode reply: %v", err)
	}
	return s, nil
}

func contactFields(c *store.Contact) map[string]any {
	return map[string]any{
		"id":          EncodeID(c.ID),
		"username":    c.Username,
		"email":       c.Email,
		"phone":       c.Phone,
		"nickname":    c.Nickname,
		"auth_status": string(c.AuthStatus),
		"is_recent":   c.IsRecent,
		"is_blocked":  c.IsBlocked,
		"created_at":  c.CreatedAt,
	}
}

func messageFields(m *store.Message) map[string]any {
	return map[string]any{
		"id":               m.ID,
		"network_id":       b64(m.NetworkID),
		"sender":           EncodeID(m.SenderID),
		"recipient":        EncodeID(m.RecipientID),
		"group":            EncodeID(m.GroupID),
		"date":             m.Date,
		"status":           string(m.Status),
		"text":             m.Text,
		"reply_to":         b64(m.ReplyMessageID),
		"round_id":         m.RoundID,
		"round_url":        m.RoundURL,
		"file_transfer_id": b64(m.FileTransferID),
		"attempt":          m.Attempt,
		"is_unread":        m.IsUnread,
	}
}

func groupFields(g *store.Group) map[string]any {
	return map[string]any{
		"id":          EncodeID(g.ID),
		"name":        g.Name,
		"leader":      EncodeID(g.LeaderID),
		"created_at":  g.CreatedAt,
		"auth_status": string(g.AuthStatus),
		"serialized":  b64(g.Serialized),
	}
}

func memberFields(m *store.GroupMember) map[string]any {
	return map[string]any{
		"group":    EncodeID(m.GroupID),
		"contact":  EncodeID(m.ContactID),
		"status":   string(m.Status),
		"username": m.Username,
	}
}

// rpcError maps engine errors onto gRPC status codes.
func rpcError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := grpcstatus.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, handshake.ErrNotFound),
		errors.Is(err, delivery.ErrNotFound),
		errors.Is(err, groups.ErrNotFound):
		return grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, handshake.ErrAlreadyRequested):
		return grpcstatus.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, handshake.ErrInvalidState),
		errors.Is(err, handshake.ErrHasPendingTransfer),
		errors.Is(err, handshake.ErrMissingIdentity),
		errors.Is(err, delivery.ErrNotRetryable),
		errors.Is(err, groups.ErrInvalidState):
		return grpcstatus.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, handshake.ErrInvalidOperation),
		errors.Is(err, delivery.ErrInvalidTarget),
		errors.Is(err, delivery.ErrInvalidText),
		errors.Is(err, groups.ErrInvalidGroup),
		errors.Is(err, errInvalidArgument):
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	default:
		return grpcstatus.Error(codes.Internal, err.Error())
	}
}
