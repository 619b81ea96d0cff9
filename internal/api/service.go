// Package api is the daemon's gRPC control surface. Requests and replies
// are protobuf Structs so clients need no generated stubs; ids travel as
// base64 of their marshaled form.
package api

import (
	"context"
	"time"

	"github.com/xxmessenger/courier/internal/bus"
	"github.com/xxmessenger/courier/internal/delivery"
	"github.com/xxmessenger/courier/internal/groups"
	"github.com/xxmessenger/courier/internal/handshake"
	"github.com/xxmessenger/courier/internal/status"
	"github.com/xxmessenger/courier/internal/store"
	"github.com/xxmessenger/courier/internal/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "courier.v1.Courier"

// CourierServer is the server API of the control service.
type CourierServer interface {
	GetStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	AddContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ConfirmContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryRequest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListContacts(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryMessage(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListMessages(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CreateGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	JoinGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	LeaveGroup(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListGroupMembers(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ShareContact(context.Context, *structpb.Struct) (*structpb.Struct, error)
	WatchEvents(*structpb.Struct, grpc.ServerStreamingServer[structpb.Struct]) error
}

type unaryMethod func(CourierServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CourierServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CourierServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the control service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CourierServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("GetStatus", CourierServer.GetStatus),
		unary("SearchContact", CourierServer.SearchContact),
		unary("AddContact", CourierServer.AddContact),
		unary("ConfirmContact", CourierServer.ConfirmContact),
		unary("RetryRequest", CourierServer.RetryRequest),
		unary("DeleteContact", CourierServer.DeleteContact),
		unary("ListContacts", CourierServer.ListContacts),
		unary("SendMessage", CourierServer.SendMessage),
		unary("RetryMessage", CourierServer.RetryMessage),
		unary("ListMessages", CourierServer.ListMessages),
		unary("CreateGroup", CourierServer.CreateGroup),
		unary("JoinGroup", CourierServer.JoinGroup),
		unary("LeaveGroup", CourierServer.LeaveGroup),
		unary("ListGroupMembers", CourierServer.ListGroupMembers),
		unary("ShareContact", CourierServer.ShareContact),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "WatchEvents",
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				in := new(structpb.Struct)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(CourierServer).WatchEvents(in, &grpc.GenericServerStream[structpb.Struct, structpb.Struct]{ServerStream: stream})
			},
		},
	},
}

// Deps are the engines the service drives.
type Deps struct {
	Profile    string
	Self       transport.Identity
	Machine    *status.Machine
	DB         *store.DB
	Bus        *bus.Bus
	Handshakes *handshake.Engine
	Tracker    *delivery.Tracker
	Groups     *groups.Resolver
	Logger     *zap.Logger
}

// Service implements CourierServer.
type Service struct {
	Deps
	startedAt time.Time
}

// NewService creates the control service.
func NewService(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	d.Logger = d.Logger.Named("api")
	return &Service{Deps: d, startedAt: time.Now()}
}

// Register attaches the service to srv.
func Register(srv grpc.ServiceRegistrar, s CourierServer) {
	srv.RegisterService(&ServiceDesc, s)
}

var _ CourierServer = (*Service)(nil)
