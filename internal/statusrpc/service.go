// Package statusrpc exposes process status over gRPC: the standard health
// service plus a small StatusService described by hand.
package statusrpc

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the fully qualified gRPC service name.
	ServiceName = "drawsync.status.v1.StatusService"
	// GetStatusMethod is the full method path of GetStatus.
	GetStatusMethod = "/" + ServiceName + "/GetStatus"
)

// Stats reports live counters.
type Stats interface {
	RoomCount() int
	SessionCount() int
	EventCounts() map[string]uint64
}

// StatusServer is the server API of StatusService.
type StatusServer interface {
	GetStatus(ctx context.Context, in *emptypb.Empty) (*structpb.Struct, error)
}

// Service implements StatusServer from a Stats source.
type Service struct {
	stats   Stats
	started time.Time
	now     func() time.Time
}

// NewService creates a Service reporting uptime since started.
//
// Precondition: stats must be non-nil.
func NewService(stats Stats, started time.Time) *Service {
	return &Service{stats: stats, started: started, now: time.Now}
}

// GetStatus returns uptimeSeconds, activeRooms, activeSessions, startedAt and
// eventsByKind, the number of drawing events stored per tool kind.
func (s *Service) GetStatus(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	byKind := make(map[string]interface{})
	for kind, n := range s.stats.EventCounts() {
		byKind[kind] = float64(n)
	}
	status, err := structpb.NewStruct(map[string]interface{}{
		"uptimeSeconds":  s.now().Sub(s.started).Seconds(),
		"activeRooms":    s.stats.RoomCount(),
		"activeSessions": s.stats.SessionCount(),
		"startedAt":      s.started.UTC().Format(time.RFC3339),
		"eventsByKind":   byKind,
	})
	if err != nil {
		return nil, fmt.Errorf("building status: %w", err)
	}
	return status, nil
}

func getStatusHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(StatusServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: GetStatusMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(StatusServer).GetStatus(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc describes StatusService for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*StatusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetStatus",
			Handler:    getStatusHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "drawsync/status/v1/status.proto",
}

// RegisterStatusServer registers srv on s.
func RegisterStatusServer(s grpc.ServiceRegistrar, srv StatusServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls StatusService.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient creates a Client on cc.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// GetStatus fetches the server status.
func (c *Client) GetStatus(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, GetStatusMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
