package clusterconfig

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"consus/internal/xconfig"
)

// This file implements the client side of the coordinator contract named in
// spec.md §1: "The coordinator (a replicated-state-machine service that
// publishes cluster configuration)... referenced only by its contract." The
// coordinator's own implementation is out of scope; consus only needs a
// GetConfig(version_id) -> snapshot call against it, wired over
// google.golang.org/grpc with google.golang.org/protobuf's structpb as the
// wire payload. structpb.Struct carries the snapshot as a generic
// protobuf-native value so this contract needs no separately-compiled
// .proto/.pb.go pair — the structure is self-describing, the same way the
// teacher publishes its own remote config as a flat JSON document
// (configs.ConfigFileLocation) rather than a bespoke schema.
const configServiceMethod = "/consus.ClusterConfig/GetConfig"

var configServiceDesc = grpc.ServiceDesc{
	ServiceName: "consus.ClusterConfig",
	HandlerType: (*ConfigServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "GetConfig",
			Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
				req := &structpb.Struct{}
				if err := dec(req); err != nil {
					return nil, err
				}
				if interceptor == nil {
					return srv.(ConfigServer).GetConfig(ctx, req)
				}
				info := &grpc.UnaryServerInfo{Server: srv, FullMethod: configServiceMethod}
				handler := func(ctx context.Context, req interface{}) (interface{}, error) {
					return srv.(ConfigServer).GetConfig(ctx, req.(*structpb.Struct))
				}
				return interceptor(ctx, req, info, handler)
			},
		},
	},
	Streams: []grpc.StreamDesc{},
}

// ConfigServer is implemented by the coordinator side of this contract. It
// is declared here only so consus can be pointed at a test double in
// integration tests; consus never runs the coordinator itself.
type ConfigServer interface {
	GetConfig(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterConfigServer registers impl against a grpc.Server, for test
// doubles standing in for the real coordinator.
func RegisterConfigServer(s *grpc.Server, impl ConfigServer) {
	s.RegisterService(&configServiceDesc, impl)
}

// CoordinatorClient fetches published configuration snapshots over grpc.
type CoordinatorClient struct {
	conn *grpc.ClientConn
}

// Dial opens a connection to the coordinator at addr.
func Dial(addr string, opts ...grpc.DialOption) (*CoordinatorClient, error) {
	conn, err := grpc.Dial(addr, opts...)
	if err != nil {
		return nil, err
	}
	return &CoordinatorClient{conn: conn}, nil
}

func (c *CoordinatorClient) Close() error {
	return c.conn.Close()
}

// GetConfig asks the coordinator for the snapshot at versionID, or the
// latest if versionID is 0.
func (c *CoordinatorClient) GetConfig(ctx context.Context, versionID uint64) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(map[string]interface{}{
		"version_id": float64(versionID),
	})
	if err != nil {
		return nil, err
	}
	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, configServiceMethod, req, resp); err != nil {
		return nil, fmt.Errorf("clusterconfig: GetConfig: %w", err)
	}
	xconfig.TPrintf("clusterconfig: fetched snapshot for version %d", versionID)
	return resp, nil
}
