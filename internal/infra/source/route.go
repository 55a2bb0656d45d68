package source

import (
	"context"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const (
	routerServiceName = "collector.source.v1.Router"

	// RouteMethod is the full method name of the payload route call.
	RouteMethod = "/" + routerServiceName + "/Route"
)

// RouteServer is implemented by a source service that serves payloads by
// route ("<resource>.<externalId>"). The response value is a JSON document.
type RouteServer interface {
	Route(ctx context.Context, route *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
}

// RegisterRouteServer registers srv on s.
func RegisterRouteServer(s grpc.ServiceRegistrar, srv RouteServer) {
	s.RegisterService(&routerServiceDesc, srv)
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: routerServiceName,
	HandlerType: (*RouteServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Route",
			Handler:    routeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "collector/source/v1/router.proto",
}

func routeHandler(
	srv any,
	ctx context.Context,
	dec func(any) error,
	interceptor grpc.UnaryServerInterceptor,
) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouteServer).Route(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: RouteMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouteServer).Route(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

// routerClient invokes the route method on a shared connection.
type routerClient struct {
	cc grpc.ClientConnInterface
}

func (c routerClient) Route(
	ctx context.Context,
	route string,
	opts ...grpc.CallOption,
) (*wrapperspb.StringValue, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, RouteMethod, wrapperspb.String(route), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// NotFoundError builds the NotFound status a RouteServer returns for an
// unknown route, carrying a ResourceInfo detail.
func NotFoundError(resourceType, resourceName string) error {
	st := status.New(codes.NotFound, "no payload for "+resourceName)
	detailed, err := st.WithDetails(&errdetails.ResourceInfo{
		ResourceType: resourceType,
		ResourceName: resourceName,
		Description:  "original payload not found",
	})
	if err != nil {
		return st.Err()
	}
	return detailed.Err()
}

// notFoundResource extracts the ResourceInfo name from a NotFound status.
func notFoundResource(st *status.Status) (string, bool) {
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.ResourceInfo); ok {
			return info.GetResourceName(), true
		}
	}
	return "", false
}
