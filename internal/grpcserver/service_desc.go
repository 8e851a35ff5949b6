package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// 服务只使用protobuf内置类型，因此服务描述手写，不依赖代码生成

const (
	ServiceName = "relay.admin.v1.InterviewAdmin"

	methodGetInterview   = "/" + ServiceName + "/GetInterview"
	methodListInterviews = "/" + ServiceName + "/ListInterviews"
	methodGetStats       = "/" + ServiceName + "/GetStats"
)

// InterviewAdminServer 面试管理服务
type InterviewAdminServer interface {
	// GetInterview 按ID读取会话
	GetInterview(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	// ListInterviews 按开始时间倒序列出会话，参数为条数上限
	ListInterviews(context.Context, *wrapperspb.Int32Value) (*structpb.ListValue, error)
	// GetStats 中继运行计数
	GetStats(context.Context, *emptypb.Empty) (*structpb.Struct, error)
}

// RegisterInterviewAdminServer 注册服务
func RegisterInterviewAdminServer(s grpc.ServiceRegistrar, srv InterviewAdminServer) {
	s.RegisterService(&InterviewAdminServiceDesc, srv)
}

func getInterviewHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InterviewAdminServer).GetInterview(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetInterview}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InterviewAdminServer).GetInterview(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func listInterviewsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.Int32Value)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InterviewAdminServer).ListInterviews(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListInterviews}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InterviewAdminServer).ListInterviews(ctx, req.(*wrapperspb.Int32Value))
	}
	return interceptor(ctx, in, info, handler)
}

func getStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(InterviewAdminServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStats}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(InterviewAdminServer).GetStats(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

// InterviewAdminServiceDesc 服务描述
var InterviewAdminServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*InterviewAdminServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetInterview", Handler: getInterviewHandler},
		{MethodName: "ListInterviews", Handler: listInterviewsHandler},
		{MethodName: "GetStats", Handler: getStatsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "relay/admin/v1/admin.proto",
}

// InterviewAdminClient 面试管理客户端
type InterviewAdminClient struct {
	cc grpc.ClientConnInterface
}

// NewInterviewAdminClient 创建客户端
func NewInterviewAdminClient(cc grpc.ClientConnInterface) *InterviewAdminClient {
	return &InterviewAdminClient{cc: cc}
}

// GetInterview 按ID读取会话
func (c *InterviewAdminClient) GetInterview(ctx context.Context, id string, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetInterview, wrapperspb.String(id), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// ListInterviews 列出会话
func (c *InterviewAdminClient) ListInterviews(ctx context.Context, limit int32, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	out := new(structpb.ListValue)
	if err := c.cc.Invoke(ctx, methodListInterviews, wrapperspb.Int32(limit), out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GetStats 读取运行计数
func (c *InterviewAdminClient) GetStats(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStats, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
