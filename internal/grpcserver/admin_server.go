// Package grpcserver 面试管理gRPC服务
package grpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"VoiceInterviewRelay/internal/coordinator"
	"VoiceInterviewRelay/internal/session"
	"VoiceInterviewRelay/internal/store"
)

// StatsProvider 运行计数来源
type StatsProvider interface {
	Stats() coordinator.Stats
}

// AdminServer 面试管理服务实现
type AdminServer struct {
	store     store.Store
	stats     StatsProvider
	grpc      *grpc.Server
	requests  atomic.Int64
	startTime time.Time
}

var _ InterviewAdminServer = (*AdminServer)(nil)

// NewAdminServer 创建管理服务
func NewAdminServer(st store.Store, stats StatsProvider) *AdminServer {
	s := &AdminServer{
		store:     st,
		stats:     stats,
		startTime: time.Now(),
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.countingInterceptor))
	RegisterInterviewAdminServer(s.grpc, s)
	return s
}

// countingInterceptor 记录请求数和慢请求
func (s *AdminServer) countingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	s.requests.Add(1)
	start := time.Now()
	resp, err := handler(ctx, req)
	if elapsed := time.Since(start); elapsed > time.Second {
		log.Printf("slow grpc call %s: %v", info.FullMethod, elapsed)
	}
	return resp, err
}

// Serve 在lis上提供服务，阻塞直到Stop
func (s *AdminServer) Serve(lis net.Listener) error {
	log.Printf("Starting gRPC admin server on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

// Stop 优雅停止
func (s *AdminServer) Stop() {
	s.grpc.GracefulStop()
}

// GetInterview 按ID读取会话
func (s *AdminServer) GetInterview(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := strings.TrimSpace(req.GetValue())
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "interview id is required")
	}

	sess, err := s.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, status.Errorf(codes.NotFound, "interview %s not found", id)
		}
		return nil, status.Errorf(codes.Unavailable, "store: %v", err)
	}

	out, err := sessionStruct(sess)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// ListInterviews 列出会话
func (s *AdminServer) ListInterviews(ctx context.Context, req *wrapperspb.Int32Value) (*structpb.ListValue, error) {
	if req.GetValue() < 0 {
		return nil, status.Error(codes.InvalidArgument, "limit must not be negative")
	}

	sessions, err := s.store.List(ctx, int(req.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.Unavailable, "store: %v", err)
	}

	list := &structpb.ListValue{Values: make([]*structpb.Value, 0, len(sessions))}
	for _, sess := range sessions {
		st, err := sessionStruct(sess)
		if err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		list.Values = append(list.Values, structpb.NewStructValue(st))
	}
	return list, nil
}

// GetStats 运行计数
func (s *AdminServer) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"grpc_requests":  float64(s.requests.Load()),
	}
	if s.stats != nil {
		var counters map[string]interface{}
		if err := roundTrip(s.stats.Stats(), &counters); err != nil {
			return nil, status.Error(codes.Internal, err.Error())
		}
		fields["coordinator"] = counters
	}

	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

// sessionStruct 会话按其JSON形式转换为Struct
func sessionStruct(sess *session.Session) (*structpb.Struct, error) {
	var fields map[string]interface{}
	if err := roundTrip(sess, &fields); err != nil {
		return nil, err
	}
	return structpb.NewStruct(fields)
}

func roundTrip(in interface{}, out interface{}) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}
