package grpc

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"

	"github.com/amirimatin/go-peerwatch/internal/logutil"
	"github.com/amirimatin/go-peerwatch/pkg/membership"
	"github.com/amirimatin/go-peerwatch/pkg/observability/tracing"
	"github.com/amirimatin/go-peerwatch/pkg/transport"
)

const serviceName = "peerwatch.v1.Management"

// healthInterval is how often the health service re-evaluates discovery.
const healthInterval = time.Second

// Server implements transport.RPCServer over gRPC using a JSON codec.
type Server struct {
	bind   string
	lis    net.Listener
	srv    *grpc.Server
	tlsCfg *tls.Config
	log    *zap.Logger
}

func NewServer(bind string, logger *zap.Logger) *Server {
	return &Server{bind: bind, log: logutil.OrNop(logger).Named("grpc")}
}

// UseTLS enables TLS for the gRPC server using the provided config.
func (s *Server) UseTLS(cfg *tls.Config) *Server { s.tlsCfg = cfg; return s }

// internal request/response types used over gRPC JSON codec
type empty struct{}
type statusBlob struct {
	Data []byte `json:"data"`
}

// managementServer defines the methods we expose.
type managementServer interface {
	GetStatus(ctx context.Context, in *empty) (*statusBlob, error)
	GetSnapshot(ctx context.Context, in *empty) (*membership.Snapshot, error)
	Refresh(ctx context.Context, in *empty) (*empty, error)
	Events(in *empty, stream grpc.ServerStream) error
}

type mgmtImpl struct {
	h transport.Handlers
}

func (m *mgmtImpl) GetStatus(ctx context.Context, _ *empty) (*statusBlob, error) {
	if m.h.Status == nil {
		return nil, status.Error(codes.Unimplemented, "status not supported")
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.status")
	b, err := m.h.Status(ctx)
	end(err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &statusBlob{Data: b}, nil
}

func (m *mgmtImpl) GetSnapshot(ctx context.Context, _ *empty) (*membership.Snapshot, error) {
	if m.h.Snapshot == nil {
		return nil, status.Error(codes.Unimplemented, "snapshot not supported")
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.snapshot")
	snap, err := m.h.Snapshot(ctx)
	end(err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &snap, nil
}

func (m *mgmtImpl) Refresh(ctx context.Context, _ *empty) (*empty, error) {
	if m.h.Refresh == nil {
		return nil, status.Error(codes.Unimplemented, "refresh not supported")
	}
	ctx, end := tracing.StartSpan(ctx, "grpc.refresh")
	err := m.h.Refresh(ctx)
	end(err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &empty{}, nil
}

// Events sends the subscription snapshot followed by every event. A feed that
// ends with an error is reported as an Aborted status.
func (m *mgmtImpl) Events(_ *empty, stream grpc.ServerStream) error {
	if m.h.Subscribe == nil {
		return status.Error(codes.Unimplemented, "events not supported")
	}
	feed, err := m.h.Subscribe(stream.Context())
	if err != nil {
		return toStatus(err)
	}
	defer feed.Close()
	snap := feed.Snapshot()
	if err := stream.SendMsg(&transport.StreamMessage{Snapshot: &snap}); err != nil {
		return err
	}
	for ev := range feed.Events() {
		ev := ev
		if err := stream.SendMsg(&transport.StreamMessage{Event: &ev}); err != nil {
			return err
		}
	}
	if err := feed.Err(); err != nil {
		return status.Error(codes.Aborted, err.Error())
	}
	return nil
}

func toStatus(err error) error {
	switch {
	case errors.Is(err, transport.ErrUnsupported):
		return status.Error(codes.Unimplemented, err.Error())
	case errors.Is(err, transport.ErrUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	}
	return status.Error(codes.Internal, err.Error())
}

// Service descriptor and handlers (hand-written, no codegen required)
var _Management_serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*managementServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: _Management_GetStatus_Handler},
		{MethodName: "GetSnapshot", Handler: _Management_GetSnapshot_Handler},
		{MethodName: "Refresh", Handler: _Management_Refresh_Handler},
	},
	Streams: []grpc.StreamDesc{{
		StreamName:    "Events",
		ServerStreams: true,
		Handler:       _Management_Events_Handler,
	}},
}

func unary(name string, call func(srv managementServer, ctx context.Context) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(empty)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(managementServer), ctx)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + serviceName + "/" + name}
		handler := func(ctx context.Context, _ interface{}) (interface{}, error) {
			return call(srv.(managementServer), ctx)
		}
		return interceptor(ctx, in, info, handler)
	}
}

var (
	_Management_GetStatus_Handler = unary("GetStatus", func(s managementServer, ctx context.Context) (interface{}, error) {
		return s.GetStatus(ctx, &empty{})
	})
	_Management_GetSnapshot_Handler = unary("GetSnapshot", func(s managementServer, ctx context.Context) (interface{}, error) {
		return s.GetSnapshot(ctx, &empty{})
	})
	_Management_Refresh_Handler = unary("Refresh", func(s managementServer, ctx context.Context) (interface{}, error) {
		return s.Refresh(ctx, &empty{})
	})
)

func _Management_Events_Handler(srv interface{}, stream grpc.ServerStream) error {
	m := new(empty)
	if err := stream.RecvMsg(m); err != nil {
		return err
	}
	return srv.(managementServer).Events(m, stream)
}

func (s *Server) Start(ctx context.Context, h transport.Handlers) error {
	lis, err := net.Listen("tcp", s.bind)
	if err != nil {
		return err
	}
	s.lis = lis
	// Force JSON codec to avoid requiring protobuf types
	var opts []grpc.ServerOption
	opts = append(opts, grpc.ForceServerCodec(jsonCodec{}))
	// keepalive settings for long-lived streams
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{MinTime: 5 * time.Second, PermitWithoutStream: true}))
	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{Time: 30 * time.Second, Timeout: 10 * time.Second}))
	if s.tlsCfg != nil {
		opts = append(opts, grpc.Creds(credentials.NewTLS(s.tlsCfg)))
	}
	srv := grpc.NewServer(opts...)
	s.srv = srv
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(srv, healthSrv)
	srv.RegisterService(&_Management_serviceDesc, &mgmtImpl{h: h})
	go s.reportHealth(ctx, healthSrv, h.Health)

	go func() {
		<-ctx.Done()
		// Graceful stop with a small timeout fallback
		ch := make(chan struct{})
		go func() { srv.GracefulStop(); close(ch) }()
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			srv.Stop()
		}
	}()
	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			s.log.Error("server error", zap.Error(err))
		}
	}()
	return nil
}

// reportHealth mirrors the discovery health onto the standard gRPC health
// service, both for the overall server and the management service.
func (s *Server) reportHealth(ctx context.Context, hs *health.Server, check transport.HealthFunc) {
	set := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if check != nil && check() != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
		hs.SetServingStatus(serviceName, st)
	}
	set()
	t := time.NewTicker(healthInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-t.C:
			set()
		}
	}
}

// Addr returns the bound address once started, otherwise the configured one.
func (s *Server) Addr() string {
	if s.lis != nil {
		return s.lis.Addr().String()
	}
	return s.bind
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	ch := make(chan struct{})
	srv := s.srv
	go func() { srv.GracefulStop(); close(ch) }()
	select {
	case <-ch:
	case <-ctx.Done():
		srv.Stop()
	}
	s.srv = nil
	return nil
}

var _ transport.RPCServer = (*Server)(nil)
