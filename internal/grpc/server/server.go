package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/EternisAI/silo-dispatch/internal/console"
	"github.com/EternisAI/silo-dispatch/internal/grpc/codec"
	grpctls "github.com/EternisAI/silo-dispatch/internal/grpc/tls"
	"github.com/EternisAI/silo-dispatch/internal/protocol"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type TLSConfig struct {
	Enabled    bool
	CertFile   string
	KeyFile    string
	CAFile     string
	ClientAuth string
}

// ConsoleServer is implemented by Server; it exists for the service
// descriptor's HandlerType.
type ConsoleServer interface {
	Append(ctx context.Context, chunk *protocol.ConsoleChunk) (*protocol.ConsoleAck, error)
}

var consoleServiceDesc = grpc.ServiceDesc{
	ServiceName: "silodispatch.ConsoleService",
	HandlerType: (*ConsoleServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Append",
			Handler:    appendHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "silodispatch/console",
}

func appendHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(protocol.ConsoleChunk)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ConsoleServer).Append(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: protocol.ConsoleAppendMethod,
	}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ConsoleServer).Append(ctx, req.(*protocol.ConsoleChunk))
	}
	return interceptor(ctx, in, info, handler)
}

type Server struct {
	mu         sync.Mutex
	grpcServer *grpc.Server
	receiver   *console.Receiver
	port       int
	tlsConfig  *TLSConfig
}

func NewServer(port int, receiver *console.Receiver, tlsConfig *TLSConfig) *Server {
	return &Server{
		receiver:  receiver,
		port:      port,
		tlsConfig: tlsConfig,
	}
}

func (s *Server) Start() error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", s.port, err)
	}
	return s.Serve(lis)
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	var opts []grpc.ServerOption
	if s.tlsConfig != nil && s.tlsConfig.Enabled {
		clientAuth, err := grpctls.ParseClientAuthType(s.tlsConfig.ClientAuth)
		if err != nil {
			return err
		}
		creds, err := grpctls.LoadServerCredentials(s.tlsConfig.CertFile, s.tlsConfig.KeyFile, s.tlsConfig.CAFile, clientAuth)
		if err != nil {
			return fmt.Errorf("failed to load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		slog.Info("gRPC TLS enabled", "client_auth", s.tlsConfig.ClientAuth)
	} else {
		slog.Warn("gRPC server running without TLS")
	}

	grpcServer := grpc.NewServer(opts...)
	grpcServer.RegisterService(&consoleServiceDesc, s)

	s.mu.Lock()
	s.grpcServer = grpcServer
	s.mu.Unlock()

	slog.Info("Starting gRPC server", "address", lis.Addr().String(), "codec", codec.Name)

	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("failed to serve gRPC: %w", err)
	}

	return nil
}

// Append stores one console chunk. The x-agent-guid metadata must name the
// agent in the chunk.
func (s *Server) Append(ctx context.Context, chunk *protocol.ConsoleChunk) (*protocol.ConsoleAck, error) {
	ack, err := s.receiver.Append(ctx, agentFromContext(ctx), *chunk)
	switch {
	case err == nil:
		return &ack, nil
	case errors.Is(err, console.ErrIdentityMismatch):
		return nil, status.Error(codes.PermissionDenied, err.Error())
	case errors.Is(err, console.ErrSequenceGap):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, console.ErrInvalidChunk):
		return nil, status.Error(codes.InvalidArgument, err.Error())
	default:
		slog.Error("Failed to append console chunk", "build_id", chunk.BuildID, "error", err)
		return nil, status.Error(codes.Internal, "failed to append console")
	}
}

func agentFromContext(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(protocol.AgentGUIDMetadataKey); len(values) > 0 {
		return values[0]
	}
	return ""
}

func (s *Server) Stop(ctx context.Context) error {
	slog.Info("Stopping gRPC server")
	s.mu.Lock()
	grpcServer := s.grpcServer
	s.mu.Unlock()
	if grpcServer == nil {
		return nil
	}

	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
		slog.Info("gRPC server stopped gracefully")
	case <-ctx.Done():
		slog.Warn("gRPC server stop timeout, forcing shutdown")
		grpcServer.Stop()
	}

	return nil
}

func (s *Server) StopWithTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.Stop(ctx)
}
